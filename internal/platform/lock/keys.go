package lock

import (
	"encoding/hex"
	"fmt"
	"io"
	"strconv"

	"github.com/zeebo/blake3"
)

// ProcessingFlagKey is the singleton key of the global processing flag.
const ProcessingFlagKey = "receipt:processing"

const (
	uploadNamespace    = "receipt:upload"
	saveNamespace      = "receipt:save"
	teamLeaveNamespace = "team:leave"
	personalScope      = "personal"
)

// fingerprintKey separates receipt fingerprints from any other BLAKE3 use.
var fingerprintKey = [32]byte{
	'r', 'e', 'c', 'e', 'i', 'p', 't', 'f', 'l', 'o', 'w', '.',
	'f', 'i', 'n', 'g', 'e', 'r', 'p', 'r', 'i', 'n', 't',
}

// UploadKey collides for byte-identical uploads by the same member in the same scope.
// teamID 0 means the member's personal ledger.
func UploadKey(memberID, teamID int64, fingerprint string) string {
	return fmt.Sprintf("%s:%d:%s:%s", uploadNamespace, memberID, scope(teamID), fingerprint)
}

// SaveKey guards persisting the result of one analysed job.
func SaveKey(memberID int64, jobID string) string {
	return fmt.Sprintf("%s:%d:%s", saveNamespace, memberID, jobID)
}

// TeamLeaveKey is scoped to the team: departures of different members still serialise.
func TeamLeaveKey(teamID int64) string {
	return fmt.Sprintf("%s:%d", teamLeaveNamespace, teamID)
}

// Fingerprint hashes the content returned by open.
// If the content cannot be read it falls back to name and size, which may collide
// for distinct files sharing both.
func Fingerprint(name string, size int64, open func() (io.ReadCloser, error)) string {
	if sum, err := contentHash(open); err == nil {
		return sum
	}
	return name + "_" + strconv.FormatInt(size, 10)
}

func contentHash(open func() (io.ReadCloser, error)) (string, error) {
	if open == nil {
		return "", fmt.Errorf("no content")
	}
	rc, err := open()
	if err != nil {
		return "", err
	}
	defer rc.Close()

	hasher, err := blake3.NewKeyed(fingerprintKey[:])
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(hasher, rc); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func scope(teamID int64) string {
	if teamID == 0 {
		return personalScope
	}
	return strconv.FormatInt(teamID, 10)
}
