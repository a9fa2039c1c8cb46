package domain

import (
	"io"
	"time"
)

// Job is the descriptor carried on the receipt stream.
// The raw receipt bytes never travel on the stream, only the staging path.
type Job struct {
	ID          string    `json:"id"`
	StagingPath string    `json:"staging_path"`
	MemberID    int64     `json:"member_id"`
	TeamID      int64     `json:"team_id,omitempty"`
	FileName    string    `json:"file_name"`
	Categories  []string  `json:"categories"`
	CreatedAt   time.Time `json:"created_at"`

	// RawID is the internal Stream ID from Redis (e.g. 1700000-0).
	// We need this to Acknowledge the message later.
	RawID string `json:"-"`
}

// Transaction is a single line item recognised on a receipt.
type Transaction struct {
	Date         string `json:"date"`
	CategoryName string `json:"categoryName"`
	Content      string `json:"content"`
	Amount       int64  `json:"amount"`
}

// AnalysisResult is what the analysis service produced for one job,
// either inline or through the asynchronous callback.
type AnalysisResult struct {
	TaskID       string        `json:"taskId"`
	Transactions []Transaction `json:"transactions"`
}

// ReceiptFile is an uploaded receipt as seen by the service layer.
// Open may be called more than once.
type ReceiptFile struct {
	Name string
	Size int64
	Open func() (io.ReadCloser, error)
}
