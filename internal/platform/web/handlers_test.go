package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dontdude/receiptflow/internal/domain"
	"github.com/dontdude/receiptflow/internal/platform/lock"
	"github.com/dontdude/receiptflow/internal/platform/store"
	"github.com/dontdude/receiptflow/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReceipts struct {
	uploadErr   error
	uploaded    []byte
	uploadTeam  int64
	saveErr     error
	saved       []domain.Transaction
	callbacks   []domain.AnalysisResult
	callbackErr error
}

func (f *fakeReceipts) Upload(ctx context.Context, memberID, teamID int64, file domain.ReceiptFile) (string, error) {
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	rc, err := file.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()
	f.uploaded, _ = io.ReadAll(rc)
	f.uploadTeam = teamID
	return "20261017120000000-abcd1234", nil
}

func (f *fakeReceipts) Save(ctx context.Context, memberID, teamID int64, jobID string, txs []domain.Transaction) error {
	f.saved = txs
	return f.saveErr
}

func (f *fakeReceipts) CompleteCallback(ctx context.Context, result domain.AnalysisResult) error {
	f.callbacks = append(f.callbacks, result)
	return f.callbackErr
}

type fakeTeams struct{ err error }

func (f *fakeTeams) Leave(ctx context.Context, teamID, memberID int64) error { return f.err }

func newTestRouter(receipts *fakeReceipts, teams *fakeTeams, limiter *RateLimiter) http.Handler {
	return NewRouter(&Handlers{
		Receipts:       receipts,
		Teams:          teams,
		Hub:            NewHub(nil),
		Limiter:        limiter,
		CallbackSecret: "s3cret",
	})
}

func uploadRequest(t *testing.T, member, team string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("receipt", "lunch.jpg")
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	if team != "" {
		require.NoError(t, mw.WriteField("teamId", team))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/receipts/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if member != "" {
		req.Header.Set(MemberHeader, member)
	}
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestUpload(t *testing.T) {
	receipts := &fakeReceipts{}
	h := newTestRouter(receipts, &fakeTeams{}, nil)

	rec := serve(h, uploadRequest(t, "7", "3", []byte("img")))

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "20261017120000000-abcd1234", resp["task_id"])
	assert.Equal(t, "queued", resp["status"])
	assert.Equal(t, []byte("img"), receipts.uploaded)
	assert.Equal(t, int64(3), receipts.uploadTeam)
}

func TestUpload_Errors(t *testing.T) {
	tests := []struct {
		name   string
		member string
		team   string
		err    error
		want   int
	}{
		{name: "missing member", member: "", want: http.StatusUnauthorized},
		{name: "bad team", member: "7", team: "abc", want: http.StatusBadRequest},
		{name: "in progress", member: "7", err: lock.ErrAlreadyInProgress, want: http.StatusConflict},
		{name: "invalid", member: "7", err: service.ErrInvalidArgument, want: http.StatusBadRequest},
		{name: "publish failure", member: "7", err: assert.AnError, want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestRouter(&fakeReceipts{uploadErr: tt.err}, &fakeTeams{}, nil)
			rec := serve(h, uploadRequest(t, tt.member, tt.team, []byte("img")))
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestUpload_MissingFile(t *testing.T) {
	h := newTestRouter(&fakeReceipts{}, &fakeTeams{}, nil)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("teamId", "3"))
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/api/receipts/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(MemberHeader, "7")

	assert.Equal(t, http.StatusBadRequest, serve(h, req).Code)
}

func TestUpload_RateLimited(t *testing.T) {
	limiter := NewRateLimiter(t.Context(), 0.001, 1)
	h := newTestRouter(&fakeReceipts{}, &fakeTeams{}, limiter)

	assert.Equal(t, http.StatusAccepted, serve(h, uploadRequest(t, "7", "", []byte("a"))).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(h, uploadRequest(t, "7", "", []byte("b"))).Code)
	assert.Equal(t, http.StatusAccepted, serve(h, uploadRequest(t, "8", "", []byte("c"))).Code, "limits are per member")
}

func TestSave(t *testing.T) {
	receipts := &fakeReceipts{}
	h := newTestRouter(receipts, &fakeTeams{}, nil)

	body := `{"taskId":"t-1","teamId":0,"transactions":[{"date":"2026-10-17","categoryName":"food","content":"lunch","amount":9000}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/receipts", strings.NewReader(body))
	req.Header.Set(MemberHeader, "7")

	rec := serve(h, req)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, receipts.saved, 1)
	assert.Equal(t, int64(9000), receipts.saved[0].Amount)

	receipts.saveErr = lock.ErrAlreadyInProgress
	req = httptest.NewRequest(http.MethodPost, "/api/receipts", strings.NewReader(body))
	req.Header.Set(MemberHeader, "7")
	assert.Equal(t, http.StatusConflict, serve(h, req).Code)
}

func TestCallback(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		want   int
	}{
		{name: "missing secret", secret: "", want: http.StatusUnauthorized},
		{name: "wrong secret", secret: "nope", want: http.StatusForbidden},
		{name: "ok", secret: "s3cret", want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			receipts := &fakeReceipts{}
			h := newTestRouter(receipts, &fakeTeams{}, nil)

			req := httptest.NewRequest(http.MethodPost, "/api/receipts/callback",
				strings.NewReader(`{"taskId":"t-1","transactions":[]}`))
			if tt.secret != "" {
				req.Header.Set(CallbackHeader, tt.secret)
			}

			rec := serve(h, req)
			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusOK {
				require.Len(t, receipts.callbacks, 1)
				assert.Equal(t, "t-1", receipts.callbacks[0].TaskID)
			} else {
				assert.Empty(t, receipts.callbacks)
			}
		})
	}
}

func TestLeave(t *testing.T) {
	tests := []struct {
		name string
		path string
		err  error
		want int
	}{
		{name: "ok", path: "/api/teams/3/leave", want: http.StatusNoContent},
		{name: "unknown", path: "/api/teams/3/leave", err: store.ErrNotFound, want: http.StatusNotFound},
		{name: "contention", path: "/api/teams/3/leave", err: lock.ErrAlreadyInProgress, want: http.StatusConflict},
		{name: "bad id", path: "/api/teams/x/leave", want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestRouter(&fakeReceipts{}, &fakeTeams{err: tt.err}, nil)
			req := httptest.NewRequest(http.MethodPost, tt.path, nil)
			req.Header.Set(MemberHeader, "7")
			assert.Equal(t, tt.want, serve(h, req).Code)
		})
	}
}

func TestHealth(t *testing.T) {
	h := NewRouter(&Handlers{Receipts: &fakeReceipts{}, Teams: &fakeTeams{}, Health: func(context.Context) error {
		return assert.AnError
	}})
	assert.Equal(t, http.StatusServiceUnavailable, serve(h, httptest.NewRequest(http.MethodGet, "/healthz", nil)).Code)

	h = NewRouter(&Handlers{Receipts: &fakeReceipts{}, Teams: &fakeTeams{}})
	assert.Equal(t, http.StatusOK, serve(h, httptest.NewRequest(http.MethodGet, "/healthz", nil)).Code)
}
