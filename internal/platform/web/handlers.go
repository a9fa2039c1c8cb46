package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dontdude/receiptflow/internal/domain"
	"github.com/dontdude/receiptflow/internal/platform/lock"
	"github.com/dontdude/receiptflow/internal/platform/metrics"
	"github.com/dontdude/receiptflow/internal/platform/store"
	"github.com/dontdude/receiptflow/internal/service"
)

// Request headers.
const (
	MemberHeader   = "X-Member-Id"
	CallbackHeader = "X-Callback-Secret"
)

// Receipts is the receipt use-case surface the API exposes.
type Receipts interface {
	Upload(ctx context.Context, memberID, teamID int64, file domain.ReceiptFile) (string, error)
	Save(ctx context.Context, memberID, teamID int64, jobID string, txs []domain.Transaction) error
	CompleteCallback(ctx context.Context, result domain.AnalysisResult) error
}

// Teams is the team use-case surface the API exposes.
type Teams interface {
	Leave(ctx context.Context, teamID, memberID int64) error
}

// Handlers holds the dependencies of the HTTP API.
type Handlers struct {
	Receipts       Receipts
	Teams          Teams
	Hub            *Hub
	Limiter        *RateLimiter
	CallbackSecret string
	MaxUploadBytes int64
	// Health reports backend reachability for /healthz. Optional.
	Health func(ctx context.Context) error
	Logger *slog.Logger
}

// NewRouter registers every route and wraps the mux with CORS.
func NewRouter(h *Handlers) http.Handler {
	if h.Logger == nil {
		h.Logger = slog.Default()
	}
	if h.MaxUploadBytes <= 0 {
		h.MaxUploadBytes = 10 << 20
	}

	upload := h.handleUpload
	if h.Limiter != nil {
		upload = h.Limiter.Middleware(upload)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/receipts/upload", upload)
	mux.HandleFunc("POST /api/receipts", h.handleSave)
	mux.HandleFunc("POST /api/receipts/callback", h.handleCallback)
	mux.HandleFunc("POST /api/teams/{teamId}/leave", h.handleLeave)
	if h.Hub != nil {
		mux.HandleFunc("GET /api/ws", h.Hub.ServeWS)
	}
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", h.handleHealth)

	return enableCORS(mux)
}

func (h *Handlers) handleUpload(w http.ResponseWriter, r *http.Request) {
	memberID, ok := requireMember(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.MaxUploadBytes)
	if err := r.ParseMultipartForm(h.MaxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid multipart body")
		return
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File["receipt"]
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, "receipt file is required")
		return
	}
	header := files[0]

	teamID, err := optionalID(r.FormValue("teamId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "teamId must be a positive integer")
		return
	}

	taskID, err := h.Receipts.Upload(r.Context(), memberID, teamID, domain.ReceiptFile{
		Name: header.Filename,
		Size: header.Size,
		Open: func() (io.ReadCloser, error) { return header.Open() },
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.Logger.Info("Receipt accepted", "taskID", taskID, "memberID", memberID, "teamID", teamID)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id": taskID,
		"status":  "queued",
	})
}

func (h *Handlers) handleSave(w http.ResponseWriter, r *http.Request) {
	memberID, ok := requireMember(w, r)
	if !ok {
		return
	}

	var req struct {
		TaskID       string               `json:"taskId"`
		TeamID       int64                `json:"teamId"`
		Transactions []domain.Transaction `json:"transactions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.TeamID < 0 {
		writeError(w, http.StatusBadRequest, "teamId must be a positive integer")
		return
	}

	if err := h.Receipts.Save(r.Context(), memberID, req.TeamID, req.TaskID, req.Transactions); err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"task_id": req.TaskID,
		"status":  "saved",
	})
}

func (h *Handlers) handleCallback(w http.ResponseWriter, r *http.Request) {
	secret := r.Header.Get(CallbackHeader)
	if secret == "" {
		writeError(w, http.StatusUnauthorized, "Missing callback secret")
		return
	}
	if h.CallbackSecret == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(h.CallbackSecret)) != 1 {
		h.Logger.Warn("Rejected analysis callback", "remoteAddr", r.RemoteAddr)
		writeError(w, http.StatusForbidden, "Invalid callback secret")
		return
	}

	var result domain.AnalysisResult
	if err := json.NewDecoder(r.Body).Decode(&result); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.Receipts.CompleteCallback(r.Context(), result); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handlers) handleLeave(w http.ResponseWriter, r *http.Request) {
	memberID, ok := requireMember(w, r)
	if !ok {
		return
	}

	teamID, err := strconv.ParseInt(r.PathValue("teamId"), 10, 64)
	if err != nil || teamID <= 0 {
		writeError(w, http.StatusBadRequest, "teamId must be a positive integer")
		return
	}

	if err := h.Teams.Leave(r.Context(), teamID, memberID); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		if err := h.Health(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "unhealthy")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// fail maps use-case errors onto status codes.
func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, lock.ErrAlreadyInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		h.Logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
	}
}

func requireMember(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.Header.Get(MemberHeader), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusUnauthorized, MemberHeader+" header is required")
		return 0, false
	}
	return id, true
}

// optionalID parses an absent or empty value as 0, the personal scope.
func optionalID(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid id")
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// enableCORS adds headers to allow requests from the frontend.
func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+MemberHeader)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
