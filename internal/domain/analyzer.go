package domain

import "context"

// AnalysisRequest is everything the analysis service needs for one receipt.
type AnalysisRequest struct {
	TaskID     string
	FileName   string
	Data       []byte
	Categories []string
}

// Analyzer defines the contract for the external receipt analysis service.
type Analyzer interface {
	// Analyze submits the receipt. A nil slice with a nil error means the
	// service accepted the job and will answer through the callback.
	Analyze(ctx context.Context, req AnalysisRequest) ([]Transaction, error)
}
