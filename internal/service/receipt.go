package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/dontdude/receiptflow/internal/domain"
	"github.com/dontdude/receiptflow/internal/platform/lock"
	"github.com/dontdude/receiptflow/internal/platform/store"
)

// ErrInvalidArgument marks requests rejected before any side effect.
var ErrInvalidArgument = errors.New("invalid argument")

// ReceiptService implements upload, save and callback for receipts.
type ReceiptService struct {
	guard    *lock.Guard
	producer *Producer
	store    store.Store
	bus      domain.ResultBus
	logger   *slog.Logger
}

// NewReceiptService wires the receipt use cases.
func NewReceiptService(guard *lock.Guard, producer *Producer, st store.Store, bus domain.ResultBus, logger *slog.Logger) *ReceiptService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReceiptService{guard: guard, producer: producer, store: st, bus: bus, logger: logger}
}

// Upload enqueues a receipt for analysis. Concurrent uploads of the same content by the same
// member into the same scope fail with lock.ErrAlreadyInProgress.
func (s *ReceiptService) Upload(ctx context.Context, memberID, teamID int64, file domain.ReceiptFile) (string, error) {
	if memberID <= 0 || file.Open == nil {
		return "", ErrInvalidArgument
	}

	key := lock.UploadKey(memberID, teamID, lock.Fingerprint(file.Name, file.Size, file.Open))

	return lock.Run(ctx, s.guard, key, func(ctx context.Context) (string, error) {
		data, err := readAll(file)
		if err != nil {
			return "", err
		}

		categories, err := s.store.CategoryNames(ctx, memberID, teamID)
		if err != nil {
			return "", fmt.Errorf("failed to load categories: %w", err)
		}

		return s.producer.Publish(ctx, Submission{
			MemberID:   memberID,
			TeamID:     teamID,
			FileName:   file.Name,
			Data:       data,
			Categories: categories,
		})
	})
}

// Save persists the line items of an analysed job.
func (s *ReceiptService) Save(ctx context.Context, memberID, teamID int64, jobID string, txs []domain.Transaction) error {
	if memberID <= 0 || jobID == "" || len(txs) == 0 {
		return ErrInvalidArgument
	}

	return s.guard.Do(ctx, lock.SaveKey(memberID, jobID), func(ctx context.Context) error {
		if err := s.store.SaveTransactions(ctx, memberID, teamID, txs); err != nil {
			return fmt.Errorf("failed to save transactions: %w", err)
		}
		s.logger.Info("Receipt transactions saved", "jobID", jobID, "memberID", memberID, "count", len(txs))
		return nil
	})
}

// CompleteCallback forwards an asynchronous analysis result to subscribed clients.
func (s *ReceiptService) CompleteCallback(ctx context.Context, result domain.AnalysisResult) error {
	if result.TaskID == "" {
		return ErrInvalidArgument
	}
	if err := s.bus.Broadcast(ctx, result); err != nil {
		return fmt.Errorf("failed to broadcast result: %w", err)
	}
	s.logger.Info("Analysis callback received", "jobID", result.TaskID, "count", len(result.Transactions))
	return nil
}

func readAll(file domain.ReceiptFile) ([]byte, error) {
	rc, err := file.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open upload: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	return data, nil
}
