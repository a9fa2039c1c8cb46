package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dontdude/receiptflow/internal/config"
	"github.com/dontdude/receiptflow/internal/domain"
)

// ErrNotFound is returned when the team or membership does not exist.
var ErrNotFound = errors.New("not found")

// Store is the slice of the relational store the receipt pipeline relies on.
// teamID 0 addresses the member's personal ledger.
type Store interface {
	// CategoryNames lists the labels the analysis service may assign.
	CategoryNames(ctx context.Context, memberID, teamID int64) ([]string, error)

	// SaveTransactions persists analysed line items.
	SaveTransactions(ctx context.Context, memberID, teamID int64, txs []domain.Transaction) error

	// LeaveTeam removes the membership, passes leadership on and retires empty teams.
	LeaveTeam(ctx context.Context, teamID, memberID int64) error

	Close()
}

// New builds the store selected by cfg.Type.
func New(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Type {
	case "", "memory":
		logger.Warn("Using in-memory store, data is not persisted")
		return NewMemoryStore(), nil
	case "postgres":
		return NewPostgresStore(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}
}
