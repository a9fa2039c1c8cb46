package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dontdude/receiptflow/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on pgxpool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects and pings.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// CategoryNames reads the category labels for the member or team.
func (s *PostgresStore) CategoryNames(ctx context.Context, memberID, teamID int64) ([]string, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if teamID == 0 {
		rows, err = s.pool.Query(ctx, `
			SELECT name FROM category
			WHERE creator_id = $1 AND team_id IS NULL AND deleted_at IS NULL
			ORDER BY id`, memberID)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT name FROM category
			WHERE team_id = $1 AND deleted_at IS NULL
			ORDER BY id`, teamID)
	}
	if err != nil {
		return nil, fmt.Errorf("query categories: %w", err)
	}

	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan categories: %w", err)
	}
	return names, nil
}

// SaveTransactions inserts txs in a single transaction.
func (s *PostgresStore) SaveTransactions(ctx context.Context, memberID, teamID int64, txs []domain.Transaction) error {
	var team *int64
	if teamID != 0 {
		team = &teamID
	}

	batch := &pgx.Batch{}
	for _, tx := range txs {
		batch.Queue(`
			INSERT INTO transaction (creator_id, team_id, category_id, transaction_date, content, amount, created_at)
			VALUES ($1, $2,
				(SELECT id FROM category
				 WHERE name = $3 AND deleted_at IS NULL
				   AND (team_id = $2 OR ($2::bigint IS NULL AND team_id IS NULL AND creator_id = $1))
				 LIMIT 1),
				$4::date, $5, $6, now())`,
			memberID, team, tx.CategoryName, tx.Date, tx.Content, tx.Amount)
	}

	return pgx.BeginFunc(ctx, s.pool, func(dbtx pgx.Tx) error {
		if err := dbtx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert transactions: %w", err)
		}
		return nil
	})
}

// LeaveTeam deletes the membership, passes leadership on by join order and soft-deletes an empty team.
func (s *PostgresStore) LeaveTeam(ctx context.Context, teamID, memberID int64) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var leaderID int64
		err := tx.QueryRow(ctx,
			`SELECT leader_id FROM team WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`, teamID).Scan(&leaderID)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load team: %w", err)
		}

		tag, err := tx.Exec(ctx, `DELETE FROM team_member WHERE team_id = $1 AND member_id = $2`, teamID, memberID)
		if err != nil {
			return fmt.Errorf("delete membership: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}

		var successor int64
		err = tx.QueryRow(ctx, `
			SELECT member_id FROM team_member
			WHERE team_id = $1 ORDER BY created_at, id LIMIT 1`, teamID).Scan(&successor)
		if errors.Is(err, pgx.ErrNoRows) {
			// Last member out: retire the team.
			_, err = tx.Exec(ctx, `UPDATE team SET deleted_at = now() WHERE id = $1`, teamID)
			return err
		}
		if err != nil {
			return fmt.Errorf("find successor: %w", err)
		}

		if leaderID == memberID {
			if _, err := tx.Exec(ctx, `UPDATE team SET leader_id = $2 WHERE id = $1`, teamID, successor); err != nil {
				return fmt.Errorf("hand over leadership: %w", err)
			}
		}
		return nil
	})
}
