package repository

import (
	"context"
	"fmt"
	"log/slog"

	sq "github.com/Masterminds/squirrel"
	tx "github.com/Thiht/transactor/pgx"
	"github.com/jackc/pgx/v5"

	"github.com/sand/ripplebids-settlement/backend/internal/entities"
	"github.com/sand/ripplebids-settlement/backend/pkg/database"
)

// OutboxRepository persists payments whose escrow funding record is pending.
type OutboxRepository struct {
	logger *slog.Logger
	db     tx.DBGetter
}

func NewOutboxRepository(logger *slog.Logger, pg *database.Postgres) *OutboxRepository {
	return &OutboxRepository{logger: logger, db: pg.DBGetter}
}

// EnqueueFunding is idempotent per transaction hash while the entry is pending.
func (r *OutboxRepository) EnqueueFunding(ctx context.Context, e *entities.FundingOutboxEntry) error {
	query, args, err := psql.Insert("escrow_funding_outbox").
		Columns("escrow_id", "chain", "transaction_hash", "amount", "last_error", "status").
		Values(e.EscrowID, string(e.Chain), e.TransactionHash, e.Amount, e.LastError, string(entities.OutboxPending)).
		Suffix("ON CONFLICT (transaction_hash) WHERE status = 'pending' DO UPDATE SET last_error = EXCLUDED.last_error, updated_at = NOW() RETURNING id, created_at, updated_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("build outbox insert: %w", err)
	}
	if err := r.db(ctx).QueryRow(ctx, query, args...).Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return fmt.Errorf("failed to enqueue funding: %w", err)
	}
	e.Status = entities.OutboxPending
	return nil
}

func (r *OutboxRepository) PendingFunding(ctx context.Context, limit uint64) ([]entities.FundingOutboxEntry, error) {
	b := psql.Select("id", "escrow_id", "chain", "transaction_hash", "amount", "attempts", "last_error", "status", "created_at", "updated_at").
		From("escrow_funding_outbox").
		Where(sq.Eq{"status": string(entities.OutboxPending)}).
		OrderBy("id")
	if limit > 0 {
		b = b.Limit(limit)
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build outbox select: %w", err)
	}

	rows, err := r.db(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query funding outbox: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (entities.FundingOutboxEntry, error) {
		var e entities.FundingOutboxEntry
		err := row.Scan(&e.ID, &e.EscrowID, &e.Chain, &e.TransactionHash, &e.Amount,
			&e.Attempts, &e.LastError, &e.Status, &e.CreatedAt, &e.UpdatedAt)
		return e, err
	})
}

func (r *OutboxRepository) MarkFundingApplied(ctx context.Context, id int64) error {
	return r.update(ctx, psql.Update("escrow_funding_outbox").
		Set("status", string(entities.OutboxApplied)).
		Where(sq.Eq{"id": id}))
}

func (r *OutboxRepository) MarkFundingFailed(ctx context.Context, id int64, lastError string, abandon bool) error {
	b := psql.Update("escrow_funding_outbox").
		Set("attempts", sq.Expr("attempts + 1")).
		Set("last_error", lastError).
		Where(sq.Eq{"id": id})
	if abandon {
		b = b.Set("status", string(entities.OutboxAbandoned))
	}
	return r.update(ctx, b)
}

func (r *OutboxRepository) update(ctx context.Context, b sq.UpdateBuilder) error {
	query, args, err := b.Set("updated_at", sq.Expr("NOW()")).ToSql()
	if err != nil {
		return fmt.Errorf("build outbox update: %w", err)
	}
	tag, err := r.db(ctx).Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return entities.ErrNotFound
	}
	return nil
}
