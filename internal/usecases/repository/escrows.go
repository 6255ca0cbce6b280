package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	sq "github.com/Masterminds/squirrel"
	tx "github.com/Thiht/transactor/pgx"
	"github.com/jackc/pgx/v5"

	"github.com/sand/ripplebids-settlement/backend/internal/entities"
	"github.com/sand/ripplebids-settlement/backend/pkg/database"
)

var escrowColumns = []string{
	"id", "listing_id", "buyer", "seller", "amount", "chain", "status", "conditions",
	"transaction_hash", "release_hash", "withdrawal_address", "dispute_reason", "pending_payout_hash",
	"release_lock", "created_at", "updated_at",
}

// EscrowsRepository stores escrows. Status changes are conditional updates so
// concurrent callers cannot both move the same escrow.
type EscrowsRepository struct {
	logger *slog.Logger
	db     tx.DBGetter
}

func NewEscrowsRepository(logger *slog.Logger, pg *database.Postgres) *EscrowsRepository {
	return &EscrowsRepository{logger: logger, db: pg.DBGetter}
}

func scanEscrow(row pgx.Row) (*entities.Escrow, error) {
	var (
		e     entities.Escrow
		chain *string
	)
	err := row.Scan(
		&e.ID,
		&e.ListingID,
		&e.Buyer,
		&e.Seller,
		&e.Amount,
		&chain,
		&e.Status,
		&e.Conditions,
		&e.TransactionHash,
		&e.ReleaseHash,
		&e.WithdrawalAddress,
		&e.DisputeReason,
		&e.PendingPayoutHash,
		&e.ReleaseLock,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	if chain != nil {
		e.Chain = entities.Chain(*chain)
	}
	return &e, nil
}

func (r *EscrowsRepository) InsertEscrow(ctx context.Context, e *entities.Escrow) error {
	var chain *string
	if e.Chain != "" {
		c := string(e.Chain)
		chain = &c
	}
	query, args, err := psql.Insert("escrows").
		Columns("id", "listing_id", "buyer", "seller", "amount", "chain", "status", "conditions",
			"transaction_hash", "created_at", "updated_at").
		Values(e.ID, e.ListingID, e.Buyer, e.Seller, e.Amount, chain, string(e.Status), e.Conditions,
			e.TransactionHash, e.CreatedAt, e.UpdatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("build escrow insert: %w", err)
	}
	if _, err = r.db(ctx).Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert escrow: %w", mapError(err))
	}
	return nil
}

func (r *EscrowsRepository) get(ctx context.Context, where sq.Sqlizer) (*entities.Escrow, error) {
	query, args, err := psql.Select(escrowColumns...).From("escrows").Where(where).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build escrow select: %w", err)
	}
	return scanEscrow(r.db(ctx).QueryRow(ctx, query, args...))
}

func (r *EscrowsRepository) GetEscrow(ctx context.Context, id string) (*entities.Escrow, error) {
	return r.get(ctx, sq.Eq{"id": id})
}

func (r *EscrowsRepository) FindEscrowByTxHash(ctx context.Context, txHash string) (*entities.Escrow, error) {
	return r.get(ctx, sq.Eq{"transaction_hash": txHash})
}

// exec runs a conditional update and reports ErrConflict when no row matched.
func (r *EscrowsRepository) exec(ctx context.Context, b sq.UpdateBuilder) error {
	query, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("build escrow update: %w", err)
	}
	tag, err := r.db(ctx).Exec(ctx, query, args...)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return entities.ErrConflict
	}
	return nil
}

func (r *EscrowsRepository) MarkFunded(ctx context.Context, id string, chain entities.Chain, txHash string) error {
	return r.exec(ctx, psql.Update("escrows").
		Set("status", string(entities.EscrowFunded)).
		Set("transaction_hash", txHash).
		Set("chain", sq.Expr("COALESCE(chain, ?)", string(chain))).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": id, "status": string(entities.EscrowPending)}))
}

func (r *EscrowsRepository) ClaimRelease(ctx context.Context, id, token string, from []entities.EscrowStatus) (*entities.Escrow, error) {
	query, args, err := psql.Update("escrows").
		Set("release_lock", token).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": id, "status": statusStrings(from), "release_lock": nil}).
		Suffix("RETURNING " + joinColumns(escrowColumns)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build release claim: %w", err)
	}
	e, err := scanEscrow(r.db(ctx).QueryRow(ctx, query, args...))
	if errors.Is(err, entities.ErrNotFound) {
		return nil, entities.ErrConflict
	}
	return e, err
}

func (r *EscrowsRepository) DropReleaseClaim(ctx context.Context, id, token string) error {
	return r.exec(ctx, psql.Update("escrows").
		Set("release_lock", nil).
		Where(sq.Eq{"id": id, "release_lock": token}))
}

func (r *EscrowsRepository) FinalizeRelease(ctx context.Context, id, token string, status entities.EscrowStatus, releaseHash, withdrawalAddress string) error {
	return r.exec(ctx, psql.Update("escrows").
		Set("status", string(status)).
		Set("release_hash", releaseHash).
		Set("withdrawal_address", withdrawalAddress).
		Set("pending_payout_hash", nil).
		Set("release_lock", nil).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": id, "release_lock": token}))
}

// RecordPendingPayout notes a payout of unknown outcome on an escrow whose
// release claim is still held by token.
func (r *EscrowsRepository) RecordPendingPayout(ctx context.Context, id, token, txHash string) error {
	return r.exec(ctx, psql.Update("escrows").
		Set("pending_payout_hash", txHash).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": id, "release_lock": token}))
}

func (r *EscrowsRepository) UpdateStatus(ctx context.Context, id string, from []entities.EscrowStatus, to entities.EscrowStatus, reason *string) error {
	b := psql.Update("escrows").
		Set("status", string(to)).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": id, "status": statusStrings(from), "release_lock": nil})
	if reason != nil {
		b = b.Set("dispute_reason", *reason)
	}
	return r.exec(ctx, b)
}
