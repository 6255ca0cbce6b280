package repository

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	tx "github.com/Thiht/transactor/pgx"
	"github.com/jackc/pgx/v5"

	"github.com/sand/ripplebids-settlement/backend/internal/entities"
	"github.com/sand/ripplebids-settlement/backend/pkg/database"
)

var orderColumns = []string{
	"id", "listing_id", "buyer_id", "seller_id", "amount", "escrow_id", "transaction_hash",
	"payment_chain", "status", "shipping", "created_at", "updated_at",
}

type OrdersRepository struct {
	logger *slog.Logger
	db     tx.DBGetter
}

func NewOrdersRepository(logger *slog.Logger, pg *database.Postgres) *OrdersRepository {
	return &OrdersRepository{logger: logger, db: pg.DBGetter}
}

func orderTargets(o *entities.Order, chain **string) []any {
	return []any{
		&o.ID,
		&o.ListingID,
		&o.BuyerID,
		&o.SellerID,
		&o.Amount,
		&o.EscrowID,
		&o.TransactionHash,
		chain,
		&o.Status,
		&o.Shipping,
		&o.CreatedAt,
		&o.UpdatedAt,
	}
}

func (r *OrdersRepository) InsertOrder(ctx context.Context, o *entities.Order) error {
	query, args, err := psql.Insert("orders").
		Columns(orderColumns...).
		Values(o.ID, o.ListingID, o.BuyerID, o.SellerID, o.Amount, o.EscrowID, o.TransactionHash,
			string(o.PaymentChain), string(o.Status), o.Shipping, o.CreatedAt, o.UpdatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("build order insert: %w", err)
	}
	if _, err = r.db(ctx).Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert order: %w", mapError(err))
	}
	return nil
}

func (r *OrdersRepository) GetOrderByEscrow(ctx context.Context, escrowID string) (*entities.Order, error) {
	query, args, err := psql.Select(orderColumns...).From("orders").Where(sq.Eq{"escrow_id": escrowID}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build order select: %w", err)
	}

	var (
		o     entities.Order
		chain *string
	)
	if err := r.db(ctx).QueryRow(ctx, query, args...).Scan(orderTargets(&o, &chain)...); err != nil {
		return nil, mapError(err)
	}
	if chain != nil {
		o.PaymentChain = entities.Chain(*chain)
	}
	return &o, nil
}

func (r *OrdersRepository) update(ctx context.Context, b sq.UpdateBuilder) error {
	query, args, err := b.Set("updated_at", sq.Expr("NOW()")).ToSql()
	if err != nil {
		return fmt.Errorf("build order update: %w", err)
	}
	tag, err := r.db(ctx).Exec(ctx, query, args...)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return entities.ErrNotFound
	}
	return nil
}

func (r *OrdersRepository) MarkOrderFunded(ctx context.Context, escrowID string, chain entities.Chain, txHash string) error {
	return r.update(ctx, psql.Update("orders").
		Set("status", string(entities.OrderEscrowFunded)).
		Set("payment_chain", string(chain)).
		Set("transaction_hash", txHash).
		Where(sq.Eq{"escrow_id": escrowID}))
}

func (r *OrdersRepository) UpdateOrderStatus(ctx context.Context, escrowID string, status entities.OrderStatus) error {
	return r.update(ctx, psql.Update("orders").
		Set("status", string(status)).
		Where(sq.Eq{"escrow_id": escrowID}))
}

// FindAutoReleaseCandidates returns escrow_funded orders older than cutoff
// whose escrow is still funded and not claimed by a release in flight.
func (r *OrdersRepository) FindAutoReleaseCandidates(ctx context.Context, cutoff time.Time, limit uint64) ([]entities.AutoReleaseCandidate, error) {
	cols := make([]string, 0, len(orderColumns)+len(escrowColumns))
	for _, c := range orderColumns {
		cols = append(cols, "o."+c)
	}
	for _, c := range escrowColumns {
		cols = append(cols, "e."+c)
	}

	b := psql.Select(cols...).
		From("orders o").
		Join("escrows e ON e.id = o.escrow_id").
		Where(sq.Eq{
			"o.status":       string(entities.OrderEscrowFunded),
			"e.status":       string(entities.EscrowFunded),
			"e.release_lock": nil,
		}).
		Where(sq.Lt{"o.created_at": cutoff}).
		OrderBy("o.created_at")
	if limit > 0 {
		b = b.Limit(limit)
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build candidates query: %w", err)
	}

	rows, err := r.db(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query auto-release candidates: %w", err)
	}

	candidates, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (entities.AutoReleaseCandidate, error) {
		var (
			c                       entities.AutoReleaseCandidate
			orderChain, escrowChain *string
		)
		targets := orderTargets(&c.Order, &orderChain)
		targets = append(targets,
			&c.Escrow.ID,
			&c.Escrow.ListingID,
			&c.Escrow.Buyer,
			&c.Escrow.Seller,
			&c.Escrow.Amount,
			&escrowChain,
			&c.Escrow.Status,
			&c.Escrow.Conditions,
			&c.Escrow.TransactionHash,
			&c.Escrow.ReleaseHash,
			&c.Escrow.WithdrawalAddress,
			&c.Escrow.DisputeReason,
			&c.Escrow.ReleaseLock,
			&c.Escrow.CreatedAt,
			&c.Escrow.UpdatedAt,
		)
		if err := row.Scan(targets...); err != nil {
			return c, err
		}
		if orderChain != nil {
			c.Order.PaymentChain = entities.Chain(*orderChain)
		}
		if escrowChain != nil {
			c.Escrow.Chain = entities.Chain(*escrowChain)
		}
		return c, nil
	})
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to collect auto-release candidates", "error", err)
		return nil, err
	}
	return candidates, nil
}
