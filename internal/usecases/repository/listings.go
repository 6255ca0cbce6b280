package repository

import (
	"context"
	"log/slog"

	sq "github.com/Masterminds/squirrel"
	tx "github.com/Thiht/transactor/pgx"

	"github.com/sand/ripplebids-settlement/backend/internal/entities"
	"github.com/sand/ripplebids-settlement/backend/pkg/database"
)

// ListingsRepository reads marketplace listings. The table is owned elsewhere.
type ListingsRepository struct {
	logger *slog.Logger
	db     tx.DBGetter
}

func NewListingsRepository(logger *slog.Logger, pg *database.Postgres) *ListingsRepository {
	return &ListingsRepository{logger: logger, db: pg.DBGetter}
}

func (r *ListingsRepository) GetListing(ctx context.Context, id string) (*entities.Listing, error) {
	query, args, err := psql.Select("id", "seller_id", "price", "seller_wallets", "is_physical", "status").
		From("listings").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, err
	}

	var l entities.Listing
	err = r.db(ctx).QueryRow(ctx, query, args...).Scan(&l.ID, &l.SellerID, &l.Price, &l.SellerWallets, &l.IsPhysical, &l.Status)
	if err != nil {
		return nil, mapError(err)
	}
	return &l, nil
}
