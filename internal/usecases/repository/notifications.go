package repository

import (
	"context"
	"fmt"
	"log/slog"

	tx "github.com/Thiht/transactor/pgx"

	"github.com/sand/ripplebids-settlement/backend/internal/entities"
	"github.com/sand/ripplebids-settlement/backend/pkg/database"
)

// NotificationsRepository is the notification sink the marketplace reads from.
type NotificationsRepository struct {
	logger *slog.Logger
	db     tx.DBGetter
}

func NewNotificationsRepository(logger *slog.Logger, pg *database.Postgres) *NotificationsRepository {
	return &NotificationsRepository{logger: logger, db: pg.DBGetter}
}

func (r *NotificationsRepository) InsertNotification(ctx context.Context, n *entities.Notification) error {
	query, args, err := psql.Insert("notifications").
		Columns("id", "user_id", "type", "message", "created_at").
		Values(n.ID, n.UserID, n.Type, n.Message, n.CreatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("build notification insert: %w", err)
	}
	if _, err = r.db(ctx).Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}
