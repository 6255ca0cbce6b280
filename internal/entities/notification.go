package entities

import "time"

const (
	NotificationEscrowFunded   = "escrow_funded"
	NotificationEscrowReleased = "escrow_released"
	NotificationAutoReleased   = "escrow_auto_released"
	NotificationDisputed       = "escrow_disputed"
)

type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}
