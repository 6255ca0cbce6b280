package mocked

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sand/ripplebids-settlement/backend/internal/entities"
)

func seedEscrow(t *testing.T, s *Store, id string, status entities.EscrowStatus) {
	t.Helper()
	require.NoError(t, s.InsertEscrow(context.Background(), &entities.Escrow{
		ID:     id,
		Amount: decimal.NewFromInt(10),
		Chain:  entities.ChainXRPL,
		Status: status,
	}))
}

func TestRollbackKeepsWritesMadeOutsideTransaction(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	seedEscrow(t, s, "esc_a", entities.EscrowPending)
	seedEscrow(t, s, "esc_b", entities.EscrowFunded)

	boom := errors.New("boom")
	err := s.WithinTransaction(ctx, func(txCtx context.Context) error {
		require.NoError(t, s.MarkFunded(txCtx, "esc_a", entities.ChainXRPL, "HASH-A"))

		// Another request claims a different escrow while this one is open.
		_, err := s.ClaimRelease(ctx, "esc_b", "token-b", []entities.EscrowStatus{entities.EscrowFunded})
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	a, err := s.GetEscrow(ctx, "esc_a")
	require.NoError(t, err)
	assert.Equal(t, entities.EscrowPending, a.Status)
	assert.Nil(t, a.TransactionHash)

	b, err := s.GetEscrow(ctx, "esc_b")
	require.NoError(t, err)
	require.NotNil(t, b.ReleaseLock)
	assert.Equal(t, "token-b", *b.ReleaseLock)
}

func TestRollbackLeavesRowRewrittenOutsideTransaction(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	seedEscrow(t, s, "esc_a", entities.EscrowFunded)

	boom := errors.New("boom")
	err := s.WithinTransaction(ctx, func(txCtx context.Context) error {
		require.NoError(t, s.UpdateStatus(txCtx, "esc_a",
			[]entities.EscrowStatus{entities.EscrowFunded}, entities.EscrowConditionsMet, nil))

		_, err := s.ClaimRelease(ctx, "esc_a", "token-a", []entities.EscrowStatus{entities.EscrowConditionsMet})
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	a, err := s.GetEscrow(ctx, "esc_a")
	require.NoError(t, err)
	require.NotNil(t, a.ReleaseLock)
	assert.Equal(t, "token-a", *a.ReleaseLock)
}

func TestRollbackUndoesOwnWrites(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	require.NoError(t, s.InsertNotification(ctx, &entities.Notification{ID: "n-1", UserID: "buyer-1", Type: "kept"}))

	boom := errors.New("boom")
	err := s.WithinTransaction(ctx, func(txCtx context.Context) error {
		require.NoError(t, s.InsertEscrow(txCtx, &entities.Escrow{ID: "esc_new", Amount: decimal.NewFromInt(1), Status: entities.EscrowPending}))
		require.NoError(t, s.InsertOrder(txCtx, &entities.Order{ID: "order-new", EscrowID: "esc_new"}))
		require.NoError(t, s.InsertNotification(txCtx, &entities.Notification{ID: "n-2", UserID: "buyer-1", Type: "dropped"}))
		require.NoError(t, s.EnqueueFunding(txCtx, &entities.FundingOutboxEntry{EscrowID: "esc_new", TransactionHash: "HASH"}))

		// Joins the outer transaction.
		return s.WithinTransaction(txCtx, func(context.Context) error { return boom })
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetEscrow(ctx, "esc_new")
	require.ErrorIs(t, err, entities.ErrNotFound)
	_, err = s.GetOrderByEscrow(ctx, "esc_new")
	require.ErrorIs(t, err, entities.ErrNotFound)
	assert.Empty(t, s.Outbox())

	notes := s.Notifications("buyer-1")
	require.Len(t, notes, 1)
	assert.Equal(t, "kept", notes[0].Type)
}
