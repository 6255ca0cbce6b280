// Package mocked provides in-memory repositories used by tests and by demo
// mode when no database is configured.
package mocked

import (
	"context"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/exp/slices"

	"github.com/sand/ripplebids-settlement/backend/internal/entities"
)

type txKey struct{}

// Store keeps escrows, orders, notifications, the funding outbox and listings
// in memory. Transactions are serialized; a failed one undoes only its own
// writes, so concurrent writes made outside it survive.
type Store struct {
	txMu sync.Mutex
	mu   sync.RWMutex

	escrows       map[string]entities.Escrow
	orders        map[string]entities.Order // by escrow id
	notifications []entities.Notification
	outbox        []entities.FundingOutboxEntry
	listings      map[string]entities.Listing
	nextOutboxID  int64

	failures map[string]error
	now      func() time.Time
}

func NewStore() *Store {
	return &Store{
		escrows:  make(map[string]entities.Escrow),
		orders:   make(map[string]entities.Order),
		listings: make(map[string]entities.Listing),
		failures: make(map[string]error),
		now:      time.Now,
	}
}

// Fail makes every later call of the named method return err. A nil err clears it.
func (s *Store) Fail(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, method)
		return
	}
	s.failures[method] = err
}

func (s *Store) failure(method string) error {
	return s.failures[method]
}

// undoLog collects the inverse of every write made inside a transaction.
type undoLog struct {
	ops []func()
}

// WithinTransaction runs fn and undoes its writes, newest first, when it
// fails. Nested calls join the outer transaction.
func (s *Store) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*undoLog); ok {
		return fn(ctx)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	log := &undoLog{}
	if err := fn(context.WithValue(ctx, txKey{}, log)); err != nil {
		s.mu.Lock()
		for i := len(log.ops) - 1; i >= 0; i-- {
			log.ops[i]()
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

// record registers undo for a write when ctx carries a transaction. Callers hold s.mu.
func record(ctx context.Context, undo func()) {
	if log, ok := ctx.Value(txKey{}).(*undoLog); ok {
		log.ops = append(log.ops, undo)
	}
}

// putEscrow stores e and registers its undo. The undo leaves the row alone
// when someone else wrote it after the transaction did.
func (s *Store) putEscrow(ctx context.Context, e entities.Escrow) {
	prev, existed := s.escrows[e.ID]
	record(ctx, func() {
		if cur, ok := s.escrows[e.ID]; ok && !reflect.DeepEqual(cur, e) {
			return
		}
		if existed {
			s.escrows[e.ID] = prev
		} else {
			delete(s.escrows, e.ID)
		}
	})
	s.escrows[e.ID] = e
}

func (s *Store) putOrder(ctx context.Context, o entities.Order) {
	prev, existed := s.orders[o.EscrowID]
	record(ctx, func() {
		if cur, ok := s.orders[o.EscrowID]; ok && !reflect.DeepEqual(cur, o) {
			return
		}
		if existed {
			s.orders[o.EscrowID] = prev
		} else {
			delete(s.orders, o.EscrowID)
		}
	})
	s.orders[o.EscrowID] = o
}

func (s *Store) InsertEscrow(ctx context.Context, escrow *entities.Escrow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("InsertEscrow"); err != nil {
		return err
	}
	if _, ok := s.escrows[escrow.ID]; ok {
		return entities.ErrConflict
	}
	if escrow.TransactionHash != nil && s.hashTaken(*escrow.TransactionHash, escrow.ID) {
		return entities.ErrDuplicateTxHash
	}
	e := *escrow
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now().UTC()
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.CreatedAt
	}
	s.putEscrow(ctx, e)
	return nil
}

func (s *Store) GetEscrow(_ context.Context, id string) (*entities.Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure("GetEscrow"); err != nil {
		return nil, err
	}
	e, ok := s.escrows[id]
	if !ok {
		return nil, entities.ErrNotFound
	}
	return &e, nil
}

func (s *Store) FindEscrowByTxHash(_ context.Context, txHash string) (*entities.Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.escrows {
		if e.TransactionHash != nil && *e.TransactionHash == txHash {
			return &e, nil
		}
	}
	return nil, entities.ErrNotFound
}

func (s *Store) hashTaken(txHash, exceptID string) bool {
	for id, e := range s.escrows {
		if id != exceptID && e.TransactionHash != nil && *e.TransactionHash == txHash {
			return true
		}
	}
	return false
}

func (s *Store) MarkFunded(ctx context.Context, id string, chain entities.Chain, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("MarkFunded"); err != nil {
		return err
	}
	e, ok := s.escrows[id]
	if !ok {
		return entities.ErrNotFound
	}
	if e.Status != entities.EscrowPending {
		return entities.ErrConflict
	}
	if s.hashTaken(txHash, id) {
		return entities.ErrDuplicateTxHash
	}
	hash := txHash
	e.Status = entities.EscrowFunded
	e.TransactionHash = &hash
	if e.Chain == "" {
		e.Chain = chain
	}
	e.UpdatedAt = s.now().UTC()
	s.putEscrow(ctx, e)
	return nil
}

func (s *Store) ClaimRelease(ctx context.Context, id, token string, from []entities.EscrowStatus) (*entities.Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("ClaimRelease"); err != nil {
		return nil, err
	}
	e, ok := s.escrows[id]
	if !ok {
		return nil, entities.ErrNotFound
	}
	if e.ReleaseLock != nil || !slices.Contains(from, e.Status) {
		return nil, entities.ErrConflict
	}
	lock := token
	e.ReleaseLock = &lock
	e.UpdatedAt = s.now().UTC()
	s.putEscrow(ctx, e)
	return &e, nil
}

func (s *Store) DropReleaseClaim(ctx context.Context, id, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.escrows[id]
	if !ok {
		return entities.ErrNotFound
	}
	if e.ReleaseLock == nil || *e.ReleaseLock != token {
		return entities.ErrConflict
	}
	e.ReleaseLock = nil
	s.putEscrow(ctx, e)
	return nil
}

func (s *Store) FinalizeRelease(ctx context.Context, id, token string, status entities.EscrowStatus, releaseHash, withdrawalAddress string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("FinalizeRelease"); err != nil {
		return err
	}
	e, ok := s.escrows[id]
	if !ok {
		return entities.ErrNotFound
	}
	if e.ReleaseLock == nil || *e.ReleaseLock != token {
		return entities.ErrConflict
	}
	hash, addr := releaseHash, withdrawalAddress
	e.Status = status
	e.ReleaseHash = &hash
	e.WithdrawalAddress = &addr
	e.PendingPayoutHash = nil
	e.ReleaseLock = nil
	e.UpdatedAt = s.now().UTC()
	s.putEscrow(ctx, e)
	return nil
}

func (s *Store) RecordPendingPayout(ctx context.Context, id, token, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("RecordPendingPayout"); err != nil {
		return err
	}
	e, ok := s.escrows[id]
	if !ok {
		return entities.ErrNotFound
	}
	if e.ReleaseLock == nil || *e.ReleaseLock != token {
		return entities.ErrConflict
	}
	hash := txHash
	e.PendingPayoutHash = &hash
	e.UpdatedAt = s.now().UTC()
	s.putEscrow(ctx, e)
	return nil
}

func (s *Store) UpdateStatus(ctx context.Context, id string, from []entities.EscrowStatus, to entities.EscrowStatus, reason *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("UpdateStatus"); err != nil {
		return err
	}
	e, ok := s.escrows[id]
	if !ok {
		return entities.ErrNotFound
	}
	if e.ReleaseLock != nil || !slices.Contains(from, e.Status) {
		return entities.ErrConflict
	}
	e.Status = to
	if reason != nil {
		r := *reason
		e.DisputeReason = &r
	}
	e.UpdatedAt = s.now().UTC()
	s.putEscrow(ctx, e)
	return nil
}

func (s *Store) InsertOrder(ctx context.Context, order *entities.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("InsertOrder"); err != nil {
		return err
	}
	if _, ok := s.orders[order.EscrowID]; ok {
		return entities.ErrConflict
	}
	o := *order
	if o.CreatedAt.IsZero() {
		o.CreatedAt = s.now().UTC()
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = o.CreatedAt
	}
	s.putOrder(ctx, o)
	return nil
}

func (s *Store) GetOrderByEscrow(_ context.Context, escrowID string) (*entities.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[escrowID]
	if !ok {
		return nil, entities.ErrNotFound
	}
	return &o, nil
}

func (s *Store) MarkOrderFunded(ctx context.Context, escrowID string, chain entities.Chain, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("MarkOrderFunded"); err != nil {
		return err
	}
	o, ok := s.orders[escrowID]
	if !ok {
		return entities.ErrNotFound
	}
	hash := txHash
	o.Status = entities.OrderEscrowFunded
	o.PaymentChain = chain
	o.TransactionHash = &hash
	o.UpdatedAt = s.now().UTC()
	s.putOrder(ctx, o)
	return nil
}

func (s *Store) UpdateOrderStatus(ctx context.Context, escrowID string, status entities.OrderStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("UpdateOrderStatus"); err != nil {
		return err
	}
	o, ok := s.orders[escrowID]
	if !ok {
		return entities.ErrNotFound
	}
	o.Status = status
	o.UpdatedAt = s.now().UTC()
	s.putOrder(ctx, o)
	return nil
}

func (s *Store) FindAutoReleaseCandidates(_ context.Context, cutoff time.Time, limit uint64) ([]entities.AutoReleaseCandidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure("FindAutoReleaseCandidates"); err != nil {
		return nil, err
	}

	var out []entities.AutoReleaseCandidate
	for escrowID, o := range s.orders {
		if o.Status != entities.OrderEscrowFunded || !o.CreatedAt.Before(cutoff) {
			continue
		}
		e, ok := s.escrows[escrowID]
		if !ok || e.Status != entities.EscrowFunded || e.ReleaseLock != nil {
			continue
		}
		out = append(out, entities.AutoReleaseCandidate{Order: o, Escrow: e})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Order.CreatedAt.Before(out[j].Order.CreatedAt)
	})
	if limit > 0 && uint64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) InsertNotification(ctx context.Context, n *entities.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("InsertNotification"); err != nil {
		return err
	}
	id := n.ID
	record(ctx, func() {
		for i := range s.notifications {
			if s.notifications[i].ID == id {
				s.notifications = append(s.notifications[:i], s.notifications[i+1:]...)
				return
			}
		}
	})
	s.notifications = append(s.notifications, *n)
	return nil
}

// Notifications returns the notifications written for userID, oldest first.
func (s *Store) Notifications(userID string) []entities.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []entities.Notification
	for _, n := range s.notifications {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out
}

func (s *Store) EnqueueFunding(ctx context.Context, entry *entities.FundingOutboxEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("EnqueueFunding"); err != nil {
		return err
	}
	for _, existing := range s.outbox {
		if existing.TransactionHash == entry.TransactionHash && existing.Status == entities.OutboxPending {
			entry.ID = existing.ID
			return nil
		}
	}
	s.nextOutboxID++
	entry.ID = s.nextOutboxID
	entry.Status = entities.OutboxPending
	entry.CreatedAt = s.now().UTC()
	entry.UpdatedAt = entry.CreatedAt
	id := entry.ID
	record(ctx, func() {
		for i := range s.outbox {
			if s.outbox[i].ID == id {
				s.outbox = append(s.outbox[:i], s.outbox[i+1:]...)
				return
			}
		}
	})
	s.outbox = append(s.outbox, *entry)
	return nil
}

func (s *Store) PendingFunding(_ context.Context, limit uint64) ([]entities.FundingOutboxEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []entities.FundingOutboxEntry
	for _, e := range s.outbox {
		if e.Status == entities.OutboxPending {
			out = append(out, e)
		}
		if limit > 0 && uint64(len(out)) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MarkFundingApplied(ctx context.Context, id int64) error {
	return s.updateOutbox(ctx, id, func(e *entities.FundingOutboxEntry) {
		e.Status = entities.OutboxApplied
	})
}

func (s *Store) MarkFundingFailed(ctx context.Context, id int64, lastError string, abandon bool) error {
	return s.updateOutbox(ctx, id, func(e *entities.FundingOutboxEntry) {
		e.Attempts++
		e.LastError = lastError
		if abandon {
			e.Status = entities.OutboxAbandoned
		}
	})
}

func (s *Store) updateOutbox(ctx context.Context, id int64, fn func(*entities.FundingOutboxEntry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.outbox {
		if s.outbox[i].ID == id {
			prev := s.outbox[i]
			record(ctx, func() {
				for j := range s.outbox {
					if s.outbox[j].ID == id {
						s.outbox[j] = prev
					}
				}
			})
			fn(&s.outbox[i])
			s.outbox[i].UpdatedAt = s.now().UTC()
			return nil
		}
	}
	return entities.ErrNotFound
}

// Outbox returns a copy of every outbox entry.
func (s *Store) Outbox() []entities.FundingOutboxEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.outbox)
}

func (s *Store) PutListing(l entities.Listing) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listings[l.ID] = l
}

func (s *Store) GetListing(_ context.Context, id string) (*entities.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.listings[id]
	if !ok {
		return nil, entities.ErrNotFound
	}
	return &l, nil
}

// SeedDemoListings loads a few listings so demo mode can quote prices.
func (s *Store) SeedDemoListings() {
	demo := []struct {
		id       string
		price    string
		physical bool
	}{
		{"demo-vinyl-record", "50", true},
		{"demo-ebook", "12.5", false},
		{"demo-camera", "420", true},
	}
	wallets := map[entities.Chain]string{
		entities.ChainXRPL:    "rLHzPsX6oXkzU2qL12kHCH8G8cnZv1rBJh",
		entities.ChainXRPLEVM: "0x52908400098527886E0F7030069857D2E4169EE7",
		entities.ChainSolana:  "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM",
	}
	for _, d := range demo {
		s.PutListing(entities.Listing{
			ID:            d.id,
			SellerID:      "demo-seller",
			Price:         decimal.RequireFromString(d.price),
			SellerWallets: wallets,
			IsPhysical:    d.physical,
			Status:        "active",
		})
	}
}
