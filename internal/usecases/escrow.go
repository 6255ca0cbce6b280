package usecases

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/exp/slices"

	"github.com/sand/ripplebids-settlement/backend/config"
	"github.com/sand/ripplebids-settlement/backend/internal/chains"
	"github.com/sand/ripplebids-settlement/backend/internal/entities"
	"github.com/sand/ripplebids-settlement/backend/internal/metrics"
	"github.com/sand/ripplebids-settlement/backend/internal/retry"
)

// Repositories groups the stores the escrow service writes to.
type Repositories struct {
	Escrows       EscrowsRepository
	Orders        OrdersRepository
	Notifications NotificationsRepository
	Outbox        OutboxRepository
}

// EscrowService drives the escrow state machine and the chain calls behind it.
type EscrowService struct {
	logger        *slog.Logger
	tracer        trace.Tracer
	transactor    Transactor
	escrows       EscrowsRepository
	orders        OrdersRepository
	notifications NotificationsRepository
	outbox        OutboxRepository
	registry      *chains.Registry
	events        EventPublisher
	watcher       PaymentWatcher
	quoter        ListingQuoter
	tolerance     decimal.Decimal
	cfg           config.Escrow
	now           func() time.Time
}

// NewEscrowService creates a new escrow service
func NewEscrowService(logger *slog.Logger, transactor Transactor, repos Repositories, registry *chains.Registry, cfg config.Escrow) *EscrowService {
	if cfg.FundRetryAttempts <= 0 {
		cfg.FundRetryAttempts = 3
	}
	if cfg.OutboxMaxAttempts <= 0 {
		cfg.OutboxMaxAttempts = 20
	}
	if cfg.AutoReleaseAfterDays <= 0 {
		cfg.AutoReleaseAfterDays = 20
	}
	if cfg.SweepBatchSize == 0 {
		cfg.SweepBatchSize = 100
	}
	tolerance, err := decimal.NewFromString(cfg.QuoteTolerance)
	if err != nil || tolerance.IsNegative() {
		tolerance = decimal.RequireFromString("0.02")
	}
	return &EscrowService{
		logger:        logger,
		tracer:        otel.Tracer("github.com/sand/ripplebids-settlement/backend/internal/usecases"),
		transactor:    transactor,
		escrows:       repos.Escrows,
		orders:        repos.Orders,
		notifications: repos.Notifications,
		outbox:        repos.Outbox,
		registry:      registry,
		events:        noopPublisher{},
		tolerance:     tolerance,
		cfg:           cfg,
		now:           time.Now,
	}
}

// SetEventPublisher attaches the live event stream.
func (s *EscrowService) SetEventPublisher(p EventPublisher) {
	if p != nil {
		s.events = p
	}
}

// SetPaymentWatcher attaches the monitor that confirms external-wallet payments.
func (s *EscrowService) SetPaymentWatcher(w PaymentWatcher) {
	s.watcher = w
}

// SetListingQuoter attaches the pricing used to check checkout amounts.
func (s *EscrowService) SetListingQuoter(q ListingQuoter) {
	s.quoter = q
}

// CreateEscrowRequest is a purchase as submitted by the checkout flow. Seller
// and SellerID may be left empty; they are taken from the listing.
type CreateEscrowRequest struct {
	ListingID  string
	Buyer      string
	Seller     string
	BuyerID    string
	SellerID   string
	Amount     decimal.Decimal
	Chain      entities.Chain
	Conditions entities.EscrowConditions
	Shipping   *entities.ShippingInfo

	// TransactionHash is set when the buyer paid before the escrow existed.
	TransactionHash string
}

func (r CreateEscrowRequest) validate() error {
	switch {
	case r.Amount.Sign() <= 0:
		return fmt.Errorf("%w: amount must be greater than zero", ErrValidation)
	case !r.Chain.IsValid():
		return fmt.Errorf("%w: %q", ErrUnsupportedChain, r.Chain)
	case strings.TrimSpace(r.ListingID) == "":
		return fmt.Errorf("%w: listing id is required", ErrValidation)
	case strings.TrimSpace(r.BuyerID) == "":
		return fmt.Errorf("%w: buyer id is required", ErrValidation)
	case !chains.ValidAddress(r.Chain, r.Buyer):
		return fmt.Errorf("%w: invalid %s buyer address", ErrValidation, r.Chain)
	}
	return nil
}

// checkListing prices the listing and checks the request against it. The
// seller wallet always comes from the listing.
func (s *EscrowService) checkListing(ctx context.Context, req CreateEscrowRequest) (*ListingQuote, error) {
	if s.quoter == nil {
		return nil, errors.New("listing pricing is not configured")
	}
	quote, err := s.quoter.QuoteListing(ctx, req.ListingID, req.Chain)
	if err != nil {
		return nil, fmt.Errorf("quote listing %s: %w", req.ListingID, err)
	}
	switch {
	case !chains.ValidAddress(req.Chain, quote.SellerWallet):
		return nil, fmt.Errorf("%w: listing %s has no %s seller wallet", ErrValidation, req.ListingID, req.Chain)
	case req.Seller != "" && !chains.SameAddress(req.Chain, req.Seller, quote.SellerWallet):
		return nil, fmt.Errorf("%w: seller does not match listing %s", ErrValidation, req.ListingID)
	case req.SellerID != "" && quote.SellerID != "" && req.SellerID != quote.SellerID:
		return nil, fmt.Errorf("%w: seller id does not match listing %s", ErrValidation, req.ListingID)
	case chains.SameAddress(req.Chain, req.Buyer, quote.SellerWallet):
		return nil, fmt.Errorf("%w: buyer and seller must differ", ErrValidation)
	}

	limit := quote.TokenAmount.Mul(s.tolerance)
	if req.Amount.Sub(quote.TokenAmount).Abs().GreaterThan(limit) {
		return nil, fmt.Errorf("%w: amount %s does not match the listing price of %s tokens",
			ErrValidation, req.Amount.String(), quote.TokenAmount.String())
	}
	return quote, nil
}

func newEscrowID() string {
	return "esc_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// CreateEscrow persists a pending escrow together with its order. When the
// request already carries a funding transaction it is verified and applied.
func (s *EscrowService) CreateEscrow(ctx context.Context, req CreateEscrowRequest) (*entities.Escrow, error) {
	ctx, span := s.tracer.Start(ctx, "escrow.Create", trace.WithAttributes(attribute.String("chain", string(req.Chain))))
	defer span.End()

	if err := req.validate(); err != nil {
		return nil, spanError(span, err)
	}
	quote, err := s.checkListing(ctx, req)
	if err != nil {
		return nil, spanError(span, err)
	}

	conditions := req.Conditions
	if conditions.AutoReleaseDays <= 0 {
		conditions.AutoReleaseDays = s.cfg.AutoReleaseAfterDays
	}
	sellerID := quote.SellerID
	if sellerID == "" {
		sellerID = req.SellerID
	}
	if sellerID == "" {
		sellerID = quote.SellerWallet
	}

	now := s.now().UTC()
	escrow := &entities.Escrow{
		ID:         newEscrowID(),
		ListingID:  req.ListingID,
		Buyer:      req.Buyer,
		Seller:     quote.SellerWallet,
		Amount:     req.Amount,
		Chain:      req.Chain,
		Status:     entities.EscrowPending,
		Conditions: conditions,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	order := &entities.Order{
		ID:           uuid.NewString(),
		ListingID:    req.ListingID,
		BuyerID:      req.BuyerID,
		SellerID:     sellerID,
		Amount:       req.Amount,
		EscrowID:     escrow.ID,
		PaymentChain: req.Chain,
		Status:       entities.OrderPending,
		Shipping:     req.Shipping,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err = s.transactor.WithinTransaction(ctx, func(ctx context.Context) error {
		if err := s.escrows.InsertEscrow(ctx, escrow); err != nil {
			return fmt.Errorf("insert escrow: %w", err)
		}
		if err := s.orders.InsertOrder(ctx, order); err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, spanError(span, fmt.Errorf("failed to create escrow: %w", err))
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(entities.EscrowPending)).Inc()
	s.logger.InfoContext(ctx, "Escrow created",
		"escrow_id", escrow.ID, "order_id", order.ID, "chain", escrow.Chain, "amount", escrow.Amount.String())
	s.publish(escrow, "escrow created")

	if req.TransactionHash == "" {
		return escrow, nil
	}
	funded, err := s.confirmFunding(ctx, escrow.ID, req.Chain, req.TransactionHash)
	if err != nil {
		return escrow, spanError(span, err)
	}
	return funded, nil
}

// PaymentRequest is what the buyer needs to pay a pending escrow from an external wallet.
type PaymentRequest struct {
	EscrowID     string          `json:"escrowId"`
	Chain        entities.Chain  `json:"chain"`
	EscrowWallet string          `json:"escrowWallet"`
	Amount       decimal.Decimal `json:"amount"`
	PaymentURI   string          `json:"paymentUri,omitempty"`
}

// RequestPayment builds the payment request for a pending escrow. On XRPL the
// payment monitor is started to pick the transfer up from the ledger.
func (s *EscrowService) RequestPayment(ctx context.Context, actor Actor, escrowID string) (*PaymentRequest, error) {
	escrow, err := s.escrows.GetEscrow(ctx, escrowID)
	if err != nil {
		return nil, fmt.Errorf("escrow %s: %w", escrowID, err)
	}
	if err := s.authorize(ctx, actor, escrowID, roleBuyer); err != nil {
		return nil, err
	}
	if escrow.Status != entities.EscrowPending {
		return nil, fmt.Errorf("%w: escrow %s is %s", ErrInvalidStatus, escrowID, escrow.Status)
	}

	payer, err := s.registry.Payer(escrow.Chain)
	if err != nil {
		return nil, err
	}
	escrowWallet, err := s.registry.EscrowAddress(escrow.Chain)
	if err != nil {
		return nil, err
	}

	buyer := chains.ExternalWallet{Network: escrow.Chain, Account: escrow.Buyer}
	res, err := payer.SendTokenPayment(ctx, buyer, escrowWallet, escrow.Amount)
	if err != nil {
		return nil, chains.Wrap(escrow.Chain, err)
	}

	if escrow.Chain == entities.ChainXRPL && s.watcher != nil {
		s.watcher.Watch(escrow.ID, escrow.Buyer, escrowWallet, escrow.Amount)
	}

	return &PaymentRequest{
		EscrowID:     escrow.ID,
		Chain:        escrow.Chain,
		EscrowWallet: escrowWallet,
		Amount:       escrow.Amount,
		PaymentURI:   res.PaymentURI,
	}, nil
}

// ConfirmFunding verifies a buyer's transfer on chain and funds the escrow
// with it. The transfer must come from the buyer wallet recorded on the escrow.
func (s *EscrowService) ConfirmFunding(ctx context.Context, actor Actor, escrowID string, chain entities.Chain, txHash string) (*entities.Escrow, error) {
	if err := s.authorize(ctx, actor, escrowID, roleBuyer); err != nil {
		return nil, err
	}
	return s.confirmFunding(ctx, escrowID, chain, txHash)
}

func (s *EscrowService) confirmFunding(ctx context.Context, escrowID string, chain entities.Chain, txHash string) (*entities.Escrow, error) {
	ctx, span := s.tracer.Start(ctx, "escrow.ConfirmFunding", trace.WithAttributes(
		attribute.String("escrow_id", escrowID), attribute.String("tx_hash", txHash)))
	defer span.End()

	txHash = strings.TrimSpace(txHash)
	if txHash == "" {
		return nil, spanError(span, fmt.Errorf("%w: transaction hash is required", ErrValidation))
	}

	escrow, err := s.escrows.GetEscrow(ctx, escrowID)
	if err != nil {
		return nil, spanError(span, fmt.Errorf("escrow %s: %w", escrowID, err))
	}
	if chain == "" {
		chain = escrow.Chain
	}
	if chain != escrow.Chain {
		return nil, spanError(span, fmt.Errorf("%w: escrow %s is on %s, not %s", ErrValidation, escrowID, escrow.Chain, chain))
	}
	if funded, ok := fundedWith(escrow, txHash); ok {
		return funded, nil
	}
	if escrow.Status != entities.EscrowPending {
		return nil, spanError(span, fmt.Errorf("%w: escrow %s is %s", ErrInvalidStatus, escrowID, escrow.Status))
	}
	if err := s.checkTxHashFree(ctx, escrowID, txHash); err != nil {
		return nil, spanError(span, err)
	}

	verifier, err := s.registry.Verifier(chain)
	if err != nil {
		return nil, spanError(span, err)
	}
	destination, err := s.registry.EscrowAddress(chain)
	if err != nil {
		return nil, spanError(span, err)
	}

	transfer, err := verifier.VerifyTransfer(ctx, txHash, escrow.Buyer, destination, escrow.Amount)
	if err != nil {
		s.logger.WarnContext(ctx, "Funding transaction rejected",
			"escrow_id", escrowID, "chain", chain, "tx_hash", txHash, "error", err)
		return nil, spanError(span, fmt.Errorf("verify funding transaction: %w", err))
	}

	return s.FundEscrow(ctx, escrowID, &entities.PaymentResult{
		Success: true,
		Chain:   chain,
		TxRef:   transfer.TxHash,
	})
}

// FundEscrow records a confirmed payment: the escrow moves to funded and the
// order to escrow_funded in one transaction. The call is idempotent for the
// same transaction. When the record cannot be written the payment is queued
// in the funding outbox and ErrFundingDeferred is returned.
func (s *EscrowService) FundEscrow(ctx context.Context, escrowID string, result *entities.PaymentResult) (*entities.Escrow, error) {
	ctx, span := s.tracer.Start(ctx, "escrow.Fund", trace.WithAttributes(attribute.String("escrow_id", escrowID)))
	defer span.End()

	if result == nil || !result.Success || result.Pending || result.TxRef == "" {
		return nil, spanError(span, fmt.Errorf("%w: funding requires a successful payment with a transaction reference", ErrValidation))
	}

	escrow, err := s.escrows.GetEscrow(ctx, escrowID)
	if err != nil {
		return nil, spanError(span, fmt.Errorf("escrow %s: %w", escrowID, err))
	}
	chain := result.Chain
	if chain == "" {
		chain = escrow.Chain
	}
	if escrow.Chain != "" && chain != escrow.Chain {
		return nil, spanError(span, fmt.Errorf("%w: payment on %s for escrow on %s", ErrValidation, chain, escrow.Chain))
	}
	if funded, ok := fundedWith(escrow, result.TxRef); ok {
		return funded, nil
	}
	if escrow.Status != entities.EscrowPending {
		return nil, spanError(span, fmt.Errorf("%w: escrow %s is %s", ErrInvalidStatus, escrowID, escrow.Status))
	}
	if err := s.checkTxHashFree(ctx, escrowID, result.TxRef); err != nil {
		return nil, spanError(span, err)
	}

	if s.watcher != nil {
		s.watcher.Stop(escrowID)
	}

	err = retry.Do(ctx, s.cfg.FundRetryAttempts, s.cfg.FundRetryDelay, func(ctx context.Context) error {
		err := s.applyFunding(ctx, escrowID, chain, result.TxRef)
		if errors.Is(err, entities.ErrConflict) || errors.Is(err, entities.ErrDuplicateTxHash) {
			return retry.Permanent(err)
		}
		return err
	})
	switch {
	case err == nil:
	case errors.Is(err, entities.ErrConflict), errors.Is(err, entities.ErrDuplicateTxHash):
		// The escrow moved on while the payment was in flight.
		current, getErr := s.escrows.GetEscrow(ctx, escrowID)
		if getErr == nil {
			if funded, ok := fundedWith(current, result.TxRef); ok {
				return funded, nil
			}
		}
		s.reconciliationAlert(ctx, "fund", escrowID, chain, result.TxRef, escrow.Amount, err)
		return nil, spanError(span, fmt.Errorf("%w: escrow %s no longer accepts funding", ErrInvalidStatus, escrowID))
	default:
		return nil, spanError(span, s.deferFunding(ctx, escrow, chain, result.TxRef, err))
	}

	escrow.Status = entities.EscrowFunded
	escrow.Chain = chain
	escrow.TransactionHash = &result.TxRef
	escrow.UpdatedAt = s.now().UTC()

	metrics.EscrowTransitionsTotal.WithLabelValues(string(entities.EscrowFunded)).Inc()
	s.logger.InfoContext(ctx, "Escrow funded", "escrow_id", escrowID, "chain", chain, "tx_hash", result.TxRef)
	s.publish(escrow, "payment confirmed")
	return escrow, nil
}

func (s *EscrowService) applyFunding(ctx context.Context, escrowID string, chain entities.Chain, txHash string) error {
	return s.transactor.WithinTransaction(ctx, func(ctx context.Context) error {
		if err := s.escrows.MarkFunded(ctx, escrowID, chain, txHash); err != nil {
			return fmt.Errorf("mark escrow funded: %w", err)
		}
		if err := s.orders.MarkOrderFunded(ctx, escrowID, chain, txHash); err != nil {
			return fmt.Errorf("mark order funded: %w", err)
		}
		order, err := s.orders.GetOrderByEscrow(ctx, escrowID)
		if err != nil {
			return fmt.Errorf("load order: %w", err)
		}
		return s.notify(ctx, order.SellerID, entities.NotificationEscrowFunded,
			fmt.Sprintf("Payment for order %s is held in escrow. You can ship the item.", order.ID))
	})
}

func (s *EscrowService) deferFunding(ctx context.Context, escrow *entities.Escrow, chain entities.Chain, txHash string, cause error) error {
	entry := &entities.FundingOutboxEntry{
		EscrowID:        escrow.ID,
		Chain:           chain,
		TransactionHash: txHash,
		Amount:          escrow.Amount,
		LastError:       cause.Error(),
		Status:          entities.OutboxPending,
	}
	// The caller may already be gone; the queued record must still land.
	if err := s.outbox.EnqueueFunding(context.WithoutCancel(ctx), entry); err != nil {
		s.reconciliationAlert(ctx, "fund", escrow.ID, chain, txHash, escrow.Amount, errors.Join(cause, err))
		return fmt.Errorf("%w: %w", ErrFundingDeferred, cause)
	}

	metrics.OutboxPending.Inc()
	s.logger.ErrorContext(ctx, "Escrow funding record deferred to outbox",
		"escrow_id", escrow.ID, "chain", chain, "tx_hash", txHash, "outbox_id", entry.ID, "error", cause)
	return fmt.Errorf("%w: %w", ErrFundingDeferred, cause)
}

// ApplyOutbox retries deferred funding records. Entries that keep failing past
// the configured attempts are abandoned and escalated.
func (s *EscrowService) ApplyOutbox(ctx context.Context) (int, error) {
	entries, err := s.outbox.PendingFunding(ctx, s.cfg.SweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("load funding outbox: %w", err)
	}
	metrics.OutboxPending.Set(float64(len(entries)))

	applied := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}

		err := s.applyFunding(ctx, entry.EscrowID, entry.Chain, entry.TransactionHash)
		if errors.Is(err, entities.ErrConflict) {
			if current, getErr := s.escrows.GetEscrow(ctx, entry.EscrowID); getErr == nil {
				if _, ok := fundedWith(current, entry.TransactionHash); ok {
					err = nil
				}
			}
		}

		if err == nil {
			if err := s.outbox.MarkFundingApplied(ctx, entry.ID); err != nil {
				s.logger.ErrorContext(ctx, "Failed to mark outbox entry applied", "outbox_id", entry.ID, "error", err)
				continue
			}
			applied++
			metrics.OutboxPending.Dec()
			metrics.EscrowTransitionsTotal.WithLabelValues(string(entities.EscrowFunded)).Inc()
			s.logger.InfoContext(ctx, "Deferred escrow funding applied",
				"escrow_id", entry.EscrowID, "tx_hash", entry.TransactionHash, "attempts", entry.Attempts+1)
			s.events.Publish(entities.EscrowEvent{
				EscrowID: entry.EscrowID,
				Status:   entities.EscrowFunded,
				TxHash:   entry.TransactionHash,
				Message:  "payment confirmed",
				At:       s.now().UTC(),
			})
			continue
		}

		abandon := errors.Is(err, entities.ErrConflict) || entry.Attempts+1 >= s.cfg.OutboxMaxAttempts
		if markErr := s.outbox.MarkFundingFailed(ctx, entry.ID, err.Error(), abandon); markErr != nil {
			s.logger.ErrorContext(ctx, "Failed to update outbox entry", "outbox_id", entry.ID, "error", markErr)
		}
		if abandon {
			metrics.OutboxPending.Dec()
			s.reconciliationAlert(ctx, "outbox", entry.EscrowID, entry.Chain, entry.TransactionHash, entry.Amount, err)
		} else {
			s.logger.WarnContext(ctx, "Deferred escrow funding still failing",
				"escrow_id", entry.EscrowID, "attempts", entry.Attempts+1, "error", err)
		}
	}
	return applied, nil
}

// ReleaseEscrow pays the escrowed amount out to the seller wallet recorded on
// the escrow and marks it released. Only the seller or an admin may release. A
// non-empty withdrawalAddress must name that same wallet. Only one caller can
// hold the release claim; a second call returns ErrAlreadyReleased and never
// pays twice.
func (s *EscrowService) ReleaseEscrow(ctx context.Context, actor Actor, escrowID, withdrawalAddress string) (*entities.Escrow, error) {
	ctx, span := s.tracer.Start(ctx, "escrow.Release", trace.WithAttributes(attribute.String("escrow_id", escrowID)))
	defer span.End()

	escrow, err := s.escrows.GetEscrow(ctx, escrowID)
	if err != nil {
		return nil, spanError(span, fmt.Errorf("escrow %s: %w", escrowID, err))
	}
	if err := s.authorize(ctx, actor, escrowID, roleSeller); err != nil {
		return nil, spanError(span, err)
	}
	if escrow.Status.IsReleased() {
		return nil, spanError(span, fmt.Errorf("%w: %s", ErrAlreadyReleased, escrowID))
	}
	if !escrow.Status.Releasable() {
		return nil, spanError(span, fmt.Errorf("%w: cannot release escrow in status %s", ErrInvalidStatus, escrow.Status))
	}
	if withdrawalAddress != "" && !chains.SameAddress(escrow.Chain, withdrawalAddress, escrow.Seller) {
		return nil, spanError(span, fmt.Errorf("%w: withdrawal address must be the seller wallet of the escrow", ErrValidation))
	}

	released, err := s.release(ctx, escrow, releasePlan{
		chain:       escrow.Chain,
		recipient:   escrow.Seller,
		from:        []entities.EscrowStatus{entities.EscrowFunded, entities.EscrowConditionsMet},
		to:          entities.EscrowReleased,
		orderStatus: entities.OrderCompleted,
		notify: func(order *entities.Order, hash string) []entities.Notification {
			return []entities.Notification{
				{UserID: order.SellerID, Type: entities.NotificationEscrowReleased,
					Message: fmt.Sprintf("Escrow for order %s was released. Transaction %s.", order.ID, hash)},
				{UserID: order.BuyerID, Type: entities.NotificationEscrowReleased,
					Message: fmt.Sprintf("Your order %s is complete. Funds were released to the seller.", order.ID)},
			}
		},
	})
	if err != nil {
		return nil, spanError(span, err)
	}
	return released, nil
}

// ResolveDispute settles a disputed escrow. Admin only. In the seller's
// favour the funds go to the seller wallet and the escrow is released;
// otherwise the buyer is refunded and the escrow cancelled.
func (s *EscrowService) ResolveDispute(ctx context.Context, actor Actor, escrowID string, toSeller bool) (*entities.Escrow, error) {
	if !actor.Admin {
		return nil, fmt.Errorf("%w: resolving disputes requires the admin role", ErrForbidden)
	}
	escrow, err := s.escrows.GetEscrow(ctx, escrowID)
	if err != nil {
		return nil, fmt.Errorf("escrow %s: %w", escrowID, err)
	}
	if escrow.Status != entities.EscrowDisputed {
		return nil, fmt.Errorf("%w: escrow %s is %s, not disputed", ErrInvalidStatus, escrowID, escrow.Status)
	}

	plan := releasePlan{
		chain: escrow.Chain,
		from:  []entities.EscrowStatus{entities.EscrowDisputed},
	}
	if toSeller {
		plan.recipient = escrow.Seller
		plan.to = entities.EscrowReleased
		plan.orderStatus = entities.OrderCompleted
	} else {
		plan.recipient = escrow.Buyer
		plan.to = entities.EscrowCancelled
		plan.orderStatus = entities.OrderCancelled
	}
	plan.notify = func(order *entities.Order, hash string) []entities.Notification {
		msg := fmt.Sprintf("The dispute on order %s was resolved. Transaction %s.", order.ID, hash)
		return []entities.Notification{
			{UserID: order.BuyerID, Type: entities.NotificationEscrowReleased, Message: msg},
			{UserID: order.SellerID, Type: entities.NotificationEscrowReleased, Message: msg},
		}
	}
	return s.release(ctx, escrow, plan)
}

type releasePlan struct {
	chain       entities.Chain
	recipient   string
	from        []entities.EscrowStatus
	to          entities.EscrowStatus
	orderStatus entities.OrderStatus
	notify      func(order *entities.Order, releaseHash string) []entities.Notification
}

// release claims the escrow, pays out and records the outcome. State only
// changes after the chain confirmed the payout.
func (s *EscrowService) release(ctx context.Context, escrow *entities.Escrow, plan releasePlan) (*entities.Escrow, error) {
	payer, err := s.registry.Payer(plan.chain)
	if err != nil {
		return nil, err
	}

	token := uuid.NewString()
	claimed, err := s.escrows.ClaimRelease(ctx, escrow.ID, token, plan.from)
	if err != nil {
		return nil, s.claimError(ctx, escrow.ID, err)
	}

	txID := uuid.New()
	start := s.now()
	s.logger.InfoContext(ctx, "Releasing escrow",
		"tx_id", txID, "escrow_id", escrow.ID, "chain", plan.chain, "amount", claimed.Amount.String(), "to_status", plan.to)

	res, err := payer.SendTokenPayment(ctx, payer.PlatformWallet(), plan.recipient, claimed.Amount)
	if err == nil && (res == nil || !res.Success || res.TxRef == "") {
		err = chains.ErrUnknown
		if res != nil && res.Error != "" {
			err = errors.New(res.Error)
		}
	}
	if err != nil {
		err = chains.Wrap(plan.chain, err)
		if errors.Is(err, chains.ErrOutcomeUnknown) || chains.Classify(err) == chains.KindTimeout {
			// The transfer may still land; keep the claim so nobody pays twice.
			pending, _ := chains.PendingTxRef(err)
			if pending != "" {
				if recErr := s.escrows.RecordPendingPayout(context.WithoutCancel(ctx), escrow.ID, token, pending); recErr != nil {
					s.logger.ErrorContext(ctx, "Failed to record pending payout", "escrow_id", escrow.ID, "tx_hash", pending, "error", recErr)
				}
			}
			s.reconciliationAlert(ctx, "release_unconfirmed", escrow.ID, plan.chain, pending, claimed.Amount, err)
			return nil, err
		}
		if dropErr := s.escrows.DropReleaseClaim(context.WithoutCancel(ctx), escrow.ID, token); dropErr != nil {
			s.logger.ErrorContext(ctx, "Failed to drop release claim", "escrow_id", escrow.ID, "error", dropErr)
		}
		s.logger.WarnContext(ctx, "Escrow payout failed",
			"tx_id", txID, "escrow_id", escrow.ID, "chain", plan.chain, "duration", s.now().Sub(start), "error", err)
		return nil, err
	}

	hash := res.TxRef
	err = s.transactor.WithinTransaction(context.WithoutCancel(ctx), func(ctx context.Context) error {
		if err := s.escrows.FinalizeRelease(ctx, escrow.ID, token, plan.to, hash, plan.recipient); err != nil {
			return fmt.Errorf("finalize escrow: %w", err)
		}
		if err := s.orders.UpdateOrderStatus(ctx, escrow.ID, plan.orderStatus); err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		order, err := s.orders.GetOrderByEscrow(ctx, escrow.ID)
		if err != nil {
			return fmt.Errorf("load order: %w", err)
		}
		for _, n := range plan.notify(order, hash) {
			if err := s.notify(ctx, n.UserID, n.Type, n.Message); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// The claim stays in place: funds left the platform wallet.
		s.reconciliationAlert(ctx, "release", escrow.ID, plan.chain, hash, claimed.Amount, err)
		return nil, fmt.Errorf("payout %s sent but not recorded: %w", hash, err)
	}

	claimed.Status = plan.to
	claimed.ReleaseHash = &hash
	claimed.WithdrawalAddress = &plan.recipient
	claimed.ReleaseLock = nil
	claimed.UpdatedAt = s.now().UTC()

	metrics.EscrowTransitionsTotal.WithLabelValues(string(plan.to)).Inc()
	s.logger.InfoContext(ctx, "Escrow released",
		"tx_id", txID, "escrow_id", escrow.ID, "chain", plan.chain, "tx_hash", hash,
		"status", plan.to, "duration", s.now().Sub(start))
	s.publish(claimed, "funds released")
	return claimed, nil
}

func (s *EscrowService) claimError(ctx context.Context, escrowID string, err error) error {
	if !errors.Is(err, entities.ErrConflict) {
		return fmt.Errorf("claim release: %w", err)
	}
	current, getErr := s.escrows.GetEscrow(ctx, escrowID)
	switch {
	case getErr != nil:
		return fmt.Errorf("claim release: %w", getErr)
	case current.Status.IsReleased():
		return fmt.Errorf("%w: %s", ErrAlreadyReleased, escrowID)
	case current.ReleaseLock != nil:
		return fmt.Errorf("%w: %s", ErrReleaseBusy, escrowID)
	}
	return fmt.Errorf("%w: escrow %s is %s", ErrInvalidStatus, escrowID, current.Status)
}

// MarkConditionsMet records that delivery conditions are satisfied. Buyer or admin.
func (s *EscrowService) MarkConditionsMet(ctx context.Context, actor Actor, escrowID string) (*entities.Escrow, error) {
	if err := s.authorize(ctx, actor, escrowID, roleBuyer); err != nil {
		return nil, err
	}
	return s.transition(ctx, escrowID, []entities.EscrowStatus{entities.EscrowFunded}, entities.EscrowConditionsMet, nil, "")
}

// DisputeEscrow freezes a funded escrow until an admin resolves it. Buyer or admin.
func (s *EscrowService) DisputeEscrow(ctx context.Context, actor Actor, escrowID, reason string) (*entities.Escrow, error) {
	if err := s.authorize(ctx, actor, escrowID, roleBuyer); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: dispute reason is required", ErrValidation)
	}
	return s.transition(ctx, escrowID,
		[]entities.EscrowStatus{entities.EscrowFunded, entities.EscrowConditionsMet},
		entities.EscrowDisputed, &reason, "")
}

// CancelEscrow abandons an escrow that was never funded. Buyer or admin.
func (s *EscrowService) CancelEscrow(ctx context.Context, actor Actor, escrowID string) (*entities.Escrow, error) {
	if err := s.authorize(ctx, actor, escrowID, roleBuyer); err != nil {
		return nil, err
	}
	escrow, err := s.transition(ctx, escrowID, []entities.EscrowStatus{entities.EscrowPending}, entities.EscrowCancelled, nil, entities.OrderCancelled)
	if err != nil {
		return nil, err
	}
	if s.watcher != nil {
		s.watcher.Stop(escrowID)
	}
	return escrow, nil
}

func (s *EscrowService) transition(
	ctx context.Context,
	escrowID string,
	from []entities.EscrowStatus,
	to entities.EscrowStatus,
	reason *string,
	orderStatus entities.OrderStatus,
) (*entities.Escrow, error) {
	escrow, err := s.escrows.GetEscrow(ctx, escrowID)
	if err != nil {
		return nil, fmt.Errorf("escrow %s: %w", escrowID, err)
	}
	if escrow.Status.IsReleased() {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyReleased, escrowID)
	}
	if !slices.Contains(from, escrow.Status) || !escrow.Status.CanTransition(to) {
		return nil, fmt.Errorf("%w: cannot move escrow from %s to %s", ErrInvalidStatus, escrow.Status, to)
	}

	err = s.transactor.WithinTransaction(ctx, func(ctx context.Context) error {
		if err := s.escrows.UpdateStatus(ctx, escrowID, from, to, reason); err != nil {
			return err
		}
		if orderStatus != "" {
			if err := s.orders.UpdateOrderStatus(ctx, escrowID, orderStatus); err != nil {
				return fmt.Errorf("update order: %w", err)
			}
		}
		if to == entities.EscrowDisputed {
			order, err := s.orders.GetOrderByEscrow(ctx, escrowID)
			if err != nil {
				return fmt.Errorf("load order: %w", err)
			}
			return s.notify(ctx, order.SellerID, entities.NotificationDisputed,
				fmt.Sprintf("The buyer opened a dispute on order %s: %s", order.ID, *reason))
		}
		return nil
	})
	if errors.Is(err, entities.ErrConflict) {
		return nil, s.claimError(ctx, escrowID, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update escrow: %w", err)
	}

	escrow.Status = to
	if reason != nil {
		escrow.DisputeReason = reason
	}
	escrow.UpdatedAt = s.now().UTC()

	metrics.EscrowTransitionsTotal.WithLabelValues(string(to)).Inc()
	s.logger.InfoContext(ctx, "Escrow status changed", "escrow_id", escrowID, "status", to)
	s.publish(escrow, "status changed")
	return escrow, nil
}

// GetStatus returns the current escrow record.
func (s *EscrowService) GetStatus(ctx context.Context, escrowID string) (*entities.Escrow, error) {
	escrow, err := s.escrows.GetEscrow(ctx, escrowID)
	if err != nil {
		return nil, fmt.Errorf("escrow %s: %w", escrowID, err)
	}
	return escrow, nil
}

// EscrowWallet is the custody address buyers pay into on chain.
func (s *EscrowService) EscrowWallet(chain entities.Chain) (string, error) {
	return s.registry.EscrowAddress(chain)
}

// TxHashUsed reports whether a transaction already funds some escrow.
func (s *EscrowService) TxHashUsed(ctx context.Context, txHash string) bool {
	_, err := s.escrows.FindEscrowByTxHash(ctx, txHash)
	return err == nil
}

func (s *EscrowService) checkTxHashFree(ctx context.Context, escrowID, txHash string) error {
	other, err := s.escrows.FindEscrowByTxHash(ctx, txHash)
	switch {
	case errors.Is(err, entities.ErrNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("lookup transaction hash: %w", err)
	case other.ID != escrowID:
		return ErrTxHashInUse
	}
	return nil
}

func (s *EscrowService) notify(ctx context.Context, userID, typ, message string) error {
	if s.notifications == nil || userID == "" {
		return nil
	}
	n := &entities.Notification{
		ID:        uuid.NewString(),
		UserID:    userID,
		Type:      typ,
		Message:   message,
		CreatedAt: s.now().UTC(),
	}
	if err := s.notifications.InsertNotification(ctx, n); err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *EscrowService) publish(escrow *entities.Escrow, message string) {
	ev := entities.EscrowEvent{
		EscrowID: escrow.ID,
		Status:   escrow.Status,
		Message:  message,
		At:       s.now().UTC(),
	}
	if escrow.TransactionHash != nil {
		ev.TxHash = *escrow.TransactionHash
	}
	if escrow.ReleaseHash != nil {
		ev.ReleaseHash = *escrow.ReleaseHash
	}
	s.events.Publish(ev)
}

func (s *EscrowService) reconciliationAlert(ctx context.Context, operation, escrowID string, chain entities.Chain, txHash string, amount decimal.Decimal, err error) {
	metrics.ReconciliationAlerts.WithLabelValues(operation).Inc()
	s.logger.ErrorContext(ctx, "RECONCILIATION ALERT",
		"operation", operation,
		"escrow_id", escrowID,
		"chain", chain,
		"tx_hash", txHash,
		"amount", amount.String(),
		"error", err,
	)
}

func fundedWith(escrow *entities.Escrow, txHash string) (*entities.Escrow, bool) {
	if escrow.Status == entities.EscrowPending || escrow.TransactionHash == nil {
		return nil, false
	}
	return escrow, *escrow.TransactionHash == txHash
}

func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
