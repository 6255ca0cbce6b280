package usecases

import (
	"errors"
	"fmt"

	"github.com/sand/ripplebids-settlement/backend/internal/chains"
	"github.com/sand/ripplebids-settlement/backend/internal/entities"
)

var (
	ErrValidation       = chains.ErrValidation
	ErrNotFound         = entities.ErrNotFound
	ErrUnsupportedChain = chains.ErrUnsupportedChain

	ErrForbidden       = errors.New("not permitted for this caller")
	ErrInvalidStatus   = errors.New("invalid escrow status")
	ErrAlreadyReleased = errors.New("escrow already released")
	ErrReleaseBusy     = fmt.Errorf("%w: release in progress", ErrAlreadyReleased)
	ErrTxHashInUse     = fmt.Errorf("%w: transaction hash already used by another escrow", ErrValidation)

	// ErrFundingDeferred means the payment is confirmed on chain but the escrow
	// record could not be written yet. It is queued for the outbox relay.
	ErrFundingDeferred = errors.New("payment confirmed, escrow funding record deferred")
)
