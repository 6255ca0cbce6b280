package chains

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/sand/ripplebids-settlement/backend/internal/entities"
)

var (
	ErrValidation          = errors.New("validation error")
	ErrWalletNotConnected  = errors.New("wallet not connected")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrUserRejected        = errors.New("transaction rejected by user")
	ErrNetwork             = errors.New("network error")
	ErrGasOrFee            = errors.New("gas or fee error")
	ErrNonce               = errors.New("nonce error")
	ErrTimeout             = errors.New("timeout")
	ErrUnsupportedChain    = errors.New("unsupported chain")
	ErrUnknown             = errors.New("payment failed")

	// ErrTransferMismatch is returned by verifiers when a transaction exists
	// but is not the expected token payment.
	ErrTransferMismatch = errors.New("transaction does not match expected payment")
	ErrNotConfirmed     = errors.New("transaction not confirmed")

	// ErrOutcomeUnknown marks a payout that may have reached the network
	// without being confirmed either way.
	ErrOutcomeUnknown = errors.New("payment outcome unknown")
)

type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindWalletNotConnected
	KindInsufficientBalance
	KindUserRejected
	KindNetwork
	KindGasOrFee
	KindNonce
	KindTimeout
)

var kindSentinels = map[ErrorKind]error{
	KindUnknown:             ErrUnknown,
	KindWalletNotConnected:  ErrWalletNotConnected,
	KindInsufficientBalance: ErrInsufficientBalance,
	KindUserRejected:        ErrUserRejected,
	KindNetwork:             ErrNetwork,
	KindGasOrFee:            ErrGasOrFee,
	KindNonce:               ErrNonce,
	KindTimeout:             ErrTimeout,
}

var kindMessages = map[ErrorKind]string{
	KindWalletNotConnected:  "Wallet not connected. Please connect your wallet and try again.",
	KindInsufficientBalance: "Insufficient token balance to complete this payment.",
	KindUserRejected:        "Transaction was rejected in the wallet.",
	KindNetwork:             "Network error while contacting the blockchain. Please try again.",
	KindGasOrFee:            "Transaction fee could not be covered. Please check your native balance.",
	KindNonce:               "Transaction nonce conflict. Please retry the payment.",
	KindTimeout:             "The transaction was not confirmed in time. Check your wallet before retrying.",
}

const genericPaymentMessage = "Payment failed. Please try again."

func (k ErrorKind) String() string {
	return kindSentinels[k].Error()
}

// PaymentError is the classified failure of a chain operation.
type PaymentError struct {
	Kind  ErrorKind
	Chain entities.Chain
	Err   error
}

func NewPaymentError(kind ErrorKind, chain entities.Chain, err error) *PaymentError {
	return &PaymentError{Kind: kind, Chain: chain, Err: err}
}

func (e *PaymentError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Chain, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Chain, e.Kind, e.Err)
}

func (e *PaymentError) Unwrap() error { return e.Err }

// Is matches the taxonomy sentinel of the error kind.
func (e *PaymentError) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// Order matters: timeouts are reported by RPC clients as network failures too.
// Needles are whole phrases as nodes and wallets report them.
var classifiers = []struct {
	kind    ErrorKind
	needles []string
}{
	{KindWalletNotConnected, []string{"wallet not connected", "no wallet connected", "wallet is not connected"}},
	{KindUserRejected, []string{"user rejected", "user denied", "rejected by user", "request declined"}},
	{KindInsufficientBalance, []string{"insufficient balance", "insufficient funds for transfer", "transfer amount exceeds balance", "tecunfunded", "tecpath_dry", "insufficient token"}},
	{KindGasOrFee, []string{"insufficient funds for gas", "gas required exceeds", "intrinsic gas too low", "transaction underpriced", "replacement transaction underpriced", "max fee per gas less than", "insufficient fee", "fee too low", "telinsuf_fee"}},
	{KindNonce, []string{"nonce too low", "nonce too high", "invalid nonce", "tefpast_seq", "terpre_seq"}},
	{KindTimeout, []string{"request timeout", "timed out", "deadline exceeded", "blockhash not found", "block height exceeded"}},
	{KindNetwork, []string{"connection refused", "connection reset", "no such host", "unexpected eof", "network is unreachable", "bad gateway", "service unavailable", "network status 502", "network status 503"}},
}

// Classify maps an arbitrary error into the taxonomy. Typed errors win over
// message matching.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	for kind, sentinel := range kindSentinels {
		if kind != KindUnknown && errors.Is(err, sentinel) {
			return kind
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, io.ErrUnexpectedEOF) {
		return KindNetwork
	}

	msg := strings.ToLower(err.Error())
	for _, c := range classifiers {
		for _, needle := range c.needles {
			if strings.Contains(msg, needle) {
				return c.kind
			}
		}
	}
	return KindUnknown
}

// BroadcastError is a failure after a transaction was handed to the network.
// The transfer may still land, so callers must not retry it blindly. TxRef is
// empty when the node never returned a hash.
type BroadcastError struct {
	Chain entities.Chain
	TxRef string
	Err   error
}

func (e *BroadcastError) Error() string {
	if e.TxRef == "" {
		return fmt.Sprintf("%s: %v (outcome unknown)", e.Chain, e.Err)
	}
	return fmt.Sprintf("%s: transaction %s: %v (outcome unknown)", e.Chain, e.TxRef, e.Err)
}

func (e *BroadcastError) Unwrap() error { return e.Err }

func (e *BroadcastError) Is(target error) bool { return target == ErrOutcomeUnknown }

// Broadcast classifies err and marks it as raised after submission of txRef.
func Broadcast(chain entities.Chain, txRef string, err error) error {
	if err == nil {
		return nil
	}
	return &BroadcastError{Chain: chain, TxRef: txRef, Err: Wrap(chain, err)}
}

// SubmitError classifies a failed submission. Explicit node rejections mean
// nothing was broadcast; anything else may have reached the network.
func SubmitError(chain entities.Chain, txRef string, err error) error {
	switch Classify(err) {
	case KindInsufficientBalance, KindGasOrFee, KindNonce, KindWalletNotConnected, KindUserRejected:
		return Wrap(chain, err)
	}
	return Broadcast(chain, txRef, err)
}

// PendingTxRef returns the hash of a transfer whose outcome is unknown.
func PendingTxRef(err error) (string, bool) {
	var be *BroadcastError
	if !errors.As(err, &be) {
		return "", false
	}
	return be.TxRef, true
}

// Wrap classifies err and attaches the chain. Already classified errors are returned as is.
func Wrap(chain entities.Chain, err error) error {
	if err == nil {
		return nil
	}
	var pe *PaymentError
	if errors.As(err, &pe) {
		return err
	}
	return NewPaymentError(Classify(err), chain, err)
}

// FormatPaymentError returns a short message suitable for end users.
// Unclassified errors are passed through only when they are short and carry no
// raw payloads such as hex blobs or JSON.
func FormatPaymentError(err error) string {
	if err == nil {
		return ""
	}
	kind := Classify(err)
	if errors.Is(err, ErrOutcomeUnknown) {
		kind = KindTimeout
	}
	if msg, ok := kindMessages[kind]; ok {
		return msg
	}

	raw := err.Error()
	var pe *PaymentError
	if errors.As(err, &pe) && pe.Err != nil {
		raw = pe.Err.Error()
	}
	if isHumanReadable(raw) {
		return raw
	}
	return genericPaymentMessage
}

func isHumanReadable(msg string) bool {
	if msg == "" || len(msg) > 100 {
		return false
	}
	if strings.ContainsAny(msg, "{}[]") || strings.Contains(msg, "0x") {
		return false
	}
	run := 0
	for _, r := range msg {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F') {
			run++
			if run >= 16 {
				return false
			}
			continue
		}
		run = 0
	}
	return true
}
