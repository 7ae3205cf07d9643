// Package chain is the node's view of the settlement ledger: receive
// addresses, wallet balance and spends, per-address transaction history,
// and releases out of escrow.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/tradenode/internal/escrow"
)

// -----------------------------------------------------------------------------
// Errors - typed errors for programmatic handling
// -----------------------------------------------------------------------------

var (
	ErrUnavailable       = errors.New("chain: ledger unavailable")
	ErrInsufficientFunds = errors.New("chain: insufficient funds")
	ErrInvalidAddress    = errors.New("chain: invalid address")
	ErrInvalidAmount     = errors.New("chain: invalid amount")
	ErrUnknownFeeLevel   = errors.New("chain: unknown fee level")
	ErrTransactionFailed = errors.New("chain: transaction failed")
)

// TxError wraps broadcast failures with context
type TxError struct {
	Op   string // Operation that failed
	TxID string // Transaction id if available
	Err  error  // Underlying error
}

func (e *TxError) Error() string {
	if e.TxID != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.TxID, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded)
}

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// FeeLevel selects how aggressively a transaction bids for inclusion.
type FeeLevel string

const (
	FeeEconomic FeeLevel = "ECONOMIC"
	FeeNormal   FeeLevel = "NORMAL"
	FeePriority FeeLevel = "PRIORITY"
)

// ParseFeeLevel accepts the level names case-insensitively. Empty means NORMAL.
func ParseFeeLevel(s string) (FeeLevel, error) {
	switch FeeLevel(strings.ToUpper(strings.TrimSpace(s))) {
	case "", FeeNormal:
		return FeeNormal, nil
	case FeeEconomic:
		return FeeEconomic, nil
	case FeePriority:
		return FeePriority, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFeeLevel, s)
}

// Tx is one transaction as seen from a single address. Value is positive
// for funds arriving and negative for funds leaving.
type Tx struct {
	TxID          string    `json:"txid"`
	Address       string    `json:"address"`
	Value         int64     `json:"value"`
	Confirmations uint64    `json:"confirmations"`
	Height        uint64    `json:"height"`
	Timestamp     time.Time `json:"timestamp"`
}

// Balance is a wallet balance split by confirmation status.
type Balance struct {
	Confirmed   uint64 `json:"confirmed"`
	Unconfirmed uint64 `json:"unconfirmed"`
}

// ReleaseRequest moves funds out of an order's escrow.
type ReleaseRequest struct {
	Script     escrow.Script
	Payout     escrow.Payout
	Signatures []escrow.Signature
	SignerKey  *ecdsa.PrivateKey // direct escrow only: the vendor's child key
}

// -----------------------------------------------------------------------------
// Interfaces
// -----------------------------------------------------------------------------

// Adapter is everything the node needs from a ledger.
type Adapter interface {
	NewAddress(ctx context.Context) (string, error)
	Balance(ctx context.Context) (Balance, error)
	Spend(ctx context.Context, to string, amount uint64, fee FeeLevel) (string, error)
	Watch(ctx context.Context, address string) error
	TransactionsFor(ctx context.Context, address string) ([]Tx, error)
	Release(ctx context.Context, req ReleaseRequest) (string, error)
	EstimateFee(fee FeeLevel) uint64
	Close() error
}

// Notifier is implemented by adapters that can push address activity
// instead of waiting to be polled.
type Notifier interface {
	Updates() <-chan string
}

// NetValue sums the signed values of txs.
func NetValue(txs []Tx) int64 {
	var net int64
	for _, tx := range txs {
		net += tx.Value
	}
	return net
}
