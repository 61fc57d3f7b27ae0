package settler

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type SettlementStatus string

const (
	SettlementPending           SettlementStatus = "PENDING"
	SettlementInFlight          SettlementStatus = "IN_FLIGHT"
	SettlementPartiallyComplete SettlementStatus = "PARTIALLY_COMPLETE"
	SettlementComplete          SettlementStatus = "COMPLETE"
	SettlementFailed            SettlementStatus = "FAILED"
	SettlementAmbiguous         SettlementStatus = "AMBIGUOUS"
	SettlementWithdrawn         SettlementStatus = "WITHDRAWN"
)

type TransferStatus string

const (
	TransferPending  TransferStatus = "PENDING"
	TransferBurned   TransferStatus = "BURNED"
	TransferAttested TransferStatus = "ATTESTED"
	TransferMinted   TransferStatus = "MINTED"
	TransferStuck    TransferStatus = "STUCK"
	// burn definitively reverted before any value moved
	TransferFailed TransferStatus = "FAILED"
)

type MessageStatus string

const (
	MessagePending   MessageStatus = "PENDING"
	MessageSent      MessageStatus = "SENT"
	MessageDelivered MessageStatus = "DELIVERED"
	MessageExecuted  MessageStatus = "EXECUTED"
	MessageStuck     MessageStatus = "STUCK"
	// send definitively reverted, nothing ever left the source chain
	MessageFailed MessageStatus = "FAILED"
)

// progress ranks -- a leg may never move to a lower rank. STUCK and FAILED are
// handled separately: STUCK is a parking state, FAILED is terminal.
var transferRank = map[TransferStatus]int{
	TransferPending:  0,
	TransferBurned:   1,
	TransferAttested: 2,
	TransferMinted:   3,
}

var messageRank = map[MessageStatus]int{
	MessagePending:   0,
	MessageSent:      1,
	MessageDelivered: 2,
	MessageExecuted:  3,
}

func (s TransferStatus) Terminal() bool {
	return s == TransferMinted || s == TransferFailed
}

func (s MessageStatus) Terminal() bool {
	return s == MessageExecuted || s == MessageFailed
}

// ValidTransferTransition reports whether a transfer leg may move from one
// status to another. Forward progress only; STUCK is reachable from any
// non-terminal state and resumable to any progress state.
func ValidTransferTransition(from, to TransferStatus) bool {
	if from == to {
		return false
	}
	if from.Terminal() {
		return false
	}
	if to == TransferStuck {
		return true
	}
	if to == TransferFailed {
		// only an unconfirmed burn can fail the whole leg
		return from == TransferPending || from == TransferStuck
	}
	if from == TransferStuck {
		_, ok := transferRank[to]
		return ok
	}
	return transferRank[to] > transferRank[from]
}

// ValidMessageTransition mirrors ValidTransferTransition for the message leg.
func ValidMessageTransition(from, to MessageStatus) bool {
	if from == to {
		return false
	}
	if from.Terminal() {
		return false
	}
	if to == MessageStuck {
		return true
	}
	if to == MessageFailed {
		return from == MessagePending || from == MessageStuck
	}
	if from == MessageStuck {
		_, ok := messageRank[to]
		return ok
	}
	return messageRank[to] > messageRank[from]
}

func (s SettlementStatus) Terminal() bool {
	return s == SettlementComplete || s == SettlementFailed || s == SettlementWithdrawn
}

type SettlementRequest struct {
	SettlementID string `json:"settlement_id"`
	SourceChain  string `json:"source_chain"`
	DestChain    string `json:"dest_chain"`
	Amount       string `json:"amount"`
	Asset        string `json:"asset"`
	// opaque game/bot context, forwarded untouched to the destination contract
	Payload []byte `json:"payload"`
}

func (r *SettlementRequest) Validate() error {
	if r.SettlementID == "" {
		return errors.New("settlement_id is required")
	}
	if r.SourceChain == "" || r.DestChain == "" {
		return errors.New("source_chain and dest_chain are required")
	}
	if r.SourceChain == r.DestChain {
		return errors.New("source_chain and dest_chain must differ")
	}
	amt, err := decimal.NewFromString(r.Amount)
	if err != nil {
		return fmt.Errorf("invalid amount: %w", err)
	}
	if amt.IsNegative() || amt.IsZero() {
		return errors.New("amount must be positive")
	}
	if r.Asset == "" {
		return errors.New("asset is required")
	}
	return nil
}

// Hash is the idempotency fingerprint of a request. A repeated admit with the
// same settlement_id must carry the same hash or it is rejected.
func (r *SettlementRequest) Hash() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|", r.SettlementID, r.SourceChain, r.DestChain, r.Amount, r.Asset)
	h.Write(r.Payload)
	return hex.EncodeToString(h.Sum(nil))
}

type Settlement struct {
	ID          string           `json:"settlement_id"`
	SourceChain string           `json:"source_chain"`
	DestChain   string           `json:"dest_chain"`
	Amount      decimal.Decimal  `json:"amount"`
	Asset       string           `json:"asset"`
	Payload     []byte           `json:"payload,omitempty"`
	Status      SettlementStatus `json:"status"`
	RequestHash string           `json:"-"`
	Escalated   bool             `json:"escalated,omitempty"`
	Archived    bool             `json:"archived,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

type TransferLeg struct {
	SettlementID  string         `json:"settlement_id"`
	BurnTxHash    string         `json:"burn_tx_hash,omitempty"`
	BurnHeight    int64          `json:"burn_height,omitempty"`
	AttestationID string         `json:"attestation_id,omitempty"`
	Attestation   []byte         `json:"-"`
	MintTxHash    string         `json:"mint_tx_hash,omitempty"`
	MintAttempts  int            `json:"mint_attempts,omitempty"`
	Status        TransferStatus `json:"status"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

type MessageLeg struct {
	SettlementID string        `json:"settlement_id"`
	Channel      string        `json:"channel"`
	SendTxHash   string        `json:"send_tx_hash,omitempty"`
	// delivery sequence assigned by the channel; -1 until observed
	Sequence   int64         `json:"sequence"`
	ExecTxHash string        `json:"exec_tx_hash,omitempty"`
	Status     MessageStatus `json:"status"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// StatusChange is one row of the append-only audit history.
type StatusChange struct {
	SettlementID string    `json:"settlement_id"`
	Entity       string    `json:"entity"` // settlement | transfer | message
	OldStatus    string    `json:"old_status"`
	NewStatus    string    `json:"new_status"`
	Detail       string    `json:"detail,omitempty"`
	At           time.Time `json:"at"`
}

type Alert struct {
	ID           int64     `json:"id"`
	SettlementID string    `json:"settlement_id"`
	Kind         string    `json:"kind"`
	Detail       string    `json:"detail"`
	CreatedAt    time.Time `json:"created_at"`
}

type SettlementEvent struct {
	SettlementID string           `json:"settlement_id"`
	Status       SettlementStatus `json:"status"`
	At           time.Time        `json:"at"`
}

var (
	// ErrConflictingRequest: idempotency key reused with different parameters.
	ErrConflictingRequest = errors.New("conflicting request for settlement id")
	ErrNotFound           = errors.New("settlement not found")
	// ErrNotWithdrawable: the burn was already submitted, value movement is irreversible.
	ErrNotWithdrawable = errors.New("settlement can no longer be withdrawn")
	// ErrAttestationPending: the attestation source has no attestation yet.
	ErrAttestationPending = errors.New("attestation not yet available")
	ErrRateLimited        = errors.New("rate limited")
	ErrInvalidTransition  = errors.New("invalid status transition")
)

// SubmissionError is a transient failure submitting a transaction (network,
// nonce, mempool). Safe to retry with backoff.
type SubmissionError struct {
	Chain string
	Err   error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submission failed on %s: %v", e.Chain, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// RevertError is a transaction that executed and reverted on chain.
type RevertError struct {
	Chain  string
	TxHash string
	Reason string
}

func (e *RevertError) Error() string {
	return fmt.Sprintf("tx %s reverted on %s: %s", e.TxHash, e.Chain, e.Reason)
}
