package settler

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

var errDeadline = errors.New("leg deadline exceeded")

// pollUntil runs fn every interval until it reports done, the deadline
// passes, or the context is cancelled. Transient errors are logged by the
// caller's fn; pollUntil only stops on done or time.
func pollUntil(ctx context.Context, deadline time.Time, interval time.Duration, fn func(context.Context) (bool, error)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		done, err := fn(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if time.Now().After(deadline) {
			return errDeadline
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// TransferTracker drives one value-transfer leg through
// burn -> attestation -> mint. All progress lives in the ledger, never in
// memory: a restart resumes from the persisted burn reference instead of
// burning again.
type TransferTracker struct {
	store    *Store
	adapters map[string]ChainAdapter
	attest   AttestationClient
	cfg      *Config
	logger   *zerolog.Logger
	metrics  *Metrics
}

func NewTransferTracker(store *Store, adapters map[string]ChainAdapter, attest AttestationClient, cfg *Config, logger *zerolog.Logger, metrics *Metrics) *TransferTracker {
	return &TransferTracker{
		store:    store,
		adapters: adapters,
		attest:   attest,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
	}
}

// Run advances the leg until it is terminal or parked STUCK. Safe to call
// again on a STUCK leg: it re-polls the chain before giving up, since the leg
// may have silently progressed while the process was down.
func (t *TransferTracker) Run(ctx context.Context, st *Settlement) (TransferStatus, error) {
	revived := false
	for {
		leg, err := t.store.GetTransferLeg(st.ID)
		if err != nil {
			return "", err
		}

		switch leg.Status {
		case TransferMinted, TransferFailed:
			return leg.Status, nil
		case TransferStuck:
			// one reconciliation attempt per run, so a leg that keeps
			// re-parking waits for the next sweep instead of spinning
			if revived {
				return TransferStuck, nil
			}
			progressed, err := t.revive(ctx, st, leg)
			if err != nil {
				return TransferStuck, err
			}
			if !progressed {
				return TransferStuck, nil
			}
			revived = true
		case TransferPending:
			if err := t.stepBurn(ctx, st, leg); err != nil {
				return leg.Status, err
			}
		case TransferBurned:
			if err := t.stepAttest(ctx, st, leg); err != nil {
				return leg.Status, err
			}
		case TransferAttested:
			if err := t.stepMint(ctx, st, leg); err != nil {
				return leg.Status, err
			}
		default:
			return leg.Status, fmt.Errorf("unexpected transfer status %s", leg.Status)
		}

		if ctx.Err() != nil {
			return leg.Status, ctx.Err()
		}
	}
}

func (t *TransferTracker) transition(leg *TransferLeg, to TransferStatus, detail string) error {
	from := leg.Status
	leg.Status = to
	if err := t.store.UpdateTransferLeg(leg, detail); err != nil {
		leg.Status = from
		return err
	}
	t.metrics.LegTransition("transfer", string(to))
	t.logger.Info().
		Str("settlement_id", leg.SettlementID).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("detail", detail).
		Msg("transfer leg transition")
	return nil
}

// stepBurn submits the burn if it was never sent and waits for confirmation.
// A definitive revert before confirmation fails the leg: no value has moved.
func (t *TransferTracker) stepBurn(ctx context.Context, st *Settlement, leg *TransferLeg) error {
	adapter, ok := t.adapters[st.SourceChain]
	if !ok {
		return fmt.Errorf("no adapter for chain %s", st.SourceChain)
	}

	if leg.BurnTxHash == "" {
		txHash, err := adapter.Submit(ctx, buildBurnPayload(st, t.cfg.Chains[st.SourceChain].TokenMessenger, ""))
		if err != nil {
			var subErr *SubmissionError
			if errors.As(err, &subErr) {
				// transient; the poll below will re-enter this step
				t.logger.Warn().Str("settlement_id", st.ID).Err(err).Msg("burn submission failed, will retry")
				if deadlineExpired(leg.UpdatedAt, t.cfg.Deadlines.BurnConfirm()) {
					return t.transition(leg, TransferStuck, "burn submission kept failing")
				}
				sleepCtx(ctx, t.cfg.PollInterval())
				return nil
			}
			return err
		}
		leg.BurnTxHash = txHash
		// persist the burn reference before anything else; this is the
		// resumption token that prevents a duplicate burn after a crash
		if err := t.store.UpdateTransferLeg(leg, ""); err != nil {
			return err
		}
	}

	deadline := leg.UpdatedAt.Add(t.cfg.Deadlines.BurnConfirm())
	err := pollUntil(ctx, deadline, t.cfg.PollInterval(), func(ctx context.Context) (bool, error) {
		rec, err := adapter.GetReceipt(ctx, leg.BurnTxHash, st.Amount)
		if err != nil {
			t.logger.Warn().Str("settlement_id", st.ID).Err(err).Msg("burn receipt poll failed")
			return false, nil
		}
		switch rec.Status {
		case ReceiptConfirmed:
			leg.BurnHeight = rec.Height
			return true, t.transition(leg, TransferBurned, fmt.Sprintf("burn confirmed at height %d", rec.Height))
		case ReceiptReverted:
			return true, t.transition(leg, TransferFailed, "burn reverted before any value moved")
		default:
			return false, nil
		}
	})
	if errors.Is(err, errDeadline) {
		return t.transition(leg, TransferStuck, "burn not confirmed within deadline")
	}
	return err
}

func (t *TransferTracker) stepAttest(ctx context.Context, st *Settlement, leg *TransferLeg) error {
	remaining := time.Until(leg.UpdatedAt.Add(t.cfg.Deadlines.Attestation()))
	if remaining <= 0 {
		return t.transition(leg, TransferStuck, "attestation deadline exceeded")
	}

	att, err := PollAttestation(ctx, t.attest, leg.BurnTxHash, t.cfg.PollInterval(), remaining)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return t.transition(leg, TransferStuck, fmt.Sprintf("attestation unavailable: %v", err))
	}

	leg.AttestationID = att.ID
	leg.Attestation = append(att.Message, att.Signature...)
	return t.transition(leg, TransferAttested, "attestation verified")
}

// stepMint submits the mint carrying the attestation. Reverts are retried
// with bumped gas up to the configured bound; a revert caused by a replayed
// attestation means someone already minted, which is success.
func (t *TransferTracker) stepMint(ctx context.Context, st *Settlement, leg *TransferLeg) error {
	adapter, ok := t.adapters[st.DestChain]
	if !ok {
		return fmt.Errorf("no adapter for chain %s", st.DestChain)
	}

	if leg.MintTxHash == "" {
		if leg.MintAttempts >= t.cfg.MaxMintAttempts {
			return t.transition(leg, TransferStuck, fmt.Sprintf("mint failed %d times", leg.MintAttempts))
		}
		gasTag := fmt.Sprintf("attempt-%d", leg.MintAttempts+1)
		txHash, err := adapter.Submit(ctx, buildMintPayload(st, leg, t.cfg.Chains[st.DestChain].SettlementContract(), gasTag))
		if err != nil {
			var subErr *SubmissionError
			if errors.As(err, &subErr) {
				t.logger.Warn().Str("settlement_id", st.ID).Err(err).Msg("mint submission failed, will retry")
				if deadlineExpired(leg.UpdatedAt, t.cfg.Deadlines.Mint()) {
					return t.transition(leg, TransferStuck, "mint submission kept failing")
				}
				sleepCtx(ctx, t.cfg.PollInterval())
				return nil
			}
			return err
		}
		leg.MintTxHash = txHash
		leg.MintAttempts++
		if err := t.store.UpdateTransferLeg(leg, ""); err != nil {
			return err
		}
	}

	deadline := leg.UpdatedAt.Add(t.cfg.Deadlines.Mint())
	err := pollUntil(ctx, deadline, t.cfg.PollInterval(), func(ctx context.Context) (bool, error) {
		rec, err := adapter.GetReceipt(ctx, leg.MintTxHash, st.Amount)
		if err != nil {
			t.logger.Warn().Str("settlement_id", st.ID).Err(err).Msg("mint receipt poll failed")
			return false, nil
		}
		switch rec.Status {
		case ReceiptConfirmed:
			return true, t.transition(leg, TransferMinted, fmt.Sprintf("mint confirmed at height %d", rec.Height))
		case ReceiptReverted:
			if t.alreadyMinted(ctx, adapter, st, leg) {
				return true, t.transition(leg, TransferMinted, "attestation already consumed, mint exists")
			}
			// resubmit with fresh gas params
			t.logger.Warn().Str("settlement_id", st.ID).
				Str("tx_hash", leg.MintTxHash).
				Int("attempts", leg.MintAttempts).
				Msg("mint reverted, resubmitting")
			leg.MintTxHash = ""
			return true, t.store.UpdateTransferLeg(leg, "")
		default:
			return false, nil
		}
	})
	if errors.Is(err, errDeadline) {
		return t.transition(leg, TransferStuck, "mint not confirmed within deadline")
	}
	return err
}

// alreadyMinted checks the destination for a mint event consuming this leg's
// attestation. The destination rejects replayed attestations, so a revert
// plus an existing mint event means the value already arrived.
func (t *TransferTracker) alreadyMinted(ctx context.Context, adapter ChainAdapter, st *Settlement, leg *TransferLeg) bool {
	events, _, err := adapter.PollEvents(ctx, EventFilter{
		Name:  "settlement_minted",
		Attrs: map[string]string{"settlement_id": st.ID},
	}, 0)
	if err != nil {
		t.logger.Warn().Str("settlement_id", st.ID).Err(err).Msg("mint event check failed")
		return false
	}
	return len(events) > 0
}

// revive re-derives a STUCK leg's true position from the chain. Returns true
// when the leg moved forward.
func (t *TransferTracker) revive(ctx context.Context, st *Settlement, leg *TransferLeg) (bool, error) {
	srcAdapter := t.adapters[st.SourceChain]
	destAdapter := t.adapters[st.DestChain]

	if leg.MintTxHash != "" && destAdapter != nil {
		rec, err := destAdapter.GetReceipt(ctx, leg.MintTxHash, st.Amount)
		if err == nil && rec.Status == ReceiptConfirmed {
			return true, t.transition(leg, TransferMinted, "mint found confirmed during reconciliation")
		}
	}
	if leg.AttestationID != "" {
		if leg.MintAttempts >= t.cfg.MaxMintAttempts {
			// mint reverted repeatedly on chain; leave it for the operator
			return false, nil
		}
		leg.MintTxHash = ""
		return true, t.transition(leg, TransferAttested, "resuming mint from persisted attestation")
	}
	if leg.BurnTxHash != "" && srcAdapter != nil {
		rec, err := srcAdapter.GetReceipt(ctx, leg.BurnTxHash, st.Amount)
		if err == nil {
			switch rec.Status {
			case ReceiptConfirmed:
				leg.BurnHeight = rec.Height
				return true, t.transition(leg, TransferBurned, "burn found confirmed during reconciliation")
			case ReceiptReverted:
				return true, t.transition(leg, TransferFailed, "burn found reverted during reconciliation")
			}
		}
		// burn may still confirm; check the attestation source directly in
		// case it saw the burn even though our receipt poll lagged
		if att, err := t.attest.GetAttestation(ctx, leg.BurnTxHash); err == nil {
			leg.AttestationID = att.ID
			leg.Attestation = append(att.Message, att.Signature...)
			return true, t.transition(leg, TransferAttested, "attestation recovered during reconciliation")
		}
		return false, nil
	}
	if leg.BurnTxHash == "" {
		// nothing was ever submitted; restart the leg from scratch
		return true, t.transition(leg, TransferPending, "no burn on record, restarting leg")
	}
	return false, nil
}

func deadlineExpired(since time.Time, d time.Duration) bool {
	return time.Now().After(since.Add(d))
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func buildBurnPayload(st *Settlement, contract, gasTag string) TxPayload {
	data, _ := json.Marshal(map[string]string{
		"action":        "burn",
		"contract":      contract,
		"settlement_id": st.ID,
		"amount":        st.Amount.String(),
		"asset":         st.Asset,
		"dest_chain":    st.DestChain,
	})
	return TxPayload{Data: data, GasTag: gasTag}
}

func buildMintPayload(st *Settlement, leg *TransferLeg, contract, gasTag string) TxPayload {
	data, _ := json.Marshal(map[string]string{
		"action":         "mint",
		"contract":       contract,
		"settlement_id":  st.ID,
		"attestation_id": leg.AttestationID,
		"attestation":    hex.EncodeToString(leg.Attestation),
	})
	return TxPayload{Data: data, GasTag: gasTag}
}
