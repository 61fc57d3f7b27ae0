package settler

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// MessageTracker drives one cross-chain message leg through
// send -> deliver -> execute. Delivery is keyed by the channel's sequence
// number, never by content, so duplicate and out-of-order relay attempts are
// detected instead of assumed impossible.
type MessageTracker struct {
	store    *Store
	adapters map[string]ChainAdapter
	relay    RelayClient
	cfg      *Config
	logger   *zerolog.Logger
	metrics  *Metrics
}

func NewMessageTracker(store *Store, adapters map[string]ChainAdapter, relay RelayClient, cfg *Config, logger *zerolog.Logger, metrics *Metrics) *MessageTracker {
	return &MessageTracker{
		store:    store,
		adapters: adapters,
		relay:    relay,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
	}
}

func ChannelName(sourceChain, destChain string) string {
	return fmt.Sprintf("%s->%s", sourceChain, destChain)
}

func (t *MessageTracker) Run(ctx context.Context, st *Settlement) (MessageStatus, error) {
	revived := false
	for {
		leg, err := t.store.GetMessageLeg(st.ID)
		if err != nil {
			return "", err
		}

		switch leg.Status {
		case MessageExecuted, MessageFailed:
			return leg.Status, nil
		case MessageStuck:
			// one reconciliation attempt per run, so a leg that keeps
			// re-parking waits for the next sweep instead of spinning
			if revived {
				return MessageStuck, nil
			}
			progressed, err := t.revive(ctx, st, leg)
			if err != nil {
				return MessageStuck, err
			}
			if !progressed {
				return MessageStuck, nil
			}
			revived = true
		case MessagePending:
			if err := t.stepSend(ctx, st, leg); err != nil {
				return leg.Status, err
			}
		case MessageSent:
			if err := t.stepDeliver(ctx, st, leg); err != nil {
				return leg.Status, err
			}
		case MessageDelivered:
			if err := t.stepExecute(ctx, st, leg); err != nil {
				return leg.Status, err
			}
		default:
			return leg.Status, fmt.Errorf("unexpected message status %s", leg.Status)
		}

		if ctx.Err() != nil {
			return leg.Status, ctx.Err()
		}
	}
}

func (t *MessageTracker) transition(leg *MessageLeg, to MessageStatus, detail string) error {
	from := leg.Status
	leg.Status = to
	if err := t.store.UpdateMessageLeg(leg, detail); err != nil {
		leg.Status = from
		return err
	}
	t.metrics.LegTransition("message", string(to))
	t.logger.Info().
		Str("settlement_id", leg.SettlementID).
		Str("channel", leg.Channel).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("detail", detail).
		Msg("message leg transition")
	return nil
}

func (t *MessageTracker) stepSend(ctx context.Context, st *Settlement, leg *MessageLeg) error {
	adapter, ok := t.adapters[st.SourceChain]
	if !ok {
		return fmt.Errorf("no adapter for chain %s", st.SourceChain)
	}

	if leg.SendTxHash == "" {
		txHash, err := adapter.Submit(ctx, buildSendPayload(st, t.cfg.Chains[st.SourceChain].MessageEndpoint))
		if err != nil {
			var subErr *SubmissionError
			if errors.As(err, &subErr) {
				t.logger.Warn().Str("settlement_id", st.ID).Err(err).Msg("message send failed, will retry")
				if deadlineExpired(leg.UpdatedAt, t.cfg.Deadlines.SendConfirm()) {
					return t.transition(leg, MessageStuck, "message send kept failing")
				}
				sleepCtx(ctx, t.cfg.PollInterval())
				return nil
			}
			return err
		}
		leg.SendTxHash = txHash
		if err := t.store.UpdateMessageLeg(leg, ""); err != nil {
			return err
		}
	}

	deadline := leg.UpdatedAt.Add(t.cfg.Deadlines.SendConfirm())
	err := pollUntil(ctx, deadline, t.cfg.PollInterval(), func(ctx context.Context) (bool, error) {
		rec, err := adapter.GetReceipt(ctx, leg.SendTxHash, st.Amount)
		if err != nil {
			t.logger.Warn().Str("settlement_id", st.ID).Err(err).Msg("send receipt poll failed")
			return false, nil
		}
		switch rec.Status {
		case ReceiptConfirmed:
			return true, t.transition(leg, MessageSent, fmt.Sprintf("send confirmed at height %d", rec.Height))
		case ReceiptReverted:
			return true, t.transition(leg, MessageFailed, "send reverted, no message ever left the source chain")
		default:
			return false, nil
		}
	})
	if errors.Is(err, errDeadline) {
		return t.transition(leg, MessageStuck, "send not confirmed within deadline")
	}
	return err
}

// stepDeliver discovers the channel sequence from the dispatch event, then
// polls the relay for a delivery receipt under that sequence.
func (t *MessageTracker) stepDeliver(ctx context.Context, st *Settlement, leg *MessageLeg) error {
	deadline := leg.UpdatedAt.Add(t.cfg.Deadlines.Delivery())

	if leg.Sequence < 0 {
		if err := t.discoverSequence(ctx, st, leg, deadline); err != nil {
			if errors.Is(err, errDeadline) {
				return t.transition(leg, MessageStuck, "dispatch sequence never observed")
			}
			return err
		}
	}

	err := pollUntil(ctx, deadline, t.cfg.PollInterval(), func(ctx context.Context) (bool, error) {
		status, err := t.relay.GetDelivery(ctx, leg.Channel, leg.Sequence)
		if err != nil {
			t.logger.Warn().Str("settlement_id", st.ID).Err(err).Msg("delivery poll failed")
			return false, nil
		}
		if !status.Delivered {
			return false, nil
		}

		outOfOrder, err := t.store.ObserveChannelSequence(leg.Channel, leg.Sequence)
		if err != nil {
			return false, err
		}
		detail := fmt.Sprintf("delivered under sequence %d", leg.Sequence)
		if outOfOrder {
			// stale relay attempt observed; record it, never regress
			t.metrics.OutOfOrderDelivery(leg.Channel)
			t.logger.Warn().
				Str("settlement_id", st.ID).
				Str("channel", leg.Channel).
				Int64("sequence", leg.Sequence).
				Msg("out-of-order delivery receipt observed")
			detail += " (out of order for channel)"
		}
		return true, t.transition(leg, MessageDelivered, detail)
	})
	if errors.Is(err, errDeadline) {
		return t.transition(leg, MessageStuck, "no delivery receipt within deadline")
	}
	return err
}

// discoverSequence reads the dispatch event emitted by the source endpoint to
// learn which sequence the channel assigned to this message. The sequence is
// the persisted resumption token for the rest of the leg.
func (t *MessageTracker) discoverSequence(ctx context.Context, st *Settlement, leg *MessageLeg, deadline time.Time) error {
	adapter, ok := t.adapters[st.SourceChain]
	if !ok {
		return fmt.Errorf("no adapter for chain %s", st.SourceChain)
	}

	var fromHeight int64
	if rec, err := adapter.GetReceipt(ctx, leg.SendTxHash, st.Amount); err == nil && rec.Height > 0 {
		fromHeight = rec.Height
	}

	return pollUntil(ctx, deadline, t.cfg.PollInterval(), func(ctx context.Context) (bool, error) {
		events, next, err := adapter.PollEvents(ctx, EventFilter{
			Name:  "message_dispatched",
			Attrs: map[string]string{"settlement_id": st.ID},
		}, fromHeight)
		if err != nil {
			t.logger.Warn().Str("settlement_id", st.ID).Err(err).Msg("dispatch event poll failed")
			return false, nil
		}
		fromHeight = next
		for _, ev := range events {
			seq, err := strconv.ParseInt(ev.Attrs["sequence"], 10, 64)
			if err != nil {
				t.logger.Warn().Str("settlement_id", st.ID).Str("sequence", ev.Attrs["sequence"]).Msg("unparsable dispatch sequence")
				continue
			}
			leg.Sequence = seq
			return true, t.store.UpdateMessageLeg(leg, "")
		}
		return false, nil
	})
}

// stepExecute confirms the destination contract accepted and applied the
// payload, not merely received it, by checking the post-condition event. An
// execution revert parks the leg: re-sending a semantically-sent message
// risks duplicate effects, so it is reported, never auto-resubmitted.
func (t *MessageTracker) stepExecute(ctx context.Context, st *Settlement, leg *MessageLeg) error {
	adapter, ok := t.adapters[st.DestChain]
	if !ok {
		return fmt.Errorf("no adapter for chain %s", st.DestChain)
	}

	wantPayload := payloadDigest(st.Payload)
	deadline := leg.UpdatedAt.Add(t.cfg.Deadlines.Execution())
	var fromHeight int64

	err := pollUntil(ctx, deadline, t.cfg.PollInterval(), func(ctx context.Context) (bool, error) {
		if status, err := t.relay.GetDelivery(ctx, leg.Channel, leg.Sequence); err == nil && status.ExecError != "" {
			return true, t.transition(leg, MessageStuck, fmt.Sprintf("execution reverted: %s", status.ExecError))
		}

		events, next, err := adapter.PollEvents(ctx, EventFilter{
			Name:  "settlement_executed",
			Attrs: map[string]string{"settlement_id": st.ID},
		}, fromHeight)
		if err != nil {
			t.logger.Warn().Str("settlement_id", st.ID).Err(err).Msg("execution event poll failed")
			return false, nil
		}
		fromHeight = next
		for _, ev := range events {
			if execErr := ev.Attrs["error"]; execErr != "" {
				return true, t.transition(leg, MessageStuck, fmt.Sprintf("execution reverted: %s", execErr))
			}
			if got := ev.Attrs["payload_sha256"]; got != "" && got != wantPayload {
				// executed something else under our id; needs an operator
				return true, t.transition(leg, MessageStuck, "executed payload does not match sent payload")
			}
			leg.ExecTxHash = ev.TxHash
			return true, t.transition(leg, MessageExecuted, fmt.Sprintf("executed in tx %s", ev.TxHash))
		}
		return false, nil
	})
	if errors.Is(err, errDeadline) {
		return t.transition(leg, MessageStuck, "execution not observed within deadline")
	}
	return err
}

// revive re-derives a STUCK leg's position. Execution reverts stay parked;
// everything else is re-checked against the chain and relay.
func (t *MessageTracker) revive(ctx context.Context, st *Settlement, leg *MessageLeg) (bool, error) {
	if leg.Sequence >= 0 {
		status, err := t.relay.GetDelivery(ctx, leg.Channel, leg.Sequence)
		if err == nil {
			if status.ExecError != "" {
				// still needs operator attention
				return false, nil
			}
			if status.Executed {
				// the relay's claim alone is not proof: the leg may be
				// parked precisely because the executed payload did not
				// match, so re-verify the post-condition on chain
				execTx, ok := t.verifyExecution(ctx, st)
				if !ok {
					return false, nil
				}
				leg.ExecTxHash = execTx
				return true, t.transition(leg, MessageExecuted, "execution found during reconciliation")
			}
			if status.Delivered {
				if _, err := t.store.ObserveChannelSequence(leg.Channel, leg.Sequence); err != nil {
					return false, err
				}
				return true, t.transition(leg, MessageDelivered, "delivery found during reconciliation")
			}
		}
		return false, nil
	}
	if leg.SendTxHash != "" {
		adapter, ok := t.adapters[st.SourceChain]
		if !ok {
			return false, fmt.Errorf("no adapter for chain %s", st.SourceChain)
		}
		rec, err := adapter.GetReceipt(ctx, leg.SendTxHash, st.Amount)
		if err == nil {
			switch rec.Status {
			case ReceiptConfirmed:
				return true, t.transition(leg, MessageSent, "send found confirmed during reconciliation")
			case ReceiptReverted:
				return true, t.transition(leg, MessageFailed, "send found reverted during reconciliation")
			}
		}
		return false, nil
	}
	// nothing was ever submitted; restart the leg from scratch
	return true, t.transition(leg, MessagePending, "no send on record, restarting leg")
}

// verifyExecution looks for the destination's post-condition event carrying
// the payload digest we sent. Returns the executing tx hash when a clean
// match exists.
func (t *MessageTracker) verifyExecution(ctx context.Context, st *Settlement) (string, bool) {
	adapter, ok := t.adapters[st.DestChain]
	if !ok {
		return "", false
	}
	events, _, err := adapter.PollEvents(ctx, EventFilter{
		Name:  "settlement_executed",
		Attrs: map[string]string{"settlement_id": st.ID},
	}, 0)
	if err != nil {
		t.logger.Warn().Str("settlement_id", st.ID).Err(err).Msg("execution verification poll failed")
		return "", false
	}
	wantPayload := payloadDigest(st.Payload)
	for _, ev := range events {
		if ev.Attrs["error"] != "" {
			continue
		}
		if got := ev.Attrs["payload_sha256"]; got != "" && got != wantPayload {
			continue
		}
		return ev.TxHash, true
	}
	return "", false
}

func payloadDigest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func buildSendPayload(st *Settlement, endpoint string) TxPayload {
	data, _ := json.Marshal(map[string]string{
		"action":        "send",
		"contract":      endpoint,
		"settlement_id": st.ID,
		"dest_chain":    st.DestChain,
		"payload":       base64.StdEncoding.EncodeToString(st.Payload),
	})
	return TxPayload{Data: data}
}
