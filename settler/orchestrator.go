package settler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Orchestrator owns settlements end to end: it admits requests idempotently,
// drives both legs concurrently through their trackers, and joins the leg
// outcomes into the settlement status. The ledger is the single source of
// truth; everything in memory is rebuildable from it on restart.
type Orchestrator struct {
	store   *Store
	cfg     *Config
	logger  *zerolog.Logger
	metrics *Metrics

	transfers *TransferTracker
	messages  *MessageTracker

	// baseCtx bounds every settlement-driving goroutine. It is the process
	// lifetime, never a caller's request context: the legs of an admitted
	// settlement must outlive the HTTP request that admitted it.
	baseCtx context.Context

	mu         sync.Mutex
	locks      map[string]*sync.Mutex
	inProgress map[string]bool
	workers    map[string]chan struct{}

	events chan SettlementEvent
	wg     sync.WaitGroup
}

func NewOrchestrator(store *Store, adapters map[string]ChainAdapter, attest AttestationClient, relay RelayClient, cfg *Config, logger *zerolog.Logger, metrics *Metrics) *Orchestrator {
	return &Orchestrator{
		baseCtx:    context.Background(),
		store:      store,
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		transfers:  NewTransferTracker(store, adapters, attest, cfg, logger, metrics),
		messages:   NewMessageTracker(store, adapters, relay, cfg, logger, metrics),
		locks:      map[string]*sync.Mutex{},
		inProgress: map[string]bool{},
		workers:    map[string]chan struct{}{},
		events:     make(chan SettlementEvent, 64),
	}
}

// lock serializes all mutations of one settlement's record. No two workers
// may touch the same settlement concurrently.
func (o *Orchestrator) lock(id string) func() {
	o.mu.Lock()
	l, ok := o.locks[id]
	if !ok {
		l = &sync.Mutex{}
		o.locks[id] = l
	}
	o.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// workerSlot returns the submission semaphore for a destination chain so a
// burst of settlements cannot overwhelm a single chain.
func (o *Orchestrator) workerSlot(chain string) chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	sem, ok := o.workers[chain]
	if !ok {
		size := 4
		if entry, ok := o.cfg.Chains[chain]; ok && entry.Workers > 0 {
			size = entry.Workers
		}
		sem = make(chan struct{}, size)
		o.workers[chain] = sem
	}
	return sem
}

// Admit accepts a settlement request, idempotent on the caller-supplied key.
// The settlement and both pending legs are durable before this returns: once
// acknowledged, recovery can always find and resume the work. ctx covers
// admission only; leg driving runs under the orchestrator's own lifetime.
func (o *Orchestrator) Admit(ctx context.Context, req *SettlementRequest) (*Settlement, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	unlock := o.lock(req.SettlementID)
	defer unlock()

	existing, err := o.store.GetSettlement(req.SettlementID)
	if err == nil {
		if existing.RequestHash != req.Hash() {
			return nil, fmt.Errorf("%w %s", ErrConflictingRequest, req.SettlementID)
		}
		return existing, nil
	}
	if err != ErrNotFound {
		return nil, err
	}

	amount, _ := decimal.NewFromString(req.Amount)
	st := &Settlement{
		ID:          req.SettlementID,
		SourceChain: req.SourceChain,
		DestChain:   req.DestChain,
		Amount:      amount,
		Asset:       req.Asset,
		Payload:     req.Payload,
		Status:      SettlementPending,
		RequestHash: req.Hash(),
	}
	tl := &TransferLeg{SettlementID: st.ID, Status: TransferPending}
	ml := &MessageLeg{SettlementID: st.ID, Channel: ChannelName(st.SourceChain, st.DestChain), Sequence: -1, Status: MessagePending}

	if err := o.store.CreateSettlement(st, tl, ml); err != nil {
		return nil, err
	}
	o.metrics.Admitted()
	o.logger.Info().
		Str("settlement_id", st.ID).
		Str("source_chain", st.SourceChain).
		Str("dest_chain", st.DestChain).
		Str("amount", st.Amount.String()).
		Str("asset", st.Asset).
		Msg("settlement admitted")

	o.schedule(st.ID)
	return st, nil
}

// Withdraw cancels an admitted settlement before its burn is submitted.
// Once value movement has started the request is irrevocable.
func (o *Orchestrator) Withdraw(ctx context.Context, id string) error {
	unlock := o.lock(id)
	defer unlock()

	st, err := o.store.GetSettlement(id)
	if err != nil {
		return err
	}
	if st.Status != SettlementPending {
		return ErrNotWithdrawable
	}
	tl, err := o.store.GetTransferLeg(id)
	if err != nil {
		return err
	}
	ml, err := o.store.GetMessageLeg(id)
	if err != nil {
		return err
	}
	if tl.BurnTxHash != "" || ml.SendTxHash != "" {
		return ErrNotWithdrawable
	}
	return o.store.UpdateSettlementStatus(id, SettlementWithdrawn, "withdrawn before dispatch")
}

// Recover reloads every non-terminal settlement from the ledger and resumes
// it. Called once on startup; ctx becomes the lifetime for all settlement
// work scheduled from then on, and the trackers pick up from persisted
// resumption tokens (burn reference, channel sequence) rather than redoing
// work.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	o.mu.Lock()
	o.baseCtx = ctx
	o.mu.Unlock()

	active, err := o.store.ListActiveSettlements()
	if err != nil {
		return 0, err
	}
	for _, st := range active {
		if st.Escalated {
			continue
		}
		o.schedule(st.ID)
	}
	if len(active) > 0 {
		o.logger.Info().Int("count", len(active)).Msg("resuming settlements from ledger")
	}
	return len(active), nil
}

// Resume re-drives one settlement; used by the sweeper after re-polling.
func (o *Orchestrator) Resume(id string) {
	o.schedule(id)
}

func (o *Orchestrator) schedule(id string) {
	o.mu.Lock()
	if o.inProgress[id] {
		o.mu.Unlock()
		return
	}
	o.inProgress[id] = true
	ctx := o.baseCtx
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			o.mu.Lock()
			delete(o.inProgress, id)
			o.mu.Unlock()
		}()
		if err := o.run(ctx, id); err != nil && ctx.Err() == nil {
			o.logger.Error().Str("settlement_id", id).Err(err).Msg("settlement run failed")
		}
	}()
}

func (o *Orchestrator) run(ctx context.Context, id string) error {
	st, err := o.store.GetSettlement(id)
	if err != nil {
		return err
	}

	sem := o.workerSlot(st.DestChain)
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-sem }()

	// gate against a concurrent withdraw; after this point the settlement
	// is in flight and cannot be withdrawn
	unlock := o.lock(id)
	st, err = o.store.GetSettlement(id)
	if err != nil {
		unlock()
		return err
	}
	if st.Status.Terminal() {
		unlock()
		return nil
	}
	if st.Status == SettlementPending {
		if err := o.store.UpdateSettlementStatus(id, SettlementInFlight, "legs dispatched"); err != nil {
			unlock()
			return err
		}
	}
	unlock()

	// the two legs are logically independent; drive them concurrently
	var (
		legWg   sync.WaitGroup
		tStatus TransferStatus
		mStatus MessageStatus
		tErr    error
		mErr    error
	)
	legWg.Add(2)
	go func() {
		defer legWg.Done()
		tStatus, tErr = o.transfers.Run(ctx, st)
	}()
	go func() {
		defer legWg.Done()
		mStatus, mErr = o.messages.Run(ctx, st)
	}()
	legWg.Wait()

	if tErr != nil {
		return tErr
	}
	if mErr != nil {
		return mErr
	}
	return o.join(id, tStatus, mStatus)
}

// join maps the pair of leg outcomes onto the settlement status. Asymmetric
// conclusive failure never resolves to FAILED on its own: compensating a
// completed burn is not assumed possible, so those cases are AMBIGUOUS and
// wait for the sweeper or an operator.
func (o *Orchestrator) join(id string, tStatus TransferStatus, mStatus MessageStatus) error {
	unlock := o.lock(id)
	defer unlock()

	var to SettlementStatus
	var detail string
	switch {
	case tStatus == TransferMinted && mStatus == MessageExecuted:
		to = SettlementComplete
		detail = "both legs complete"
	case tStatus == TransferFailed && mStatus == MessageFailed:
		to = SettlementFailed
		detail = "no value moved and no message sent"
	case tStatus == TransferFailed || mStatus == MessageFailed:
		to = SettlementAmbiguous
		detail = fmt.Sprintf("legs disagree: transfer=%s message=%s", tStatus, mStatus)
	case tStatus == TransferStuck || mStatus == MessageStuck:
		to = SettlementPartiallyComplete
		detail = fmt.Sprintf("stalled: transfer=%s message=%s", tStatus, mStatus)
	default:
		// interrupted mid-flight (shutdown); recovery will resume
		return nil
	}

	if err := o.store.UpdateSettlementStatus(id, to, detail); err != nil {
		return err
	}
	o.metrics.SettlementJoined(to)
	o.logger.Info().
		Str("settlement_id", id).
		Str("status", string(to)).
		Str("detail", detail).
		Msg("settlement joined")
	o.notify(SettlementEvent{SettlementID: id, Status: to, At: time.Now().UTC()})
	return nil
}

func (o *Orchestrator) notify(ev SettlementEvent) {
	select {
	case o.events <- ev:
	default:
		o.logger.Warn().Str("settlement_id", ev.SettlementID).Msg("notification channel full, dropping event")
	}
}

// Events delivers completion notifications to the requesting collaborator.
func (o *Orchestrator) Events() <-chan SettlementEvent {
	return o.events
}

// Wait blocks until all scheduled settlement runs have returned. Used for
// graceful shutdown after the context is cancelled.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// SettlementView is the status-query shape: the settlement plus both legs.
type SettlementView struct {
	Settlement *Settlement  `json:"settlement"`
	Transfer   *TransferLeg `json:"transfer_leg"`
	Message    *MessageLeg  `json:"message_leg"`
}

func (o *Orchestrator) Status(id string) (*SettlementView, error) {
	st, err := o.store.GetSettlement(id)
	if err != nil {
		return nil, err
	}
	tl, err := o.store.GetTransferLeg(id)
	if err != nil {
		return nil, err
	}
	ml, err := o.store.GetMessageLeg(id)
	if err != nil {
		return nil, err
	}
	return &SettlementView{Settlement: st, Transfer: tl, Message: ml}, nil
}

// Override force-transitions a settlement after out-of-band verification.
// Only non-terminal settlements can be overridden, and only to a terminal
// resolution.
func (o *Orchestrator) Override(id string, to SettlementStatus, reason string) error {
	if to != SettlementComplete && to != SettlementFailed {
		return fmt.Errorf("override target must be %s or %s", SettlementComplete, SettlementFailed)
	}
	if reason == "" {
		return fmt.Errorf("override requires a reason")
	}

	unlock := o.lock(id)
	defer unlock()

	st, err := o.store.GetSettlement(id)
	if err != nil {
		return err
	}
	if st.Status.Terminal() {
		return fmt.Errorf("%w: settlement %s already %s", ErrInvalidTransition, id, st.Status)
	}
	if err := o.store.RecordOverride(id, to, reason); err != nil {
		return err
	}
	o.metrics.SettlementJoined(to)
	o.logger.Warn().
		Str("settlement_id", id).
		Str("status", string(to)).
		Str("reason", reason).
		Msg("settlement overridden by operator")
	o.notify(SettlementEvent{SettlementID: id, Status: to, At: time.Now().UTC()})
	return nil
}
