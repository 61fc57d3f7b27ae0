package settler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmitIdempotentUnderConcurrency(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg)
	h.primeMessageLeg(testRequest("s-1"))

	var wg sync.WaitGroup
	results := make([]*Settlement, 10)
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.orch.Admit(context.Background(), testRequest("s-1"))
		}(i)
	}
	wg.Wait()

	for i := 0; i < 10; i++ {
		require.NoError(t, errs[i])
		require.NotNil(t, results[i])
		assert.Equal(t, "s-1", results[i].ID)
	}

	stats, err := h.store.GetSettlementStats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Total)
}

func TestAdmitConflictingRequest(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg)
	h.primeMessageLeg(testRequest("s-1"))

	_, err := h.orch.Admit(context.Background(), testRequest("s-1"))
	require.NoError(t, err)

	conflicting := testRequest("s-1")
	conflicting.Amount = "999"
	_, err = h.orch.Admit(context.Background(), conflicting)
	assert.ErrorIs(t, err, ErrConflictingRequest)
}

func TestSettlementCompletes(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg)
	req := testRequest("s-1")
	h.primeMessageLeg(req)
	h.attest.readyAfter = 3

	_, err := h.orch.Admit(context.Background(), req)
	require.NoError(t, err)
	waitForSettlement(t, h.store, "s-1", SettlementComplete)

	tl, err := h.store.GetTransferLeg("s-1")
	require.NoError(t, err)
	assert.Equal(t, TransferMinted, tl.Status)
	ml, err := h.store.GetMessageLeg("s-1")
	require.NoError(t, err)
	assert.Equal(t, MessageExecuted, ml.Status)
	assert.Equal(t, int64(7), ml.Sequence)

	assert.Equal(t, 1, h.src.actionCount("burn"))
	assert.Equal(t, 1, h.src.actionCount("send"))

	// a completion notification went out
	select {
	case ev := <-h.orch.Events():
		assert.Equal(t, "s-1", ev.SettlementID)
		assert.Equal(t, SettlementComplete, ev.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a settlement event")
	}

	// re-admitting the completed settlement returns it unchanged
	st, err := h.orch.Admit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, SettlementComplete, st.Status)
	assert.Equal(t, 1, h.src.actionCount("burn"))
}

func TestAdmitOutlivesRequestContext(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg)
	req := testRequest("s-1")
	h.primeMessageLeg(req)

	// the caller's context ends as soon as admission is acknowledged, the
	// way an HTTP request's does; the legs must keep running regardless
	ctx, cancel := context.WithCancel(context.Background())
	_, err := h.orch.Admit(ctx, req)
	require.NoError(t, err)
	cancel()

	waitForSettlement(t, h.store, "s-1", SettlementComplete)
}

func TestSettlementFailsWhenNothingMoved(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg)
	h.src.revertActions["burn"] = true
	h.src.revertActions["send"] = true

	_, err := h.orch.Admit(context.Background(), testRequest("s-1"))
	require.NoError(t, err)
	waitForSettlement(t, h.store, "s-1", SettlementFailed)

	tl, err := h.store.GetTransferLeg("s-1")
	require.NoError(t, err)
	assert.Equal(t, TransferFailed, tl.Status)
	ml, err := h.store.GetMessageLeg("s-1")
	require.NoError(t, err)
	assert.Equal(t, MessageFailed, ml.Status)
}

func TestAsymmetricFailureIsAmbiguous(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg)
	req := testRequest("s-1")
	h.src.revertActions["burn"] = true
	h.primeMessageLeg(req)

	_, err := h.orch.Admit(context.Background(), req)
	require.NoError(t, err)
	waitForSettlement(t, h.store, "s-1", SettlementAmbiguous)

	ml, err := h.store.GetMessageLeg("s-1")
	require.NoError(t, err)
	assert.Equal(t, MessageExecuted, ml.Status)
}

func TestStuckLegThenSweeperRecovery(t *testing.T) {
	cfg := testConfig()
	cfg.Deadlines.AttestationSeconds = 1
	cfg.Sweeper.GraceSeconds = 0
	h := newHarness(t, cfg)
	req := testRequest("s-1")
	h.primeMessageLeg(req)
	h.attest.readyAfter = 1 << 30

	_, err := h.orch.Admit(context.Background(), req)
	require.NoError(t, err)
	waitForSettlement(t, h.store, "s-1", SettlementPartiallyComplete)

	tl, err := h.store.GetTransferLeg("s-1")
	require.NoError(t, err)
	assert.Equal(t, TransferStuck, tl.Status)
	ml, err := h.store.GetMessageLeg("s-1")
	require.NoError(t, err)
	assert.Equal(t, MessageExecuted, ml.Status)

	// attester comes back; the next sweep re-drives the parked settlement
	h.attest.setReady()
	time.Sleep(50 * time.Millisecond)
	logger := zerolog.Nop()
	sweeper := NewSweeper(h.store, h.orch, cfg, &logger, h.metrics)
	require.NoError(t, sweeper.Sweep(context.Background()))
	waitForSettlement(t, h.store, "s-1", SettlementComplete)

	// the burn from before the outage was reused, never repeated
	assert.Equal(t, 1, h.src.actionCount("burn"))
}

func TestWithdraw(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg)
	createTestSettlement(t, h.store, "s-1")

	require.NoError(t, h.orch.Withdraw(context.Background(), "s-1"))
	st, err := h.store.GetSettlement("s-1")
	require.NoError(t, err)
	assert.Equal(t, SettlementWithdrawn, st.Status)

	// withdrawn is terminal
	assert.ErrorIs(t, h.orch.Withdraw(context.Background(), "s-1"), ErrNotWithdrawable)
	assert.ErrorIs(t, h.orch.Withdraw(context.Background(), "missing"), ErrNotFound)
}

func TestWithdrawRejectedAfterBurn(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg)
	req := testRequest("s-1")
	h.primeMessageLeg(req)

	_, err := h.orch.Admit(context.Background(), req)
	require.NoError(t, err)
	waitForSettlement(t, h.store, "s-1", SettlementComplete)

	assert.ErrorIs(t, h.orch.Withdraw(context.Background(), "s-1"), ErrNotWithdrawable)
}

func TestOverride(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg)
	createTestSettlement(t, h.store, "s-1")

	// only terminal resolutions, always with a reason
	assert.Error(t, h.orch.Override("s-1", SettlementInFlight, "nope"))
	assert.Error(t, h.orch.Override("s-1", SettlementComplete, ""))

	require.NoError(t, h.orch.Override("s-1", SettlementComplete, "mint verified on explorer"))
	st, err := h.store.GetSettlement("s-1")
	require.NoError(t, err)
	assert.Equal(t, SettlementComplete, st.Status)

	// a resolved settlement cannot be overridden again
	assert.Error(t, h.orch.Override("s-1", SettlementFailed, "changed my mind"))
}

func TestRecoverResumesActiveSettlements(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg)
	req := testRequest("s-1")
	h.primeMessageLeg(req)

	// settlement admitted durably but never driven, as after a crash
	createTestSettlement(t, h.store, "s-1")

	n, err := h.orch.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	waitForSettlement(t, h.store, "s-1", SettlementComplete)
}

func TestSweeperEscalatesStalled(t *testing.T) {
	cfg := testConfig()
	cfg.Sweeper.GraceSeconds = 0
	cfg.Sweeper.EscalateSeconds = 0
	h := newHarness(t, cfg)
	createTestSettlement(t, h.store, "s-1")
	time.Sleep(20 * time.Millisecond)

	logger := zerolog.Nop()
	sweeper := NewSweeper(h.store, h.orch, cfg, &logger, h.metrics)
	require.NoError(t, sweeper.Sweep(context.Background()))

	st, err := h.store.GetSettlement("s-1")
	require.NoError(t, err)
	assert.True(t, st.Escalated)

	alerts, err := h.store.ListAlerts(10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "stalled", alerts[0].Kind)

	// repeat sweeps neither duplicate the alert nor resume the settlement
	require.NoError(t, sweeper.Sweep(context.Background()))
	alerts, err = h.store.ListAlerts(10)
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
	st, err = h.store.GetSettlement("s-1")
	require.NoError(t, err)
	assert.Equal(t, SettlementPending, st.Status)
}
