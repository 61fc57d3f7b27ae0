package settler

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTransferFixture(t *testing.T, cfg *Config) (*TransferTracker, *testHarness) {
	t.Helper()
	h := newHarness(t, cfg)
	logger := zerolog.Nop()
	tracker := NewTransferTracker(h.store, map[string]ChainAdapter{
		"basechain": h.src,
		"osmo-hub":  h.dest,
	}, h.attest, cfg, &logger, h.metrics)
	return tracker, h
}

func newMessageFixture(t *testing.T, cfg *Config) (*MessageTracker, *testHarness) {
	t.Helper()
	h := newHarness(t, cfg)
	logger := zerolog.Nop()
	tracker := NewMessageTracker(h.store, map[string]ChainAdapter{
		"basechain": h.src,
		"osmo-hub":  h.dest,
	}, h.relay, cfg, &logger, h.metrics)
	return tracker, h
}

func TestTransferHappyPath(t *testing.T) {
	cfg := testConfig()
	tracker, h := newTransferFixture(t, cfg)
	// attestation shows up on the fourth poll, well within the deadline
	h.attest.readyAfter = 3
	st := createTestSettlement(t, h.store, "s-1")

	status, err := tracker.Run(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, TransferMinted, status)

	leg, err := h.store.GetTransferLeg("s-1")
	require.NoError(t, err)
	assert.NotEmpty(t, leg.BurnTxHash)
	assert.NotEmpty(t, leg.AttestationID)
	assert.NotEmpty(t, leg.MintTxHash)
	assert.Equal(t, 1, h.src.actionCount("burn"))
	assert.Equal(t, 1, h.dest.actionCount("mint"))
}

func TestSubmissionsTargetConfiguredContracts(t *testing.T) {
	cfg := testConfig()
	tracker, h := newTransferFixture(t, cfg)
	st := createTestSettlement(t, h.store, "s-1")

	status, err := tracker.Run(context.Background(), st)
	require.NoError(t, err)
	require.Equal(t, TransferMinted, status)

	assert.Equal(t, "0xmessenger", h.src.lastTarget("burn"))
	assert.Equal(t, "osmo1settle", h.dest.lastTarget("mint"))
}

func TestTransferBurnReverted(t *testing.T) {
	cfg := testConfig()
	tracker, h := newTransferFixture(t, cfg)
	h.src.revertActions["burn"] = true
	st := createTestSettlement(t, h.store, "s-1")

	status, err := tracker.Run(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, TransferFailed, status)
}

func TestTransferMintRevertWithExistingMint(t *testing.T) {
	cfg := testConfig()
	tracker, h := newTransferFixture(t, cfg)
	// every mint submission reverts, but a mint for this settlement already
	// exists: someone consumed the attestation, which is success
	h.dest.revertActions["mint"] = true
	h.dest.addEvent(Event{
		TxHash: "osmo-hub-mint-prior",
		Height: 90,
		Name:   "settlement_minted",
		Attrs:  map[string]string{"settlement_id": "s-1"},
	})
	st := createTestSettlement(t, h.store, "s-1")

	status, err := tracker.Run(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, TransferMinted, status)
}

func TestTransferMintRetryBudget(t *testing.T) {
	cfg := testConfig()
	tracker, h := newTransferFixture(t, cfg)
	h.dest.revertActions["mint"] = true
	st := createTestSettlement(t, h.store, "s-1")

	status, err := tracker.Run(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, TransferStuck, status)
	assert.Equal(t, cfg.MaxMintAttempts, h.dest.actionCount("mint"))
	// the burn happened exactly once regardless of mint trouble
	assert.Equal(t, 1, h.src.actionCount("burn"))
}

func TestTransferAttestationOutageNoDuplicateBurn(t *testing.T) {
	cfg := testConfig()
	cfg.Deadlines.AttestationSeconds = 1
	tracker, h := newTransferFixture(t, cfg)
	h.attest.readyAfter = 1 << 30
	st := createTestSettlement(t, h.store, "s-1")

	status, err := tracker.Run(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, TransferStuck, status)
	assert.Equal(t, 1, h.src.actionCount("burn"))

	// attester back up; a later run resumes from the persisted burn
	h.attest.setReady()
	status, err = tracker.Run(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, TransferMinted, status)
	assert.Equal(t, 1, h.src.actionCount("burn"))
}

func TestMessageHappyPath(t *testing.T) {
	cfg := testConfig()
	tracker, h := newMessageFixture(t, cfg)
	req := testRequest("s-1")
	h.primeMessageLeg(req)
	st := createTestSettlement(t, h.store, "s-1")

	status, err := tracker.Run(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, MessageExecuted, status)

	leg, err := h.store.GetMessageLeg("s-1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), leg.Sequence)
	assert.Equal(t, "osmo-hub-exec-1", leg.ExecTxHash)
	assert.Equal(t, "0xendpoint", h.src.lastTarget("send"))
}

func TestMessageSendReverted(t *testing.T) {
	cfg := testConfig()
	tracker, h := newMessageFixture(t, cfg)
	h.src.revertActions["send"] = true
	st := createTestSettlement(t, h.store, "s-1")

	status, err := tracker.Run(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, MessageFailed, status)
}

func TestMessageExecutedPayloadMismatch(t *testing.T) {
	cfg := testConfig()
	tracker, h := newMessageFixture(t, cfg)
	channel := ChannelName("basechain", "osmo-hub")
	h.relay.set(channel, 7, DeliveryStatus{Delivered: true})
	// destination executed something else under our settlement id
	h.dest.addEvent(Event{
		TxHash: "osmo-hub-exec-1",
		Height: 200,
		Name:   "settlement_executed",
		Attrs: map[string]string{
			"settlement_id":  "s-1",
			"payload_sha256": "deadbeef",
		},
	})
	st := createTestSettlement(t, h.store, "s-1")

	status, err := tracker.Run(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, MessageStuck, status)

	history, err := h.store.GetHistory("s-1")
	require.NoError(t, err)
	found := false
	for _, sc := range history {
		if sc.Detail == "executed payload does not match sent payload" {
			found = true
		}
	}
	assert.True(t, found, "mismatch must land in the audit history")
}

func TestMismatchParkedLegStaysParked(t *testing.T) {
	cfg := testConfig()
	tracker, h := newMessageFixture(t, cfg)
	channel := ChannelName("basechain", "osmo-hub")
	h.relay.set(channel, 7, DeliveryStatus{Delivered: true})
	h.dest.addEvent(Event{
		TxHash: "osmo-hub-exec-1",
		Height: 200,
		Name:   "settlement_executed",
		Attrs: map[string]string{
			"settlement_id":  "s-1",
			"payload_sha256": "deadbeef",
		},
	})
	st := createTestSettlement(t, h.store, "s-1")

	status, err := tracker.Run(context.Background(), st)
	require.NoError(t, err)
	require.Equal(t, MessageStuck, status)

	// the relay later claims execution, but the on-chain payload still
	// disagrees; reconciliation must leave the leg for an operator
	h.relay.set(channel, 7, DeliveryStatus{Delivered: true, Executed: true, ExecTxHash: "osmo-hub-exec-1"})
	status, err = tracker.Run(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, MessageStuck, status)
}

func TestReviveConfirmsExecutionOnChain(t *testing.T) {
	cfg := testConfig()
	cfg.Deadlines.ExecutionSeconds = 1
	tracker, h := newMessageFixture(t, cfg)
	channel := ChannelName("basechain", "osmo-hub")
	h.relay.set(channel, 7, DeliveryStatus{Delivered: true})
	st := createTestSettlement(t, h.store, "s-1")

	status, err := tracker.Run(context.Background(), st)
	require.NoError(t, err)
	require.Equal(t, MessageStuck, status)

	// destination caught up while the leg was parked
	h.dest.addEvent(Event{
		TxHash: "osmo-hub-exec-9",
		Height: 210,
		Name:   "settlement_executed",
		Attrs: map[string]string{
			"settlement_id":  "s-1",
			"payload_sha256": payloadDigest(st.Payload),
		},
	})
	h.relay.set(channel, 7, DeliveryStatus{Delivered: true, Executed: true, ExecTxHash: "osmo-hub-exec-9"})

	status, err = tracker.Run(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, MessageExecuted, status)

	leg, err := h.store.GetMessageLeg("s-1")
	require.NoError(t, err)
	assert.Equal(t, "osmo-hub-exec-9", leg.ExecTxHash)
}

func TestMessageExecutionRevertStaysParked(t *testing.T) {
	cfg := testConfig()
	tracker, h := newMessageFixture(t, cfg)
	channel := ChannelName("basechain", "osmo-hub")
	h.relay.set(channel, 7, DeliveryStatus{Delivered: true, ExecError: "contract rejected payload"})
	st := createTestSettlement(t, h.store, "s-1")

	status, err := tracker.Run(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, MessageStuck, status)

	// an execution revert is never auto-resubmitted; a second run stays parked
	status, err = tracker.Run(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, MessageStuck, status)
	assert.Equal(t, 1, h.src.actionCount("send"))
}
