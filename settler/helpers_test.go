package settler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// a single connection so every query sees the same in-memory database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	logger := zerolog.Nop()
	store, err := NewStore(db, &logger)
	require.NoError(t, err)
	return store
}

func testConfig() *Config {
	return &Config{
		ListenAddr: ":0",
		Chains: map[string]ChainEntry{
			"basechain": {Kind: ChainKindEVM, Workers: 4, TokenMessenger: "0xmessenger", MessageEndpoint: "0xendpoint"},
			"osmo-hub":  {Kind: ChainKindCosmos, Workers: 4, Bech32Prefix: "osmo", Contract: "osmo1settle"},
		},
		Deadlines: DeadlineConfig{
			BurnConfirmSeconds: 5,
			AttestationSeconds: 5,
			MintSeconds:        5,
			SendConfirmSeconds: 5,
			DeliverySeconds:    5,
			ExecutionSeconds:   5,
		},
		Sweeper: SweeperConfig{
			IntervalSeconds: 3600,
			GraceSeconds:    1,
			EscalateSeconds: 3600,
			RetentionHours:  1,
		},
		MaxMintAttempts:    3,
		PollIntervalMillis: 10,
	}
}

func testRequest(id string) *SettlementRequest {
	return &SettlementRequest{
		SettlementID: id,
		SourceChain:  "basechain",
		DestChain:    "osmo-hub",
		Amount:       "250.75",
		Asset:        "usdc",
		Payload:      []byte(`{"match_id":"m-88","winner":"p1"}`),
	}
}

// fakeAdapter is an in-memory chain: submitted transactions get receipts
// immediately and tests can script reverts, submission outages, and events.
type fakeAdapter struct {
	mu            sync.Mutex
	chain         string
	counter       int
	submitted     []TxPayload
	failSubmits   int
	revertActions map[string]bool
	receipts      map[string]*Receipt
	events        []Event
	// when > 0, a confirmed send emits a message_dispatched event carrying it
	dispatchSeq int64
}

func newFakeAdapter(chain string) *fakeAdapter {
	return &fakeAdapter{
		chain:         chain,
		revertActions: map[string]bool{},
		receipts:      map[string]*Receipt{},
	}
}

func (f *fakeAdapter) Chain() string { return f.chain }

func (f *fakeAdapter) Submit(ctx context.Context, payload TxPayload) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failSubmits > 0 {
		f.failSubmits--
		return "", &SubmissionError{Chain: f.chain, Err: errors.New("mempool unavailable")}
	}

	var fields map[string]string
	_ = json.Unmarshal(payload.Data, &fields)
	action := fields["action"]

	f.counter++
	txHash := fmt.Sprintf("%s-%s-%d", f.chain, action, f.counter)
	f.submitted = append(f.submitted, payload)

	if f.revertActions[action] {
		f.receipts[txHash] = &Receipt{Status: ReceiptReverted, Height: 100}
		return txHash, nil
	}
	f.receipts[txHash] = &Receipt{Status: ReceiptConfirmed, Height: 100, Confirmations: 12}

	if action == "send" && f.dispatchSeq > 0 {
		f.events = append(f.events, Event{
			TxHash: txHash,
			Height: 100,
			Name:   "message_dispatched",
			Attrs: map[string]string{
				"settlement_id": fields["settlement_id"],
				"sequence":      strconv.FormatInt(f.dispatchSeq, 10),
			},
		})
	}
	return txHash, nil
}

func (f *fakeAdapter) GetReceipt(ctx context.Context, txHash string, amount decimal.Decimal) (*Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.receipts[txHash]; ok {
		return rec, nil
	}
	return &Receipt{Status: ReceiptUnknown}, nil
}

func (f *fakeAdapter) PollEvents(ctx context.Context, filter EventFilter, fromHeight int64) ([]Event, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	matched := []Event{}
	for _, ev := range f.events {
		if ev.Name != filter.Name {
			continue
		}
		ok := true
		for k, v := range filter.Attrs {
			if ev.Attrs[k] != v {
				ok = false
				break
			}
		}
		if ok {
			matched = append(matched, ev)
		}
	}
	return matched, fromHeight, nil
}

func (f *fakeAdapter) addEvent(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

// lastTarget returns the contract the most recent submission for action was
// addressed to.
func (f *fakeAdapter) lastTarget(action string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	target := ""
	for _, p := range f.submitted {
		var fields map[string]string
		_ = json.Unmarshal(p.Data, &fields)
		if fields["action"] == action {
			target = fields["contract"]
		}
	}
	return target
}

func (f *fakeAdapter) actionCount(action string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.submitted {
		var fields map[string]string
		_ = json.Unmarshal(p.Data, &fields)
		if fields["action"] == action {
			n++
		}
	}
	return n
}

type fakeAttestation struct {
	mu         sync.Mutex
	calls      int
	readyAfter int
}

func (f *fakeAttestation) GetAttestation(ctx context.Context, burnTxHash string) (*Attestation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.readyAfter {
		return nil, ErrAttestationPending
	}
	return &Attestation{
		ID:        "att-" + burnTxHash,
		Message:   []byte("burn " + burnTxHash),
		Signature: []byte("sig"),
	}, nil
}

func (f *fakeAttestation) setReady() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readyAfter = 0
	f.calls = 0
}

type fakeRelay struct {
	mu       sync.Mutex
	statuses map[string]DeliveryStatus
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{statuses: map[string]DeliveryStatus{}}
}

func relayKey(channel string, sequence int64) string {
	return fmt.Sprintf("%s/%d", channel, sequence)
}

func (f *fakeRelay) GetDelivery(ctx context.Context, channel string, sequence int64) (*DeliveryStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if status, ok := f.statuses[relayKey(channel, sequence)]; ok {
		return &status, nil
	}
	return &DeliveryStatus{Channel: channel, Sequence: sequence}, nil
}

func (f *fakeRelay) set(channel string, sequence int64, status DeliveryStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status.Channel = channel
	status.Sequence = sequence
	f.statuses[relayKey(channel, sequence)] = status
}

// testHarness wires an orchestrator over fakes for end-to-end scenarios.
type testHarness struct {
	store   *Store
	orch    *Orchestrator
	src     *fakeAdapter
	dest    *fakeAdapter
	attest  *fakeAttestation
	relay   *fakeRelay
	cfg     *Config
	metrics *Metrics
}

func newHarness(t *testing.T, cfg *Config) *testHarness {
	t.Helper()
	store := newTestStore(t)
	src := newFakeAdapter("basechain")
	src.dispatchSeq = 7
	dest := newFakeAdapter("osmo-hub")
	attest := &fakeAttestation{}
	relay := newFakeRelay()
	metrics := NewMetrics()
	logger := zerolog.Nop()

	orch := NewOrchestrator(store, map[string]ChainAdapter{
		"basechain": src,
		"osmo-hub":  dest,
	}, attest, relay, cfg, &logger, metrics)

	return &testHarness{
		store:   store,
		orch:    orch,
		src:     src,
		dest:    dest,
		attest:  attest,
		relay:   relay,
		cfg:     cfg,
		metrics: metrics,
	}
}

// primeMessageLeg makes the relay and destination chain ready to complete the
// message leg for the given request.
func (h *testHarness) primeMessageLeg(req *SettlementRequest) {
	channel := ChannelName(req.SourceChain, req.DestChain)
	h.relay.set(channel, h.src.dispatchSeq, DeliveryStatus{Delivered: true})
	h.dest.addEvent(Event{
		TxHash: "osmo-hub-exec-1",
		Height: 200,
		Name:   "settlement_executed",
		Attrs: map[string]string{
			"settlement_id":  req.SettlementID,
			"payload_sha256": payloadDigest(req.Payload),
		},
	})
}

func waitForSettlement(t *testing.T, store *Store, id string, want SettlementStatus) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		st, err := store.GetSettlement(id)
		require.NoError(t, err)
		if st.Status == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	st, _ := store.GetSettlement(id)
	t.Fatalf("settlement %s never reached %s, last status %s", id, want, st.Status)
}
