package settler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransferTransitions(t *testing.T) {
	all := []TransferStatus{TransferPending, TransferBurned, TransferAttested, TransferMinted, TransferStuck, TransferFailed}

	for _, s := range all {
		assert.False(t, ValidTransferTransition(s, s), "self transition %s", s)
	}

	// terminal states are frozen
	for _, from := range []TransferStatus{TransferMinted, TransferFailed} {
		for _, to := range all {
			assert.False(t, ValidTransferTransition(from, to), "%s -> %s", from, to)
		}
	}

	// forward progress
	assert.True(t, ValidTransferTransition(TransferPending, TransferBurned))
	assert.True(t, ValidTransferTransition(TransferBurned, TransferAttested))
	assert.True(t, ValidTransferTransition(TransferAttested, TransferMinted))

	// never backwards between progress states
	assert.False(t, ValidTransferTransition(TransferBurned, TransferPending))
	assert.False(t, ValidTransferTransition(TransferAttested, TransferBurned))
	assert.False(t, ValidTransferTransition(TransferMinted, TransferAttested))

	// any non-terminal state can park
	for _, from := range []TransferStatus{TransferPending, TransferBurned, TransferAttested} {
		assert.True(t, ValidTransferTransition(from, TransferStuck), "%s -> STUCK", from)
	}

	// a parked leg resumes to whatever position reconciliation derives
	for _, to := range []TransferStatus{TransferPending, TransferBurned, TransferAttested, TransferMinted} {
		assert.True(t, ValidTransferTransition(TransferStuck, to), "STUCK -> %s", to)
	}

	// conclusive failure only before any value moved
	assert.True(t, ValidTransferTransition(TransferPending, TransferFailed))
	assert.True(t, ValidTransferTransition(TransferStuck, TransferFailed))
	assert.False(t, ValidTransferTransition(TransferBurned, TransferFailed))
	assert.False(t, ValidTransferTransition(TransferAttested, TransferFailed))
}

func TestMessageTransitions(t *testing.T) {
	all := []MessageStatus{MessagePending, MessageSent, MessageDelivered, MessageExecuted, MessageStuck, MessageFailed}

	for _, s := range all {
		assert.False(t, ValidMessageTransition(s, s), "self transition %s", s)
	}

	for _, from := range []MessageStatus{MessageExecuted, MessageFailed} {
		for _, to := range all {
			assert.False(t, ValidMessageTransition(from, to), "%s -> %s", from, to)
		}
	}

	assert.True(t, ValidMessageTransition(MessagePending, MessageSent))
	assert.True(t, ValidMessageTransition(MessageSent, MessageDelivered))
	assert.True(t, ValidMessageTransition(MessageDelivered, MessageExecuted))

	assert.False(t, ValidMessageTransition(MessageSent, MessagePending))
	assert.False(t, ValidMessageTransition(MessageDelivered, MessageSent))

	for _, from := range []MessageStatus{MessagePending, MessageSent, MessageDelivered} {
		assert.True(t, ValidMessageTransition(from, MessageStuck), "%s -> STUCK", from)
	}
	for _, to := range []MessageStatus{MessagePending, MessageSent, MessageDelivered, MessageExecuted} {
		assert.True(t, ValidMessageTransition(MessageStuck, to), "STUCK -> %s", to)
	}

	assert.True(t, ValidMessageTransition(MessagePending, MessageFailed))
	assert.True(t, ValidMessageTransition(MessageStuck, MessageFailed))
	assert.False(t, ValidMessageTransition(MessageSent, MessageFailed))
	assert.False(t, ValidMessageTransition(MessageDelivered, MessageFailed))
}

func TestRequestValidate(t *testing.T) {
	req := testRequest("s-1")
	require.NoError(t, req.Validate())

	cases := []struct {
		name   string
		mutate func(*SettlementRequest)
	}{
		{"missing id", func(r *SettlementRequest) { r.SettlementID = "" }},
		{"missing source", func(r *SettlementRequest) { r.SourceChain = "" }},
		{"missing dest", func(r *SettlementRequest) { r.DestChain = "" }},
		{"same chains", func(r *SettlementRequest) { r.DestChain = r.SourceChain }},
		{"bad amount", func(r *SettlementRequest) { r.Amount = "not-a-number" }},
		{"zero amount", func(r *SettlementRequest) { r.Amount = "0" }},
		{"negative amount", func(r *SettlementRequest) { r.Amount = "-5" }},
		{"missing asset", func(r *SettlementRequest) { r.Asset = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bad := testRequest("s-1")
			tc.mutate(bad)
			assert.Error(t, bad.Validate())
		})
	}
}

func TestRequestHash(t *testing.T) {
	a := testRequest("s-1")
	b := testRequest("s-1")
	assert.Equal(t, a.Hash(), b.Hash())

	b.Amount = "250.76"
	assert.NotEqual(t, a.Hash(), b.Hash())

	c := testRequest("s-1")
	c.Payload = []byte(`{"match_id":"m-99"}`)
	assert.NotEqual(t, a.Hash(), c.Hash())
}

func TestHTTPRetryNote(t *testing.T) {
	for _, code := range []int{429, 502, 503, 504} {
		assert.NotEmpty(t, httpRetryNote(code), "code %d", code)
	}
	assert.Empty(t, httpRetryNote(200))
	assert.Empty(t, httpRetryNote(404))
}
