package settler

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

type ReceiptStatus string

const (
	ReceiptPending   ReceiptStatus = "PENDING"
	ReceiptConfirmed ReceiptStatus = "CONFIRMED"
	ReceiptReverted  ReceiptStatus = "REVERTED"
	ReceiptUnknown   ReceiptStatus = "UNKNOWN"
)

type Receipt struct {
	Status        ReceiptStatus
	Height        int64
	Confirmations int64
}

type Event struct {
	TxHash string
	Height int64
	Name   string
	Attrs  map[string]string
}

type EventFilter struct {
	Name  string
	Attrs map[string]string
}

type TxPayload struct {
	To string
	// pre-signed raw transaction bytes; the coordinator never holds keys
	Data []byte
	// optional fee bump tag for resubmissions
	GasTag string
}

// ChainAdapter is the per-chain port for submitting transactions, reading
// receipts and polling event logs. Implementations are stateless per call and
// safe for concurrent use across unrelated settlements. Confirmation depth is
// the adapter's business: callers pass the settlement amount and get back a
// CONFIRMED receipt only once the chain-specific depth for that value is met.
type ChainAdapter interface {
	Chain() string
	Submit(ctx context.Context, payload TxPayload) (string, error)
	GetReceipt(ctx context.Context, txHash string, amount decimal.Decimal) (*Receipt, error)
	// PollEvents returns matching events at or after fromHeight plus the next
	// height to resume from. Finite per call, restartable from a saved height.
	PollEvents(ctx context.Context, filter EventFilter, fromHeight int64) ([]Event, int64, error)
}

// EVMAdapter talks JSON-RPC to an EVM chain.
type EVMAdapter struct {
	chain   string
	cfg     ChainEntry
	client  *http.Client
	limiter *rate.Limiter
	logger  *zerolog.Logger
}

func NewEVMAdapter(chain string, cfg ChainEntry, logger *zerolog.Logger) *EVMAdapter {
	rps := cfg.SubmitRatePerSecond
	if rps <= 0 {
		rps = 1
	}
	return &EVMAdapter{
		chain:   chain,
		cfg:     cfg,
		client:  &http.Client{},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		logger:  logger,
	}
}

func (a *EVMAdapter) Chain() string { return a.chain }

type rpcRequest struct {
	Jsonrpc string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	Id      int           `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error,omitempty"`
}

func (a *EVMAdapter) call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	payload, err := json.Marshal(rpcRequest{Jsonrpc: "2.0", Method: method, Params: params, Id: 1})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", a.cfg.RpcUrl, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Add("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if msg := httpRetryNote(resp.StatusCode); msg != "" {
		return nil, fmt.Errorf("%w: %s", ErrRateLimited, msg)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var data rpcResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, err
	}
	if data.Error != nil {
		return nil, fmt.Errorf("rpc error %d: %s", data.Error.Code, data.Error.Message)
	}
	return data.Result, nil
}

// Submit broadcasts a raw signed transaction. Rate limited per chain to
// respect nonce and fee-market constraints.
func (a *EVMAdapter) Submit(ctx context.Context, payload TxPayload) (string, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return "", &SubmissionError{Chain: a.chain, Err: err}
	}

	raw := "0x" + hex.EncodeToString(payload.Data)
	result, err := a.call(ctx, "eth_sendRawTransaction", raw)
	if err != nil {
		return "", &SubmissionError{Chain: a.chain, Err: err}
	}

	var txHash string
	if err := json.Unmarshal(result, &txHash); err != nil {
		return "", &SubmissionError{Chain: a.chain, Err: err}
	}
	a.logger.Debug().Str("chain", a.chain).Str("tx_hash", txHash).Msg("submitted tx")
	return txHash, nil
}

type evmReceipt struct {
	BlockNumber string `json:"blockNumber"`
	Status      string `json:"status"`
}

func (a *EVMAdapter) GetReceipt(ctx context.Context, txHash string, amount decimal.Decimal) (*Receipt, error) {
	result, err := a.call(ctx, "eth_getTransactionReceipt", txHash)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 || string(result) == "null" {
		return &Receipt{Status: ReceiptPending}, nil
	}

	var rec evmReceipt
	if err := json.Unmarshal(result, &rec); err != nil {
		return nil, err
	}
	height, err := parseHexInt(rec.BlockNumber)
	if err != nil {
		return &Receipt{Status: ReceiptUnknown}, nil
	}
	if rec.Status == "0x0" {
		return &Receipt{Status: ReceiptReverted, Height: height}, nil
	}

	tip, err := a.latestHeight(ctx)
	if err != nil {
		return nil, err
	}
	confirmations := tip - height + 1
	if confirmations < a.minConfirmations(amount) {
		return &Receipt{Status: ReceiptPending, Height: height, Confirmations: confirmations}, nil
	}
	return &Receipt{Status: ReceiptConfirmed, Height: height, Confirmations: confirmations}, nil
}

// minConfirmations scales the confirmation depth for high-value settlements.
func (a *EVMAdapter) minConfirmations(amount decimal.Decimal) int64 {
	min := a.cfg.MinConfirmations
	if min <= 0 {
		min = 1
	}
	if a.cfg.HighValueAmount == "" || a.cfg.HighValueConfirmations <= min {
		return min
	}
	threshold, err := decimal.NewFromString(a.cfg.HighValueAmount)
	if err != nil {
		a.logger.Warn().Str("chain", a.chain).Str("high_value_amount", a.cfg.HighValueAmount).Msg("invalid high value threshold")
		return min
	}
	if amount.GreaterThanOrEqual(threshold) {
		return a.cfg.HighValueConfirmations
	}
	return min
}

func (a *EVMAdapter) latestHeight(ctx context.Context) (int64, error) {
	result, err := a.call(ctx, "eth_blockNumber")
	if err != nil {
		return 0, err
	}
	var raw string
	if err := json.Unmarshal(result, &raw); err != nil {
		return 0, err
	}
	return parseHexInt(raw)
}

type evmLog struct {
	TransactionHash string   `json:"transactionHash"`
	BlockNumber     string   `json:"blockNumber"`
	Topics          []string `json:"topics"`
	Data            string   `json:"data"`
}

func (a *EVMAdapter) PollEvents(ctx context.Context, filter EventFilter, fromHeight int64) ([]Event, int64, error) {
	tip, err := a.latestHeight(ctx)
	if err != nil {
		return nil, fromHeight, err
	}
	if tip < fromHeight {
		return []Event{}, fromHeight, nil
	}

	params := map[string]interface{}{
		"fromBlock": "0x" + strconv.FormatInt(fromHeight, 16),
		"toBlock":   "0x" + strconv.FormatInt(tip, 16),
		"topics":    []string{eventTopic(filter.Name)},
	}
	if addr := a.cfg.MessageEndpoint; addr != "" {
		params["address"] = addr
	}

	result, err := a.call(ctx, "eth_getLogs", params)
	if err != nil {
		return nil, fromHeight, err
	}

	var logs []evmLog
	if err := json.Unmarshal(result, &logs); err != nil {
		return nil, fromHeight, err
	}

	events := []Event{}
	for _, l := range logs {
		height, err := parseHexInt(l.BlockNumber)
		if err != nil {
			continue
		}
		attrs, err := decodeLogData(l.Data)
		if err != nil {
			a.logger.Warn().Str("chain", a.chain).Str("tx_hash", l.TransactionHash).Err(err).Msg("undecodable log data")
			continue
		}
		if !attrsMatch(attrs, filter.Attrs) {
			continue
		}
		events = append(events, Event{
			TxHash: l.TransactionHash,
			Height: height,
			Name:   filter.Name,
			Attrs:  attrs,
		})
	}
	return events, tip + 1, nil
}

// eventTopic maps a logical event name to its log topic. The endpoint
// contracts emit ABI-encoded JSON blobs in the data field so the coordinator
// stays ABI-agnostic; only the topic hash is fixed per event name.
func eventTopic(name string) string {
	return "0x" + hex.EncodeToString([]byte(fmt.Sprintf("%-32s", name))[:32])
}

func decodeLogData(data string) (map[string]string, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(data, "0x"))
	if err != nil {
		return nil, err
	}
	attrs := map[string]string{}
	if err := json.Unmarshal(raw, &attrs); err != nil {
		return nil, err
	}
	return attrs, nil
}

func attrsMatch(attrs, want map[string]string) bool {
	for k, v := range want {
		if attrs[k] != v {
			return false
		}
	}
	return true
}

func parseHexInt(s string) (int64, error) {
	return strconv.ParseInt(strings.TrimPrefix(s, "0x"), 16, 64)
}
