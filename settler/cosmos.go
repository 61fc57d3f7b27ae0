package settler

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"cosmossdk.io/x/tx/decode"
	wasmtypes "github.com/CosmWasm/wasmd/x/wasm/types"
	"github.com/cosmos/cosmos-proto/anyutil"
	"github.com/cosmos/cosmos-sdk/codec"
	sdktypes "github.com/cosmos/cosmos-sdk/types"
	"github.com/cosmos/cosmos-sdk/types/tx"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// SettlementExecEnvelope is the wasm execute message the destination
// settlement contract accepts. Decoded from executed txs to confirm the
// payload was applied, not just delivered.
type SettlementExecEnvelope struct {
	ExecuteSettlement *ExecuteSettlementMsg `json:"execute_settlement"`
}

type ExecuteSettlementMsg struct {
	SettlementID string `json:"settlement_id"`
	Sequence     uint64 `json:"sequence"`
	Payload      string `json:"payload"` // base64
}

// CosmosAdapter drives a CosmWasm destination chain through its LCD API.
type CosmosAdapter struct {
	chain   string
	cfg     ChainEntry
	Codec   codec.Codec
	decoder *decode.Decoder
	client  *http.Client
	limiter *rate.Limiter
	logger  *zerolog.Logger
}

func NewCosmosAdapter(chain string, cfg ChainEntry, bech32Prefix string, logger *zerolog.Logger) *CosmosAdapter {
	rps := cfg.SubmitRatePerSecond
	if rps <= 0 {
		rps = 1
	}
	enc := MakeEncodingConfig()
	return &CosmosAdapter{
		chain:   chain,
		cfg:     cfg,
		Codec:   enc.Marshaler,
		decoder: MustInitDecoder(bech32Prefix),
		client:  &http.Client{},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		logger:  logger,
	}
}

func (a *CosmosAdapter) Chain() string { return a.chain }

func (a *CosmosAdapter) get(ctx context.Context, path string, params url.Values) ([]byte, int, error) {
	fullURL := fmt.Sprintf("%s%s", a.cfg.ApiUrl, path)
	if len(params) > 0 {
		fullURL = fmt.Sprintf("%s?%s", fullURL, params.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, "GET", fullURL, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Add("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if msg := httpRetryNote(resp.StatusCode); msg != "" {
		return nil, resp.StatusCode, fmt.Errorf("%w: %s", ErrRateLimited, msg)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

// Submit broadcasts pre-signed tx bytes through the LCD.
func (a *CosmosAdapter) Submit(ctx context.Context, payload TxPayload) (string, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return "", &SubmissionError{Chain: a.chain, Err: err}
	}

	broadcastReq := tx.BroadcastTxRequest{
		TxBytes: payload.Data,
		Mode:    tx.BroadcastMode_BROADCAST_MODE_SYNC,
	}
	reqBody, err := a.Codec.MarshalJSON(&broadcastReq)
	if err != nil {
		return "", &SubmissionError{Chain: a.chain, Err: err}
	}

	fullURL := fmt.Sprintf("%s/cosmos/tx/v1beta1/txs", a.cfg.ApiUrl)
	req, err := http.NewRequestWithContext(ctx, "POST", fullURL, bytes.NewReader(reqBody))
	if err != nil {
		return "", &SubmissionError{Chain: a.chain, Err: err}
	}
	req.Header.Add("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", &SubmissionError{Chain: a.chain, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &SubmissionError{Chain: a.chain, Err: err}
	}

	var data tx.BroadcastTxResponse
	if err := a.Codec.UnmarshalJSON(body, &data); err != nil {
		return "", &SubmissionError{Chain: a.chain, Err: err}
	}
	if data.TxResponse == nil {
		return "", &SubmissionError{Chain: a.chain, Err: fmt.Errorf("empty broadcast response")}
	}
	if data.TxResponse.Code != 0 {
		return "", &SubmissionError{Chain: a.chain, Err: fmt.Errorf("broadcast rejected, code %d: %s", data.TxResponse.Code, data.TxResponse.RawLog)}
	}
	a.logger.Debug().Str("chain", a.chain).Str("tx_hash", data.TxResponse.TxHash).Msg("broadcasted tx")
	return data.TxResponse.TxHash, nil
}

// GetReceipt resolves a tx by hash. Tendermint finality is immediate, so any
// committed tx counts as confirmed regardless of amount.
func (a *CosmosAdapter) GetReceipt(ctx context.Context, txHash string, amount decimal.Decimal) (*Receipt, error) {
	body, code, err := a.get(ctx, fmt.Sprintf("/cosmos/tx/v1beta1/txs/%s", txHash), nil)
	if err != nil {
		return nil, err
	}
	if code == http.StatusNotFound {
		return &Receipt{Status: ReceiptPending}, nil
	}

	var data tx.GetTxResponse
	if err := a.Codec.UnmarshalJSON(body, &data); err != nil {
		return nil, err
	}
	if data.TxResponse == nil {
		return &Receipt{Status: ReceiptUnknown}, nil
	}
	if data.TxResponse.Code != 0 {
		return &Receipt{Status: ReceiptReverted, Height: data.TxResponse.Height}, nil
	}
	return &Receipt{Status: ReceiptConfirmed, Height: data.TxResponse.Height, Confirmations: 1}, nil
}

// PollEvents queries executed settlement txs on the wasm contract and decodes
// each one down to its execute message so callers see what was applied.
func (a *CosmosAdapter) PollEvents(ctx context.Context, filter EventFilter, fromHeight int64) ([]Event, int64, error) {
	query := fmt.Sprintf("wasm._contract_address='%s' AND wasm.action='%s'", a.cfg.Contract, filter.Name)
	if id, ok := filter.Attrs["settlement_id"]; ok {
		query = fmt.Sprintf("%s AND wasm.settlement_id='%s'", query, id)
	}

	params := url.Values{}
	params.Add("order_by", "ORDER_BY_DESC")
	params.Add("query", query)

	body, _, err := a.get(ctx, "/cosmos/tx/v1beta1/txs", params)
	if err != nil {
		return nil, fromHeight, err
	}

	var data tx.GetTxsEventResponse
	if err := a.Codec.UnmarshalJSON(body, &data); err != nil {
		return nil, fromHeight, err
	}

	events := []Event{}
	next := fromHeight
	for _, txResponse := range data.TxResponses {
		if txResponse.Height < fromHeight {
			continue
		}
		if txResponse.Code != 0 {
			// delivered but the contract rejected it; surface as a reverted
			// execution so the tracker can park the leg
			events = append(events, Event{
				TxHash: txResponse.TxHash,
				Height: txResponse.Height,
				Name:   filter.Name,
				Attrs: map[string]string{
					"error": txResponse.RawLog,
				},
			})
		} else {
			for _, exec := range a.DecodeSettlementExecs(txResponse) {
				events = append(events, Event{
					TxHash: txResponse.TxHash,
					Height: txResponse.Height,
					Name:   filter.Name,
					Attrs:  execAttrs(exec),
				})
			}
		}
		if txResponse.Height >= next {
			next = txResponse.Height + 1
		}
	}
	return events, next, nil
}

// DecodeSettlementExecs unpacks every execute_settlement message in a tx.
// Messages of other types are skipped, matching how the contract batches.
func (a *CosmosAdapter) DecodeSettlementExecs(r *sdktypes.TxResponse) []SettlementExecEnvelope {
	execs := []SettlementExecEnvelope{}
	decodedTx, err := a.decoder.Decode(r.Tx.Value)
	if err != nil {
		return execs
	}

	for _, msg := range decodedTx.Messages {
		anyMsg, err := anyutil.New(msg)
		if err != nil {
			// types don't match -- skip
			continue
		}
		exec := wasmtypes.MsgExecuteContract{}
		if err := a.Codec.Unmarshal(anyMsg.Value, &exec); err != nil {
			// types don't match -- skip
			continue
		}

		envelope := SettlementExecEnvelope{}
		if err := json.Unmarshal(exec.Msg.Bytes(), &envelope); err != nil {
			// types don't match -- skip
			continue
		}
		if envelope.ExecuteSettlement == nil {
			continue
		}
		execs = append(execs, envelope)
	}
	return execs
}

func execAttrs(e SettlementExecEnvelope) map[string]string {
	attrs := map[string]string{
		"settlement_id": e.ExecuteSettlement.SettlementID,
		"sequence":      strconv.FormatUint(e.ExecuteSettlement.Sequence, 10),
	}
	if raw, err := base64.StdEncoding.DecodeString(e.ExecuteSettlement.Payload); err == nil {
		sum := sha256.Sum256(raw)
		attrs["payload_sha256"] = hex.EncodeToString(sum[:])
	}
	return attrs
}
