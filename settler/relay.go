package settler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"
)

// DeliveryStatus is what the messaging channel's relay reports for one
// (channel, sequence) pair. Keyed by sequence, never by content, so duplicate
// and out-of-order relay attempts are distinguishable.
type DeliveryStatus struct {
	Channel    string `json:"channel"`
	Sequence   int64  `json:"sequence"`
	Delivered  bool   `json:"delivered"`
	Executed   bool   `json:"executed"`
	ExecTxHash string `json:"exec_tx_hash,omitempty"`
	ExecError  string `json:"exec_error,omitempty"`
}

type RelayClient interface {
	GetDelivery(ctx context.Context, channel string, sequence int64) (*DeliveryStatus, error)
}

type HTTPRelayClient struct {
	cfg    RelayConfig
	client *http.Client
	logger *zerolog.Logger
}

func NewHTTPRelayClient(cfg RelayConfig, logger *zerolog.Logger) *HTTPRelayClient {
	return &HTTPRelayClient{cfg: cfg, client: &http.Client{}, logger: logger}
}

func (c *HTTPRelayClient) GetDelivery(ctx context.Context, channel string, sequence int64) (*DeliveryStatus, error) {
	fullURL := fmt.Sprintf("%s/v1/channels/%s/deliveries/%d", c.cfg.Url, channel, sequence)
	req, err := http.NewRequestWithContext(ctx, "GET", fullURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Add("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// relay has not seen the sequence yet
		return &DeliveryStatus{Channel: channel, Sequence: sequence}, nil
	}
	if msg := httpRetryNote(resp.StatusCode); msg != "" {
		return nil, fmt.Errorf("%w: %s", ErrRateLimited, msg)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var data DeliveryStatus
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, err
	}
	return &data, nil
}
