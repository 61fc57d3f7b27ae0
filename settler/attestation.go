package settler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/rs/zerolog"
)

// Attestation is the signed proof that a burn happened, required by the
// destination messenger before it mints.
type Attestation struct {
	ID        string
	Message   []byte
	Signature []byte
}

// AttestationClient queries the external attestation source by burn tx hash.
// Returns ErrAttestationPending until the attester has signed off.
type AttestationClient interface {
	GetAttestation(ctx context.Context, burnTxHash string) (*Attestation, error)
}

// HTTPAttestationClient polls an iris-style attestation API and verifies the
// returned signature against the configured attester key before handing the
// attestation to the tracker.
type HTTPAttestationClient struct {
	cfg         AttestationConfig
	client      *http.Client
	attesterKey *secp256k1.PublicKey
	logger      *zerolog.Logger
}

func NewHTTPAttestationClient(cfg AttestationConfig, logger *zerolog.Logger) (*HTTPAttestationClient, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(cfg.AttesterPubKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode attester pubkey: %w", err)
	}
	key, err := secp256k1.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse attester pubkey: %w", err)
	}
	return &HTTPAttestationClient{
		cfg:         cfg,
		client:      &http.Client{},
		attesterKey: key,
		logger:      logger,
	}, nil
}

type attestationResponse struct {
	Status      string `json:"status"` // pending_confirmations | complete
	ID          string `json:"id"`
	Message     string `json:"message"`     // hex
	Attestation string `json:"attestation"` // hex, 65-byte compact signature
}

func (c *HTTPAttestationClient) GetAttestation(ctx context.Context, burnTxHash string) (*Attestation, error) {
	fullURL := fmt.Sprintf("%s/v1/attestations/%s", c.cfg.Url, burnTxHash)
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
		return nil, ErrAttestationPending
	}
	if msg := httpRetryNote(resp.StatusCode); msg != "" {
		return nil, fmt.Errorf("%w: %s", ErrRateLimited, msg)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var data attestationResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, err
	}
	if data.Status != "complete" {
		return nil, ErrAttestationPending
	}

	message, err := hex.DecodeString(strings.TrimPrefix(data.Message, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode attestation message: %w", err)
	}
	signature, err := hex.DecodeString(strings.TrimPrefix(data.Attestation, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode attestation signature: %w", err)
	}

	att := &Attestation{ID: data.ID, Message: message, Signature: signature}
	if err := c.verify(att); err != nil {
		return nil, err
	}
	return att, nil
}

// verify rejects attestations not signed by the configured attester. A forged
// or corrupted attestation must never reach the mint submission.
func (c *HTTPAttestationClient) verify(att *Attestation) error {
	digest := sha256.Sum256(att.Message)
	recovered, _, err := ecdsa.RecoverCompact(att.Signature, digest[:])
	if err != nil {
		return fmt.Errorf("attestation signature check: %w", err)
	}
	if !recovered.IsEqual(c.attesterKey) {
		return fmt.Errorf("attestation signed by unexpected key")
	}
	return nil
}

// PollAttestation retries the attestation source with capped exponential
// backoff until the attestation is ready, the deadline passes, or the context
// is cancelled. Attestation latency dominates the whole settlement (minutes),
// so this never busy-spins.
func PollAttestation(ctx context.Context, client AttestationClient, burnTxHash string, initial, deadline time.Duration) (*Attestation, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial
	bo.MaxInterval = deadline / 4
	bo.MaxElapsedTime = deadline

	var att *Attestation
	op := func() error {
		a, err := client.GetAttestation(ctx, burnTxHash)
		if err != nil {
			return err
		}
		att = a
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return att, nil
}
