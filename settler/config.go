package settler

import (
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	ChainKindEVM    = "evm"
	ChainKindCosmos = "cosmos"
)

type ChainEntry struct {
	Kind   string `json:"kind,omitempty" toml:"kind,omitempty"`
	RpcUrl string `json:"rpc_url,omitempty" toml:"rpc_url,omitempty"`
	ApiUrl string `json:"api_url,omitempty" toml:"api_url,omitempty"`
	// burn-and-mint messenger contract (evm source/dest)
	TokenMessenger string `json:"token_messenger,omitempty" toml:"token_messenger,omitempty"`
	// cross-chain message endpoint contract on the source chain
	MessageEndpoint string `json:"message_endpoint,omitempty" toml:"message_endpoint,omitempty"`
	// wasm settlement contract (cosmos dest)
	Contract     string `json:"contract,omitempty" toml:"contract,omitempty"`
	Bech32Prefix string `json:"bech32_prefix,omitempty" toml:"bech32_prefix,omitempty"`
	MinConfirmations      int64   `json:"min_confirmations,omitempty" toml:"min_confirmations,omitempty"`
	HighValueAmount       string  `json:"high_value_amount,omitempty" toml:"high_value_amount,omitempty"`
	HighValueConfirmations int64  `json:"high_value_confirmations,omitempty" toml:"high_value_confirmations,omitempty"`
	SubmitRatePerSecond   float64 `json:"submit_rate_per_second,omitempty" toml:"submit_rate_per_second,omitempty"`
	Workers               int     `json:"workers,omitempty" toml:"workers,omitempty"`
}

// SettlementContract is the contract mints and executions are addressed to:
// the token messenger on EVM chains, the wasm contract on cosmos chains.
func (e ChainEntry) SettlementContract() string {
	if e.Kind == ChainKindCosmos {
		return e.Contract
	}
	return e.TokenMessenger
}

type AttestationConfig struct {
	Url string `json:"url,omitempty" toml:"url,omitempty"`
	// hex-compressed secp256k1 key of the attestation service
	AttesterPubKey string `json:"attester_pubkey,omitempty" toml:"attester_pubkey,omitempty"`
}

type RelayConfig struct {
	Url string `json:"url,omitempty" toml:"url,omitempty"`
}

type DeadlineConfig struct {
	BurnConfirmSeconds int `json:"burn_confirm_seconds,omitempty" toml:"burn_confirm_seconds,omitempty"`
	AttestationSeconds int `json:"attestation_seconds,omitempty" toml:"attestation_seconds,omitempty"`
	MintSeconds        int `json:"mint_seconds,omitempty" toml:"mint_seconds,omitempty"`
	SendConfirmSeconds int `json:"send_confirm_seconds,omitempty" toml:"send_confirm_seconds,omitempty"`
	DeliverySeconds    int `json:"delivery_seconds,omitempty" toml:"delivery_seconds,omitempty"`
	ExecutionSeconds   int `json:"execution_seconds,omitempty" toml:"execution_seconds,omitempty"`
}

type SweeperConfig struct {
	IntervalSeconds int `json:"interval_seconds,omitempty" toml:"interval_seconds,omitempty"`
	GraceSeconds    int `json:"grace_seconds,omitempty" toml:"grace_seconds,omitempty"`
	EscalateSeconds int `json:"escalate_seconds,omitempty" toml:"escalate_seconds,omitempty"`
	RetentionHours  int `json:"retention_hours,omitempty" toml:"retention_hours,omitempty"`
}

type Config struct {
	ListenAddr string                `json:"listen_addr,omitempty" toml:"listen_addr,omitempty"`
	Chains     map[string]ChainEntry `json:"chains,omitempty" toml:"chains,omitempty"`

	Attestation AttestationConfig `json:"attestation,omitempty" toml:"attestation,omitempty"`
	Relay       RelayConfig       `json:"relay,omitempty" toml:"relay,omitempty"`
	Deadlines   DeadlineConfig    `json:"deadlines,omitempty" toml:"deadlines,omitempty"`
	Sweeper     SweeperConfig     `json:"sweeper,omitempty" toml:"sweeper,omitempty"`

	MaxMintAttempts    int `json:"max_mint_attempts,omitempty" toml:"max_mint_attempts,omitempty"`
	PollIntervalMillis int `json:"poll_interval_millis,omitempty" toml:"poll_interval_millis,omitempty"`
}

func MustLoadConfig(path string) *Config {
	cfg := &Config{}
	file, err := os.ReadFile(path)
	if err != nil {
		panic(err)
	}

	if err = toml.Unmarshal(file, cfg); err != nil {
		panic(err)
	}
	cfg.ApplyDefaults()
	return cfg
}

func (c *Config) ApplyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8085"
	}
	if c.MaxMintAttempts == 0 {
		c.MaxMintAttempts = 3
	}
	if c.PollIntervalMillis == 0 {
		c.PollIntervalMillis = 5000
	}
	if c.Deadlines.BurnConfirmSeconds == 0 {
		c.Deadlines.BurnConfirmSeconds = 600
	}
	if c.Deadlines.AttestationSeconds == 0 {
		c.Deadlines.AttestationSeconds = 1800
	}
	if c.Deadlines.MintSeconds == 0 {
		c.Deadlines.MintSeconds = 900
	}
	if c.Deadlines.SendConfirmSeconds == 0 {
		c.Deadlines.SendConfirmSeconds = 600
	}
	if c.Deadlines.DeliverySeconds == 0 {
		c.Deadlines.DeliverySeconds = 1800
	}
	if c.Deadlines.ExecutionSeconds == 0 {
		c.Deadlines.ExecutionSeconds = 900
	}
	if c.Sweeper.IntervalSeconds == 0 {
		c.Sweeper.IntervalSeconds = 60
	}
	if c.Sweeper.GraceSeconds == 0 {
		c.Sweeper.GraceSeconds = 300
	}
	if c.Sweeper.EscalateSeconds == 0 {
		c.Sweeper.EscalateSeconds = 7200
	}
	if c.Sweeper.RetentionHours == 0 {
		c.Sweeper.RetentionHours = 24 * 14
	}
	for name, entry := range c.Chains {
		if entry.Kind == ChainKindCosmos && entry.Bech32Prefix == "" {
			entry.Bech32Prefix = "osmo"
			c.Chains[name] = entry
		}
	}
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMillis) * time.Millisecond
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (d DeadlineConfig) BurnConfirm() time.Duration { return seconds(d.BurnConfirmSeconds) }
func (d DeadlineConfig) Attestation() time.Duration { return seconds(d.AttestationSeconds) }
func (d DeadlineConfig) Mint() time.Duration        { return seconds(d.MintSeconds) }
func (d DeadlineConfig) SendConfirm() time.Duration { return seconds(d.SendConfirmSeconds) }
func (d DeadlineConfig) Delivery() time.Duration    { return seconds(d.DeliverySeconds) }
func (d DeadlineConfig) Execution() time.Duration   { return seconds(d.ExecutionSeconds) }

func (s SweeperConfig) Interval() time.Duration  { return seconds(s.IntervalSeconds) }
func (s SweeperConfig) Grace() time.Duration     { return seconds(s.GraceSeconds) }
func (s SweeperConfig) Escalate() time.Duration  { return seconds(s.EscalateSeconds) }
func (s SweeperConfig) Retention() time.Duration { return time.Duration(s.RetentionHours) * time.Hour }
