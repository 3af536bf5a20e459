// Package config loads server configuration from a YAML file with
// environment-variable overrides. Validation is fail-fast: a deployment
// missing its master key or payment address refuses to start instead of
// failing on the first purchase.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/pixelvault/pixelvault/pkg/vault"
)

// Config is the full configuration for both binaries. The facilitator only
// reads the Chain and Server sections.
type Config struct {
	Server struct {
		Listen  string `yaml:"listen"`
		BaseURL string `yaml:"baseUrl"`
	} `yaml:"server"`

	Chain struct {
		RPCURL      string `yaml:"rpcUrl"`
		Network     string `yaml:"network"`
		ExecutorKey string `yaml:"executorKey"`
	} `yaml:"chain"`

	Token struct {
		Asset   string `yaml:"asset"`
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"token"`

	Payment struct {
		PayTo string `yaml:"payTo"`
	} `yaml:"payment"`

	Vault struct {
		// MasterKeyHex supplies the master key directly as 64 hex chars.
		MasterKeyHex string `yaml:"masterKeyHex"`
		// Passphrase and SaltHex derive the master key with argon2id when
		// MasterKeyHex is not set.
		Passphrase string `yaml:"passphrase"`
		SaltHex    string `yaml:"saltHex"`
	} `yaml:"vault"`

	Storage struct {
		Root string `yaml:"root"`
	} `yaml:"storage"`

	Database struct {
		// DSN is the MySQL connection string. Empty selects the in-memory
		// ledger (development only).
		DSN string `yaml:"dsn"`
	} `yaml:"database"`

	Facilitator struct {
		// URL selects delegated verification and settlement. Empty runs both
		// locally against the chain RPC.
		URL            string `yaml:"url"`
		TimeoutSeconds int    `yaml:"timeoutSeconds"`
	} `yaml:"facilitator"`
}

// Load reads the YAML file, applies env overrides and defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	override(&c.Server.Listen, "PIXELVAULT_LISTEN")
	override(&c.Server.BaseURL, "PIXELVAULT_BASE_URL")
	override(&c.Chain.RPCURL, "PIXELVAULT_RPC_URL")
	override(&c.Chain.Network, "PIXELVAULT_NETWORK")
	override(&c.Chain.ExecutorKey, "PIXELVAULT_EXECUTOR_KEY")
	override(&c.Token.Asset, "PIXELVAULT_ASSET")
	override(&c.Payment.PayTo, "PIXELVAULT_PAY_TO")
	override(&c.Vault.MasterKeyHex, "PIXELVAULT_MASTER_KEY")
	override(&c.Vault.Passphrase, "PIXELVAULT_MASTER_PASSPHRASE")
	override(&c.Database.DSN, "PIXELVAULT_DB_DSN")
	override(&c.Facilitator.URL, "PIXELVAULT_FACILITATOR_URL")
	override(&c.Storage.Root, "PIXELVAULT_STORAGE_ROOT")
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Server.BaseURL == "" {
		c.Server.BaseURL = "http://localhost:8080"
	}
	if c.Chain.Network == "" {
		c.Chain.Network = "base-sepolia"
	}
	if c.Token.Name == "" {
		c.Token.Name = "USDC"
	}
	if c.Token.Version == "" {
		c.Token.Version = "2"
	}
	if c.Storage.Root == "" {
		c.Storage.Root = "data/blobs"
	}
	if c.Facilitator.TimeoutSeconds <= 0 {
		c.Facilitator.TimeoutSeconds = 30
	}
}

func override(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

// FacilitatorTimeout returns the facilitator call timeout as a duration.
func (c *Config) FacilitatorTimeout() time.Duration {
	return time.Duration(c.Facilitator.TimeoutSeconds) * time.Second
}

// MasterKey resolves the vault master key from the configured source.
func (c *Config) MasterKey() ([]byte, error) {
	if c.Vault.MasterKeyHex != "" {
		key, err := hex.DecodeString(c.Vault.MasterKeyHex)
		if err != nil || len(key) != 32 {
			return nil, fmt.Errorf("vault.masterKeyHex must be 64 hex characters")
		}
		return key, nil
	}
	if c.Vault.Passphrase != "" {
		salt, err := hex.DecodeString(c.Vault.SaltHex)
		if err != nil || len(salt) < 8 {
			return nil, fmt.Errorf("vault.saltHex must be at least 16 hex characters")
		}
		return vault.DeriveMasterKey(c.Vault.Passphrase, salt), nil
	}
	return nil, fmt.Errorf("no vault master key configured")
}

// ValidateGate checks the configuration needed by the resource server.
func (c *Config) ValidateGate() error {
	if _, err := c.MasterKey(); err != nil {
		return err
	}
	if c.Payment.PayTo == "" {
		return fmt.Errorf("payment.payTo is required")
	}
	if c.Token.Asset == "" {
		return fmt.Errorf("token.asset is required")
	}
	if c.Facilitator.URL == "" && c.Chain.RPCURL == "" {
		return fmt.Errorf("either facilitator.url or chain.rpcUrl is required")
	}
	return nil
}

// ValidateFacilitator checks the configuration needed by the facilitator.
func (c *Config) ValidateFacilitator() error {
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("chain.rpcUrl is required")
	}
	return nil
}
