// Package config loads service configuration from an optional YAML file with
// environment overrides. Key material is consumed here, never generated.
package config

import (
	"crypto"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/accordsai/negotiationlane/pkg/attest"
	"github.com/accordsai/negotiationlane/pkg/domain"
	"gopkg.in/yaml.v3"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"

	defaultPort        = "8085"
	defaultExportRate  = 2.0
	defaultExportBurst = 5
	defaultDBMaxConns  = 10
	defaultLogFormat   = "json"
	defaultLogLevel    = "info"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Store       StoreConfig       `yaml:"store"`
	Log         LogConfig         `yaml:"log"`
	Attestation AttestationConfig `yaml:"attestation"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Export      ExportConfig      `yaml:"export"`
	// PlatformPolicies are inserted at startup when no row exists for the type.
	PlatformPolicies []PolicySeed `yaml:"platform_policies"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
	Migrate  bool   `yaml:"migrate"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type AttestationConfig struct {
	ActiveKeyID string            `yaml:"active_key_id"`
	PublicKeys  map[string]string `yaml:"public_keys"`
	// PublicKeysEnv holds ATTEST_PUBLIC_KEYS as id:key entries. Entries here
	// replace file entries with the same id.
	PublicKeysEnv string `yaml:"-"`
	// SigningKey is only read from ATTEST_SIGNING_KEY.
	SigningKey string `yaml:"-"`
}

type GatewayConfig struct {
	// Token is only read from GATEWAY_TOKEN.
	Token string `yaml:"-"`
}

type ExportConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

type PolicySeed struct {
	NegotiationType        string `yaml:"negotiation_type"`
	MaxTurns               int    `yaml:"max_turns"`
	AllowCounter           bool   `yaml:"allow_counter"`
	CloseOnAccept          bool   `yaml:"close_on_accept"`
	CloseOnDecline         bool   `yaml:"close_on_decline"`
	ProviderCanInitiate    bool   `yaml:"provider_can_initiate"`
	StakeholderCanInitiate bool   `yaml:"stakeholder_can_initiate"`
	AllowProposalContext   bool   `yaml:"allow_proposal_context"`
}

func (s PolicySeed) Policy() domain.NegotiationPolicy {
	return domain.NegotiationPolicy{
		NegotiationType:        s.NegotiationType,
		MaxTurns:               s.MaxTurns,
		AllowCounter:           s.AllowCounter,
		CloseOnAccept:          s.CloseOnAccept,
		CloseOnDecline:         s.CloseOnDecline,
		ProviderCanInitiate:    s.ProviderCanInitiate,
		StakeholderCanInitiate: s.StakeholderCanInitiate,
		AllowProposalContext:   s.AllowProposalContext,
	}
}

func Default() *Config {
	return &Config{
		Server:   ServerConfig{Port: defaultPort},
		Database: DatabaseConfig{MaxConns: defaultDBMaxConns},
		Store:    StoreConfig{Driver: DriverPostgres},
		Log:      LogConfig{Level: defaultLogLevel, Format: defaultLogFormat},
		Export:   ExportConfig{RatePerSecond: defaultExportRate, Burst: defaultExportBurst},
	}
}

// Load reads path (optional) over the defaults, applies environment overrides
// and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file not found: %s", path)
			}
			return nil, err
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.Server.Port, "SERVICE_PORT")
	set(&c.Database.URL, "DATABASE_URL")
	set(&c.Store.Driver, "STORE_DRIVER")
	set(&c.Log.Level, "LOG_LEVEL")
	set(&c.Log.Format, "LOG_FORMAT")
	set(&c.Attestation.ActiveKeyID, "ATTEST_ACTIVE_KEY_ID")
	set(&c.Attestation.SigningKey, "ATTEST_SIGNING_KEY")
	set(&c.Attestation.PublicKeysEnv, "ATTEST_PUBLIC_KEYS")
	set(&c.Gateway.Token, "GATEWAY_TOKEN")

	if v := strings.TrimSpace(getenv("DATABASE_MIGRATE")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("DATABASE_MIGRATE: %w", err)
		}
		c.Database.Migrate = b
	}
	if v := strings.TrimSpace(getenv("EXPORT_RATE_PER_SECOND")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("EXPORT_RATE_PER_SECOND: %w", err)
		}
		c.Export.RatePerSecond = f
	}
	return nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Port) == "" {
		return fmt.Errorf("server.port is required")
	}
	switch c.Store.Driver {
	case DriverPostgres:
		if strings.TrimSpace(c.Database.URL) == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Attestation.SigningKey != "" && strings.TrimSpace(c.Attestation.ActiveKeyID) == "" {
		return fmt.Errorf("ATTEST_ACTIVE_KEY_ID is required when ATTEST_SIGNING_KEY is set")
	}
	if _, err := c.KeyRing(); err != nil {
		return err
	}
	if c.Export.RatePerSecond < 0 || c.Export.Burst < 0 {
		return fmt.Errorf("export rate limits must be non-negative")
	}
	seen := map[string]struct{}{}
	for _, p := range c.PlatformPolicies {
		if !domain.ValidNegotiationType(p.NegotiationType) {
			return fmt.Errorf("platform policy type %q is malformed", p.NegotiationType)
		}
		if p.MaxTurns < domain.MinMaxTurns || p.MaxTurns > domain.MaxMaxTurns {
			return fmt.Errorf("platform policy %s: max_turns out of range", p.NegotiationType)
		}
		if _, dup := seen[p.NegotiationType]; dup {
			return fmt.Errorf("platform policy %s declared twice", p.NegotiationType)
		}
		seen[p.NegotiationType] = struct{}{}
	}
	return nil
}

// Signer returns the active signing identity, or nil when none is configured.
func (c *Config) Signer() (*attest.Signer, error) {
	if strings.TrimSpace(c.Attestation.SigningKey) == "" {
		return nil, nil
	}
	key, err := attest.ParsePrivateKey(c.Attestation.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("ATTEST_SIGNING_KEY: %w", err)
	}
	return &attest.Signer{KeyID: c.Attestation.ActiveKeyID, Key: key}, nil
}

// KeyRing returns every configured public key. The active signer's public key
// is always included under the active id; a configured key under that id must
// match it.
func (c *Config) KeyRing() (attest.KeyRing, error) {
	ids := make([]string, 0, len(c.Attestation.PublicKeys))
	for id := range c.Attestation.PublicKeys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	entries := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		entries = append(entries, id+":"+c.Attestation.PublicKeys[id])
	}
	if env := strings.TrimSpace(c.Attestation.PublicKeysEnv); env != "" {
		entries = append(entries, env)
	}
	ring, err := attest.ParseKeyRing(strings.Join(entries, ","))
	if err != nil {
		return nil, fmt.Errorf("attestation public keys: %w", err)
	}

	signer, err := c.Signer()
	if err != nil {
		return nil, err
	}
	if signer == nil {
		return ring, nil
	}
	active := signer.Key.Public()
	if configured, ok := ring[signer.KeyID]; ok && !samePublicKey(configured, active) {
		return nil, fmt.Errorf("public key %s does not match ATTEST_SIGNING_KEY", signer.KeyID)
	}
	ring[signer.KeyID] = active
	return ring, nil
}

func samePublicKey(a, b crypto.PublicKey) bool {
	k, ok := a.(interface{ Equal(crypto.PublicKey) bool })
	return ok && k.Equal(b)
}
