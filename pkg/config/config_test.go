package config

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadYAMLWithEnvOverrides(t *testing.T) {
	path := writeFile(t, `
server:
  port: "9000"
store:
  driver: memory
log:
  level: debug
platform_policies:
  - negotiation_type: schedule
    max_turns: 3
    allow_counter: true
    close_on_accept: true
`)
	t.Setenv("SERVICE_PORT", "9100")
	t.Setenv("EXPORT_RATE_PER_SECOND", "0.5")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "9100", cfg.Server.Port)
	require.Equal(t, DriverMemory, cfg.Store.Driver)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, 0.5, cfg.Export.RatePerSecond)
	require.Len(t, cfg.PlatformPolicies, 1)

	p := cfg.PlatformPolicies[0].Policy()
	require.Equal(t, "schedule", p.NegotiationType)
	require.Equal(t, 3, p.MaxTurns)
	require.True(t, p.AllowCounter)
	require.True(t, p.CloseOnAccept)
	require.False(t, p.CloseOnDecline)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.ErrorContains(t, err, "config file not found")
}

func TestValidateFailsClosed(t *testing.T) {
	cfg := Default()
	require.ErrorContains(t, cfg.Validate(), "DATABASE_URL")

	cfg.Store.Driver = "sqlite"
	require.ErrorContains(t, cfg.Validate(), "unknown store driver")

	cfg.Store.Driver = DriverMemory
	cfg.Attestation.SigningKey = "abc"
	require.ErrorContains(t, cfg.Validate(), "ATTEST_ACTIVE_KEY_ID")

	cfg.Attestation.SigningKey = ""
	cfg.PlatformPolicies = []PolicySeed{{NegotiationType: "schedule", MaxTurns: 0}}
	require.ErrorContains(t, cfg.Validate(), "max_turns")
}

func TestKeyRingIncludesActiveSigner(t *testing.T) {
	oldPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	cfg := Default()
	cfg.Store.Driver = DriverMemory
	t.Setenv("ATTEST_ACTIVE_KEY_ID", "k2")
	t.Setenv("ATTEST_SIGNING_KEY", base64.StdEncoding.EncodeToString(priv.Seed()))
	t.Setenv("ATTEST_PUBLIC_KEYS", "k1:"+base64.StdEncoding.EncodeToString(oldPub))
	require.NoError(t, cfg.applyEnv(os.Getenv))
	require.NoError(t, cfg.Validate())

	signer, err := cfg.Signer()
	require.NoError(t, err)
	require.Equal(t, "k2", signer.KeyID)

	ring, err := cfg.KeyRing()
	require.NoError(t, err)
	require.Len(t, ring, 2)
	require.Contains(t, ring, "k1")
	require.Contains(t, ring, "k2")
}

func TestKeyRingMergesFileAndEnv(t *testing.T) {
	filePub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	envPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	cfg := Default()
	cfg.Store.Driver = DriverMemory
	cfg.Attestation.PublicKeys = map[string]string{
		"k0": base64.StdEncoding.EncodeToString(filePub),
		"k1": base64.StdEncoding.EncodeToString(filePub),
	}
	t.Setenv("ATTEST_PUBLIC_KEYS", "k1:"+base64.StdEncoding.EncodeToString(envPub))
	require.NoError(t, cfg.applyEnv(os.Getenv))
	require.NoError(t, cfg.Validate())

	ring, err := cfg.KeyRing()
	require.NoError(t, err)
	require.Len(t, ring, 2)
	require.Equal(t, filePub, ring["k0"])
	require.Equal(t, envPub, ring["k1"])
}

func TestValidateRejectsBadPublicKeys(t *testing.T) {
	cfg := Default()
	cfg.Store.Driver = DriverMemory
	t.Setenv("ATTEST_PUBLIC_KEYS", "k1")
	require.NoError(t, cfg.applyEnv(os.Getenv))
	require.ErrorContains(t, cfg.Validate(), "id:key")

	cfg.Attestation.PublicKeysEnv = "k1:not-a-key"
	require.ErrorContains(t, cfg.Validate(), "public key k1")
}

func TestValidateRejectsActiveKeyMismatch(t *testing.T) {
	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	cfg := Default()
	cfg.Store.Driver = DriverMemory
	cfg.Attestation.ActiveKeyID = "k2"
	cfg.Attestation.SigningKey = base64.StdEncoding.EncodeToString(priv.Seed())
	cfg.Attestation.PublicKeysEnv = "k2:" + base64.StdEncoding.EncodeToString(otherPub)
	require.ErrorContains(t, cfg.Validate(), "does not match ATTEST_SIGNING_KEY")

	cfg.Attestation.PublicKeysEnv = "k2:" + base64.StdEncoding.EncodeToString(pub)
	require.NoError(t, cfg.Validate())
}

func TestSignerAbsentWhenUnconfigured(t *testing.T) {
	cfg := Default()
	signer, err := cfg.Signer()
	require.NoError(t, err)
	require.Nil(t, signer)
}
