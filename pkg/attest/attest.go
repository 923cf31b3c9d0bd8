// Package attest signs and verifies canonical export documents.
//
// The signature covers the sha256 of the canonical encoding of the document with
// its "attestation" member removed. Verification recomputes that hash from the
// document itself, so a tampered payload fails with hash_mismatch even when the
// original signature is carried along unchanged.
package attest

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/accordsai/negotiationlane/pkg/canonhash"
	"github.com/accordsai/negotiationlane/pkg/domain"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	SignatureScopeHash = "hash"
	attestationField   = "attestation"
)

type Reason string

const (
	ReasonHashMismatch       Reason = "hash_mismatch"
	ReasonUnknownKey         Reason = "unknown_key"
	ReasonSignatureInvalid   Reason = "signature_invalid"
	ReasonMalformedDocument  Reason = "malformed_document"
	ReasonMissingAttestation Reason = "missing_attestation"
)

var ErrInvalidEncoding = errors.New("invalid encoding")

type Attestation struct {
	ExportHash     string `json:"exportHash"`
	Signature      string `json:"signature"`
	SigningKeyID   string `json:"signingKeyId"`
	SignedAt       string `json:"signedAt"`
	SignatureScope string `json:"signatureScope"`
}

// Signer is the single active signing identity.
type Signer struct {
	KeyID string
	Key   crypto.Signer
}

// KeyRing maps key ids to public keys. Historical keys stay here after rotation
// so older exports remain verifiable.
type KeyRing map[string]crypto.PublicKey

type Result struct {
	Verified     bool   `json:"verified"`
	SigningKeyID string `json:"signingKeyId,omitempty"`
	Hash         string `json:"hash,omitempty"`
	Reason       Reason `json:"reason,omitempty"`
}

// Attest hashes the canonical encoding of payload and signs the hash. payload
// must not carry an attestation of its own.
func Attest(payload any, signer *Signer, now time.Time) (Attestation, error) {
	if signer == nil || signer.Key == nil || strings.TrimSpace(signer.KeyID) == "" {
		return Attestation{}, domain.ErrSigningKeyNotConfigured
	}
	hashHex, _, err := canonhash.SHA256Hex(payload)
	if err != nil {
		return Attestation{}, fmt.Errorf("canonicalize payload: %w", err)
	}
	hash, err := hex.DecodeString(hashHex)
	if err != nil {
		return Attestation{}, err
	}
	sig, err := sign(signer.Key, hash)
	if err != nil {
		return Attestation{}, fmt.Errorf("sign export hash: %w", err)
	}
	return Attestation{
		ExportHash:     hashHex,
		Signature:      base64.StdEncoding.EncodeToString(sig),
		SigningKeyID:   signer.KeyID,
		SignedAt:       now.UTC().Format(time.RFC3339Nano),
		SignatureScope: SignatureScopeHash,
	}, nil
}

// Verify checks a full export document, attestation included.
func Verify(doc []byte, ring KeyRing) Result {
	// A document with duplicate keys reads differently depending on the parser,
	// so it is refused before any field is looked up.
	if _, err := canonhash.CanonicalizeJSON(doc); err != nil {
		return Result{Reason: ReasonMalformedDocument}
	}
	raw := gjson.GetBytes(doc, attestationField)
	if !raw.Exists() || !raw.IsObject() {
		return Result{Reason: ReasonMissingAttestation}
	}
	var att Attestation
	if err := json.Unmarshal([]byte(raw.Raw), &att); err != nil {
		return Result{Reason: ReasonMissingAttestation}
	}

	stripped, err := sjson.DeleteBytes(doc, attestationField)
	if err != nil {
		return Result{Reason: ReasonMalformedDocument}
	}
	canonical, err := canonhash.CanonicalizeJSON(stripped)
	if err != nil {
		return Result{Reason: ReasonMalformedDocument}
	}
	expected := sha256.Sum256(canonical)
	claimed, err := decodeLowerHex32(strings.TrimSpace(att.ExportHash))
	if err != nil || subtle.ConstantTimeCompare(expected[:], claimed) != 1 {
		return Result{SigningKeyID: att.SigningKeyID, Reason: ReasonHashMismatch}
	}

	pub, ok := ring[att.SigningKeyID]
	if !ok || pub == nil {
		return Result{SigningKeyID: att.SigningKeyID, Reason: ReasonUnknownKey}
	}
	if att.SignatureScope != SignatureScopeHash {
		return Result{SigningKeyID: att.SigningKeyID, Reason: ReasonSignatureInvalid}
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(att.Signature))
	if err != nil || !verifySignature(pub, expected[:], sig) {
		return Result{SigningKeyID: att.SigningKeyID, Reason: ReasonSignatureInvalid}
	}
	return Result{
		Verified:     true,
		SigningKeyID: att.SigningKeyID,
		Hash:         hex.EncodeToString(expected[:]),
	}
}

func sign(key crypto.Signer, hash []byte) ([]byte, error) {
	switch k := key.(type) {
	case ed25519.PrivateKey:
		return ed25519.Sign(k, hash), nil
	case *ecdsa.PrivateKey:
		return ecdsa.SignASN1(rand.Reader, k, hash)
	default:
		return nil, fmt.Errorf("unsupported signing key %T", key)
	}
}

func verifySignature(pub crypto.PublicKey, hash, sig []byte) bool {
	switch k := pub.(type) {
	case ed25519.PublicKey:
		if len(k) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
			return false
		}
		return ed25519.Verify(k, hash, sig)
	case *ecdsa.PublicKey:
		r, s, err := parseES256Signature(sig)
		if err != nil {
			return false
		}
		return ecdsa.Verify(k, hash, r, s)
	default:
		return false
	}
}

func decodeLowerHex32(s string) ([]byte, error) {
	if s == "" || s != strings.ToLower(s) {
		return nil, ErrInvalidEncoding
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidEncoding
	}
	if len(b) != sha256.Size {
		return nil, fmt.Errorf("%w: export hash length", ErrInvalidEncoding)
	}
	return b, nil
}
