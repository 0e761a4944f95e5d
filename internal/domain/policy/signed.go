package policy

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gowebpki/jcs"
)

// SignedPackage wraps a policy bundle with its integrity hash and an
// HMAC-SHA256 signature over the signing envelope.
type SignedPackage struct {
	TenantID   string `json:"tenant_id" yaml:"tenant_id"`
	Version    string `json:"version" yaml:"version"`
	Signer     string `json:"signer" yaml:"signer"`
	BundleHash string `json:"bundle_hash" yaml:"bundle_hash"`
	Bundle     Bundle `json:"bundle" yaml:"bundle"`
	Signature  string `json:"signature" yaml:"signature"`
}

// signingEnvelope is the exact structure the signature covers.
type signingEnvelope struct {
	TenantID   string `json:"tenant_id"`
	Version    string `json:"version"`
	BundleHash string `json:"bundle_hash"`
	Signer     string `json:"signer"`
}

// Verification failures. Callers treat any of these as "load the empty
// bundle"; they are surfaced for logging only.
var (
	ErrBundleHashMismatch = errors.New("bundle hash mismatch")
	ErrBadSignature       = errors.New("bundle signature invalid")
	ErrUnsignedBundle     = errors.New("bundle is unsigned")
)

// BundleHash computes the SHA-256 hex digest of the canonical JSON form of
// the bundle.
func BundleHash(b Bundle) (string, error) {
	encoded, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("encode bundle: %w", err)
	}
	canonical, err := jcs.Transform(encoded)
	if err != nil {
		return "", fmt.Errorf("canonicalize bundle: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Sign computes the package signature for the given pre-shared secret and
// fills in BundleHash and Signature.
func (p *SignedPackage) Sign(secret []byte) error {
	hash, err := BundleHash(p.Bundle)
	if err != nil {
		return err
	}
	p.BundleHash = hash

	sig, err := envelopeSignature(p, secret)
	if err != nil {
		return err
	}
	p.Signature = sig
	return nil
}

// Verify checks the bundle hash and signature in constant time and returns
// the verified bundle. On any failure it returns the empty bundle and the
// verification error; callers must not use the package bundle after failure.
//
// When requireSigned is true an unsigned package also verifies to the empty
// bundle.
func (p *SignedPackage) Verify(secret []byte, requireSigned bool) (Bundle, error) {
	if p.Signature == "" {
		if requireSigned {
			return Bundle{}, ErrUnsignedBundle
		}
		return p.Bundle, nil
	}

	wantHash, err := BundleHash(p.Bundle)
	if err != nil {
		return Bundle{}, err
	}
	if subtle.ConstantTimeCompare([]byte(wantHash), []byte(p.BundleHash)) != 1 {
		return Bundle{}, ErrBundleHashMismatch
	}

	wantSig, err := envelopeSignature(p, secret)
	if err != nil {
		return Bundle{}, err
	}
	if subtle.ConstantTimeCompare([]byte(wantSig), []byte(p.Signature)) != 1 {
		return Bundle{}, ErrBadSignature
	}

	return p.Bundle, nil
}

// VerifyOrEmpty verifies the package and falls back to the empty
// (deny-by-default) bundle on failure, logging the cause.
func (p *SignedPackage) VerifyOrEmpty(secret []byte, requireSigned bool, logger *slog.Logger) Bundle {
	bundle, err := p.Verify(secret, requireSigned)
	if err != nil {
		logger.Warn("policy package verification failed, loading empty bundle",
			"tenant_id", p.TenantID,
			"version", p.Version,
			"error", err)
		return Bundle{}
	}
	return bundle
}

// envelopeSignature computes HMAC-SHA256 over the canonical JSON of the
// signing envelope.
func envelopeSignature(p *SignedPackage, secret []byte) (string, error) {
	env := signingEnvelope{
		TenantID:   p.TenantID,
		Version:    p.Version,
		BundleHash: p.BundleHash,
		Signer:     p.Signer,
	}
	encoded, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encode signing envelope: %w", err)
	}
	canonical, err := jcs.Transform(encoded)
	if err != nil {
		return "", fmt.Errorf("canonicalize signing envelope: %w", err)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}
