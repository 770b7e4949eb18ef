package bundler

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"filippo.io/age"
	"github.com/btcsuite/btcutil/bech32"
	"gopkg.in/yaml.v3"
)

const (
	envAgeSecretKey = "AGE_SECRET_KEY"
	envAgePublicKey = "AGE_PUBLIC_KEY"

	// SignatureSuffix is appended to the bundle path to name its detached
	// signature.
	SignatureSuffix = ".sig"
)

// Signer signs bundles with an Ed25519 key derived from an age identity.
type Signer struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	recipient  string
}

// NewSignerFromEnv initialises a Signer from AGE_SECRET_KEY and/or
// AGE_PUBLIC_KEY. A public key alone yields a verify-only signer.
func NewSignerFromEnv() (*Signer, error) {
	return NewSigner(
		strings.TrimSpace(os.Getenv(envAgeSecretKey)),
		strings.TrimSpace(os.Getenv(envAgePublicKey)),
	)
}

// NewSigner builds a Signer from an age secret key (AGE-SECRET-KEY-1...)
// and a base64 Ed25519 public key. Either may be empty, not both.
func NewSigner(secret, pub string) (*Signer, error) {
	if secret == "" && pub == "" {
		return nil, fmt.Errorf("%s or %s must be set", envAgeSecretKey, envAgePublicKey)
	}

	var (
		privateKey ed25519.PrivateKey
		publicKey  ed25519.PublicKey
		recipient  string
	)

	if secret != "" {
		seed, err := decodeAgeSecretKey(secret)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", envAgeSecretKey, err)
		}
		privateKey = ed25519.NewKeyFromSeed(seed)
		publicKey = ed25519.PublicKey(privateKey[ed25519.SeedSize:])

		if identity, err := age.ParseX25519Identity(secret); err == nil {
			if r := identity.Recipient(); r != nil {
				recipient = r.String()
			}
		}
	}

	if pub != "" {
		decoded, err := base64.StdEncoding.DecodeString(pub)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", envAgePublicKey, err)
		}
		if l := len(decoded); l != ed25519.PublicKeySize {
			return nil, fmt.Errorf("%s must decode to %d bytes, got %d", envAgePublicKey, ed25519.PublicKeySize, l)
		}
		if publicKey == nil {
			publicKey = ed25519.PublicKey(decoded)
		} else if !bytes.Equal(publicKey, decoded) {
			return nil, errors.New("AGE_PUBLIC_KEY does not match AGE_SECRET_KEY")
		}
	}

	return &Signer{
		privateKey: privateKey,
		publicKey:  publicKey,
		recipient:  recipient,
	}, nil
}

// Sign produces a base64-encoded Ed25519 signature for the provided payload.
func (s *Signer) Sign(payload []byte) (string, error) {
	if s == nil {
		return "", errors.New("nil signer")
	}
	if len(s.privateKey) == 0 {
		return "", errors.New("signer configured without private key")
	}
	sig := ed25519.Sign(s.privateKey, payload)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks a base64 signature over payload against the signer's own
// public key. embeddedKey is the key recorded next to the signature; when
// present it must match.
func (s *Signer) Verify(payload []byte, signature, embeddedKey string) error {
	if s == nil {
		return errors.New("nil signer")
	}
	if len(s.publicKey) == 0 {
		return errors.New("signer configured without public key")
	}
	sigBytes, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if len(sigBytes) != ed25519.SignatureSize {
		return fmt.Errorf("invalid signature length %d", len(sigBytes))
	}

	key := s.publicKey
	if embeddedKey != "" {
		decoded, err := base64.StdEncoding.DecodeString(embeddedKey)
		if err != nil {
			return fmt.Errorf("decode signature public key: %w", err)
		}
		if l := len(decoded); l != ed25519.PublicKeySize {
			return fmt.Errorf("signature public key must be %d bytes, got %d", ed25519.PublicKeySize, l)
		}
		if !bytes.Equal(key, decoded) {
			return errors.New("bundle signed by unexpected key")
		}
	}

	if !ed25519.Verify(key, payload, sigBytes) {
		return errors.New("signature verification failed")
	}
	return nil
}

// CanSign reports whether the signer holds a private key.
func (s *Signer) CanSign() bool {
	return s != nil && len(s.privateKey) > 0
}

// PublicKeyBase64 returns the configured Ed25519 public key in base64 form.
func (s *Signer) PublicKeyBase64() string {
	if s == nil || len(s.publicKey) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(s.publicKey)
}

// Recipient returns the age recipient string if the signer was initialised with AGE_SECRET_KEY.
func (s *Signer) Recipient() string {
	if s == nil {
		return ""
	}
	return s.recipient
}

// Signature is the detached signature file written next to a bundle.
type Signature struct {
	Algorithm string `yaml:"algorithm"`
	PublicKey string `yaml:"public_key"`
	Recipient string `yaml:"recipient,omitempty"`
	SHA256    string `yaml:"sha256"`
	Signature string `yaml:"signature"`
}

// SignFile signs the file at path and writes the signature to path+".sig".
func (s *Signer) SignFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	sigPath := path + SignatureSuffix
	if err := s.WriteSignature(data, sigPath); err != nil {
		return "", err
	}
	return sigPath, nil
}

// WriteSignature signs data and writes the detached signature to sigPath.
func (s *Signer) WriteSignature(data []byte, sigPath string) error {
	sig, err := s.Sign(data)
	if err != nil {
		return err
	}
	doc, err := yaml.Marshal(Signature{
		Algorithm: "ed25519",
		PublicKey: s.PublicKeyBase64(),
		Recipient: s.Recipient(),
		SHA256:    sha256Hex(data),
		Signature: sig,
	})
	if err != nil {
		return fmt.Errorf("marshal signature: %w", err)
	}
	if err := os.WriteFile(sigPath, doc, 0o644); err != nil {
		return fmt.Errorf("write signature: %w", err)
	}
	return nil
}

// VerifyFile checks the detached signature at sigPath against the file at
// path.
func (s *Signer) VerifyFile(path, sigPath string) (*Signature, error) {
	raw, err := os.ReadFile(sigPath)
	if err != nil {
		return nil, fmt.Errorf("read signature: %w", err)
	}
	var sig Signature
	if err := yaml.Unmarshal(raw, &sig); err != nil {
		return nil, fmt.Errorf("parse signature: %w", err)
	}
	if sig.Algorithm != "ed25519" {
		return nil, fmt.Errorf("unsupported signature algorithm %q", sig.Algorithm)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if sig.SHA256 != "" && !strings.EqualFold(sig.SHA256, sha256Hex(data)) {
		return nil, errors.New("sha256 mismatch")
	}
	if err := s.Verify(data, sig.Signature, sig.PublicKey); err != nil {
		return nil, err
	}
	return &sig, nil
}

func decodeAgeSecretKey(raw string) ([]byte, error) {
	hrp, data, err := bech32.Decode(raw)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(hrp, "age-secret-key-") {
		return nil, fmt.Errorf("unexpected hrp %q", hrp)
	}
	decoded, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, err
	}
	if len(decoded) != ed25519.SeedSize {
		return nil, fmt.Errorf("unexpected seed length %d", len(decoded))
	}
	return decoded, nil
}
