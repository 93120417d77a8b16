package keystore

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"os"
	"strings"
)

// StaticKeyStore holds the service's ed25519 signing keys in memory.
type StaticKeyStore struct {
	keys         map[string]ed25519.PrivateKey
	defaultKeyID string
}

// NewFromEnv builds a keystore from environment variables.
// LEDGER_SIGNING_KEYS format: "keyId:hex-seed,keyId2:hex-seed" where each
// seed is a 32-byte ed25519 seed. LEDGER_DEFAULT_KEY_ID sets the default.
// With no keys configured an ephemeral key is generated, which is fine for
// devnet and useless for anything durable.
func NewFromEnv() (*StaticKeyStore, error) {
	keys := make(map[string]ed25519.PrivateKey)
	raw := os.Getenv("LEDGER_SIGNING_KEYS")
	if raw != "" {
		for _, p := range strings.Split(raw, ",") {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			parts := strings.SplitN(p, ":", 2)
			if len(parts) != 2 {
				return nil, errors.New("invalid LEDGER_SIGNING_KEYS format")
			}
			seed, err := hex.DecodeString(parts[1])
			if err != nil {
				return nil, err
			}
			if len(seed) != ed25519.SeedSize {
				return nil, errors.New("ed25519 seed must be 32 bytes")
			}
			keys[parts[0]] = ed25519.NewKeyFromSeed(seed)
		}
	}

	defaultKeyID := os.Getenv("LEDGER_DEFAULT_KEY_ID")
	if len(keys) == 0 {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		keys["ephemeral"] = priv
		defaultKeyID = "ephemeral"
	}
	if defaultKeyID == "" {
		for id := range keys {
			defaultKeyID = id
			break
		}
	}

	return &StaticKeyStore{keys: keys, defaultKeyID: defaultKeyID}, nil
}

func (s *StaticKeyStore) GetKey(keyID string) (ed25519.PrivateKey, error) {
	key, ok := s.keys[keyID]
	if !ok {
		return nil, errors.New("key not found")
	}
	return key, nil
}

// DefaultKey returns the service's default signing key.
func (s *StaticKeyStore) DefaultKey() (ed25519.PrivateKey, error) {
	return s.GetKey(s.defaultKeyID)
}
