package protocol

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Operation defines the escrow program instructions.
type Operation string

const (
	OpSessionCreate Operation = "SESSION_CREATE"
	OpSessionStart  Operation = "SESSION_START"
	OpSessionEnd    Operation = "SESSION_END"
	OpSessionCancel Operation = "SESSION_CANCEL"
	OpFaucet        Operation = "FAUCET"
)

var validOps = map[Operation]struct{}{
	OpSessionCreate: {},
	OpSessionStart:  {},
	OpSessionEnd:    {},
	OpSessionCancel: {},
	OpFaucet:        {},
}

// Tx is the signed, replicated instruction envelope.
type Tx struct {
	TxID      string          `json:"tx_id"`
	SessionID string          `json:"session_id,omitempty"`
	Nonce     string          `json:"nonce"`
	Timestamp time.Time       `json:"timestamp"`
	Actor     string          `json:"actor"`
	Op        Operation       `json:"op"`
	Payload   json.RawMessage `json:"payload"`
	PublicKey string          `json:"public_key"` // base64 raw ed25519 public key
	Signature string          `json:"signature"`  // base64 raw signature
}

type txSignable struct {
	SessionID string          `json:"session_id,omitempty"`
	Nonce     string          `json:"nonce"`
	Timestamp time.Time       `json:"timestamp"`
	Actor     string          `json:"actor"`
	Op        Operation       `json:"op"`
	Payload   json.RawMessage `json:"payload"`
	PublicKey string          `json:"public_key"`
}

// CanonicalBytes returns the deterministic signing payload. TxID is derived
// from these bytes, so it is excluded from them.
func (t Tx) CanonicalBytes() ([]byte, error) {
	signable := txSignable{
		SessionID: strings.TrimSpace(t.SessionID),
		Nonce:     strings.TrimSpace(t.Nonce),
		Timestamp: t.Timestamp.UTC(),
		Actor:     strings.TrimSpace(t.Actor),
		Op:        t.Op,
		Payload:   t.Payload,
		PublicKey: strings.TrimSpace(t.PublicKey),
	}
	return json.Marshal(signable)
}

// ComputeTxID returns the blake2b-256 hash of the canonical bytes, hex
// encoded. It doubles as the transaction signature handle surfaced to the
// reconciliation core.
func (t Tx) ComputeTxID() (string, error) {
	payload, err := t.CanonicalBytes()
	if err != nil {
		return "", err
	}
	sum := blake2b.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

// ValidateBasic checks required immutable tx fields.
func (t Tx) ValidateBasic() error {
	if strings.TrimSpace(t.TxID) == "" {
		return errors.New("tx_id is required")
	}
	if strings.TrimSpace(t.Nonce) == "" {
		return errors.New("nonce is required")
	}
	if strings.TrimSpace(t.Actor) == "" {
		return errors.New("actor is required")
	}
	if t.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	if _, ok := validOps[t.Op]; !ok {
		return fmt.Errorf("unsupported op: %s", t.Op)
	}
	if len(t.Payload) == 0 {
		return errors.New("payload is required")
	}
	if strings.TrimSpace(t.PublicKey) == "" {
		return errors.New("public_key is required")
	}
	if strings.TrimSpace(t.Signature) == "" {
		return errors.New("signature is required")
	}
	return nil
}

// Sign sets the tx id, public key and signature for the given private key.
func (t *Tx) Sign(privateKey ed25519.PrivateKey) error {
	if len(privateKey) != ed25519.PrivateKeySize {
		return errors.New("invalid private key")
	}
	t.PublicKey = base64.StdEncoding.EncodeToString(privateKey.Public().(ed25519.PublicKey))
	txID, err := t.ComputeTxID()
	if err != nil {
		return err
	}
	t.TxID = txID
	payload, err := t.CanonicalBytes()
	if err != nil {
		return err
	}
	t.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(privateKey, payload))
	return nil
}

// Verify validates the tx id and signature using the included public key.
func (t Tx) Verify() error {
	if err := t.ValidateBasic(); err != nil {
		return err
	}
	expectID, err := t.ComputeTxID()
	if err != nil {
		return err
	}
	if expectID != t.TxID {
		return errors.New("tx_id does not match canonical bytes")
	}
	pubRaw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(t.PublicKey))
	if err != nil {
		return fmt.Errorf("invalid public_key: %w", err)
	}
	if len(pubRaw) != ed25519.PublicKeySize {
		return errors.New("invalid public_key size")
	}
	sigRaw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(t.Signature))
	if err != nil {
		return fmt.Errorf("invalid signature: %w", err)
	}
	if len(sigRaw) != ed25519.SignatureSize {
		return errors.New("invalid signature size")
	}
	payload, err := t.CanonicalBytes()
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(pubRaw), payload, sigRaw) {
		return errors.New("signature verification failed")
	}
	return nil
}

// DecodePayload decodes operation payloads.
func DecodePayload[T any](raw json.RawMessage) (T, error) {
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}

type SessionCreatePayload struct {
	SessionID  string `json:"session_id"`
	ExpertRef  string `json:"expert_ref"`
	ShopperRef string `json:"shopper_ref"`
	Amount     uint64 `json:"amount"`
}

type SessionStartPayload struct {
	SessionID string `json:"session_id"`
}

type SessionEndPayload struct {
	SessionID string `json:"session_id"`
}

type SessionCancelPayload struct {
	SessionID string `json:"session_id"`
	RefundBps int    `json:"refund_bps"`
}

type FaucetPayload struct {
	AccountRef string `json:"account_ref"`
	Amount     uint64 `json:"amount"`
}
