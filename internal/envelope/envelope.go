// Package envelope implements the signed, optionally encrypted wire unit
// exchanged between fabric services. Every envelope carries a nonce and an
// RFC3339 timestamp; receivers enforce a ±300s freshness window and a
// sliding-window replay cache over accepted nonces.
package envelope

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/boardroom-tee/fabric/internal/clock"
	"github.com/boardroom-tee/fabric/internal/errkind"
	"github.com/boardroom-tee/fabric/internal/keystore"
)

// FreshnessWindow is the maximum acceptable envelope age, and the retention
// of the replay cache.
const FreshnessWindow = 300 * time.Second

// Message kinds used across the fabric.
const (
	TypeCollaborationRequest  = "collaboration_request"
	TypeCollaborationResponse = "collaboration_response"
	TypeDataPackage           = "data_package"
	TypeHeartbeat             = "heartbeat"
	TypeError                 = "error"
)

// Message is the inner, signed unit.
type Message struct {
	SenderID    string         `json:"sender_id"`
	RecipientID string         `json:"recipient_id"`
	MessageType string         `json:"message_type"`
	Timestamp   string         `json:"timestamp"` // RFC3339 UTC
	Nonce       string         `json:"nonce"`     // 16 random bytes, hex
	Payload     map[string]any `json:"payload"`
}

// Envelope is the wire form: a signature over the canonical serialization
// of the message, plus either the plaintext message or a ciphertext blob.
type Envelope struct {
	Encrypted         bool     `json:"encrypted"`
	Message           *Message `json:"message,omitempty"`
	EncryptedPayload  string   `json:"encrypted_payload,omitempty"`
	Signature         string   `json:"signature"`
	SenderPublicKey   string   `json:"sender_public_key"`
	SenderFingerprint string   `json:"sender_fingerprint"`
}

// Sealer builds outbound envelopes for one sender identity.
type Sealer struct {
	senderID string
	keys     *keystore.Store
	clock    clock.Clock
}

// NewSealer creates a Sealer signing as senderID.
func NewSealer(senderID string, keys *keystore.Store, clk clock.Clock) *Sealer {
	return &Sealer{senderID: senderID, keys: keys, clock: clk}
}

// Seal builds a signed envelope. When recipientPEM is non-empty the
// canonical serialization is additionally encrypted under a fresh
// AES-256-GCM key; the wire format is identical either way to the receiver.
func (s *Sealer) Seal(recipientID, messageType string, payload map[string]any, recipientPEM string) (*Envelope, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	msg := &Message{
		SenderID:    s.senderID,
		RecipientID: recipientID,
		MessageType: messageType,
		Timestamp:   s.clock.Now().UTC().Format(time.RFC3339),
		Nonce:       hex.EncodeToString(nonce),
		Payload:     payload,
	}

	canonical, err := Canonicalize(msg)
	if err != nil {
		return nil, err
	}
	sig, err := s.keys.Sign(canonical)
	if err != nil {
		return nil, fmt.Errorf("sign envelope: %w", err)
	}

	env := &Envelope{
		Signature:         sig,
		SenderPublicKey:   s.keys.PublicPEM(),
		SenderFingerprint: s.keys.Fingerprint(),
	}

	if recipientPEM != "" {
		blob, err := encryptPayload(canonical)
		if err != nil {
			return nil, err
		}
		env.Encrypted = true
		env.EncryptedPayload = blob
	} else {
		env.Message = msg
	}
	return env, nil
}

// Opener verifies inbound envelopes.
type Opener struct {
	clock  clock.Clock
	replay *ReplayCache
}

// NewOpener creates an Opener with its own replay cache.
func NewOpener(clk clock.Clock) *Opener {
	return &Opener{clock: clk, replay: NewReplayCache(clk, FreshnessWindow)}
}

// Open runs the mandatory verification sequence and returns the inner
// message. Each failure carries a distinct error kind. Only envelopes that
// pass every check are recorded in the replay cache.
func (o *Opener) Open(env *Envelope) (*Message, error) {
	if env.Signature == "" || env.SenderPublicKey == "" {
		return nil, errkind.New(errkind.EnvelopeSignatureInvalid, "missing signature or sender public key")
	}

	var msg *Message
	var canonical []byte
	if env.Encrypted {
		plaintext, err := decryptPayload(env.EncryptedPayload)
		if err != nil {
			return nil, errkind.Wrap(errkind.EnvelopeDecryptFailed, "decrypt envelope", err)
		}
		var m Message
		if err := json.Unmarshal(plaintext, &m); err != nil {
			return nil, errkind.Wrap(errkind.EnvelopeDecryptFailed, "decrypted payload is not a message", err)
		}
		msg = &m
		// Re-serialize canonically rather than trusting the decrypted bytes.
		canonical, err = Canonicalize(msg)
		if err != nil {
			return nil, err
		}
	} else {
		if env.Message == nil {
			return nil, errkind.New(errkind.BadRequest, "missing message content")
		}
		msg = env.Message
		var err error
		canonical, err = Canonicalize(msg)
		if err != nil {
			return nil, err
		}
	}

	if !keystore.Verify(canonical, env.Signature, env.SenderPublicKey) {
		return nil, errkind.New(errkind.EnvelopeSignatureInvalid, "signature does not verify under sender key")
	}

	ts, err := time.Parse(time.RFC3339, msg.Timestamp)
	if err != nil {
		return nil, errkind.Wrap(errkind.EnvelopeStale, "unparseable timestamp", err)
	}
	age := o.clock.Now().Sub(ts)
	if age < 0 {
		age = -age
	}
	if age > FreshnessWindow {
		return nil, errkind.Newf(errkind.EnvelopeStale, "timestamp %s outside freshness window", msg.Timestamp)
	}

	if msg.Nonce == "" {
		return nil, errkind.New(errkind.EnvelopeReplay, "missing nonce")
	}
	if !o.replay.Record(msg.SenderID, msg.Nonce) {
		return nil, errkind.Newf(errkind.EnvelopeReplay, "nonce already seen from %s", msg.SenderID)
	}

	return msg, nil
}

// EvictReplay drops aged entries from the replay cache; called from the
// background sweep in addition to inline eviction.
func (o *Opener) EvictReplay() { o.replay.Evict() }

// Canonicalize produces the RFC 8785 canonical JSON bytes of a message.
// Signatures are always computed and verified over this form.
func Canonicalize(msg *Message) ([]byte, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize message: %w", err)
	}
	return canonical, nil
}

// NewCollaborationRequest standardizes the payload shape peers exchange
// when asking for help.
func NewCollaborationRequest(task string, context map[string]any, dataRequirements []string) map[string]any {
	priority, ok := context["priority"].(string)
	if !ok {
		priority = "normal"
	}
	timeout, ok := context["timeout"].(float64)
	if !ok {
		timeout = 60
	}
	return map[string]any{
		"task_description":  task,
		"context":           context,
		"data_requirements": dataRequirements,
		"priority":          priority,
		"timeout_seconds":   timeout,
	}
}

// NewCollaborationResponse standardizes the payload shape of a peer's
// answer.
func NewCollaborationResponse(requestID, status string, result map[string]any) map[string]any {
	confidence, _ := result["confidence_score"].(float64)
	return map[string]any{
		"request_id":       requestID,
		"status":           status,
		"result":           result,
		"confidence_score": confidence,
	}
}
