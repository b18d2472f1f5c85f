package envelope

import (
	"testing"
	"time"

	"github.com/boardroom-tee/fabric/internal/clock"
	"github.com/boardroom-tee/fabric/internal/errkind"
	"github.com/boardroom-tee/fabric/internal/keystore"
)

func testKeys(t *testing.T) *keystore.Store {
	t.Helper()
	ks, err := keystore.Generate(t.TempDir())
	if err != nil {
		t.Fatalf("keystore.Generate: %v", err)
	}
	return ks
}

func testPayload() map[string]any {
	return map[string]any{
		"task_description": "analyze Q4 spend",
		"numbers":          []any{float64(1), float64(2)},
	}
}

func TestRoundTripUnencrypted(t *testing.T) {
	clk := clock.NewFake(time.Now())
	ks := testKeys(t)
	sealer := NewSealer("finance-1", ks, clk)
	opener := NewOpener(clk)

	env, err := sealer.Seal("hub", TypeCollaborationRequest, testPayload(), "")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if env.Encrypted {
		t.Fatal("envelope marked encrypted without recipient key")
	}

	msg, err := opener.Open(env)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if msg.SenderID != "finance-1" || msg.RecipientID != "hub" {
		t.Errorf("routing fields wrong: %+v", msg)
	}
	if msg.Payload["task_description"] != "analyze Q4 spend" {
		t.Errorf("payload lost in round trip: %v", msg.Payload)
	}
	if len(msg.Nonce) != 32 {
		t.Errorf("nonce length = %d hex chars, want 32", len(msg.Nonce))
	}
}

func TestRoundTripEncrypted(t *testing.T) {
	clk := clock.NewFake(time.Now())
	ks := testKeys(t)
	recipient := testKeys(t)
	sealer := NewSealer("hub", ks, clk)
	opener := NewOpener(clk)

	env, err := sealer.Seal("finance-1", TypeDataPackage, testPayload(), recipient.PublicPEM())
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if !env.Encrypted || env.Message != nil {
		t.Fatal("encrypted envelope must not carry plaintext message")
	}
	if env.EncryptedPayload == "" {
		t.Fatal("encrypted envelope missing ciphertext blob")
	}

	msg, err := opener.Open(env)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if msg.Payload["task_description"] != "analyze Q4 spend" {
		t.Errorf("payload lost in encrypted round trip: %v", msg.Payload)
	}
}

func TestTamperRejection(t *testing.T) {
	clk := clock.NewFake(time.Now())
	sealer := NewSealer("finance-1", testKeys(t), clk)

	mutations := []func(*Envelope){
		func(e *Envelope) { e.Message.Payload["task_description"] = "altered" },
		func(e *Envelope) { e.Message.Timestamp = clk.Now().Add(-time.Minute).UTC().Format(time.RFC3339) },
		func(e *Envelope) { e.Message.Nonce = "00000000000000000000000000000000" },
		func(e *Envelope) { e.Message.SenderID = "impostor" },
	}

	for i, mutate := range mutations {
		env, err := sealer.Seal("hub", TypeCollaborationRequest, testPayload(), "")
		if err != nil {
			t.Fatalf("Seal: %v", err)
		}
		mutate(env)

		opener := NewOpener(clk)
		if _, err := opener.Open(env); !errkind.IsKind(err, errkind.EnvelopeSignatureInvalid) {
			t.Errorf("mutation %d: err = %v, want envelope_signature_invalid", i, err)
		}
	}
}

func TestWrongKeyRejected(t *testing.T) {
	clk := clock.NewFake(time.Now())
	sealer := NewSealer("finance-1", testKeys(t), clk)
	other := testKeys(t)

	env, err := sealer.Seal("hub", TypeCollaborationRequest, testPayload(), "")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	env.SenderPublicKey = other.PublicPEM()

	opener := NewOpener(clk)
	if _, err := opener.Open(env); !errkind.IsKind(err, errkind.EnvelopeSignatureInvalid) {
		t.Errorf("err = %v, want envelope_signature_invalid", err)
	}
}

func TestReplayRejection(t *testing.T) {
	clk := clock.NewFake(time.Now())
	sealer := NewSealer("finance-1", testKeys(t), clk)
	opener := NewOpener(clk)

	env, err := sealer.Seal("hub", TypeCollaborationRequest, testPayload(), "")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	if _, err := opener.Open(env); err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if _, err := opener.Open(env); !errkind.IsKind(err, errkind.EnvelopeReplay) {
		t.Errorf("second Open err = %v, want envelope_replay", err)
	}
}

func TestReplayWindowExpiry(t *testing.T) {
	clk := clock.NewFake(time.Now())
	cache := NewReplayCache(clk, FreshnessWindow)

	if !cache.Record("a", "n1") {
		t.Fatal("first Record returned false")
	}
	if cache.Record("a", "n1") {
		t.Fatal("replay within window accepted")
	}
	if cache.Record("b", "n1") != true {
		t.Fatal("same nonce from different sender should be independent")
	}

	clk.Advance(FreshnessWindow + time.Second)
	if !cache.Record("a", "n1") {
		t.Error("nonce should be reusable after the window")
	}

	cache.Evict()
	if cache.Seen("b", "n1") {
		t.Error("aged entry survived eviction")
	}
}

func TestStaleEnvelope(t *testing.T) {
	start := time.Now()
	sealClk := clock.NewFake(start)
	sealer := NewSealer("finance-1", testKeys(t), sealClk)

	env, err := sealer.Seal("hub", TypeCollaborationRequest, testPayload(), "")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	openClk := clock.NewFake(start.Add(400 * time.Second))
	opener := NewOpener(openClk)
	if _, err := opener.Open(env); !errkind.IsKind(err, errkind.EnvelopeStale) {
		t.Fatalf("err = %v, want envelope_stale", err)
	}

	// The rejected nonce must not be in the replay cache: a later valid
	// envelope reusing it (hypothetically) is judged on its own merits.
	if opener.replay.Seen(env.Message.SenderID, env.Message.Nonce) {
		t.Error("stale envelope's nonce was recorded in the replay cache")
	}
}

func TestFutureTimestampRejected(t *testing.T) {
	start := time.Now()
	sealClk := clock.NewFake(start.Add(400 * time.Second))
	sealer := NewSealer("finance-1", testKeys(t), sealClk)

	env, err := sealer.Seal("hub", TypeCollaborationRequest, testPayload(), "")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	opener := NewOpener(clock.NewFake(start))
	if _, err := opener.Open(env); !errkind.IsKind(err, errkind.EnvelopeStale) {
		t.Errorf("err = %v, want envelope_stale for future timestamp", err)
	}
}

func TestGarbledCiphertext(t *testing.T) {
	clk := clock.NewFake(time.Now())
	ks := testKeys(t)
	recipient := testKeys(t)
	sealer := NewSealer("hub", ks, clk)

	env, err := sealer.Seal("finance-1", TypeDataPackage, testPayload(), recipient.PublicPEM())
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	env.EncryptedPayload = "AAAA" + env.EncryptedPayload[4:]

	opener := NewOpener(clk)
	if _, err := opener.Open(env); !errkind.IsKind(err, errkind.EnvelopeDecryptFailed) {
		t.Errorf("err = %v, want envelope_decrypt_failed", err)
	}
}

func TestMissingSignature(t *testing.T) {
	clk := clock.NewFake(time.Now())
	sealer := NewSealer("finance-1", testKeys(t), clk)

	env, err := sealer.Seal("hub", TypeCollaborationRequest, testPayload(), "")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	env.Signature = ""

	opener := NewOpener(clk)
	if _, err := opener.Open(env); !errkind.IsKind(err, errkind.EnvelopeSignatureInvalid) {
		t.Errorf("err = %v, want envelope_signature_invalid", err)
	}
}

func TestCanonicalizeDeterministic(t *testing.T) {
	msg := &Message{
		SenderID:    "a",
		RecipientID: "b",
		MessageType: TypeHeartbeat,
		Timestamp:   "2026-01-01T00:00:00Z",
		Nonce:       "deadbeef",
		Payload:     map[string]any{"z": 1.0, "a": "x", "nested": map[string]any{"k2": true, "k1": nil}},
	}
	first, err := Canonicalize(msg)
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := Canonicalize(msg)
		if err != nil {
			t.Fatalf("Canonicalize: %v", err)
		}
		if string(again) != string(first) {
			t.Fatalf("canonical form not deterministic:\n%s\n%s", first, again)
		}
	}
}
