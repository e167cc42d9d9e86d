package identity

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestPeerIDDeterministic(t *testing.T) {
	id, err := NewEphemeral()
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	a := PeerIDFromPublicKey(id.Pub)
	b := PeerIDFromPublicKey(id.Pub)
	if a == "" || a != b {
		t.Fatalf("peer id not deterministic: %q vs %q", a, b)
	}
	if a != id.PeerID {
		t.Fatalf("identity peer id mismatch: %q vs %q", a, id.PeerID)
	}
}

func TestPeerIDRoundTripsThroughPEM(t *testing.T) {
	id, err := NewEphemeral()
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	pub, err := ParsePublicKeyPEM(PublicKeyPEM(id.Pub))
	if err != nil {
		t.Fatalf("parse pem failed: %v", err)
	}
	if PeerIDFromPublicKey(pub) != id.PeerID {
		t.Fatalf("peer id changed across pem round trip")
	}
}

func TestLoadOrCreatePersists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")
	first, err := LoadOrCreate(dir)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	second, err := LoadOrCreate(dir)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if first.PeerID != second.PeerID {
		t.Fatalf("peer id changed across reload: %q vs %q", first.PeerID, second.PeerID)
	}
	if runtime.GOOS != "windows" {
		fi, err := os.Stat(filepath.Join(dir, "key.pem"))
		if err != nil {
			t.Fatalf("stat key.pem failed: %v", err)
		}
		if fi.Mode().Perm() != 0600 {
			t.Fatalf("expected 0600 private key, got %v", fi.Mode().Perm())
		}
	}
}

func TestSignVerify(t *testing.T) {
	id, err := NewEphemeral()
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	payload := `{"k":1}`
	canonical := Canonical(SignableMessage{
		Body:      "hello",
		ChannelID: "lobby",
		MessageID: "m1",
		Payload:   &payload,
		SenderID:  id.PeerID,
		Timestamp: "2026-01-02T03:04:05Z",
	})
	sig := Sign(canonical, id.Priv)
	if sig == "" {
		t.Fatalf("empty signature")
	}
	if sig != Sign(canonical, id.Priv) {
		t.Fatalf("signature not deterministic")
	}
	if !Verify(canonical, sig, id.Pub) {
		t.Fatalf("verify rejected valid signature")
	}
	if Verify(canonical+"x", sig, id.Pub) {
		t.Fatalf("verify accepted tampered content")
	}
	other, err := NewEphemeral()
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if Verify(canonical, sig, other.Pub) {
		t.Fatalf("verify accepted wrong key")
	}
}

func TestVerifyMalformedInputsReturnFalse(t *testing.T) {
	id, err := NewEphemeral()
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if Verify("msg", "not base64!!", id.Pub) {
		t.Fatalf("verify accepted malformed signature")
	}
	if Verify("msg", Sign("msg", id.Priv), nil) {
		t.Fatalf("verify accepted nil key")
	}
	if Verify("msg", Sign("msg", id.Priv), []byte("short")) {
		t.Fatalf("verify accepted truncated key")
	}
}

func TestCanonicalFixedOrderAndNullPayload(t *testing.T) {
	canonical := Canonical(SignableMessage{
		Body:      "b",
		ChannelID: "c",
		MessageID: "m",
		SenderID:  "s",
		Timestamp: "t",
	})
	want := `{"body":"b","channel_id":"c","message_id":"m","payload":null,"sender_id":"s","timestamp":"t"}`
	if canonical != want {
		t.Fatalf("canonical mismatch:\n got %s\nwant %s", canonical, want)
	}
}
