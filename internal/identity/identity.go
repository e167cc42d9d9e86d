// Package identity manages the node's Ed25519 keypair: peer id derivation,
// canonical message serialization, and sign/verify for mesh messages.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	privateKeyFile = "key.pem"
	publicKeyFile  = "pub.pem"
)

type Identity struct {
	PeerID string
	Pub    ed25519.PublicKey
	Priv   ed25519.PrivateKey
}

// NewEphemeral generates a throwaway in-memory identity for processes
// started without a key directory. Nothing is written to disk.
func NewEphemeral() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Identity{PeerID: PeerIDFromPublicKey(pub), Pub: pub, Priv: priv}, nil
}

// LoadOrCreate loads key.pem/pub.pem from dir, generating and persisting a
// fresh keypair when either file is missing. The private key is written
// with owner-only permissions.
func LoadOrCreate(dir string) (*Identity, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	privPath := filepath.Join(dir, privateKeyFile)
	pubPath := filepath.Join(dir, publicKeyFile)
	if fileExists(privPath) && fileExists(pubPath) {
		return load(privPath, pubPath)
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, err
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	if err := os.WriteFile(privPath, privPEM, 0600); err != nil {
		return nil, err
	}
	if err := os.WriteFile(pubPath, pubPEM, 0644); err != nil {
		return nil, err
	}
	return &Identity{PeerID: PeerIDFromPublicKey(pub), Pub: pub, Priv: priv}, nil
}

func load(privPath, pubPath string) (*Identity, error) {
	privPEM, err := os.ReadFile(privPath)
	if err != nil {
		return nil, err
	}
	pubPEM, err := os.ReadFile(pubPath)
	if err != nil {
		return nil, err
	}
	priv, err := parsePrivateKeyPEM(privPEM)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", privateKeyFile, err)
	}
	pub, err := ParsePublicKeyPEM(string(pubPEM))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", publicKeyFile, err)
	}
	return &Identity{PeerID: PeerIDFromPublicKey(pub), Pub: pub, Priv: priv}, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// PeerIDFromPublicKey derives the stable peer id: base64url (unpadded) of
// the trailing 32 bytes of the PKIX DER encoding, which for Ed25519 is the
// raw key material.
func PeerIDFromPublicKey(pub ed25519.PublicKey) string {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil || len(der) < ed25519.PublicKeySize {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(der[len(der)-ed25519.PublicKeySize:])
}

// PublicKeyPEM renders the public key in the interchange form carried by
// handshake frames and pub.pem.
func PublicKeyPEM(pub ed25519.PublicKey) string {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return ""
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func ParsePublicKeyPEM(text string) (ed25519.PublicKey, error) {
	block, _ := pem.Decode([]byte(text))
	if block == nil {
		return nil, errors.New("no pem block")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("not an ed25519 public key")
	}
	return pub, nil
}

func parsePrivateKeyPEM(data []byte) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no pem block")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("not an ed25519 private key")
	}
	return priv, nil
}

// SignableMessage is the fixed-order canonical view of a mesh message.
// Payload carries the compacted payload document as a string, or nil for
// the JSON null absence value, so signatures are stable whether the field
// was omitted or explicitly empty.
type SignableMessage struct {
	Body      string  `json:"body"`
	ChannelID string  `json:"channel_id"`
	MessageID string  `json:"message_id"`
	Payload   *string `json:"payload"`
	SenderID  string  `json:"sender_id"`
	Timestamp string  `json:"timestamp"`
}

// Canonical serializes the signable fields with fixed key order. The result
// is only ever fed to Sign/Verify, never persisted.
func Canonical(m SignableMessage) string {
	data, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(data)
}

// Sign returns the base64 Ed25519 signature over the canonical string.
// Deterministic for a given key and input.
func Sign(canonical string, priv ed25519.PrivateKey) string {
	if len(priv) != ed25519.PrivateKeySize {
		return ""
	}
	sig := ed25519.Sign(priv, []byte(canonical))
	return base64.StdEncoding.EncodeToString(sig)
}

// Verify reports whether sigB64 is a valid signature over canonical.
// Malformed keys or signatures report false; verification failure is a
// normal outcome, not an error.
func Verify(canonical, sigB64 string, pub ed25519.PublicKey) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, []byte(canonical), sig)
}
