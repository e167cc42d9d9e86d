// Package mesh implements the peer connection engine: per-connection
// handshake/subscribe/relay state, loop-free message fan-out, and the
// store/verify pipeline for relayed messages.
package mesh

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/openclaw/clawmesh/internal/debuglog"
	"github.com/openclaw/clawmesh/internal/identity"
	"github.com/openclaw/clawmesh/internal/metrics"
	"github.com/openclaw/clawmesh/internal/proto"
	"github.com/openclaw/clawmesh/internal/store"
)

// defaultForwardCap bounds the per-connection forwarded-id set. Evicting an
// old id can at worst cause one redundant send to that neighbor, which its
// own store dedup absorbs.
const defaultForwardCap = 8192

// Link is one live socket to a remote peer. Send must be safe for
// concurrent use; the engine may write from any frame handler.
type Link interface {
	Send(data []byte) error
	Close() error
}

// Dialer opens an outbound link to url, registers it with the engine, and
// starts delivering inbound frames for it.
type Dialer interface {
	Dial(ctx context.Context, url string, e *Engine) (*Conn, error)
}

// Conn is the engine's per-socket state. All fields are guarded by the
// engine mutex; the connection table, key cache and store are only ever
// mutated by one frame handler at a time.
type Conn struct {
	link         Link
	remotePeerID string
	remoteCaps   proto.Capabilities
	channels     map[string]struct{}
	forwarded    *lru.Cache[string, struct{}]
	handshaken   bool
	closed       bool
}

func (c *Conn) RemotePeerID() string {
	return c.remotePeerID
}

type Config struct {
	Identity     *identity.Identity
	Capabilities proto.Capabilities
	Store        *store.Store
	// OnMessage runs for every newly seen relayed message, regardless of
	// the relay/store capabilities. Used by the bridge.
	OnMessage func(store.Message)
	Metrics   *metrics.Metrics
	// ForwardCap overrides the per-connection forwarded-id LRU size.
	ForwardCap int
}

type Engine struct {
	id      *identity.Identity
	caps    proto.Capabilities
	store   *store.Store
	onMsg   func(store.Message)
	metrics *metrics.Metrics
	fwdCap  int

	mu    sync.Mutex
	conns map[*Conn]struct{}
	keys  map[string]ed25519.PublicKey
}

func New(cfg Config) (*Engine, error) {
	if cfg.Identity == nil {
		return nil, fmt.Errorf("missing identity")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("missing store")
	}
	fwdCap := cfg.ForwardCap
	if fwdCap <= 0 {
		fwdCap = forwardCap()
	}
	return &Engine{
		id:      cfg.Identity,
		caps:    cfg.Capabilities,
		store:   cfg.Store,
		onMsg:   cfg.OnMessage,
		metrics: cfg.Metrics,
		fwdCap:  fwdCap,
		conns:   make(map[*Conn]struct{}),
		keys:    make(map[string]ed25519.PublicKey),
	}, nil
}

func (e *Engine) PeerID() string {
	return e.id.PeerID
}

func (e *Engine) Capabilities() proto.Capabilities {
	return e.caps
}

func (e *Engine) ConnCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.conns)
}

func (e *Engine) connectedTo(peerID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for c := range e.conns {
		if c.remotePeerID == peerID {
			return true
		}
	}
	return false
}

// HandshakenCount reports connections that completed the version exchange.
func (e *Engine) HandshakenCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for c := range e.conns {
		if c.handshaken {
			n++
		}
	}
	return n
}

// Attach registers a new live link with the connection table. The caller
// owns reading from the socket and feeds frames to HandleFrame.
func (e *Engine) Attach(link Link) *Conn {
	forwarded, _ := lru.New[string, struct{}](e.fwdCap)
	c := &Conn{
		link:      link,
		channels:  make(map[string]struct{}),
		forwarded: forwarded,
	}
	e.mu.Lock()
	e.conns[c] = struct{}{}
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.IncConnsOpened()
	}
	return c
}

// Detach removes the connection and closes its link. Safe to call more
// than once.
func (e *Engine) Detach(c *Conn) {
	e.mu.Lock()
	already := c.closed
	c.closed = true
	delete(e.conns, c)
	e.mu.Unlock()
	_ = c.link.Close()
	if !already && e.metrics != nil {
		e.metrics.IncConnsClosed()
	}
}

// StartHandshake sends the initiator handshake on a freshly dialed link.
func (e *Engine) StartHandshake(c *Conn) error {
	data, err := proto.Encode(e.handshakeFrame())
	if err != nil {
		return err
	}
	return c.link.Send(data)
}

// Connect dials one peer record. Records naming the local peer, lacking
// an address, or already connected are skipped without error, which makes
// periodic rediscovery idempotent.
func (e *Engine) Connect(ctx context.Context, d Dialer, peerID, url string) error {
	if url == "" || peerID == e.id.PeerID {
		return nil
	}
	if peerID != "" && e.connectedTo(peerID) {
		return nil
	}
	c, err := d.Dial(ctx, url, e)
	if err != nil {
		return err
	}
	return e.StartHandshake(c)
}

// HandleFrame processes one inbound frame to completion. Handling is
// serialized across all connections; only socket I/O runs concurrently.
// The returned error is reserved for local persistence failures.
func (e *Engine) HandleFrame(c *Conn, data []byte) error {
	f, err := proto.Decode(data)
	if err != nil {
		if errors.Is(err, proto.ErrUnknownType) {
			return nil
		}
		if e.metrics != nil {
			e.metrics.IncDropInvalid()
		}
		e.mu.Lock()
		e.sendErrorLocked(c, proto.ErrCodeInvalidMessage, "invalid frame")
		e.mu.Unlock()
		return nil
	}

	var notify *store.Message
	var handleErr error
	e.mu.Lock()
	if c.closed {
		e.mu.Unlock()
		return nil
	}
	switch fr := f.(type) {
	case proto.HandshakeFrame:
		e.handleHandshakeLocked(c, fr)
	case proto.SubscribeFrame:
		if fr.ChannelID != "" {
			c.channels[fr.ChannelID] = struct{}{}
		}
	case proto.UnsubscribeFrame:
		delete(c.channels, fr.ChannelID)
	case proto.MessageFrame:
		notify, handleErr = e.handleMessageLocked(c, fr)
	case proto.ErrorFrame:
		debuglog.Debugf("mesh: peer error from %s: %s %s", c.remotePeerID, fr.Code, fr.Message)
	}
	e.mu.Unlock()

	if notify != nil && e.onMsg != nil {
		e.onMsg(*notify)
	}
	return handleErr
}

func (e *Engine) handleHandshakeLocked(c *Conn, fr proto.HandshakeFrame) {
	if fr.Version != proto.ProtocolVersion {
		e.sendErrorLocked(c, proto.ErrCodeUnsupportedVersion, "unsupported protocol version")
		c.closed = true
		delete(e.conns, c)
		_ = c.link.Close()
		if e.metrics != nil {
			e.metrics.IncConnsClosed()
		}
		debuglog.Debugf("mesh: closed connection on version %d (want %d)", fr.Version, proto.ProtocolVersion)
		return
	}
	c.remotePeerID = fr.PeerID
	c.remoteCaps = fr.Capabilities
	if fr.PublicKey != "" && fr.PeerID != "" {
		if pub, err := identity.ParsePublicKeyPEM(fr.PublicKey); err == nil {
			e.keys[fr.PeerID] = pub
		} else {
			debuglog.Debugf("mesh: unusable public key from %s: %v", fr.PeerID, err)
		}
	}
	if c.handshaken {
		// Re-handshake updates identity/capabilities but is not answered
		// again, otherwise two peers would echo handshakes forever.
		return
	}
	c.handshaken = true
	if e.metrics != nil {
		e.metrics.IncHandshakes()
	}
	e.sendLocked(c, e.handshakeFrame())
}

func (e *Engine) handleMessageLocked(c *Conn, fr proto.MessageFrame) (*store.Message, error) {
	if fr.MessageID == "" || fr.ChannelID == "" || fr.SenderID == "" || fr.Body == nil {
		if e.metrics != nil {
			e.metrics.IncDropInvalid()
		}
		e.sendErrorLocked(c, proto.ErrCodeInvalidMessage, "missing fields")
		return nil, nil
	}
	ts := fr.Timestamp
	if ts == "" {
		ts = nowTimestamp()
	}
	msg := store.Message{
		MessageID: fr.MessageID,
		ChannelID: fr.ChannelID,
		SenderID:  fr.SenderID,
		Body:      *fr.Body,
		Payload:   compactPayload(fr.Payload),
		Timestamp: ts,
	}
	if fr.Signature != "" {
		// Opportunistic: only checked when the sender's key is known.
		if pub, ok := e.keys[fr.SenderID]; ok {
			if !identity.Verify(canonicalFor(msg), fr.Signature, pub) {
				if e.metrics != nil {
					e.metrics.IncDropBadSig()
				}
				e.sendErrorLocked(c, proto.ErrCodeInvalidMessage, "invalid signature")
				return nil, nil
			}
		}
	}
	if e.store.Exists(msg.MessageID) {
		c.forwarded.Add(msg.MessageID, struct{}{})
		if e.metrics != nil {
			e.metrics.IncDropDuplicate()
		}
		return nil, nil
	}
	if e.caps.Store {
		inserted, err := e.store.Insert(msg)
		if err != nil {
			return nil, fmt.Errorf("store insert: %w", err)
		}
		if !inserted {
			c.forwarded.Add(msg.MessageID, struct{}{})
			if e.metrics != nil {
				e.metrics.IncDropDuplicate()
			}
			return nil, nil
		}
		if e.metrics != nil {
			e.metrics.IncStored()
			e.metrics.Recent().Add(metrics.MessageHeader{
				MessageID: msg.MessageID,
				ChannelID: msg.ChannelID,
				SenderID:  msg.SenderID,
			})
		}
	}
	c.forwarded.Add(msg.MessageID, struct{}{})
	if e.caps.Relay {
		e.relayLocked(msg, fr.Signature, c)
	}
	return &msg, nil
}

// relayLocked fans the message out to every other handshaken connection
// subscribed to its channel that has not already been sent this id. The
// forwarded set is what keeps cyclic topologies from rebroadcast storms.
func (e *Engine) relayLocked(msg store.Message, signature string, exclude *Conn) {
	data, err := proto.Encode(messageFrame(msg, signature))
	if err != nil {
		return
	}
	for c := range e.conns {
		if c == exclude || c.closed || !c.handshaken {
			continue
		}
		if _, ok := c.channels[msg.ChannelID]; !ok {
			continue
		}
		if c.forwarded.Contains(msg.MessageID) {
			continue
		}
		if err := c.link.Send(data); err != nil {
			debuglog.RateLimitedf("relay-send-"+c.remotePeerID, time.Second,
				"mesh: relay send to %s failed: %v", c.remotePeerID, err)
			continue
		}
		c.forwarded.Add(msg.MessageID, struct{}{})
		if e.metrics != nil {
			e.metrics.IncRelayed()
		}
	}
}

// Publish originates a message locally: fresh id, current timestamp,
// signed with the node key, persisted when the store capability is set,
// then fanned out with no excluded connection.
func (e *Engine) Publish(channelID, body string, payload json.RawMessage) (string, error) {
	if channelID == "" {
		return "", fmt.Errorf("missing channel")
	}
	msg := store.Message{
		MessageID: uuid.NewString(),
		ChannelID: channelID,
		SenderID:  e.id.PeerID,
		Body:      body,
		Payload:   compactPayload(payload),
		Timestamp: nowTimestamp(),
	}
	signature := ""
	if len(e.id.Priv) == ed25519.PrivateKeySize {
		signature = identity.Sign(canonicalFor(msg), e.id.Priv)
	}
	if e.caps.Store {
		inserted, err := e.store.Insert(msg)
		if err != nil {
			return "", fmt.Errorf("store insert: %w", err)
		}
		if inserted && e.metrics != nil {
			e.metrics.IncStored()
			e.metrics.Recent().Add(metrics.MessageHeader{
				MessageID: msg.MessageID,
				ChannelID: msg.ChannelID,
				SenderID:  msg.SenderID,
			})
		}
	}
	e.mu.Lock()
	e.relayLocked(msg, signature, nil)
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.IncPublished()
	}
	return msg.MessageID, nil
}

// Subscribe registers local interest in a channel on every handshaken
// connection and tells those peers to route the channel here.
func (e *Engine) Subscribe(channelID string) {
	if channelID == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for c := range e.conns {
		if !c.handshaken {
			continue
		}
		c.channels[channelID] = struct{}{}
		e.sendLocked(c, proto.SubscribeFrame{ChannelID: channelID})
	}
}

// StoredMessages is the query surface shared by the bridge read path.
func (e *Engine) StoredMessages(channelID string, opts store.QueryOptions) []store.Message {
	return e.store.Query(channelID, opts)
}

func (e *Engine) handshakeFrame() proto.HandshakeFrame {
	return proto.HandshakeFrame{
		Version:      proto.ProtocolVersion,
		PeerID:       e.id.PeerID,
		Capabilities: e.caps,
		PublicKey:    identity.PublicKeyPEM(e.id.Pub),
	}
}

func (e *Engine) sendLocked(c *Conn, f proto.Frame) {
	if c.closed {
		return
	}
	data, err := proto.Encode(f)
	if err != nil {
		return
	}
	if err := c.link.Send(data); err != nil {
		debuglog.Debugf("mesh: send to %s failed: %v", c.remotePeerID, err)
	}
}

func (e *Engine) sendErrorLocked(c *Conn, code, message string) {
	e.sendLocked(c, proto.ErrorFrame{Code: code, Message: message})
}

func canonicalFor(msg store.Message) string {
	var payload *string
	if len(msg.Payload) > 0 {
		s := string(msg.Payload)
		payload = &s
	}
	return identity.Canonical(identity.SignableMessage{
		Body:      msg.Body,
		ChannelID: msg.ChannelID,
		MessageID: msg.MessageID,
		Payload:   payload,
		SenderID:  msg.SenderID,
		Timestamp: msg.Timestamp,
	})
}

func messageFrame(msg store.Message, signature string) proto.MessageFrame {
	body := msg.Body
	return proto.MessageFrame{
		MessageID: msg.MessageID,
		ChannelID: msg.ChannelID,
		SenderID:  msg.SenderID,
		Body:      &body,
		Payload:   msg.Payload,
		Timestamp: msg.Timestamp,
		Signature: signature,
	}
}

// compactPayload normalizes the opaque payload document: whitespace
// stripped, JSON null treated as absent, key order kept exactly as
// received so signatures stay stable across hops. An unparseable payload
// is dropped, not rejected.
func compactPayload(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil
	}
	return json.RawMessage(buf.Bytes())
}

func nowTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func forwardCap() int {
	if v, ok := envInt("CLAWMESH_FORWARD_CAP"); ok && v > 0 {
		return v
	}
	return defaultForwardCap
}

func envInt(key string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}
