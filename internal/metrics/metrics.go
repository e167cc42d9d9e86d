package metrics

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

type MessageHeader struct {
	MessageID string `json:"message_id"`
	ChannelID string `json:"channel_id"`
	SenderID  string `json:"sender_id"`
}

type Snapshot struct {
	GeneratedAt time.Time       `json:"generated_at"`
	Mesh        MeshMetrics     `json:"mesh"`
	Recent      []MessageHeader `json:"recent"`
}

type MeshMetrics struct {
	Stored        uint64 `json:"stored"`
	Published     uint64 `json:"published"`
	Relayed       uint64 `json:"relayed"`
	DropDuplicate uint64 `json:"drop_duplicate"`
	DropInvalid   uint64 `json:"drop_invalid"`
	DropBadSig    uint64 `json:"drop_bad_sig"`
	Handshakes    uint64 `json:"handshakes"`
	ConnsOpened   uint64 `json:"conns_opened"`
	ConnsClosed   uint64 `json:"conns_closed"`
}

type Metrics struct {
	stored        atomic.Uint64
	published     atomic.Uint64
	relayed       atomic.Uint64
	dropDuplicate atomic.Uint64
	dropInvalid   atomic.Uint64
	dropBadSig    atomic.Uint64
	handshakes    atomic.Uint64
	connsOpened   atomic.Uint64
	connsClosed   atomic.Uint64
	recent        *MessageRecent
}

func New() *Metrics {
	return &Metrics{recent: NewMessageRecent(64)}
}

func (m *Metrics) Recent() *MessageRecent {
	return m.recent
}

func (m *Metrics) IncStored() {
	m.stored.Add(1)
}

func (m *Metrics) IncPublished() {
	m.published.Add(1)
}

func (m *Metrics) IncRelayed() {
	m.relayed.Add(1)
}

func (m *Metrics) IncDropDuplicate() {
	m.dropDuplicate.Add(1)
}

func (m *Metrics) IncDropInvalid() {
	m.dropInvalid.Add(1)
}

func (m *Metrics) IncDropBadSig() {
	m.dropBadSig.Add(1)
}

func (m *Metrics) IncHandshakes() {
	m.handshakes.Add(1)
}

func (m *Metrics) IncConnsOpened() {
	m.connsOpened.Add(1)
}

func (m *Metrics) IncConnsClosed() {
	m.connsClosed.Add(1)
}

func (m *Metrics) Snapshot() Snapshot {
	recent := []MessageHeader{}
	if m.recent != nil {
		recent = m.recent.List()
	}
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Mesh: MeshMetrics{
			Stored:        m.stored.Load(),
			Published:     m.published.Load(),
			Relayed:       m.relayed.Load(),
			DropDuplicate: m.dropDuplicate.Load(),
			DropInvalid:   m.dropInvalid.Load(),
			DropBadSig:    m.dropBadSig.Load(),
			Handshakes:    m.handshakes.Load(),
			ConnsOpened:   m.connsOpened.Load(),
			ConnsClosed:   m.connsClosed.Load(),
		},
		Recent: recent,
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

type MessageRecent struct {
	mu   sync.Mutex
	cap  int
	list []MessageHeader
}

func NewMessageRecent(capacity int) *MessageRecent {
	if capacity <= 0 {
		capacity = 64
	}
	return &MessageRecent{cap: capacity}
}

func (r *MessageRecent) Add(h MessageHeader) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = h
		return
	}
	r.list = append(r.list, h)
}

func (r *MessageRecent) List() []MessageHeader {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]MessageHeader, len(r.list))
	copy(out, r.list)
	return out
}
