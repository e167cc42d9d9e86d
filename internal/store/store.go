// Package store is the durable, append-only record of mesh messages.
// Records are JSONL on disk; an in-memory index rebuilt on open serves
// dedup checks and per-channel timestamp-ordered queries. The index under
// the store lock is the single arbiter of message_id uniqueness.
package store

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/openclaw/clawmesh/internal/proto"
)

const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 500
)

const maxScanSize = 2 * proto.MaxFrameSize

type Message struct {
	MessageID string          `json:"message_id"`
	ChannelID string          `json:"channel_id"`
	SenderID  string          `json:"sender_id"`
	Body      string          `json:"body"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp string          `json:"timestamp"`
}

type record struct {
	msg Message
	ts  time.Time
	seq int
}

type Store struct {
	path string

	mu     sync.Mutex
	recs   []record
	byID   map[string]int
	byChan map[string][]int
}

// QueryOptions selects a slice of a channel's history. AfterID/BeforeID
// resolve to the referenced message's timestamp and filter strictly;
// an unknown cursor yields an empty result.
type QueryOptions struct {
	AfterID  string
	BeforeID string
	Limit    int
}

// Open creates or loads the store at path, replaying any existing records
// into the index. Unparseable lines are skipped.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	s := &Store{
		path:   path,
		byID:   make(map[string]int),
		byChan: make(map[string][]int),
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0600)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	sc := newScanner(f)
	for sc.Scan() {
		var m Message
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil || m.MessageID == "" {
			continue
		}
		s.indexLocked(m)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return s, nil
}

func newScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxScanSize)
	return sc
}

func syncFile(f *os.File) error {
	if f == nil {
		return nil
	}
	return f.Sync()
}

// Insert appends the message unless its message_id is already present.
// A duplicate is the normal (false, nil) outcome; only I/O failures are
// errors.
func (s *Store) Insert(m Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[m.MessageID]; ok {
		return false, nil
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return false, err
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(m); err != nil {
		return false, err
	}
	if err := syncFile(f); err != nil {
		return false, err
	}
	s.indexLocked(m)
	return true, nil
}

func (s *Store) Exists(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byID[messageID]
	return ok
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

// Query returns channel messages ascending by timestamp. BeforeID selects
// the latest limit messages below the cursor, still returned ascending.
func (s *Store) Query(channelID string, opts QueryOptions) []Message {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		limit = MaxQueryLimit
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var afterTS, beforeTS time.Time
	useAfter := opts.AfterID != ""
	useBefore := opts.BeforeID != ""
	if useAfter {
		i, ok := s.byID[opts.AfterID]
		if !ok {
			return []Message{}
		}
		afterTS = s.recs[i].ts
	}
	if useBefore {
		i, ok := s.byID[opts.BeforeID]
		if !ok {
			return []Message{}
		}
		beforeTS = s.recs[i].ts
	}

	idxs := s.byChan[channelID]
	matched := make([]int, 0, len(idxs))
	for _, i := range idxs {
		ts := s.recs[i].ts
		if useAfter && !ts.After(afterTS) {
			continue
		}
		if useBefore && !ts.Before(beforeTS) {
			continue
		}
		matched = append(matched, i)
	}
	if useBefore && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	} else if len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]Message, 0, len(matched))
	for _, i := range matched {
		out = append(out, s.recs[i].msg)
	}
	return out
}

// indexLocked inserts m into the in-memory index, keeping the channel
// slice ascending by timestamp with ties in arrival order.
func (s *Store) indexLocked(m Message) {
	if _, ok := s.byID[m.MessageID]; ok {
		return
	}
	seq := len(s.recs)
	rec := record{msg: m, ts: parseTimestamp(m.Timestamp), seq: seq}
	s.recs = append(s.recs, rec)
	s.byID[m.MessageID] = seq
	idxs := s.byChan[m.ChannelID]
	pos := sort.Search(len(idxs), func(i int) bool {
		return s.recs[idxs[i]].ts.After(rec.ts)
	})
	idxs = append(idxs, 0)
	copy(idxs[pos+1:], idxs[pos:])
	idxs[pos] = seq
	s.byChan[m.ChannelID] = idxs
}

func parseTimestamp(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
