package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func TestMetricsCounters(t *testing.T) {
	m := New()
	m.IncStored()
	m.IncStored()
	m.IncPublished()
	m.IncRelayed()
	m.IncDropDuplicate()
	m.IncDropInvalid()
	m.IncDropBadSig()
	m.IncHandshakes()
	m.IncConnsOpened()
	m.IncConnsClosed()
	snap := m.Snapshot()
	if snap.Mesh.Stored != 2 {
		t.Fatalf("expected stored=2, got %d", snap.Mesh.Stored)
	}
	if snap.Mesh.Published != 1 || snap.Mesh.Relayed != 1 {
		t.Fatalf("unexpected publish/relay counts: %+v", snap.Mesh)
	}
	if snap.Mesh.DropDuplicate != 1 || snap.Mesh.DropInvalid != 1 || snap.Mesh.DropBadSig != 1 {
		t.Fatalf("unexpected drop counts: %+v", snap.Mesh)
	}
	if snap.Mesh.Handshakes != 1 || snap.Mesh.ConnsOpened != 1 || snap.Mesh.ConnsClosed != 1 {
		t.Fatalf("unexpected connection counts: %+v", snap.Mesh)
	}
	if snap.GeneratedAt.IsZero() {
		t.Fatalf("snapshot should carry a timestamp")
	}
}

func TestMessageRecentBounded(t *testing.T) {
	r := NewMessageRecent(3)
	for i := 0; i < 5; i++ {
		r.Add(MessageHeader{MessageID: fmt.Sprintf("m%d", i)})
	}
	list := r.List()
	if len(list) != 3 {
		t.Fatalf("expected ring of 3, got %d", len(list))
	}
	if list[0].MessageID != "m2" || list[2].MessageID != "m4" {
		t.Fatalf("ring should keep the newest entries: %+v", list)
	}
}

func TestWriteSnapshot(t *testing.T) {
	m := New()
	m.IncStored()
	m.Recent().Add(MessageHeader{MessageID: "m1", ChannelID: "lobby", SenderID: "p1"})
	path := filepath.Join(t.TempDir(), "metrics.json")
	if err := m.WriteSnapshot(path); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if snap.Mesh.Stored != 1 || len(snap.Recent) != 1 || snap.Recent[0].MessageID != "m1" {
		t.Fatalf("snapshot file wrong: %+v", snap)
	}
}

func TestWriteSnapshotEmptyPathIsNoop(t *testing.T) {
	if err := New().WriteSnapshot(""); err != nil {
		t.Fatalf("empty path should be a no-op, got %v", err)
	}
}
