package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openclaw/clawmesh/internal/metrics"
)

func TestHelp(t *testing.T) {
	var out bytes.Buffer
	code := run([]string{"--help"}, &out, &out)
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(out.String(), "clawmesh") {
		t.Fatalf("expected help output to mention clawmesh")
	}
}

func TestUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	code := run([]string{"bogus"}, &out, &errOut)
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(errOut.String(), "unknown command") {
		t.Fatalf("expected unknown command message, got %q", errOut.String())
	}
}

func TestIDStableAcrossRuns(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")
	var first, second bytes.Buffer
	if code := run([]string{"id", "--keys", dir}, &first, &first); code != 0 {
		t.Fatalf("id failed: %s", first.String())
	}
	if code := run([]string{"id", "--keys", dir}, &second, &second); code != 0 {
		t.Fatalf("id failed: %s", second.String())
	}
	a := strings.TrimSpace(first.String())
	b := strings.TrimSpace(second.String())
	if a == "" || a != b {
		t.Fatalf("peer id should be stable, got %q and %q", a, b)
	}
}

func TestStatusReadsSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.json")
	snap := metrics.Snapshot{GeneratedAt: time.Now().UTC()}
	snap.Mesh.Stored = 3
	snap.Mesh.Relayed = 7
	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	var out bytes.Buffer
	if code := run([]string{"status", "--metrics", path}, &out, &out); code != 0 {
		t.Fatalf("status failed: %s", out.String())
	}
	if !strings.Contains(out.String(), "stored: 3") || !strings.Contains(out.String(), "relayed: 7") {
		t.Fatalf("status output wrong: %s", out.String())
	}
}

func TestStatusMissingSnapshot(t *testing.T) {
	var out bytes.Buffer
	code := run([]string{"status", "--metrics", filepath.Join(t.TempDir(), "absent.json")}, &out, &out)
	if code != 1 {
		t.Fatalf("missing snapshot should fail, got %d", code)
	}
	if !strings.Contains(out.String(), "no metrics snapshot") {
		t.Fatalf("status output wrong: %s", out.String())
	}
}

func TestSplitChannels(t *testing.T) {
	got := splitChannels(" lobby, ops ,,alerts ")
	want := []string{"lobby", "ops", "alerts"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
	if out := splitChannels(""); len(out) != 0 {
		t.Fatalf("empty input should yield nothing, got %v", out)
	}
}
