package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/openclaw/clawmesh/internal/identity"
	"github.com/openclaw/clawmesh/internal/mesh"
	"github.com/openclaw/clawmesh/internal/store"
)

func TestFetchParsesPeers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"version":1,"peers":[{"peer_id":"p1","ws_url":"ws://a:9474","capabilities":{"relay":true,"store":false}}]}`))
	}))
	defer srv.Close()

	peers, err := Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(peers) != 1 {
		t.Fatalf("expected one peer, got %d", len(peers))
	}
	p := peers[0]
	if p.PeerID != "p1" || p.WSURL != "ws://a:9474" {
		t.Fatalf("peer fields wrong: %+v", p)
	}
	if p.Capabilities == nil || !p.Capabilities.Relay || p.Capabilities.Store {
		t.Fatalf("capabilities wrong: %+v", p.Capabilities)
	}
}

func TestFetchNonOKIsEmptyNotError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	peers, err := Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("non-2xx should not be an error: %v", err)
	}
	if len(peers) != 0 {
		t.Fatalf("expected zero peers, got %+v", peers)
	}
}

func TestFetchMalformedBodyIsEmptyNotError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>not json</html>"))
	}))
	defer srv.Close()

	peers, err := Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("malformed body should not be an error: %v", err)
	}
	if len(peers) != 0 {
		t.Fatalf("expected zero peers, got %+v", peers)
	}
}

func TestFetchMissingPeersField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"version":1}`))
	}))
	defer srv.Close()

	peers, err := Fetch(context.Background(), srv.URL)
	if err != nil || len(peers) != 0 {
		t.Fatalf("missing peers field should be empty, got %v %v", peers, err)
	}
}

func TestFetchUnreachableIsError(t *testing.T) {
	if _, err := Fetch(context.Background(), "http://127.0.0.1:1/bootstrap.json"); err == nil {
		t.Fatalf("expected transport error")
	}
}

func TestHandlerServesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bootstrap.json")
	doc := `{"version":1,"peers":[{"peer_id":"p1","ws_url":"ws://a:9474"}]}`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	srv := httptest.NewServer(Handler(path))
	defer srv.Close()

	peers, err := Fetch(context.Background(), srv.URL+"/bootstrap.json")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(peers) != 1 || peers[0].PeerID != "p1" {
		t.Fatalf("served document wrong: %+v", peers)
	}
}

func TestHandlerDefaultDocument(t *testing.T) {
	srv := httptest.NewServer(Handler(filepath.Join(t.TempDir(), "absent.json")))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/bootstrap.json")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	defer resp.Body.Close()
	var doc Document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if doc.Version != 1 || doc.Peers == nil || len(doc.Peers) != 0 {
		t.Fatalf("default document wrong: %+v", doc)
	}
	if doc.UpdatedAt == "" {
		t.Fatalf("default document should carry updated_at")
	}
}

func TestHandlerRoutes(t *testing.T) {
	srv := httptest.NewServer(Handler(""))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/other")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown path should 404, got %d", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/bootstrap.json", "application/json", nil)
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("post should 405, got %d", resp.StatusCode)
	}
}

type nullLink struct{}

func (nullLink) Send([]byte) error { return nil }
func (nullLink) Close() error      { return nil }

type stubDialer struct {
	failURL string
	dialed  []string
}

func (d *stubDialer) Dial(ctx context.Context, url string, e *mesh.Engine) (*mesh.Conn, error) {
	if url == d.failURL {
		return nil, errors.New("refused")
	}
	d.dialed = append(d.dialed, url)
	return e.Attach(nullLink{}), nil
}

func TestConnectAllSkipsAndCounts(t *testing.T) {
	id, err := identity.NewEphemeral()
	if err != nil {
		t.Fatalf("identity failed: %v", err)
	}
	st, err := store.Open(filepath.Join(t.TempDir(), "mesh.jsonl"))
	if err != nil {
		t.Fatalf("store failed: %v", err)
	}
	eng, err := mesh.New(mesh.Config{Identity: id, Store: st})
	if err != nil {
		t.Fatalf("engine failed: %v", err)
	}

	d := &stubDialer{failURL: "ws://down:9474"}
	opened := ConnectAll(context.Background(), eng, d, []Peer{
		{PeerID: id.PeerID, WSURL: "ws://self:9474"},
		{PeerID: "p2", WSURL: ""},
		{PeerID: "p3", WSURL: "ws://down:9474"},
		{PeerID: "p4", WSURL: "ws://up:9474"},
	})
	if opened != 1 {
		t.Fatalf("expected one opened connection, got %d", opened)
	}
	if len(d.dialed) != 1 || d.dialed[0] != "ws://up:9474" {
		t.Fatalf("dial targets wrong: %+v", d.dialed)
	}
	if eng.ConnCount() != 1 {
		t.Fatalf("engine should hold the one dialed connection")
	}
}
