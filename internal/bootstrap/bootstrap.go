// Package bootstrap implements peer discovery: fetching a published peer
// list over HTTP and the serving side that hands the list out.
package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/openclaw/clawmesh/internal/debuglog"
	"github.com/openclaw/clawmesh/internal/mesh"
	"github.com/openclaw/clawmesh/internal/proto"
)

// maxDocumentSize caps the fetched bootstrap body. A peer list is small;
// anything bigger is a misconfigured URL.
const maxDocumentSize = 1 << 20

const fetchTimeout = 10 * time.Second

type Peer struct {
	PeerID       string              `json:"peer_id"`
	WSURL        string              `json:"ws_url"`
	Capabilities *proto.Capabilities `json:"capabilities,omitempty"`
}

type Document struct {
	Version   int    `json:"version"`
	Peers     []Peer `json:"peers"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// Fetch retrieves the peer list from url. A reachable server answering
// with a non-2xx status or an unusable body yields zero peers without an
// error; only transport failures are errors.
func Fetch(ctx context.Context, url string) ([]Peer, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: fetchTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bootstrap fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		debuglog.Debugf("bootstrap: %s answered %d", url, resp.StatusCode)
		return []Peer{}, nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, fmt.Errorf("bootstrap read: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(body, &doc); err != nil {
		debuglog.Debugf("bootstrap: unusable document from %s: %v", url, err)
		return []Peer{}, nil
	}
	if doc.Peers == nil {
		return []Peer{}, nil
	}
	return doc.Peers, nil
}

// ConnectAll dials every listed peer. Entries naming the local peer or
// lacking an address are skipped by the engine; dial failures are logged
// and skipped. Returns how many connections were opened.
func ConnectAll(ctx context.Context, eng *mesh.Engine, d mesh.Dialer, peers []Peer) int {
	opened := 0
	for _, p := range peers {
		before := eng.ConnCount()
		if err := eng.Connect(ctx, d, p.PeerID, p.WSURL); err != nil {
			debuglog.Debugf("bootstrap: connect %s (%s) failed: %v", p.PeerID, p.WSURL, err)
			continue
		}
		if eng.ConnCount() > before {
			opened++
		}
	}
	return opened
}

// Handler serves the bootstrap document from path. A missing file serves
// the empty document rather than an error so a fresh deployment is
// immediately usable.
func Handler(path string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if r.URL.Path != "/" && r.URL.Path != "/bootstrap.json" {
			writeJSONError(w, http.StatusNotFound, "not found")
			return
		}
		data, err := documentBytes(path)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to read bootstrap file")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	})
}

func documentBytes(path string) ([]byte, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data, nil
		}
		if !os.IsNotExist(err) {
			return nil, err
		}
	}
	return json.Marshal(Document{
		Version:   proto.ProtocolVersion,
		Peers:     []Peer{},
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	})
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
