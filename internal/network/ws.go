// Package network is the WebSocket transport glue: the listener side that
// upgrades inbound peers, the outbound dialer, and the read pumps feeding
// frames to the engine.
package network

import (
	"context"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openclaw/clawmesh/internal/debuglog"
	"github.com/openclaw/clawmesh/internal/mesh"
	"github.com/openclaw/clawmesh/internal/proto"
)

const (
	defaultDialTimeout = 10 * time.Second
	writeWait          = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Peers are not browsers; origin checks do not apply to mesh links.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsLink adapts one websocket to mesh.Link. gorilla permits a single
// concurrent writer, so sends serialize on the mutex.
type wsLink struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (l *wsLink) Send(data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = l.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return l.ws.WriteMessage(websocket.TextMessage, data)
}

func (l *wsLink) Close() error {
	return l.ws.Close()
}

// readPump owns the socket's read side: frames go to the engine until the
// socket dies or a local persistence error surfaces, then the connection is
// detached.
func readPump(eng *mesh.Engine, c *mesh.Conn, ws *websocket.Conn) {
	defer eng.Detach(c)
	ws.SetReadLimit(proto.MaxFrameSize)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			debuglog.Debugf("network: read from %s ended: %v", c.RemotePeerID(), err)
			return
		}
		if err := eng.HandleFrame(c, data); err != nil {
			debuglog.Logf("network: frame handling failed, dropping %s: %v", c.RemotePeerID(), err)
			return
		}
	}
}

// Handler upgrades inbound peer connections and attaches them to the
// engine. Plain HTTP requests get a one-line status so the listener is
// probeable with curl.
func Handler(eng *mesh.Engine) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !websocket.IsWebSocketUpgrade(r) {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			_, _ = w.Write([]byte("clawmesh peer " + eng.PeerID() + "\n"))
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			debuglog.Debugf("network: upgrade failed: %v", err)
			return
		}
		c := eng.Attach(&wsLink{ws: ws})
		go readPump(eng, c, ws)
	})
}

// WSDialer opens outbound mesh links. The zero value uses sane defaults.
type WSDialer struct {
	Timeout time.Duration
}

// Dial connects to a peer's advertised WebSocket URL, attaches the link,
// and starts its read pump. The caller sends the initiator handshake.
func (d WSDialer) Dial(ctx context.Context, url string, eng *mesh.Engine) (*mesh.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.timeout()}
	ws, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	c := eng.Attach(&wsLink{ws: ws})
	go readPump(eng, c, ws)
	return c, nil
}

func (d WSDialer) timeout() time.Duration {
	if d.Timeout > 0 {
		return d.Timeout
	}
	if v, ok := envDuration("CLAWMESH_DIAL_TIMEOUT_MS"); ok {
		return v
	}
	return defaultDialTimeout
}

// ListenAndServe serves handler on addr until the server fails.
func ListenAndServe(addr string, handler http.Handler) error {
	return ListenAndServeWithReady(context.Background(), addr, handler, nil)
}

// ListenAndServeWithReady binds addr, reports the bound address on ready
// (useful with ":0"), and serves until ctx is cancelled or the server
// fails. Cancellation is a clean shutdown, not an error.
func ListenAndServeWithReady(ctx context.Context, addr string, handler http.Handler, ready chan<- string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		debuglog.Logf("network: listen %s failed: %v", addr, err)
		return err
	}
	debuglog.Logf("network: listening on %s", ln.Addr())
	if ready != nil {
		ready <- ln.Addr().String()
	}
	srv := &http.Server{Handler: handler}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		case <-done:
		}
	}()
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func envDuration(key string) (time.Duration, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms <= 0 {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}
