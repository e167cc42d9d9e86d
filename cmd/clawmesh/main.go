package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/openclaw/clawmesh/internal/bootstrap"
	"github.com/openclaw/clawmesh/internal/bridge"
	"github.com/openclaw/clawmesh/internal/identity"
	"github.com/openclaw/clawmesh/internal/mesh"
	"github.com/openclaw/clawmesh/internal/metrics"
	"github.com/openclaw/clawmesh/internal/network"
	"github.com/openclaw/clawmesh/internal/pprofutil"
	"github.com/openclaw/clawmesh/internal/proto"
	"github.com/openclaw/clawmesh/internal/store"
)

const metricsWriteInterval = 30 * time.Second

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runPeer(args[1:], stdout, stderr)
	case "bridge":
		return runBridge(args[1:], stdout, stderr)
	case "bootstrap":
		return runBootstrap(args[1:], stdout, stderr)
	case "id":
		return runID(args[1:], stdout, stderr)
	case "status":
		return runStatus(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: clawmesh <run|bridge|bootstrap|id|status> [args]")
	fmt.Fprintln(w, "  run        --addr :9474 [--bootstrap URL] [--store PATH] [--keys DIR] [--channels lobby] [--rediscover SECONDS] [--debug]")
	fmt.Fprintln(w, "  bridge     --addr :8080 --mesh-addr :9474 [--public-url URL] [--bootstrap URL] [--store PATH] [--keys DIR] [--debug]")
	fmt.Fprintln(w, "  bootstrap  --addr :4000 [--file PATH]")
	fmt.Fprintln(w, "  id         [--keys DIR]")
	fmt.Fprintln(w, "  status     [--metrics PATH]")
}

func homeDir() string {
	h, _ := os.UserHomeDir()
	return filepath.Join(h, ".clawmesh")
}

func loadIdentity(keysDir string, stderr io.Writer) (*identity.Identity, error) {
	if keysDir == "" {
		fmt.Fprintln(stderr, "no --keys dir; using an ephemeral identity for this process")
		return identity.NewEphemeral()
	}
	return identity.LoadOrCreate(keysDir)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func startDiscovery(ctx context.Context, eng *mesh.Engine, url string, rediscover time.Duration, stderr io.Writer) {
	if url == "" {
		return
	}
	dialer := network.WSDialer{}
	connectOnce := func() {
		peers, err := bootstrap.Fetch(ctx, url)
		if err != nil {
			fmt.Fprintf(stderr, "bootstrap fetch failed: %v\n", err)
			return
		}
		bootstrap.ConnectAll(ctx, eng, dialer, peers)
	}
	connectOnce()
	if rediscover <= 0 {
		return
	}
	go func() {
		t := time.NewTicker(rediscover)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				connectOnce()
			}
		}
	}()
}

func startMetricsWriter(ctx context.Context, m *metrics.Metrics, path string) {
	if path == "" {
		return
	}
	go func() {
		t := time.NewTicker(metricsWriteInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = m.WriteSnapshot(path)
				return
			case <-t.C:
				_ = m.WriteSnapshot(path)
			}
		}
	}()
}

func runPeer(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", ":9474", "mesh listen addr (host:port)")
	bootstrapURL := fs.String("bootstrap", "", "bootstrap document URL")
	storePath := fs.String("store", filepath.Join(homeDir(), "mesh.jsonl"), "mesh store path")
	keysDir := fs.String("keys", "", "key directory (empty = ephemeral identity)")
	channels := fs.String("channels", "lobby", "comma-separated channels to subscribe")
	rediscover := fs.Int("rediscover", 0, "re-fetch bootstrap every N seconds (0 = once)")
	metricsPath := fs.String("metrics", filepath.Join(homeDir(), "metrics.json"), "metrics snapshot path")
	relay := fs.Bool("relay", true, "advertise and perform relaying")
	storeCap := fs.Bool("store-messages", true, "advertise and perform storing")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *debug {
		_ = os.Setenv("CLAWMESH_DEBUG", "1")
	}
	if err := pprofutil.StartFromEnv(stderr); err != nil {
		fmt.Fprintf(stderr, "pprof disabled: %v\n", err)
	}

	id, err := loadIdentity(*keysDir, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "identity failed: %v\n", err)
		return 1
	}
	st, err := store.Open(*storePath)
	if err != nil {
		fmt.Fprintf(stderr, "store open failed: %v\n", err)
		return 1
	}
	m := metrics.New()
	eng, err := mesh.New(mesh.Config{
		Identity:     id,
		Capabilities: proto.Capabilities{Relay: *relay, Store: *storeCap},
		Store:        st,
		Metrics:      m,
	})
	if err != nil {
		fmt.Fprintf(stderr, "engine failed: %v\n", err)
		return 1
	}

	ctx, cancel := signalContext()
	defer cancel()

	ready := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- network.ListenAndServeWithReady(ctx, *addr, network.Handler(eng), ready)
	}()
	select {
	case actual := <-ready:
		fmt.Fprintf(stdout, "READY addr=%s peer_id=%s\n", actual, eng.PeerID())
	case err := <-errCh:
		fmt.Fprintf(stderr, "listen failed: %v\n", err)
		return 1
	}

	startDiscovery(ctx, eng, *bootstrapURL, time.Duration(*rediscover)*time.Second, stderr)
	for _, ch := range splitChannels(*channels) {
		eng.Subscribe(ch)
	}
	startMetricsWriter(ctx, m, *metricsPath)

	if err := <-errCh; err != nil {
		fmt.Fprintf(stderr, "run failed: %v\n", err)
		return 1
	}
	_ = m.WriteSnapshot(*metricsPath)
	return 0
}

func runBridge(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("bridge", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", ":8080", "legacy API listen addr")
	meshAddr := fs.String("mesh-addr", ":9474", "mesh listen addr")
	publicURL := fs.String("public-url", "", "advertised public URL of the legacy API")
	bootstrapURL := fs.String("bootstrap", "", "bootstrap document URL")
	storePath := fs.String("store", filepath.Join(homeDir(), "mesh.jsonl"), "mesh store path")
	keysDir := fs.String("keys", "", "key directory (empty = ephemeral identity)")
	metricsPath := fs.String("metrics", filepath.Join(homeDir(), "metrics.json"), "metrics snapshot path")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *debug {
		_ = os.Setenv("CLAWMESH_DEBUG", "1")
	}
	if err := pprofutil.StartFromEnv(stderr); err != nil {
		fmt.Fprintf(stderr, "pprof disabled: %v\n", err)
	}

	id, err := loadIdentity(*keysDir, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "identity failed: %v\n", err)
		return 1
	}
	st, err := store.Open(*storePath)
	if err != nil {
		fmt.Fprintf(stderr, "store open failed: %v\n", err)
		return 1
	}
	m := metrics.New()
	// The bridge is both a full mesh participant and the legacy fan-out
	// target, so the engine's message callback routes through it.
	var br *bridge.Bridge
	eng, err := mesh.New(mesh.Config{
		Identity:     id,
		Capabilities: proto.Capabilities{Relay: true, Store: true},
		Store:        st,
		Metrics:      m,
		OnMessage: func(msg store.Message) {
			br.OnMeshMessage(msg)
		},
	})
	if err != nil {
		fmt.Fprintf(stderr, "engine failed: %v\n", err)
		return 1
	}
	br = bridge.New(eng, *publicURL)

	ctx, cancel := signalContext()
	defer cancel()

	meshReady := make(chan string, 1)
	apiReady := make(chan string, 1)
	errCh := make(chan error, 2)
	go func() {
		errCh <- network.ListenAndServeWithReady(ctx, *meshAddr, network.Handler(eng), meshReady)
	}()
	go func() {
		errCh <- network.ListenAndServeWithReady(ctx, *addr, br.Handler(), apiReady)
	}()
	for i := 0; i < 2; i++ {
		select {
		case actual := <-meshReady:
			fmt.Fprintf(stdout, "READY mesh=%s peer_id=%s\n", actual, eng.PeerID())
		case actual := <-apiReady:
			fmt.Fprintf(stdout, "READY api=%s\n", actual)
		case err := <-errCh:
			fmt.Fprintf(stderr, "listen failed: %v\n", err)
			return 1
		}
	}

	startDiscovery(ctx, eng, *bootstrapURL, 0, stderr)
	eng.Subscribe("lobby")
	startMetricsWriter(ctx, m, *metricsPath)

	if err := <-errCh; err != nil {
		fmt.Fprintf(stderr, "run failed: %v\n", err)
		return 1
	}
	<-errCh
	_ = m.WriteSnapshot(*metricsPath)
	return 0
}

func runBootstrap(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("bootstrap", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", ":4000", "bootstrap listen addr")
	file := fs.String("file", "", "bootstrap document path (empty = built-in empty document)")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	ctx, cancel := signalContext()
	defer cancel()

	ready := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- network.ListenAndServeWithReady(ctx, *addr, bootstrap.Handler(*file), ready)
	}()
	select {
	case actual := <-ready:
		fmt.Fprintf(stdout, "READY bootstrap=%s file=%s\n", actual, *file)
	case err := <-errCh:
		fmt.Fprintf(stderr, "listen failed: %v\n", err)
		return 1
	}
	if err := <-errCh; err != nil {
		fmt.Fprintf(stderr, "run failed: %v\n", err)
		return 1
	}
	return 0
}

func runID(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("id", flag.ContinueOnError)
	fs.SetOutput(stderr)
	keysDir := fs.String("keys", filepath.Join(homeDir(), "keys"), "key directory")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	id, err := identity.LoadOrCreate(*keysDir)
	if err != nil {
		fmt.Fprintf(stderr, "identity failed: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, id.PeerID)
	return 0
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	metricsPath := fs.String("metrics", filepath.Join(homeDir(), "metrics.json"), "metrics snapshot path")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	snap, err := readMetricsSnapshot(*metricsPath)
	if err != nil {
		fmt.Fprintf(stdout, "status: no metrics snapshot at %s (%v)\n", *metricsPath, err)
		return 1
	}
	fmt.Fprintln(stdout, "Local mesh summary (this node only):")
	fmt.Fprintf(stdout, "  generated: %s\n", snap.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(stdout, "  stored: %d published: %d relayed: %d\n", snap.Mesh.Stored, snap.Mesh.Published, snap.Mesh.Relayed)
	fmt.Fprintf(stdout, "  dropped: duplicate=%d invalid=%d bad_sig=%d\n", snap.Mesh.DropDuplicate, snap.Mesh.DropInvalid, snap.Mesh.DropBadSig)
	fmt.Fprintf(stdout, "  connections: opened=%d closed=%d handshakes=%d\n", snap.Mesh.ConnsOpened, snap.Mesh.ConnsClosed, snap.Mesh.Handshakes)
	fmt.Fprintf(stdout, "  recent messages: %d\n", len(snap.Recent))
	return 0
}

func readMetricsSnapshot(path string) (metrics.Snapshot, error) {
	var snap metrics.Snapshot
	data, err := os.ReadFile(path)
	if err != nil {
		return snap, err
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, err
	}
	return snap, nil
}

func splitChannels(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if ch := strings.TrimSpace(part); ch != "" {
			out = append(out, ch)
		}
	}
	return out
}
