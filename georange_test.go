package georange

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jpalmerr/georange/geo"
	"github.com/jpalmerr/georange/internal/store"
	"github.com/jpalmerr/georange/transport"
	"github.com/jpalmerr/georange/transport/sim"
)

// testLogger returns a logger that discards all output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var walkFix = geo.Fix{Latitude: 51.5, Longitude: -0.125, Altitude: 35, Satellites: 7, FixFlags: 7}

// testNetwork is a controller, a primary always reporting walkFix and one
// secondary.
func testNetwork() *sim.Network {
	n := sim.New(
		sim.Node{ID: 1, Controller: true},
		sim.Node{ID: 2, Classes: geoAndMeta, Handler: sim.Script(sim.FixReply(walkFix))},
		sim.Node{ID: 3, Classes: metaOnly, Handler: sim.Script(sim.MetadataReply(transport.TxReport{
			TxPower: transport.Measured(4),
			RSSI:    transport.Measured(-70),
		}))},
	)
	n.SetPowerlevel(-3)
	return n
}

func newTestRangeTest(t *testing.T, n transport.Transport, opts ...Option) (*RangeTest, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "geoloc.csv")
	base := []Option{
		WithTransport(n),
		WithOutputFile(path),
		WithPenaltyDelay(5 * time.Millisecond),
		WithPacingDelay(5 * time.Millisecond),
		WithResponseTimeout(50 * time.Millisecond),
		WithLogger(testLogger()),
	}
	rt, err := New(append(base, opts...)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return rt, path
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("os.Open() error = %v", err)
	}
	defer func() { _ = f.Close() }()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}

func TestStart_WritesTelemetryLog(t *testing.T) {
	n := testNetwork()
	rt, path := newTestRangeTest(t, n)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	if err := rt.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	lines := readLines(t, path)
	if len(lines) < 3 {
		t.Fatalf("log has %d lines, want header and rows: %v", len(lines), lines)
	}
	if lines[0] != "Time, Latitude, Longitude, Altitude, TxPower, RSSI, NodeID, Distance" {
		t.Errorf("header = %q", lines[0])
	}

	primary := strings.SplitN(lines[1], ", ", 2)
	if primary[1] != "51.5, -0.125, 35, -3, 127, 2, 0" {
		t.Errorf("primary row = %q, want the powerlevel as tx power and RSSI 127", lines[1])
	}
	secondary := strings.SplitN(lines[2], ", ", 2)
	if secondary[1] != "51.5, -0.125, 35, 4, -70, 3" {
		t.Errorf("secondary row = %q", lines[2])
	}
	if primary[0] != secondary[0] {
		t.Errorf("secondary time %q differs from primary time %q", secondary[0], primary[0])
	}

	if !n.Closed() {
		t.Error("transport not closed after Start returned")
	}
	if n.MaxInFlight() != 1 {
		t.Errorf("MaxInFlight() = %d, want 1", n.MaxInFlight())
	}
}

func TestStart_BlocksUntilContextCancelled(t *testing.T) {
	rt, _ := newTestRangeTest(t, testNetwork())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("Start() returned early with error: %v", err)
	default:
	}

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after context cancellation")
	}
}

func TestStart_ReturnsImmediatelyIfContextAlreadyCancelled(t *testing.T) {
	n := testNetwork()
	rt, path := newTestRangeTest(t, n)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := rt.Start(ctx); err != nil {
		t.Errorf("Start() error = %v", err)
	}
	if len(n.Sent()) != 0 {
		t.Errorf("Sent() = %v, want no commands", n.Sent())
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("log file created for a cancelled run: %v", err)
	}
	if !n.Closed() {
		t.Error("transport not closed")
	}
}

func TestStart_NoPrimary(t *testing.T) {
	n := sim.New(
		sim.Node{ID: 1, Controller: true},
		sim.Node{ID: 3, Classes: metaOnly},
	)
	rt, _ := newTestRangeTest(t, n)

	err := rt.Start(context.Background())
	if !errors.Is(err, ErrNoPrimary) {
		t.Fatalf("Start() error = %v, want ErrNoPrimary", err)
	}
	if !n.Closed() {
		t.Error("transport not closed after failed discovery")
	}
}

func TestStart_DiscoveryFailure(t *testing.T) {
	n := testNetwork()
	_ = n.Close()
	rt, _ := newTestRangeTest(t, n)

	err := rt.Start(context.Background())
	if !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("Start() error = %v, want transport.ErrClosed", err)
	}
	if !strings.Contains(err.Error(), "discover targets") {
		t.Errorf("Start() error = %v, want discovery context", err)
	}
}

func TestStart_UnwritableLog(t *testing.T) {
	n := testNetwork()
	rt, err := New(WithTransport(n), WithOutputFile(t.TempDir()), WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := rt.Start(context.Background()); err == nil {
		t.Fatal("Start() error = nil, want error opening a directory as the log")
	}
	if len(n.Sent()) != 0 {
		t.Errorf("Sent() = %d commands, want none", len(n.Sent()))
	}
}

func TestStart_DefaultTxPowerWithoutPowerlevel(t *testing.T) {
	n := testNetwork()
	rt, path := newTestRangeTest(t, noPowerlevel{n}, WithDefaultTxPower(2))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	lines := readLines(t, path)
	if len(lines) < 2 || !strings.HasSuffix(lines[1], ", 2, 127, 2, 0") {
		t.Errorf("primary row = %v, want default tx power 2", lines)
	}
}

// noPowerlevel hides the simulator's powerlevel support.
type noPowerlevel struct {
	transport.Transport
}

func TestStart_NoteRows(t *testing.T) {
	n := sim.New(
		sim.Node{ID: 2, Classes: geoOnly, Handler: sim.Script(sim.Reply{Kind: sim.Nack})},
	)
	rt, path := newTestRangeTest(t, n, WithNoteRows(true))

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	lines := readLines(t, path)
	if len(lines) < 2 {
		t.Fatalf("log = %v, want header and notes", lines)
	}
	if !strings.HasPrefix(lines[1], "# ") || !strings.HasSuffix(lines[1], "Node 2: NACK") {
		t.Errorf("note line = %q", lines[1])
	}
}

func TestStart_AppendsAcrossRuns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "geoloc.csv")

	for i := 0; i < 2; i++ {
		rt, err := New(
			WithTransport(testNetwork()),
			WithOutputFile(path),
			WithPacingDelay(5*time.Millisecond),
			WithLogger(testLogger()),
		)
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		if err := rt.Start(ctx); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		cancel()
	}

	headers := 0
	for _, line := range readLines(t, path) {
		if strings.HasPrefix(line, "Time, ") {
			headers++
		}
	}
	if headers != 2 {
		t.Errorf("headers = %d, want one per run", headers)
	}
}

func TestStart_ServesStatus(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	rt, _ := newTestRangeTest(t, testNetwork(), WithPort(port))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Start(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	url := fmt.Sprintf("http://127.0.0.1:%d/api/status", port)
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			var statuses []store.TargetStatus
			decodeErr := json.NewDecoder(resp.Body).Decode(&statuses)
			_ = resp.Body.Close()
			if decodeErr == nil && len(statuses) == 2 {
				if statuses[0].Node != 2 || statuses[0].Distance == nil || statuses[1].Node != 3 {
					t.Errorf("statuses = %+v", statuses)
				}
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("status API never reported both targets")
}

func TestStart_PortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	defer func() { _ = ln.Close() }()

	n := testNetwork()
	rt, _ := newTestRangeTest(t, n, WithPort(ln.Addr().(*net.TCPAddr).Port))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = rt.Start(ctx)
	if err == nil || !strings.Contains(err.Error(), "failed to start HTTP server") {
		t.Fatalf("Start() error = %v, want HTTP server error", err)
	}
	if !n.Closed() {
		t.Error("transport not closed")
	}
}

func TestWithResultCallback_InvokedPerExchange(t *testing.T) {
	var mu sync.Mutex
	var results []PollResult

	rt, _ := newTestRangeTest(t, testNetwork(), WithResultCallback(func(r PollResult) {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(results) < 2 {
		t.Fatalf("callback invoked %d times, want at least 2", len(results))
	}

	p, s := results[0], results[1]
	if p.Role != RolePrimary || p.Outcome != OutcomeSuccess || !p.Logged || p.Fix == nil || p.Fix.Satellites != 7 {
		t.Errorf("primary result = %+v", p)
	}
	if p.CorrelationID == "" {
		t.Error("primary result has no correlation ID")
	}
	if s.Role != RoleSecondary || s.Node != 3 || !s.Logged {
		t.Errorf("secondary result = %+v", s)
	}
	if v, ok := s.RSSI.Value(); !ok || v != -70 {
		t.Errorf("secondary RSSI = %v, want -70", s.RSSI)
	}
	if s.TxPower != 4 {
		t.Errorf("secondary TxPower = %d, want 4", s.TxPower)
	}
}

func TestWithResultCallback_ReportsNotes(t *testing.T) {
	low := walkFix
	low.Satellites = 2
	n := sim.New(sim.Node{ID: 2, Classes: geoOnly, Handler: sim.Script(sim.FixReply(low))})

	var notes atomic.Value
	rt, _ := newTestRangeTest(t, n, WithResultCallback(func(r PollResult) {
		notes.Store(r)
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	got, ok := notes.Load().(PollResult)
	if !ok {
		t.Fatal("callback never invoked")
	}
	if got.Logged || got.Note != "Invalid GPS reading" || got.Fix == nil {
		t.Errorf("result = %+v, want an unlogged invalid fix", got)
	}
}

func TestWithResultCallback_PanicRecovery(t *testing.T) {
	var after atomic.Int32

	rt, _ := newTestRangeTest(t, testNetwork(),
		WithResultCallback(func(PollResult) { panic("boom") }),
		WithResultCallback(func(PollResult) { after.Add(1) }),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if after.Load() == 0 {
		t.Error("callback after a panicking one was never invoked")
	}
}

func TestWithResultCallback_NoSharedFix(t *testing.T) {
	var first *geo.Fix
	var mu sync.Mutex

	rt, _ := newTestRangeTest(t, testNetwork(), WithResultCallback(func(r PollResult) {
		mu.Lock()
		defer mu.Unlock()
		if r.Fix == nil {
			return
		}
		if first == nil {
			first = r.Fix
			first.Latitude = 0
			return
		}
		if r.Fix.Latitude != walkFix.Latitude {
			t.Errorf("Fix.Latitude = %v, mutation leaked between results", r.Fix.Latitude)
		}
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestStart_WarnsOnceWhenTargetUnreachable(t *testing.T) {
	n := sim.New(
		sim.Node{ID: 1, Controller: true},
		sim.Node{ID: 2, Classes: geoAndMeta, Handler: sim.Script(sim.Reply{Kind: sim.Nack})},
	)

	var logs syncBuffer
	rt, _ := newTestRangeTest(t, n, WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if got := strings.Count(logs.String(), "target unreachable"); got != 1 {
		t.Errorf("unreachable warnings = %d, want 1", got)
	}
}
