package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/jroosing/portway/internal/config"
	"github.com/jroosing/portway/internal/metrics"
	"github.com/jroosing/portway/internal/pool"
)

// ErrBindFailed is returned when a public listener could not be opened.
// Allocation is atomic: any partially opened socket is rolled back.
var ErrBindFailed = errors.New("gateway: listener bind failed")

// copyBuffers pools the stream copy buffers shared by every paired session.
var copyBuffers = pool.NewBuffers(32 * 1024)

// EventSink receives fabric lifecycle events for the history log. A nil
// sink is silently ignored.
type EventSink func(kind string, publicPort int, detail string)

// Binding is the runtime association of one public port with a protocol and
// an agent-side local destination. It owns the port's public listeners and
// its session pool.
type Binding struct {
	PublicPort int
	LocalPort  int
	Protocol   config.Protocol
	MappingID  string
	CreatedAt  time.Time

	pool    *SessionPool
	tcpLn   net.Listener
	udpConn *net.UDPConn

	logger  *slog.Logger
	stats   *FabricStats
	metrics *metrics.Metrics

	flows *flowTable

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// Pool exposes the binding's session pool to the acceptor.
func (b *Binding) Pool() *SessionPool { return b.pool }

// close tears down the binding's listeners and pool contents.
func (b *Binding) close() {
	b.closeOnce.Do(func() {
		b.cancel()
		if b.tcpLn != nil {
			_ = b.tcpLn.Close()
		}
		if b.udpConn != nil {
			_ = b.udpConn.Close()
		}
		b.pool.Drain()
		b.wg.Wait()
	})
}

// runPair bridges a committed (pending connection, session) pair until
// either side finishes. Bytes the liveness probe consumed ahead of pairing
// are replayed first so the stream stays byte-exact.
//
// Goroutine lifecycle: spawned by the session pool per pairing; both pump
// halves exit when either socket closes or errors.
func (b *Binding) runPair(pc *pendingConn, s *Session) {
	defer b.stats.RecordUnpair()
	defer s.Close()
	defer pc.conn.Close()

	if len(pc.head) > 0 {
		if _, err := s.Conn().Write(pc.head); err != nil {
			return
		}
		b.stats.RecordBytes(int64(len(pc.head)))
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		b.pump(s.Conn(), pc.conn)
	}()
	go func() {
		defer wg.Done()
		b.pump(pc.conn, s.Conn())
	}()
	wg.Wait()
}

// pump copies src to dst until EOF or error, then half-closes dst so the
// peer observes EOF after the buffered bytes flush.
func (b *Binding) pump(dst, src net.Conn) {
	bufPtr := copyBuffers.Get()
	n, _ := io.CopyBuffer(dst, src, *bufPtr)
	copyBuffers.Put(bufPtr)

	b.stats.RecordBytes(n)
	b.metrics.BytesRelayed.Add(float64(n))

	if tc, ok := dst.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}
}

// MappingTable owns the live bindings: allocation, release, lookup. Exactly
// one binding exists per public port and per agent local port; each binding
// has exactly one listening socket per protocol it declares.
type MappingTable struct {
	registry    *PortRegistry
	logger      *slog.Logger
	stats       *FabricStats
	metrics     *metrics.Metrics
	events      EventSink
	pairTimeout time.Duration

	mu       sync.Mutex
	byPublic map[int]*Binding
	byLocal  map[int]*Binding
}

// NewMappingTable creates an empty table over the given registry.
func NewMappingTable(reg *PortRegistry, logger *slog.Logger, stats *FabricStats, m *metrics.Metrics, events EventSink) *MappingTable {
	return &MappingTable{
		registry:    reg,
		logger:      logger,
		stats:       stats,
		metrics:     m,
		events:      events,
		pairTimeout: DefaultPairTimeout,
		byPublic:    make(map[int]*Binding),
		byLocal:     make(map[int]*Binding),
	}
}

// SetPairTimeout overrides the pending-connection pairing timeout.
func (t *MappingTable) SetPairTimeout(d time.Duration) {
	if d > 0 {
		t.pairTimeout = d
	}
}

// Allocate reserves a public port and brings its listeners up atomically.
// Re-allocating a local port whose binding still exists returns the
// existing binding unchanged, making the control-plane call idempotent.
//
// If any requested listener fails to bind, every already-open socket is
// closed, the port returns to the registry, and ErrBindFailed is returned.
func (t *MappingTable) Allocate(localPort, preferred int, proto config.Protocol, mappingID string) (*Binding, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.byLocal[localPort]; ok {
		return existing, nil
	}

	port, err := t.registry.Allocate(preferred)
	if err != nil {
		return nil, err
	}

	b, err := t.openBinding(port, localPort, proto, mappingID)
	if err != nil {
		t.registry.Release(port)
		return nil, err
	}

	t.byPublic[port] = b
	t.byLocal[localPort] = b

	t.logger.Info("port allocated",
		"public_port", port, "local_port", localPort, "protocol", proto, "mapping_id", mappingID)
	if t.events != nil {
		t.events("allocate", port, fmt.Sprintf("local_port=%d protocol=%s", localPort, proto))
	}
	return b, nil
}

// openBinding opens the listeners a protocol declares and starts their
// loops. Caller holds t.mu; socket bring-up does not consult shared state.
func (t *MappingTable) openBinding(port, localPort int, proto config.Protocol, mappingID string) (*Binding, error) {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Binding{
		PublicPort: port,
		LocalPort:  localPort,
		Protocol:   proto,
		MappingID:  mappingID,
		CreatedAt:  time.Now(),
		logger:     t.logger,
		stats:      t.stats,
		metrics:    t.metrics,
		flows:      newFlowTable(defaultFlowIdle),
		ctx:        ctx,
		cancel:     cancel,
	}
	b.pool = newSessionPool(port, t.pairTimeout, t.logger, t.stats)
	b.pool.startPair = b.runPair

	addr := net.JoinHostPort("", strconv.Itoa(port))

	if proto.HasTCP() {
		ln, err := listenTCP(ctx, addr)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("%w: tcp %s: %v", ErrBindFailed, addr, err)
		}
		b.tcpLn = ln
	}
	if proto.HasUDP() {
		uc, err := listenUDP(ctx, addr)
		if err != nil {
			if b.tcpLn != nil {
				_ = b.tcpLn.Close()
			}
			cancel()
			return nil, fmt.Errorf("%w: udp %s: %v", ErrBindFailed, addr, err)
		}
		b.udpConn = uc
	}

	if b.tcpLn != nil {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.acceptLoop()
		}()
	}
	if b.udpConn != nil {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.recvLoop()
		}()
	}
	return b, nil
}

// Get returns the binding for a public port, or nil.
func (t *MappingTable) Get(publicPort int) *Binding {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byPublic[publicPort]
}

// GetByLocal returns the binding for an agent local port, or nil.
func (t *MappingTable) GetByLocal(localPort int) *Binding {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byLocal[localPort]
}

// Release tears down the binding for an agent local port and returns its
// public port to the registry. Idempotent: releasing an unknown local port
// is a no-op.
func (t *MappingTable) Release(localPort int) {
	t.mu.Lock()
	b, ok := t.byLocal[localPort]
	if ok {
		delete(t.byLocal, localPort)
		delete(t.byPublic, b.PublicPort)
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	b.close()
	t.registry.Release(b.PublicPort)
	t.logger.Info("port released", "public_port", b.PublicPort, "local_port", localPort)
	if t.events != nil {
		t.events("release", b.PublicPort, fmt.Sprintf("local_port=%d", localPort))
	}
}

// Bindings returns a snapshot of the live bindings.
func (t *MappingTable) Bindings() []*Binding {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Binding, 0, len(t.byPublic))
	for _, b := range t.byPublic {
		out = append(out, b)
	}
	return out
}

// Shutdown releases every binding.
func (t *MappingTable) Shutdown() {
	t.mu.Lock()
	bindings := make([]*Binding, 0, len(t.byPublic))
	for _, b := range t.byPublic {
		bindings = append(bindings, b)
	}
	t.byPublic = make(map[int]*Binding)
	t.byLocal = make(map[int]*Binding)
	t.mu.Unlock()

	for _, b := range bindings {
		b.close()
		t.registry.Release(b.PublicPort)
	}
}

// listenTCP opens a public TCP listener with SO_REUSEADDR so a released
// port can be rebound immediately after TIME_WAIT.
func listenTCP(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
		},
	}
	return lc.Listen(ctx, "tcp", addr)
}

// listenUDP opens a public UDP socket with enlarged buffers for burst
// handling.
func listenUDP(ctx context.Context, addr string) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
		},
	}
	pc, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		return nil, err
	}
	uc := pc.(*net.UDPConn)
	_ = uc.SetReadBuffer(4 * 1024 * 1024)
	_ = uc.SetWriteBuffer(4 * 1024 * 1024)
	return uc, nil
}
