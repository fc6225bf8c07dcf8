package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/jroosing/portway/internal/framing"
	"github.com/jroosing/portway/internal/metrics"
)

// headerReadTimeout bounds how long a freshly dialed data-plane connection
// may take to present its port-selection header.
const headerReadTimeout = 10 * time.Second

// Acceptor runs the gateway's single data-plane listener. Every agent
// session for every binding arrives here; routing is by the 4-byte header.
type Acceptor struct {
	table   *MappingTable
	logger  *slog.Logger
	stats   *FabricStats
	metrics *metrics.Metrics
	events  EventSink

	ln net.Listener
	wg sync.WaitGroup
}

// NewAcceptor creates the data-plane acceptor over the mapping table.
func NewAcceptor(table *MappingTable, logger *slog.Logger, stats *FabricStats, m *metrics.Metrics, events EventSink) *Acceptor {
	return &Acceptor{table: table, logger: logger, stats: stats, metrics: m, events: events}
}

// Listen binds the data-plane port. Losing this listener later is fatal
// for the process; failing to bind it at startup is a startup error.
func (a *Acceptor) Listen(ctx context.Context, host string, port int) error {
	ln, err := listenTCP(ctx, net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	a.ln = ln
	a.logger.Info("data plane listening", "addr", ln.Addr().String())
	return nil
}

// Run accepts agent sessions until the context is cancelled or the
// listener dies. A listener error with a live context is fatal and is
// returned to the process supervisor.
func (a *Acceptor) Run(ctx context.Context) error {
	defer a.wg.Wait()

	for {
		c, err := a.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		conn := c
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.handshake(conn)
		}()
	}
}

// handshake reads exactly the 4-byte port-selection header and files the
// session into its binding's pool. A header naming a port with no active
// binding closes the connection immediately with no response.
//
// Goroutine lifecycle: one per dialed session; ends as soon as the session
// is filed (or refused). The session's own reader/pump goroutines take
// over from there.
func (a *Acceptor) handshake(conn net.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(headerReadTimeout))
	port, err := framing.ReadHeader(conn)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		a.refuse(conn, 0, err)
		return
	}

	b := a.table.Get(int(port))
	if b == nil {
		a.refuse(conn, int(port), errors.New("no active binding"))
		return
	}

	s := newSession(conn, int(port), a.logger, a.stats)
	a.stats.RecordSessionAccepted()
	a.metrics.SessionsAccepted.Inc()
	a.logger.Debug("session accepted",
		"session_id", s.ID(), "public_port", port, "agent", conn.RemoteAddr())
	if a.events != nil {
		a.events("session_open", int(port), "session accepted")
	}

	b.Pool().EnqueueIdle(s)
}

// refuse closes a connection that failed its handshake.
func (a *Acceptor) refuse(conn net.Conn, port int, err error) {
	a.stats.RecordSessionRejected()
	a.metrics.SessionsRejected.Inc()
	a.logger.Warn("session refused", "declared_port", port, "agent", conn.RemoteAddr(), "err", err)
	_ = conn.Close()
}

// Close stops the listener. Safe to call before Listen succeeded.
func (a *Acceptor) Close() {
	if a.ln != nil {
		_ = a.ln.Close()
	}
}
