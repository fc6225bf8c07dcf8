package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jroosing/portway/internal/config"
)

// consecutiveRefusalLimit is how many refusal-shaped session deaths clear
// the sticky public port and force a fresh allocation.
const consecutiveRefusalLimit = 3

// mappingRunner maintains one enabled mapping: it rents the public port,
// keeps the idle session pool at its floor, and replaces sessions as they
// activate or die.
type mappingRunner struct {
	mapping config.PortMapping
	conn    config.ConnectionConfig
	client  *GatewayClient
	manager *Manager
	logger  *slog.Logger

	gatewayAddr string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	kick   chan struct{}

	backoff *Backoff

	mu       sync.Mutex
	assigned int
	sessions map[uint64]*AgentSession
	refusals int

	sessionsOpened    atomic.Uint64
	sessionsActivated atomic.Uint64
	localDialFailures atomic.Uint64
}

// localAddr returns the mapped local service endpoint.
func (r *mappingRunner) localAddr() string {
	return net.JoinHostPort(r.mapping.LocalHost, strconv.Itoa(r.mapping.LocalPort))
}

// run is the mapping's maintainer loop.
//
// Goroutine lifecycle: one per started mapping; exits on Stop or manager
// shutdown. Allocation failures and gateway unreachability back off
// exponentially and retry for as long as the mapping stays enabled.
func (r *mappingRunner) run() {
	defer r.wg.Done()

	interval := r.conn.CheckInterval()
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := r.ensureAllocated(); err != nil {
			r.logger.Warn("allocation failed; backing off",
				"mapping", r.mapping.ID, "err", err)
			if !r.sleep(r.backoff.Next()) {
				return
			}
			continue
		}

		if err := r.maintainPool(); err != nil {
			r.logger.Warn("session establishment failed; backing off",
				"mapping", r.mapping.ID, "err", err)
			if !r.sleep(r.backoff.Next()) {
				return
			}
			continue
		}

		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
		case <-r.kick:
		}
	}
}

// sleep waits d unless the runner stops first.
func (r *mappingRunner) sleep(d time.Duration) bool {
	select {
	case <-r.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// ensureAllocated rents the public port when none is assigned. The sticky
// assigned port is passed as preferred so the mapping keeps its address
// across reconnects until the gateway reports it unavailable.
func (r *mappingRunner) ensureAllocated() error {
	r.mu.Lock()
	assigned := r.assigned
	r.mu.Unlock()
	if assigned != 0 {
		return nil
	}

	preferred := r.mapping.PreferredPort
	if r.mapping.AssignedPublicPort != 0 {
		preferred = r.mapping.AssignedPublicPort
	}

	port, err := r.client.Allocate(r.ctx, r.mapping.LocalPort, preferred, r.mapping.Protocol)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.assigned = port
	r.refusals = 0
	r.mu.Unlock()

	r.logger.Info("public port assigned",
		"mapping", r.mapping.ID, "public_port", port, "preferred", preferred)
	r.manager.recordAssignment(r.mapping.ID, port)
	r.mapping.AssignedPublicPort = port
	return nil
}

// maintainPool tops the session pool up to the idle floor, bounded by the
// ceiling. A session consumed by TCP pairing is replaced eagerly via the
// activation kick, so the floor holds whenever the gateway is reachable.
func (r *mappingRunner) maintainPool() error {
	for {
		r.mu.Lock()
		assigned := r.assigned
		idle := 0
		for _, s := range r.sessions {
			if !s.gotBytes.Load() {
				idle++
			}
		}
		total := len(r.sessions)
		r.mu.Unlock()

		if assigned == 0 || idle >= r.conn.MinIdle || total >= r.conn.MaxTotal {
			return nil
		}

		s, err := establishSession(r.ctx, r.gatewayAddr, assigned, r.logger)
		if err != nil {
			return err
		}
		r.adopt(s)
		r.backoff.Reset()
	}
}

// adopt registers a fresh session and starts its forwarder.
func (r *mappingRunner) adopt(s *AgentSession) {
	s.onClose = r.sessionClosed

	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()
	r.sessionsOpened.Add(1)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		switch {
		case r.mapping.Protocol == config.ProtocolUDP:
			r.serveUDP(s)
		case r.mapping.Protocol == config.ProtocolBoth:
			r.serveAuto(s)
		default:
			r.serveTCP(s)
		}
	}()
}

// noteActivated records an idle session's transition to active and kicks
// the maintainer so a replacement opens eagerly.
func (r *mappingRunner) noteActivated(s *AgentSession) {
	r.sessionsActivated.Add(1)
	r.logger.Debug("session activated", "mapping", r.mapping.ID, "session_id", s.ID())
	r.wake()
}

// noteLocalDialFailure counts a failed dial to the local service. The
// mapping stays alive; the closed session is replaced on the maintainer's
// next pass, which noteActivated has already requested, with no backoff
// delay before the new session is opened.
func (r *mappingRunner) noteLocalDialFailure(err error) {
	r.localDialFailures.Add(1)
	r.logger.Warn("local service unreachable",
		"mapping", r.mapping.ID, "local", r.localAddr(), "err", err)
}

// sessionClosed is the session close hook: it unlinks the session, applies
// the refusal heuristic, and wakes the maintainer to restore the floor.
func (r *mappingRunner) sessionClosed(s *AgentSession) {
	cleared := false

	r.mu.Lock()
	delete(r.sessions, s.id)
	if s.looksRefused() {
		r.refusals++
		if r.refusals >= consecutiveRefusalLimit {
			// The gateway no longer has our binding; the sticky port
			// is invalid. Clear it and re-request allocation.
			r.logger.Warn("repeated refusals; clearing sticky port",
				"mapping", r.mapping.ID, "public_port", r.assigned)
			r.assigned = 0
			r.refusals = 0
			r.mapping.AssignedPublicPort = 0
			cleared = true
		}
	} else {
		r.refusals = 0
	}
	r.mu.Unlock()

	if cleared {
		// Persist outside r.mu: the manager lock is always taken first.
		r.manager.recordAssignment(r.mapping.ID, 0)
	}
	r.wake()
}

// wake nudges the maintainer without blocking.
func (r *mappingRunner) wake() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// stop cancels the maintainer and closes every session.
func (r *mappingRunner) stop() {
	r.cancel()

	r.mu.Lock()
	sessions := make([]*AgentSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	r.wg.Wait()
}

// MappingStatus is one mapping's runtime view for the mirror API.
type MappingStatus struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	Enabled            bool   `json:"enabled"`
	Running            bool   `json:"running"`
	AssignedPublicPort int    `json:"assigned_public_port"`
	IdleSessions       int    `json:"idle_sessions"`
	TotalSessions      int    `json:"total_sessions"`
	SessionsOpened     uint64 `json:"sessions_opened"`
	SessionsActivated  uint64 `json:"sessions_activated"`
	LocalDialFailures  uint64 `json:"local_dial_failures"`
}

// Manager owns the agent's configuration and one runner per started
// mapping. The persisted JSON file is the authoritative mapping source;
// every mutation validates, persists, then adjusts the runners.
type Manager struct {
	logger     *slog.Logger
	configPath string

	mu      sync.Mutex
	cfg     *config.AgentConfig
	runners map[string]*mappingRunner

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a manager over a loaded configuration.
func NewManager(cfg *config.AgentConfig, configPath string, logger *slog.Logger) *Manager {
	return &Manager{
		logger:     logger,
		configPath: configPath,
		cfg:        cfg,
		runners:    make(map[string]*mappingRunner),
	}
}

// Run starts every enabled mapping and blocks until the context ends, then
// stops all runners. Sessions close; public ports stay rented so the
// sticky assignment survives an agent restart.
func (m *Manager) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.mu.Lock()
	m.ctx = runCtx
	m.cancel = cancel
	mappings := make([]config.PortMapping, len(m.cfg.PortMappings))
	copy(mappings, m.cfg.PortMappings)
	m.mu.Unlock()

	for _, pm := range mappings {
		if pm.Enabled {
			if err := m.StartMapping(pm.ID); err != nil {
				m.logger.Warn("mapping failed to start", "mapping", pm.ID, "err", err)
			}
		}
	}

	<-runCtx.Done()

	m.mu.Lock()
	runners := make([]*mappingRunner, 0, len(m.runners))
	for _, r := range m.runners {
		runners = append(runners, r)
	}
	m.runners = make(map[string]*mappingRunner)
	m.mu.Unlock()

	for _, r := range runners {
		r.stop()
	}
	return nil
}

// StartMapping spins up the runner for a mapping. Starting a running
// mapping is a no-op.
func (m *Manager) StartMapping(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, running := m.runners[id]; running {
		return nil
	}
	pm := m.cfg.Mapping(id)
	if pm == nil {
		return fmt.Errorf("agent: unknown mapping %s", id)
	}
	if m.ctx == nil {
		return fmt.Errorf("agent: manager is not running")
	}

	ctx, cancel := context.WithCancel(m.ctx)
	r := &mappingRunner{
		mapping: *pm,
		conn:    m.cfg.Connection,
		client:  NewGatewayClient(m.cfg.Server),
		manager: m,
		logger:  m.logger,
		gatewayAddr: net.JoinHostPort(m.cfg.Server.Host,
			strconv.Itoa(m.cfg.Server.Port)),
		ctx:      ctx,
		cancel:   cancel,
		kick:     make(chan struct{}, 1),
		backoff:  NewBackoff(m.cfg.Connection.ReconnectDelay(), backoffMax),
		sessions: make(map[uint64]*AgentSession),
	}
	m.runners[id] = r

	r.wg.Add(1)
	go r.run()
	m.logger.Info("mapping started", "mapping", id, "name", pm.Name)
	return nil
}

// StopMapping stops the runner and releases the mapping's public port.
func (m *Manager) StopMapping(id string) error {
	m.mu.Lock()
	r, running := m.runners[id]
	delete(m.runners, id)
	m.mu.Unlock()
	if !running {
		return nil
	}

	r.stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.client.Release(ctx, r.mapping.LocalPort); err != nil {
		m.logger.Warn("release failed", "mapping", id, "err", err)
	}
	m.logger.Info("mapping stopped", "mapping", id)
	return nil
}

// recordAssignment persists a mapping's sticky public port.
func (m *Manager) recordAssignment(id string, port int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pm := m.cfg.Mapping(id)
	if pm == nil {
		return
	}
	pm.AssignedPublicPort = port
	m.persistLocked()
}

// persistLocked writes the configuration file. Caller holds m.mu.
func (m *Manager) persistLocked() {
	if m.configPath == "" {
		return
	}
	if err := m.cfg.Save(m.configPath); err != nil {
		m.logger.Error("config persist failed", "path", m.configPath, "err", err)
	}
}

// Mappings returns a copy of the configured mappings.
func (m *Manager) Mappings() []config.PortMapping {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]config.PortMapping, len(m.cfg.PortMappings))
	copy(out, m.cfg.PortMappings)
	return out
}

// AddMapping validates and persists a new mapping, generating its id, and
// starts it when enabled.
func (m *Manager) AddMapping(pm config.PortMapping) (config.PortMapping, error) {
	if pm.ID == "" {
		pm.ID = uuid.New().String()[:8]
	}
	if pm.LocalHost == "" {
		pm.LocalHost = "127.0.0.1"
	}

	m.mu.Lock()
	trial := *m.cfg
	trial.PortMappings = append(append([]config.PortMapping{}, m.cfg.PortMappings...), pm)
	if err := trial.Validate(); err != nil {
		m.mu.Unlock()
		return config.PortMapping{}, err
	}
	m.cfg.PortMappings = trial.PortMappings
	m.persistLocked()
	running := m.ctx != nil
	m.mu.Unlock()

	if pm.Enabled && running {
		if err := m.StartMapping(pm.ID); err != nil {
			return pm, err
		}
	}
	return pm, nil
}

// UpdateMapping replaces a mapping's configuration. A running mapping is
// restarted so the new settings take effect.
func (m *Manager) UpdateMapping(pm config.PortMapping) error {
	m.mu.Lock()
	existing := m.cfg.Mapping(pm.ID)
	if existing == nil {
		m.mu.Unlock()
		return fmt.Errorf("agent: unknown mapping %s", pm.ID)
	}
	old := *existing
	*existing = pm
	if err := m.cfg.Validate(); err != nil {
		*existing = old
		m.mu.Unlock()
		return err
	}
	m.persistLocked()
	_, wasRunning := m.runners[pm.ID]
	m.mu.Unlock()

	if wasRunning {
		if err := m.StopMapping(pm.ID); err != nil {
			return err
		}
	}
	if pm.Enabled {
		return m.StartMapping(pm.ID)
	}
	return nil
}

// DeleteMapping stops, releases, and removes a mapping.
func (m *Manager) DeleteMapping(id string) error {
	if err := m.StopMapping(id); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i, pm := range m.cfg.PortMappings {
		if pm.ID == id {
			m.cfg.PortMappings = append(m.cfg.PortMappings[:i], m.cfg.PortMappings[i+1:]...)
			m.persistLocked()
			return nil
		}
	}
	return fmt.Errorf("agent: unknown mapping %s", id)
}

// Status reports every mapping's runtime state.
func (m *Manager) Status() []MappingStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]MappingStatus, 0, len(m.cfg.PortMappings))
	for _, pm := range m.cfg.PortMappings {
		st := MappingStatus{
			ID:                 pm.ID,
			Name:               pm.Name,
			Enabled:            pm.Enabled,
			AssignedPublicPort: pm.AssignedPublicPort,
		}
		if r, ok := m.runners[pm.ID]; ok {
			st.Running = true
			r.mu.Lock()
			st.AssignedPublicPort = r.assigned
			st.TotalSessions = len(r.sessions)
			for _, s := range r.sessions {
				if !s.gotBytes.Load() {
					st.IdleSessions++
				}
			}
			r.mu.Unlock()
			st.SessionsOpened = r.sessionsOpened.Load()
			st.SessionsActivated = r.sessionsActivated.Load()
			st.LocalDialFailures = r.localDialFailures.Load()
		}
		out = append(out, st)
	}
	return out
}

// Config returns the live configuration under the manager's lock, applied
// to fn. The mirror API uses it for read endpoints.
func (m *Manager) Config(fn func(*config.AgentConfig)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.cfg)
}
