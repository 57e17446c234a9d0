// Package session owns the lifecycle of the single authenticated connection
// to the messaging network: pairing, reconnect-or-reset classification of
// disconnects, credential persistence, and logout.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nortide/whatsgate/internal/credentials"
	"github.com/nortide/whatsgate/internal/observability/metrics"
	"github.com/nortide/whatsgate/internal/transport"
	"github.com/nortide/whatsgate/pkg/logging"
)

// Phase is the discrete connection lifecycle state.
type Phase string

const (
	PhaseDisconnected Phase = "disconnected"
	PhaseInitializing Phase = "initializing"
	PhasePairingReady Phase = "qr_ready"
	PhaseConnected    Phase = "connected"
)

// ErrNotConnected is returned by operations that require an authenticated,
// open session.
var ErrNotConnected = errors.New("session: not connected")

// ConnectStatus is the outcome of a Connect call.
type ConnectStatus string

const (
	ConnectConnected    ConnectStatus = "connected"
	ConnectPairingReady ConnectStatus = "qr_ready"
	ConnectTimedOut     ConnectStatus = "timeout"
)

// ConnectResult reports how a Connect call resolved. PairingCode is set only
// when Status is ConnectPairingReady.
type ConnectResult struct {
	Status      ConnectStatus
	PairingCode string
}

// Status is a consistent snapshot of the session state.
type Status struct {
	Phase     Phase
	Connected bool
}

// Options tune the manager's timing. Zero values take the defaults below.
type Options struct {
	// ConnectTimeout bounds how long Connect waits for a pairing code or an
	// open connection before reporting timeout.
	ConnectTimeout time.Duration
	// PollInterval is how often Connect re-checks the phase while waiting.
	PollInterval time.Duration
	// ReconnectDelay is the fixed backoff before redialing after a
	// recoverable close.
	ReconnectDelay time.Duration

	Metrics *metrics.GatewayMetrics
}

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPollInterval   = 250 * time.Millisecond
	defaultReconnectDelay = 3 * time.Second
)

// Manager is the single owner of the transport handle and the derived
// session state. All mutations happen under mu; transport events are
// serialized through handleEvent and validated against a generation counter
// so events from a superseded handle are discarded.
type Manager struct {
	dialer  transport.Dialer
	creds   credentials.Store
	logger  *logging.Logger
	metrics *metrics.GatewayMetrics

	connectTimeout time.Duration
	pollInterval   time.Duration
	reconnectDelay time.Duration

	mu          sync.Mutex
	phase       Phase
	pairingCode string
	handle      transport.Handle
	generation  uint64
}

// NewManager builds a manager in the Disconnected phase. dialer and creds
// are required.
func NewManager(dialer transport.Dialer, creds credentials.Store, logger *logging.Logger, opts Options) *Manager {
	if dialer == nil {
		panic("session: dialer cannot be nil")
	}
	if creds == nil {
		panic("session: credential store cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}
	return &Manager{
		dialer:         dialer,
		creds:          creds,
		logger:         logger,
		metrics:        opts.Metrics,
		connectTimeout: opts.ConnectTimeout,
		pollInterval:   opts.PollInterval,
		reconnectDelay: opts.ReconnectDelay,
		phase:          PhaseDisconnected,
	}
}

// Connect ensures a connection attempt is running and waits, up to the
// configured timeout, for either an open session or a pairing code. On
// timeout the in-flight attempt keeps running in the background; a later
// GetStatus may observe it completing.
func (m *Manager) Connect(ctx context.Context) (ConnectResult, error) {
	m.mu.Lock()
	if m.phase == PhaseConnected {
		m.mu.Unlock()
		return ConnectResult{Status: ConnectConnected}, nil
	}
	if m.handle == nil {
		if err := m.dialLocked(ctx); err != nil {
			m.mu.Unlock()
			return ConnectResult{}, fmt.Errorf("session: dial transport: %w", err)
		}
	}
	m.mu.Unlock()

	if res, done := m.connectProgress(); done {
		return res, nil
	}

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(m.connectTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return ConnectResult{Status: ConnectTimedOut}, ctx.Err()
		case <-deadline.C:
			m.logger.Warn("connect timed out waiting for pairing code or open session")
			return ConnectResult{Status: ConnectTimedOut}, nil
		case <-ticker.C:
			if res, done := m.connectProgress(); done {
				return res, nil
			}
		}
	}
}

func (m *Manager) connectProgress() (ConnectResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.phase {
	case PhaseConnected:
		return ConnectResult{Status: ConnectConnected}, true
	case PhasePairingReady:
		return ConnectResult{Status: ConnectPairingReady, PairingCode: m.pairingCode}, true
	}
	return ConnectResult{}, false
}

// dialLocked replaces the current handle with a fresh connection attempt.
// Callers must hold mu.
func (m *Manager) dialLocked(ctx context.Context) error {
	if m.handle != nil {
		m.handle.Close()
		m.handle = nil
	}
	m.generation++
	gen := m.generation
	m.setPhaseLocked(PhaseInitializing)
	m.pairingCode = ""
	m.metrics.ObserveConnectAttempt()

	var prior []byte
	blob, err := m.creds.Load(ctx)
	if err != nil {
		m.logger.Warn("loading stored credentials failed, pairing from scratch", "error", err)
	} else {
		prior = blob
	}

	handle, err := m.dialer.Dial(ctx, prior)
	if err != nil {
		m.setPhaseLocked(PhaseDisconnected)
		return err
	}
	m.handle = handle
	go m.pump(gen, handle)
	return nil
}

// pump forwards every event from one handle into the state machine, tagged
// with the generation the handle was created under.
func (m *Manager) pump(gen uint64, handle transport.Handle) {
	for ev := range handle.Events() {
		m.handleEvent(gen, ev)
	}
}

func (m *Manager) handleEvent(gen uint64, ev transport.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation {
		// Event from a superseded handle; a logout or redial already
		// invalidated this attempt.
		return
	}

	switch ev := ev.(type) {
	case transport.PairingCodeEvent:
		m.setPhaseLocked(PhasePairingReady)
		m.pairingCode = ev.Code
		m.logger.Info("pairing code received")

	case transport.OpenedEvent:
		m.setPhaseLocked(PhaseConnected)
		m.pairingCode = ""
		m.logger.Info("session connected")

	case transport.CredentialsEvent:
		// Persist before returning so a crash right after cannot lose the
		// ability to resume without re-pairing.
		if err := m.creds.Save(context.Background(), ev.Blob); err != nil {
			m.logger.Error("persisting session credentials failed", "error", err)
		}

	case transport.ClosedEvent:
		m.metrics.ObserveClose(string(ev.Reason))
		m.pairingCode = ""
		if ev.Reason.Terminal() {
			m.logger.Info("session revoked by remote side, resetting", "reason", ev.Reason)
			m.teardownLocked()
			if err := m.creds.Clear(context.Background()); err != nil {
				m.logger.Warn("clearing credentials failed", "error", err)
			}
			return
		}
		m.logger.Warn("connection closed, scheduling reconnect",
			"reason", ev.Reason,
			"delay", m.reconnectDelay,
		)
		m.setPhaseLocked(PhaseInitializing)
		// Invalidate further events from the dead handle. The handle itself
		// stays assigned until the redial replaces it.
		m.generation++
		expect := m.generation
		time.AfterFunc(m.reconnectDelay, func() { m.redial(expect) })
	}
}

// redial performs the automatic resume after a recoverable close. It is a
// no-op when the state moved on (logout, explicit connect) while the backoff
// timer was pending.
func (m *Manager) redial(expect uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.generation != expect || m.phase != PhaseInitializing {
		return
	}
	m.metrics.ObserveReconnect()
	if err := m.dialLocked(context.Background()); err != nil {
		// Until the next attempt lands the handle is nil while the phase
		// stays Initializing; the window lasts at most one backoff period
		// and no operation hands the handle out in that phase.
		m.logger.Error("reconnect dial failed, retrying", "error", err, "delay", m.reconnectDelay)
		m.setPhaseLocked(PhaseInitializing)
		m.generation++
		next := m.generation
		time.AfterFunc(m.reconnectDelay, func() { m.redial(next) })
	}
}

// teardownLocked releases the handle and resets to Disconnected. Callers
// must hold mu.
func (m *Manager) teardownLocked() {
	if m.handle != nil {
		m.handle.Close()
		m.handle = nil
	}
	m.generation++
	m.setPhaseLocked(PhaseDisconnected)
	m.pairingCode = ""
}

func (m *Manager) setPhaseLocked(phase Phase) {
	if m.phase != phase {
		m.metrics.ObservePhase(string(phase))
	}
	m.phase = phase
}

// GetStatus returns a consistent snapshot of the current phase.
func (m *Manager) GetStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{Phase: m.phase, Connected: m.phase == PhaseConnected}
}

// PairingCode returns the current pairing code, or empty when the session is
// not waiting to be paired.
func (m *Manager) PairingCode() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pairingCode
}

// Handle returns a non-owning reference to the live transport for the
// duration of one operation. It fails unless the session is connected.
func (m *Manager) Handle() (transport.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhaseConnected || m.handle == nil {
		return nil, ErrNotConnected
	}
	return m.handle, nil
}

// ListGroups enumerates the session's group conversations.
func (m *Manager) ListGroups(ctx context.Context) ([]transport.Group, error) {
	handle, err := m.Handle()
	if err != nil {
		return nil, err
	}
	groups, err := handle.FetchGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: fetch groups: %w", err)
	}
	return groups, nil
}

// Logout revokes the session, wipes stored credentials and resets to
// Disconnected. It is safe to call in any phase and never fails the caller:
// transport teardown errors only get logged, because the observable goal is
// reached either way.
func (m *Manager) Logout(ctx context.Context) {
	m.mu.Lock()
	handle := m.handle
	m.handle = nil
	m.generation++
	m.setPhaseLocked(PhaseDisconnected)
	m.pairingCode = ""
	m.mu.Unlock()

	if handle != nil {
		if err := handle.Logout(ctx); err != nil {
			m.logger.Warn("transport logout failed", "error", err)
		}
		handle.Close()
	}
	if err := m.creds.Clear(ctx); err != nil {
		m.logger.Warn("clearing credentials failed", "error", err)
	}
	m.logger.Info("logged out")
}
