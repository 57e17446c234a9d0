package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nortide/whatsgate/internal/transport"
)

// Mock implementations

type fakeHandle struct {
	events    chan transport.Event
	closeOnce sync.Once

	mu        sync.Mutex
	loggedOut bool
	logoutErr error
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{events: make(chan transport.Event, 16)}
}

func (h *fakeHandle) emit(ev transport.Event) { h.events <- ev }

func (h *fakeHandle) Events() <-chan transport.Event { return h.events }

func (h *fakeHandle) SendText(context.Context, string, string) error { return nil }

func (h *fakeHandle) SendMedia(context.Context, string, string, transport.MediaKind, string) error {
	return nil
}

func (h *fakeHandle) FetchGroups(context.Context) ([]transport.Group, error) {
	return []transport.Group{{ID: "g1@g.us", Name: "family", Participants: 4}}, nil
}

func (h *fakeHandle) Logout(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.loggedOut = true
	return h.logoutErr
}

func (h *fakeHandle) Close() {
	h.closeOnce.Do(func() { close(h.events) })
}

func (h *fakeHandle) wasLoggedOut() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loggedOut
}

type fakeDialer struct {
	mu      sync.Mutex
	handles []*fakeHandle
	priors  [][]byte
	err     error
}

func (d *fakeDialer) Dial(_ context.Context, prior []byte) (transport.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	h := newFakeHandle()
	d.handles = append(d.handles, h)
	d.priors = append(d.priors, prior)
	return h, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.handles)
}

func (d *fakeDialer) handle(i int) *fakeHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handles[i]
}

type fakeCreds struct {
	mu     sync.Mutex
	blob   []byte
	saves  int
	clears int
}

func (c *fakeCreds) Load(context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blob, nil
}

func (c *fakeCreds) Save(_ context.Context, blob []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blob = blob
	c.saves++
	return nil
}

func (c *fakeCreds) Clear(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blob = nil
	c.clears++
	return nil
}

func (c *fakeCreds) current() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blob
}

func (c *fakeCreds) clearCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clears
}

func newTestManager(t *testing.T, dialer *fakeDialer, creds *fakeCreds) *Manager {
	t.Helper()
	return NewManager(dialer, creds, nil, Options{
		ConnectTimeout: 500 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
		ReconnectDelay: 20 * time.Millisecond,
	})
}

// checkPhaseInvariant asserts the pairing code is present exactly in the
// pairing-ready phase.
func checkPhaseInvariant(t *testing.T, m *Manager) {
	t.Helper()
	status := m.GetStatus()
	code := m.PairingCode()
	if status.Phase == PhasePairingReady {
		assert.NotEmpty(t, code)
	} else {
		assert.Empty(t, code)
	}
}

func TestConnectReturnsPairingCode(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(t, dialer, &fakeCreds{})
	checkPhaseInvariant(t, m)

	go func() {
		time.Sleep(20 * time.Millisecond)
		dialer.handle(0).emit(transport.PairingCodeEvent{Code: "2@abc123"})
	}()

	res, err := m.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ConnectPairingReady, res.Status)
	assert.Equal(t, "2@abc123", res.PairingCode)

	assert.Equal(t, PhasePairingReady, m.GetStatus().Phase)
	assert.Equal(t, "2@abc123", m.PairingCode())
	checkPhaseInvariant(t, m)
}

func TestConnectAlreadyConnected(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(t, dialer, &fakeCreds{})

	go func() {
		time.Sleep(10 * time.Millisecond)
		dialer.handle(0).emit(transport.OpenedEvent{})
	}()
	res, err := m.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ConnectConnected, res.Status)

	// A second connect is a no-op against the live session.
	res, err = m.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ConnectConnected, res.Status)
	assert.Equal(t, 1, dialer.dialCount())
}

func TestOpenClearsPairingCode(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(t, dialer, &fakeCreds{})

	go func() {
		time.Sleep(10 * time.Millisecond)
		dialer.handle(0).emit(transport.PairingCodeEvent{Code: "2@abc123"})
	}()
	res, err := m.Connect(context.Background())
	require.NoError(t, err)
	require.Equal(t, ConnectPairingReady, res.Status)

	dialer.handle(0).emit(transport.OpenedEvent{})
	require.Eventually(t, func() bool {
		return m.GetStatus().Connected
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, m.PairingCode())
	checkPhaseInvariant(t, m)
}

func TestConnectTimeoutLeavesAttemptAlive(t *testing.T) {
	dialer := &fakeDialer{}
	creds := &fakeCreds{}
	m := NewManager(dialer, creds, nil, Options{
		ConnectTimeout: 50 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
		ReconnectDelay: 20 * time.Millisecond,
	})

	res, err := m.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ConnectTimedOut, res.Status)
	assert.Equal(t, PhaseInitializing, m.GetStatus().Phase)

	// The attempt keeps running; a late open event still lands.
	dialer.handle(0).emit(transport.OpenedEvent{})
	require.Eventually(t, func() bool {
		return m.GetStatus().Connected
	}, time.Second, 5*time.Millisecond)
}

func TestCredentialsPersistedOnUpdate(t *testing.T) {
	dialer := &fakeDialer{}
	creds := &fakeCreds{}
	m := newTestManager(t, dialer, creds)

	go func() {
		time.Sleep(10 * time.Millisecond)
		dialer.handle(0).emit(transport.CredentialsEvent{Blob: []byte("jid-blob")})
		dialer.handle(0).emit(transport.OpenedEvent{})
	}()
	_, err := m.Connect(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return string(creds.current()) == "jid-blob"
	}, time.Second, 5*time.Millisecond)
}

func TestTerminalCloseResetsAndWipesCredentials(t *testing.T) {
	dialer := &fakeDialer{}
	creds := &fakeCreds{blob: []byte("jid-blob")}
	m := newTestManager(t, dialer, creds)

	go func() {
		time.Sleep(10 * time.Millisecond)
		dialer.handle(0).emit(transport.OpenedEvent{})
	}()
	_, err := m.Connect(context.Background())
	require.NoError(t, err)

	dialer.handle(0).emit(transport.ClosedEvent{Reason: transport.CloseLoggedOut})
	require.Eventually(t, func() bool {
		return m.GetStatus().Phase == PhaseDisconnected
	}, time.Second, 5*time.Millisecond)
	assert.Nil(t, creds.current(), "terminal close must discard credentials")
	checkPhaseInvariant(t, m)

	// No reconnect storm against a revoked session.
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, dialer.dialCount())
}

func TestRecoverableCloseReconnects(t *testing.T) {
	dialer := &fakeDialer{}
	creds := &fakeCreds{blob: []byte("jid-blob")}
	m := newTestManager(t, dialer, creds)

	go func() {
		time.Sleep(10 * time.Millisecond)
		dialer.handle(0).emit(transport.OpenedEvent{})
	}()
	_, err := m.Connect(context.Background())
	require.NoError(t, err)

	dialer.handle(0).emit(transport.ClosedEvent{Reason: transport.CloseNetwork})
	require.Eventually(t, func() bool {
		return dialer.dialCount() == 2
	}, time.Second, 5*time.Millisecond, "recoverable close must redial after backoff")

	assert.Equal(t, []byte("jid-blob"), creds.current(), "credentials survive recoverable closes")
	assert.Equal(t, []byte("jid-blob"), dialer.priors[1], "redial resumes with stored credentials")

	dialer.handle(1).emit(transport.OpenedEvent{})
	require.Eventually(t, func() bool {
		return m.GetStatus().Connected
	}, time.Second, 5*time.Millisecond)
}

func TestStaleEventsAfterCloseAreDiscarded(t *testing.T) {
	dialer := &fakeDialer{}
	m := NewManager(dialer, &fakeCreds{}, nil, Options{
		ConnectTimeout: 500 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
		ReconnectDelay: time.Hour, // keep the redial pending
	})

	go func() {
		time.Sleep(10 * time.Millisecond)
		dialer.handle(0).emit(transport.OpenedEvent{})
	}()
	_, err := m.Connect(context.Background())
	require.NoError(t, err)

	dialer.handle(0).emit(transport.ClosedEvent{Reason: transport.CloseNetwork})
	require.Eventually(t, func() bool {
		return m.GetStatus().Phase == PhaseInitializing
	}, time.Second, 5*time.Millisecond)

	// A late open from the dead handle must not flip the state machine.
	dialer.handle(0).emit(transport.OpenedEvent{})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, PhaseInitializing, m.GetStatus().Phase)
}

func TestConcurrentConnectSingleTransport(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(t, dialer, &fakeCreds{})

	go func() {
		time.Sleep(30 * time.Millisecond)
		dialer.handle(0).emit(transport.PairingCodeEvent{Code: "2@abc123"})
	}()

	var wg sync.WaitGroup
	results := make([]ConnectResult, 2)
	errs := make([]error, 2)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = m.Connect(context.Background())
		}()
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	assert.Equal(t, 1, dialer.dialCount(), "overlapping connects must share one transport")
	for _, res := range results {
		assert.Equal(t, ConnectPairingReady, res.Status)
	}
}

func TestLogoutIdempotent(t *testing.T) {
	dialer := &fakeDialer{}
	creds := &fakeCreds{}
	m := newTestManager(t, dialer, creds)

	go func() {
		time.Sleep(10 * time.Millisecond)
		dialer.handle(0).emit(transport.OpenedEvent{})
	}()
	_, err := m.Connect(context.Background())
	require.NoError(t, err)

	m.Logout(context.Background())
	assert.Equal(t, PhaseDisconnected, m.GetStatus().Phase)
	assert.True(t, dialer.handle(0).wasLoggedOut())

	m.Logout(context.Background())
	assert.Equal(t, PhaseDisconnected, m.GetStatus().Phase)
	assert.GreaterOrEqual(t, creds.clearCount(), 2)
	checkPhaseInvariant(t, m)
}

func TestLogoutSwallowsTransportErrors(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(t, dialer, &fakeCreds{})

	go func() {
		time.Sleep(10 * time.Millisecond)
		dialer.handle(0).emit(transport.OpenedEvent{})
	}()
	_, err := m.Connect(context.Background())
	require.NoError(t, err)

	dialer.handle(0).mu.Lock()
	dialer.handle(0).logoutErr = errors.New("socket gone")
	dialer.handle(0).mu.Unlock()

	m.Logout(context.Background())
	assert.Equal(t, PhaseDisconnected, m.GetStatus().Phase)
}

func TestLogoutCancelsPendingReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	m := NewManager(dialer, &fakeCreds{}, nil, Options{
		ConnectTimeout: 500 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
		ReconnectDelay: 150 * time.Millisecond,
	})

	go func() {
		time.Sleep(10 * time.Millisecond)
		dialer.handle(0).emit(transport.OpenedEvent{})
	}()
	_, err := m.Connect(context.Background())
	require.NoError(t, err)

	dialer.handle(0).emit(transport.ClosedEvent{Reason: transport.CloseNetwork})
	require.Eventually(t, func() bool {
		return m.GetStatus().Phase == PhaseInitializing
	}, time.Second, time.Millisecond)

	m.Logout(context.Background())
	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, PhaseDisconnected, m.GetStatus().Phase)
	assert.Equal(t, 1, dialer.dialCount(), "logout must cancel the scheduled redial")
}

func TestListGroups(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(t, dialer, &fakeCreds{})

	_, err := m.ListGroups(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)

	go func() {
		time.Sleep(10 * time.Millisecond)
		dialer.handle(0).emit(transport.OpenedEvent{})
	}()
	_, err = m.Connect(context.Background())
	require.NoError(t, err)

	groups, err := m.ListGroups(context.Background())
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "g1@g.us", groups[0].ID)
	assert.Equal(t, "family", groups[0].Name)
	assert.Equal(t, 4, groups[0].Participants)
}

func TestHandleRequiresConnection(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(t, dialer, &fakeCreds{})

	_, err := m.Handle()
	assert.ErrorIs(t, err, ErrNotConnected)

	go func() {
		time.Sleep(10 * time.Millisecond)
		dialer.handle(0).emit(transport.PairingCodeEvent{Code: "2@abc123"})
	}()
	_, err = m.Connect(context.Background())
	require.NoError(t, err)

	_, err = m.Handle()
	assert.ErrorIs(t, err, ErrNotConnected, "pairing-ready is not connected")
}
