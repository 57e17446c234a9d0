// Package wameow adapts the whatsmeow client to the gateway's transport
// abstraction: it translates whatsmeow lifecycle callbacks into the typed
// event stream the session manager consumes.
package wameow

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "modernc.org/sqlite"

	"github.com/nortide/whatsgate/internal/transport"
	"github.com/nortide/whatsgate/pkg/logging"
)

// Config configures the whatsmeow-backed dialer.
type Config struct {
	// DBPath is the sqlite file holding whatsmeow's device store. The key
	// material for the session lives here; the gateway-level credential
	// blob only records the paired identity.
	DBPath string
	// DeviceName is shown in the phone's linked-devices list.
	DeviceName string
	// RenderQR, when set, is called with each fresh pairing code so the
	// process can render it (e.g. as a terminal QR). Purely presentational.
	RenderQR func(code string)

	Logger *logging.Logger
}

// Dialer creates whatsmeow-backed connection attempts.
type Dialer struct {
	cfg        Config
	httpClient *http.Client
}

// NewDialer builds a dialer. cfg.DBPath is required.
func NewDialer(cfg Config) *Dialer {
	if cfg.DBPath == "" {
		panic("wameow: db path cannot be empty")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.DeviceName != "" {
		store.DeviceProps.Os = proto.String(cfg.DeviceName)
	}
	return &Dialer{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

var _ transport.Dialer = (*Dialer)(nil)

// Dial opens the device store and starts connecting. Whether pairing is
// needed is decided by the device store, not the prior blob: a logout wipes
// both together.
func (d *Dialer) Dial(ctx context.Context, prior []byte) (transport.Handle, error) {
	container, err := sqlstore.New(ctx, "sqlite", "file:"+d.cfg.DBPath+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)", waLog.Noop)
	if err != nil {
		return nil, fmt.Errorf("wameow: open device store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("wameow: load device: %w", err)
	}

	client := whatsmeow.NewClient(device, waLog.Noop)
	// The session manager owns the reconnect policy.
	client.EnableAutoReconnect = false

	h := newHandle(client, container, d.httpClient, d.cfg.RenderQR, d.cfg.Logger)
	h.handlerID = client.AddEventHandler(h.onEvent)

	if client.Store.ID == nil {
		if len(prior) > 0 {
			d.cfg.Logger.Warn("credential blob present but device store is empty, pairing from scratch")
		}
		// GetQRChannel must be called before Connect. The channel outlives
		// the dial call, so it is bound to the handle, not the request.
		qrChan, err := client.GetQRChannel(context.Background())
		if err != nil {
			h.Close()
			return nil, fmt.Errorf("wameow: open qr channel: %w", err)
		}
		go h.pumpQR(qrChan)
	}

	if err := client.Connect(); err != nil {
		h.Close()
		return nil, fmt.Errorf("wameow: connect: %w", err)
	}
	return h, nil
}

// handle is one live whatsmeow connection attempt. It owns the device store
// container opened for it and releases it on Close.
type handle struct {
	client     *whatsmeow.Client
	container  *sqlstore.Container
	httpClient *http.Client
	renderQR   func(code string)
	logger     *logging.Logger
	handlerID  uint32

	closeOnce sync.Once
	done      chan struct{}
	wake      chan struct{}
	events    chan transport.Event

	mu     sync.Mutex
	closed bool
	queue  []transport.Event
}

var _ transport.Handle = (*handle)(nil)

func newHandle(client *whatsmeow.Client, container *sqlstore.Container, httpClient *http.Client, renderQR func(string), logger *logging.Logger) *handle {
	h := &handle{
		client:     client,
		container:  container,
		httpClient: httpClient,
		renderQR:   renderQR,
		logger:     logger,
		done:       make(chan struct{}),
		wake:       make(chan struct{}, 1),
		events:     make(chan transport.Event),
	}
	go h.forward()
	return h
}

func (h *handle) Events() <-chan transport.Event {
	return h.events
}

// emit queues an event without ever blocking the whatsmeow callback
// goroutine. The queue is unbounded: a lost ClosedEvent would strand the
// session manager against a dead socket and a lost CredentialsEvent would
// skip persistence, so no event is ever dropped while the handle lives.
func (h *handle) emit(ev transport.Event) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.queue = append(h.queue, ev)
	h.mu.Unlock()
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// forward drains the queue into the event channel in order. It owns the
// channel: once the handle is closed it discards any stale backlog, closes
// the channel and exits.
func (h *handle) forward() {
	for {
		select {
		case <-h.wake:
		case <-h.done:
		}
		for {
			h.mu.Lock()
			if h.closed {
				h.queue = nil
				h.mu.Unlock()
				close(h.events)
				return
			}
			if len(h.queue) == 0 {
				h.mu.Unlock()
				break
			}
			ev := h.queue[0]
			h.queue = h.queue[1:]
			h.mu.Unlock()
			select {
			case h.events <- ev:
			case <-h.done:
				close(h.events)
				return
			}
		}
	}
}

func (h *handle) onEvent(evt any) {
	switch v := evt.(type) {
	case *events.Connected:
		h.emit(transport.OpenedEvent{})
	case *events.PairSuccess:
		h.emit(transport.CredentialsEvent{Blob: []byte(v.ID.String())})
	case *events.LoggedOut:
		h.emit(transport.ClosedEvent{Reason: transport.CloseLoggedOut})
	case *events.StreamReplaced:
		h.emit(transport.ClosedEvent{Reason: transport.CloseStreamError})
	case *events.Disconnected:
		h.emit(transport.ClosedEvent{Reason: transport.CloseNetwork})
	case *events.ConnectFailure:
		h.logger.Warn("connect failure", "reason", v.Reason)
		h.emit(transport.ClosedEvent{Reason: transport.CloseStreamError})
	}
}

func (h *handle) pumpQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		if item.Event != "code" {
			continue
		}
		if h.renderQR != nil {
			h.renderQR(item.Code)
		}
		h.emit(transport.PairingCodeEvent{Code: item.Code})
	}
}

func (h *handle) SendText(ctx context.Context, address, text string) error {
	jid, err := types.ParseJID(address)
	if err != nil {
		return fmt.Errorf("wameow: parse address %q: %w", address, err)
	}
	if _, err := h.client.SendMessage(ctx, jid, textMessage(text)); err != nil {
		return fmt.Errorf("wameow: send text: %w", err)
	}
	return nil
}

func (h *handle) SendMedia(ctx context.Context, address, url string, kind transport.MediaKind, caption string) error {
	jid, err := types.ParseJID(address)
	if err != nil {
		return fmt.Errorf("wameow: parse address %q: %w", address, err)
	}
	msg, err := h.buildMediaMessage(ctx, url, kind, caption)
	if err != nil {
		return err
	}
	if _, err := h.client.SendMessage(ctx, jid, msg); err != nil {
		return fmt.Errorf("wameow: send media: %w", err)
	}
	return nil
}

func (h *handle) FetchGroups(ctx context.Context) ([]transport.Group, error) {
	infos, err := h.client.GetJoinedGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("wameow: get joined groups: %w", err)
	}
	groups := make([]transport.Group, 0, len(infos))
	for _, info := range infos {
		groups = append(groups, transport.Group{
			ID:           info.JID.String(),
			Name:         info.Name,
			Participants: len(info.Participants),
		})
	}
	return groups, nil
}

func (h *handle) Logout(ctx context.Context) error {
	if err := h.client.Logout(ctx); err != nil {
		return fmt.Errorf("wameow: logout: %w", err)
	}
	return nil
}

func (h *handle) Close() {
	h.closeOnce.Do(func() {
		h.stopEvents()
		h.client.RemoveEventHandler(h.handlerID)
		h.client.Disconnect()
		if err := h.container.Close(); err != nil {
			h.logger.Warn("closing device store failed", "error", err)
		}
	})
}

// stopEvents marks the handle closed and signals forward to shut the event
// channel down.
func (h *handle) stopEvents() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	close(h.done)
}
