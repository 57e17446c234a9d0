// Package dispatch sends outbound messages over the live session and
// aggregates per-recipient outcomes, isolating individual failures from the
// rest of the batch.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nortide/whatsgate/internal/observability/metrics"
	"github.com/nortide/whatsgate/internal/transport"
	"github.com/nortide/whatsgate/pkg/logging"
)

var sendTracer trace.Tracer = otel.Tracer("whatsgate.internal.dispatch")

// ErrInvalidRequest flags malformed caller input; wrapped errors carry the
// specific field.
var ErrInvalidRequest = errors.New("dispatch: invalid request")

// Mode selects the delivery target kind.
type Mode string

const (
	ModeDirect Mode = "direct"
	ModeGroup  Mode = "group"
)

// Media is an optional captioned attachment fetched from a URL.
type Media struct {
	URL  string
	Kind transport.MediaKind
}

// Request is one validated delivery request. Recipients applies to direct
// mode, GroupID to group mode.
type Request struct {
	Mode       Mode
	Recipients []string
	GroupID    string
	Caption    string
	Media      *Media
}

// Result is the outcome for a single addressed target.
type Result struct {
	Recipient string `json:"recipient"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// Outcome aggregates per-target results; Success is the AND of all entries.
type Outcome struct {
	Success bool
	Results []Result
}

// SessionSource hands out the live transport handle; the session manager
// implements it.
type SessionSource interface {
	Handle() (transport.Handle, error)
}

// Engine resolves recipient addresses and performs sends. It applies no
// retry policy of its own; reconnection belongs to the session manager.
type Engine struct {
	sessions SessionSource
	logger   *logging.Logger
	metrics  *metrics.GatewayMetrics
}

// NewEngine creates a dispatch engine reading the live handle from sessions.
func NewEngine(sessions SessionSource, logger *logging.Logger, m *metrics.GatewayMetrics) *Engine {
	if sessions == nil {
		panic("dispatch: session source cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Engine{sessions: sessions, logger: logger, metrics: m}
}

// Publish validates the request and delivers it. Per-recipient send failures
// are captured in the outcome, never returned as an error; the error return
// is reserved for ErrInvalidRequest and session.ErrNotConnected.
func (e *Engine) Publish(ctx context.Context, req Request) (Outcome, error) {
	if err := req.validate(); err != nil {
		return Outcome{}, err
	}
	handle, err := e.sessions.Handle()
	if err != nil {
		return Outcome{}, err
	}

	switch req.Mode {
	case ModeDirect:
		return e.publishDirect(ctx, handle, req), nil
	default:
		return e.publishGroup(ctx, handle, req), nil
	}
}

// publishDirect sends to each recipient sequentially, preserving input order.
// One recipient failing never skips the rest.
func (e *Engine) publishDirect(ctx context.Context, handle transport.Handle, req Request) Outcome {
	outcome := Outcome{Success: true, Results: make([]Result, 0, len(req.Recipients))}
	for _, raw := range req.Recipients {
		address := NormalizeAddress(raw)
		if err := e.send(ctx, handle, address, req); err != nil {
			e.logger.Warn("send failed", "recipient", address, "error", err)
			e.metrics.ObserveSend(string(ModeDirect), false)
			outcome.Success = false
			outcome.Results = append(outcome.Results, Result{Recipient: address, Error: err.Error()})
			continue
		}
		e.metrics.ObserveSend(string(ModeDirect), true)
		outcome.Results = append(outcome.Results, Result{Recipient: address, Success: true})
	}
	return outcome
}

func (e *Engine) publishGroup(ctx context.Context, handle transport.Handle, req Request) Outcome {
	address := GroupAddress(req.GroupID)
	if err := e.send(ctx, handle, address, req); err != nil {
		e.logger.Warn("group send failed", "group", address, "error", err)
		e.metrics.ObserveSend(string(ModeGroup), false)
		return Outcome{Results: []Result{{Recipient: address, Error: err.Error()}}}
	}
	e.metrics.ObserveSend(string(ModeGroup), true)
	return Outcome{Success: true, Results: []Result{{Recipient: address, Success: true}}}
}

func (e *Engine) send(ctx context.Context, handle transport.Handle, address string, req Request) error {
	ctx, span := sendTracer.Start(ctx, "dispatch.send")
	defer span.End()
	span.SetAttributes(
		attribute.String("whatsgate.mode", string(req.Mode)),
		attribute.String("whatsgate.recipient", address),
		attribute.Bool("whatsgate.media", req.Media != nil),
	)

	var err error
	if req.Media != nil {
		err = handle.SendMedia(ctx, address, req.Media.URL, req.Media.Kind, req.Caption)
	} else {
		err = handle.SendText(ctx, address, req.Caption)
	}
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (req Request) validate() error {
	if strings.TrimSpace(req.Caption) == "" {
		return fmt.Errorf("%w: caption is required", ErrInvalidRequest)
	}
	switch req.Mode {
	case ModeDirect:
		if len(req.Recipients) == 0 {
			return fmt.Errorf("%w: direct mode requires at least one recipient", ErrInvalidRequest)
		}
	case ModeGroup:
		if strings.TrimSpace(req.GroupID) == "" {
			return fmt.Errorf("%w: group mode requires a group id", ErrInvalidRequest)
		}
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidRequest, req.Mode)
	}
	if req.Media != nil {
		if strings.TrimSpace(req.Media.URL) == "" {
			return fmt.Errorf("%w: media url is required", ErrInvalidRequest)
		}
		if req.Media.Kind != transport.MediaImage && req.Media.Kind != transport.MediaVideo {
			return fmt.Errorf("%w: unsupported media type %q", ErrInvalidRequest, req.Media.Kind)
		}
	}
	return nil
}
