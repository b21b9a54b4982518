// Package bridge hands results from the native side back to the core.
//
// Every outcome is normalized into a result envelope (see package envelope),
// copied into a carrier, and passed to a Receiver together with the opaque
// Context the core supplied when it started the call. The receiver takes
// ownership of the carrier whatever it answers; the bridge never touches a
// carrier after handing it over. Nothing is retried or queued: a rejected
// delivery is reported to the caller as false.
//
// All operations run synchronously on the calling goroutine.
package bridge

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/dropbox/nativebridge/carrier"
	"github.com/dropbox/nativebridge/envelope"
	"github.com/dropbox/nativebridge/errors"
	"github.com/dropbox/nativebridge/logging"
	"github.com/dropbox/nativebridge/stats"
)

// Opaque correlation token supplied by the core side. The bridge passes it
// through unchanged and never interprets it.
type Context uintptr

// The core side of a delivery. Receive owns payload from the moment it is
// called, including when it returns false, and must release it exactly once.
type Receiver interface {
	Receive(ctx Context, payload *carrier.Carrier) bool
}

type ReceiverFunc func(ctx Context, payload *carrier.Carrier) bool

func (f ReceiverFunc) Receive(ctx Context, payload *carrier.Carrier) bool {
	return f(ctx, payload)
}

// Rejects every delivery. Used when no receiver is installed.
var rejectAll = ReceiverFunc(func(ctx Context, payload *carrier.Carrier) bool {
	payload.Release()
	return false
})

type Option func(*Bridge)

func WithStats(f stats.StatsFactory) Option {
	return func(b *Bridge) {
		b.statsFactory = stats.OrNoOp(f)
	}
}

func WithRouter(r *Router) Option {
	return func(b *Bridge) {
		b.router = r
	}
}

func WithLogger(log zerolog.Logger) Option {
	return func(b *Bridge) {
		b.log = log
	}
}

type Bridge struct {
	receiver     Receiver
	router       *Router
	log          zerolog.Logger
	statsFactory stats.StatsFactory

	accepted          stats.CounterStat
	rejected          stats.CounterStat
	serializeFailures stats.CounterStat
	commandTimes      *commandTimers
}

// A nil receiver rejects every delivery.
func New(receiver Receiver, opts ...Option) *Bridge {
	if receiver == nil {
		receiver = rejectAll
	}
	b := &Bridge{
		receiver:     receiver,
		log:          logging.Logger("bridge"),
		statsFactory: stats.NoOpStatsFactory,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.router == nil {
		b.router = NewRouter()
	}

	b.accepted = b.statsFactory.NewCounter(
		"deliveries_total", map[string]string{"result": "accepted"})
	b.rejected = b.statsFactory.NewCounter(
		"deliveries_total", map[string]string{"result": "rejected"})
	b.serializeFailures = b.statsFactory.NewCounter(
		"envelope_serialize_failures_total", nil)
	b.commandTimes = newCommandTimers(b.statsFactory)
	return b
}

func (b *Bridge) Router() *Router {
	return b.router
}

// Copies s into a carrier and hands it to the receiver with ctx. Returns
// whether the receiver accepted it.
func (b *Bridge) Deliver(ctx Context, s string) bool {
	payload := carrier.FromString(s)
	size := payload.Len()

	// payload belongs to the receiver from here on.
	if b.receiver.Receive(ctx, payload) {
		b.accepted.Inc()
		b.log.Debug().Uint64("context", uint64(ctx)).Int("bytes", size).Msg("delivered")
		return true
	}
	b.rejected.Inc()
	b.log.Warn().Uint64("context", uint64(ctx)).Int("bytes", size).Msg("delivery rejected")
	return false
}

// Delivers the envelope for (value, err).
func (b *Bridge) DeliverResult(ctx Context, value map[string]interface{}, err error) bool {
	if err != nil {
		return b.Deliver(ctx, envelope.FromResult(nil, err))
	}
	return b.Deliver(ctx, b.success(value))
}

// Delivers an error envelope carrying message.
func (b *Bridge) DeliverError(ctx Context, message string) bool {
	return b.Deliver(ctx, envelope.Error(message))
}

// Executes a JSON command request and delivers its envelope to ctx.
func (b *Bridge) Run(goCtx context.Context, ctx Context, request string) bool {
	return b.Deliver(ctx, b.Execute(goCtx, request))
}

func (b *Bridge) success(value map[string]interface{}) string {
	out, err := envelope.SuccessOrError(value)
	if err != nil {
		b.serializeFailures.Inc()
		b.log.Error().Str("error", errors.GetMessage(err)).Msg("result is not serializable")
	}
	return out
}
