package bridge

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/dropbox/nativebridge/carrier"
	"github.com/dropbox/nativebridge/envelope"
	"github.com/dropbox/nativebridge/errors"
	"github.com/dropbox/nativebridge/handle"
	"github.com/dropbox/nativebridge/logging"
	"github.com/dropbox/nativebridge/stats"
)

// Core-side correlation of outstanding calls. Begin registers a call and
// returns the Context to pass to the native side; Receive, installed as the
// bridge's Receiver, routes each delivery to the call that owns its Context.
//
// A Context is good for exactly one delivery. Deliveries for contexts that
// were already answered or cancelled are rejected, so a native completion
// arriving after the core gave up can never reach a newer call.
type Pending struct {
	registry    *handle.Registry
	outstanding stats.GaugeStat
	stale       stats.CounterStat
	log         zerolog.Logger
}

func NewPending(f stats.StatsFactory) *Pending {
	f = stats.OrNoOp(f)
	return &Pending{
		registry:    handle.NewRegistry(),
		outstanding: f.NewGauge("pending_calls", nil),
		stale:       f.NewCounter("stale_deliveries_total", nil),
		log:         logging.Logger("pending"),
	}
}

const (
	callWaiting int32 = iota
	callDelivered
	callCancelled
)

// An outstanding call. Exactly one of Receive and Cancel moves it out of
// callWaiting. done then receives the delivery and is closed, or is closed
// without a value on cancellation.
type Call struct {
	pending *Pending
	token   Context
	state   int32
	done    chan string
}

func (p *Pending) Begin() (Context, *Call) {
	call := &Call{
		pending: p,
		done:    make(chan string, 1),
	}
	call.token = Context(p.registry.Register(call))
	p.outstanding.Inc()
	return call.token, call
}

// Number of calls still waiting for a delivery.
func (p *Pending) Len() int {
	return p.registry.Len()
}

// Implements Receiver. The payload is copied out and released before
// returning, whether or not the delivery is accepted.
func (p *Pending) Receive(ctx Context, payload *carrier.Carrier) bool {
	v, err := p.registry.Take(handle.Handle(ctx))
	if err == nil && !atomic.CompareAndSwapInt32(&v.(*Call).state, callWaiting, callDelivered) {
		err = errCallFinished
	}
	if err != nil {
		payload.Release()
		p.stale.Inc()
		p.log.Warn().
			Uint64("context", uint64(ctx)).
			Str("error", errors.GetMessage(err)).
			Msg("delivery for unknown context")
		return false
	}
	s := payload.String()
	payload.Release()

	p.outstanding.Dec()
	call := v.(*Call)
	call.done <- s
	close(call.done)
	return true
}

func (c *Call) Context() Context {
	return c.token
}

// Tears the call down. Returns false if the call was already answered or
// cancelled.
func (c *Call) Cancel() bool {
	if !atomic.CompareAndSwapInt32(&c.state, callWaiting, callCancelled) {
		return false
	}
	c.pending.registry.Delete(handle.Handle(c.token))
	c.pending.outstanding.Dec()
	close(c.done)
	return true
}

var errCallFinished = errors.NewKind(
	errors.StaleContext, "call was cancelled or its delivery was already consumed")

// Waits for the delivery. When goCtx ends first the call is cancelled and a
// StaleContext error is returned, unless the delivery won the race. Waiting
// on a cancelled call, or again after the delivery was returned, fails with
// a StaleContext error.
func (c *Call) Wait(goCtx context.Context) (string, error) {
	select {
	case s, ok := <-c.done:
		if !ok {
			return "", errCallFinished
		}
		return s, nil
	case <-goCtx.Done():
		if c.Cancel() {
			return "", errors.WrapKind(goCtx.Err(), errors.StaleContext, "call abandoned")
		}
		if atomic.LoadInt32(&c.state) != callDelivered {
			return "", errCallFinished
		}
		// Receive won; done holds the payload, or was drained by an
		// earlier Wait.
		if s, ok := <-c.done; ok {
			return s, nil
		}
		return "", errCallFinished
	}
}

// Same as Wait, but decodes the delivered envelope. An error envelope is
// returned as an error of kind Rejected.
func (c *Call) WaitResult(goCtx context.Context) (map[string]interface{}, error) {
	s, err := c.Wait(goCtx)
	if err != nil {
		return nil, err
	}
	env, err := envelope.Decode(s)
	if err != nil {
		return nil, err
	}
	if !env.Success {
		return nil, errors.NewKind(errors.Rejected, env.Error)
	}
	return env.Data, nil
}
