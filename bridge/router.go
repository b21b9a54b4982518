package bridge

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dropbox/nativebridge/envelope"
	"github.com/dropbox/nativebridge/errors"
	"github.com/dropbox/nativebridge/jsonutil"
	"github.com/dropbox/nativebridge/stats"
)

// Handles one named command. The returned map becomes the envelope's data;
// a returned error becomes an error envelope.
type HandlerFunc func(
	ctx context.Context,
	params map[string]interface{}) (map[string]interface{}, error)

// Maps command names to handlers. Safe for concurrent use.
type Router struct {
	lock     sync.RWMutex
	handlers map[string]HandlerFunc
}

// Returns a router with the built-in ping command registered.
func NewRouter() *Router {
	r := &Router{handlers: make(map[string]HandlerFunc)}
	r.Handle("ping", ping)
	return r
}

func ping(context.Context, map[string]interface{}) (map[string]interface{}, error) {
	return map[string]interface{}{"pong": true}, nil
}

// Registers h under name, replacing any previous handler.
func (r *Router) Handle(name string, h HandlerFunc) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.handlers[name] = h
}

func (r *Router) Lookup(name string) (HandlerFunc, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Sorted command names.
func (r *Router) Commands() []string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// A decoded command request: {"command":"<name>","params":{...}}.
type Request struct {
	Command string
	Params  map[string]interface{}
}

func ParseRequest(s string) (*Request, error) {
	m, err := jsonutil.Parse(s)
	if err != nil {
		return nil, errors.Wrap(err, "request")
	}
	name, ok := m["command"].(string)
	if !ok || name == "" {
		return nil, errors.NewKind(errors.Parse, "request: missing command")
	}
	req := &Request{Command: name, Params: map[string]interface{}{}}
	if raw, present := m["params"]; present && raw != nil {
		params, ok := raw.(map[string]interface{})
		if !ok {
			return nil, errors.NewKind(errors.Parse, "request: params must be an object")
		}
		req.Params = params
	}
	return req, nil
}

// Runs a JSON command request and returns its envelope. Every failure
// (malformed request, unknown command, handler error or panic, unserializable
// result) comes back as an error envelope.
func (b *Bridge) Execute(goCtx context.Context, request string) string {
	req, err := ParseRequest(request)
	if err != nil {
		b.log.Warn().Str("error", errors.GetMessage(err)).Msg("bad request")
		return envelope.FromResult(nil, err)
	}
	h, ok := b.router.Lookup(req.Command)
	if !ok {
		b.log.Warn().Str("command", req.Command).Msg("unknown command")
		return envelope.Error(fmt.Sprintf("unknown command %q", req.Command))
	}

	start := time.Now()
	value, err := b.invoke(goCtx, req, h)
	b.commandTimes.get(req.Command).Observe(time.Since(start).Seconds())
	if err != nil {
		b.log.Info().
			Str("command", req.Command).
			Str("error", errors.GetMessage(err)).
			Msg("command failed")
		return envelope.FromResult(nil, err)
	}
	return b.success(value)
}

func (b *Bridge) invoke(
	goCtx context.Context,
	req *Request,
	h HandlerFunc) (value map[string]interface{}, err error) {

	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Str("command", req.Command).Interface("panic", r).Msg("handler panicked")
			value = nil
			err = errors.Newf("command %q panicked: %v", req.Command, r)
		}
	}()
	return h(goCtx, req.Params)
}

// One summary per registered command name. Names only reach here after a
// successful Lookup, so the set is bounded by the router.
type commandTimers struct {
	factory stats.StatsFactory
	lock    sync.Mutex
	timers  map[string]stats.SummaryStat
}

func newCommandTimers(f stats.StatsFactory) *commandTimers {
	return &commandTimers{
		factory: f,
		timers:  make(map[string]stats.SummaryStat),
	}
}

func (t *commandTimers) get(command string) stats.SummaryStat {
	t.lock.Lock()
	defer t.lock.Unlock()
	s, ok := t.timers[command]
	if !ok {
		s = t.factory.NewSummary("command_seconds", map[string]string{"command": command})
		t.timers[command] = s
	}
	return s
}
