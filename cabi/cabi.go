// Package cabi exposes the bridge to C callers.
//
// This is the only package that knows the raw BridgeString layout (see
// nativebridge.h). Buffers are converted to carriers on the way in and back
// to malloc'd BridgeStrings on the way out; nothing else in the module sees
// a C pointer.
//
// Build the shared library with
//
//	CGO_ENABLED=1 go build -buildmode=c-shared -o libnativebridge.so ./cmd/libnativebridge
//
// Every BridgeString returned by an export, and every BridgeString passed to
// the delivery callback, must be released with bridge_free_string.
//
// The C delivery recorder used by the callback tests is only compiled with
// the nativebridge_testhooks tag:
//
//	go test -tags nativebridge_testhooks ./cabi
package cabi

/*
#include <stdlib.h>
#include "nativebridge.h"
*/
import "C"

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dropbox/nativebridge/bridge"
	"github.com/dropbox/nativebridge/carrier"
	"github.com/dropbox/nativebridge/config"
	"github.com/dropbox/nativebridge/envelope"
	"github.com/dropbox/nativebridge/errors"
	"github.com/dropbox/nativebridge/jsonutil"
	"github.com/dropbox/nativebridge/logging"
	"github.com/dropbox/nativebridge/stats"
)

var (
	stateLock  sync.RWMutex
	current    *bridge.Bridge
	deliveryFn C.BridgeDeliveryFn
)

func newBridge(cfg config.Config) *bridge.Bridge {
	factory := stats.NewPrometheusFactory(cfg.Metrics.Namespace, prometheus.DefaultRegisterer)
	return bridge.New(cDeliverer{}, bridge.WithStats(factory))
}

func currentBridge() *bridge.Bridge {
	stateLock.RLock()
	b := current
	stateLock.RUnlock()
	if b != nil {
		return b
	}

	stateLock.Lock()
	defer stateLock.Unlock()
	if current == nil {
		cfg := config.Default()
		logging.ConfigureWith(cfg.Log.Options())
		current = newBridge(cfg)
	}
	return current
}

// Registers a command handler on the library's bridge. Go packages linked
// into the shared library call this from init.
func Handle(name string, h bridge.HandlerFunc) {
	currentBridge().Router().Handle(name, h)
}

// Delivers payloads through the installed C callback.
type cDeliverer struct{}

func (cDeliverer) Receive(ctx bridge.Context, payload *carrier.Carrier) bool {
	stateLock.RLock()
	fn := deliveryFn
	stateLock.RUnlock()

	if fn == nil {
		payload.Release()
		return false
	}
	cs := toC(payload)
	// cs belongs to the callee now.
	return bool(C.bridge_call_delivery(fn, C.uintptr_t(ctx), cs))
}

// Loads the TOML file at config_path (NULL or "" for defaults), applies its
// [log] table and rebuilds the library's bridge. Handlers registered earlier
// are kept. Returns false if the configuration cannot be loaded; the
// previous bridge and logger stay active.
//
//export bridge_init
func bridge_init(configPath *C.char) C.bool {
	cfg := config.Default()
	if configPath != nil {
		if path := C.GoString(configPath); path != "" {
			loaded, err := config.Load(path)
			if err != nil {
				log := logging.Logger("cabi")
				log.Error().Str("error", errors.GetMessage(err)).Msg("bridge_init failed")
				return C.bool(false)
			}
			cfg = loaded
		}
	}

	logging.Reconfigure(cfg.Log.Options())

	stateLock.Lock()
	defer stateLock.Unlock()
	b := newBridge(cfg)
	if current != nil {
		router := current.Router()
		for _, name := range router.Commands() {
			if h, ok := router.Lookup(name); ok {
				b.Router().Handle(name, h)
			}
		}
	}
	current = b
	return C.bool(true)
}

// Installs the delivery callback. NULL uninstalls it; deliveries are then
// rejected.
//
//export bridge_set_delivery
func bridge_set_delivery(fn C.BridgeDeliveryFn) {
	stateLock.Lock()
	defer stateLock.Unlock()
	deliveryFn = fn
}

// Releases a BridgeString and zeroes it. NULL, and a zeroed BridgeString,
// are no-ops. Passing a copy of an already released BridgeString is
// undefined.
//
//export bridge_free_string
func bridge_free_string(s *C.BridgeString) {
	if s == nil {
		return
	}
	freeBridgeString(s)
}

// Delivers the NUL-terminated string s to the core with context.
//
//export bridge_deliver
func bridge_deliver(ctx C.uintptr_t, s *C.char) C.bool {
	return C.bool(currentBridge().Deliver(bridge.Context(ctx), goString(s)))
}

// Wraps a JSON object in a success envelope. If data is not a JSON object
// the result is an error envelope "invalid result json: <reason>".
//
//export bridge_success
func bridge_success(data C.BridgeString) C.BridgeString {
	m, err := jsonutil.Parse(readC(data))
	if err != nil {
		return stringToC(envelope.Error("invalid result json: " + errors.GetMessage(err)))
	}
	return stringToC(envelope.Success(m))
}

// Wraps message in an error envelope.
//
//export bridge_error
func bridge_error(message C.BridgeString) C.BridgeString {
	return stringToC(envelope.Error(readC(message)))
}

// Parses and re-serializes a JSON object. On failure the result is empty
// and, when errOut is not NULL, *errOut receives the error text (to be
// released by the caller).
//
//export bridge_json_normalize
func bridge_json_normalize(in C.BridgeString, errOut *C.BridgeString) C.BridgeString {
	out, err := normalize(readC(in))
	if err != nil {
		if errOut != nil {
			*errOut = stringToC(errors.GetMessage(err))
		}
		return C.BridgeString{}
	}
	return stringToC(out)
}

func normalize(s string) (string, error) {
	m, err := jsonutil.Parse(s)
	if err != nil {
		return "", err
	}
	return jsonutil.Serialize(m)
}

// Runs a JSON command request and delivers its envelope with context.
// Returns whether the core accepted the delivery.
//
//export bridge_run_command
func bridge_run_command(ctx C.uintptr_t, request C.BridgeString) C.bool {
	req := readC(request)
	return C.bool(currentBridge().Run(context.Background(), bridge.Context(ctx), req))
}
