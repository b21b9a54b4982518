package cabi

/*
#include <stdlib.h>
#include "nativebridge.h"
*/
import "C"

import (
	"unsafe"
)

// Go-side access to the exports with C argument types. cgo is not available
// in _test.go files.

func uninstallDelivery() {
	bridge_set_delivery(nil)
}

// Moves s through a C buffer and back, freeing the C side. Also reports
// whether the C buffer was {NULL, 0}.
func roundTrip(s string) (string, bool) {
	cs := stringToC(s)
	zero := cs.value == nil && cs.size == 0
	out := readC(cs)
	bridge_free_string(&cs)
	return out, zero
}

// Frees a zero BridgeString, then a NULL pointer, then the same string
// twice through the zeroing free. Reports whether the string ended zeroed.
func freeEmpty() bool {
	var cs C.BridgeString
	bridge_free_string(&cs)
	bridge_free_string(nil)

	cs = stringToC("x")
	bridge_free_string(&cs)
	bridge_free_string(&cs)
	return cs.value == nil && cs.size == 0
}

func deliverString(ctx uintptr, s string) bool {
	cs := C.CString(s)
	defer C.free(unsafe.Pointer(cs))
	return bool(bridge_deliver(C.uintptr_t(ctx), cs))
}

func callWithString(
	fn func(C.BridgeString) C.BridgeString,
	in string) string {

	cin := stringToC(in)
	defer freeBridgeString(&cin)
	out := fn(cin)
	defer freeBridgeString(&out)
	return readC(out)
}

func success(data string) string {
	return callWithString(bridge_success, data)
}

func errorEnvelope(message string) string {
	return callWithString(bridge_error, message)
}

// Returns the normalized JSON, or the error text delivered through the
// error slot.
func normalizeJSON(in string) (string, string) {
	cin := stringToC(in)
	defer freeBridgeString(&cin)

	var errOut C.BridgeString
	out := bridge_json_normalize(cin, &errOut)
	defer freeBridgeString(&out)
	defer freeBridgeString(&errOut)
	return readC(out), readC(errOut)
}

func runCommand(ctx uintptr, request string) bool {
	cin := stringToC(request)
	defer freeBridgeString(&cin)
	return bool(bridge_run_command(C.uintptr_t(ctx), cin))
}

func initWith(path string) bool {
	if path == "" {
		return bool(bridge_init(nil))
	}
	cs := C.CString(path)
	defer C.free(unsafe.Pointer(cs))
	return bool(bridge_init(cs))
}
