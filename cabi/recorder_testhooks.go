//go:build nativebridge_testhooks

package cabi

/*
#include <stdlib.h>
#include "nativebridge.h"
#include "testhooks.h"
*/
import "C"

// Go-side access to the C delivery recorder in testhooks.c.

func installRecorder(accept bool) {
	C.bridge_test_recorder_reset(C.bool(accept))
	bridge_set_delivery(C.BridgeDeliveryFn(C.bridge_test_recorder))
}

func resetRecorder() {
	C.bridge_test_recorder_reset(C.bool(true))
}

func recordedCalls() int {
	return int(C.bridge_test_recorded_calls())
}

func recordedContext() uintptr {
	return uintptr(C.bridge_test_recorded_context())
}

// Copy of the last payload the recorder received, and whether its value
// pointer was NULL.
func recordedPayload() (string, bool) {
	p := C.bridge_test_recorded_payload()
	return readC(*p), p.value == nil
}
