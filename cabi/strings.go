package cabi

/*
#include <stdlib.h>
#include "nativebridge.h"
*/
import "C"

import (
	"unsafe"

	"github.com/dropbox/nativebridge/carrier"
)

// Copies a caller-owned BridgeString into a carrier. s is left untouched.
func fromC(s C.BridgeString) *carrier.Carrier {
	if s.value == nil || s.size == 0 {
		return carrier.FromBytes(nil)
	}
	return carrier.FromBytes(unsafe.Slice((*byte)(unsafe.Pointer(s.value)), int(s.size)))
}

func readC(s C.BridgeString) string {
	c := fromC(s)
	defer c.Release()
	return c.String()
}

// Moves the carrier's bytes into a malloc'd BridgeString. The carrier is
// released. An empty carrier becomes {NULL, 0}.
func toC(c *carrier.Carrier) C.BridgeString {
	buf := c.Take()
	if len(buf) == 0 {
		return C.BridgeString{}
	}
	return C.BridgeString{
		value: (*C.char)(C.CBytes(buf)),
		size:  C.size_t(len(buf)),
	}
}

func stringToC(s string) C.BridgeString {
	return toC(carrier.FromString(s))
}

// NUL-terminated C string to Go; NULL reads as "".
func goString(p *C.char) string {
	if p == nil {
		return ""
	}
	return C.GoString(p)
}

func freeBridgeString(s *C.BridgeString) {
	if s.value != nil {
		C.free(unsafe.Pointer(s.value))
	}
	s.value = nil
	s.size = 0
}
