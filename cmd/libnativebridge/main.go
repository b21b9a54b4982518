// libnativebridge is the c-shared build of the bridge:
//
//	CGO_ENABLED=1 go build -buildmode=c-shared -o libnativebridge.so ./cmd/libnativebridge
//
// The exported symbols come from the cabi package.
package main

import (
	_ "github.com/dropbox/nativebridge/cabi"
)

func main() {}
