//go:build nativebridge_testhooks

package cabi

import (
	"context"
	"os"
	"path/filepath"

	. "gopkg.in/check.v1"

	"github.com/dropbox/nativebridge/logging"
)

type RecorderSuite struct {
}

var _ = Suite(&RecorderSuite{})

func (s *RecorderSuite) TearDownTest(c *C) {
	uninstallDelivery()
	resetRecorder()
}

func (s *RecorderSuite) TestDeliverPreservesContext(c *C) {
	installRecorder(true)

	c.Assert(deliverString(0xfeedface, "payload"), Equals, true)
	c.Assert(recordedCalls(), Equals, 1)
	c.Assert(recordedContext(), Equals, uintptr(0xfeedface))
	payload, null := recordedPayload()
	c.Assert(payload, Equals, "payload")
	c.Assert(null, Equals, false)
}

func (s *RecorderSuite) TestDeliverEmptyPayload(c *C) {
	installRecorder(true)

	c.Assert(deliverString(3, ""), Equals, true)
	payload, null := recordedPayload()
	c.Assert(payload, Equals, "")
	c.Assert(null, Equals, true)
}

func (s *RecorderSuite) TestCallbackRejection(c *C) {
	installRecorder(false)

	c.Assert(deliverString(5, "x"), Equals, false)
	c.Assert(recordedCalls(), Equals, 1)
}

func (s *RecorderSuite) TestUninstalledCallbackIsNotCalled(c *C) {
	installRecorder(true)
	uninstallDelivery()

	c.Assert(deliverString(5, "x"), Equals, false)
	c.Assert(recordedCalls(), Equals, 0)
}

func (s *RecorderSuite) TestRunCommand(c *C) {
	installRecorder(true)

	c.Assert(runCommand(42, `{"command":"ping"}`), Equals, true)
	c.Assert(recordedContext(), Equals, uintptr(42))
	payload, _ := recordedPayload()
	c.Assert(payload, Equals, `{"success":true,"data":{"pong":true}}`)

	c.Assert(runCommand(43, `{"command":"nope"}`), Equals, true)
	c.Assert(recordedContext(), Equals, uintptr(43))
	payload, _ = recordedPayload()
	c.Assert(payload, Equals, `{"success":false,"error":"unknown command \"nope\""}`)
}

func (s *RecorderSuite) TestHandleRegistersCommand(c *C) {
	installRecorder(true)
	Handle("echo", func(
		ctx context.Context,
		params map[string]interface{}) (map[string]interface{}, error) {

		return params, nil
	})

	c.Assert(runCommand(1, `{"command":"echo","params":{"k":"<v>"}}`), Equals, true)
	payload, _ := recordedPayload()
	c.Assert(payload, Equals, `{"success":true,"data":{"k":"<v>"}}`)
}

func (s *RecorderSuite) TestHandlersSurviveInit(c *C) {
	defer logging.Reconfigure(logging.DefaultOptions(logging.ProfileTest))

	Handle("kept", func(
		ctx context.Context,
		params map[string]interface{}) (map[string]interface{}, error) {

		return map[string]interface{}{"kept": true}, nil
	})

	path := filepath.Join(c.MkDir(), "bridge.toml")
	c.Assert(os.WriteFile(path, []byte("[metrics]\nnamespace = \"reinit\"\n"), 0o600), IsNil)
	c.Assert(initWith(path), Equals, true)

	installRecorder(true)
	c.Assert(runCommand(9, `{"command":"ping"}`), Equals, true)
	payload, _ := recordedPayload()
	c.Assert(payload, Equals, `{"success":true,"data":{"pong":true}}`)

	c.Assert(runCommand(10, `{"command":"kept"}`), Equals, true)
	payload, _ = recordedPayload()
	c.Assert(payload, Equals, `{"success":true,"data":{"kept":true}}`)
}
