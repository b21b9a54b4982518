package nativemsg

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"os"
	"testing"
	"time"

	. "gopkg.in/check.v1"

	"github.com/dropbox/nativebridge/errors"
	"github.com/dropbox/nativebridge/logging"
)

func Test(t *testing.T) {
	logging.ConfigureTests()
	TestingT(t)
}

type FramingSuite struct {
}

var _ = Suite(&FramingSuite{})

func (s *FramingSuite) TestRoundTrip(c *C) {
	buf := &bytes.Buffer{}
	msgs := [][]byte{[]byte(`{"command":"ping"}`), {}, []byte("a\x00b")}
	for _, msg := range msgs {
		c.Assert(WriteMessage(buf, msg), IsNil)
	}
	for _, msg := range msgs {
		got, err := ReadMessage(buf)
		c.Assert(err, IsNil)
		c.Assert(got, DeepEquals, msg)
	}
	_, err := ReadMessage(buf)
	c.Assert(err, Equals, io.EOF)
}

func (s *FramingSuite) TestHeaderIsNativeEndian(c *C) {
	buf := &bytes.Buffer{}
	c.Assert(WriteMessage(buf, []byte("hello")), IsNil)
	c.Assert(buf.Len(), Equals, 9)
	c.Assert(binary.NativeEndian.Uint32(buf.Bytes()[:4]), Equals, uint32(5))
}

func (s *FramingSuite) TestOversizeFrame(c *C) {
	buf := &bytes.Buffer{}
	c.Assert(WriteMessage(buf, make([]byte, 100)), IsNil)

	_, err := ReadMessageLimit(buf, 99)
	c.Assert(err, NotNil)
	c.Assert(errors.IsError(err, ErrMessageTooLarge), Equals, true)
	c.Assert(errors.IsKind(err, errors.Transport), Equals, true)
}

func (s *FramingSuite) TestTruncatedFrame(c *C) {
	buf := &bytes.Buffer{}
	c.Assert(WriteMessage(buf, []byte("hello")), IsNil)
	truncated := bytes.NewReader(buf.Bytes()[:7])

	_, err := ReadMessage(truncated)
	c.Assert(err, NotNil)
	c.Assert(err, Not(Equals), io.EOF)
	c.Assert(errors.IsKind(err, errors.Transport), Equals, true)

	_, err = ReadMessage(bytes.NewReader([]byte{1, 0}))
	c.Assert(err, NotNil)
	c.Assert(err, Not(Equals), io.EOF)
}

type ServerSuite struct {
	server *Server
	events chan Event
	cancel context.CancelFunc
	served chan error
}

var _ = Suite(&ServerSuite{})

func (s *ServerSuite) SetUpTest(c *C) {
	s.events = make(chan Event, 64)
	server, err := NewServer(
		ServerOptions{Dir: c.MkDir(), MaxMessageSize: 1024},
		func(server *Server, event Event) {
			s.events <- event
			if event.Kind == Message {
				_ = server.Send(event.ClientID, append([]byte("echo:"), event.Message...))
			}
		})
	c.Assert(err, IsNil)
	s.server = server

	var ctx context.Context
	ctx, s.cancel = context.WithCancel(context.Background())
	s.served = make(chan error, 1)
	go func() { s.served <- server.Serve(ctx) }()
}

func (s *ServerSuite) TearDownTest(c *C) {
	s.cancel()
	select {
	case err := <-s.served:
		c.Assert(err, IsNil)
	case <-time.After(5 * time.Second):
		c.Fatal("server did not stop")
	}
}

func (s *ServerSuite) nextEvent(c *C) Event {
	select {
	case e := <-s.events:
		return e
	case <-time.After(5 * time.Second):
		c.Fatal("no event")
	}
	return Event{}
}

func (s *ServerSuite) TestToken(c *C) {
	c.Assert(s.server.Token(), HasLen, 32)
	c.Assert(s.server.Token(), Matches, "[0-9a-f]{32}")
}

func (s *ServerSuite) TestExchange(c *C) {
	conn, err := Dial(s.server.Path(), s.server.Token())
	c.Assert(err, IsNil)

	c.Assert(s.nextEvent(c), DeepEquals, Event{ClientID: 1, Kind: Connected})

	c.Assert(conn.Write([]byte(`{"command":"ping"}`)), IsNil)
	c.Assert(s.nextEvent(c), DeepEquals,
		Event{ClientID: 1, Kind: Message, Message: []byte(`{"command":"ping"}`)})

	reply, err := conn.Read()
	c.Assert(err, IsNil)
	c.Assert(string(reply), Equals, `echo:{"command":"ping"}`)

	c.Assert(conn.Close(), IsNil)
	c.Assert(s.nextEvent(c), DeepEquals, Event{ClientID: 1, Kind: Disconnected})
}

func (s *ServerSuite) TestClientIDsIncrease(c *C) {
	first, err := Dial(s.server.Path(), s.server.Token())
	c.Assert(err, IsNil)
	defer first.Close()
	c.Assert(s.nextEvent(c).ClientID, Equals, uint32(1))

	second, err := Dial(s.server.Path(), s.server.Token())
	c.Assert(err, IsNil)
	defer second.Close()
	c.Assert(s.nextEvent(c).ClientID, Equals, uint32(2))
	c.Assert(s.server.NumClients(), Equals, 2)

	c.Assert(s.server.Broadcast([]byte("all")), IsNil)
	for _, conn := range []*Conn{first, second} {
		msg, err := conn.Read()
		c.Assert(err, IsNil)
		c.Assert(string(msg), Equals, "all")
	}
}

func (s *ServerSuite) TestBadTokenIsDropped(c *C) {
	conn, err := Dial(s.server.Path(), "00000000000000000000000000000000")
	c.Assert(err, IsNil)
	defer conn.Close()

	_, err = conn.Read()
	c.Assert(err, Equals, io.EOF)

	select {
	case e := <-s.events:
		c.Fatalf("unexpected event %v", e)
	default:
	}
	c.Assert(s.server.NumClients(), Equals, 0)
}

func (s *ServerSuite) TestOversizeFrameDisconnects(c *C) {
	conn, err := Dial(s.server.Path(), s.server.Token())
	c.Assert(err, IsNil)
	defer conn.Close()
	c.Assert(s.nextEvent(c).Kind, Equals, Connected)

	c.Assert(conn.Write(make([]byte, 2048)), IsNil)
	c.Assert(s.nextEvent(c), DeepEquals, Event{ClientID: 1, Kind: Disconnected})
}

func (s *ServerSuite) TestSendToUnknownClient(c *C) {
	err := s.server.Send(42, []byte("x"))
	c.Assert(err, NotNil)
	c.Assert(errors.IsKind(err, errors.StaleContext), Equals, true)
}

func (s *ServerSuite) TestCloseRemovesSocket(c *C) {
	conn, err := Dial(s.server.Path(), s.server.Token())
	c.Assert(err, IsNil)
	defer conn.Close()
	c.Assert(s.nextEvent(c).Kind, Equals, Connected)

	c.Assert(s.server.Close(), IsNil)
	c.Assert(s.nextEvent(c).Kind, Equals, Disconnected)

	_, err = os.Stat(s.server.Path())
	c.Assert(os.IsNotExist(err), Equals, true)
	c.Assert(s.server.Close(), IsNil)
}

func (s *ServerSuite) TestDialRejectsMalformedToken(c *C) {
	_, err := Dial(s.server.Path(), "short")
	c.Assert(err, NotNil)
	c.Assert(errors.IsKind(err, errors.Config), Equals, true)
}

func (s *ServerSuite) TestRelay(c *C) {
	conn, err := Dial(s.server.Path(), s.server.Token())
	c.Assert(err, IsNil)
	c.Assert(s.nextEvent(c).Kind, Equals, Connected)

	in := make(chan []byte)
	outR, outW := io.Pipe()
	relayed := make(chan error, 1)
	go func() { relayed <- Relay(context.Background(), in, outW, conn) }()

	msg, err := ReadMessage(outR)
	c.Assert(err, IsNil)
	c.Assert(msg, DeepEquals, ConnectedMessage)

	in <- []byte("hello")
	msg, err = ReadMessage(outR)
	c.Assert(err, IsNil)
	c.Assert(string(msg), Equals, "echo:hello")

	c.Assert(s.server.Close(), IsNil)
	msg, err = ReadMessage(outR)
	c.Assert(err, IsNil)
	c.Assert(msg, DeepEquals, DisconnectedMessage)
	c.Assert(<-relayed, IsNil)
}

func (s *ServerSuite) TestRelayInputClosed(c *C) {
	conn, err := Dial(s.server.Path(), s.server.Token())
	c.Assert(err, IsNil)

	in := make(chan []byte)
	close(in)
	out := &bytes.Buffer{}
	c.Assert(Relay(context.Background(), in, out, conn), Equals, ErrInputClosed)

	msg, err := ReadMessage(out)
	c.Assert(err, IsNil)
	c.Assert(msg, DeepEquals, ConnectedMessage)
}

func (s *ServerSuite) TestProxy(c *C) {
	attempts := 0
	proxy := &Proxy{
		Dial: func() (*Conn, error) {
			attempts++
			if attempts == 1 {
				return nil, errors.NewKind(errors.Transport, "not yet")
			}
			return Dial(s.server.Path(), s.server.Token())
		},
		RetryInterval: 10 * time.Millisecond,
	}

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	done := make(chan error, 1)
	go func() { done <- proxy.Run(context.Background(), inR, outW) }()

	msg, err := ReadMessage(outR)
	c.Assert(err, IsNil)
	c.Assert(msg, DeepEquals, ConnectedMessage)

	c.Assert(WriteMessage(inW, []byte("ping")), IsNil)
	msg, err = ReadMessage(outR)
	c.Assert(err, IsNil)
	c.Assert(string(msg), Equals, "echo:ping")

	c.Assert(inW.Close(), IsNil)
	c.Assert(<-done, IsNil)
	c.Assert(attempts, Equals, 2)
}

func (s *ServerSuite) TestRelayWritesHeldFramesFirst(c *C) {
	conn, err := Dial(s.server.Path(), s.server.Token())
	c.Assert(err, IsNil)
	c.Assert(s.nextEvent(c).Kind, Equals, Connected)

	in := make(chan []byte)
	outR, outW := io.Pipe()
	relayed := make(chan error, 1)
	go func() {
		relayed <- relay(context.Background(), in, &frameWriter{w: outW}, conn,
			[][]byte{[]byte("first"), []byte("second")})
	}()

	msg, err := ReadMessage(outR)
	c.Assert(err, IsNil)
	c.Assert(msg, DeepEquals, ConnectedMessage)
	for _, want := range []string{"echo:first", "echo:second"} {
		msg, err = ReadMessage(outR)
		c.Assert(err, IsNil)
		c.Assert(string(msg), Equals, want)
	}

	close(in)
	c.Assert(<-relayed, Equals, ErrInputClosed)
}

func (s *ServerSuite) TestProxyDeliversFramesReadWhileHostIsDown(c *C) {
	ready := make(chan struct{})
	proxy := &Proxy{
		Dial: func() (*Conn, error) {
			select {
			case <-ready:
				return Dial(s.server.Path(), s.server.Token())
			default:
				return nil, errors.NewKind(errors.Transport, "host down")
			}
		},
		RetryInterval: 10 * time.Millisecond,
	}

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	done := make(chan error, 1)
	go func() { done <- proxy.Run(context.Background(), inR, outW) }()

	c.Assert(WriteMessage(inW, []byte("queued")), IsNil)
	time.Sleep(50 * time.Millisecond)
	close(ready)

	msg, err := ReadMessage(outR)
	c.Assert(err, IsNil)
	c.Assert(msg, DeepEquals, ConnectedMessage)
	msg, err = ReadMessage(outR)
	c.Assert(err, IsNil)
	c.Assert(string(msg), Equals, "echo:queued")

	c.Assert(inW.Close(), IsNil)
	c.Assert(<-done, IsNil)
}

type ProxySuite struct {
}

var _ = Suite(&ProxySuite{})

func (s *ProxySuite) TestInputEOFWhileHostIsDown(c *C) {
	proxy := &Proxy{
		Dial: func() (*Conn, error) {
			return nil, errors.NewKind(errors.Transport, "host down")
		},
		RetryInterval: 20 * time.Millisecond,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	c.Assert(proxy.Run(ctx, bytes.NewReader(nil), io.Discard), IsNil)
	c.Assert(ctx.Err(), IsNil)
	c.Assert(time.Since(start) < time.Second, Equals, true)
}

func (s *ProxySuite) TestInputFailureWhileHostIsDown(c *C) {
	proxy := &Proxy{
		Dial: func() (*Conn, error) {
			return nil, errors.NewKind(errors.Transport, "host down")
		},
		RetryInterval: 20 * time.Millisecond,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// A header promising more bytes than follow.
	err := proxy.Run(ctx, bytes.NewReader([]byte{9, 0, 0, 0, 'x'}), io.Discard)
	c.Assert(err, NotNil)
	c.Assert(ctx.Err(), IsNil)
}

type EndpointSuite struct {
}

var _ = Suite(&EndpointSuite{})

func (s *EndpointSuite) TestWriteReadRemove(c *C) {
	dir := c.MkDir()
	ep := Endpoint{Path: "/tmp/nativebridge-x.sock", Token: "0123456789abcdef0123456789abcdef"}

	_, err := ReadEndpoint(dir)
	c.Assert(err, NotNil)

	c.Assert(WriteEndpoint(dir, ep), IsNil)
	got, err := ReadEndpoint(dir)
	c.Assert(err, IsNil)
	c.Assert(got, Equals, ep)

	info, err := os.Stat(EndpointPath(dir))
	c.Assert(err, IsNil)
	c.Assert(info.Mode().Perm(), Equals, os.FileMode(0o600))

	other := Endpoint{Path: "/tmp/other.sock", Token: ep.Token}
	c.Assert(RemoveEndpoint(dir, other), IsNil)
	_, err = os.Stat(EndpointPath(dir))
	c.Assert(err, IsNil)

	c.Assert(RemoveEndpoint(dir, ep), IsNil)
	_, err = os.Stat(EndpointPath(dir))
	c.Assert(os.IsNotExist(err), Equals, true)
}

func (s *EndpointSuite) TestMalformed(c *C) {
	dir := c.MkDir()
	c.Assert(os.WriteFile(EndpointPath(dir), []byte("/tmp/x.sock\nshort\n"), 0o600), IsNil)
	_, err := ReadEndpoint(dir)
	c.Assert(err, NotNil)
	c.Assert(errors.IsKind(err, errors.Parse), Equals, true)
}
