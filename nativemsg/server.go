// Package nativemsg carries bridge payloads between a long-running host and
// short-lived native messaging proxies.
//
// The host listens on a unix socket with a random path and a random token.
// A client connects, sends the 32-byte hex token, and from then on both
// directions exchange length-prefixed frames (see ReadMessage). Proxies
// started by a browser relay those frames to and from stdin/stdout.
package nativemsg

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dropbox/nativebridge/errors"
	"github.com/dropbox/nativebridge/logging"
	"github.com/dropbox/nativebridge/stats"
)

const (
	tokenSize        = 32
	handshakeTimeout = 5 * time.Second
)

type EventKind int

const (
	Connected EventKind = iota
	Disconnected
	Message
)

func (k EventKind) String() string {
	switch k {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Message:
		return "message"
	}
	return "unknown"
}

type Event struct {
	ClientID uint32
	Kind     EventKind
	// Frame payload for Message events, nil otherwise.
	Message []byte
}

// Called from the client's goroutine, once per event, in order for that
// client. Handlers may call Send and Broadcast.
type Handler func(server *Server, event Event)

type ServerOptions struct {
	// Directory the socket is created in. Defaults to os.TempDir().
	Dir string

	// Per-frame payload limit. Defaults to DefaultMaxMessageSize.
	MaxMessageSize int

	Stats stats.StatsFactory
}

type client struct {
	id        uint32
	conn      net.Conn
	writeLock sync.Mutex
}

func (c *client) send(msg []byte) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	return WriteMessage(c.conn, msg)
}

type Server struct {
	path     string
	token    string
	limit    int
	listener net.Listener
	handler  Handler
	log      zerolog.Logger

	nextID uint32

	lock    sync.Mutex
	closed  bool
	done    chan struct{}
	conns   map[net.Conn]struct{}
	clients map[uint32]*client

	connectedClients stats.GaugeStat
	framesIn         stats.CounterStat
	framesOut        stats.CounterStat
	handshakeErrors  stats.CounterStat
}

// Creates the socket and starts listening. Call Serve to accept clients.
func NewServer(opts ServerOptions, handler Handler) (*Server, error) {
	dir := opts.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	token, err := newToken()
	if err != nil {
		return nil, err
	}

	path := filepath.Join(dir, "nativebridge-"+uuid.NewString()+".sock")
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, errors.WrapKindf(err, errors.Transport, "listen failed (%s)", path)
	}

	f := stats.OrNoOp(opts.Stats)
	return &Server{
		path:             path,
		token:            token,
		limit:            opts.MaxMessageSize,
		listener:         l,
		handler:          handler,
		log:              logging.Logger("nativemsg").With().Str("socket", path).Logger(),
		done:             make(chan struct{}),
		conns:            make(map[net.Conn]struct{}),
		clients:          make(map[uint32]*client),
		connectedClients: f.NewGauge("nativemsg_clients", nil),
		framesIn:         f.NewCounter("nativemsg_frames_total", map[string]string{"direction": "in"}),
		framesOut:        f.NewCounter("nativemsg_frames_total", map[string]string{"direction": "out"}),
		handshakeErrors:  f.NewCounter("nativemsg_handshake_failures_total", nil),
	}, nil
}

func newToken() (string, error) {
	raw := make([]byte, tokenSize/2)
	if _, err := rand.Read(raw); err != nil {
		return "", errors.WrapKind(err, errors.Internal, "token generation failed")
	}
	return hex.EncodeToString(raw), nil
}

func (s *Server) Path() string {
	return s.path
}

// The hex token clients must present first.
func (s *Server) Token() string {
	return s.token
}

// Accepts clients until ctx ends or Close is called. Returns nil on a clean
// shutdown.
func (s *Server) Serve(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		select {
		case <-groupCtx.Done():
			s.Close()
		case <-s.done:
		}
		return nil
	})

	group.Go(func() error {
		defer s.Close()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				if s.isClosed() {
					return nil
				}
				return errors.WrapKind(err, errors.Transport, "accept failed")
			}
			if !s.track(conn) {
				_ = conn.Close()
				return nil
			}
			group.Go(func() error {
				defer s.untrack(conn)
				s.serveClient(conn)
				return nil
			})
		}
	})

	return group.Wait()
}

func (s *Server) isClosed() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.closed
}

func (s *Server) track(conn net.Conn) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.conns, conn)
}

func (s *Server) serveClient(conn net.Conn) {
	defer conn.Close()

	if err := s.handshake(conn); err != nil {
		s.handshakeErrors.Inc()
		s.log.Warn().Str("error", errors.GetMessage(err)).Msg("dropping client")
		return
	}

	c := &client{
		id:   atomic.AddUint32(&s.nextID, 1),
		conn: conn,
	}
	s.addClient(c)
	defer s.removeClient(c)

	log := s.log.With().Uint32("client", c.id).Logger()
	log.Debug().Msg("client connected")
	s.dispatch(Event{ClientID: c.id, Kind: Connected})

	for {
		msg, err := ReadMessageLimit(conn, s.limit)
		if err != nil {
			if err != io.EOF && !s.isClosed() {
				log.Info().Str("error", errors.GetMessage(err)).Msg("client read failed")
			}
			break
		}
		s.framesIn.Inc()
		s.dispatch(Event{ClientID: c.id, Kind: Message, Message: msg})
	}

	log.Debug().Msg("client disconnected")
	s.dispatch(Event{ClientID: c.id, Kind: Disconnected})
}

func (s *Server) handshake(conn net.Conn) error {
	if err := conn.SetReadDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return errors.WrapKind(err, errors.Transport, "handshake deadline")
	}
	got := make([]byte, tokenSize)
	if _, err := io.ReadFull(conn, got); err != nil {
		return errors.WrapKind(err, errors.Transport, "handshake read failed")
	}
	if subtle.ConstantTimeCompare(got, []byte(s.token)) != 1 {
		return errors.NewKind(errors.Rejected, "token mismatch")
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return errors.WrapKind(err, errors.Transport, "handshake deadline")
	}
	return nil
}

func (s *Server) dispatch(event Event) {
	if s.handler != nil {
		s.handler(s, event)
	}
}

func (s *Server) addClient(c *client) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.clients[c.id] = c
	s.connectedClients.Inc()
}

func (s *Server) removeClient(c *client) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.clients[c.id]; ok {
		delete(s.clients, c.id)
		s.connectedClients.Dec()
	}
}

func (s *Server) lookup(id uint32) (*client, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	c, ok := s.clients[id]
	return c, ok
}

// Writes msg to one client.
func (s *Server) Send(clientID uint32, msg []byte) error {
	c, ok := s.lookup(clientID)
	if !ok {
		return errors.NewKindf(errors.StaleContext, "no client %d", clientID)
	}
	if err := c.send(msg); err != nil {
		return errors.Wrapf(err, "send to client %d", clientID)
	}
	s.framesOut.Inc()
	return nil
}

// Writes msg to every connected client. Returns the first failure; the
// remaining clients are still written to.
func (s *Server) Broadcast(msg []byte) error {
	s.lock.Lock()
	targets := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		targets = append(targets, c)
	}
	s.lock.Unlock()

	var first error
	for _, c := range targets {
		if err := c.send(msg); err != nil {
			if first == nil {
				first = errors.Wrapf(err, "broadcast to client %d", c.id)
			}
			continue
		}
		s.framesOut.Inc()
	}
	return first
}

// Number of clients past the handshake.
func (s *Server) NumClients() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.clients)
}

// Stops accepting, disconnects every client and removes the socket file.
// Safe to call more than once.
func (s *Server) Close() error {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	conns := make([]net.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.lock.Unlock()

	err := s.listener.Close()
	for _, conn := range conns {
		_ = conn.Close()
	}
	if rmErr := os.Remove(s.path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}
	if err != nil {
		return errors.WrapKind(err, errors.Transport, "close failed")
	}
	return nil
}
