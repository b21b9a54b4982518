package nativemsg

import (
	"context"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dropbox/nativebridge/errors"
	"github.com/dropbox/nativebridge/logging"
)

var (
	// Written to the browser side when a connection to the host is made or lost.
	ConnectedMessage    = []byte(`{"command":"connected"}`)
	DisconnectedMessage = []byte(`{"command":"disconnected"}`)

	ErrInputClosed = errors.NewKind(errors.Transport, "input closed")

	errHostHungUp = errors.NewKind(errors.Transport, "host hung up")
)

// Reads frames from r until it fails, then closes the channel. The read
// error, io.EOF for a clean end, is available from the returned func after
// the channel is closed.
func ReadFrames(r io.Reader, limit int) (<-chan []byte, func() error) {
	frames := make(chan []byte, 32)
	var readErr error
	go func() {
		defer close(frames)
		for {
			msg, err := ReadMessageLimit(r, limit)
			if err != nil {
				readErr = err
				return
			}
			frames <- msg
		}
	}()
	return frames, func() error { return readErr }
}

// Serializes frame writes to the browser side.
type frameWriter struct {
	lock sync.Mutex
	w    io.Writer
}

func (fw *frameWriter) write(msg []byte) error {
	fw.lock.Lock()
	defer fw.lock.Unlock()
	return WriteMessage(fw.w, msg)
}

// Pumps frames between the browser side (in, out) and a host connection
// until the host hangs up, in is closed or ctx ends. ConnectedMessage is
// written to out first and DisconnectedMessage once the host is gone. conn
// is closed on return.
//
// Returns nil when the host hung up or ctx ended, ErrInputClosed when in was
// closed, or the failure writing to out.
func Relay(ctx context.Context, in <-chan []byte, out io.Writer, conn *Conn) error {
	return relay(ctx, in, &frameWriter{w: out}, conn, nil)
}

// held frames are written to conn right after ConnectedMessage.
func relay(
	ctx context.Context,
	in <-chan []byte,
	out *frameWriter,
	conn *Conn,
	held [][]byte) error {

	defer conn.Close()

	if err := out.write(ConnectedMessage); err != nil {
		return err
	}
	for _, msg := range held {
		if err := conn.Write(msg); err != nil {
			return out.write(DisconnectedMessage)
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		<-groupCtx.Done()
		_ = conn.Close()
		return nil
	})

	group.Go(func() error {
		for {
			msg, err := conn.Read()
			if err != nil {
				return errHostHungUp
			}
			if err := out.write(msg); err != nil {
				return err
			}
		}
	})

	group.Go(func() error {
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case msg, ok := <-in:
				if !ok {
					return ErrInputClosed
				}
				if err := conn.Write(msg); err != nil {
					return errHostHungUp
				}
			}
		}
	})

	err := group.Wait()
	if err == errHostHungUp {
		return out.write(DisconnectedMessage)
	}
	return err
}

// Keeps a browser side connected to a host across host restarts.
type Proxy struct {
	// Resolves and dials the host. Called again after every disconnect.
	Dial func() (*Conn, error)

	// Pause between connection attempts. Defaults to 5s.
	RetryInterval time.Duration

	// Per-frame limit for frames read from the browser side.
	MaxMessageSize int

	// Frames read from the browser side while no host is connected are
	// held for the next connection, up to this many; the oldest are dropped
	// beyond it. Defaults to 32.
	MaxHeldFrames int
}

// Relays in and out through successive host connections until ctx ends or in
// reaches EOF, whether or not a host is connected at the time. Returns nil
// on a clean end of input.
func (p *Proxy) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	log := logging.Logger("proxy")
	retry := p.RetryInterval
	if retry <= 0 {
		retry = 5 * time.Second
	}
	maxHeld := p.MaxHeldFrames
	if maxHeld <= 0 {
		maxHeld = 32
	}

	frames, inputErr := ReadFrames(in, p.MaxMessageSize)
	inputDone := func() error {
		if readErr := inputErr(); readErr != io.EOF {
			return errors.Wrap(readErr, "browser input failed")
		}
		return nil
	}
	writer := &frameWriter{w: out}

	var held [][]byte
	for {
		conn, err := p.Dial()
		if err != nil {
			log.Info().Str("error", errors.GetMessage(err)).Msg("host unavailable")
		} else {
			log.Info().Msg("connected to host")
			err = relay(ctx, frames, writer, conn, held)
			held = nil
			if err == ErrInputClosed {
				return inputDone()
			}
			if err != nil {
				return err
			}
			log.Info().Msg("host disconnected")
		}

		timer := time.NewTimer(retry)
	wait:
		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
				break wait
			case msg, ok := <-frames:
				if !ok {
					timer.Stop()
					return inputDone()
				}
				if len(held) == maxHeld {
					log.Warn().Int("held", maxHeld).Msg("no host; dropping oldest browser frame")
					held = held[1:]
				}
				held = append(held, msg)
			}
		}
	}
}
