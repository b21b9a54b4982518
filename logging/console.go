package logging

// Console writer that buffers log lines yet flushes in a timely,
// deterministic fashion: either when bufferSize bytes are pending, or after
// maxFlushInterval, whichever comes first.

import (
	"bufio"
	"io"
	"sync"
	"time"
)

type bufferedConsole struct {
	mu               sync.Mutex
	wr               io.Writer
	bufferSize       int
	maxFlushInterval time.Duration
	baseWr           io.Writer
	stop             chan struct{}
}

// A bufferSize of 0 disables buffering and writes straight through.
func newBufferedConsole(
	base io.Writer,
	bufferSize int,
	maxFlushInterval time.Duration) *bufferedConsole {

	return &bufferedConsole{
		baseWr:           base,
		bufferSize:       bufferSize,
		maxFlushInterval: maxFlushInterval,
	}
}

func (cb *bufferedConsole) Flush() error {
	type flusher interface {
		Flush() error
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if fwr, ok := cb.wr.(flusher); ok {
		return fwr.Flush()
	}
	return nil
}

// Stops the flush daemon and flushes what is pending. Later writes go
// straight to the base writer.
func (cb *bufferedConsole) Close() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.stop != nil {
		close(cb.stop)
		cb.stop = nil
	}
	var err error
	if fwr, ok := cb.wr.(*bufio.Writer); ok {
		err = fwr.Flush()
	}
	cb.wr = nil
	cb.bufferSize = 0
	return err
}

func (cb *bufferedConsole) flushDaemon(stop <-chan struct{}) {
	// Flush at least every maxFlushInterval. A writer slower than the
	// interval can cause a single extra queued flush.
	ticker := time.NewTicker(cb.maxFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = cb.Flush() // Ignore error.
		case <-stop:
			return
		}
	}
}

func (cb *bufferedConsole) Write(b []byte) (n int, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.wr == nil {
		if cb.bufferSize <= 0 {
			return cb.baseWr.Write(b)
		}
		cb.wr = bufio.NewWriterSize(cb.baseWr, cb.bufferSize)
		if cb.maxFlushInterval > 0 {
			cb.stop = make(chan struct{})
			go cb.flushDaemon(cb.stop)
		}
	}
	return cb.wr.Write(b)
}
