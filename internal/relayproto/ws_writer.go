package relayproto

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var ErrWritePumpClosed = errors.New("websocket write pump closed")
var ErrWritePumpBackpressure = errors.New("websocket write pump backpressure")

const (
	defaultControlEnqueueTimeout = 2 * time.Second
	defaultStreamEnqueueTimeout  = 5 * time.Second
)

type writeRequest struct {
	env  Envelope
	done chan error
}

// WritePump serializes writes to one websocket. Control and HTTP relay
// envelopes go ahead of websocket tunnel frames; each queue is FIFO.
type WritePump struct {
	writeFn     func(writeRequest) error
	closeFn     func()
	high        chan writeRequest
	low         chan writeRequest
	stop        chan struct{}
	done        chan struct{}
	closed      atomic.Bool
	stopOnce    sync.Once
	highTimeout time.Duration
	lowTimeout  time.Duration
}

// NewWritePump starts a pump writing codec-encoded envelopes to conn.
func NewWritePump(conn *websocket.Conn, codec *Codec, writeTimeout time.Duration, highCap, lowCap int) *WritePump {
	return newWritePumpWithWriter(func(req writeRequest) error {
		if conn == nil {
			return ErrWritePumpClosed
		}
		messageType, payload, err := codec.Encode(req.env)
		if err != nil {
			return err
		}
		if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			_ = conn.Close()
			return err
		}
		defer func() { _ = conn.SetWriteDeadline(time.Time{}) }()

		if err := conn.WriteMessage(messageType, payload); err != nil {
			_ = conn.Close()
			return err
		}
		return nil
	}, func() {
		if conn != nil {
			_ = conn.Close()
		}
	}, highCap, lowCap, defaultControlEnqueueTimeout, defaultStreamEnqueueTimeout)
}

func newWritePumpWithWriter(
	writeFn func(writeRequest) error,
	closeFn func(),
	highCap, lowCap int,
	highTimeout, lowTimeout time.Duration,
) *WritePump {
	if highCap <= 0 {
		highCap = 1
	}
	if lowCap <= 0 {
		lowCap = 1
	}
	if highTimeout <= 0 {
		highTimeout = defaultControlEnqueueTimeout
	}
	if lowTimeout <= 0 {
		lowTimeout = defaultStreamEnqueueTimeout
	}
	p := &WritePump{
		writeFn:     writeFn,
		closeFn:     closeFn,
		high:        make(chan writeRequest, highCap),
		low:         make(chan writeRequest, lowCap),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		highTimeout: highTimeout,
		lowTimeout:  lowTimeout,
	}
	go p.run()
	return p
}

// Send writes a control or HTTP relay envelope and waits for the write.
func (p *WritePump) Send(env Envelope) error {
	return p.enqueue(writeRequest{env: env, done: make(chan error, 1)}, true)
}

// SendStream writes a websocket tunnel envelope on the ordered low-priority
// queue and waits for the write.
func (p *WritePump) SendStream(env Envelope) error {
	return p.enqueue(writeRequest{env: env, done: make(chan error, 1)}, false)
}

// Closed reports whether the pump stopped accepting writes.
func (p *WritePump) Closed() bool {
	return p.closed.Load()
}

// Close stops the pump and fails queued writes.
func (p *WritePump) Close() {
	p.closed.Store(true)
	p.signalStop()
	<-p.done
}

func (p *WritePump) enqueue(req writeRequest, high bool) error {
	if p.closed.Load() {
		return ErrWritePumpClosed
	}

	target := p.low
	wait := p.lowTimeout
	if high {
		target = p.high
		wait = p.highTimeout
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-p.stop:
		return ErrWritePumpClosed
	case target <- req:
	case <-timer.C:
		p.triggerBackpressure()
		return ErrWritePumpBackpressure
	}

	return <-req.done
}

func (p *WritePump) run() {
	defer close(p.done)

	for {
		req, ok := p.next()
		if !ok {
			p.failPending(ErrWritePumpClosed)
			return
		}
		err := p.write(req)
		req.done <- err
		if err != nil {
			p.closed.Store(true)
			p.signalStop()
			p.failPending(err)
			return
		}
		if p.closed.Load() {
			p.signalStop()
			p.failPending(ErrWritePumpClosed)
			return
		}
	}
}

func (p *WritePump) next() (writeRequest, bool) {
	select {
	case req := <-p.high:
		return req, true
	default:
	}

	select {
	case <-p.stop:
		return writeRequest{}, false
	case req := <-p.high:
		return req, true
	case req := <-p.low:
		return req, true
	}
}

func (p *WritePump) write(req writeRequest) error {
	if p.writeFn == nil {
		return io.ErrClosedPipe
	}
	return p.writeFn(req)
}

func (p *WritePump) failPending(err error) {
	for {
		select {
		case req := <-p.high:
			req.done <- err
		case req := <-p.low:
			req.done <- err
		default:
			return
		}
	}
}

func (p *WritePump) signalStop() {
	p.stopOnce.Do(func() {
		close(p.stop)
	})
}

func (p *WritePump) triggerBackpressure() {
	if p.closed.Swap(true) {
		return
	}
	if p.closeFn != nil {
		p.closeFn()
	}
	p.signalStop()
}
