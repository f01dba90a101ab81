package tracer

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"syscall"
	"time"
)

// State tracks the tracer's lifecycle. Transitions only move forward:
// Created -> Connecting -> Connected -> Activated -> Closed.
type State int32

const (
	Created State = iota
	Connecting
	Connected
	Activated
	Closed
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Activated:
		return "activated"
	case Closed:
		return "closed"
	}

	return "unknown"
}

var (
	// ErrConnectTimeout reports that no peer answered within the
	// connect deadline.
	ErrConnectTimeout = errors.New("tracer: connect timed out")

	// ErrClosed reports an operation on an already-closed tracer. It is
	// never raised for a mere missing listener, and ErrConnectTimeout
	// is never raised for a closed tracer.
	ErrClosed = errors.New("tracer: channel closed")
)

const (
	dialRetryDelay = 10 * time.Millisecond

	// DefaultActivationTimeout bounds the wait for the peer's signal
	// byte after the channel opens.
	DefaultActivationTimeout = 5 * time.Second
)

// Tracer is the cross-process relay client. Visit serializes pairs straight
// onto the channel; no hits are accumulated locally.
type Tracer struct {
	token             string
	activationTimeout time.Duration

	mu    sync.Mutex
	state State
	conn  net.Conn
	bw    *bufio.Writer

	wmu sync.Mutex

	activated chan struct{}
	closed    chan struct{}
}

// New builds a tracer for the channel identified by token.
func New(token string) *Tracer {
	return &Tracer{
		token:             token,
		activationTimeout: DefaultActivationTimeout,
		activated:         make(chan struct{}),
		closed:            make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (t *Tracer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.state
}

// Connect opens the named duplex channel, retrying while no listener
// answers, until timeout elapses. It returns ErrConnectTimeout on deadline
// and ErrClosed when the tracer was already closed; the two are never
// confused. On success the tracer is Connected and waits for the peer's
// activation byte in the background, so the connect attempt never blocks
// a visiting thread past this call.
func (t *Tracer) Connect(timeout time.Duration) error {
	t.mu.Lock()
	if t.state == Closed {
		t.mu.Unlock()

		return ErrClosed
	}

	t.state = Connecting
	t.mu.Unlock()

	conn, err := t.dial(timeout)
	if err != nil {
		t.mu.Lock()
		if t.state == Connecting {
			t.state = Created
		}
		t.mu.Unlock()

		return err
	}

	t.mu.Lock()
	if t.state == Closed {
		t.mu.Unlock()
		conn.Close()

		return ErrClosed
	}

	t.conn = conn
	t.bw = bufio.NewWriter(conn)
	t.state = Connected
	t.mu.Unlock()

	go t.awaitActivation(conn)

	return nil
}

func (t *Tracer) dial(timeout time.Duration) (net.Conn, error) {
	deadline := time.Now().Add(timeout)
	path := ChannelPath(t.token)

	for {
		select {
		case <-t.closed:
			return nil, ErrClosed
		default:
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("dial %s: %w", path, ErrConnectTimeout)
		}

		conn, err := net.DialTimeout("unix", path, remaining)
		if err == nil {
			return conn, nil
		}

		if !retryableDial(err) {
			return nil, fmt.Errorf("dial %s: %w", path, err)
		}

		time.Sleep(dialRetryDelay)
	}
}

// retryableDial reports whether the dial failure just means no listener is
// up yet. Those keep retrying until the deadline turns them into a timeout.
func retryableDial(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, os.ErrNotExist) {
		return true
	}

	var netErr net.Error

	return errors.As(err, &netErr) && netErr.Timeout()
}

// awaitActivation performs the bounded rendezvous on the peer's single
// signal byte. Until it completes, callers observe Connected but not
// Activated.
func (t *Tracer) awaitActivation(conn net.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(t.activationTimeout))

	var buf [1]byte
	if _, err := io.ReadFull(conn, buf[:]); err != nil {
		slog.Warn("tracer activation failed", "token", t.token, "error", err)

		return
	}

	_ = conn.SetReadDeadline(time.Time{})

	if buf[0] != activationByte {
		slog.Warn("tracer received unexpected activation byte", "token", t.token, "byte", buf[0])

		return
	}

	t.mu.Lock()
	if t.state == Connected {
		t.state = Activated
		close(t.activated)
	}
	t.mu.Unlock()
}

// ready blocks, bounded, until the tracer is activated.
func (t *Tracer) ready() error {
	select {
	case <-t.activated:
		return nil
	case <-t.closed:
		return ErrClosed
	case <-time.After(t.activationTimeout):
		return fmt.Errorf("tracer: not activated within %v", t.activationTimeout)
	}
}

// Visit relays one (moduleID, pointID) pair to the remote recorder. The
// write blocks on the calling thread but never interferes with a pending
// connect attempt.
func (t *Tracer) Visit(moduleID string, pointID int) error {
	return t.guarded(func() error {
		if err := t.ready(); err != nil {
			return err
		}

		t.wmu.Lock()
		defer t.wmu.Unlock()

		if err := writePair(t.bw, moduleID, pointID); err != nil {
			return err
		}

		return t.bw.Flush()
	}, nil)
}

// Flush is a local no-op for accounting, since all counting happens on the
// remote peer, but it emits the explicit end-of-stream marker (a pair with
// an empty module id) so the peer can detect session end.
func (t *Tracer) Flush() error {
	return t.guarded(func() error {
		if err := t.ready(); err != nil {
			return err
		}

		t.wmu.Lock()
		defer t.wmu.Unlock()

		return writePair(t.bw, "", 0)
	}, func() error {
		t.wmu.Lock()
		defer t.wmu.Unlock()

		if t.bw == nil {
			return nil
		}

		return t.bw.Flush()
	})
}

// Close disposes the channel. Closing is the only cancellation mechanism
// the tracer has.
func (t *Tracer) Close() error {
	t.mu.Lock()

	if t.state == Closed {
		t.mu.Unlock()

		return nil
	}

	t.state = Closed
	conn := t.conn
	close(t.closed)
	t.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}

	return nil
}

// guarded runs action against the channel, swallowing exactly one failure
// mode: the channel having been concurrently disposed. Every other error
// propagates, and cleanup always runs regardless of which branch fired.
func (t *Tracer) guarded(action func() error, cleanup func() error) error {
	var firstErr error

	if err := action(); err != nil && !disposed(err) {
		firstErr = err
	}

	if cleanup != nil {
		if err := cleanup(); err != nil && !disposed(err) && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// disposed matches the errors a concurrent Close can surface mid-action.
func disposed(err error) bool {
	return errors.Is(err, ErrClosed) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.EPIPE)
}
