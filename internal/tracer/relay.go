package tracer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	m "ilcov.dev/pkg/ilcov/internal/model"
	"ilcov.dev/pkg/ilcov/internal/recorder"
	"ilcov.dev/pkg/ilcov/pkg"
)

// Relay is the out-of-process peer the tracer talks to. It listens on the
// token's channel, activates each connecting tracer with the signal byte,
// journals every relayed pair and counts it into a local recorder, then
// flushes when the session ends.
type Relay struct {
	token    string
	rec      *recorder.Recorder
	journal  *pkg.HitJournal
	listener net.Listener

	// SessionGrace, when positive, bounds how long an activated session may
	// stay silent before its first pair. Zero means wait forever.
	SessionGrace time.Duration
}

// NewRelay opens the named channel for listening. A stale socket file from
// a previous run is replaced.
func NewRelay(token string, rec *recorder.Recorder, journal *pkg.HitJournal) (*Relay, error) {
	path := ChannelPath(token)
	_ = os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}

	slog.Info("relay listening", "channel", path)

	return &Relay{token: token, rec: rec, journal: journal, listener: listener}, nil
}

// Serve accepts tracer sessions until ctx is canceled or the listener is
// closed.
func (r *Relay) Serve(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		<-ctx.Done()

		return r.Close()
	})

	group.Go(func() error {
		for {
			conn, err := r.listener.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return nil
				}

				return fmt.Errorf("accept tracer session: %w", err)
			}

			group.Go(func() error {
				defer conn.Close()

				r.serveSession(conn)

				return nil
			})
		}
	})

	return group.Wait()
}

// serveSession drives one tracer connection: activation byte first, then
// pairs until the end-of-stream marker or disconnect.
func (r *Relay) serveSession(conn net.Conn) {
	if _, err := conn.Write([]byte{activationByte}); err != nil {
		slog.Error("failed to activate tracer session", "error", err)

		return
	}

	if r.SessionGrace > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(r.SessionGrace))
	}

	received := 0

	for {
		moduleID, pointID, err := readPair(conn)
		if err == nil && received == 0 {
			_ = conn.SetReadDeadline(time.Time{})
		}

		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				slog.Error("tracer session read failed", "error", err)
			}

			break
		}

		// End-of-stream marker.
		if moduleID == "" {
			break
		}

		if r.journal != nil {
			if err := r.journal.Append(m.Hit{ModuleID: moduleID, PointID: pointID}); err != nil {
				slog.Error("failed to journal relayed hit", "error", err)
			}
		}

		r.rec.Visit(moduleID, pointID)
		received++
	}

	slog.Info("tracer session ended", "hits", received)

	if err := r.rec.Flush(); err != nil {
		slog.Error("failed to flush relayed hits", "error", err)
	}
}

// Close shuts the listener down and removes the socket file.
func (r *Relay) Close() error {
	err := r.listener.Close()
	_ = os.Remove(ChannelPath(r.token))

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}

	return nil
}
