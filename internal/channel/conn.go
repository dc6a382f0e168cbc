// Package channel holds the per-platform chat connections and the shared
// reconnect loop that drives them.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"chatcore/internal/codec"
	"chatcore/internal/domain"
	"chatcore/internal/metrics"
)

// session is one platform's dial/read/send lifecycle. Open and Serve are
// called from the connection goroutine only; Send may race with both.
type session interface {
	// Open dials and completes the platform handshake.
	Open(ctx context.Context) error
	// Serve reads until the session ends. It must return promptly once ctx
	// is cancelled.
	Serve(ctx context.Context, emit func(codec.Event)) error
	Send(ctx context.Context, text string) error
	Close() error
	Nick() string
	Self() domain.ChatUser
}

// Conn runs the connect/read/reconnect state machine around a session.
type Conn struct {
	ref     domain.ChannelRef
	key     string
	sess    session
	backoff *Backoff
	batch   BatchConfig
	logger  *slog.Logger

	state atomic.Int32

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
	stopped bool
	done    chan struct{}
}

func newConn(ref domain.ChannelRef, sess session, batch BatchConfig, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{
		ref:     ref,
		key:     ref.Key(),
		sess:    sess,
		backoff: NewBackoff(),
		batch:   batch,
		logger:  logger.With("channel", ref.Key()),
		done:    make(chan struct{}),
	}
}

func (c *Conn) Ref() domain.ChannelRef { return c.ref }

func (c *Conn) State() domain.ConnState { return domain.ConnState(c.state.Load()) }

func (c *Conn) setState(s domain.ConnState) { c.state.Store(int32(s)) }

func (c *Conn) Nick() string { return c.sess.Nick() }

func (c *Conn) Self() domain.ChatUser { return c.sess.Self() }

// Backoff exposes the reconnect schedule, mostly for status output.
func (c *Conn) Backoff() *Backoff { return c.backoff }

// Start blocks running the connection until Stop is called or ctx is
// cancelled. It returns nil on a requested shutdown.
func (c *Conn) Start(ctx context.Context, sink domain.Sink) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("connection already started")
	}
	c.started = true
	if c.stopped {
		c.mu.Unlock()
		close(c.done)
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	defer close(c.done)
	defer cancel()
	defer c.setState(domain.StateClosed)

	platform := string(c.ref.Platform)
	var lastErr error
	for {
		c.setState(domain.StateConnecting)
		err := c.sess.Open(ctx)
		if err == nil {
			if !errors.Is(lastErr, domain.ErrStreamEnded) {
				c.backoff.Reset()
			}
			c.setState(domain.StateConnected)
			sink.State(c.key, domain.StateChange{Channel: c.key, Kind: domain.StatusConnected})
			c.logger.Info("chat connected", "nick", c.sess.Nick())
			err = c.serve(ctx, sink)
		}
		_ = c.sess.Close()

		if ctx.Err() != nil {
			sink.State(c.key, domain.StateChange{Channel: c.key, Kind: domain.StatusDisconnected})
			return nil
		}

		lastErr = err
		change := domain.StateChange{Channel: c.key, Kind: domain.StatusDisconnected, Detail: "connection closed"}
		if err != nil {
			change.Kind = domain.StatusError
			change.Detail = err.Error()
		}
		sink.State(c.key, change)

		c.setState(domain.StateReconnecting)
		delay := c.backoff.Next()
		metrics.Reconnects.WithLabelValues(platform).Inc()
		c.logger.Warn("chat session ended, reconnecting", "error", err, "delay", delay)

		if !sleepCtx(ctx, delay) {
			sink.State(c.key, domain.StateChange{Channel: c.key, Kind: domain.StatusDisconnected})
			return nil
		}
	}
}

func (c *Conn) serve(ctx context.Context, sink domain.Sink) (err error) {
	platform := string(c.ref.Platform)
	b := NewBatcher(c.batch, func(msgs []*domain.Message) {
		metrics.MessagesTotal.WithLabelValues(platform).Add(float64(len(msgs)))
		sink.Messages(c.key, msgs)
	})
	defer b.Close()

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("session panic", "panic", r)
			err = fmt.Errorf("session panic: %v", r)
		}
	}()

	return c.sess.Serve(ctx, func(ev codec.Event) {
		switch ev.Kind {
		case codec.EventMessage:
			b.Add(ev.Message)
		case codec.EventModeration:
			// Targets may still be pending in the batch.
			b.Flush()
			metrics.ModerationTotal.WithLabelValues(platform, string(ev.Moderation.Kind)).Inc()
			sink.Moderation(c.key, *ev.Moderation)
		case codec.EventRoomState:
			sink.RoomState(c.key, *ev.RoomState)
		}
	})
}

// Stop cancels the loop, including any reconnect sleep, and waits for it
// to exit.
func (c *Conn) Stop() error {
	c.mu.Lock()
	c.stopped = true
	cancel := c.cancel
	started := c.started
	c.mu.Unlock()

	if !started {
		c.setState(domain.StateClosed)
		return nil
	}
	if cancel != nil {
		cancel()
	}
	<-c.done
	return nil
}

// Send fails fast unless the session is live.
func (c *Conn) Send(ctx context.Context, text string) error {
	if c.State() != domain.StateConnected {
		return domain.ErrNotConnected
	}
	platform := string(c.ref.Platform)
	if err := c.sess.Send(ctx, text); err != nil {
		metrics.SendsTotal.WithLabelValues(platform, "error").Inc()
		return err
	}
	metrics.SendsTotal.WithLabelValues(platform, "ok").Inc()
	return nil
}

// sleepCtx waits for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
