// Package rabbitmq is the broker-facing core of the bus: the connection
// supervisor, the outbox-backed publisher and the inbox-gated consumer.
package rabbitmq

import (
	"context"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/boxbus/boxbus/config"
	"github.com/boxbus/boxbus/logger"
	"github.com/boxbus/boxbus/metrics"
)

// Supervisor owns the process-shared connection and channel. Both are
// created lazily, invalidated on fault and recreated on the next
// Connection call. The outage flag is level-triggered: one enter callback
// per contiguous outage, one exit on recovery.
type Supervisor struct {
	url string

	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	inOutage bool

	onOutageEnter func(sleep time.Duration)
	onOutageExit  func()

	// seams for tests
	dial  func(url string) (*amqp.Connection, error)
	probe func(conn *amqp.Connection) error

	lg zerolog.Logger
}

func NewSupervisor(cfg *config.Config) *Supervisor {
	return &Supervisor{
		url:   cfg.AMQPURL(),
		dial:  amqp.Dial,
		probe: probeChannel,
		lg:    logger.Component("amqp_supervisor"),
	}
}

// probeChannel is the heartbeat: opening a throwaway channel round-trips
// the connection, so a half-dead TCP session fails here instead of at the
// next publish.
func probeChannel(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	return ch.Close()
}

// Connection returns the live shared connection, opening one if needed.
// The open error propagates.
func (s *Supervisor) Connection() (*amqp.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectionLocked()
}

func (s *Supervisor) connectionLocked() (*amqp.Connection, error) {
	if s.conn != nil && !s.conn.IsClosed() {
		return s.conn, nil
	}
	s.closeLocked()

	conn, err := s.dial(s.url)
	if err != nil {
		return nil, err
	}
	s.conn = conn
	return conn, nil
}

// Channel returns the shared channel, opening connection and channel as
// needed.
func (s *Supervisor) Channel() (*amqp.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ch != nil && !s.ch.IsClosed() {
		return s.ch, nil
	}

	conn, err := s.connectionLocked()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	s.ch = ch
	return ch, nil
}

// Healthy reports whether the shared connection is open and passes the
// heartbeat probe. Any failure clears the shared slots so the next
// Connection call starts fresh.
func (s *Supervisor) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil || s.conn.IsClosed() {
		s.closeLocked()
		return false
	}
	if err := s.probe(s.conn); err != nil {
		s.lg.Warn().Err(err).Msg("heartbeat probe failed; resetting shared connection")
		s.closeLocked()
		return false
	}
	return true
}

// Reset closes and clears the shared channel and connection. Idempotent,
// never fails.
func (s *Supervisor) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *Supervisor) closeLocked() {
	if s.ch != nil {
		_ = s.ch.Close()
		s.ch = nil
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

// SetOutageCallbacks registers the enter/exit observers; either may be nil.
// Observer panics are contained.
func (s *Supervisor) SetOutageCallbacks(onEnter func(sleep time.Duration), onExit func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onOutageEnter = onEnter
	s.onOutageExit = onExit
}

func (s *Supervisor) InOutage() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inOutage
}

// EnsureConnectionOrSleep returns true when the broker is reachable,
// lazily opening the connection if needed. Otherwise it enters outage mode
// (invoking the enter callback once per contiguous outage), sleeps
// cooperatively and returns false. Recovery invokes the exit callback once.
func (s *Supervisor) EnsureConnectionOrSleep(ctx context.Context, sleep time.Duration) bool {
	if s.reachable() {
		s.mu.Lock()
		wasOut := s.inOutage
		s.inOutage = false
		exit := s.onOutageExit
		s.mu.Unlock()

		if wasOut {
			metrics.SetOutage(false)
			s.lg.Info().Msg("broker recovered; leaving outage mode")
			if exit != nil {
				safeCall(func() { exit() })
			}
		}
		return true
	}

	s.mu.Lock()
	first := !s.inOutage
	s.inOutage = true
	enter := s.onOutageEnter
	s.mu.Unlock()

	if first {
		metrics.SetOutage(true)
		s.lg.Warn().Dur("sleep", sleep).Msg("broker unreachable; entering outage mode")
		if enter != nil {
			safeCall(func() { enter(sleep) })
		}
	}

	select {
	case <-ctx.Done():
	case <-time.After(sleep):
	}
	return false
}

// reachable is Healthy plus a lazy connect attempt, so the first loop
// iteration of a freshly started consumer does not count as an outage.
func (s *Supervisor) reachable() bool {
	if s.Healthy() {
		return true
	}
	if _, err := s.Connection(); err != nil {
		return false
	}
	return s.Healthy()
}

func safeCall(fn func()) {
	defer func() { _ = recover() }()
	fn()
}
