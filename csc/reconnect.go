package csc

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 2 * time.Second
)

// ConnectionState is the state of the reconnect state machine
type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateBackoff
	StateConnected
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateBackoff:
		return "backoff"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateIdle:
		fallthrough
	default:
		return "idle"
	}
}

// LadderPolicy decides what an unsolicited disconnect does to the backoff ladder
type LadderPolicy int

const (
	// LadderResetOnDisconnect restarts the full ladder on every disconnect,
	// so a flaky link is retried indefinitely, MaxRetries at a time.
	LadderResetOnDisconnect LadderPolicy = iota
	// LadderResumeOnDisconnect keeps whatever attempts and delay were last active
	LadderResumeOnDisconnect
)

// Timer is a pending retry
type Timer interface {
	Stop() bool
}

// Clock schedules retries
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// ReconnectConfig contains configuration for the reconnect controller
type ReconnectConfig struct {
	Transport Transport
	Logger    Logger
	Clock     Clock

	MaxRetries int
	BaseDelay  time.Duration
	Policy     LadderPolicy

	// OnConnected runs post-connect setup. An error re-enters the retry path.
	OnConnected func() error
	// OnSessionStart runs when Start opens a new sequence, before the
	// Connecting transition is reported
	OnSessionStart func()
	// OnFailed runs teardown once the ladder is exhausted
	OnFailed func()
	// OnStateChange reports every transition
	OnStateChange func(ConnectionState)
}

// session is the cancellation handle of one top-level connection sequence.
// Timers and connect completions from an invalidated session are dropped.
type session struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// ReconnectController drives connect attempts with bounded exponential backoff
type ReconnectController struct {
	mu     sync.Mutex
	cfg    ReconnectConfig
	logger Logger
	clock  Clock

	state             ConnectionState
	attemptsRemaining int
	delay             time.Duration
	session           *session
	retryTimer        Timer
}

func NewReconnectController(cfg ReconnectConfig) (*ReconnectController, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("reconnect controller: transport cannot be nil")
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("reconnect controller: invalid max retries %d", cfg.MaxRetries)
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}

	c := &ReconnectController{
		cfg:    cfg,
		logger: cfg.Logger,
		clock:  cfg.Clock,
		state:  StateIdle,
	}
	if c.logger == nil {
		c.logger = nopLogger{}
	}
	if c.clock == nil {
		c.clock = realClock{}
	}
	c.resetLadderLocked()

	return c, nil
}

// Start begins a fresh top-level connection sequence and makes the first
// attempt. It blocks for the duration of that attempt and reports false if a
// sequence was already running.
func (c *ReconnectController) Start(ctx context.Context) bool {
	s, ok := c.begin(ctx)
	if !ok {
		return false
	}
	c.attempt(s)
	return true
}

// StartAsync is Start with the first attempt running on its own goroutine.
// The sequence exists when it returns, so a following Stop cancels it.
func (c *ReconnectController) StartAsync(ctx context.Context) bool {
	s, ok := c.begin(ctx)
	if !ok {
		return false
	}
	go c.attempt(s)
	return true
}

func (c *ReconnectController) begin(ctx context.Context) (*session, bool) {
	c.mu.Lock()
	switch c.state {
	case StateConnecting, StateBackoff, StateConnected:
		c.logger.Debug("Start ignored, already %s", c.state)
		c.mu.Unlock()
		return nil, false
	}

	sessCtx, cancel := context.WithCancel(ctx)
	s := &session{ctx: sessCtx, cancel: cancel}
	c.session = s
	c.resetLadderLocked()
	c.state = StateConnecting
	c.mu.Unlock()

	c.logger.Info("Connecting to CSC sensor (max retries %d, base delay %s)",
		c.cfg.MaxRetries, c.cfg.BaseDelay)
	if c.cfg.OnSessionStart != nil {
		c.cfg.OnSessionStart()
	}
	c.notify(StateConnecting)
	return s, true
}

// HandleDisconnect reacts to an unsolicited link loss. It blocks for the
// duration of the reconnect attempt.
func (c *ReconnectController) HandleDisconnect() {
	c.mu.Lock()
	if c.state != StateConnected || c.session == nil {
		c.logger.Debug("Disconnect event ignored in state %s", c.state)
		c.mu.Unlock()
		return
	}

	s := c.session
	if c.cfg.Policy == LadderResetOnDisconnect {
		c.resetLadderLocked()
	}
	c.state = StateConnecting
	c.mu.Unlock()

	c.logger.Warn("CSC sensor disconnected -> reconnecting")
	c.notify(StateConnecting)
	c.attempt(s)
}

// Stop is an explicit disconnect request. It invalidates the current
// session, so a pending retry can never fire a stale attempt.
func (c *ReconnectController) Stop() error {
	c.mu.Lock()
	if c.session != nil {
		c.session.cancel()
		c.session = nil
	}
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	changed := c.state != StateIdle
	c.state = StateIdle
	c.mu.Unlock()

	if changed {
		c.logger.Info("Disconnecting from CSC sensor")
		c.notify(StateIdle)
	}

	return c.cfg.Transport.Disconnect()
}

func (c *ReconnectController) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *ReconnectController) AttemptsRemaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attemptsRemaining
}

// Delay returns the delay the next scheduled retry would use
func (c *ReconnectController) Delay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delay
}

func (c *ReconnectController) attempt(s *session) {
	err := c.cfg.Transport.Connect(s.ctx)
	if err == nil {
		if !c.enterConnected(s) {
			// Stopped while the attempt was in flight
			c.cfg.Transport.Disconnect()
			return
		}
		if err = c.runOnConnected(); err == nil {
			c.logger.Info("CSC sensor connected")
			return
		}
		err = fmt.Errorf("post-connect setup: %w", err)
		// Leave Connected before dropping the link so the resulting
		// disconnect event is not taken for a link loss
		c.mu.Lock()
		if c.session == s && c.state == StateConnected {
			c.state = StateConnecting
		}
		c.mu.Unlock()
		c.cfg.Transport.Disconnect()
	}

	c.logger.Error("Failed to connect: %v", err)
	c.handleFailure(s)
}

func (c *ReconnectController) enterConnected(s *session) bool {
	c.mu.Lock()
	if c.session != s || c.state != StateConnecting {
		c.mu.Unlock()
		return false
	}
	c.state = StateConnected
	c.mu.Unlock()

	c.notify(StateConnected)
	return true
}

func (c *ReconnectController) runOnConnected() error {
	if c.cfg.OnConnected == nil {
		return nil
	}
	return c.cfg.OnConnected()
}

func (c *ReconnectController) handleFailure(s *session) {
	c.mu.Lock()
	if c.session != s {
		c.mu.Unlock()
		return
	}

	if c.attemptsRemaining == 0 {
		c.state = StateFailed
		c.session.cancel()
		c.session = nil
		c.mu.Unlock()

		c.logger.Error("Failed to reconnect, giving up")
		c.notify(StateFailed)
		if c.cfg.OnFailed != nil {
			c.cfg.OnFailed()
		}
		return
	}

	delay := c.delay
	c.logger.Info("Retrying in %s... (%d tries left)", delay, c.attemptsRemaining)
	c.attemptsRemaining--
	c.delay *= 2
	c.state = StateBackoff
	c.retryTimer = c.clock.AfterFunc(delay, func() { c.retry(s) })
	c.mu.Unlock()

	c.notify(StateBackoff)
}

func (c *ReconnectController) retry(s *session) {
	c.mu.Lock()
	if c.session != s || c.state != StateBackoff {
		c.mu.Unlock()
		return
	}
	c.retryTimer = nil
	c.state = StateConnecting
	c.mu.Unlock()

	c.notify(StateConnecting)
	c.attempt(s)
}

func (c *ReconnectController) resetLadderLocked() {
	c.attemptsRemaining = c.cfg.MaxRetries
	c.delay = c.cfg.BaseDelay
}

func (c *ReconnectController) notify(state ConnectionState) {
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(state)
	}
}
