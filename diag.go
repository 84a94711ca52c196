package main

import (
	"context"
	"sync"
	"time"

	"csc-service/csc"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	diagGroupName         = "csc"
	diagEventStream       = "events:csc"
	diagEventStreamMaxLen = 1000
)

// Diag records connection lifecycle transitions to a Redis stream. Every
// top-level connection sequence gets its own session id.
type Diag struct {
	log     *LeveledLogger
	redis   *redis.Client
	mu      sync.RWMutex
	session string
	ctx     context.Context
}

func NewDiag(logger *LeveledLogger, redis *redis.Client) *Diag {
	return &Diag{
		log:   logger,
		redis: redis,
		ctx:   context.Background(),
	}
}

func (d *Diag) Destroy() {}

// NewSession starts a new session id and returns it
func (d *Diag) NewSession() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.session = uuid.NewString()
	d.log.Debug("New connection session %s", d.session)
	return d.session
}

func (d *Diag) Session() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.session
}

func (d *Diag) RecordTransition(state csc.ConnectionState, attemptsRemaining int, delay time.Duration) {
	d.mu.RLock()
	session := d.session
	d.mu.RUnlock()

	err := d.redis.XAdd(d.ctx, &redis.XAddArgs{
		Stream: diagEventStream,
		MaxLen: diagEventStreamMaxLen,
		Values: map[string]interface{}{
			"group":              diagGroupName,
			"session":            session,
			"event":              state.String(),
			"attempts-remaining": attemptsRemaining,
			"delay-ms":           delay.Milliseconds(),
		},
	}).Err()
	if err != nil {
		d.log.Error("Failed to record %s transition: %v", state, err)
	}
}

// RecordMalformed reports a payload the decoder rejected
func (d *Diag) RecordMalformed(reason string) {
	d.mu.RLock()
	session := d.session
	d.mu.RUnlock()

	err := d.redis.XAdd(d.ctx, &redis.XAddArgs{
		Stream: diagEventStream,
		MaxLen: diagEventStreamMaxLen,
		Values: map[string]interface{}{
			"group":   diagGroupName,
			"session": session,
			"event":   "malformed-payload",
			"reason":  reason,
		},
	}).Err()
	if err != nil {
		d.log.Error("Failed to record malformed payload: %v", err)
	}
}
