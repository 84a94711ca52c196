package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
)

type IPCTx struct {
	log   *LeveledLogger
	redis *redis.Client
	mu    sync.Mutex
	ctx   context.Context
}

func NewIPCTx(logger *LeveledLogger, redis *redis.Client) *IPCTx {
	return &IPCTx{
		log:   logger,
		redis: redis,
		ctx:   context.Background(),
	}
}

func (tx *IPCTx) Destroy() {}

func (tx *IPCTx) SendStats(data RedisStats) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	pipe := tx.redis.Pipeline()

	pipe.HSet(tx.ctx, redisCSCKey, map[string]interface{}{
		"speed":    fmt.Sprintf("%.1f", data.SpeedKmh),
		"cadence":  fmt.Sprintf("%.1f", data.CadenceRpm),
		"distance": fmt.Sprintf("%.3f", data.DistanceKm),
		"duration": int64(data.Duration.Seconds()),
		"display":  data.Display,
		"units":    data.Units,
	})

	pipe.Publish(tx.ctx, redisCSCChannel, "stats")

	_, err := pipe.Exec(tx.ctx)
	if err != nil {
		return fmt.Errorf("failed to send stats: %v", err)
	}

	return nil
}

func (tx *IPCTx) SendState(data RedisState) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	pipe := tx.redis.Pipeline()

	pipe.HSet(tx.ctx, redisCSCKey,
		"state", data.State,
		"attempts-remaining", data.AttemptsRemaining,
	)

	// Also publish state changes
	pipe.Publish(tx.ctx, redisCSCChannel, "state")

	_, err := pipe.Exec(tx.ctx)
	if err != nil {
		return fmt.Errorf("failed to send state: %v", err)
	}

	return nil
}

// ClearStats removes live stats, e.g. after the connection is given up
func (tx *IPCTx) ClearStats() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	pipe := tx.redis.Pipeline()

	pipe.HDel(tx.ctx, redisCSCKey, "speed", "cadence", "distance", "duration", "display")
	pipe.Publish(tx.ctx, redisCSCChannel, "stats")

	_, err := pipe.Exec(tx.ctx)
	if err != nil {
		return fmt.Errorf("failed to clear stats: %v", err)
	}

	return nil
}
