package main

import (
	"context"
	"strconv"
	"sync"

	"csc-service/csc"

	"github.com/go-redis/redis/v8"
)

// Settings are the user preferences the service reads from Redis
type Settings struct {
	WheelCircumferenceMm float64 // 0 if not configured
	Units                csc.Units
	HasUnits             bool
}

// commandHandler receives settings and connection commands from Redis
type commandHandler interface {
	ApplySettings(settings Settings)
	Connect()
	Disconnect()
}

type IPCRx struct {
	log     *LeveledLogger
	redis   *redis.Client
	handler commandHandler
	mu      sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc

	settingsSubscription *redis.PubSub
	commandSubscription  *redis.PubSub
}

func NewIPCRx(logger *LeveledLogger, redis *redis.Client, handler commandHandler) *IPCRx {
	ctx, cancel := context.WithCancel(context.Background())

	rx := &IPCRx{
		log:     logger,
		redis:   redis,
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}

	// Setup initial subscriptions
	if err := rx.setupSubscriptions(); err != nil {
		rx.log.Error("Failed to setup subscriptions: %v", err)
		rx.Destroy()
		return nil
	}

	// Initial state reads
	rx.readSettings()

	return rx
}

func (rx *IPCRx) setupSubscriptions() error {
	rx.settingsSubscription = rx.redis.Subscribe(rx.ctx, redisSettingsKey)
	if _, err := rx.settingsSubscription.Receive(rx.ctx); err != nil {
		return err
	}
	go rx.handleSettingsSubscription()

	rx.commandSubscription = rx.redis.Subscribe(rx.ctx, redisCommandChan)
	if _, err := rx.commandSubscription.Receive(rx.ctx); err != nil {
		return err
	}
	go rx.handleCommandSubscription()

	return nil
}

func (rx *IPCRx) handleSettingsSubscription() {
	rx.log.Info("Starting settings subscription handler")

	for {
		msg, err := rx.settingsSubscription.Receive(rx.ctx)
		if err != nil {
			if rx.ctx.Err() != nil {
				return
			}
			// Check for closed client - panic to trigger systemd restart
			if err == redis.ErrClosed {
				rx.log.Error("Redis connection lost on settings subscription - restarting service")
				panic("Redis disconnected")
			}
			rx.log.Error("Settings subscription error: %v", err)
			continue
		}

		switch m := msg.(type) {
		case *redis.Message:
			rx.log.Debug("Settings message received: channel=%s, payload=%s", m.Channel, m.Payload)
			rx.readSettings()

		case *redis.Subscription:
			rx.log.Debug("Settings subscription event: %s %s", m.Channel, m.Kind)
		}
	}
}

func (rx *IPCRx) handleCommandSubscription() {
	rx.log.Info("Starting command subscription handler")

	for {
		msg, err := rx.commandSubscription.Receive(rx.ctx)
		if err != nil {
			if rx.ctx.Err() != nil {
				return
			}
			if err == redis.ErrClosed {
				rx.log.Error("Redis connection lost on command subscription - restarting service")
				panic("Redis disconnected")
			}
			rx.log.Error("Command subscription error: %v", err)
			continue
		}

		switch m := msg.(type) {
		case *redis.Message:
			rx.log.Debug("Command received: %s", m.Payload)
			switch m.Payload {
			case "connect":
				rx.handler.Connect()
			case "disconnect":
				rx.handler.Disconnect()
			default:
				rx.log.Warn("Unknown command: %s", m.Payload)
			}

		case *redis.Subscription:
			rx.log.Debug("Command subscription event: %s %s", m.Channel, m.Kind)
		}
	}
}

func (rx *IPCRx) readSettings() {
	values, err := rx.redis.HMGet(rx.ctx, redisSettingsKey,
		settingWheelCircumference, settingRim, settingTire, settingUnits).Result()
	if err != nil {
		rx.log.Error("Failed to read settings: %v", err)
		return
	}

	settings := parseSettings(rx.log, values[0], values[1], values[2], values[3])
	rx.log.Info("Settings: wheel=%.0f mm, units=%s", settings.WheelCircumferenceMm, settings.Units)
	rx.handler.ApplySettings(settings)
}

// parseSettings prefers an explicit circumference and falls back to rim and tire size
func parseSettings(logger *LeveledLogger, wheel, rim, tire, units interface{}) Settings {
	var settings Settings

	if mm, ok := parsePositive(wheel); ok {
		settings.WheelCircumferenceMm = mm
	} else if r, ok := parsePositive(rim); ok {
		if t, ok := parsePositive(tire); ok {
			settings.WheelCircumferenceMm, _ = csc.WheelCircumference(r, t)
		}
	}

	if s, ok := units.(string); ok {
		u, err := csc.ParseUnits(s)
		if err != nil {
			logger.Warn("Ignoring units setting: %v", err)
		} else {
			settings.Units = u
			settings.HasUnits = true
		}
	}

	return settings
}

func parsePositive(v interface{}) (float64, bool) {
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 {
		return 0, false
	}
	return f, true
}

func (rx *IPCRx) Destroy() {
	rx.mu.Lock()
	defer rx.mu.Unlock()

	if rx.cancel != nil {
		rx.cancel()
	}

	if rx.settingsSubscription != nil {
		rx.settingsSubscription.Close()
	}

	if rx.commandSubscription != nil {
		rx.commandSubscription.Close()
	}
}
