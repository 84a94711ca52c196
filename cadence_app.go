package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"csc-service/csc"

	"github.com/go-redis/redis/v8"
)

const (
	SimulatorTickInterval = 1 * time.Second
	RedisHealthInterval   = 30 * time.Second
)

// disconnectNotifier is implemented by transports that report link loss
type disconnectNotifier interface {
	SetDisconnectHandler(fn func())
}

type CadenceApp struct {
	log        *LeveledLogger
	opts       *Options
	redis      *redis.Client
	ipcRx      *IPCRx
	ipcTx      *IPCTx
	diag       *Diag
	hub        *StatsHub
	httpServer *http.Server

	transport  csc.Transport
	controller *csc.ReconnectController
	simulator  csc.SampleSource

	mu         sync.Mutex
	estimator  *csc.RateEstimator
	rideClock  csc.RideClock
	units      csc.Units
	simRunning bool
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// appDeps are the collaborators NewCadenceApp builds from Options
type appDeps struct {
	redis     *redis.Client
	transport csc.Transport // nil in simulation mode
	clock     csc.Clock
	now       func() time.Time
}

func NewCadenceApp(opts *Options) (*CadenceApp, error) {
	logger := NewLeveledLogger(log.New(log.Writer(), fmt.Sprintf("%s: ", ProjectName), log.LstdFlags), opts.LogLevel)

	// Initialize Redis client with timeouts
	rdb := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", opts.RedisServerAddr, opts.RedisServerPort),
		Password:     "",
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	deps := appDeps{redis: rdb}
	if !opts.Simulate {
		transport, err := NewBLETransport(logger, opts.DeviceAddress, opts.ScanTimeout)
		if err != nil {
			rdb.Close()
			return nil, fmt.Errorf("failed to initialize bluetooth: %v", err)
		}
		deps.transport = transport
	}

	app, err := newCadenceApp(opts, logger, deps)
	if err != nil {
		rdb.Close()
		return nil, err
	}

	if opts.HTTPAddr != "" {
		app.startHTTP(opts.HTTPAddr)
	}

	// Connect right away; settings and commands can change things later
	app.Connect()

	return app, nil
}

func newCadenceApp(opts *Options, logger *LeveledLogger, deps appDeps) (*CadenceApp, error) {
	ctx, cancel := context.WithCancel(context.Background())

	app := &CadenceApp{
		log:       logger,
		opts:      opts,
		redis:     deps.redis,
		transport: deps.transport,
		estimator: csc.NewRateEstimator(opts.WheelCircumferenceMm),
		units:     opts.Units,
		now:       deps.now,
		ctx:       ctx,
		cancel:    cancel,
	}
	if app.now == nil {
		app.now = time.Now
	}

	// Test Redis connection with timeout
	connectCtx, connectCancel := context.WithTimeout(ctx, 5*time.Second)
	defer connectCancel()

	app.log.Info("Connecting to Redis at %s...", app.redis.Options().Addr)
	if err := app.redis.Ping(connectCtx).Err(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}
	app.log.Info("Successfully connected to Redis")

	app.ipcTx = NewIPCTx(app.log, app.redis)
	app.diag = NewDiag(app.log, app.redis)
	app.hub = NewStatsHub(app.log)

	if app.transport != nil {
		controller, err := csc.NewReconnectController(csc.ReconnectConfig{
			Transport:      app.transport,
			Logger:         app.log,
			Clock:          deps.clock,
			MaxRetries:     opts.MaxRetries,
			BaseDelay:      opts.BaseDelay,
			Policy:         opts.ladderPolicy(),
			OnSessionStart: app.beginSession,
			OnConnected:    app.onConnected,
			OnFailed:       app.cleanup,
			OnStateChange:  app.onStateChange,
		})
		if err != nil {
			cancel()
			return nil, err
		}
		app.controller = controller

		if n, ok := app.transport.(disconnectNotifier); ok {
			n.SetDisconnectHandler(app.handleLinkLoss)
		}
		app.log.Info("Reconnect controller initialized (max retries %d, base delay %s)", opts.MaxRetries, opts.BaseDelay)
	} else {
		app.simulator = csc.NewSimulator(0)
		go app.runSimulator()
		app.log.Info("Simulator initialized")
	}

	app.writeDefaultRedisState()
	go app.redisHealthCheck()

	app.ipcRx = NewIPCRx(app.log, app.redis, app)
	if app.ipcRx == nil {
		app.Destroy()
		return nil, fmt.Errorf("failed to initialize IPC RX")
	}
	app.log.Info("IPC RX component initialized")

	return app, nil
}

func (app *CadenceApp) startHTTP(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/ws", app.hub)

	app.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		app.log.Info("Live stats websocket listening on %s/ws", addr)
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			app.log.Error("HTTP server error: %v", err)
		}
	}()
}

// writeDefaultRedisState publishes an idle state and no stats
func (app *CadenceApp) writeDefaultRedisState() {
	if err := app.ipcTx.SendState(RedisState{State: csc.StateIdle.String(), AttemptsRemaining: app.opts.MaxRetries}); err != nil {
		app.log.Error("Failed to send default state: %v", err)
	}
	if err := app.ipcTx.ClearStats(); err != nil {
		app.log.Error("Failed to clear stats: %v", err)
	}
	app.log.Debug("Default Redis state written")
}

// ApplySettings takes the wheel size and units from the settings hash
func (app *CadenceApp) ApplySettings(settings Settings) {
	app.mu.Lock()
	defer app.mu.Unlock()

	if settings.WheelCircumferenceMm > 0 {
		app.estimator.SetWheelCircumference(settings.WheelCircumferenceMm)
	}
	if settings.HasUnits {
		app.units = settings.Units
	}
}

// Connect starts a new ride session unless one is already running
func (app *CadenceApp) Connect() {
	if app.controller != nil {
		if !app.controller.StartAsync(app.ctx) {
			app.log.Debug("Connect ignored, session already running")
		}
		return
	}

	app.mu.Lock()
	if app.simRunning {
		app.mu.Unlock()
		app.log.Debug("Connect ignored, simulator already running")
		return
	}
	app.simRunning = true
	app.simulator.Reset()
	app.mu.Unlock()

	app.beginSession()
}

// beginSession gives a new connection sequence a fresh ride
func (app *CadenceApp) beginSession() {
	session := app.diag.NewSession()
	app.log.Info("Starting session %s", session)

	app.mu.Lock()
	app.estimator.Reset()
	app.rideClock.Clear()
	app.mu.Unlock()
}

// Disconnect ends the session on request
func (app *CadenceApp) Disconnect() {
	if app.controller == nil {
		app.mu.Lock()
		app.simRunning = false
		app.mu.Unlock()
		app.cleanup()
		return
	}

	// Unsubscribe while the characteristic is still resolved
	if err := app.transport.StopNotifications(); err != nil {
		app.log.Warn("Failed to stop notifications: %v", err)
	}
	if err := app.controller.Stop(); err != nil {
		app.log.Warn("Disconnect error: %v", err)
	}
	app.cleanup()
}

func (app *CadenceApp) onConnected() error {
	return app.transport.StartNotifications(app.handleNotification)
}

// cleanup drops the subscription and the session's stats
func (app *CadenceApp) cleanup() {
	if app.transport != nil {
		if err := app.transport.StopNotifications(); err != nil {
			app.log.Warn("Failed to stop notifications: %v", err)
		}
	}

	app.mu.Lock()
	app.estimator.Reset()
	app.rideClock.Reset()
	app.mu.Unlock()

	if err := app.ipcTx.ClearStats(); err != nil {
		app.log.Error("Failed to clear stats: %v", err)
	}
}

// handleLinkLoss runs on the transport's event goroutine and must not block.
// The ride carries on across the gap; only the deltas spanning it are dropped.
func (app *CadenceApp) handleLinkLoss() {
	app.mu.Lock()
	app.estimator.Interrupt()
	app.rideClock.Reset()
	app.mu.Unlock()

	go app.controller.HandleDisconnect()
}

func (app *CadenceApp) onStateChange(state csc.ConnectionState) {
	attempts := app.controller.AttemptsRemaining()

	if err := app.ipcTx.SendState(RedisState{State: state.String(), AttemptsRemaining: attempts}); err != nil {
		app.log.Error("Failed to send state: %v", err)
	}
	app.diag.RecordTransition(state, attempts, app.controller.Delay())
	app.hub.Broadcast(StateEvent{Type: "state", State: state.String(), AttemptsRemaining: attempts})
}

func (app *CadenceApp) handleNotification(payload []byte) {
	csc.LogPayload(app.log, "RX", payload)

	sample, err := csc.Decode(payload)
	if err != nil {
		app.log.Warn("Dropping measurement: %v", err)
		app.diag.RecordMalformed(err.Error())
		return
	}
	app.processSample(sample)
}

func (app *CadenceApp) processSample(sample csc.Sample) {
	app.mu.Lock()
	stats, ok := app.estimator.Update(sample)
	if !ok {
		app.mu.Unlock()
		return
	}
	duration := app.rideClock.Tick(app.now(), stats.SpeedKmh)
	units := app.units
	app.mu.Unlock()

	display := csc.FormatStats(stats, duration, units)
	app.log.Debug("Stats: %.1f km/h, %.1f rpm, %.3f km", stats.SpeedKmh, stats.CadenceRpm, stats.DistanceKm)

	err := app.ipcTx.SendStats(RedisStats{
		SpeedKmh:   stats.SpeedKmh,
		CadenceRpm: stats.CadenceRpm,
		DistanceKm: stats.DistanceKm,
		Duration:   duration,
		Display:    display,
		Units:      units.String(),
	})
	if err != nil {
		app.log.Error("Failed to send stats: %v", err)
	}

	app.hub.Broadcast(StatsEvent{
		Type:       "stats",
		SpeedKmh:   stats.SpeedKmh,
		CadenceRpm: stats.CadenceRpm,
		DistanceKm: stats.DistanceKm,
		DurationS:  int64(duration.Seconds()),
		Display:    display,
	})
}

func (app *CadenceApp) runSimulator() {
	ticker := time.NewTicker(SimulatorTickInterval)
	defer ticker.Stop()

	for {
		app.simulatorTick()

		select {
		case <-app.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (app *CadenceApp) simulatorTick() {
	app.mu.Lock()
	if !app.simRunning {
		app.mu.Unlock()
		return
	}
	sample := app.simulator.Next()
	app.mu.Unlock()

	csc.LogPayload(app.log, "SIM", csc.Encode(sample))
	app.processSample(sample)
}

func (app *CadenceApp) redisHealthCheck() {
	ticker := time.NewTicker(RedisHealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-app.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(app.ctx, 2*time.Second)
			if err := app.redis.Ping(ctx).Err(); err != nil {
				app.log.Error("Redis health check failed: %v", err)
			}
			cancel()
		}
	}
}

func (app *CadenceApp) Destroy() {
	app.log.Info("Shutting down cadence application...")

	if app.cancel != nil {
		app.cancel()
	}

	if app.ipcRx != nil {
		app.ipcRx.Destroy()
		app.log.Info("IPC RX shutdown complete")
	}

	if app.controller != nil {
		if err := app.controller.Stop(); err != nil {
			app.log.Warn("Error disconnecting sensor: %v", err)
		}
		app.log.Info("Sensor connection shutdown complete")
	}

	if app.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := app.httpServer.Shutdown(ctx); err != nil {
			app.log.Warn("Error stopping HTTP server: %v", err)
		}
		cancel()
	}

	if app.hub != nil {
		app.hub.Destroy()
	}

	if app.diag != nil {
		app.diag.Destroy()
	}

	if app.ipcTx != nil {
		app.ipcTx.Destroy()
	}

	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			app.log.Error("Error closing Redis connection: %v", err)
		} else {
			app.log.Info("Redis connection closed")
		}
	}

	app.log.Info("Cadence application shutdown complete")
}
