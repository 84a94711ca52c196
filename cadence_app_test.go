package main

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"csc-service/csc"

	"github.com/alicebob/miniredis/v2"
	"gotest.tools/assert"
	"gotest.tools/poll"
)

// fakeSensor is a transport whose connect results are scripted. Like the
// radio transport, it forgets the subscription target once disconnected.
type fakeSensor struct {
	mu           sync.Mutex
	fail         bool
	gate         chan struct{} // holds Connect until closed
	connected    bool
	connects     int
	disconnects  int
	stops        int
	handler      func([]byte)
	onDisconnect func()
}

func (f *fakeSensor) Connect(ctx context.Context) error {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.fail {
		return errors.New("sensor out of range")
	}
	f.connected = true
	return nil
}

func (f *fakeSensor) StartNotifications(handler func([]byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
	return nil
}

func (f *fakeSensor) StopNotifications() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return nil
	}
	f.stops++
	f.handler = nil
	return nil
}

func (f *fakeSensor) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.connected = false
	return nil
}

func (f *fakeSensor) SetDisconnectHandler(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onDisconnect = fn
}

func (f *fakeSensor) notify(t *testing.T, payload []byte) {
	t.Helper()
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	if handler == nil {
		t.Fatal("notifications not started")
	}
	handler(payload)
}

func (f *fakeSensor) dropLink() {
	f.mu.Lock()
	fn := f.onDisconnect
	f.connected = false
	f.handler = nil
	f.mu.Unlock()
	fn()
}

func (f *fakeSensor) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeSensor) counts() (connects, disconnects, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.disconnects, f.stops
}

func (f *fakeSensor) subscribed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handler != nil
}

// stepClock advances one second per reading
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func testOptions() *Options {
	return &Options{
		LogLevel:             LogLevelNone,
		WheelCircumferenceMm: csc.DefaultWheelCircumferenceMm,
		Units:                csc.UnitsMetric,
		MaxRetries:           2,
		BaseDelay:            time.Millisecond,
		LadderReset:          true,
	}
}

func newTestApp(t *testing.T, opts *Options, sensor *fakeSensor) (*CadenceApp, *miniredis.Miniredis) {
	t.Helper()
	s, client := newTestRedis(t)

	deps := appDeps{
		redis: client,
		now:   (&stepClock{now: time.Unix(0, 0)}).Now,
	}
	if sensor != nil {
		deps.transport = sensor
	}

	app, err := newCadenceApp(opts, newTestLogger(), deps)
	assert.NilError(t, err)
	t.Cleanup(app.Destroy)
	return app, s
}

func waitForState(t *testing.T, s *miniredis.Miniredis, state string) {
	t.Helper()
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if got := s.HGet(redisCSCKey, "state"); got != state {
			return poll.Continue("state %q, want %q", got, state)
		}
		return poll.Success()
	})
}

func wheelAndCrank(wheelRevs uint32, crankRevs, eventTime uint16) []byte {
	return csc.Encode(csc.Sample{
		Wheel: &csc.WheelData{Revolutions: wheelRevs, EventTime: eventTime},
		Crank: &csc.CrankData{Revolutions: crankRevs, EventTime: eventTime},
	})
}

func TestCadenceAppWritesDefaultState(t *testing.T) {
	_, s := newTestApp(t, testOptions(), &fakeSensor{})

	assert.Equal(t, s.HGet(redisCSCKey, "state"), "idle")
	assert.Equal(t, s.HGet(redisCSCKey, "attempts-remaining"), "2")
	assert.Equal(t, s.HGet(redisCSCKey, "speed"), "")
}

func TestCadenceAppStreamsStats(t *testing.T) {
	sensor := &fakeSensor{}
	app, s := newTestApp(t, testOptions(), sensor)

	app.Connect()
	waitForState(t, s, "connected")
	assert.Assert(t, sensor.subscribed())

	// The first sample only sets the baseline
	sensor.notify(t, wheelAndCrank(100, 10, 1024))
	assert.Equal(t, s.HGet(redisCSCKey, "speed"), "")

	// Two wheel turns and one crank turn in one second
	sensor.notify(t, wheelAndCrank(102, 11, 2048))
	assert.Equal(t, s.HGet(redisCSCKey, "speed"), "15.2")
	assert.Equal(t, s.HGet(redisCSCKey, "cadence"), "60.0")
	assert.Equal(t, s.HGet(redisCSCKey, "distance"), "0.004")
	assert.Equal(t, s.HGet(redisCSCKey, "display"), "15.2 km/hr\n0.00 km\n60.0 rpm\n00:00:00")

	sensor.notify(t, wheelAndCrank(104, 12, 3072))
	assert.Equal(t, s.HGet(redisCSCKey, "duration"), "1")
}

func TestCadenceAppDropsMalformedPayload(t *testing.T) {
	sensor := &fakeSensor{}
	app, s := newTestApp(t, testOptions(), sensor)

	app.Connect()
	waitForState(t, s, "connected")

	sensor.notify(t, wheelAndCrank(100, 10, 1024))
	sensor.notify(t, []byte{csc.FlagWheelRevolutionData, 0x01})
	assert.Equal(t, s.HGet(redisCSCKey, "speed"), "")

	// The delta spans the two valid readings
	sensor.notify(t, wheelAndCrank(102, 11, 2048))
	assert.Equal(t, s.HGet(redisCSCKey, "speed"), "15.2")
	assert.Equal(t, s.HGet(redisCSCKey, "cadence"), "60.0")

	entries, err := app.redis.XRange(context.Background(), diagEventStream, "-", "+").Result()
	assert.NilError(t, err)

	malformed := 0
	for _, e := range entries {
		if e.Values["event"] == "malformed-payload" {
			malformed++
		}
	}
	assert.Equal(t, malformed, 1)
}

func TestCadenceAppConnectKeepsLiveSession(t *testing.T) {
	sensor := &fakeSensor{}
	app, s := newTestApp(t, testOptions(), sensor)

	app.Connect()
	waitForState(t, s, "connected")
	session := app.diag.Session()

	sensor.notify(t, wheelAndCrank(100, 10, 1024))
	sensor.notify(t, wheelAndCrank(110, 11, 2048))
	assert.Equal(t, s.HGet(redisCSCKey, "distance"), "0.021")

	app.Connect()
	assert.Equal(t, app.controller.State(), csc.StateConnected)
	assert.Equal(t, app.diag.Session(), session)
	assert.Equal(t, sensor.connectCount(), 1)

	sensor.notify(t, wheelAndCrank(112, 12, 3072))
	sensor.notify(t, wheelAndCrank(114, 13, 4096))
	assert.Equal(t, s.HGet(redisCSCKey, "distance"), "0.029")
}

func TestCadenceAppRideSurvivesLinkLoss(t *testing.T) {
	sensor := &fakeSensor{}
	app, s := newTestApp(t, testOptions(), sensor)

	app.Connect()
	waitForState(t, s, "connected")
	sensor.notify(t, wheelAndCrank(100, 10, 1024))
	sensor.notify(t, wheelAndCrank(102, 11, 2048))
	sensor.notify(t, wheelAndCrank(104, 12, 3072))
	assert.Equal(t, s.HGet(redisCSCKey, "distance"), "0.008")
	assert.Equal(t, s.HGet(redisCSCKey, "duration"), "1")
	session := app.diag.Session()

	sensor.dropLink()

	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if sensor.connectCount() < 2 || !sensor.subscribed() {
			return poll.Continue("waiting for reconnect")
		}
		return poll.Success()
	})
	waitForState(t, s, "connected")
	assert.Equal(t, app.diag.Session(), session)

	// The first reading after the gap only re-anchors the deltas
	sensor.notify(t, wheelAndCrank(110, 15, 20000))
	assert.Equal(t, s.HGet(redisCSCKey, "distance"), "0.008")

	sensor.notify(t, wheelAndCrank(112, 16, 21024))
	assert.Equal(t, s.HGet(redisCSCKey, "distance"), "0.025")
	// Ride time continues without the gap
	assert.Equal(t, s.HGet(redisCSCKey, "duration"), "1")
}

func TestCadenceAppGivesUp(t *testing.T) {
	sensor := &fakeSensor{fail: true}
	app, s := newTestApp(t, testOptions(), sensor)

	app.Connect()
	waitForState(t, s, "failed")

	// First attempt plus two retries
	assert.Equal(t, sensor.connectCount(), 3)
	assert.Equal(t, s.HGet(redisCSCKey, "attempts-remaining"), "0")

	poll.WaitOn(t, func(poll.LogT) poll.Result {
		entries, err := app.redis.XRange(context.Background(), diagEventStream, "-", "+").Result()
		if err != nil {
			return poll.Error(err)
		}
		last := entries[len(entries)-1]
		if last.Values["event"] != "failed" {
			return poll.Continue("last event %v", last.Values["event"])
		}
		if last.Values["session"] != app.diag.Session() {
			return poll.Error(errors.New("failure recorded under another session"))
		}
		return poll.Success()
	})
}

func TestCadenceAppDisconnectCommand(t *testing.T) {
	sensor := &fakeSensor{}
	app, s := newTestApp(t, testOptions(), sensor)

	app.Connect()
	waitForState(t, s, "connected")
	sensor.notify(t, wheelAndCrank(100, 10, 1024))
	sensor.notify(t, wheelAndCrank(102, 11, 2048))

	assert.NilError(t, app.redis.Publish(context.Background(), redisCommandChan, "disconnect").Err())
	waitForState(t, s, "idle")

	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if s.HGet(redisCSCKey, "speed") != "" {
			return poll.Continue("stats not cleared")
		}
		return poll.Success()
	})

	// Notifications were switched off before the link went down
	_, _, stops := sensor.counts()
	assert.Equal(t, stops, 1)
	assert.Assert(t, !sensor.subscribed())
}

func TestCadenceAppDisconnectBeforeFirstAttempt(t *testing.T) {
	gate := make(chan struct{})
	sensor := &fakeSensor{gate: gate}
	app, s := newTestApp(t, testOptions(), sensor)

	app.Connect()
	app.Disconnect()
	close(gate)

	// The attempt already in flight finds its sequence cancelled
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		connects, disconnects, _ := sensor.counts()
		if connects == 1 && disconnects == 2 {
			return poll.Success()
		}
		return poll.Continue("connects=%d disconnects=%d", connects, disconnects)
	})

	assert.Equal(t, app.controller.State(), csc.StateIdle)
	assert.Equal(t, s.HGet(redisCSCKey, "state"), "idle")
	assert.Assert(t, !sensor.subscribed())
}

func TestCadenceAppAppliesSettings(t *testing.T) {
	sensor := &fakeSensor{}
	app, s := newTestApp(t, testOptions(), sensor)

	s.HSet(redisSettingsKey, settingRim, "622")
	s.HSet(redisSettingsKey, settingTire, "25")
	s.HSet(redisSettingsKey, settingUnits, "imperial")
	assert.NilError(t, app.redis.Publish(context.Background(), redisSettingsKey, settingRim).Err())

	poll.WaitOn(t, func(poll.LogT) poll.Result {
		app.mu.Lock()
		units := app.units
		app.mu.Unlock()
		if units != csc.UnitsImperial {
			return poll.Continue("units not applied")
		}
		return poll.Success()
	})

	app.Connect()
	waitForState(t, s, "connected")
	sensor.notify(t, wheelAndCrank(100, 10, 1024))
	sensor.notify(t, wheelAndCrank(102, 11, 2048))

	// 2 turns of a 2111 mm wheel in one second
	speed, err := strconv.ParseFloat(s.HGet(redisCSCKey, "speed"), 64)
	assert.NilError(t, err)
	assert.Equal(t, speed, 15.2) // km/h in Redis
	assert.Equal(t, s.HGet(redisCSCKey, "units"), "imperial")
	assert.Equal(t, s.HGet(redisCSCKey, "display")[:10], "9.4 mi/hr\n")
}

func TestCadenceAppSimulation(t *testing.T) {
	opts := testOptions()
	opts.Simulate = true
	app, s := newTestApp(t, opts, nil)

	app.Connect()
	app.simulatorTick()
	app.simulatorTick()

	speed, err := strconv.ParseFloat(s.HGet(redisCSCKey, "speed"), 64)
	assert.NilError(t, err)
	assert.Assert(t, speed > 0)

	app.Disconnect()
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if s.HGet(redisCSCKey, "speed") != "" {
			return poll.Continue("stats not cleared")
		}
		return poll.Success()
	})
}
