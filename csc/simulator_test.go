package csc

import (
	"testing"

	"gotest.tools/assert"
)

func TestSimulator_Progression(t *testing.T) {
	sim := NewSimulator(42)

	prev := sim.Next()
	assert.Assert(t, prev.HasWheel())
	assert.Assert(t, prev.HasCrank())
	assert.Equal(t, uint16(SimEventTimeStep), prev.Wheel.EventTime)

	for i := 0; i < 100; i++ {
		cur := sim.Next()
		assert.Equal(t, prev.Wheel.EventTime+SimEventTimeStep, cur.Wheel.EventTime)
		assert.Equal(t, prev.Crank.EventTime+SimEventTimeStep, cur.Crank.EventTime)

		wheelStep := Diff(uint64(cur.Wheel.Revolutions), uint64(prev.Wheel.Revolutions), WheelRevolutionsModulus)
		assert.Assert(t, wheelStep >= 1 && wheelStep <= 3, "wheel step %d", wheelStep)
		crankStep := Diff(uint64(cur.Crank.Revolutions), uint64(prev.Crank.Revolutions), CrankRevolutionsModulus)
		assert.Assert(t, crankStep <= 2, "crank step %d", crankStep)

		prev = cur
	}
}

func TestSimulator_FeedsEstimator(t *testing.T) {
	sim := NewSimulator(7)
	e := NewRateEstimator(2105)

	_, ok := e.Update(sim.Next())
	assert.Assert(t, !ok)

	var stats Stats
	for i := 0; i < 50; i++ {
		stats, ok = e.Update(sim.Next())
		assert.Assert(t, ok)
	}

	// ~2.25 rev per 1000/1024 s at 2.105 m -> roughly 17 km/h
	assert.Assert(t, stats.SpeedKmh > 10 && stats.SpeedKmh < 25, "speed %f", stats.SpeedKmh)
	assert.Assert(t, stats.CadenceRpm > 40 && stats.CadenceRpm < 130, "cadence %f", stats.CadenceRpm)
	assert.Assert(t, stats.DistanceKm > 0)
}

func TestSimulator_Reset(t *testing.T) {
	sim := NewSimulator(1)
	sim.Next()
	sim.Next()
	sim.Reset()

	s := sim.Next()
	assert.Equal(t, uint16(SimEventTimeStep), s.Wheel.EventTime)
	assert.Assert(t, s.Wheel.Revolutions <= 2)
}
