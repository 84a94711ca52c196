package csc

import (
	"math"
	"math/rand"
	"time"
)

const (
	SimWheelIncrement = 2.0
	SimWheelJitter    = 0.5
	SimCrankIncrement = 1.0
	SimCrankJitter    = 0.25

	// Event time advance per tick, in 1/1024 s
	SimEventTimeStep = 1000
)

// Simulator derives each sample arithmetically from the previous one.
// Revolution totals are tracked as reals and emitted truncated, so the
// jitter still shows up in the long-run rate.
type Simulator struct {
	rng *rand.Rand

	wheel     float64
	crank     float64
	wheelTime uint16
	crankTime uint16
}

func NewSimulator(seed int64) *Simulator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Simulator{rng: rand.New(rand.NewSource(seed))}
}

func (s *Simulator) Next() Sample {
	s.wheel += SimWheelIncrement + s.rng.Float64()*SimWheelJitter
	s.crank += SimCrankIncrement + s.rng.Float64()*SimCrankJitter
	s.wheelTime += SimEventTimeStep
	s.crankTime += SimEventTimeStep

	return Sample{
		Wheel: &WheelData{
			Revolutions: uint32(math.Mod(s.wheel, WheelRevolutionsModulus)),
			EventTime:   s.wheelTime,
		},
		Crank: &CrankData{
			Revolutions: uint16(math.Mod(s.crank, CrankRevolutionsModulus)),
			EventTime:   s.crankTime,
		},
	}
}

func (s *Simulator) Reset() {
	s.wheel = 0
	s.crank = 0
	s.wheelTime = 0
	s.crankTime = 0
}

var _ SampleSource = (*Simulator)(nil)
