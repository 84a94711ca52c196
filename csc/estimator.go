package csc

const (
	// Weight of the newest instantaneous value in the running estimate
	UpdateRatio = 0.85

	WheelRevolutionsModulus = 1 << 32
	CrankRevolutionsModulus = 1 << 16
	EventTimeModulus        = 1 << 16

	DefaultWheelCircumferenceMm = 2105.0

	msToKmh = 3.6
)

// Stats is the smoothed running output of a session, always metric
type Stats struct {
	SpeedKmh   float64
	CadenceRpm float64
	DistanceKm float64
}

// Diff returns the forward distance from previous to current on a counter
// that wraps at modulus. A single wrap between the two readings is assumed.
func Diff(current, previous, modulus uint64) uint64 {
	if current >= previous {
		return current - previous
	}
	return (modulus - previous) + current
}

// RateEstimator turns consecutive samples into speed, cadence and distance.
// It holds exactly one previous sample; Reset ends the session.
type RateEstimator struct {
	circumferenceMm     float64
	nextCircumferenceMm float64

	previous      *Sample
	stats         *Stats
	startDistance float64
	hasBaseline   bool
}

func NewRateEstimator(wheelCircumferenceMm float64) *RateEstimator {
	if wheelCircumferenceMm <= 0 {
		wheelCircumferenceMm = DefaultWheelCircumferenceMm
	}
	return &RateEstimator{
		circumferenceMm:     wheelCircumferenceMm,
		nextCircumferenceMm: wheelCircumferenceMm,
	}
}

// Update folds a sample into the estimate. It returns false for the first
// sample of a session, which only establishes the distance baseline.
func (e *RateEstimator) Update(s Sample) (Stats, bool) {
	prev := e.previous
	e.previous = &s

	if !e.hasBaseline && s.Wheel != nil {
		e.startDistance = e.wheelDistanceKm(s.Wheel.Revolutions)
		e.hasBaseline = true
	}

	if prev == nil {
		return Stats{}, false
	}

	var speed, cadence, distance float64
	var haveSpeed, haveCadence, haveDistance bool

	if s.Wheel != nil && prev.Wheel != nil {
		dt := eventSeconds(s.Wheel.EventTime, prev.Wheel.EventTime)
		revs := Diff(uint64(s.Wheel.Revolutions), uint64(prev.Wheel.Revolutions), WheelRevolutionsModulus)
		speed = e.instantSpeed(revs, dt)
		haveSpeed = true
	}

	if s.Wheel != nil {
		distance = e.wheelDistanceKm(s.Wheel.Revolutions) - e.startDistance
		haveDistance = true
	}

	if s.Crank != nil && prev.Crank != nil {
		dt := eventSeconds(s.Crank.EventTime, prev.Crank.EventTime)
		revs := Diff(uint64(s.Crank.Revolutions), uint64(prev.Crank.Revolutions), CrankRevolutionsModulus)
		cadence = instantCadence(revs, dt)
		haveCadence = true
	}

	if e.stats == nil {
		// No history yet: the first estimate is the instantaneous one
		e.stats = &Stats{SpeedKmh: speed, CadenceRpm: cadence, DistanceKm: distance}
		return *e.stats, true
	}

	// Missing metrics keep their last smoothed value
	if haveSpeed {
		e.stats.SpeedKmh = smooth(e.stats.SpeedKmh, speed)
	}
	if haveCadence {
		e.stats.CadenceRpm = smooth(e.stats.CadenceRpm, cadence)
	}
	if haveDistance {
		e.stats.DistanceKm = distance
	}

	return *e.stats, true
}

// Stats returns the current estimate, if the session has produced one
func (e *RateEstimator) Stats() (Stats, bool) {
	if e.stats == nil {
		return Stats{}, false
	}
	return *e.stats, true
}

// StartDistance returns the session baseline in km
func (e *RateEstimator) StartDistance() (float64, bool) {
	return e.startDistance, e.hasBaseline
}

// SetWheelCircumference changes the circumference. A session in progress
// keeps its circumference until Reset so its baseline stays consistent.
func (e *RateEstimator) SetWheelCircumference(mm float64) {
	if mm <= 0 {
		return
	}
	e.nextCircumferenceMm = mm
	if e.previous == nil && !e.hasBaseline {
		e.circumferenceMm = mm
	}
}

func (e *RateEstimator) WheelCircumference() float64 {
	return e.circumferenceMm
}

// Interrupt forgets the previous sample after a link gap. The session keeps
// its baseline and smoothed values, and no delta spans the gap.
func (e *RateEstimator) Interrupt() {
	e.previous = nil
}

// Reset ends the session
func (e *RateEstimator) Reset() {
	e.previous = nil
	e.stats = nil
	e.startDistance = 0
	e.hasBaseline = false
	e.circumferenceMm = e.nextCircumferenceMm
}

func (e *RateEstimator) wheelDistanceKm(revolutions uint32) float64 {
	return float64(revolutions) * e.circumferenceMm / 1000 / 1000
}

func (e *RateEstimator) instantSpeed(revs uint64, seconds float64) float64 {
	if seconds == 0 {
		return 0
	}
	meters := float64(revs) * e.circumferenceMm / 1000
	return meters / seconds * msToKmh
}

func instantCadence(revs uint64, seconds float64) float64 {
	if seconds == 0 {
		return 0
	}
	return 60 * float64(revs) / seconds
}

func eventSeconds(current, previous uint16) float64 {
	return float64(Diff(uint64(current), uint64(previous), EventTimeModulus)) / EventTimeResolution
}

func smooth(old, instant float64) float64 {
	return old*(1-UpdateRatio) + instant*UpdateRatio
}
