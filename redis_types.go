package main

import "time"

const (
	redisCSCKey      = "csc"
	redisCSCChannel  = "csc"
	redisSettingsKey = "settings"
	redisCommandChan = "csc:command"

	settingWheelCircumference = "csc.wheel-circumference"
	settingRim                = "csc.rim"
	settingTire               = "csc.tire"
	settingUnits              = "csc.units"
)

// Redis message types for CSC status updates
type RedisStats struct {
	SpeedKmh   float64
	CadenceRpm float64
	DistanceKm float64
	Duration   time.Duration
	Display    string // Stats text in the preferred units
	Units      string
}

type RedisState struct {
	State             string
	AttemptsRemaining int
}
