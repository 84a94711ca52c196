package csc

import (
	"context"
)

// Units represents the unit system used at the presentation boundary
type Units int

const (
	UnitsMetric Units = iota
	UnitsImperial
)

// Transport is the radio link to a single CSC sensor. The core never
// implements it, it only calls it.
type Transport interface {
	// Connect establishes the link and resolves the CSC measurement
	// characteristic (connect, getService, getCharacteristic).
	Connect(ctx context.Context) error

	// StartNotifications subscribes to measurement notifications. The handler
	// receives the raw characteristic value.
	StartNotifications(handler func([]byte)) error

	// StopNotifications unsubscribes from measurement notifications
	StopNotifications() error

	// Disconnect drops the link and forgets the resolved characteristic
	Disconnect() error
}

// SampleSource produces samples without a transport
type SampleSource interface {
	// Next returns the sample for the next tick
	Next() Sample

	// Reset restarts the source from zero counters
	Reset()
}
