package main

import (
	"context"
	"strings"
	"sync"
	"time"

	"csc-service/csc"

	"github.com/pkg/errors"
	"tinygo.org/x/bluetooth"
)

const DefaultScanTimeout = 10 * time.Second

var (
	uuidServiceCSC      = bluetooth.ServiceUUIDCyclingSpeedAndCadence
	uuidCharMeasurement = bluetooth.CharacteristicUUIDCSCMeasurement
)

// BLETransport connects to one CSC sensor over the default adapter
type BLETransport struct {
	log         *LeveledLogger
	adapter     *bluetooth.Adapter
	address     string
	scanTimeout time.Duration

	mu           sync.Mutex
	device       *bluetooth.Device
	char         *bluetooth.DeviceCharacteristic
	onDisconnect func()
}

func NewBLETransport(logger *LeveledLogger, address string, scanTimeout time.Duration) (*BLETransport, error) {
	if scanTimeout <= 0 {
		scanTimeout = DefaultScanTimeout
	}

	t := &BLETransport{
		log:         logger,
		adapter:     bluetooth.DefaultAdapter,
		address:     address,
		scanTimeout: scanTimeout,
	}

	if err := t.adapter.Enable(); err != nil {
		return nil, errors.Wrap(err, "Enable adapter issue")
	}
	t.adapter.SetConnectHandler(t.handleConnectEvent)

	return t, nil
}

// SetDisconnectHandler registers the callback for unsolicited link loss
func (t *BLETransport) SetDisconnectHandler(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDisconnect = fn
}

func (t *BLETransport) handleConnectEvent(device bluetooth.Device, connected bool) {
	if connected {
		return
	}

	t.mu.Lock()
	current := t.device != nil && t.device.Address.String() == device.Address.String()
	if current {
		t.device = nil
		t.char = nil
	}
	handler := t.onDisconnect
	t.mu.Unlock()

	if current {
		t.log.Warn("CSC sensor %s dropped the link", device.Address.String())
		if handler != nil {
			handler()
		}
	}
}

func (t *BLETransport) Connect(ctx context.Context) error {
	scanCtx, cancel := context.WithTimeout(ctx, t.scanTimeout)
	defer cancel()

	addr, err := t.scan(scanCtx)
	if err != nil {
		return err
	}

	t.log.Info("Connecting to %s...", addr.String())
	device, err := t.adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return errors.Wrap(err, "Connect issue")
	}

	char, err := discoverMeasurement(device)
	if err != nil {
		device.Disconnect()
		return err
	}

	t.mu.Lock()
	t.device = &device
	t.char = char
	t.mu.Unlock()

	return nil
}

func discoverMeasurement(device bluetooth.Device) (*bluetooth.DeviceCharacteristic, error) {
	services, err := device.DiscoverServices([]bluetooth.UUID{uuidServiceCSC})
	if err != nil {
		return nil, errors.Wrap(err, "DiscoverServices issue")
	}
	if len(services) == 0 {
		return nil, errors.New("Could not find CSC service on sensor")
	}

	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{uuidCharMeasurement})
	if err != nil {
		return nil, errors.Wrap(err, "DiscoverCharacteristics issue")
	}
	if len(chars) == 0 {
		return nil, errors.New("Could not find CSC measurement characteristic")
	}

	return &chars[0], nil
}

func (t *BLETransport) scan(ctx context.Context) (bluetooth.Address, error) {
	found := make(chan bluetooth.Address, 1)
	scanDone := make(chan error, 1)

	go func() {
		scanDone <- t.adapter.Scan(func(a *bluetooth.Adapter, r bluetooth.ScanResult) {
			if !matchSensor(t.address, r.Address.String(), r.HasServiceUUID(uuidServiceCSC)) {
				return
			}
			select {
			case found <- r.Address:
				t.log.Info("Found CSC sensor %s (%s)", r.Address.String(), r.LocalName())
			default:
			}
			a.StopScan()
		})
	}()

	select {
	case addr := <-found:
		return addr, nil
	case err := <-scanDone:
		select {
		case addr := <-found:
			return addr, nil
		default:
		}
		if err == nil {
			err = errors.New("scan stopped")
		}
		return bluetooth.Address{}, errors.Wrap(err, "Scan issue")
	case <-ctx.Done():
		t.adapter.StopScan()
		<-scanDone
		select {
		case addr := <-found:
			return addr, nil
		default:
		}
		return bluetooth.Address{}, errors.Wrap(ctx.Err(), "Scan issue")
	}
}

// matchSensor selects the configured address, or any CSC sensor when none is configured
func matchSensor(want, scanned string, hasCSC bool) bool {
	if want != "" {
		return strings.EqualFold(want, scanned)
	}
	return hasCSC
}

func (t *BLETransport) StartNotifications(handler func([]byte)) error {
	t.mu.Lock()
	char := t.char
	t.mu.Unlock()

	if char == nil {
		return errors.New("StartNotifications issue: not connected")
	}
	if err := char.EnableNotifications(handler); err != nil {
		return errors.Wrap(err, "EnableNotifications issue")
	}
	return nil
}

func (t *BLETransport) StopNotifications() error {
	t.mu.Lock()
	char := t.char
	t.mu.Unlock()

	if char == nil {
		return nil
	}
	if err := char.EnableNotifications(nil); err != nil {
		return errors.Wrap(err, "DisableNotifications issue")
	}
	return nil
}

func (t *BLETransport) Disconnect() error {
	t.mu.Lock()
	device := t.device
	t.device = nil
	t.char = nil
	t.mu.Unlock()

	if device == nil {
		return nil
	}
	if err := device.Disconnect(); err != nil {
		return errors.Wrap(err, "Disconnect issue")
	}
	return nil
}

var _ csc.Transport = (*BLETransport)(nil)
