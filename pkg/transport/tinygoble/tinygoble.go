// Package tinygoble is the concrete transport.Transport implementation
// backed by tinygo.org/x/bluetooth, the BLE stack this repository's
// teacher and most of the retrieved example repos build on.
package tinygoble

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/tsubasa1008/ble-medical-receiver/pkg/logger"
	"github.com/tsubasa1008/ble-medical-receiver/pkg/model"
	"github.com/tsubasa1008/ble-medical-receiver/pkg/transport"
)

// Transport implements transport.Transport against the host's BLE
// adapter. Safe for concurrent use.
type Transport struct {
	mu      sync.Mutex
	adapter *bluetooth.Adapter
	log     *logger.Logger

	scanning bool
	scanCancel context.CancelFunc
	advCh    chan transport.Advertisement
}

// New returns a Transport bound to the default platform adapter.
func New(log *logger.Logger) *Transport {
	if log == nil {
		log = logger.Global()
	}
	return &Transport{
		adapter: bluetooth.DefaultAdapter,
		log:     log,
	}
}

// StartScan enables the adapter and begins active scanning. Idempotent.
// serviceUUIDs is not applied: every advertisement is forwarded. ctx
// bounds only enabling the adapter; the stream runs until StopScan.
func (t *Transport) StartScan(ctx context.Context, serviceUUIDs []string) (<-chan transport.Advertisement, error) {
	t.mu.Lock()
	if t.scanning {
		ch := t.advCh
		t.mu.Unlock()
		return ch, nil
	}

	t.mu.Unlock()
	if err := t.enableWithTimeout(ctx); err != nil {
		return nil, err
	}
	t.mu.Lock()

	scanCtx, cancel := context.WithCancel(context.Background())
	t.scanCancel = cancel
	t.advCh = make(chan transport.Advertisement, 64)
	t.scanning = true
	ch := t.advCh
	t.mu.Unlock()

	go t.scanLoop(scanCtx)
	return ch, nil
}

// enableWithTimeout runs adapter.Enable() with transport.ScanTimeout
// applied, since the underlying platform call takes no context.
func (t *Transport) enableWithTimeout(ctx context.Context) error {
	deadline, cancel := context.WithTimeout(ctx, transport.ScanTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- t.adapter.Enable()
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("enable adapter: %w", err)
		}
		return nil
	case <-deadline.Done():
		return fmt.Errorf("enable adapter: %w", deadline.Err())
	}
}

func (t *Transport) scanLoop(ctx context.Context) {
	defer func() {
		t.mu.Lock()
		if t.advCh != nil {
			close(t.advCh)
			t.advCh = nil
		}
		t.scanning = false
		t.mu.Unlock()
	}()

	err := t.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if ctx.Err() != nil {
			_ = adapter.StopScan()
			return
		}

		adv := transport.Advertisement{
			Handle: model.DeviceHandle{
				Address: addressToUint64(result.Address),
				Name:    result.LocalName(),
			},
			LocalName:    result.LocalName(),
			RSSI:         result.RSSI,
			ServiceUUIDs: serviceUUIDStrings(result),
		}

		t.mu.Lock()
		ch := t.advCh
		t.mu.Unlock()
		if ch == nil {
			return
		}

		select {
		case ch <- adv:
		default:
			t.log.Debug("advertisement dropped, channel full")
		}
	})

	if err != nil && ctx.Err() == nil {
		t.log.Warn("scan ended with error", "error", err)
	}
}

// StopScan ends scanning. Idempotent.
func (t *Transport) StopScan() {
	t.mu.Lock()
	cancel := t.scanCancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	_ = t.adapter.StopScan()
}

// OpenDevice connects to handle and returns a session wrapping it.
func (t *Transport) OpenDevice(ctx context.Context, handle model.DeviceHandle) (transport.DeviceSession, error) {
	addr, err := uint64ToAddress(handle.Address)
	if err != nil {
		return nil, err
	}

	params := bluetooth.ConnectionParams{}
	if deadline, ok := ctx.Deadline(); ok {
		params.ConnectionTimeout = bluetooth.NewDuration(time.Until(deadline))
	}

	device, err := t.adapter.Connect(addr, params)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	return &session{
		handle:  handle,
		device:  device,
		log:     t.log,
		statusCh: make(chan model.ConnectionStatus, 4),
	}, nil
}

// addressToUint64 packs a 48-bit MAC address into the canonical
// integer handle representation (spec §9).
func addressToUint64(addr bluetooth.Address) uint64 {
	mac := addr.MAC
	var v uint64
	for _, b := range mac {
		v = (v << 8) | uint64(b)
	}
	return v
}

// uint64ToAddress is the inverse of addressToUint64.
func uint64ToAddress(v uint64) (bluetooth.Address, error) {
	var mac bluetooth.MAC
	for i := len(mac) - 1; i >= 0; i-- {
		mac[i] = byte(v & 0xFF)
		v >>= 8
	}
	return bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}, nil
}

// serviceUUIDStrings extracts the canonical hex form of every service
// UUID advertised in result, when the platform exposes them.
func serviceUUIDStrings(result bluetooth.ScanResult) []string {
	uuids := result.AdvertisementPayload.ServiceUUIDs()
	out := make([]string, 0, len(uuids))
	for _, u := range uuids {
		out = append(out, u.String())
	}
	return out
}
