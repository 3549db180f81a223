// Package subscription resolves the measurement characteristics for a
// device's kind and enables notify/indicate on each, routing
// value-changed frames downstream (spec §4.4).
package subscription

import (
	"context"
	"sync"
	"time"

	"github.com/tsubasa1008/ble-medical-receiver/pkg/logger"
	"github.com/tsubasa1008/ble-medical-receiver/pkg/metrics"
	"github.com/tsubasa1008/ble-medical-receiver/pkg/model"
	"github.com/tsubasa1008/ble-medical-receiver/pkg/transport"
)

// Target characteristic UUIDs, §4.4.
const (
	CharBloodPressureMeasurement = "2a35"
	CharTemperatureMeasurement   = "2a1c"
	CharIntermediateTemperature  = "2a1e"
	CharVendorFFF1               = "fff1"
	CharVendorFFF4               = "fff4"
)

var thermometerTargets = map[string]bool{
	CharTemperatureMeasurement:  true,
	CharIntermediateTemperature: true,
	CharVendorFFF1:              true,
	CharVendorFFF4:              true,
}

// targetsFor returns the set of characteristic UUIDs this device kind
// should subscribe to.
func targetsFor(kind model.DeviceKind) map[string]bool {
	switch kind {
	case model.KindBloodPressure:
		return map[string]bool{CharBloodPressureMeasurement: true}
	case model.KindThermometer:
		return thermometerTargets
	default:
		return nil
	}
}

// FrameFunc receives a raw value-changed frame; the demultiplexer and
// decoders live downstream of this callback.
type FrameFunc func(handle model.DeviceHandle, characteristicID string, data []byte, at time.Time)

// subEntry tracks one enabled subscription for bookkeeping (§3's
// Subscription entity).
type subEntry struct {
	characteristicID string
	descriptor       model.DescriptorValue
}

// Manager enables and tracks subscriptions per device handle.
type Manager struct {
	log     *logger.Logger
	onFrame FrameFunc

	mu   sync.RWMutex
	subs map[uint64][]subEntry
}

// New builds a Manager. onFrame is invoked on every value-changed
// notification/indication once routed.
func New(onFrame FrameFunc, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Global()
	}
	return &Manager{
		log:     log,
		onFrame: onFrame,
		subs:    make(map[uint64][]subEntry),
	}
}

// Count returns the number of active subscriptions for handle, used
// by the health probe to decide whether a silent slot is even
// expected to be producing frames.
func (m *Manager) Count(handle model.DeviceHandle) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[handle.Address])
}

// Clear drops bookkeeping for handle; a handle's subscription set is
// empty whenever its slot is not Connected (§3).
func (m *Manager) Clear(handle model.DeviceHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, handle.Address)
}

// EnableAll runs the §4.4 enable algorithm against services for
// handle's kind: service fetch retry, characteristic fetch retry,
// Indicate-preferred-over-Notify CCCD enable with stale-state
// clearing, and the thermometer fallback.
func (m *Manager) EnableAll(ctx context.Context, handle model.DeviceHandle, session transport.DeviceSession) error {
	services, err := fetchServices(ctx, session, m.log)
	if err != nil {
		return err
	}

	targets := targetsFor(handle.Kind)
	matched := false

	for _, svc := range services {
		chars, err := fetchCharacteristics(ctx, svc, m.log)
		if err != nil {
			continue
		}
		for _, ch := range chars {
			if !targets[ch.UUID()] {
				continue
			}
			if !ch.SupportsNotify() && !ch.SupportsIndicate() {
				continue
			}
			if m.enable(ctx, handle, ch) {
				matched = true
			}
		}
	}

	if !matched && handle.Kind == model.KindThermometer {
		for _, svc := range services {
			chars, err := fetchCharacteristics(ctx, svc, m.log)
			if err != nil {
				continue
			}
			for _, ch := range chars {
				if !ch.SupportsNotify() && !ch.SupportsIndicate() {
					continue
				}
				m.enable(ctx, handle, ch)
			}
		}
	}

	return nil
}

// fetchServices retries up to 3 times at 1s spacing on non-success.
func fetchServices(ctx context.Context, session transport.DeviceSession, log *logger.Logger) ([]transport.Service, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		services, status, err := session.Services(ctx)
		if err == nil && status == model.Success {
			return services, nil
		}
		lastErr = err
		log.Warn("service fetch failed, retrying", "attempt", attempt+1, "status", status, "error", err)
		select {
		case <-time.After(1 * time.Second):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// fetchCharacteristics retries up to 3 times at 500ms spacing on
// non-success.
func fetchCharacteristics(ctx context.Context, svc transport.Service, log *logger.Logger) ([]transport.Characteristic, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		chars, status, err := svc.Characteristics(ctx)
		if err == nil && status == model.Success {
			return chars, nil
		}
		lastErr = err
		log.Warn("characteristic fetch failed, retrying", "service", svc.UUID(), "attempt", attempt+1, "status", status, "error", err)
		select {
		case <-time.After(500 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// enable writes the CCCD for one characteristic, preferring Indicate
// over Notify, clearing stale non-None state first, and retrying up
// to 3 times with status-code-dependent backoff.
func (m *Manager) enable(ctx context.Context, handle model.DeviceHandle, ch transport.Characteristic) bool {
	descriptor := model.DescriptorNotify
	if ch.SupportsIndicate() {
		descriptor = model.DescriptorIndicate
	}

	current, _, err := ch.ReadCCCD(ctx)
	if err == nil && current != model.DescriptorNone {
		if _, err := ch.WriteCCCD(ctx, model.DescriptorNone); err != nil {
			m.log.Debug("clear stale CCCD failed", "characteristic", ch.UUID(), "error", err)
		}
		select {
		case <-time.After(500 * time.Millisecond):
		case <-ctx.Done():
			return false
		}
	}

	for attempt := 0; attempt < 3; attempt++ {
		status, err := ch.WriteCCCD(ctx, descriptor)
		if err == nil && status == model.Success {
			metrics.IncSubscriptionEnable(descriptor.String(), status.String())
			m.subscribe(handle, ch, descriptor)
			return true
		}

		metrics.IncSubscriptionEnable(descriptor.String(), status.String())
		wait := 1 * time.Second
		switch status {
		case model.AccessDenied:
			wait = 2 * time.Second
		case model.Unreachable:
			wait = 1 * time.Second
		}
		m.log.Warn("CCCD write failed, retrying", "characteristic", ch.UUID(), "attempt", attempt+1, "status", status, "error", err)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return false
		}
	}
	return false
}

func (m *Manager) subscribe(handle model.DeviceHandle, ch transport.Characteristic, descriptor model.DescriptorValue) {
	charID := ch.UUID()

	err := ch.Subscribe(func(data []byte) {
		now := time.Now()
		if m.onFrame != nil {
			m.onFrame(handle, charID, data, now)
		}
	})
	if err != nil {
		m.log.Warn("subscribe callback registration failed", "characteristic", charID, "error", err)
		return
	}

	m.mu.Lock()
	m.subs[handle.Address] = append(m.subs[handle.Address], subEntry{characteristicID: charID, descriptor: descriptor})
	m.mu.Unlock()
}
