// Package events defines the EventSink the engine delivers typed
// measurements and status transitions to, and the event payload
// types themselves.
package events

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tsubasa1008/ble-medical-receiver/pkg/model"
)

// FormatHandle renders a device address for display, as 12 uppercase
// hex digits (the same text model.DeviceHandle.String gives for debug
// output). Every internal comparison and lookup uses
// model.DeviceHandle.Address directly.
func FormatHandle(h model.DeviceHandle) string {
	return fmt.Sprintf("%012X", h.Address)
}

// MeasurementPayload is the decoded, validated measurement carried by
// a MeasurementEvent. Exactly one of BloodPressure/Temperature is set,
// matching Kind.
type MeasurementPayload struct {
	BloodPressure *BloodPressureMeasurement
	Temperature   *TemperatureMeasurement
}

// BloodPressureMeasurement is the §3 BloodPressureMeasurement entity.
type BloodPressureMeasurement struct {
	Systolic      float64
	Diastolic     float64
	HeartRate     *float64
	Timestamp     time.Time
	Handle        model.DeviceHandle
	Valid         bool
	InNormalRange bool
}

// TemperatureUnit distinguishes the two units a TemperatureMeasurement
// may be expressed in; unit must always be explicit (§3).
type TemperatureUnit int

const (
	Celsius TemperatureUnit = iota
	Fahrenheit
)

func (u TemperatureUnit) String() string {
	if u == Fahrenheit {
		return "fahrenheit"
	}
	return "celsius"
}

// TemperatureMeasurement is the §3 TemperatureMeasurement entity.
type TemperatureMeasurement struct {
	Temperature   float64
	Unit          TemperatureUnit
	Timestamp     time.Time
	Handle        model.DeviceHandle
	Valid         bool
	InNormalRange bool
}

// MeasurementEvent is delivered once per accepted-or-rejected frame;
// invalid measurements are still delivered, flagged.
type MeasurementEvent struct {
	ID      string
	Handle  model.DeviceHandle
	Kind    model.DeviceKind
	Payload MeasurementPayload
	Valid   bool
}

// NewMeasurementEvent stamps a fresh event ID.
func NewMeasurementEvent(handle model.DeviceHandle, kind model.DeviceKind, payload MeasurementPayload, valid bool) MeasurementEvent {
	return MeasurementEvent{
		ID:      uuid.NewString(),
		Handle:  handle,
		Kind:    kind,
		Payload: payload,
		Valid:   valid,
	}
}

// StatusEvent reports a connection-lifecycle transition for a handle.
// The EventSink sees Disconnected before any subsequent Connected for
// the same handle, and sees a status event before the first
// measurement of a newly-connected device (§5).
type StatusEvent struct {
	ID     string
	Handle model.DeviceHandle
	Status model.ConnectionStatus
	Err    error
}

func NewStatusEvent(handle model.DeviceHandle, status model.ConnectionStatus, err error) StatusEvent {
	return StatusEvent{
		ID:     uuid.NewString(),
		Handle: handle,
		Status: status,
		Err:    err,
	}
}

// DiscoveryEvent reports a classified advertisement.
type DiscoveryEvent struct {
	ID     string
	Handle model.DeviceHandle
	Kind   model.DeviceKind
	RSSI   int16
}

func NewDiscoveryEvent(handle model.DeviceHandle, kind model.DeviceKind, rssi int16) DiscoveryEvent {
	return DiscoveryEvent{
		ID:     uuid.NewString(),
		Handle: handle,
		Kind:   kind,
		RSSI:   rssi,
	}
}

// EngineStatusKind enumerates whole-engine conditions distinct from
// any single device's status.
type EngineStatusKind int

const (
	ScannerStopped EngineStatusKind = iota
	ScannerRestarting
	Fatal
)

func (k EngineStatusKind) String() string {
	switch k {
	case ScannerStopped:
		return "scanner_stopped"
	case ScannerRestarting:
		return "scanner_restarting"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// EngineStatusEvent reports whole-engine conditions (§4.1 scanner
// restart policy, §7 fatal shutdown).
type EngineStatusEvent struct {
	Kind EngineStatusKind
	Err  error
}

// DecoderDroppedEvent reports a frame the demultiplexer or a decoder
// could not turn into a measurement (§7: frame dropped, subscription
// left intact).
type DecoderDroppedEvent struct {
	Handle model.DeviceHandle
	Reason string
}

// Sink is the external collaborator that receives every event the
// engine produces. Implementations must not block for long — the
// engine calls these synchronously from the goroutines that produce
// the events (the scanner loop, connect and reconnect goroutines, and
// transport notification callbacks).
type Sink interface {
	OnMeasurement(MeasurementEvent)
	OnStatus(StatusEvent)
	OnDiscovery(DiscoveryEvent)
	OnEngineStatus(EngineStatusEvent)
	OnDecoderDropped(DecoderDroppedEvent)
}

// SinkFuncs is a struct-of-funcs adapter for Sink, mirroring the
// function-adapter idiom used for event handlers throughout this
// codebase; any field left nil is a no-op.
type SinkFuncs struct {
	Measurement  func(MeasurementEvent)
	Status       func(StatusEvent)
	Discovery    func(DiscoveryEvent)
	EngineStatus func(EngineStatusEvent)
	DecoderDrop  func(DecoderDroppedEvent)
}

func (f SinkFuncs) OnMeasurement(e MeasurementEvent) {
	if f.Measurement != nil {
		f.Measurement(e)
	}
}

func (f SinkFuncs) OnStatus(e StatusEvent) {
	if f.Status != nil {
		f.Status(e)
	}
}

func (f SinkFuncs) OnDiscovery(e DiscoveryEvent) {
	if f.Discovery != nil {
		f.Discovery(e)
	}
}

func (f SinkFuncs) OnEngineStatus(e EngineStatusEvent) {
	if f.EngineStatus != nil {
		f.EngineStatus(e)
	}
}

func (f SinkFuncs) OnDecoderDropped(e DecoderDroppedEvent) {
	if f.DecoderDrop != nil {
		f.DecoderDrop(e)
	}
}
