// Package model holds the value types shared across the ingestion
// pipeline: device identity, connection status, and transport result
// codes. Nothing in this package performs I/O.
package model

import "fmt"

// DeviceKind classifies a discovered device by the measurement it
// produces. Kind is immutable after classification.
type DeviceKind int

const (
	KindUnknown DeviceKind = iota
	KindBloodPressure
	KindThermometer
)

func (k DeviceKind) String() string {
	switch k {
	case KindBloodPressure:
		return "blood_pressure"
	case KindThermometer:
		return "thermometer"
	default:
		return "unknown"
	}
}

// DeviceHandle identifies a BLE peripheral. Address is the raw 48-bit
// Bluetooth address (or platform-equivalent integer identifier); it is
// the canonical representation used for comparison and map keys
// everywhere in this module. Display formatting (uppercase hex,
// colon-separated, etc.) happens only at the EventSink boundary, see
// pkg/events.FormatHandle.
type DeviceHandle struct {
	Address uint64
	Name    string
	Kind    DeviceKind
}

// String returns a debug representation; not for display to end users.
func (h DeviceHandle) String() string {
	return fmt.Sprintf("%012X", h.Address)
}

// ConnectionStatus mirrors the state machine in spec §4.2.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusFailed
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// StatusCode is the outcome of a transport operation. Retry policies
// switch on this rather than on raw errors so that AccessDenied,
// Unreachable, and everything else can back off differently.
type StatusCode int

const (
	Success StatusCode = iota
	AccessDenied
	Unreachable
	ProtocolError
	Unknown
)

func (c StatusCode) String() string {
	switch c {
	case Success:
		return "success"
	case AccessDenied:
		return "access_denied"
	case Unreachable:
		return "unreachable"
	case ProtocolError:
		return "protocol_error"
	default:
		return "unknown"
	}
}

// DescriptorValue is the CCCD value written to enable notifications.
type DescriptorValue int

const (
	DescriptorNone DescriptorValue = iota
	DescriptorNotify
	DescriptorIndicate
)

func (d DescriptorValue) String() string {
	switch d {
	case DescriptorNotify:
		return "notify"
	case DescriptorIndicate:
		return "indicate"
	default:
		return "none"
	}
}
