// Package transport defines the abstract interface the ingestion
// engine consumes to talk to BLE peripherals. The engine never
// references a platform BLE API directly; it depends only on this
// interface, so the host OS's BLE stack is an opaque collaborator
// (spec §1, §6's BleTransport).
package transport

import (
	"context"
	"time"

	"github.com/tsubasa1008/ble-medical-receiver/pkg/model"
)

// Advertisement is a single scan result as reported by the platform
// BLE stack, before classification.
type Advertisement struct {
	Handle       model.DeviceHandle
	LocalName    string
	RSSI         int16
	ServiceUUIDs []string // canonical lowercase hex, e.g. "1810", "1809", or full 128-bit form
}

// Characteristic is a single GATT characteristic on a connected
// device.
type Characteristic interface {
	// UUID returns the canonical lowercase-hex UUID of the
	// characteristic (16-bit short form when applicable).
	UUID() string

	// SupportsNotify/SupportsIndicate report which CCCD values this
	// characteristic accepts.
	SupportsNotify() bool
	SupportsIndicate() bool

	// ReadCCCD returns the characteristic's current CCCD value.
	ReadCCCD(ctx context.Context) (model.DescriptorValue, model.StatusCode, error)

	// WriteCCCD writes the CCCD value, enabling or disabling
	// notify/indicate.
	WriteCCCD(ctx context.Context, value model.DescriptorValue) (model.StatusCode, error)

	// Subscribe registers callback to fire on every value-changed
	// notification/indication. Subscribe must be called only after a
	// successful WriteCCCD with a non-None value. The callback runs on
	// a transport-owned goroutine and must never block.
	Subscribe(callback func(data []byte)) error
}

// Service is a single GATT service on a connected device.
type Service interface {
	UUID() string
	Characteristics(ctx context.Context) ([]Characteristic, model.StatusCode, error)
}

// DeviceSession represents an open (or opening) connection to one
// peripheral.
type DeviceSession interface {
	Handle() model.DeviceHandle

	// Services discovers and returns the device's GATT services.
	Services(ctx context.Context) ([]Service, model.StatusCode, error)

	// Pair performs OS-level pairing; idempotent if already paired.
	Pair(ctx context.Context) (model.StatusCode, error)

	// ConnectionStatusChanges returns a channel of unsolicited
	// connection-status notifications pushed by the platform stack
	// (used to trigger reconnection independent of any RPC failing).
	ConnectionStatusChanges() <-chan model.ConnectionStatus

	// Disconnect tears down the link. Implementations must make a
	// best effort even if the link is already gone; Disconnect never
	// blocks indefinitely.
	Disconnect(ctx context.Context) error
}

// Transport is the platform-neutral BLE abstraction the core requires
// (spec §6's BleTransport). Implementations must be safe for
// concurrent use.
type Transport interface {
	// StartScan begins active scanning, filtered to the given service
	// UUIDs when non-empty. Advertisements are pushed to the returned
	// channel until StopScan is called or ctx is cancelled. Idempotent:
	// calling StartScan while already scanning returns the existing
	// channel.
	StartScan(ctx context.Context, serviceUUIDs []string) (<-chan Advertisement, error)

	// StopScan ends scanning. Idempotent.
	StopScan()

	// OpenDevice connects to handle synchronously and returns a session
	// wrapping the open link; this package's tinygoble implementation
	// calls adapter.Connect before returning. GATT service discovery is
	// lazy: it happens on the first DeviceSession.Services call, not
	// here.
	OpenDevice(ctx context.Context, handle model.DeviceHandle) (DeviceSession, error)
}

// ScanTimeout bounds how long a single StartScan call may take to
// enable the adapter before returning an error; it does not bound the
// lifetime of the returned advertisement stream.
const ScanTimeout = 10 * time.Second
