// Package pairing ensures a target device is OS-paired before the
// connector attempts to connect (spec §4.1's Pairer component).
package pairing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tsubasa1008/ble-medical-receiver/pkg/logger"
	"github.com/tsubasa1008/ble-medical-receiver/pkg/model"
	"github.com/tsubasa1008/ble-medical-receiver/pkg/transport"
)

// Errors returned by Ensure.
var (
	ErrQuarantined   = errors.New("handle quarantined after recent pairing failure")
	ErrPairingFailed = errors.New("pairing failed")
)

// quarantineWindow is how long a failed pairing attempt keeps an
// advertisement ignored before it is re-evaluated (§7).
const quarantineWindow = 30 * time.Second

// Pairer ensures a device is OS-paired, idempotently, before the
// connector attempts GATT discovery. A pairing failure quarantines
// the handle for quarantineWindow rather than retrying immediately.
type Pairer struct {
	transport transport.Transport
	log       *logger.Logger

	mu          sync.Mutex
	quarantined map[uint64]time.Time
}

// New builds a Pairer.
func New(t transport.Transport, log *logger.Logger) *Pairer {
	if log == nil {
		log = logger.Global()
	}
	return &Pairer{
		transport:   t,
		log:         log,
		quarantined: make(map[uint64]time.Time),
	}
}

// Quarantined reports whether handle is still within its post-failure
// quarantine window.
func (p *Pairer) Quarantined(handle model.DeviceHandle) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	until, ok := p.quarantined[handle.Address]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(p.quarantined, handle.Address)
		return false
	}
	return true
}

// Ensure opens a transient session and pairs handle if not already
// paired, then releases that session — the Connector opens its own
// session for the actual GATT work. Ensure is idempotent: pairing an
// already-paired device returns success without additional side
// effects (delegated to the transport, which reports Success
// immediately for an existing pairing).
func (p *Pairer) Ensure(ctx context.Context, handle model.DeviceHandle) error {
	if p.Quarantined(handle) {
		return ErrQuarantined
	}

	session, err := p.transport.OpenDevice(ctx, handle)
	if err != nil {
		p.quarantine(handle)
		return err
	}
	defer func() { _ = session.Disconnect(ctx) }()

	status, err := session.Pair(ctx)
	if err != nil || status != model.Success {
		p.log.Warn("pairing failed", "handle", handle, "status", status, "error", err)
		p.quarantine(handle)
		if err == nil {
			err = ErrPairingFailed
		}
		return err
	}

	return nil
}

func (p *Pairer) quarantine(handle model.DeviceHandle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quarantined[handle.Address] = time.Now().Add(quarantineWindow)
}

// Forget clears any quarantine state for handle (used by Engine.Forget).
func (p *Pairer) Forget(handle model.DeviceHandle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.quarantined, handle.Address)
}
