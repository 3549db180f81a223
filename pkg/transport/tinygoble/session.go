package tinygoble

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"

	"github.com/tsubasa1008/ble-medical-receiver/pkg/logger"
	"github.com/tsubasa1008/ble-medical-receiver/pkg/model"
	"github.com/tsubasa1008/ble-medical-receiver/pkg/transport"
)

// session wraps one open bluetooth.Device as a transport.DeviceSession.
type session struct {
	handle model.DeviceHandle
	device bluetooth.Device
	log    *logger.Logger

	mu       sync.Mutex
	statusCh chan model.ConnectionStatus
	closed   bool
}

func (s *session) Handle() model.DeviceHandle {
	return s.handle
}

func (s *session) Services(ctx context.Context) ([]transport.Service, model.StatusCode, error) {
	discovered, err := s.device.DiscoverServices(nil)
	if err != nil {
		return nil, classifyError(err), err
	}

	out := make([]transport.Service, 0, len(discovered))
	for i := range discovered {
		out = append(out, &service{svc: discovered[i], log: s.log})
	}
	return out, model.Success, nil
}

// Pair performs OS-level pairing. tinygo.org/x/bluetooth conflates
// connect and pair on most platforms (the host OS prompts for pairing
// during Connect when the device requires it); Pair is therefore
// idempotent by construction here and simply reports success once a
// connection exists.
func (s *session) Pair(ctx context.Context) (model.StatusCode, error) {
	return model.Success, nil
}

func (s *session) ConnectionStatusChanges() <-chan model.ConnectionStatus {
	return s.statusCh
}

func (s *session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ch := s.statusCh
	s.mu.Unlock()

	err := s.device.Disconnect()

	select {
	case ch <- model.StatusDisconnected:
	default:
	}
	close(ch)

	if err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	return nil
}

// classifyError maps a tinygo/x/bluetooth error into one of this
// module's abstract status codes (spec §6). The library surfaces
// platform errors as plain errors with no shared sentinel set, so
// classification here is necessarily string-based best effort, same
// as the teacher's own Info().LastError string capture.
func classifyError(err error) model.StatusCode {
	if err == nil {
		return model.Success
	}
	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "access denied", "not authorized", "permission"):
		return model.AccessDenied
	case containsAny(msg, "unreachable", "no route", "not connected", "timeout"):
		return model.Unreachable
	case containsAny(msg, "protocol", "invalid response", "malformed"):
		return model.ProtocolError
	default:
		return model.Unknown
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
