// Package transporttest provides an in-memory transport.Transport for
// exercising pkg/connection, pkg/subscription, and pkg/pairing without
// a real BLE adapter (spec's test-tooling section: fake the
// collaborator, not the subject).
package transporttest

import (
	"context"
	"errors"
	"sync"

	"github.com/tsubasa1008/ble-medical-receiver/pkg/model"
	"github.com/tsubasa1008/ble-medical-receiver/pkg/transport"
)

// ErrOpenDeviceDenied is returned by OpenDevice when the handle is in
// the transport's deny-list.
var ErrOpenDeviceDenied = errors.New("transporttest: open device denied")

// Transport is a scriptable fake implementing transport.Transport.
type Transport struct {
	mu sync.Mutex

	advCh    chan transport.Advertisement
	scanning bool

	// Sessions maps an address to the session OpenDevice returns for
	// it; callers populate this before triggering a connect.
	Sessions map[uint64]*Session

	// DenyOpen, when set true for an address, makes OpenDevice fail.
	DenyOpen map[uint64]bool

	OpenCount map[uint64]int
}

// New builds an empty fake Transport.
func New() *Transport {
	return &Transport{
		Sessions:  make(map[uint64]*Session),
		DenyOpen:  make(map[uint64]bool),
		OpenCount: make(map[uint64]int),
	}
}

func (t *Transport) StartScan(ctx context.Context, serviceUUIDs []string) (<-chan transport.Advertisement, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.scanning {
		return t.advCh, nil
	}
	t.advCh = make(chan transport.Advertisement, 16)
	t.scanning = true
	return t.advCh, nil
}

func (t *Transport) StopScan() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.scanning {
		return
	}
	t.scanning = false
	close(t.advCh)
	t.advCh = nil
}

// Advertise pushes a fake advertisement into the active scan stream.
func (t *Transport) Advertise(adv transport.Advertisement) {
	t.mu.Lock()
	ch := t.advCh
	t.mu.Unlock()
	if ch != nil {
		ch <- adv
	}
}

func (t *Transport) OpenDevice(ctx context.Context, handle model.DeviceHandle) (transport.DeviceSession, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.OpenCount[handle.Address]++

	if t.DenyOpen[handle.Address] {
		return nil, ErrOpenDeviceDenied
	}
	session, ok := t.Sessions[handle.Address]
	if !ok {
		session = NewSession(handle)
		t.Sessions[handle.Address] = session
	}
	return session, nil
}

// Session is a scriptable fake transport.DeviceSession.
type Session struct {
	handle model.DeviceHandle

	mu         sync.Mutex
	services   []transport.Service
	servicesErr error
	pairStatus model.StatusCode
	pairErr    error
	statusCh   chan model.ConnectionStatus
	closed     bool

	DisconnectCalls int
	ServicesCalls   int
}

// NewSession builds a Session that succeeds by default with no
// services.
func NewSession(handle model.DeviceHandle) *Session {
	return &Session{
		handle:   handle,
		statusCh: make(chan model.ConnectionStatus, 8),
	}
}

func (s *Session) Handle() model.DeviceHandle { return s.handle }

// SetServices configures what Services returns.
func (s *Session) SetServices(services []transport.Service, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services = services
	s.servicesErr = err
}

func (s *Session) Services(ctx context.Context) ([]transport.Service, model.StatusCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ServicesCalls++
	if s.servicesErr != nil {
		return nil, model.Unreachable, s.servicesErr
	}
	return s.services, model.Success, nil
}

// SetPairResult configures what Pair returns.
func (s *Session) SetPairResult(status model.StatusCode, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairStatus = status
	s.pairErr = err
}

func (s *Session) Pair(ctx context.Context) (model.StatusCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pairErr != nil {
		return s.pairStatus, s.pairErr
	}
	if s.pairStatus == 0 {
		return model.Success, nil
	}
	return s.pairStatus, nil
}

func (s *Session) ConnectionStatusChanges() <-chan model.ConnectionStatus {
	return s.statusCh
}

// PushStatus simulates an unsolicited connection-status push from the
// platform stack (e.g. a lost link).
func (s *Session) PushStatus(status model.ConnectionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.statusCh <- status:
	default:
	}
}

func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DisconnectCalls++
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.statusCh)
	return nil
}

// Service is a scriptable fake transport.Service.
type Service struct {
	ServiceUUID string
	Chars       []transport.Characteristic
	Err         error
}

func (s *Service) UUID() string { return s.ServiceUUID }

func (s *Service) Characteristics(ctx context.Context) ([]transport.Characteristic, model.StatusCode, error) {
	if s.Err != nil {
		return nil, model.Unreachable, s.Err
	}
	return s.Chars, model.Success, nil
}

// Characteristic is a scriptable fake transport.Characteristic.
type Characteristic struct {
	CharUUID  string
	Notify    bool
	Indicate  bool
	WriteErr  error
	WriteStatus model.StatusCode

	mu       sync.Mutex
	cccd     model.DescriptorValue
	callback func(data []byte)

	WriteCCCDCalls int
}

func (c *Characteristic) UUID() string            { return c.CharUUID }
func (c *Characteristic) SupportsNotify() bool    { return c.Notify }
func (c *Characteristic) SupportsIndicate() bool  { return c.Indicate }

func (c *Characteristic) ReadCCCD(ctx context.Context) (model.DescriptorValue, model.StatusCode, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cccd, model.Success, nil
}

func (c *Characteristic) WriteCCCD(ctx context.Context, value model.DescriptorValue) (model.StatusCode, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.WriteCCCDCalls++
	if c.WriteErr != nil {
		return c.WriteStatus, c.WriteErr
	}
	c.cccd = value
	return model.Success, nil
}

func (c *Characteristic) Subscribe(callback func(data []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = callback
	return nil
}

// Fire invokes the registered Subscribe callback, simulating a
// value-changed notification/indication.
func (c *Characteristic) Fire(data []byte) {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}
