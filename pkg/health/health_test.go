package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tsubasa1008/ble-medical-receiver/pkg/connection"
	"github.com/tsubasa1008/ble-medical-receiver/pkg/model"
	"github.com/tsubasa1008/ble-medical-receiver/pkg/transport"
	"github.com/tsubasa1008/ble-medical-receiver/pkg/transporttest"
)

// fakeSource wraps a real *connection.Connector (backed by the fake
// transport) with a configurable subscription count, since SlotSource
// otherwise only needs what the Connector already provides.
type fakeSource struct {
	c *connection.Connector

	mu     sync.Mutex
	counts map[uint64]int
}

func (f *fakeSource) Slots() []*connection.Slot { return f.c.Slots() }

func (f *fakeSource) SubscriptionCount(handle model.DeviceHandle) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[handle.Address]
}

func (f *fakeSource) Disconnect(ctx context.Context, handle model.DeviceHandle) error {
	return f.c.Disconnect(ctx, handle)
}

func (f *fakeSource) Connect(ctx context.Context, handle model.DeviceHandle) error {
	return f.c.Connect(ctx, handle)
}

func fastConnectorConfig() connection.Config {
	return connection.Config{
		ConnectTimeout:     2 * time.Second,
		ReconnectBackoff:   []time.Duration{5 * time.Millisecond},
		ConcurrentConnects: 5,
	}
}

func TestSweepTriggersReconnectOnUnhealthySlot(t *testing.T) {
	tr := transporttest.New()
	handle := model.DeviceHandle{Address: 1}
	session := transporttest.NewSession(handle)
	session.SetServices([]transport.Service{}, nil)
	tr.Sessions[handle.Address] = session

	connector := connection.New(tr, fastConnectorConfig(), nil, nil, nil)
	if err := connector.Connect(context.Background(), handle); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	// Simulate an unresponsive link: the next Services() call fails.
	session.SetServices(nil, errors.New("no response"))

	src := &fakeSource{c: connector, counts: map[uint64]int{handle.Address: 1}}
	p := New(src, 50*time.Millisecond, false, nil)

	p.sweep(context.Background())

	if session.DisconnectCalls != 1 {
		t.Fatalf("DisconnectCalls = %d, want 1 (probe should have disconnected the unhealthy slot)", session.DisconnectCalls)
	}
	if tr.OpenCount[handle.Address] != 2 {
		t.Fatalf("OpenCount = %d, want 2 (initial connect + reconnect attempt)", tr.OpenCount[handle.Address])
	}
}

func TestSweepSkipsRecentlyActiveSlot(t *testing.T) {
	tr := transporttest.New()
	handle := model.DeviceHandle{Address: 2}
	connector := connection.New(tr, fastConnectorConfig(), nil, nil, nil)
	if err := connector.Connect(context.Background(), handle); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	connector.Slot(handle).TouchFrame(time.Now())

	session := tr.Sessions[handle.Address]
	src := &fakeSource{c: connector, counts: map[uint64]int{handle.Address: 1}}
	p := New(src, 1*time.Second, false, nil)

	p.sweep(context.Background())

	if session.DisconnectCalls != 0 {
		t.Fatal("sweep probed a slot that had a recent frame within the silence threshold")
	}
}

func TestSweepSkipsSlotWithNoSubscriptions(t *testing.T) {
	tr := transporttest.New()
	handle := model.DeviceHandle{Address: 3}
	connector := connection.New(tr, fastConnectorConfig(), nil, nil, nil)
	if err := connector.Connect(context.Background(), handle); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	session := tr.Sessions[handle.Address]
	src := &fakeSource{c: connector, counts: map[uint64]int{}}
	p := New(src, 1*time.Millisecond, false, nil)

	p.sweep(context.Background())

	if session.DisconnectCalls != 0 {
		t.Fatal("sweep probed a slot with zero active subscriptions")
	}
}

func TestOnMeasurementNoopWhenSmartDisconnectDisabled(t *testing.T) {
	src := &fakeSource{counts: map[uint64]int{}}
	p := New(src, time.Second, false, nil)

	p.OnMeasurement(model.DeviceHandle{Address: 4})

	p.mu.Lock()
	n := len(p.timers)
	p.mu.Unlock()
	if n != 0 {
		t.Fatalf("timers = %d, want 0 when smart disconnect is disabled", n)
	}
}

func TestOnMeasurementSchedulesAndCancelAllClearsTimers(t *testing.T) {
	src := &fakeSource{counts: map[uint64]int{}}
	p := New(src, time.Second, true, nil)

	p.OnMeasurement(model.DeviceHandle{Address: 5})

	p.mu.Lock()
	n := len(p.timers)
	p.mu.Unlock()
	if n != 1 {
		t.Fatalf("timers = %d, want 1 after OnMeasurement", n)
	}

	p.CancelAll()

	p.mu.Lock()
	n = len(p.timers)
	p.mu.Unlock()
	if n != 0 {
		t.Fatalf("timers = %d, want 0 after CancelAll", n)
	}
}

func TestOnMeasurementSignalsExistingWindowRatherThanReplacing(t *testing.T) {
	src := &fakeSource{counts: map[uint64]int{}}
	p := New(src, time.Second, true, nil)
	handle := model.DeviceHandle{Address: 6}

	p.OnMeasurement(handle)
	p.mu.Lock()
	first := p.timers[handle.Address]
	p.mu.Unlock()

	p.OnMeasurement(handle)
	p.mu.Lock()
	second := p.timers[handle.Address]
	n := len(p.timers)
	p.mu.Unlock()

	if n != 1 {
		t.Fatalf("timers = %d, want 1 (a repeat frame signals the existing window, it does not add one)", n)
	}
	if first != second {
		t.Fatal("a repeat frame should signal the existing timer, not replace it")
	}

	p.CancelAll()
}

func TestOnMeasurementForceDisconnectsAfterOneExtension(t *testing.T) {
	tr := transporttest.New()
	handle := model.DeviceHandle{Address: 7}
	session := transporttest.NewSession(handle)
	session.SetServices([]transport.Service{}, nil)
	tr.Sessions[handle.Address] = session

	connector := connection.New(tr, fastConnectorConfig(), nil, nil, nil)
	if err := connector.Connect(context.Background(), handle); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	src := &fakeSource{c: connector, counts: map[uint64]int{handle.Address: 1}}
	p := New(src, time.Second, true, nil)

	origFirstLeg, origWindow := smartFirstLeg, smartWindow
	smartFirstLeg = 5 * time.Millisecond
	smartWindow = 10 * time.Millisecond
	defer func() {
		smartFirstLeg = origFirstLeg
		smartWindow = origWindow
	}()

	p.OnMeasurement(handle)
	time.Sleep(2 * time.Millisecond)
	p.OnMeasurement(handle) // keeps the window alive into its one extension

	// The connector's disconnect contract spends 3x200ms on redundant
	// service refetches before it releases the session.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && session.DisconnectCalls < 1 {
		time.Sleep(10 * time.Millisecond)
	}

	if session.DisconnectCalls < 1 {
		t.Fatal("a continuously-active device should still be force-disconnected after one extension")
	}
}
