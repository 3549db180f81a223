package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tsubasa1008/ble-medical-receiver/pkg/config"
	"github.com/tsubasa1008/ble-medical-receiver/pkg/events"
	"github.com/tsubasa1008/ble-medical-receiver/pkg/model"
	"github.com/tsubasa1008/ble-medical-receiver/pkg/transport"
	"github.com/tsubasa1008/ble-medical-receiver/pkg/transporttest"
)

func fastConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.ConnectTimeoutMs = 2000
	cfg.ReconnectBackoffMs = []int{10, 10}
	cfg.IdleProbeThresholdMs = 60000
	return cfg
}

func TestEngineStartStopLifecycle(t *testing.T) {
	tr := transporttest.New()
	e := New(fastConfig(), tr, events.SinkFuncs{}, nil)

	if e.State() != StateIdle {
		t.Fatalf("initial state = %v, want Idle", e.State())
	}

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if e.State() != StateRunning {
		t.Fatalf("state after Start = %v, want Running", e.State())
	}

	if err := e.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if e.State() != StateIdle {
		t.Fatalf("state after Stop = %v, want Idle", e.State())
	}
}

func TestEngineDiscoversPairsAndConnects(t *testing.T) {
	tr := transporttest.New()

	bpChar := &transporttest.Characteristic{CharUUID: "2a35", Indicate: true}
	handle := model.DeviceHandle{Address: 99, Kind: model.KindBloodPressure}
	session := transporttest.NewSession(handle)
	session.SetServices([]transport.Service{
		&transporttest.Service{ServiceUUID: "1810", Chars: []transport.Characteristic{bpChar}},
	}, nil)
	tr.Sessions[handle.Address] = session

	var mu sync.Mutex
	var statuses []model.ConnectionStatus
	sink := events.SinkFuncs{
		Status: func(ev events.StatusEvent) {
			mu.Lock()
			defer mu.Unlock()
			statuses = append(statuses, ev.Status)
		},
	}

	e := New(fastConfig(), tr, sink, nil)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer e.Stop()

	tr.Advertise(transport.Advertisement{
		Handle:       handle,
		ServiceUUIDs: []string{"1810"},
		LocalName:    "ACME Cuff",
		RSSI:         -50,
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if snap, ok := e.Registry().Lookup(handle); ok && snap.Status == model.StatusConnected {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	snap, ok := e.Registry().Lookup(handle)
	if !ok {
		t.Fatal("Registry().Lookup() found no slot for the discovered handle")
	}
	if snap.Status != model.StatusConnected {
		t.Fatalf("status = %v, want Connected", snap.Status)
	}
	if snap.SubscriptionCount != 1 {
		t.Fatalf("SubscriptionCount = %d, want 1", snap.SubscriptionCount)
	}
}

func TestEngineForgetTearsDownSlot(t *testing.T) {
	tr := transporttest.New()
	handle := model.DeviceHandle{Address: 7, Kind: model.KindBloodPressure}

	e := New(fastConfig(), tr, events.SinkFuncs{}, nil)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer e.Stop()

	if err := e.connector.Connect(context.Background(), handle); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	e.Forget(handle)

	if _, ok := e.Registry().Lookup(handle); ok {
		t.Fatal("Registry().Lookup() still finds a slot after Forget")
	}
}
