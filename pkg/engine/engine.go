// Package engine wires discovery, pairing, connection, health
// probing, subscription, decoding, and validation into the single
// ingestion pipeline described in spec §2.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tsubasa1008/ble-medical-receiver/pkg/config"
	"github.com/tsubasa1008/ble-medical-receiver/pkg/connection"
	"github.com/tsubasa1008/ble-medical-receiver/pkg/decode"
	"github.com/tsubasa1008/ble-medical-receiver/pkg/discovery"
	"github.com/tsubasa1008/ble-medical-receiver/pkg/events"
	"github.com/tsubasa1008/ble-medical-receiver/pkg/health"
	"github.com/tsubasa1008/ble-medical-receiver/pkg/logger"
	"github.com/tsubasa1008/ble-medical-receiver/pkg/metrics"
	"github.com/tsubasa1008/ble-medical-receiver/pkg/model"
	"github.com/tsubasa1008/ble-medical-receiver/pkg/pairing"
	"github.com/tsubasa1008/ble-medical-receiver/pkg/subscription"
	"github.com/tsubasa1008/ble-medical-receiver/pkg/transport"
	"github.com/tsubasa1008/ble-medical-receiver/pkg/validate"
)

// State is the engine's own lifecycle, distinct from any device's
// ConnectionStatus (spec §9's redesign note: replace the source's
// re-entrant start/stop mutex workaround with one explicit enum).
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "idle"
	}
}

// Engine is the top-level orchestrator: one instance owns the slot
// table, the scanner, the pairer, the subscription manager, and the
// decode/validate pipeline feeding a single events.Sink.
type Engine struct {
	cfg  *config.Config
	log  *logger.Logger
	sink events.Sink

	transport transport.Transport
	scanner   *discovery.Scanner
	pairer    *pairing.Pairer
	connector *connection.Connector
	subs      *subscription.Manager
	probe     *health.Probe
	demux     *decode.Demultiplexer
	validator *validate.Validator
	registry  *DeviceRegistry

	lifecycleSem chan struct{}

	mu     sync.Mutex
	state  State
	ctx    context.Context
	cancel context.CancelFunc
}

// New builds an Engine. t is the platform BleTransport; sink receives
// every event the engine produces.
func New(cfg *config.Config, t transport.Transport, sink events.Sink, log *logger.Logger) *Engine {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if log == nil {
		log = logger.Global()
	}

	e := &Engine{
		cfg:          cfg,
		log:          log,
		sink:         sink,
		transport:    t,
		lifecycleSem: make(chan struct{}, 1),
		state:        StateIdle,
	}
	e.registry = &DeviceRegistry{engine: e}
	return e
}

// Registry returns the read-only DeviceRegistry external consumers may
// hold weak references through (spec §3's "relation + lookup, never
// ownership").
func (e *Engine) Registry() *DeviceRegistry {
	return e.registry
}

// State returns the engine's own lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Start wires every subsystem and begins scanning. Serialized by a
// single-permit semaphore so concurrent Start/Stop calls never race
// (spec §5, §9).
func (e *Engine) Start(ctx context.Context) error {
	e.lifecycleSem <- struct{}{}
	defer func() { <-e.lifecycleSem }()

	e.mu.Lock()
	if e.state == StateRunning || e.state == StateStarting {
		e.mu.Unlock()
		return nil
	}
	e.state = StateStarting
	e.ctx, e.cancel = context.WithCancel(ctx)
	runCtx := e.ctx
	e.mu.Unlock()

	e.validator = validate.New(e.cfg.BpNormalRange, e.cfg.TempNormalRange)
	e.demux = decode.NewDemultiplexer(e.onDecoderDropped)
	e.subs = subscription.New(e.onFrame, e.log)
	e.pairer = pairing.New(e.transport, e.log)

	connCfg := connection.Config{
		ConnectTimeout:     time.Duration(e.cfg.ConnectTimeoutMs) * time.Millisecond,
		ReconnectBackoff:   backoffDurations(e.cfg.ReconnectBackoffMs),
		ConcurrentConnects: e.cfg.ConcurrentConnects,
	}
	e.connector = connection.New(e.transport, connCfg, e.log, e.onConnectionStatus, e.onResubscribeNeeded)

	e.probe = health.New(healthSource{e.connector, e.subs}, time.Duration(e.cfg.IdleProbeThresholdMs)*time.Millisecond, e.cfg.SmartDisconnect, e.log)

	e.scanner = discovery.New(e.transport, e.cfg.ScanRestartMax, e.log, e.onCandidate, e.onScannerStatus)

	if err := e.scanner.Start(runCtx); err != nil {
		e.mu.Lock()
		e.state = StateIdle
		e.mu.Unlock()
		return fmt.Errorf("start scanner: %w", err)
	}

	go e.probe.Run(runCtx)

	e.mu.Lock()
	e.state = StateRunning
	e.mu.Unlock()

	return nil
}

// Stop cancels every in-flight task and disconnects every slot via the
// §4.2 disconnect contract, awaiting completion with a 2s deadline per
// slot (spec §5's global-shutdown rule).
func (e *Engine) Stop() error {
	e.lifecycleSem <- struct{}{}
	defer func() { <-e.lifecycleSem }()

	e.mu.Lock()
	if e.state != StateRunning {
		e.mu.Unlock()
		return nil
	}
	e.state = StateStopping
	cancel := e.cancel
	e.mu.Unlock()

	if e.scanner != nil {
		e.scanner.Stop()
	}
	if e.probe != nil {
		e.probe.CancelAll()
	}
	if e.connector != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		e.connector.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	if cancel != nil {
		cancel()
	}

	e.mu.Lock()
	e.state = StateIdle
	e.mu.Unlock()

	return nil
}

// Forget disconnects (if connected) and removes handle's slot,
// subscriptions, and pairing quarantine state entirely (supplemented
// feature: the source's implicit "explicit forget" destruction
// trigger, named here as an operation).
func (e *Engine) Forget(handle model.DeviceHandle) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if e.connector != nil {
		e.connector.Forget(ctx, handle)
	}
	if e.subs != nil {
		e.subs.Clear(handle)
	}
	if e.pairer != nil {
		e.pairer.Forget(handle)
	}
}

// onCandidate is the Scanner's callback: pair, then connect, skipping
// handles already past Connecting in the state machine.
func (e *Engine) onCandidate(c discovery.Candidate) {
	handle := c.Handle

	e.sink.OnDiscovery(events.NewDiscoveryEvent(handle, c.Kind, c.RSSI))

	if slot := e.connector.Slot(handle); slot != nil {
		switch slot.Status() {
		case model.StatusConnected, model.StatusConnecting, model.StatusReconnecting:
			return
		}
	}

	go func() {
		ctx, cancel := context.WithTimeout(e.ctx, time.Duration(e.cfg.ConnectTimeoutMs)*time.Millisecond)
		defer cancel()

		if err := e.pairer.Ensure(ctx, handle); err != nil {
			e.log.Warn("pairing failed, skipping connect", "handle", handle, "error", err)
			return
		}

		if err := e.connector.Connect(ctx, handle); err != nil {
			e.log.Warn("connect failed", "handle", handle, "error", err)
		}
	}()
}

func (e *Engine) onScannerStatus(status discovery.Status, err error) {
	var kind events.EngineStatusKind
	switch status {
	case discovery.StatusStopped:
		kind = events.ScannerStopped
	case discovery.StatusRestarting:
		kind = events.ScannerRestarting
	case discovery.StatusFatal:
		kind = events.Fatal
	default:
		return
	}
	e.sink.OnEngineStatus(events.EngineStatusEvent{Kind: kind, Err: err})
}

func (e *Engine) onConnectionStatus(handle model.DeviceHandle, status model.ConnectionStatus, err error) {
	metrics.SetConnectedSlots(e.connector.ConnectedCount())
	e.sink.OnStatus(events.NewStatusEvent(handle, status, err))

	if status != model.StatusConnected {
		e.subs.Clear(handle)
	}
}

// onResubscribeNeeded is invoked by the Connector immediately after a
// successful (re)connect; it re-enables notify/indicate on the fresh
// service catalogue (spec §4.2's "SubscriptionManager is notified to
// re-subscribe").
func (e *Engine) onResubscribeNeeded(ctx context.Context, handle model.DeviceHandle) {
	slot := e.connector.Slot(handle)
	if slot == nil {
		return
	}
	session := slot.Session()
	if session == nil {
		return
	}
	if err := e.subs.EnableAll(ctx, handle, session); err != nil {
		e.log.Warn("subscription enable failed", "handle", handle, "error", err)
	}
}

// onFrame is the SubscriptionManager's routing callback: touch
// liveness, demultiplex, validate, emit.
func (e *Engine) onFrame(handle model.DeviceHandle, characteristicID string, data []byte, at time.Time) {
	if slot := e.connector.Slot(handle); slot != nil {
		slot.TouchFrame(at)
	}

	result, ok := e.demux.Dispatch(handle, characteristicID, data, at)
	if !ok {
		return
	}

	var payload events.MeasurementPayload
	var valid bool

	switch result.Kind {
	case model.KindBloodPressure:
		m := e.validator.BloodPressure(*result.BloodPressure)
		payload.BloodPressure = &m
		valid = m.Valid
	case model.KindThermometer:
		m := e.validator.Temperature(*result.Temperature)
		payload.Temperature = &m
		valid = m.Valid
	default:
		return
	}

	metrics.IncMeasurementValidated(result.Kind.String(), valid)
	e.sink.OnMeasurement(events.NewMeasurementEvent(handle, result.Kind, payload, valid))

	if valid && e.probe != nil {
		e.probe.OnMeasurement(handle)
	}
}

func (e *Engine) onDecoderDropped(handle model.DeviceHandle, reason string) {
	e.sink.OnDecoderDropped(events.DecoderDroppedEvent{Handle: handle, Reason: reason})
}

// backoffDurations converts the §6 reconnect_backoff_ms option into
// time.Duration values.
func backoffDurations(ms []int) []time.Duration {
	out := make([]time.Duration, 0, len(ms))
	for _, v := range ms {
		out = append(out, time.Duration(v)*time.Millisecond)
	}
	return out
}

// healthSource adapts *connection.Connector + *subscription.Manager
// to health.SlotSource without either package depending on the other.
type healthSource struct {
	connector *connection.Connector
	subs      *subscription.Manager
}

func (h healthSource) Slots() []*connection.Slot { return h.connector.Slots() }
func (h healthSource) SubscriptionCount(handle model.DeviceHandle) int {
	return h.subs.Count(handle)
}
func (h healthSource) Disconnect(ctx context.Context, handle model.DeviceHandle) error {
	return h.connector.Disconnect(ctx, handle)
}
func (h healthSource) Connect(ctx context.Context, handle model.DeviceHandle) error {
	return h.connector.Connect(ctx, handle)
}
