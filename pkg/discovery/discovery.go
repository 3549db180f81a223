// Package discovery consumes raw advertisements from the transport and
// emits a classified, de-duplicated candidate stream (spec §4.1).
package discovery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/tsubasa1008/ble-medical-receiver/pkg/logger"
	"github.com/tsubasa1008/ble-medical-receiver/pkg/metrics"
	"github.com/tsubasa1008/ble-medical-receiver/pkg/model"
	"github.com/tsubasa1008/ble-medical-receiver/pkg/transport"
)

// Service UUIDs the classifier matches against an advertisement's
// service-UUID set (§4.1 rule 1-2).
const (
	uuidBloodPressure = "1810"
	uuidThermometer   = "1809"
)

var bpNameTokens = []string{"blood", "pressure", "bp"}
var thermNameTokens = []string{"therm", "temp"}

// Candidate is a classified, still-unpaired advertisement.
type Candidate struct {
	Handle    model.DeviceHandle
	Kind      model.DeviceKind
	RSSI      int16
	LocalName string
}

// Classify tags an advertisement per §4.1's ordered rule list. The
// second return value is false when the advertisement matches none
// of the rules and should be dropped.
func Classify(adv transport.Advertisement) (model.DeviceKind, bool) {
	for _, u := range adv.ServiceUUIDs {
		short := shortUUID(u)
		if short == uuidBloodPressure {
			return model.KindBloodPressure, true
		}
	}
	for _, u := range adv.ServiceUUIDs {
		short := shortUUID(u)
		if short == uuidThermometer {
			return model.KindThermometer, true
		}
	}

	name := strings.ToLower(adv.LocalName)
	for _, tok := range bpNameTokens {
		if strings.Contains(name, tok) {
			return model.KindBloodPressure, true
		}
	}
	for _, tok := range thermNameTokens {
		if strings.Contains(name, tok) {
			return model.KindThermometer, true
		}
	}

	return model.KindUnknown, false
}

// shortUUID returns the 16-bit short form of a UUID string when it is
// either already 4 hex chars or the 128-bit Bluetooth SIG base form
// with a 16-bit assigned number embedded; otherwise returns the input
// unchanged (lowercased) so full 128-bit vendor UUIDs still compare
// equal to themselves.
func shortUUID(u string) string {
	u = strings.ToLower(u)
	if len(u) == 4 {
		return u
	}
	// 128-bit Bluetooth base UUID form: 0000XXXX-0000-1000-8000-00805f9b34fb
	if len(u) == 36 && strings.HasSuffix(u, "-0000-1000-8000-00805f9b34fb") && strings.HasPrefix(u, "0000") {
		return u[4:8]
	}
	return u
}

const (
	dedupeWindow  = 2 * time.Second
	dedupeDeltaDb = 8
)

type lastEmission struct {
	at   time.Time
	rssi int16
}

// ScannerStoppedErr is surfaced (wrapped) in the ScannerStopped status
// when the transport's scan stream ends unexpectedly.
var ScannerStoppedErr = errors.New("scanner stopped")

// Status describes a scanner-level (not per-device) condition.
type Status int

const (
	StatusRunning Status = iota
	StatusStopped
	StatusRestarting
	StatusFatal
)

// Scanner drives the transport's scan stream, classifies each
// advertisement, de-duplicates, and forwards candidates.
type Scanner struct {
	transport transport.Transport
	log       *logger.Logger

	restartMax int

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	lastSeen map[uint64]lastEmission

	onCandidate func(Candidate)
	onStatus    func(Status, error)
}

// New builds a Scanner. onCandidate is called for every classified,
// non-duplicate advertisement; onStatus reports scanner-level health.
func New(t transport.Transport, restartMax int, log *logger.Logger, onCandidate func(Candidate), onStatus func(Status, error)) *Scanner {
	if log == nil {
		log = logger.Global()
	}
	if restartMax <= 0 {
		restartMax = 5
	}
	return &Scanner{
		transport:   t,
		log:         log,
		restartMax:  restartMax,
		lastSeen:    make(map[uint64]lastEmission),
		onCandidate: onCandidate,
		onStatus:    onStatus,
	}
}

// Start begins active scanning via the transport. Idempotent.
func (s *Scanner) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	// Open the scan stream before returning so advertisements arriving
	// right after Start are not lost. StartScan is idempotent, so run
	// picks up this same stream; a failure here is retried by run's
	// restart policy.
	_, _ = s.transport.StartScan(runCtx, nil)

	go s.run(runCtx)
	return nil
}

// Stop ends scanning. Idempotent.
func (s *Scanner) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	if s.cancel != nil {
		s.cancel()
	}
	s.transport.StopScan()
}

func (s *Scanner) run(ctx context.Context) {
	attempts := 0
	for {
		if ctx.Err() != nil {
			return
		}

		adverts, err := s.transport.StartScan(ctx, nil)
		if err != nil {
			attempts++
			s.log.Warn("scan start failed", "attempt", attempts, "error", err)
			if attempts > s.restartMax {
				s.reportStatus(StatusFatal, err)
				return
			}
			s.reportStatus(StatusRestarting, err)
			select {
			case <-time.After(2 * time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}

		attempts = 0
		s.consume(ctx, adverts)

		if ctx.Err() != nil {
			return
		}

		// The advertisement stream ended without an error return and
		// without cancellation: the transport stopped scanning on its
		// own. Treat it the same as a failed restart attempt.
		attempts++
		s.log.Warn("scan stream ended unexpectedly", "attempt", attempts)
		s.reportStatus(StatusStopped, ScannerStoppedErr)
		if attempts > s.restartMax {
			s.reportStatus(StatusFatal, ScannerStoppedErr)
			return
		}
		s.reportStatus(StatusRestarting, ScannerStoppedErr)
		select {
		case <-time.After(2 * time.Second):
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scanner) consume(ctx context.Context, adverts <-chan transport.Advertisement) {
	for {
		select {
		case adv, ok := <-adverts:
			if !ok {
				return
			}
			s.handle(adv)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scanner) handle(adv transport.Advertisement) {
	kind, ok := Classify(adv)
	if !ok {
		return
	}

	if !s.shouldEmit(adv.Handle.Address, adv.RSSI) {
		return
	}

	metrics.IncDiscovery(kind.String())

	handle := model.DeviceHandle{Address: adv.Handle.Address, Name: adv.LocalName, Kind: kind}
	if s.onCandidate != nil {
		s.onCandidate(Candidate{Handle: handle, Kind: kind, RSSI: adv.RSSI, LocalName: adv.LocalName})
	}
}

// shouldEmit implements the §4.1 de-duplication window: re-emit only
// if the prior emission is older than 2s or RSSI moved by >=8 dBm.
func (s *Scanner) shouldEmit(address uint64, rssi int16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	last, ok := s.lastSeen[address]
	now := time.Now()
	if ok {
		age := now.Sub(last.at)
		delta := rssi - last.rssi
		if delta < 0 {
			delta = -delta
		}
		if age < dedupeWindow && delta < dedupeDeltaDb {
			return false
		}
	}
	s.lastSeen[address] = lastEmission{at: now, rssi: rssi}
	return true
}

func (s *Scanner) reportStatus(status Status, err error) {
	if s.onStatus != nil {
		s.onStatus(status, err)
	}
}
