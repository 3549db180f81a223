package decode

import (
	"strings"
	"time"

	"github.com/tsubasa1008/ble-medical-receiver/pkg/events"
	"github.com/tsubasa1008/ble-medical-receiver/pkg/metrics"
	"github.com/tsubasa1008/ble-medical-receiver/pkg/model"
)

// DecoderKind names which decoder, if any, a characteristic UUID maps
// to (§4.5's demultiplexing rule).
type DecoderKind int

const (
	DecoderNone DecoderKind = iota
	DecoderBloodPressure
	DecoderTemperature
)

var temperatureCharUUIDs = map[string]bool{
	"2a1c": true,
	"2a1e": true,
	"fff1": true,
	"fff4": true,
}

// decoderFor looks up the characteristic's UUID (last 16 significant
// bits, canonical lowercase hex) against the known target sets.
func decoderFor(characteristicID string) DecoderKind {
	short := strings.ToLower(characteristicID)
	if len(short) > 4 {
		short = short[len(short)-4:]
	}
	switch {
	case short == "2a35":
		return DecoderBloodPressure
	case temperatureCharUUIDs[short]:
		return DecoderTemperature
	default:
		return DecoderNone
	}
}

// Result is what the demultiplexer hands to the validator: exactly one
// of BloodPressure/Temperature is set, matching the measurement's kind.
type Result struct {
	Kind        model.DeviceKind
	BloodPressure *events.BloodPressureMeasurement
	Temperature   *events.TemperatureMeasurement
}

// Demultiplexer dispatches a raw frame to the decoder matching its
// characteristic UUID, dropping anything unrecognized.
type Demultiplexer struct {
	onDropped func(handle model.DeviceHandle, reason string)
}

// NewDemultiplexer builds a Demultiplexer. onDropped is called for
// every frame that could not be decoded (§7's DecoderDropped event).
func NewDemultiplexer(onDropped func(handle model.DeviceHandle, reason string)) *Demultiplexer {
	return &Demultiplexer{onDropped: onDropped}
}

// Dispatch decodes a raw frame, or reports it dropped.
func (d *Demultiplexer) Dispatch(handle model.DeviceHandle, characteristicID string, data []byte, at time.Time) (Result, bool) {
	kind := decoderFor(characteristicID)

	switch kind {
	case DecoderBloodPressure:
		m, err := DecodeBloodPressure(handle, data)
		if err != nil {
			metrics.IncFrameDecoded("blood_pressure", "dropped")
			d.drop(handle, err.Error())
			return Result{}, false
		}
		metrics.IncFrameDecoded("blood_pressure", "decoded")
		return Result{Kind: model.KindBloodPressure, BloodPressure: &m}, true

	case DecoderTemperature:
		m, err := DecodeTemperature(handle, data)
		if err != nil {
			metrics.IncFrameDecoded("temperature", "dropped")
			d.drop(handle, err.Error())
			return Result{}, false
		}
		metrics.IncFrameDecoded("temperature", "decoded")
		return Result{Kind: model.KindThermometer, Temperature: &m}, true

	default:
		metrics.IncFrameDecoded("unknown", "dropped")
		d.drop(handle, "unrecognized characteristic "+characteristicID)
		return Result{}, false
	}
}

func (d *Demultiplexer) drop(handle model.DeviceHandle, reason string) {
	if d.onDropped != nil {
		d.onDropped(handle, reason)
	}
}
