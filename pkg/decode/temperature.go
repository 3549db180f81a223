package decode

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/tsubasa1008/ble-medical-receiver/pkg/events"
	"github.com/tsubasa1008/ble-medical-receiver/pkg/model"
)

// tempFlagFahrenheit is bit 0 of the flags byte per §10408: set means
// the temperature field is in Fahrenheit, clear means Celsius.
const tempFlagFahrenheit = 1 << 0

// acceptLow/acceptHigh bound the (0, 100] window a fallback strategy's
// candidate value must land in to be accepted (§4.5).
const (
	acceptLow  = 0.0
	acceptHigh = 100.0
)

// DecodeTemperature parses a Health Thermometer-family frame per
// §4.5's four fallback strategies, accepting the first one that
// produces a finite value in (0, 100]. Requires at least 5 bytes.
func DecodeTemperature(handle model.DeviceHandle, frame []byte) (events.TemperatureMeasurement, error) {
	if len(frame) < 5 {
		return events.TemperatureMeasurement{}, ErrFrameTooShort
	}

	flags := frame[0]
	unit := events.Celsius
	if flags&tempFlagFahrenheit != 0 {
		unit = events.Fahrenheit
	}

	for _, strategy := range temperatureStrategies {
		if value, ok := strategy(frame); ok {
			return events.TemperatureMeasurement{
				Temperature: value,
				Unit:        unit,
				Timestamp:   time.Now(),
				Handle:      handle,
			}, nil
		}
	}

	return events.TemperatureMeasurement{}, errAllStrategiesFailed
}

var errAllStrategiesFailed = errorString("no temperature decode strategy produced an in-range value")

type errorString string

func (e errorString) Error() string { return string(e) }

// accept reports whether v is finite and within (0, 100].
func accept(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > acceptLow && v <= acceptHigh
}

// temperatureStrategies runs in order; the first producing an accepted
// value wins (§4.5).
var temperatureStrategies = []func(frame []byte) (float64, bool){
	strategyFLOAT,
	strategySFLOAT,
	strategyRawUnsigned16,
	strategyIntegerPlusTenth,
}

// strategyFLOAT tries bytes 1-4 as IEEE 11073 FLOAT.
func strategyFLOAT(frame []byte) (float64, bool) {
	if len(frame) < 5 {
		return 0, false
	}
	v := readFLOAT(frame, 1)
	return v, accept(v)
}

// strategySFLOAT tries bytes 1-2 as IEEE 11073 SFLOAT.
func strategySFLOAT(frame []byte) (float64, bool) {
	if len(frame) < 3 {
		return 0, false
	}
	v := readSFLOAT(frame, 1)
	return v, accept(v)
}

// strategyRawUnsigned16 tries bytes 1-2 as little-endian raw
// centi/deci-degrees: raw/10, falling back to raw/100 if out of range.
func strategyRawUnsigned16(frame []byte) (float64, bool) {
	if len(frame) < 3 {
		return 0, false
	}
	raw := binary.LittleEndian.Uint16(frame[1:3])
	v := float64(raw) / 10.0
	if accept(v) {
		return v, true
	}
	v = float64(raw) / 100.0
	return v, accept(v)
}

// strategyIntegerPlusTenth tries byte 1 as whole degrees plus byte 2
// tenths.
func strategyIntegerPlusTenth(frame []byte) (float64, bool) {
	if len(frame) < 3 {
		return 0, false
	}
	v := float64(frame[1]) + float64(frame[2])/10.0
	return v, accept(v)
}
