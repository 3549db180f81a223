package decode

import (
	"errors"
	"time"

	"github.com/tsubasa1008/ble-medical-receiver/pkg/events"
	"github.com/tsubasa1008/ble-medical-receiver/pkg/model"
)

// ErrFrameTooShort is returned when a frame has fewer bytes than the
// decoder requires.
var ErrFrameTooShort = errors.New("frame too short")

// bpFlagMapPresent is bit 3 of the flags byte: Mean Arterial Pressure
// present. When set, the §4.2 bytes-5-6 heart-rate fallback is skipped
// to avoid misreading the MAP field as heart rate (spec §9 open
// question).
const bpFlagMapPresent = 1 << 3

// DecodeBloodPressure parses a Blood Pressure Measurement frame
// (§10407) per §4.5. Requires at least 7 bytes.
func DecodeBloodPressure(handle model.DeviceHandle, frame []byte) (events.BloodPressureMeasurement, error) {
	if len(frame) < 7 {
		return events.BloodPressureMeasurement{}, ErrFrameTooShort
	}

	flags := frame[0]
	systolic := readSFLOAT(frame, 1)
	diastolic := readSFLOAT(frame, 3)

	var heartRate *float64
	mapPresent := flags&bpFlagMapPresent != 0

	switch {
	case len(frame) >= 15:
		hr := readSFLOAT(frame, 13)
		heartRate = &hr
	case len(frame) >= 7 && !mapPresent:
		hr := readSFLOAT(frame, 5)
		heartRate = &hr
	}

	return events.BloodPressureMeasurement{
		Systolic:  systolic,
		Diastolic: diastolic,
		HeartRate: heartRate,
		Timestamp: time.Now(),
		Handle:    handle,
	}, nil
}
