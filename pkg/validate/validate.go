// Package validate accepts or rejects measurements by medical
// plausibility ranges and flags whether they fall within the
// configured normal range (spec §4.6).
package validate

import (
	"github.com/tsubasa1008/ble-medical-receiver/pkg/config"
	"github.com/tsubasa1008/ble-medical-receiver/pkg/events"
)

// Validity bounds, §4.6.
const (
	systolicLow,  systolicHigh  = 50.0, 300.0
	diastolicLow, diastolicHigh = 30.0, 200.0
	heartRateLow, heartRateHigh = 30.0, 220.0
	celsiusLow,   celsiusHigh   = 25.0, 50.0
	fahrenheitLow, fahrenheitHigh = 77.0, 122.0
)

// Validator checks measurements against the §4.6 plausibility bounds
// and the configured normal-range thresholds.
type Validator struct {
	bpNormal   config.NormalRangeConfig
	tempNormal config.RangeConfig
}

// New builds a Validator from the engine's recognized-options struct.
func New(bpNormal config.NormalRangeConfig, tempNormal config.RangeConfig) *Validator {
	return &Validator{bpNormal: bpNormal, tempNormal: tempNormal}
}

// BloodPressure validates a BloodPressureMeasurement and returns a
// copy with Valid and InNormalRange set; the argument is not modified.
func (v *Validator) BloodPressure(m events.BloodPressureMeasurement) events.BloodPressureMeasurement {
	valid := m.Systolic >= systolicLow && m.Systolic <= systolicHigh &&
		m.Diastolic >= diastolicLow && m.Diastolic <= diastolicHigh &&
		m.Systolic > m.Diastolic

	if valid && m.HeartRate != nil {
		hr := *m.HeartRate
		valid = hr >= heartRateLow && hr <= heartRateHigh
	}

	m.Valid = valid
	m.InNormalRange = valid && v.bpInNormalRange(m)
	return m
}

func (v *Validator) bpInNormalRange(m events.BloodPressureMeasurement) bool {
	if m.Systolic < v.bpNormal.Systolic.Low || m.Systolic > v.bpNormal.Systolic.High {
		return false
	}
	if m.Diastolic < v.bpNormal.Diastolic.Low || m.Diastolic > v.bpNormal.Diastolic.High {
		return false
	}
	if m.HeartRate != nil {
		hr := *m.HeartRate
		if hr < v.bpNormal.HeartRate.Low || hr > v.bpNormal.HeartRate.High {
			return false
		}
	}
	return true
}

// Temperature validates a TemperatureMeasurement and returns a copy
// with Valid and InNormalRange set; the argument is not modified.
func (v *Validator) Temperature(m events.TemperatureMeasurement) events.TemperatureMeasurement {
	var valid bool
	if m.Unit == events.Fahrenheit {
		valid = m.Temperature >= fahrenheitLow && m.Temperature <= fahrenheitHigh
	} else {
		valid = m.Temperature >= celsiusLow && m.Temperature <= celsiusHigh
	}

	m.Valid = valid
	m.InNormalRange = valid && v.tempInNormalRange(m)
	return m
}

func (v *Validator) tempInNormalRange(m events.TemperatureMeasurement) bool {
	celsius := m.Temperature
	if m.Unit == events.Fahrenheit {
		celsius = (m.Temperature - 32.0) * 5.0 / 9.0
	}
	return celsius >= v.tempNormal.Low && celsius <= v.tempNormal.High
}
