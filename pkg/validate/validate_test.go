package validate

import (
	"testing"

	"github.com/tsubasa1008/ble-medical-receiver/pkg/config"
	"github.com/tsubasa1008/ble-medical-receiver/pkg/events"
)

func testValidator() *Validator {
	return New(
		config.NormalRangeConfig{
			Systolic:  config.RangeConfig{Low: 90, High: 140},
			Diastolic: config.RangeConfig{Low: 60, High: 90},
			HeartRate: config.RangeConfig{Low: 60, High: 100},
		},
		config.RangeConfig{Low: 36.0, High: 37.5},
	)
}

func floatPtr(v float64) *float64 { return &v }

func TestBloodPressure(t *testing.T) {
	v := testValidator()

	tests := []struct {
		name              string
		m                 events.BloodPressureMeasurement
		wantValid         bool
		wantInNormalRange bool
	}{
		{
			name:              "plausible and within normal range",
			m:                 events.BloodPressureMeasurement{Systolic: 120, Diastolic: 80, HeartRate: floatPtr(70)},
			wantValid:         true,
			wantInNormalRange: true,
		},
		{
			name:              "plausible but elevated, outside normal range",
			m:                 events.BloodPressureMeasurement{Systolic: 160, Diastolic: 95, HeartRate: floatPtr(70)},
			wantValid:         true,
			wantInNormalRange: false,
		},
		{
			name:              "systolic not greater than diastolic is implausible",
			m:                 events.BloodPressureMeasurement{Systolic: 80, Diastolic: 80},
			wantValid:         false,
			wantInNormalRange: false,
		},
		{
			name:              "systolic above plausibility bound",
			m:                 events.BloodPressureMeasurement{Systolic: 305, Diastolic: 80},
			wantValid:         false,
			wantInNormalRange: false,
		},
		{
			name:              "heart rate outside plausibility bound invalidates an otherwise-plausible reading",
			m:                 events.BloodPressureMeasurement{Systolic: 120, Diastolic: 80, HeartRate: floatPtr(250)},
			wantValid:         false,
			wantInNormalRange: false,
		},
		{
			name:              "no heart rate reading present",
			m:                 events.BloodPressureMeasurement{Systolic: 120, Diastolic: 80},
			wantValid:         true,
			wantInNormalRange: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := v.BloodPressure(tt.m)
			if got.Valid != tt.wantValid {
				t.Errorf("Valid = %v, want %v", got.Valid, tt.wantValid)
			}
			if got.InNormalRange != tt.wantInNormalRange {
				t.Errorf("InNormalRange = %v, want %v", got.InNormalRange, tt.wantInNormalRange)
			}
		})
	}
}

func TestTemperature(t *testing.T) {
	v := testValidator()

	tests := []struct {
		name              string
		m                 events.TemperatureMeasurement
		wantValid         bool
		wantInNormalRange bool
	}{
		{
			name:              "normal celsius reading",
			m:                 events.TemperatureMeasurement{Temperature: 36.8, Unit: events.Celsius},
			wantValid:         true,
			wantInNormalRange: true,
		},
		{
			name:              "plausible fever, outside normal range",
			m:                 events.TemperatureMeasurement{Temperature: 39.0, Unit: events.Celsius},
			wantValid:         true,
			wantInNormalRange: false,
		},
		{
			name:              "celsius below plausibility bound",
			m:                 events.TemperatureMeasurement{Temperature: 20.0, Unit: events.Celsius},
			wantValid:         false,
			wantInNormalRange: false,
		},
		{
			name:              "normal fahrenheit reading converts into normal celsius range",
			m:                 events.TemperatureMeasurement{Temperature: 98.2, Unit: events.Fahrenheit},
			wantValid:         true,
			wantInNormalRange: true,
		},
		{
			name:              "fahrenheit below plausibility bound",
			m:                 events.TemperatureMeasurement{Temperature: 50.0, Unit: events.Fahrenheit},
			wantValid:         false,
			wantInNormalRange: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := v.Temperature(tt.m)
			if got.Valid != tt.wantValid {
				t.Errorf("Valid = %v, want %v", got.Valid, tt.wantValid)
			}
			if got.InNormalRange != tt.wantInNormalRange {
				t.Errorf("InNormalRange = %v, want %v", got.InNormalRange, tt.wantInNormalRange)
			}
		})
	}
}
