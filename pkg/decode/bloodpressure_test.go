package decode

import (
	"math"
	"testing"

	"github.com/tsubasa1008/ble-medical-receiver/pkg/model"
)

func sfloatBytes(mantissa, exponent int32) [2]byte {
	word := EncodeSFLOAT(mantissa, exponent)
	return [2]byte{byte(word), byte(word >> 8)}
}

func TestDecodeBloodPressureTooShort(t *testing.T) {
	_, err := DecodeBloodPressure(model.DeviceHandle{}, []byte{0x00, 0x01, 0x02})
	if err != ErrFrameTooShort {
		t.Fatalf("err = %v, want ErrFrameTooShort", err)
	}
}

func TestDecodeBloodPressureShortFrameUsesBytes5And6(t *testing.T) {
	sys := sfloatBytes(120, 0)
	dia := sfloatBytes(80, 0)
	hr := sfloatBytes(72, 0)

	frame := []byte{0x00, sys[0], sys[1], dia[0], dia[1], hr[0], hr[1]}

	m, err := DecodeBloodPressure(model.DeviceHandle{}, frame)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Systolic != 120 || m.Diastolic != 80 {
		t.Fatalf("systolic/diastolic = %v/%v, want 120/80", m.Systolic, m.Diastolic)
	}
	if m.HeartRate == nil || *m.HeartRate != 72 {
		t.Fatalf("heart rate = %v, want 72", m.HeartRate)
	}
}

func TestDecodeBloodPressureMapPresentSkipsBytes5And6(t *testing.T) {
	sys := sfloatBytes(120, 0)
	dia := sfloatBytes(80, 0)
	mapVal := sfloatBytes(93, 0)

	frame := []byte{bpFlagMapPresent, sys[0], sys[1], dia[0], dia[1], mapVal[0], mapVal[1]}

	m, err := DecodeBloodPressure(model.DeviceHandle{}, frame)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.HeartRate != nil {
		t.Fatalf("heart rate = %v, want nil (MAP present should suppress bytes 5-6 fallback)", *m.HeartRate)
	}
}

func TestDecodeBloodPressureLongFrameUsesBytes13And14(t *testing.T) {
	sys := sfloatBytes(120, 0)
	dia := sfloatBytes(80, 0)
	hr := sfloatBytes(72, 0)

	frame := make([]byte, 15)
	frame[0] = bpFlagMapPresent // MAP present, should be ignored since frame is long enough
	frame[1], frame[2] = sys[0], sys[1]
	frame[3], frame[4] = dia[0], dia[1]
	frame[13], frame[14] = hr[0], hr[1]

	m, err := DecodeBloodPressure(model.DeviceHandle{}, frame)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.HeartRate == nil || *m.HeartRate != 72 {
		t.Fatalf("heart rate = %v, want 72", m.HeartRate)
	}
}

func TestDecodeBloodPressureHandlePassthrough(t *testing.T) {
	handle := model.DeviceHandle{Address: 0xAABBCCDDEEFF, Kind: model.KindBloodPressure}
	sys := sfloatBytes(120, 0)
	dia := sfloatBytes(80, 0)
	frame := []byte{bpFlagMapPresent, sys[0], sys[1], dia[0], dia[1], 0x00, 0x00}

	m, err := DecodeBloodPressure(handle, frame)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Handle != handle {
		t.Fatalf("handle = %v, want %v", m.Handle, handle)
	}
	if m.Timestamp.IsZero() {
		t.Fatalf("timestamp not stamped")
	}
}

func TestDecodeBloodPressureReservedMantissaYieldsNaN(t *testing.T) {
	nanWord := uint16(sfloatMantissaNaN)
	nan := [2]byte{byte(nanWord), byte(nanWord >> 8)}
	frame := []byte{0x00, nan[0], nan[1], nan[0], nan[1], 0x00, 0x00}

	m, err := DecodeBloodPressure(model.DeviceHandle{}, frame)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !math.IsNaN(m.Systolic) {
		t.Fatalf("systolic = %v, want NaN", m.Systolic)
	}
}
