package decode

import (
	"testing"
	"time"

	"github.com/tsubasa1008/ble-medical-receiver/pkg/model"
)

func TestDecoderFor(t *testing.T) {
	tests := []struct {
		uuid string
		want DecoderKind
	}{
		{"2a35", DecoderBloodPressure},
		{"2A35", DecoderBloodPressure},
		{"2a1c", DecoderTemperature},
		{"2A1E", DecoderTemperature},
		{"fff1", DecoderTemperature},
		{"2a19", DecoderNone},
		{"dead", DecoderNone},
	}
	for _, tt := range tests {
		if got := decoderFor(tt.uuid); got != tt.want {
			t.Errorf("decoderFor(%q) = %v, want %v", tt.uuid, got, tt.want)
		}
	}
}

func bpFrame(t *testing.T) []byte {
	t.Helper()
	sys := sfloatBytes(120, 0)
	dia := sfloatBytes(80, 0)
	hr := sfloatBytes(72, 0)
	return []byte{0x00, sys[0], sys[1], dia[0], dia[1], hr[0], hr[1]}
}

func TestDispatchRoutesToBloodPressure(t *testing.T) {
	d := NewDemultiplexer(nil)
	handle := model.DeviceHandle{Address: 1, Kind: model.KindBloodPressure}

	result, ok := d.Dispatch(handle, "2a35", bpFrame(t), time.Now())
	if !ok {
		t.Fatal("Dispatch() returned ok=false for a valid frame")
	}
	if result.Kind != model.KindBloodPressure || result.BloodPressure == nil {
		t.Fatalf("result = %+v, want a populated BloodPressure result", result)
	}
	if result.Temperature != nil {
		t.Fatal("Temperature should be nil for a blood pressure result")
	}
}

func TestDispatchRoutesToTemperature(t *testing.T) {
	d := NewDemultiplexer(nil)
	handle := model.DeviceHandle{Address: 2, Kind: model.KindThermometer}

	word := EncodeFLOATForTest(360, -1)
	frame := []byte{0x00, byte(word), byte(word >> 8), byte(word >> 16), byte(word >> 24)}

	result, ok := d.Dispatch(handle, "2a1c", frame, time.Now())
	if !ok {
		t.Fatal("Dispatch() returned ok=false for a valid frame")
	}
	if result.Kind != model.KindThermometer || result.Temperature == nil {
		t.Fatalf("result = %+v, want a populated Temperature result", result)
	}
}

func TestDispatchDropsUnrecognizedCharacteristic(t *testing.T) {
	var reason string
	var droppedHandle model.DeviceHandle
	d := NewDemultiplexer(func(handle model.DeviceHandle, r string) {
		droppedHandle = handle
		reason = r
	})
	handle := model.DeviceHandle{Address: 3}

	_, ok := d.Dispatch(handle, "dead", []byte{0x01, 0x02}, time.Now())
	if ok {
		t.Fatal("Dispatch() returned ok=true for an unrecognized characteristic")
	}
	if reason == "" {
		t.Fatal("onDropped was not called")
	}
	if droppedHandle != handle {
		t.Fatalf("onDropped handle = %v, want %v", droppedHandle, handle)
	}
}

func TestDispatchDropsDecodeFailure(t *testing.T) {
	var reason string
	d := NewDemultiplexer(func(handle model.DeviceHandle, r string) {
		reason = r
	})

	_, ok := d.Dispatch(model.DeviceHandle{}, "2a35", []byte{0x00, 0x01}, time.Now())
	if ok {
		t.Fatal("Dispatch() returned ok=true for a too-short frame")
	}
	if reason == "" {
		t.Fatal("onDropped was not called for a decode failure")
	}
}
