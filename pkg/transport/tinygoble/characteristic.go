package tinygoble

import (
	"context"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"

	"github.com/tsubasa1008/ble-medical-receiver/pkg/logger"
	"github.com/tsubasa1008/ble-medical-receiver/pkg/model"
	"github.com/tsubasa1008/ble-medical-receiver/pkg/transport"
)

// service wraps a bluetooth.DeviceService as a transport.Service.
type service struct {
	svc bluetooth.DeviceService
	log *logger.Logger
}

func (s *service) UUID() string {
	return s.svc.UUID().String()
}

func (s *service) Characteristics(ctx context.Context) ([]transport.Characteristic, model.StatusCode, error) {
	discovered, err := s.svc.DiscoverCharacteristics(nil)
	if err != nil {
		return nil, classifyError(err), err
	}

	out := make([]transport.Characteristic, 0, len(discovered))
	for i := range discovered {
		props := discovered[i].Properties()
		// SIG-assigned UUIDs are reported in their 16-bit short form,
		// as transport.Characteristic.UUID documents.
		uuid := strings.ToLower(discovered[i].UUID().String())
		if strings.HasPrefix(uuid, "0000") && strings.HasSuffix(uuid, "-0000-1000-8000-00805f9b34fb") {
			uuid = uuid[4:8]
		}
		out = append(out, &characteristic{
			ch:               discovered[i],
			uuid:             uuid,
			log:              s.log,
			supportsNotify:   props&bluetooth.CharacteristicNotifyPermission != 0,
			supportsIndicate: props&bluetooth.CharacteristicIndicatePermission != 0,
		})
	}
	return out, model.Success, nil
}

// characteristic wraps a bluetooth.DeviceCharacteristic as a
// transport.Characteristic. tinygo.org/x/bluetooth exposes
// enable-with-callback rather than a raw CCCD read/write pair, so this
// type tracks the descriptor value locally (cccdShadow) and defers the
// actual platform subscribe call until Subscribe is invoked, matching
// the WriteCCCD-then-Subscribe order pkg/subscription drives.
type characteristic struct {
	ch   bluetooth.DeviceCharacteristic
	uuid string
	log  *logger.Logger

	mu               sync.Mutex
	cccdShadow       model.DescriptorValue
	supportsNotify   bool
	supportsIndicate bool
}

func (c *characteristic) UUID() string {
	return c.uuid
}

func (c *characteristic) SupportsNotify() bool {
	return c.supportsNotify
}

func (c *characteristic) SupportsIndicate() bool {
	return c.supportsIndicate
}

func (c *characteristic) ReadCCCD(ctx context.Context) (model.DescriptorValue, model.StatusCode, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cccdShadow, model.Success, nil
}

func (c *characteristic) WriteCCCD(ctx context.Context, value model.DescriptorValue) (model.StatusCode, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if value == model.DescriptorNone {
		if err := c.ch.EnableNotifications(nil); err != nil {
			return classifyError(err), err
		}
		c.cccdShadow = model.DescriptorNone
		return model.Success, nil
	}

	// Arm the shadow value; the actual EnableNotifications call with
	// the caller's callback happens in Subscribe.
	c.cccdShadow = value
	return model.Success, nil
}

func (c *characteristic) Subscribe(callback func(data []byte)) error {
	return c.ch.EnableNotifications(func(buf []byte) {
		data := make([]byte, len(buf))
		copy(data, buf)
		callback(data)
	})
}
