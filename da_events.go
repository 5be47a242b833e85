package hub

import (
	"context"
	"github.com/dlnraja/com.tuya.zigbee-sub048/binding"
	"github.com/shimmeringbee/logwrap"
	"github.com/shimmeringbee/zigbee"
	"reflect"
)

const DefaultEventBufferSize = 100

// DeviceAdded is sent once a node has been paired and bound to a descriptor.
type DeviceAdded struct {
	Device       zigbee.IEEEAddress
	Descriptor   string
	Capabilities []string
	Unavailable  []string
}

// DeviceRemoved is sent once a node has been unbound and forgotten.
type DeviceRemoved struct {
	Device     zigbee.IEEEAddress
	Descriptor string
}

type internalDeviceBound struct {
	node   *node
	device *binding.BoundDevice
}

type internalDeviceRemoved struct {
	node *node
}

// sendEvent hands the event to every sink and queues it for ReadEvent, dropping it when the
// queue is full rather than stalling the subscription which produced it.
func (h *Hub) sendEvent(e any) {
	for _, s := range h.sinks {
		s.Send(e)
	}

	select {
	case h.events <- e:
	default:
		h.logger.LogWarn(context.Background(), "Event queue full, event dropped.", logwrap.Datum("Event", reflect.TypeOf(e).String()))
	}
}

// ReadEvent returns the next capability, availability or device event.
func (h *Hub) ReadEvent(ctx context.Context) (any, error) {
	select {
	case e := <-h.events:
		return e, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type eventSenderShim struct {
	hub *Hub
}

func (s *eventSenderShim) Send(e any) {
	s.hub.sendEvent(e)
}

var _ binding.EventSender = (*eventSenderShim)(nil)

func (h *Hub) deviceBoundCallback(_ context.Context, e internalDeviceBound) error {
	unavailable := e.device.Unavailable()

	var names []string
	for c := range unavailable {
		names = append(names, c)
	}

	h.sendEvent(DeviceAdded{
		Device:       e.node.address,
		Descriptor:   e.device.Descriptor.ID,
		Capabilities: e.device.Capabilities(),
		Unavailable:  sortedStrings(names),
	})

	return nil
}

func (h *Hub) deviceRemovedCallback(_ context.Context, e internalDeviceRemoved) error {
	e.node.m.RLock()
	descriptor := e.node.descriptor
	e.node.m.RUnlock()

	h.sendEvent(DeviceRemoved{Device: e.node.address, Descriptor: descriptor})
	return nil
}
