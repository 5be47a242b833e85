package binding

import (
	"github.com/shimmeringbee/da"
	"time"
)

type EventSender interface {
	Send(e any)
}

type ValueEvent struct {
	Device     da.Identifier
	Descriptor string
	Capability string
	// Flag is the da capability reported, zero when the capability has no standard mapping.
	Flag      da.Capability
	Value     any
	Timestamp time.Time
}

type Availability string

const (
	Unavailable Availability = "unavailable"
	Degraded    Availability = "degraded"
	Restored    Availability = "restored"
)

type AvailabilityEvent struct {
	Device     da.Identifier
	Descriptor string
	Capability string
	State      Availability
	Err        error
	Timestamp  time.Time
}
