package binding

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrDeviceAlreadyBound = errors.New("device already bound")
	ErrDeviceNotBound     = errors.New("device not bound")
	ErrEndpointMissing    = errors.New("endpoint index not present on device")
	ErrDataTypeUnknown    = errors.New("attribute data type neither declared nor known")
)

type CapabilityError struct {
	Capability string
	Err        error
}

func (e CapabilityError) Error() string {
	return fmt.Sprintf("%s: %v", e.Capability, e.Err)
}

func (e CapabilityError) Unwrap() error {
	return e.Err
}

// PartialFailureError reports capabilities which could not be bound or configured, the device
// stays bound with the remaining capabilities.
type PartialFailureError struct {
	DescriptorID string
	Failures     []CapabilityError
}

func (e *PartialFailureError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.Error())
	}

	return fmt.Sprintf("descriptor %s bound partially: %s", e.DescriptorID, strings.Join(parts, "; "))
}

func (e *PartialFailureError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f)
	}
	return errs
}

// Failed lists the capabilities which failed, in declaration order.
func (e *PartialFailureError) Failed() []string {
	caps := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		caps = append(caps, f.Capability)
	}
	return caps
}
