package diagnostics

import (
	"context"
	"github.com/dlnraja/com.tuya.zigbee-sub048/attribute"
	"github.com/dlnraja/com.tuya.zigbee-sub048/fingerprint"
	"github.com/shimmeringbee/da"
	"time"
)

type Kind string

const (
	KindShadowed     Kind = "shadowed"
	KindSharedKey    Kind = "shared_key"
	KindSubscription Kind = "subscription"
)

// Record is one diagnostic entry, only the fields relevant to its Kind are set.
type Record struct {
	Time         time.Time `cbor:"1,keyasint"`
	Kind         Kind      `cbor:"2,keyasint"`
	Key          string    `cbor:"3,keyasint,omitempty"`
	Owner        string    `cbor:"4,keyasint,omitempty"`
	Descriptors  []string  `cbor:"5,keyasint,omitempty"`
	Device       string    `cbor:"6,keyasint,omitempty"`
	DescriptorID string    `cbor:"7,keyasint,omitempty"`
	Capabilities []string  `cbor:"8,keyasint,omitempty"`
	Status       string    `cbor:"9,keyasint,omitempty"`
	RetryCount   int       `cbor:"10,keyasint,omitempty"`
	NextRetryAt  time.Time `cbor:"11,keyasint,omitempty"`
	Degraded     bool      `cbor:"12,keyasint,omitempty"`
	Error        string    `cbor:"13,keyasint,omitempty"`
}

type Recorder interface {
	Record(ctx context.Context, r Record)
}

type multiRecorder []Recorder

func (m multiRecorder) Record(ctx context.Context, r Record) {
	for _, rec := range m {
		rec.Record(ctx, r)
	}
}

// Multi records to every recorder given, nil recorders are skipped.
func Multi(recorders ...Recorder) Recorder {
	var m multiRecorder

	for _, r := range recorders {
		if r != nil {
			m = append(m, r)
		}
	}

	return m
}

// Diagnostics turns conflict reports and subscription status changes into records.
type Diagnostics struct {
	recorder Recorder
	now      func() time.Time
}

func New(r Recorder) *Diagnostics {
	return &Diagnostics{recorder: r, now: time.Now}
}

// Report records every shadowing decision and every shared key of a conflict report.
func (d *Diagnostics) Report(ctx context.Context, r fingerprint.Report) {
	for _, c := range r.Conflicts {
		switch {
		case c.Shared:
			d.recorder.Record(ctx, Record{Time: d.now(), Kind: KindSharedKey, Key: c.Key.String(), Descriptors: c.Ranked})
		case len(c.Shadowed) > 0:
			d.recorder.Record(ctx, Record{Time: d.now(), Kind: KindShadowed, Key: c.Key.String(), Owner: c.Owner, Descriptors: c.Shadowed})
		}
	}
}

// SubscriptionChanged records the outcome of every configuration attempt and the removal of
// subscriptions, attempts in progress are not recorded.
func (d *Diagnostics) SubscriptionChanged(device da.Identifier, descriptorID string, capabilities []string, c attribute.StatusChange) {
	if c.Status == attribute.Pending {
		return
	}

	r := Record{
		Time:         d.now(),
		Kind:         KindSubscription,
		Key:          c.Key.String(),
		Device:       device.String(),
		DescriptorID: descriptorID,
		Capabilities: capabilities,
		Status:       string(c.Status),
		RetryCount:   c.RetryCount,
		NextRetryAt:  c.NextRetryAt,
		Degraded:     c.Degraded,
	}

	if c.Err != nil {
		r.Error = c.Err.Error()
	}

	d.recorder.Record(context.Background(), r)
}
