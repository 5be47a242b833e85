package binding

import (
	"errors"
	"github.com/dlnraja/com.tuya.zigbee-sub048/attribute"
	"github.com/dlnraja/com.tuya.zigbee-sub048/manifest"
	"github.com/dlnraja/com.tuya.zigbee-sub048/transform"
	"github.com/shimmeringbee/da"
	"github.com/shimmeringbee/persistence"
	"github.com/shimmeringbee/zcl"
	"math"
	"reflect"
	"sync"
	"sync/atomic"
	"time"
)

const LastUpdatedKey = "LastUpdated"
const LastChangedKey = "LastChanged"

// output is one capability fed by a subscription, it owns the transform chain and the change
// suppression state of that capability.
type output struct {
	capability string
	flag       da.Capability
	chain      *transform.Chain
	minChange  float64
	battery    bool
	section    persistence.Section

	lock    sync.Mutex
	last    any
	hasLast bool
}

// accept transforms a raw value and decides whether it is emitted. The first value is always
// emitted, later numeric values only once they moved at least minChange from the last emitted
// value, other values only when they differ.
func (o *output) accept(raw any) (any, bool, error) {
	v, diag := o.chain.Apply(raw)

	if o.battery {
		if f, ok := transform.Numeric(v); ok {
			clamped, err := transform.Clamp(f, 0, 100)
			v = clamped
			diag = errors.Join(diag, err)
		}
	}

	o.lock.Lock()
	defer o.lock.Unlock()

	if o.hasLast && o.suppressed(v) {
		return v, false, diag
	}

	o.last = v
	o.hasLast = true

	return v, true, diag
}

func (o *output) suppressed(v any) bool {
	last, lastNumeric := transform.Numeric(o.last)
	current, currentNumeric := transform.Numeric(v)

	if lastNumeric && currentNumeric {
		return o.minChange > 0 && math.Abs(current-last) < o.minChange
	}

	return reflect.DeepEqual(o.last, v)
}

// group collects the outputs sharing one attribute key, and so one subscription.
type group struct {
	key      attribute.Key
	endpoint attribute.Endpoint
	dataType zcl.AttributeDataType
	policy   manifest.ReportingPolicy
	// raw is set only when every output has no transform, the reportable change is then expressed
	// in device units.
	raw     bool
	outputs []*output

	subscription *attribute.Subscription
	degraded     atomic.Bool
}

// add merges the reporting policy of another capability: the most demanding of each field wins.
func (g *group) add(o *output, b manifest.BindingSpec) {
	p := b.ReportingPolicy

	if len(g.outputs) == 0 {
		g.policy = p
		g.raw = len(b.ValueTransform) == 0
	} else {
		if p.MinIntervalSeconds < g.policy.MinIntervalSeconds {
			g.policy.MinIntervalSeconds = p.MinIntervalSeconds
		}

		if p.MaxIntervalSeconds != 0 && (g.policy.MaxIntervalSeconds == 0 || p.MaxIntervalSeconds < g.policy.MaxIntervalSeconds) {
			g.policy.MaxIntervalSeconds = p.MaxIntervalSeconds
		}

		if p.MinChange < g.policy.MinChange {
			g.policy.MinChange = p.MinChange
		}

		g.raw = g.raw && len(b.ValueTransform) == 0
	}

	g.outputs = append(g.outputs, o)
}

func (g *group) reportingConfig() attribute.ReportingConfig {
	var change float64
	if g.raw {
		change = g.policy.MinChange
	}

	return attribute.ReportingConfig{
		DataType:         g.dataType,
		MinimumInterval:  time.Duration(g.policy.MinIntervalSeconds) * time.Second,
		MaximumInterval:  time.Duration(g.policy.MaxIntervalSeconds) * time.Second,
		ReportableChange: reportableChange(g.dataType, change),
	}
}

// reportableChange expresses change in the Go type the ZCL codec requires for the data type,
// discrete types carry no reportable change.
func reportableChange(dt zcl.AttributeDataType, change float64) any {
	if discrete(dt) {
		return nil
	}

	switch dt {
	case zcl.TypeSignedInt8, zcl.TypeSignedInt16, zcl.TypeSignedInt24, zcl.TypeSignedInt32,
		zcl.TypeSignedInt40, zcl.TypeSignedInt48, zcl.TypeSignedInt56, zcl.TypeSignedInt64:
		return int64(math.Round(math.Abs(change)))
	case zcl.TypeFloatSingle:
		return float32(change)
	case zcl.TypeFloatDouble:
		return change
	default:
		return uint64(math.Round(math.Abs(change)))
	}
}

func (g *group) capabilities() []string {
	caps := make([]string, 0, len(g.outputs))
	for _, o := range g.outputs {
		caps = append(caps, o.capability)
	}
	return caps
}
