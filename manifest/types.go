package manifest

import (
	"fmt"
	"github.com/shimmeringbee/zcl"
	"github.com/shimmeringbee/zigbee"
	"sort"
	"strings"
)

type DeviceClass string

const (
	ClassSensor     DeviceClass = "sensor"
	ClassSocket     DeviceClass = "socket"
	ClassLight      DeviceClass = "light"
	ClassSwitch     DeviceClass = "switch"
	ClassClimate    DeviceClass = "climate"
	ClassCover      DeviceClass = "cover"
	ClassRelay      DeviceClass = "relay"
	ClassButton     DeviceClass = "button"
	ClassOther      DeviceClass = "other"
	ClassUnassigned DeviceClass = ""
)

type PowerSource string

const (
	Mains   PowerSource = "mains"
	Battery PowerSource = "battery"
	Hybrid  PowerSource = "hybrid"
)

type PowerProfile struct {
	Source PowerSource `yaml:"source"`
	// Chemistry is only meaningful for Battery and Hybrid sources, e.g. "CR2032" or "AAA".
	Chemistry string `yaml:"chemistry,omitempty"`
}

type Fingerprint struct {
	VendorIDs         []string `yaml:"vendorIds"`
	ProductIDs        []string `yaml:"productIds"`
	ModelID           string   `yaml:"modelId,omitempty"`
	EndpointSignature []string `yaml:"endpoints,omitempty"`
}

type ReportingPolicy struct {
	MinIntervalSeconds uint16  `yaml:"min"`
	MaxIntervalSeconds uint16  `yaml:"max"`
	MinChange          float64 `yaml:"change"`
}

// TransformStep is one stage of a value transform chain, Kind selects the function and
// Params carries its arguments.
type TransformStep struct {
	Kind   string         `yaml:"kind"`
	Params map[string]any `yaml:",inline"`
}

type BindingSpec struct {
	ClusterRef      ClusterRef      `yaml:"cluster"`
	Attribute       string          `yaml:"attribute"`
	DataType        DataTypeRef     `yaml:"dataType,omitempty"`
	ReportingPolicy ReportingPolicy `yaml:"reporting"`
	ValueTransform  []TransformStep `yaml:"transform,omitempty"`
	EndpointIndex   int             `yaml:"endpoint"`
}

func (b BindingSpec) ClusterID() zigbee.ClusterID {
	return zigbee.ClusterID(b.ClusterRef)
}

// AttributeID parses Attribute, a descriptor that passed Validate never yields an error here
// so the zero attribute is returned for unparseable input.
func (b BindingSpec) AttributeID() zcl.AttributeID {
	id, _ := parseAttribute(b.Attribute)
	return id
}

func (b BindingSpec) AttributeDataType() (zcl.AttributeDataType, bool) {
	return zcl.AttributeDataType(b.DataType), b.DataType != 0
}

type DriverDescriptor struct {
	ID                 string                 `yaml:"id"`
	Name               string                 `yaml:"name"`
	DeviceClass        DeviceClass            `yaml:"deviceClass"`
	Capabilities       []string               `yaml:"capabilities"`
	Fingerprint        Fingerprint            `yaml:"fingerprint"`
	CapabilityBindings map[string]BindingSpec `yaml:"bindings"`
	PriorityWeight     int                    `yaml:"priorityWeight,omitempty"`
	PowerProfile       PowerProfile           `yaml:"power"`
}

func (d *DriverDescriptor) HasCapability(c string) bool {
	for _, dc := range d.Capabilities {
		if dc == c {
			return true
		}
	}

	return false
}

func (d *DriverDescriptor) Binding(c string) (BindingSpec, bool) {
	b, ok := d.CapabilityBindings[c]
	return b, ok
}

// Summary renders the descriptor metadata for an operator choosing between candidates.
func (d *DriverDescriptor) Summary() string {
	name := d.Name
	if name == "" {
		name = d.ID
	}

	class := string(d.DeviceClass)
	if class == "" {
		class = string(ClassOther)
	}

	power := string(d.PowerProfile.Source)
	if d.PowerProfile.Chemistry != "" {
		power = fmt.Sprintf("%s (%s)", power, d.PowerProfile.Chemistry)
	}

	if power == "" {
		return fmt.Sprintf("%s [%s]: %s", name, class, strings.Join(d.Capabilities, ", "))
	}

	return fmt.Sprintf("%s [%s, %s]: %s", name, class, power, strings.Join(d.Capabilities, ", "))
}

// Validate checks the structural invariants of a descriptor, it does not check
// fingerprint uniqueness across descriptors.
func (d *DriverDescriptor) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("descriptor missing id")
	}

	seen := make(map[string]bool, len(d.Capabilities))

	for _, c := range d.Capabilities {
		if seen[c] {
			return fmt.Errorf("descriptor %s: capability declared twice: %s", d.ID, c)
		}
		seen[c] = true

		if _, ok := d.CapabilityBindings[c]; !ok {
			return fmt.Errorf("descriptor %s: capability has no binding: %s", d.ID, c)
		}
	}

	bound := make([]string, 0, len(d.CapabilityBindings))
	for c := range d.CapabilityBindings {
		bound = append(bound, c)
	}
	sort.Strings(bound)

	for _, c := range bound {
		if !seen[c] {
			return fmt.Errorf("descriptor %s: binding for undeclared capability: %s", d.ID, c)
		}

		b := d.CapabilityBindings[c]

		if _, err := parseAttribute(b.Attribute); err != nil {
			return fmt.Errorf("descriptor %s: capability %s: %w", d.ID, c, err)
		}

		if b.EndpointIndex < 0 {
			return fmt.Errorf("descriptor %s: capability %s: negative endpoint index", d.ID, c)
		}

		if b.ReportingPolicy.MaxIntervalSeconds != 0 && b.ReportingPolicy.MaxIntervalSeconds < b.ReportingPolicy.MinIntervalSeconds {
			return fmt.Errorf("descriptor %s: capability %s: reporting max interval below min interval", d.ID, c)
		}

		for _, step := range b.ValueTransform {
			if !KnownTransform(step.Kind) {
				return fmt.Errorf("descriptor %s: capability %s: unknown transform: %s", d.ID, c, step.Kind)
			}
		}
	}

	return nil
}

const (
	TransformScale            = "scale"
	TransformClamp            = "clamp"
	TransformLookup           = "lookup"
	TransformBatteryHalf      = "battery_half"
	TransformBatteryVoltage   = "battery_voltage"
	TransformIlluminanceLog   = "illuminance_log"
	TransformTemperatureCenti = "temperature_centi"
	TransformBooleanInvert    = "bool_invert"
	TransformExpression       = "expr"
)

var transformKinds = map[string]bool{
	TransformScale:            true,
	TransformClamp:            true,
	TransformLookup:           true,
	TransformBatteryHalf:      true,
	TransformBatteryVoltage:   true,
	TransformIlluminanceLog:   true,
	TransformTemperatureCenti: true,
	TransformBooleanInvert:    true,
	TransformExpression:       true,
}

func KnownTransform(kind string) bool {
	return transformKinds[kind]
}
