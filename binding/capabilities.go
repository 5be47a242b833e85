package binding

import (
	"github.com/dlnraja/com.tuya.zigbee-sub048/manifest"
	"github.com/shimmeringbee/da"
	"github.com/shimmeringbee/da/capabilities"
	"github.com/shimmeringbee/zcl"
	"github.com/shimmeringbee/zigbee"
	"strings"
)

var standardCapabilities = map[string]da.Capability{
	"onoff":               capabilities.OnOffFlag,
	"dim":                 capabilities.LevelFlag,
	"light_hue":           capabilities.ColorFlag,
	"light_saturation":    capabilities.ColorFlag,
	"light_temperature":   capabilities.ColorFlag,
	"measure_temperature": capabilities.TemperatureSensorFlag,
	"measure_humidity":    capabilities.RelativeHumiditySensorFlag,
	"measure_pressure":    capabilities.PressureSensorFlag,
	"measure_battery":     capabilities.PowerSupplyFlag,
	"measure_voltage":     capabilities.PowerSupplyFlag,
	"battery":             capabilities.PowerSupplyFlag,
	"measure_luminance":   capabilities.IlluminationSensorFlag,
}

// Flag maps a capability id onto the da capability it reports, alarm_* ids are alarm sensors.
func Flag(capability string) (da.Capability, bool) {
	if f, found := standardCapabilities[capability]; found {
		return f, true
	}

	if strings.HasPrefix(capability, "alarm_") {
		return capabilities.AlarmSensorFlag, true
	}

	return 0, false
}

// StandardName returns the da name for the capability, or the capability id itself.
func StandardName(capability string) string {
	if f, found := Flag(capability); found {
		if n, found := capabilities.StandardNames[f]; found {
			return n
		}
	}

	return capability
}

func isBatteryCapability(capability string) bool {
	return capability == "measure_battery" || capability == "battery"
}

type clusterAttribute struct {
	cluster   zigbee.ClusterID
	attribute zcl.AttributeID
}

var defaultDataTypes = map[clusterAttribute]zcl.AttributeDataType{
	{zcl.OnOffId, 0x0000}:                       zcl.TypeBoolean,
	{zcl.LevelControlId, 0x0000}:                zcl.TypeUnsignedInt8,
	{zcl.ColorControlId, 0x0000}:                zcl.TypeUnsignedInt8,
	{zcl.ColorControlId, 0x0001}:                zcl.TypeUnsignedInt8,
	{zcl.ColorControlId, 0x0007}:                zcl.TypeUnsignedInt16,
	{zcl.TemperatureMeasurementId, 0x0000}:      zcl.TypeSignedInt16,
	{zcl.RelativeHumidityMeasurementId, 0x0000}: zcl.TypeUnsignedInt16,
	{zcl.PressureMeasurementId, 0x0000}:         zcl.TypeSignedInt16,
	{zigbee.ClusterID(0x0400), 0x0000}:          zcl.TypeUnsignedInt16,
	{zcl.PowerConfigurationId, 0x0020}:          zcl.TypeUnsignedInt8,
	{zcl.PowerConfigurationId, 0x0021}:          zcl.TypeUnsignedInt8,
	{zcl.IASZoneId, 0x0002}:                     zcl.TypeBitmap16,
	{zigbee.ClusterID(0x0b04), 0x0505}:          zcl.TypeUnsignedInt16,
	{zigbee.ClusterID(0x0b04), 0x0508}:          zcl.TypeUnsignedInt16,
	{zigbee.ClusterID(0x0b04), 0x050b}:          zcl.TypeSignedInt16,
}

// dataType returns the declared data type of the binding, or the standard type of well known
// attributes.
func dataType(b manifest.BindingSpec) (zcl.AttributeDataType, bool) {
	if dt, declared := b.AttributeDataType(); declared {
		return dt, true
	}

	dt, found := defaultDataTypes[clusterAttribute{cluster: b.ClusterID(), attribute: b.AttributeID()}]
	return dt, found
}

func discrete(dt zcl.AttributeDataType) bool {
	return zcl.DiscreteTypes[dt]
}
