package manifest

import (
	"fmt"
	"github.com/shimmeringbee/zcl"
	"github.com/shimmeringbee/zigbee"
	"gopkg.in/yaml.v3"
	"strconv"
	"strings"
)

var clusterNames = map[string]zigbee.ClusterID{
	"basic":                       zcl.BasicId,
	"powerConfiguration":          zcl.PowerConfigurationId,
	"identify":                    zcl.IdentifyId,
	"onOff":                       zcl.OnOffId,
	"levelControl":                zcl.LevelControlId,
	"colorControl":                zcl.ColorControlId,
	"temperatureMeasurement":      zcl.TemperatureMeasurementId,
	"pressureMeasurement":         zcl.PressureMeasurementId,
	"relativeHumidityMeasurement": zcl.RelativeHumidityMeasurementId,
	"iasZone":                     zcl.IASZoneId,
	"iasWarningDevices":           zcl.IASWarningDevicesId,
	"windowCovering":              zigbee.ClusterID(0x0102),
	"thermostat":                  zigbee.ClusterID(0x0201),
	"illuminanceMeasurement":      zigbee.ClusterID(0x0400),
	"occupancySensing":            zigbee.ClusterID(0x0406),
	"metering":                    zigbee.ClusterID(0x0702),
	"electricalMeasurement":       zigbee.ClusterID(0x0b04),
	"tuya":                        zigbee.ClusterID(0xef00),
}

var dataTypeNames = map[string]zcl.AttributeDataType{
	"bool":     zcl.TypeBoolean,
	"uint8":    zcl.TypeUnsignedInt8,
	"uint16":   zcl.TypeUnsignedInt16,
	"int16":    zcl.TypeSignedInt16,
	"int32":    zcl.TypeSignedInt32,
	"enum8":    zcl.TypeEnum8,
	"enum16":   zcl.TypeEnum16,
	"bitmap16": zcl.TypeBitmap16,
	"string":   zcl.TypeStringCharacter8,
}

// ClusterRef is a cluster identifier which manifests may spell as a known cluster name or
// as a number.
type ClusterRef zigbee.ClusterID

func (c *ClusterRef) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: cluster must be a scalar", value.Line)
	}

	id, err := parseCluster(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}

	*c = ClusterRef(id)
	return nil
}

func parseCluster(s string) (zigbee.ClusterID, error) {
	if id, ok := clusterNames[s]; ok {
		return id, nil
	}

	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 16)
	if err != nil {
		return 0, fmt.Errorf("unknown cluster: %s", s)
	}

	return zigbee.ClusterID(v), nil
}

type DataTypeRef zcl.AttributeDataType

func (d *DataTypeRef) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: data type must be a scalar", value.Line)
	}

	if dt, ok := dataTypeNames[value.Value]; ok {
		*d = DataTypeRef(dt)
		return nil
	}

	v, err := strconv.ParseUint(value.Value, 0, 8)
	if err != nil {
		return fmt.Errorf("line %d: unknown data type: %s", value.Line, value.Value)
	}

	*d = DataTypeRef(v)
	return nil
}

func parseAttribute(s string) (zcl.AttributeID, error) {
	if s == "" {
		return 0, fmt.Errorf("attribute missing")
	}

	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 16)
	if err != nil {
		return 0, fmt.Errorf("attribute unparsable: %s", s)
	}

	return zcl.AttributeID(v), nil
}
