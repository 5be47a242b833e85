package attribute

import (
	"context"
	"github.com/shimmeringbee/zcl"
	"github.com/shimmeringbee/zigbee"
)

type ValueCallback func(zcl.AttributeID, zcl.AttributeDataTypeValue)

// Endpoint is the live handle onto one endpoint of a bound device. It is supplied by the
// protocol layer, nothing here talks to the radio directly.
type Endpoint interface {
	ConfigureReporting(ctx context.Context, c zigbee.ClusterID, a zcl.AttributeID, dt zcl.AttributeDataType, minimumInterval uint16, maximumInterval uint16, reportableChange any) error
	ReadAttributes(ctx context.Context, c zigbee.ClusterID, a []zcl.AttributeID) (map[zcl.AttributeID]zcl.AttributeDataTypeValue, error)
	WriteAttributes(ctx context.Context, c zigbee.ClusterID, values map[zcl.AttributeID]zcl.AttributeDataTypeValue) error
	Subscribe(c zigbee.ClusterID, a zcl.AttributeID, cb ValueCallback) (unsubscribe func())
}
