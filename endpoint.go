package hub

import (
	"context"
	"errors"
	"fmt"
	"github.com/dlnraja/com.tuya.zigbee-sub048/attribute"
	"github.com/shimmeringbee/retry"
	"github.com/shimmeringbee/zcl"
	"github.com/shimmeringbee/zcl/commands/global"
	"github.com/shimmeringbee/zcl/communicator"
	"github.com/shimmeringbee/zigbee"
	"time"
)

const DefaultNetworkTimeout = 3000 * time.Millisecond
const DefaultNetworkRetries = 5

const DefaultGatewayHomeAutomationEndpoint = zigbee.Endpoint(0x01)

var ErrWriteRejected = errors.New("attribute write rejected")

// zclEndpoint is one remote endpoint of a paired node, as seen from the gateway's home
// automation endpoint.
type zclEndpoint struct {
	node         *node
	local        zigbee.Endpoint
	remote       zigbee.Endpoint
	callbacks    CommunicatorCallbacks
	communicator GlobalCommunicator
	nodeBinder   zigbee.NodeBinder
}

var _ attribute.Endpoint = (*zclEndpoint)(nil)

func (h *Hub) newEndpoint(n *node, e zigbee.Endpoint) *zclEndpoint {
	return &zclEndpoint{
		node:         n,
		local:        DefaultGatewayHomeAutomationEndpoint,
		remote:       e,
		callbacks:    h.zclCallbacks,
		communicator: h.communicator,
		nodeBinder:   h.nodeBinder,
	}
}

// ConfigureReporting binds the cluster to the gateway before configuring, a single attempt is
// made as the caller owns the retry schedule.
func (z *zclEndpoint) ConfigureReporting(ctx context.Context, c zigbee.ClusterID, a zcl.AttributeID, dt zcl.AttributeDataType, minimumInterval uint16, maximumInterval uint16, reportableChange any) error {
	if err := z.nodeBinder.BindNodeToController(ctx, z.node.address, z.local, z.remote, c); err != nil {
		return fmt.Errorf("binding node to controller: %w", err)
	}

	return z.communicator.ConfigureReporting(ctx, z.node.address, z.node.useAPSAck, c, zigbee.NoManufacturer, z.local, z.remote, z.node.nextTransactionSequence(), a, dt, minimumInterval, maximumInterval, reportableChange)
}

func (z *zclEndpoint) ReadAttributes(pctx context.Context, c zigbee.ClusterID, a []zcl.AttributeID) (map[zcl.AttributeID]zcl.AttributeDataTypeValue, error) {
	values := map[zcl.AttributeID]zcl.AttributeDataTypeValue{}

	err := retry.Retry(pctx, DefaultNetworkTimeout, DefaultNetworkRetries, func(ctx context.Context) error {
		records, err := z.communicator.ReadAttributes(ctx, z.node.address, z.node.useAPSAck, c, zigbee.NoManufacturer, z.local, z.remote, z.node.nextTransactionSequence(), a)

		if err == nil {
			for _, record := range records {
				if record.Status == 0 && record.DataTypeValue != nil {
					values[record.Identifier] = *record.DataTypeValue
				}
			}
		}

		return err
	})

	return values, err
}

func (z *zclEndpoint) WriteAttributes(pctx context.Context, c zigbee.ClusterID, values map[zcl.AttributeID]zcl.AttributeDataTypeValue) error {
	var records []global.WriteAttributesResponseRecord

	err := retry.Retry(pctx, DefaultNetworkTimeout, DefaultNetworkRetries, func(ctx context.Context) error {
		var err error
		records, err = z.communicator.WriteAttributes(ctx, z.node.address, z.node.useAPSAck, c, zigbee.NoManufacturer, z.local, z.remote, z.node.nextTransactionSequence(), values)
		return err
	})
	if err != nil {
		return err
	}

	for _, record := range records {
		if record.Status != 0 {
			return fmt.Errorf("%w: attribute 0x%04x status 0x%02x", ErrWriteRejected, uint16(record.Identifier), record.Status)
		}
	}

	return nil
}

// Subscribe delivers attribute reports of the cluster until the returned function is called.
func (z *zclEndpoint) Subscribe(c zigbee.ClusterID, a zcl.AttributeID, cb attribute.ValueCallback) func() {
	match := z.callbacks.NewMatch(z.zclFilter(c), z.zclMessage(a, cb))
	z.callbacks.AddCallback(match)

	return func() {
		z.callbacks.RemoveCallback(match)
	}
}

func (z *zclEndpoint) zclFilter(c zigbee.ClusterID) communicator.Matcher {
	return func(a zigbee.IEEEAddress, _ zigbee.ApplicationMessage, m zcl.Message) bool {
		return a == z.node.address &&
			m.ClusterID == c &&
			m.SourceEndpoint == z.remote &&
			m.DestinationEndpoint == z.local &&
			m.Direction == zcl.ServerToClient
	}
}

func (z *zclEndpoint) zclMessage(a zcl.AttributeID, cb attribute.ValueCallback) func(communicator.MessageWithSource) {
	return func(m communicator.MessageWithSource) {
		cmd, ok := m.Message.Command.(*global.ReportAttributes)
		if !ok {
			return
		}

		for _, record := range cmd.Records {
			if record.Identifier == a && record.DataTypeValue != nil {
				cb(record.Identifier, *record.DataTypeValue)
			}
		}
	}
}
