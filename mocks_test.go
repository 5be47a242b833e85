package hub

import (
	"context"
	"github.com/dlnraja/com.tuya.zigbee-sub048/diagnostics"
	"github.com/shimmeringbee/zcl"
	"github.com/shimmeringbee/zcl/commands/global"
	"github.com/shimmeringbee/zcl/communicator"
	"github.com/shimmeringbee/zigbee"
	"github.com/stretchr/testify/mock"
	"sync"
	"sync/atomic"
)

type mockCommunicator struct {
	mock.Mock
	matchId uint64
}

func (m *mockCommunicator) NewMatch(matcher communicator.Matcher, callback func(source communicator.MessageWithSource)) communicator.Match {
	return communicator.Match{Id: atomic.AddUint64(&m.matchId, 1), Matcher: matcher, Callback: callback}
}

func (m *mockCommunicator) AddCallback(match communicator.Match) {
	m.Called(match)
}

func (m *mockCommunicator) RemoveCallback(match communicator.Match) {
	m.Called(match)
}

func (m *mockCommunicator) ReadAttributes(ctx context.Context, ieeeAddress zigbee.IEEEAddress, requireAck bool, cluster zigbee.ClusterID, code zigbee.ManufacturerCode, sourceEndpoint zigbee.Endpoint, destEndpoint zigbee.Endpoint, transactionSequence uint8, attributes []zcl.AttributeID) ([]global.ReadAttributeResponseRecord, error) {
	args := m.Called(ctx, ieeeAddress, requireAck, cluster, code, sourceEndpoint, destEndpoint, transactionSequence, attributes)
	return args.Get(0).([]global.ReadAttributeResponseRecord), args.Error(1)
}

func (m *mockCommunicator) WriteAttributes(ctx context.Context, ieeeAddress zigbee.IEEEAddress, requireAck bool, cluster zigbee.ClusterID, code zigbee.ManufacturerCode, sourceEndpoint zigbee.Endpoint, destEndpoint zigbee.Endpoint, transactionSequence uint8, attributes map[zcl.AttributeID]zcl.AttributeDataTypeValue) ([]global.WriteAttributesResponseRecord, error) {
	args := m.Called(ctx, ieeeAddress, requireAck, cluster, code, sourceEndpoint, destEndpoint, transactionSequence, attributes)
	return args.Get(0).([]global.WriteAttributesResponseRecord), args.Error(1)
}

func (m *mockCommunicator) ConfigureReporting(ctx context.Context, ieeeAddress zigbee.IEEEAddress, requireAck bool, cluster zigbee.ClusterID, code zigbee.ManufacturerCode, sourceEndpoint zigbee.Endpoint, destEndpoint zigbee.Endpoint, transactionSequence uint8, attributeId zcl.AttributeID, dataType zcl.AttributeDataType, minimumReportingInterval uint16, maximumReportingInterval uint16, reportableChange any) error {
	return m.Called(ctx, ieeeAddress, requireAck, cluster, code, sourceEndpoint, destEndpoint, transactionSequence, attributeId, dataType, minimumReportingInterval, maximumReportingInterval, reportableChange).Error(0)
}

var _ CommunicatorCallbacks = (*mockCommunicator)(nil)
var _ GlobalCommunicator = (*mockCommunicator)(nil)

type mockEventSender struct {
	lock   sync.Mutex
	events []any
}

func (m *mockEventSender) Send(e any) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.events = append(m.events, e)
}

func (m *mockEventSender) Events() []any {
	m.lock.Lock()
	defer m.lock.Unlock()

	return append([]any(nil), m.events...)
}

type mockRecorder struct {
	lock    sync.Mutex
	records []diagnostics.Record
}

func (m *mockRecorder) Record(_ context.Context, r diagnostics.Record) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.records = append(m.records, r)
}

func (m *mockRecorder) Kinds() []diagnostics.Kind {
	m.lock.Lock()
	defer m.lock.Unlock()

	var kinds []diagnostics.Kind
	for _, r := range m.records {
		kinds = append(kinds, r.Kind)
	}
	return kinds
}
