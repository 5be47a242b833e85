package attribute

import (
	"context"
	"errors"
	"github.com/shimmeringbee/logwrap"
	"github.com/shimmeringbee/logwrap/impl/discard"
	"github.com/shimmeringbee/persistence"
	"github.com/shimmeringbee/persistence/impl/memory"
	"github.com/shimmeringbee/zcl"
	"github.com/shimmeringbee/zigbee"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"sync"
	"testing"
	"time"
)

var testKey = Key{ClusterID: zcl.TemperatureMeasurementId, AttributeID: 0, EndpointIndex: 0}

var testConfig = ReportingConfig{DataType: zcl.TypeSignedInt16, MinimumInterval: 10 * time.Second, MaximumInterval: 300 * time.Second}

type recorder struct {
	lock    sync.Mutex
	changes []StatusChange
}

func (r *recorder) observe(c StatusChange) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recorder) statuses() []Status {
	r.lock.Lock()
	defer r.lock.Unlock()

	var s []Status
	for _, c := range r.changes {
		s = append(s, c.Status)
	}
	return s
}

type fixture struct {
	endpoint  *MockEndpoint
	scheduler *ManualScheduler
	section   persistence.Section
	recorder  *recorder
	sub       *Subscription
	reported  ValueCallback
	unsubbed  bool
}

func newFixture(t *testing.T, opts Options) *fixture {
	f := &fixture{
		endpoint:  &MockEndpoint{},
		scheduler: NewManualScheduler(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		section:   memory.New(),
		recorder:  &recorder{},
	}

	f.endpoint.On("Subscribe", testKey.ClusterID, testKey.AttributeID, mock.Anything).Run(func(args mock.Arguments) {
		f.reported = args.Get(2).(ValueCallback)
	}).Return(func() { f.unsubbed = true }).Maybe()

	opts.Logger = logwrap.New(discard.Discard())
	opts.Scheduler = f.scheduler
	opts.Observer = f.recorder.observe

	f.sub = NewSubscription(testKey, testConfig, f.endpoint, f.section, opts)
	return f
}

func (f *fixture) expectConfigure(err error) *mock.Call {
	return f.endpoint.On("ConfigureReporting", mock.Anything, testKey.ClusterID, testKey.AttributeID, zcl.TypeSignedInt16, uint16(10), uint16(300), nil).Return(err)
}

func TestBackoff_Delay(t *testing.T) {
	t.Run("doubles from one second and caps at sixty seconds", func(t *testing.T) {
		b := DefaultBackoff

		assert.Equal(t, 1*time.Second, b.Delay(1))
		assert.Equal(t, 2*time.Second, b.Delay(2))
		assert.Equal(t, 4*time.Second, b.Delay(3))
		assert.Equal(t, 32*time.Second, b.Delay(6))
		assert.Equal(t, 60*time.Second, b.Delay(7))
		assert.Equal(t, 60*time.Second, b.Delay(5000))
		assert.Equal(t, 1*time.Second, b.Delay(0))
	})
}

func TestSubscription_Start(t *testing.T) {
	t.Run("configures reporting, becomes active and arms the report loss watchdog", func(t *testing.T) {
		f := newFixture(t, Options{})
		defer f.endpoint.AssertExpectations(t)
		f.expectConfigure(nil).Once()

		err := f.sub.Start(context.Background())
		require.NoError(t, err)

		assert.Equal(t, Active, f.sub.Status())
		assert.Equal(t, []Status{Pending, Active}, f.recorder.statuses())
		assert.Equal(t, []time.Duration{900 * time.Second}, f.scheduler.Pending())
		assert.NotNil(t, f.reported)

		state, found := ReadState(f.section)
		require.True(t, found)
		assert.Equal(t, Active, state.Status)
		assert.Zero(t, state.RetryCount)

		cluster, _ := f.section.Int(ClusterIdKey)
		assert.Equal(t, int(zcl.TemperatureMeasurementId), cluster)
	})

	t.Run("retries with exponential backoff until configuration succeeds", func(t *testing.T) {
		f := newFixture(t, Options{})
		defer f.endpoint.AssertExpectations(t)
		f.expectConfigure(errors.New("timeout")).Times(3)
		f.expectConfigure(nil).Once()

		err := f.sub.Start(context.Background())
		assert.Error(t, err)
		assert.Equal(t, Failed, f.sub.Status())
		assert.Equal(t, 1, f.sub.RetryCount())
		assert.Equal(t, f.scheduler.Now().Add(time.Second), f.sub.NextRetryAt())

		var delays []time.Duration
		for f.sub.Status() != Active {
			d, fired := f.scheduler.FireNext()
			require.True(t, fired)
			delays = append(delays, d)
		}

		assert.Equal(t, []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}, delays)
		assert.Equal(t, []Status{Pending, Failed, Pending, Failed, Pending, Failed, Pending, Active}, f.recorder.statuses())
		assert.Zero(t, f.sub.RetryCount())
		assert.True(t, f.sub.NextRetryAt().IsZero())

		state, _ := ReadState(f.section)
		assert.Equal(t, Active, state.Status)
		assert.True(t, state.NextRetryAt.IsZero())
	})

	t.Run("persists retry state while failing", func(t *testing.T) {
		f := newFixture(t, Options{})
		defer f.endpoint.AssertExpectations(t)
		f.expectConfigure(errors.New("rejected")).Times(2)

		_ = f.sub.Start(context.Background())
		_, _ = f.scheduler.FireNext()

		state, found := ReadState(f.section)
		require.True(t, found)
		assert.Equal(t, Failed, state.Status)
		assert.Equal(t, 2, state.RetryCount)
		assert.True(t, f.scheduler.Now().Add(2*time.Second).Equal(state.NextRetryAt))
	})

	t.Run("bounds each attempt with the attempt timeout", func(t *testing.T) {
		f := newFixture(t, Options{AttemptTimeout: 50 * time.Millisecond})
		defer f.endpoint.AssertExpectations(t)

		f.expectConfigure(context.DeadlineExceeded).Run(func(args mock.Arguments) {
			ctx := args.Get(0).(context.Context)
			deadline, ok := ctx.Deadline()
			assert.True(t, ok)
			assert.WithinDuration(t, time.Now().Add(50*time.Millisecond), deadline, 50*time.Millisecond)
		}).Once()

		err := f.sub.Start(context.Background())
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, Failed, f.sub.Status())
	})
}

func TestSubscription_ReportLoss(t *testing.T) {
	t.Run("missing reports for three maximum intervals reconfigures", func(t *testing.T) {
		f := newFixture(t, Options{})
		defer f.endpoint.AssertExpectations(t)
		f.expectConfigure(nil).Twice()

		require.NoError(t, f.sub.Start(context.Background()))

		f.scheduler.Advance(900 * time.Second)

		assert.Equal(t, Active, f.sub.Status())
		assert.Equal(t, []Status{Pending, Active, Failed, Pending, Active}, f.recorder.statuses())
		assert.ErrorIs(t, f.recorder.changes[2].Err, ErrReportLoss)
	})

	t.Run("reports push the watchdog back", func(t *testing.T) {
		f := newFixture(t, Options{})
		defer f.endpoint.AssertExpectations(t)
		f.expectConfigure(nil).Once()

		require.NoError(t, f.sub.Start(context.Background()))

		f.scheduler.Advance(800 * time.Second)
		f.reported(0, zcl.AttributeDataTypeValue{DataType: zcl.TypeSignedInt16, Value: int64(2100)})
		f.scheduler.Advance(800 * time.Second)

		assert.Equal(t, Active, f.sub.Status())
		assert.Equal(t, []Status{Pending, Active}, f.recorder.statuses())
		assert.Equal(t, []time.Duration{900 * time.Second}, f.scheduler.Pending())
	})

	t.Run("repeated reconfiguration failures after report loss mark the subscription degraded", func(t *testing.T) {
		f := newFixture(t, Options{DegradedAfter: 2})
		defer f.endpoint.AssertExpectations(t)
		f.expectConfigure(nil).Once()
		f.expectConfigure(errors.New("timeout")).Twice()
		f.expectConfigure(nil).Once()

		require.NoError(t, f.sub.Start(context.Background()))

		_, _ = f.scheduler.FireNext()
		assert.False(t, f.sub.Degraded())

		_, _ = f.scheduler.FireNext()
		assert.True(t, f.sub.Degraded())
		assert.Equal(t, Failed, f.sub.Status())

		state, _ := ReadState(f.section)
		assert.True(t, state.Degraded)

		_, _ = f.scheduler.FireNext()
		assert.False(t, f.sub.Degraded())
		assert.Equal(t, Active, f.sub.Status())
	})

	t.Run("initial configuration failures never degrade", func(t *testing.T) {
		f := newFixture(t, Options{DegradedAfter: 1})
		defer f.endpoint.AssertExpectations(t)
		f.expectConfigure(errors.New("timeout")).Times(3)

		_ = f.sub.Start(context.Background())
		_, _ = f.scheduler.FireNext()
		_, _ = f.scheduler.FireNext()

		assert.False(t, f.sub.Degraded())
	})
}

func TestSubscription_Listeners(t *testing.T) {
	t.Run("fans values out to every listener until removed", func(t *testing.T) {
		f := newFixture(t, Options{})
		defer f.endpoint.AssertExpectations(t)
		f.expectConfigure(nil).Once()

		var first, second []any
		removeFirst := f.sub.AddListener(func(_ zcl.AttributeID, v zcl.AttributeDataTypeValue) { first = append(first, v.Value) })
		f.sub.AddListener(func(_ zcl.AttributeID, v zcl.AttributeDataTypeValue) { second = append(second, v.Value) })

		require.NoError(t, f.sub.Start(context.Background()))

		f.reported(0, zcl.AttributeDataTypeValue{DataType: zcl.TypeSignedInt16, Value: int64(1)})
		removeFirst()
		f.reported(0, zcl.AttributeDataTypeValue{DataType: zcl.TypeSignedInt16, Value: int64(2)})

		assert.Equal(t, []any{int64(1)}, first)
		assert.Equal(t, []any{int64(1), int64(2)}, second)
	})

	t.Run("refresh reads the attribute and delivers it", func(t *testing.T) {
		f := newFixture(t, Options{})
		defer f.endpoint.AssertExpectations(t)

		f.endpoint.On("ReadAttributes", mock.Anything, testKey.ClusterID, []zcl.AttributeID{testKey.AttributeID}).Return(map[zcl.AttributeID]zcl.AttributeDataTypeValue{
			testKey.AttributeID: {DataType: zcl.TypeSignedInt16, Value: int64(1850)},
		}, nil)

		var got []any
		f.sub.AddListener(func(_ zcl.AttributeID, v zcl.AttributeDataTypeValue) { got = append(got, v.Value) })

		require.NoError(t, f.sub.Refresh(context.Background()))
		assert.Equal(t, []any{int64(1850)}, got)
	})
}

func TestSubscription_Remove(t *testing.T) {
	t.Run("stops pending retries, unsubscribes and deletes persisted state", func(t *testing.T) {
		f := newFixture(t, Options{})
		defer f.endpoint.AssertExpectations(t)
		f.expectConfigure(errors.New("timeout")).Once()

		var got []any
		f.sub.AddListener(func(_ zcl.AttributeID, v zcl.AttributeDataTypeValue) { got = append(got, v.Value) })

		_ = f.sub.Start(context.Background())
		assert.Equal(t, 1, f.sub.PendingTimers())

		f.sub.Remove(context.Background())

		assert.Equal(t, Removed, f.sub.Status())
		assert.Zero(t, f.sub.PendingTimers())
		assert.Empty(t, f.scheduler.Pending())
		assert.True(t, f.unsubbed)

		_, found := ReadState(f.section)
		assert.False(t, found)
		_, found = f.section.Int(ClusterIdKey)
		assert.False(t, found)

		f.reported(0, zcl.AttributeDataTypeValue{DataType: zcl.TypeSignedInt16, Value: int64(1)})
		assert.Empty(t, got)

		assert.Equal(t, Removed, f.recorder.statuses()[len(f.recorder.statuses())-1])
	})

	t.Run("stops the watchdog of an active subscription", func(t *testing.T) {
		f := newFixture(t, Options{})
		defer f.endpoint.AssertExpectations(t)
		f.expectConfigure(nil).Once()

		require.NoError(t, f.sub.Start(context.Background()))
		assert.Equal(t, 1, f.sub.PendingTimers())

		f.sub.Remove(context.Background())

		assert.Zero(t, f.sub.PendingTimers())
		assert.Empty(t, f.scheduler.Pending())
	})

	t.Run("a removed subscription can not be started or refreshed", func(t *testing.T) {
		f := newFixture(t, Options{})

		f.sub.Remove(context.Background())
		f.sub.Remove(context.Background())

		assert.ErrorIs(t, f.sub.Start(context.Background()), ErrSubscriptionRemoved)
		assert.ErrorIs(t, f.sub.Refresh(context.Background()), ErrSubscriptionRemoved)
		assert.Equal(t, []Status{Removed}, f.recorder.statuses())
	})

	t.Run("a retry firing after removal does nothing", func(t *testing.T) {
		f := newFixture(t, Options{})
		defer f.endpoint.AssertExpectations(t)
		f.expectConfigure(errors.New("timeout")).Once()

		_ = f.sub.Start(context.Background())
		f.sub.Remove(context.Background())

		f.sub.retry()

		assert.Equal(t, Removed, f.sub.Status())
		f.endpoint.AssertNumberOfCalls(t, "ConfigureReporting", 1)
	})
}

func TestKey_String(t *testing.T) {
	assert.Equal(t, "1/0x0402/0x0000", Key{ClusterID: zigbee.ClusterID(0x0402), AttributeID: 0, EndpointIndex: 1}.String())
}
