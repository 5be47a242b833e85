package attribute

import (
	"context"
	"github.com/shimmeringbee/zcl"
	"github.com/shimmeringbee/zigbee"
	"github.com/stretchr/testify/mock"
	"sort"
	"sync"
	"time"
)

type MockEndpoint struct {
	mock.Mock
}

func (m *MockEndpoint) ConfigureReporting(ctx context.Context, c zigbee.ClusterID, a zcl.AttributeID, dt zcl.AttributeDataType, minimumInterval uint16, maximumInterval uint16, reportableChange any) error {
	return m.Called(ctx, c, a, dt, minimumInterval, maximumInterval, reportableChange).Error(0)
}

func (m *MockEndpoint) ReadAttributes(ctx context.Context, c zigbee.ClusterID, a []zcl.AttributeID) (map[zcl.AttributeID]zcl.AttributeDataTypeValue, error) {
	args := m.Called(ctx, c, a)
	return args.Get(0).(map[zcl.AttributeID]zcl.AttributeDataTypeValue), args.Error(1)
}

func (m *MockEndpoint) WriteAttributes(ctx context.Context, c zigbee.ClusterID, values map[zcl.AttributeID]zcl.AttributeDataTypeValue) error {
	return m.Called(ctx, c, values).Error(0)
}

func (m *MockEndpoint) Subscribe(c zigbee.ClusterID, a zcl.AttributeID, cb ValueCallback) func() {
	args := m.Called(c, a, cb)
	return args.Get(0).(func())
}

var _ Endpoint = (*MockEndpoint)(nil)

// ManualScheduler only fires timers when told to, time moves with the timers fired.
type ManualScheduler struct {
	lock   sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	s       *ManualScheduler
	at      time.Time
	delay   time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	t.s.lock.Lock()
	defer t.s.lock.Unlock()

	wasPending := !t.stopped && !t.fired
	t.stopped = true
	return wasPending
}

func NewManualScheduler(now time.Time) *ManualScheduler {
	return &ManualScheduler{now: now}
}

func (m *ManualScheduler) AfterFunc(d time.Duration, f func()) Timer {
	m.lock.Lock()
	defer m.lock.Unlock()

	t := &manualTimer{s: m, at: m.now.Add(d), delay: d, f: f}
	m.timers = append(m.timers, t)
	return t
}

func (m *ManualScheduler) Now() time.Time {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.now
}

func (m *ManualScheduler) pending() []*manualTimer {
	var p []*manualTimer
	for _, t := range m.timers {
		if !t.stopped && !t.fired {
			p = append(p, t)
		}
	}

	sort.SliceStable(p, func(i, j int) bool {
		return p[i].at.Before(p[j].at)
	})

	return p
}

// Pending returns the delays of armed timers, earliest deadline first.
func (m *ManualScheduler) Pending() []time.Duration {
	m.lock.Lock()
	defer m.lock.Unlock()

	var ds []time.Duration
	for _, t := range m.pending() {
		ds = append(ds, t.delay)
	}
	return ds
}

// FireNext moves time to the earliest armed timer and runs it on the calling goroutine,
// returning the delay it was armed with.
func (m *ManualScheduler) FireNext() (time.Duration, bool) {
	m.lock.Lock()
	p := m.pending()
	if len(p) == 0 {
		m.lock.Unlock()
		return 0, false
	}

	t := p[0]
	t.fired = true
	if t.at.After(m.now) {
		m.now = t.at
	}
	m.lock.Unlock()

	t.f()
	return t.delay, true
}

// Advance moves time forward, firing every timer that falls due in deadline order.
func (m *ManualScheduler) Advance(d time.Duration) {
	m.lock.Lock()
	until := m.now.Add(d)
	m.lock.Unlock()

	for {
		m.lock.Lock()
		p := m.pending()
		if len(p) == 0 || p[0].at.After(until) {
			m.now = until
			m.lock.Unlock()
			return
		}

		t := p[0]
		t.fired = true
		m.now = t.at
		m.lock.Unlock()

		t.f()
	}
}

var _ Scheduler = (*ManualScheduler)(nil)
