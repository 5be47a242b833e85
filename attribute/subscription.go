package attribute

import (
	"context"
	"errors"
	"fmt"
	"github.com/shimmeringbee/logwrap"
	"github.com/shimmeringbee/persistence"
	"github.com/shimmeringbee/zcl"
	"github.com/shimmeringbee/zigbee"
	"math"
	"sync"
	"time"
)

type Status string

const (
	Pending Status = "pending"
	Active  Status = "active"
	Failed  Status = "failed"
	Removed Status = "removed"
)

var (
	ErrSubscriptionRemoved = errors.New("subscription removed")
	ErrReportLoss          = errors.New("no report received within loss window")
)

// Key identifies a subscription within a device, capabilities referencing the same key share
// one subscription.
type Key struct {
	ClusterID     zigbee.ClusterID
	AttributeID   zcl.AttributeID
	EndpointIndex int
}

func (k Key) String() string {
	return fmt.Sprintf("%d/0x%04x/0x%04x", k.EndpointIndex, uint16(k.ClusterID), uint16(k.AttributeID))
}

type ReportingConfig struct {
	DataType         zcl.AttributeDataType
	MinimumInterval  time.Duration
	MaximumInterval  time.Duration
	ReportableChange any
}

type StatusChange struct {
	Key         Key
	Status      Status
	RetryCount  int
	NextRetryAt time.Time
	Degraded    bool
	Err         error
}

type StatusObserver func(StatusChange)

const (
	DefaultAttemptTimeout       = 10 * time.Second
	DefaultReportLossMultiplier = 3
	DefaultDegradedAfter        = 5
)

type Options struct {
	Logger         logwrap.Logger
	Scheduler      Scheduler
	Backoff        Backoff
	AttemptTimeout time.Duration
	// ReportLossMultiplier times the maximum reporting interval without a report marks the
	// subscription failed and reconfigures it.
	ReportLossMultiplier int
	// DegradedAfter consecutive failed reconfigurations following report loss mark the
	// subscription degraded, retries continue.
	DegradedAfter int
	Observer      StatusObserver
}

func (o Options) withDefaults() Options {
	if o.Scheduler == nil {
		o.Scheduler = RealScheduler()
	}

	if o.Backoff.Base <= 0 {
		o.Backoff = DefaultBackoff
	}

	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = DefaultAttemptTimeout
	}

	if o.ReportLossMultiplier <= 0 {
		o.ReportLossMultiplier = DefaultReportLossMultiplier
	}

	if o.DegradedAfter <= 0 {
		o.DegradedAfter = DefaultDegradedAfter
	}

	return o
}

const StatusKey = "Status"
const RetryCountKey = "RetryCount"
const NextRetryAtKey = "NextRetryAt"
const DegradedKey = "Degraded"

const EndpointIndexKey = "EndpointIndex"
const ClusterIdKey = "ClusterID"
const AttributeIdKey = "AttributeID"
const AttributeDataTypeKey = "AttributeDataType"
const MinimumIntervalKey = "MinimumInterval"
const MaximumIntervalKey = "MaximumInterval"

var persistedKeys = []string{StatusKey, RetryCountKey, NextRetryAtKey, DegradedKey, EndpointIndexKey, ClusterIdKey, AttributeIdKey, AttributeDataTypeKey, MinimumIntervalKey, MaximumIntervalKey}

type listener struct {
	id int
	cb ValueCallback
}

// Subscription configures attribute reporting on a device and keeps it configured. Failed
// attempts are retried with backoff on independent timers until the subscription is removed.
type Subscription struct {
	key      Key
	config   ReportingConfig
	endpoint Endpoint
	section  persistence.Section
	opts     Options
	logger   logwrap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	lock        sync.Mutex
	status      Status
	retryCount  int
	nextRetryAt time.Time
	recovering  bool
	degraded    bool
	retryTimer  Timer
	watchdog    Timer
	watchdogGen uint64

	listeners      []listener
	nextListenerId int
	unsubscribe    func()
}

func NewSubscription(k Key, rc ReportingConfig, e Endpoint, s persistence.Section, o Options) *Subscription {
	o = o.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	l := o.Logger
	l.AddOptionsToLogger(logwrap.Datum("Subscription", k.String()))

	s.Set(EndpointIndexKey, k.EndpointIndex)
	s.Set(ClusterIdKey, int(k.ClusterID))
	s.Set(AttributeIdKey, int(k.AttributeID))
	s.Set(AttributeDataTypeKey, int(rc.DataType))
	persistence.StoreComplex(s, MinimumIntervalKey, rc.MinimumInterval, DurationEncoder)
	persistence.StoreComplex(s, MaximumIntervalKey, rc.MaximumInterval, DurationEncoder)

	return &Subscription{
		key:      k,
		config:   rc,
		endpoint: e,
		section:  s,
		opts:     o,
		logger:   l,
		ctx:      ctx,
		cancel:   cancel,
		status:   Pending,
	}
}

// Start subscribes to reports and makes the first configuration attempt. A failed attempt
// leaves a retry scheduled and its error is returned.
func (s *Subscription) Start(ctx context.Context) error {
	s.lock.Lock()
	if s.status == Removed {
		s.lock.Unlock()
		return ErrSubscriptionRemoved
	}

	if s.unsubscribe == nil {
		s.unsubscribe = s.endpoint.Subscribe(s.key.ClusterID, s.key.AttributeID, s.received)
	}
	s.lock.Unlock()

	return s.attempt(ctx)
}

func (s *Subscription) attempt(pctx context.Context) error {
	s.lock.Lock()
	if s.status == Removed {
		s.lock.Unlock()
		return ErrSubscriptionRemoved
	}

	s.retryTimer = nil
	change := s.transition(Pending, nil)
	s.lock.Unlock()
	s.notify(change)

	ctx, cancel := context.WithTimeout(pctx, s.opts.AttemptTimeout)
	stop := context.AfterFunc(s.ctx, cancel)

	s.logger.LogDebug(ctx, "Configuring attribute reporting.", logwrap.Datum("MinimumInterval", s.config.MinimumInterval.String()), logwrap.Datum("MaximumInterval", s.config.MaximumInterval.String()))
	err := s.endpoint.ConfigureReporting(ctx, s.key.ClusterID, s.key.AttributeID, s.config.DataType, seconds(s.config.MinimumInterval), seconds(s.config.MaximumInterval), s.config.ReportableChange)

	stop()
	cancel()

	s.lock.Lock()
	if s.status == Removed {
		s.lock.Unlock()
		return ErrSubscriptionRemoved
	}

	if err != nil {
		s.retryCount++
		delay := s.opts.Backoff.Delay(s.retryCount)
		s.nextRetryAt = s.opts.Scheduler.Now().Add(delay)
		s.retryTimer = s.opts.Scheduler.AfterFunc(delay, s.retry)

		if s.recovering && s.retryCount >= s.opts.DegradedAfter {
			s.degraded = true
		}

		s.logger.LogWarn(pctx, "Configure reporting failed, retry scheduled.", logwrap.Err(err), logwrap.Datum("RetryCount", s.retryCount), logwrap.Datum("Delay", delay.String()), logwrap.Datum("Degraded", s.degraded))
		change = s.transition(Failed, err)
	} else {
		s.retryCount = 0
		s.nextRetryAt = time.Time{}
		s.recovering = false
		s.degraded = false
		s.armWatchdog()

		s.logger.LogInfo(pctx, "Reporting configured successfully.")
		change = s.transition(Active, nil)
	}
	s.lock.Unlock()

	s.notify(change)
	return err
}

func (s *Subscription) retry() {
	_ = s.attempt(s.ctx)
}

// armWatchdog must be called with the lock held.
func (s *Subscription) armWatchdog() {
	if s.watchdog != nil {
		s.watchdog.Stop()
		s.watchdog = nil
	}

	s.watchdogGen++

	if s.config.MaximumInterval <= 0 {
		return
	}

	gen := s.watchdogGen
	window := time.Duration(s.opts.ReportLossMultiplier) * s.config.MaximumInterval
	s.watchdog = s.opts.Scheduler.AfterFunc(window, func() { s.reportLost(gen) })
}

func (s *Subscription) reportLost(gen uint64) {
	s.lock.Lock()
	if s.status != Active || gen != s.watchdogGen {
		s.lock.Unlock()
		return
	}

	s.watchdog = nil
	s.recovering = true

	s.logger.LogWarn(s.ctx, "Report loss detected, reconfiguring.", logwrap.Datum("Window", (time.Duration(s.opts.ReportLossMultiplier) * s.config.MaximumInterval).String()))
	change := s.transition(Failed, ErrReportLoss)
	s.lock.Unlock()

	s.notify(change)
	_ = s.attempt(s.ctx)
}

func (s *Subscription) received(a zcl.AttributeID, v zcl.AttributeDataTypeValue) {
	s.lock.Lock()
	if s.status == Removed {
		s.lock.Unlock()
		return
	}

	if s.status == Active {
		s.armWatchdog()
	}

	listeners := make([]listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.lock.Unlock()

	for _, l := range listeners {
		l.cb(a, v)
	}
}

// AddListener registers a callback for every value of the attribute, the returned function
// removes it again.
func (s *Subscription) AddListener(cb ValueCallback) func() {
	s.lock.Lock()
	defer s.lock.Unlock()

	id := s.nextListenerId
	s.nextListenerId++
	s.listeners = append(s.listeners, listener{id: id, cb: cb})

	return func() {
		s.lock.Lock()
		defer s.lock.Unlock()

		for n, l := range s.listeners {
			if l.id == id {
				s.listeners = append(s.listeners[:n], s.listeners[n+1:]...)
				return
			}
		}
	}
}

// Refresh reads the attribute and delivers the value to listeners as if it were reported.
func (s *Subscription) Refresh(pctx context.Context) error {
	if s.Status() == Removed {
		return ErrSubscriptionRemoved
	}

	ctx, cancel := context.WithTimeout(pctx, s.opts.AttemptTimeout)
	defer cancel()

	values, err := s.endpoint.ReadAttributes(ctx, s.key.ClusterID, []zcl.AttributeID{s.key.AttributeID})
	if err != nil {
		return fmt.Errorf("failed to read attribute %s: %w", s.key, err)
	}

	if v, found := values[s.key.AttributeID]; found {
		s.received(s.key.AttributeID, v)
	}

	return nil
}

// Remove is synchronous: once it returns no timer of this subscription remains, no listener
// is called and the persisted state is deleted.
func (s *Subscription) Remove(ctx context.Context) {
	s.lock.Lock()
	if s.status == Removed {
		s.lock.Unlock()
		return
	}

	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}

	if s.watchdog != nil {
		s.watchdog.Stop()
		s.watchdog = nil
	}

	s.watchdogGen++
	s.cancel()

	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.listeners = nil

	s.status = Removed
	s.nextRetryAt = time.Time{}

	for _, k := range persistedKeys {
		s.section.Delete(k)
	}

	change := StatusChange{Key: s.key, Status: Removed, RetryCount: s.retryCount}
	s.lock.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}

	s.logger.LogInfo(ctx, "Reporting subscription removed.")
	s.notify(change)
}

// transition must be called with the lock held.
func (s *Subscription) transition(to Status, err error) StatusChange {
	s.status = to

	s.section.Set(StatusKey, string(to))
	s.section.Set(RetryCountKey, s.retryCount)
	s.section.Set(DegradedKey, s.degraded)

	if s.nextRetryAt.IsZero() {
		s.section.Delete(NextRetryAtKey)
	} else {
		persistence.StoreComplex(s.section, NextRetryAtKey, s.nextRetryAt, TimeEncoder)
	}

	return StatusChange{Key: s.key, Status: to, RetryCount: s.retryCount, NextRetryAt: s.nextRetryAt, Degraded: s.degraded, Err: err}
}

func (s *Subscription) notify(c StatusChange) {
	if s.opts.Observer != nil {
		s.opts.Observer(c)
	}
}

func (s *Subscription) Key() Key {
	return s.key
}

func (s *Subscription) Config() ReportingConfig {
	return s.config
}

func (s *Subscription) Status() Status {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.status
}

func (s *Subscription) RetryCount() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.retryCount
}

func (s *Subscription) NextRetryAt() time.Time {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.nextRetryAt
}

func (s *Subscription) Degraded() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.degraded
}

// PendingTimers counts the retry and watchdog timers currently armed.
func (s *Subscription) PendingTimers() int {
	s.lock.Lock()
	defer s.lock.Unlock()

	n := 0
	if s.retryTimer != nil {
		n++
	}
	if s.watchdog != nil {
		n++
	}
	return n
}

// State is the persisted view of a subscription, read by diagnostics.
type State struct {
	Status      Status
	RetryCount  int
	NextRetryAt time.Time
	Degraded    bool
}

func ReadState(s persistence.Section) (State, bool) {
	status, found := s.String(StatusKey)
	if !found {
		return State{}, false
	}

	retryCount, _ := s.Int(RetryCountKey)
	degraded, _ := s.Bool(DegradedKey)
	nextRetryAt, _ := persistence.RetrieveComplex(s, NextRetryAtKey, TimeDecoder)

	return State{Status: Status(status), RetryCount: retryCount, NextRetryAt: nextRetryAt, Degraded: degraded}, true
}

func seconds(d time.Duration) uint16 {
	s := math.Round(d.Seconds())

	if s < 0 {
		return 0
	} else if s > math.MaxUint16 {
		return math.MaxUint16
	}

	return uint16(s)
}
