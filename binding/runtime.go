package binding

import (
	"context"
	"fmt"
	"github.com/dlnraja/com.tuya.zigbee-sub048/attribute"
	"github.com/dlnraja/com.tuya.zigbee-sub048/manifest"
	"github.com/dlnraja/com.tuya.zigbee-sub048/transform"
	"github.com/shimmeringbee/da"
	"github.com/shimmeringbee/logwrap"
	"github.com/shimmeringbee/persistence"
	"github.com/shimmeringbee/zcl"
	"golang.org/x/sync/errgroup"
	"sort"
	"sync"
	"time"
)

const DescriptorKey = "Descriptor"

// Diagnostics receives every status change of the subscriptions a device holds.
type Diagnostics interface {
	SubscriptionChanged(device da.Identifier, descriptorID string, capabilities []string, c attribute.StatusChange)
}

type Config struct {
	Logger       logwrap.Logger
	Section      persistence.Section
	Events       EventSender
	Diagnostics  Diagnostics
	Subscription attribute.Options
}

// Runtime binds resolved descriptors to devices, turning capability bindings into reporting
// subscriptions and attribute values into capability events.
type Runtime struct {
	logger      logwrap.Logger
	section     persistence.Section
	events      EventSender
	diagnostics Diagnostics
	options     attribute.Options

	lock    sync.Mutex
	devices map[string]*BoundDevice
}

func New(c Config) *Runtime {
	opts := c.Subscription
	opts.Logger = c.Logger

	if opts.Scheduler == nil {
		opts.Scheduler = attribute.RealScheduler()
	}

	return &Runtime{
		logger:      c.Logger,
		section:     c.Section,
		events:      c.Events,
		diagnostics: c.Diagnostics,
		options:     opts,
		devices:     make(map[string]*BoundDevice),
	}
}

func (r *Runtime) deviceSection(id da.Identifier) persistence.Section {
	return r.section.Section("Device", id.String())
}

// Bind subscribes every capability of the descriptor on the device. Capabilities which cannot be
// bound are reported in a PartialFailureError, the device is bound with the others regardless.
func (r *Runtime) Bind(pctx context.Context, id da.Identifier, d *manifest.DriverDescriptor, endpoints []attribute.Endpoint) (*BoundDevice, error) {
	ctx, end := r.logger.Segment(pctx, "Binding device.", logwrap.Datum("Device", id.String()), logwrap.Datum("Descriptor", d.ID))
	defer end()

	r.lock.Lock()
	if _, found := r.devices[id.String()]; found {
		r.lock.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDeviceAlreadyBound, id)
	}

	bd := &BoundDevice{
		Identifier:  id,
		Descriptor:  d,
		section:     r.deviceSection(id),
		unavailable: make(map[string]error),
	}
	r.devices[id.String()] = bd
	r.lock.Unlock()

	bd.section.Set(DescriptorKey, d.ID)

	var failures []CapabilityError
	groups := make(map[attribute.Key]*group)

	for _, c := range d.Capabilities {
		b, _ := d.Binding(c)

		o, dt, err := r.newOutput(bd, c, b)
		if err == nil && (b.EndpointIndex < 0 || b.EndpointIndex >= len(endpoints) || endpoints[b.EndpointIndex] == nil) {
			err = fmt.Errorf("%w: %d", ErrEndpointMissing, b.EndpointIndex)
		}

		if err != nil {
			failures = append(failures, CapabilityError{Capability: c, Err: err})
			continue
		}

		k := attribute.Key{ClusterID: b.ClusterID(), AttributeID: b.AttributeID(), EndpointIndex: b.EndpointIndex}

		g, found := groups[k]
		if !found {
			g = &group{key: k, endpoint: endpoints[b.EndpointIndex], dataType: dt}
			groups[k] = g
			bd.groups = append(bd.groups, g)
		} else if g.dataType != dt {
			r.logger.LogWarn(ctx, "Capability declares a different data type to others sharing its attribute, using the first.", logwrap.Datum("Capability", c), logwrap.Datum("Subscription", k.String()))
		}

		g.add(o, b)
		bd.outputs = append(bd.outputs, o)
	}

	for _, g := range bd.groups {
		opts := r.options
		opts.Observer = r.observer(bd, g)

		g.subscription = attribute.NewSubscription(g.key, g.reportingConfig(), g.endpoint, bd.section.Section("Subscription", g.key.String()), opts)

		for _, o := range g.outputs {
			g.subscription.AddListener(func(_ zcl.AttributeID, v zcl.AttributeDataTypeValue) {
				r.deliver(bd, o, v.Value)
			})
		}
	}

	var eg errgroup.Group
	var failureLock sync.Mutex

	for _, g := range bd.groups {
		eg.Go(func() error {
			if err := g.subscription.Start(ctx); err != nil {
				failureLock.Lock()
				for _, c := range g.capabilities() {
					failures = append(failures, CapabilityError{Capability: c, Err: fmt.Errorf("failed to configure reporting: %w", err)})
				}
				failureLock.Unlock()
			}
			return nil
		})
	}

	_ = eg.Wait()

	if len(failures) == 0 {
		r.logger.LogInfo(ctx, "Device bound.", logwrap.Datum("Subscriptions", len(bd.groups)))
		return bd, nil
	}

	sortFailures(d, failures)

	for _, f := range failures {
		r.logger.LogWarn(ctx, "Capability failed to bind.", logwrap.Datum("Capability", f.Capability), logwrap.Err(f.Err))
		bd.markUnavailable(f.Capability, f.Err)
		r.send(AvailabilityEvent{Device: id, Descriptor: d.ID, Capability: f.Capability, State: Unavailable, Err: f.Err, Timestamp: r.now()})
	}

	return bd, &PartialFailureError{DescriptorID: d.ID, Failures: failures}
}

func sortFailures(d *manifest.DriverDescriptor, failures []CapabilityError) {
	order := make(map[string]int, len(d.Capabilities))
	for n, c := range d.Capabilities {
		order[c] = n
	}

	sort.SliceStable(failures, func(i, j int) bool {
		return order[failures[i].Capability] < order[failures[j].Capability]
	})
}

func (r *Runtime) newOutput(bd *BoundDevice, capability string, b manifest.BindingSpec) (*output, zcl.AttributeDataType, error) {
	dt, found := dataType(b)
	if !found {
		return nil, 0, fmt.Errorf("%w: cluster 0x%04x attribute 0x%04x", ErrDataTypeUnknown, uint16(b.ClusterID()), uint16(b.AttributeID()))
	}

	chain, err := transform.Compile(b.ValueTransform)
	if err != nil {
		return nil, 0, err
	}

	flag, _ := Flag(capability)

	return &output{
		capability: capability,
		flag:       flag,
		chain:      chain,
		minChange:  b.ReportingPolicy.MinChange,
		battery:    isBatteryCapability(capability) || chain.Battery(),
		section:    bd.section.Section("Capability", capability),
	}, dt, nil
}

func (r *Runtime) observer(bd *BoundDevice, g *group) attribute.StatusObserver {
	return func(c attribute.StatusChange) {
		if r.diagnostics != nil {
			r.diagnostics.SubscriptionChanged(bd.Identifier, bd.Descriptor.ID, g.capabilities(), c)
		}

		if c.Status == attribute.Active {
			for _, capability := range bd.clearUnavailable(g.capabilities()) {
				r.send(AvailabilityEvent{Device: bd.Identifier, Descriptor: bd.Descriptor.ID, Capability: capability, State: Restored, Timestamp: r.now()})
			}
		}

		wasDegraded := g.degraded.Swap(c.Degraded)

		var state Availability
		switch {
		case c.Degraded && !wasDegraded:
			state = Degraded
		case wasDegraded && !c.Degraded && c.Status == attribute.Active:
			state = Restored
		default:
			return
		}

		for _, capability := range g.capabilities() {
			r.send(AvailabilityEvent{Device: bd.Identifier, Descriptor: bd.Descriptor.ID, Capability: capability, State: state, Err: c.Err, Timestamp: r.now()})
		}
	}
}

func (r *Runtime) deliver(bd *BoundDevice, o *output, raw any) {
	v, emit, diag := o.accept(raw)
	now := r.now()

	if diag != nil {
		r.logger.LogWarn(context.Background(), "Value transform reported a diagnostic.", logwrap.Datum("Device", bd.Identifier.String()), logwrap.Datum("Capability", o.capability), logwrap.Err(diag))
	}

	persistence.StoreComplex(o.section, LastUpdatedKey, now, attribute.TimeEncoder)

	if !emit {
		return
	}

	persistence.StoreComplex(o.section, LastChangedKey, now, attribute.TimeEncoder)

	r.send(ValueEvent{
		Device:     bd.Identifier,
		Descriptor: bd.Descriptor.ID,
		Capability: o.capability,
		Flag:       o.flag,
		Value:      v,
		Timestamp:  now,
	})
}

func (r *Runtime) send(e any) {
	if r.events != nil {
		r.events.Send(e)
	}
}

func (r *Runtime) now() time.Time {
	return r.options.Scheduler.Now()
}

// Unbind removes every subscription of the device and deletes its persisted state. When it
// returns no timer or listener of the device remains.
func (r *Runtime) Unbind(pctx context.Context, id da.Identifier) error {
	r.lock.Lock()
	bd, found := r.devices[id.String()]
	delete(r.devices, id.String())
	r.lock.Unlock()

	if !found {
		return fmt.Errorf("%w: %s", ErrDeviceNotBound, id)
	}

	ctx, end := r.logger.Segment(pctx, "Unbinding device.", logwrap.Datum("Device", id.String()), logwrap.Datum("Descriptor", bd.Descriptor.ID))
	defer end()

	for _, g := range bd.groups {
		g.subscription.Remove(ctx)
	}

	r.section.Section("Device").Delete(id.String())
	return nil
}

// Refresh reads every bound attribute of the device, delivering values as if reported.
func (r *Runtime) Refresh(ctx context.Context, id da.Identifier) error {
	bd, found := r.Device(id)
	if !found {
		return fmt.Errorf("%w: %s", ErrDeviceNotBound, id)
	}

	eg, ctx := errgroup.WithContext(ctx)

	for _, g := range bd.groups {
		eg.Go(func() error {
			return g.subscription.Refresh(ctx)
		})
	}

	return eg.Wait()
}

func (r *Runtime) Device(id da.Identifier) (*BoundDevice, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()

	bd, found := r.devices[id.String()]
	return bd, found
}

// Devices returns the identifiers of bound devices, sorted.
func (r *Runtime) Devices() []da.Identifier {
	r.lock.Lock()
	defer r.lock.Unlock()

	ids := make([]da.Identifier, 0, len(r.devices))
	for _, bd := range r.devices {
		ids = append(ids, bd.Identifier)
	}

	sort.Slice(ids, func(i, j int) bool {
		return ids[i].String() < ids[j].String()
	})

	return ids
}

type BoundDevice struct {
	Identifier da.Identifier
	Descriptor *manifest.DriverDescriptor

	section persistence.Section
	groups  []*group
	outputs []*output

	lock        sync.Mutex
	unavailable map[string]error
}

func (bd *BoundDevice) markUnavailable(capability string, err error) {
	bd.lock.Lock()
	defer bd.lock.Unlock()
	bd.unavailable[capability] = err
}

// clearUnavailable marks capabilities available again, returning those which were not.
func (bd *BoundDevice) clearUnavailable(capabilities []string) []string {
	bd.lock.Lock()
	defer bd.lock.Unlock()

	var cleared []string
	for _, c := range capabilities {
		if _, found := bd.unavailable[c]; found {
			delete(bd.unavailable, c)
			cleared = append(cleared, c)
		}
	}
	return cleared
}

// Capabilities lists the capabilities bound and available, in declaration order.
func (bd *BoundDevice) Capabilities() []string {
	bd.lock.Lock()
	defer bd.lock.Unlock()

	var caps []string
	for _, c := range bd.Descriptor.Capabilities {
		if _, failed := bd.unavailable[c]; !failed {
			caps = append(caps, c)
		}
	}
	return caps
}

func (bd *BoundDevice) Unavailable() map[string]error {
	bd.lock.Lock()
	defer bd.lock.Unlock()

	u := make(map[string]error, len(bd.unavailable))
	for c, err := range bd.unavailable {
		u[c] = err
	}
	return u
}

func (bd *BoundDevice) Subscriptions() []*attribute.Subscription {
	subs := make([]*attribute.Subscription, 0, len(bd.groups))
	for _, g := range bd.groups {
		subs = append(subs, g.subscription)
	}
	return subs
}

// Subscription returns the subscription feeding a capability, capabilities sharing an attribute
// share the subscription.
func (bd *BoundDevice) Subscription(capability string) (*attribute.Subscription, bool) {
	for _, g := range bd.groups {
		for _, o := range g.outputs {
			if o.capability == capability {
				return g.subscription, true
			}
		}
	}

	return nil, false
}

// ActiveSubscriptions counts subscriptions which are not removed.
func (bd *BoundDevice) ActiveSubscriptions() int {
	n := 0
	for _, g := range bd.groups {
		if g.subscription.Status() != attribute.Removed {
			n++
		}
	}
	return n
}

func (bd *BoundDevice) PendingTimers() int {
	n := 0
	for _, g := range bd.groups {
		n += g.subscription.PendingTimers()
	}
	return n
}

// LastUpdated returns when a value for the capability was last received.
func (bd *BoundDevice) LastUpdated(capability string) (time.Time, bool) {
	t, _ := persistence.RetrieveComplex(bd.section.Section("Capability", capability), LastUpdatedKey, attribute.TimeDecoder)
	return t, !t.IsZero()
}
