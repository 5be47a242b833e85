package hub

import (
	"context"
	"errors"
	"fmt"
	"github.com/dlnraja/com.tuya.zigbee-sub048/attribute"
	"github.com/dlnraja/com.tuya.zigbee-sub048/binding"
	"github.com/dlnraja/com.tuya.zigbee-sub048/config"
	"github.com/dlnraja/com.tuya.zigbee-sub048/diagnostics"
	"github.com/dlnraja/com.tuya.zigbee-sub048/fingerprint"
	"github.com/dlnraja/com.tuya.zigbee-sub048/manifest"
	"github.com/dlnraja/com.tuya.zigbee-sub048/pairing"
	"github.com/dlnraja/com.tuya.zigbee-sub048/resolution"
	"github.com/dlnraja/com.tuya.zigbee-sub048/sink/influx"
	"github.com/dlnraja/com.tuya.zigbee-sub048/sink/mqtt"
	"github.com/shimmeringbee/callbacks"
	"github.com/shimmeringbee/logwrap"
	"github.com/shimmeringbee/logwrap/impl/discard"
	"github.com/shimmeringbee/persistence"
	"github.com/shimmeringbee/persistence/impl/memory"
	"github.com/shimmeringbee/zigbee"
	"io/fs"
	"sync"
)

var ErrNotStarted = errors.New("hub not started")

// Hub pairs Zigbee nodes against the loaded driver descriptors and keeps their capabilities
// bound, publishing capability events to ReadEvent and the configured sinks.
type Hub struct {
	config       *config.Config
	zclCallbacks CommunicatorCallbacks
	communicator GlobalCommunicator
	nodeBinder   zigbee.NodeBinder
	section      persistence.Section
	logger       logwrap.Logger

	operator  pairing.Operator
	manifests fs.FS
	decisions pairing.DecisionStore
	recorders []diagnostics.Recorder
	scheduler attribute.Scheduler
	sinks     []binding.EventSender

	callbacks callbacks.AdderCaller
	events    chan any
	closers   []func() error

	index       *fingerprint.Index
	report      fingerprint.Report
	resolver    *resolution.Service
	coordinator *pairing.Coordinator
	diagnostics *diagnostics.Diagnostics
	runtime     *binding.Runtime

	nodeLock *sync.RWMutex
	node     map[zigbee.IEEEAddress]*node
}

// New constructs a hub, a nil config uses defaults and a nil section keeps state in memory only.
// With a communicator.Communicator, pass it as cb and its Global() as g.
func New(cfg *config.Config, cb CommunicatorCallbacks, g GlobalCommunicator, nb zigbee.NodeBinder, s persistence.Section) *Hub {
	if cfg == nil {
		cfg = config.Default()
	}

	if s == nil {
		s = memory.New()
	}

	h := &Hub{
		config:       cfg,
		zclCallbacks: cb,
		communicator: g,
		nodeBinder:   nb,
		section:      s,
		logger:       logwrap.New(discard.Discard()),

		callbacks: callbacks.Create(),
		events:    make(chan any, DefaultEventBufferSize),

		nodeLock: &sync.RWMutex{},
		node:     make(map[zigbee.IEEEAddress]*node),
	}

	h.callbacks.Add(h.deviceBoundCallback)
	h.callbacks.Add(h.deviceRemovedCallback)

	return h
}

// Start builds the fingerprint index, any descriptor failing to index aborts startup. Nodes
// paired before a restart are bound again.
func (h *Hub) Start(pctx context.Context) error {
	ctx, end := h.logger.Segment(pctx, "Starting hub.")
	defer end()

	descriptors, err := h.loadManifests()
	if err != nil {
		h.logger.LogError(ctx, "Failed to load manifests.", logwrap.Err(err))
		return err
	}

	idx, report, err := fingerprint.BuildResolved(ctx, h.logger, descriptors, h.config.Manifests.SharedKeys)
	if err != nil {
		h.logger.LogError(ctx, "Failed to build fingerprint index.", logwrap.Err(err))
		return fmt.Errorf("building fingerprint index: %w", err)
	}

	h.index = idx
	h.report = report
	h.resolver = resolution.NewService(idx)

	h.logger.LogInfo(ctx, "Fingerprint index built.", logwrap.Datum("Descriptors", idx.DescriptorCount()), logwrap.Datum("Buckets", idx.BucketCount()), logwrap.Datum("Conflicts", len(report.Conflicts)))

	if err := h.startDiagnostics(); err != nil {
		_ = h.close()
		return err
	}

	h.diagnostics.Report(ctx, report)

	if err := h.startPairing(); err != nil {
		_ = h.close()
		return err
	}

	if err := h.startSinks(ctx); err != nil {
		_ = h.close()
		return err
	}

	opts := h.config.Binding.SubscriptionOptions()
	opts.Scheduler = h.scheduler

	h.runtime = binding.New(binding.Config{
		Logger:       h.logger,
		Section:      h.section,
		Events:       &eventSenderShim{hub: h},
		Diagnostics:  h.diagnostics,
		Subscription: opts,
	})

	h.loadNodes(ctx)
	return nil
}

func (h *Hub) loadManifests() ([]*manifest.DriverDescriptor, error) {
	var store *manifest.Store
	var err error

	if h.manifests != nil {
		store, err = manifest.Load(h.manifests)
	} else {
		store, err = manifest.LoadDir(h.config.Manifests.Dir)
	}

	if err != nil {
		return nil, fmt.Errorf("loading manifests: %w", err)
	}

	return store.Descriptors(), nil
}

func (h *Hub) startDiagnostics() error {
	recorders := append([]diagnostics.Recorder{diagnostics.NewLogRecorder(h.logger)}, h.recorders...)

	if path := h.config.Diagnostics.Path; path != "" {
		fr, err := diagnostics.NewFileRecorder(path)
		if err != nil {
			return err
		}

		recorders = append(recorders, fr.WithLogger(h.logger))
		h.closers = append(h.closers, fr.Close)
	}

	h.diagnostics = diagnostics.New(diagnostics.Multi(recorders...))
	return nil
}

func (h *Hub) startPairing() error {
	if h.decisions == nil {
		if path := h.config.Pairing.DecisionsPath; path != "" {
			store, err := pairing.OpenBoltDecisionStore(path)
			if err != nil {
				return err
			}

			h.decisions = store
			h.closers = append(h.closers, store.Close)
		} else {
			h.decisions = pairing.NewMemoryDecisionStore()
		}
	}

	h.coordinator = pairing.NewCoordinator(pairing.Config{
		Logger:       h.logger,
		Operator:     h.operator,
		Decisions:    h.decisions,
		ConfirmBelow: h.config.Pairing.ConfirmBelow,
		MaxSessions:  h.config.Pairing.MaxSessions,
	})

	return nil
}

func (h *Hub) startSinks(ctx context.Context) error {
	if c := h.config.MQTT; c.Enabled {
		s, err := mqtt.Connect(mqtt.Config{
			Broker:      c.Broker,
			ClientID:    c.ClientID,
			Username:    c.Username,
			Password:    c.Password,
			TopicPrefix: c.TopicPrefix,
		}, h.logger)
		if err != nil {
			return fmt.Errorf("starting mqtt sink: %w", err)
		}

		h.logger.LogInfo(ctx, "MQTT sink connected.", logwrap.Datum("Broker", c.Broker))
		h.sinks = append(h.sinks, s)
		h.closers = append(h.closers, func() error { s.Close(); return nil })
	}

	if c := h.config.InfluxDB; c.Enabled {
		s, err := influx.Connect(ctx, influx.Config{
			URL:           c.URL,
			Token:         c.Token,
			Org:           c.Org,
			Bucket:        c.Bucket,
			Measurement:   c.Measurement,
			BatchSize:     c.BatchSize,
			FlushInterval: c.FlushInterval,
		}, h.logger)
		if err != nil {
			return fmt.Errorf("starting influxdb sink: %w", err)
		}

		h.logger.LogInfo(ctx, "InfluxDB sink connected.", logwrap.Datum("URL", c.URL))
		h.sinks = append(h.sinks, s)
		h.closers = append(h.closers, func() error { s.Close(); return nil })
	}

	return nil
}

// Stop releases every subscription, the persisted pairing of each node is kept so that the next
// Start binds it again.
func (h *Hub) Stop(pctx context.Context) error {
	ctx, end := h.logger.Segment(pctx, "Stopping hub.")
	defer end()

	if h.runtime != nil {
		for _, id := range h.runtime.Devices() {
			if err := h.runtime.Unbind(ctx, id); err != nil {
				h.logger.LogWarn(ctx, "Failed to unbind device.", logwrap.Datum("Device", id.String()), logwrap.Err(err))
			}
		}
	}

	return h.close()
}

func (h *Hub) close() error {
	var errs []error

	for i := len(h.closers) - 1; i >= 0; i-- {
		if err := h.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}

	h.closers = nil
	return errors.Join(errs...)
}

func (h *Hub) Index() *fingerprint.Index {
	return h.index
}

// Report returns the conflicts found while building the index.
func (h *Hub) Report() fingerprint.Report {
	return h.report
}

// Sessions lists the pairing sessions waiting on the operator.
func (h *Hub) Sessions() []pairing.Session {
	if h.coordinator == nil {
		return nil
	}

	return h.coordinator.Sessions()
}

func (h *Hub) Device(addr zigbee.IEEEAddress) (*binding.BoundDevice, bool) {
	if h.runtime == nil {
		return nil, false
	}

	return h.runtime.Device(addr)
}
