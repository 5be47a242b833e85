package influx

import (
	"context"
	"errors"
	"fmt"
	"github.com/dlnraja/com.tuya.zigbee-sub048/binding"
	"github.com/dlnraja/com.tuya.zigbee-sub048/transform"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/shimmeringbee/logwrap"
	"time"
)

const DefaultMeasurement = "capability"

const connectTimeout = 10 * time.Second

var ErrConnectionFailed = errors.New("influxdb connection failed")

type Config struct {
	URL         string
	Token       string
	Org         string
	Bucket      string
	Measurement string
	BatchSize   uint
	// FlushInterval in milliseconds.
	FlushInterval uint
}

type PointWriter interface {
	WritePoint(p *write.Point)
}

// Sink records numeric capability values as points, one series per device capability.
type Sink struct {
	writer      PointWriter
	measurement string
	close       func()
}

func New(w PointWriter, measurement string) *Sink {
	if measurement == "" {
		measurement = DefaultMeasurement
	}

	return &Sink{writer: w, measurement: measurement}
}

func Connect(pctx context.Context, cfg Config, l logwrap.Logger) (*Sink, error) {
	opts := influxdb2.DefaultOptions()
	if cfg.BatchSize > 0 {
		opts.SetBatchSize(cfg.BatchSize)
	}
	if cfg.FlushInterval > 0 {
		opts.SetFlushInterval(cfg.FlushInterval)
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)

	ctx, cancel := context.WithTimeout(pctx, connectTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)

	go func() {
		for err := range writeAPI.Errors() {
			l.LogWarn(context.Background(), "InfluxDB write failed.", logwrap.Err(err))
		}
	}()

	s := New(writeAPI, cfg.Measurement)
	s.close = func() {
		writeAPI.Flush()
		client.Close()
	}

	return s, nil
}

// Send writes value events with a numeric or boolean value, other events are ignored.
func (s *Sink) Send(e any) {
	ve, ok := e.(binding.ValueEvent)
	if !ok {
		return
	}

	v, ok := numeric(ve.Value)
	if !ok {
		return
	}

	ts := ve.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	s.writer.WritePoint(write.NewPoint(
		s.measurement,
		map[string]string{
			"device":     ve.Device.String(),
			"descriptor": ve.Descriptor,
			"capability": ve.Capability,
		},
		map[string]interface{}{
			"value": v,
		},
		ts,
	))
}

func numeric(v any) (float64, bool) {
	if b, ok := v.(bool); ok {
		if b {
			return 1, true
		}
		return 0, true
	}

	return transform.Numeric(v)
}

func (s *Sink) Close() {
	if s.close != nil {
		s.close()
	}
}

var _ binding.EventSender = (*Sink)(nil)
