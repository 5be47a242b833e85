package hub

import (
	"github.com/dlnraja/com.tuya.zigbee-sub048/attribute"
	"github.com/dlnraja/com.tuya.zigbee-sub048/binding"
	"github.com/dlnraja/com.tuya.zigbee-sub048/diagnostics"
	"github.com/dlnraja/com.tuya.zigbee-sub048/pairing"
	"github.com/shimmeringbee/logwrap"
	"github.com/shimmeringbee/logwrap/impl/golog"
	"io/fs"
	"log"
)

// The With* setters must be called before Start.

func (h *Hub) WithGoLogger(parentLogger *log.Logger) {
	h.WithLogWrapLogger(logwrap.New(golog.Wrap(parentLogger)))
}

func (h *Hub) WithLogWrapLogger(lw logwrap.Logger) {
	h.logger = lw
}

// WithOperator sets who is asked to choose between descriptors when resolution cannot decide.
func (h *Hub) WithOperator(o pairing.Operator) {
	h.operator = o
}

// WithSink adds an event sink alongside those enabled by configuration.
func (h *Hub) WithSink(s binding.EventSender) {
	h.sinks = append(h.sinks, s)
}

// WithManifests reads descriptors from fsys instead of the configured directory.
func (h *Hub) WithManifests(fsys fs.FS) {
	h.manifests = fsys
}

// WithDecisionStore replaces the configured store of remembered operator choices.
func (h *Hub) WithDecisionStore(s pairing.DecisionStore) {
	h.decisions = s
}

func (h *Hub) WithDiagnosticsRecorder(r diagnostics.Recorder) {
	h.recorders = append(h.recorders, r)
}

func (h *Hub) WithScheduler(s attribute.Scheduler) {
	h.scheduler = s
}
