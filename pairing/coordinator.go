package pairing

import (
	"context"
	"errors"
	"fmt"
	"github.com/dlnraja/com.tuya.zigbee-sub048/fingerprint"
	"github.com/dlnraja/com.tuya.zigbee-sub048/manifest"
	"github.com/dlnraja/com.tuya.zigbee-sub048/resolution"
	"github.com/google/uuid"
	"github.com/shimmeringbee/logwrap"
	"golang.org/x/sync/semaphore"
	"sort"
	"strings"
	"sync"
	"time"
)

var ErrChoiceNotOffered = errors.New("chosen descriptor was not offered")

const DefaultMaxSessions = 4

type Alternate struct {
	DescriptorID string
	Score        int
	Summary      string
}

// Session is an operator disambiguation request for one pairing device.
type Session struct {
	ID          uuid.UUID
	Device      string
	Fingerprint fingerprint.Observation
	Outcome     resolution.Outcome
	Confidence  float64
	Alternates  []Alternate
	Started     time.Time
}

// Offered reports whether a descriptor id is among the session's alternates.
func (s Session) Offered(id string) bool {
	for _, a := range s.Alternates {
		if a.DescriptorID == id {
			return true
		}
	}

	return false
}

type Operator interface {
	OnAmbiguous(ctx context.Context, s Session) (string, error)
}

type Config struct {
	Logger    logwrap.Logger
	Operator  Operator
	Decisions DecisionStore
	// ConfirmBelow asks the operator to confirm matches whose confidence is lower.
	ConfirmBelow float64
	MaxSessions  int64
}

// Coordinator turns resolution results into the descriptor to bind, asking an operator where
// resolution could not decide alone.
type Coordinator struct {
	logger       logwrap.Logger
	operator     Operator
	decisions    DecisionStore
	confirmBelow float64
	sem          *semaphore.Weighted
	now          func() time.Time

	lock     sync.Mutex
	sessions map[uuid.UUID]Session
}

func NewCoordinator(c Config) *Coordinator {
	if c.MaxSessions <= 0 {
		c.MaxSessions = DefaultMaxSessions
	}

	return &Coordinator{
		logger:       c.Logger,
		operator:     c.Operator,
		decisions:    c.Decisions,
		confirmBelow: c.ConfirmBelow,
		sem:          semaphore.NewWeighted(c.MaxSessions),
		now:          time.Now,
		sessions:     map[uuid.UUID]Session{},
	}
}

func decisionKey(o fingerprint.Observation) string {
	return fmt.Sprintf("%s#%s", o.String(), strings.Join(o.Endpoints, ","))
}

// Decide returns the descriptor to bind for a resolution result. Unknown devices fail with
// resolution.ErrUnknownDevice, ambiguous devices without an operator or remembered decision
// with resolution.ErrAmbiguousDevice.
func (c *Coordinator) Decide(pctx context.Context, device string, o fingerprint.Observation, r resolution.Result) (*manifest.DriverDescriptor, error) {
	switch {
	case r.Outcome == resolution.Unknown:
		return nil, r.Err()
	case r.Outcome == resolution.Matched && r.Confidence >= c.confirmBelow:
		return r.Matched, nil
	}

	ctx, end := c.logger.Segment(pctx, "Disambiguating device.", logwrap.Datum("Device", device), logwrap.Datum("Fingerprint", o.String()), logwrap.Datum("Outcome", r.Outcome.String()))
	defer end()

	s := c.newSession(device, o, r)
	candidates := candidateDescriptors(r)

	if d, found := c.remembered(ctx, o, s, candidates); found {
		return d, nil
	}

	if c.operator == nil {
		if r.Outcome == resolution.Matched {
			c.logger.LogInfo(ctx, "No operator to confirm low confidence match, accepting it.", logwrap.Datum("Descriptor", r.Matched.ID), logwrap.Datum("Confidence", r.Confidence))
			return r.Matched, nil
		}

		return nil, r.Err()
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for pairing session: %w", err)
	}
	defer c.sem.Release(1)

	c.lock.Lock()
	c.sessions[s.ID] = s
	c.lock.Unlock()

	defer func() {
		c.lock.Lock()
		delete(c.sessions, s.ID)
		c.lock.Unlock()
	}()

	c.logger.LogInfo(ctx, "Asking operator to choose descriptor.", logwrap.Datum("Session", s.ID.String()), logwrap.Datum("Alternates", len(s.Alternates)))

	choice, err := c.operator.OnAmbiguous(ctx, s)
	if err != nil {
		return nil, fmt.Errorf("operator did not choose: %w", err)
	}

	d, found := candidates[choice]
	if !s.Offered(choice) || !found {
		c.logger.LogWarn(ctx, "Operator chose a descriptor which was not offered.", logwrap.Datum("Session", s.ID.String()), logwrap.Datum("Descriptor", choice))
		return nil, fmt.Errorf("%w: %s", ErrChoiceNotOffered, choice)
	}

	if c.decisions != nil {
		if err := c.decisions.Remember(decisionKey(o), Decision{DescriptorID: choice, DecidedAt: c.now()}); err != nil {
			c.logger.LogWarn(ctx, "Failed to remember operator decision.", logwrap.Err(err))
		}
	}

	c.logger.LogInfo(ctx, "Operator chose descriptor.", logwrap.Datum("Session", s.ID.String()), logwrap.Datum("Descriptor", choice))
	return d, nil
}

func (c *Coordinator) remembered(ctx context.Context, o fingerprint.Observation, s Session, candidates map[string]*manifest.DriverDescriptor) (*manifest.DriverDescriptor, bool) {
	if c.decisions == nil {
		return nil, false
	}

	dec, found, err := c.decisions.Decision(decisionKey(o))
	if err != nil {
		c.logger.LogWarn(ctx, "Failed to read remembered decision.", logwrap.Err(err))
		return nil, false
	}

	if !found {
		return nil, false
	}

	d, found := candidates[dec.DescriptorID]
	if !found || !s.Offered(dec.DescriptorID) {
		c.logger.LogInfo(ctx, "Remembered decision no longer offered, ignoring.", logwrap.Datum("Descriptor", dec.DescriptorID))
		return nil, false
	}

	c.logger.LogInfo(ctx, "Reusing remembered decision.", logwrap.Datum("Descriptor", dec.DescriptorID), logwrap.Datum("DecidedAt", dec.DecidedAt))
	return d, true
}

func (c *Coordinator) newSession(device string, o fingerprint.Observation, r resolution.Result) Session {
	s := Session{
		ID:          uuid.New(),
		Device:      device,
		Fingerprint: o,
		Outcome:     r.Outcome,
		Confidence:  r.Confidence,
		Started:     c.now(),
	}

	if r.Matched != nil {
		s.Alternates = append(s.Alternates, Alternate{DescriptorID: r.Matched.ID, Score: r.Score, Summary: r.Matched.Summary()})
	}

	for _, a := range r.Alternates {
		s.Alternates = append(s.Alternates, Alternate{DescriptorID: a.Descriptor.ID, Score: a.Score, Summary: a.Descriptor.Summary()})
	}

	return s
}

func candidateDescriptors(r resolution.Result) map[string]*manifest.DriverDescriptor {
	m := map[string]*manifest.DriverDescriptor{}

	if r.Matched != nil {
		m[r.Matched.ID] = r.Matched
	}

	for _, a := range r.Alternates {
		m[a.Descriptor.ID] = a.Descriptor
	}

	return m
}

// Sessions lists the sessions waiting on the operator, oldest first.
func (c *Coordinator) Sessions() []Session {
	c.lock.Lock()
	defer c.lock.Unlock()

	ss := make([]Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		ss = append(ss, s)
	}

	sort.Slice(ss, func(i, j int) bool {
		if ss[i].Started.Equal(ss[j].Started) {
			return ss[i].ID.String() < ss[j].ID.String()
		}
		return ss[i].Started.Before(ss[j].Started)
	})

	return ss
}
