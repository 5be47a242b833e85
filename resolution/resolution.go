package resolution

import (
	"errors"
	"fmt"
	"github.com/dlnraja/com.tuya.zigbee-sub048/fingerprint"
	"github.com/dlnraja/com.tuya.zigbee-sub048/manifest"
	"sort"
)

var (
	ErrUnknownDevice   = errors.New("unknown device, a new descriptor is required")
	ErrAmbiguousDevice = errors.New("ambiguous device, operator choice is required")
)

type Outcome uint8

const (
	Unknown Outcome = iota
	Matched
	Ambiguous
)

func (o Outcome) String() string {
	switch o {
	case Matched:
		return "matched"
	case Ambiguous:
		return "ambiguous"
	default:
		return "unknown"
	}
}

type Alternate struct {
	Descriptor *manifest.DriverDescriptor
	Score      int
}

type Result struct {
	Outcome Outcome
	Matched *manifest.DriverDescriptor
	Score   int
	// Confidence is the gap between the match and the runner-up normalised by the maximum
	// possible score, zero unless matched.
	Confidence float64
	// Alternates are ranked by descending score, descriptor id as tiebreak, and never include
	// the match.
	Alternates []Alternate
	Key        fingerprint.Key
	Shared     bool
}

func (r Result) Err() error {
	switch r.Outcome {
	case Matched:
		return nil
	case Ambiguous:
		return fmt.Errorf("%w: %d candidates tie", ErrAmbiguousDevice, r.tied())
	default:
		return ErrUnknownDevice
	}
}

func (r Result) tied() int {
	if len(r.Alternates) == 0 {
		return 0
	}

	n := 0
	for _, a := range r.Alternates {
		if a.Score == r.Alternates[0].Score {
			n++
		}
	}

	return n
}

// AlternateIDs lists the descriptor ids of the alternates in rank order.
func (r Result) AlternateIDs() []string {
	ids := make([]string, 0, len(r.Alternates))
	for _, a := range r.Alternates {
		ids = append(ids, a.Descriptor.ID)
	}
	return ids
}

// Service resolves observed fingerprints against an immutable index, it holds no other state
// and is safe for concurrent use.
type Service struct {
	index *fingerprint.Index
}

func NewService(idx *fingerprint.Index) *Service {
	return &Service{index: idx}
}

func (s *Service) Index() *fingerprint.Index {
	return s.index
}

func (s *Service) Resolve(o fingerprint.Observation) Result {
	candidates, found := s.index.Lookup(o)
	if !found {
		return Result{Outcome: Unknown}
	}

	ranked := Rank(candidates.Descriptors, o)

	r := Result{Key: candidates.Key, Shared: candidates.Shared}

	if len(ranked) > 1 && ranked[0].Score == ranked[1].Score {
		r.Outcome = Ambiguous
		r.Alternates = ranked
		return r
	}

	runnerUp := 0
	if len(ranked) > 1 {
		runnerUp = ranked[1].Score
	}

	r.Outcome = Matched
	r.Matched = ranked[0].Descriptor
	r.Score = ranked[0].Score
	r.Confidence = float64(ranked[0].Score-runnerUp) / float64(fingerprint.MaxScore)
	r.Alternates = ranked[1:]

	return r
}

// Rank scores every candidate against the observation, highest first.
func Rank(ds []*manifest.DriverDescriptor, o fingerprint.Observation) []Alternate {
	ranked := make([]Alternate, 0, len(ds))
	for _, d := range ds {
		ranked = append(ranked, Alternate{Descriptor: d, Score: fingerprint.Score(d, o)})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}

		return ranked[i].Descriptor.ID < ranked[j].Descriptor.ID
	})

	return ranked
}
