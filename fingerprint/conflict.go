package fingerprint

import (
	"context"
	"github.com/dlnraja/com.tuya.zigbee-sub048/manifest"
	"github.com/shimmeringbee/logwrap"
	"sort"
)

// Conflict describes a bucket which had more than one candidate.
type Conflict struct {
	Key    Key
	Shared bool
	// Ranked holds every candidate id by descending build-time score, id as final tiebreak.
	Ranked   []string
	Owner    string
	Shadowed []string
	// Refined candidates declare a model, they stay reachable through their model bucket.
	Refined []string
}

type Report struct {
	Conflicts []Conflict
}

// Shadowed returns the sorted ids shadowed in at least one bucket.
func (r Report) Shadowed() []string {
	seen := map[string]bool{}
	var ids []string

	for _, c := range r.Conflicts {
		for _, id := range c.Shadowed {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}

	sort.Strings(ids)
	return ids
}

func (r Report) SharedKeys() []Key {
	var keys []Key

	for _, c := range r.Conflicts {
		if c.Shared {
			keys = append(keys, c.Key)
		}
	}

	return keys
}

type ConflictResolver struct {
	logger     logwrap.Logger
	sharedKeys SharedKeys
}

func NewConflictResolver(l logwrap.Logger, shared SharedKeys) *ConflictResolver {
	return &ConflictResolver{logger: l, sharedKeys: shared}
}

// Resolve returns a new index in which every exclusive bucket has a single owner. The input
// index is not modified, resolving an already resolved index gives the same result.
func (c *ConflictResolver) Resolve(pctx context.Context, idx *Index) (*Index, Report) {
	ctx, end := c.logger.Segment(pctx, "Resolving fingerprint conflicts.", logwrap.Datum("Buckets", len(idx.buckets)))
	defer end()

	out := &Index{
		buckets:     make(map[Key]*bucket, len(idx.buckets)),
		descriptors: idx.descriptors,
		resolved:    true,
	}

	keys := make([]Key, 0, len(idx.buckets))
	for k := range idx.buckets {
		keys = append(keys, k)
	}

	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})

	var report Report

	for _, k := range keys {
		b, conflict, hasConflict := c.resolveBucket(idx.buckets[k])
		out.buckets[k] = b

		if !hasConflict {
			continue
		}

		report.Conflicts = append(report.Conflicts, conflict)

		if len(conflict.Shadowed) > 0 {
			c.logger.LogWarn(ctx, "Descriptors shadowed by a more specific descriptor.", logwrap.Datum("Key", k.String()), logwrap.Datum("Owner", conflict.Owner), logwrap.Datum("Shadowed", conflict.Shadowed))
		} else if conflict.Shared {
			c.logger.LogDebug(ctx, "Shared key left for runtime disambiguation.", logwrap.Datum("Key", k.String()), logwrap.Datum("Candidates", conflict.Ranked))
		}
	}

	c.logger.LogInfo(ctx, "Fingerprint conflicts resolved.", logwrap.Datum("Conflicts", len(report.Conflicts)), logwrap.Datum("Shadowed", len(report.Shadowed())))

	return out, report
}

func (c *ConflictResolver) resolveBucket(in *bucket) (*bucket, Conflict, bool) {
	b := &bucket{key: in.key, candidates: in.candidates}

	if c.sharedKeys.Contains(in.key) {
		b.shared = true

		if len(in.candidates) < 2 {
			return b, Conflict{}, false
		}

		return b, Conflict{Key: in.key, Shared: true, Ranked: ids(rank(in.candidates, in.key))}, true
	}

	if len(in.candidates) == 1 {
		b.owner = in.candidates[0]
		return b, Conflict{}, false
	}

	contenders := in.candidates
	var refined []*manifest.DriverDescriptor

	if in.key.ModelID == "" {
		var plain []*manifest.DriverDescriptor

		for _, d := range in.candidates {
			if d.Fingerprint.ModelID != "" {
				refined = append(refined, d)
			} else {
				plain = append(plain, d)
			}
		}

		if len(plain) > 0 {
			contenders = plain
		} else {
			refined = nil
		}
	}

	ranked := rank(contenders, in.key)
	b.owner = ranked[0]
	b.excluded = map[string]bool{}

	conflict := Conflict{Key: in.key, Ranked: ids(rank(in.candidates, in.key)), Owner: b.owner.ID}

	for _, d := range ranked[1:] {
		b.excluded[d.ID] = true
		conflict.Shadowed = append(conflict.Shadowed, d.ID)
	}

	for _, d := range refined {
		b.excluded[d.ID] = true
		conflict.Refined = append(conflict.Refined, d.ID)
	}

	sort.Strings(conflict.Refined)

	return b, conflict, true
}

// rank orders candidates by their score against the bucket key. Endpoint topology is unknown
// at build time so it plays no part.
func rank(ds []*manifest.DriverDescriptor, k Key) []*manifest.DriverDescriptor {
	o := k.observation()

	ranked := make([]*manifest.DriverDescriptor, len(ds))
	copy(ranked, ds)

	scores := make(map[string]int, len(ds))
	for _, d := range ds {
		scores[d.ID] = identityScore(d, o)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		si, sj := scores[ranked[i].ID], scores[ranked[j].ID]
		if si != sj {
			return si > sj
		}

		return ranked[i].ID < ranked[j].ID
	})

	return ranked
}

func ids(ds []*manifest.DriverDescriptor) []string {
	out := make([]string, 0, len(ds))
	for _, d := range ds {
		out = append(out, d.ID)
	}
	return out
}

// BuildResolved builds the index and resolves its conflicts in one step, as done at startup.
func BuildResolved(ctx context.Context, l logwrap.Logger, descriptors []*manifest.DriverDescriptor, shared SharedKeys) (*Index, Report, error) {
	idx, err := Build(descriptors)
	if err != nil {
		return nil, Report{}, err
	}

	resolved, report := NewConflictResolver(l, shared).Resolve(ctx, idx)
	return resolved, report, nil
}
