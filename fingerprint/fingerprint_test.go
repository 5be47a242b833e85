package fingerprint

import (
	"context"
	"github.com/dlnraja/com.tuya.zigbee-sub048/manifest"
	"github.com/shimmeringbee/logwrap"
	"github.com/shimmeringbee/logwrap/impl/discard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func descriptor(id string, vendors []string, products []string, model string) *manifest.DriverDescriptor {
	return &manifest.DriverDescriptor{
		ID: id,
		Fingerprint: manifest.Fingerprint{
			VendorIDs:  vendors,
			ProductIDs: products,
			ModelID:    model,
		},
	}
}

func TestScore(t *testing.T) {
	t.Run("vendor and product match scores the vendor step and base", func(t *testing.T) {
		d := descriptor("d", []string{"V1"}, []string{"P1"}, "")

		assert.Equal(t, 1001, Score(d, Observation{VendorID: "V1", ProductID: "P1", Endpoints: []string{"main"}}))
	})

	t.Run("vendor without product match scores only the base", func(t *testing.T) {
		d := descriptor("d", []string{"V1"}, nil, "")

		assert.Equal(t, 1, Score(d, Observation{VendorID: "V1", ProductID: "P1", Endpoints: []string{"main"}}))
	})

	t.Run("matching is exact and case-sensitive", func(t *testing.T) {
		d := descriptor("d", []string{"_TZ3000_abc"}, []string{"TS0201"}, "")

		assert.Equal(t, 101, Score(d, Observation{VendorID: "_tz3000_abc", ProductID: "TS0201"}))
		assert.Equal(t, 101, Score(d, Observation{VendorID: "_TZ3000_ab", ProductID: "TS0201"}))
	})

	t.Run("model and topology add their steps", func(t *testing.T) {
		d := descriptor("d", []string{"V1"}, []string{"P1"}, "M1")
		d.Fingerprint.EndpointSignature = []string{"left", "right"}

		assert.Equal(t, 1601, Score(d, Observation{VendorID: "V1", ProductID: "P1", ModelID: "M1", Endpoints: []string{"a", "b"}}))
		assert.Equal(t, 1501, Score(d, Observation{VendorID: "V1", ProductID: "P1", ModelID: "M1", Endpoints: []string{"a"}}))
	})

	t.Run("an empty endpoint signature earns topology only against an observation without endpoints", func(t *testing.T) {
		d := descriptor("d", []string{"V1"}, []string{"P1"}, "")

		assert.Equal(t, 1101, Score(d, Observation{VendorID: "V1", ProductID: "P1"}))
		assert.Equal(t, 1001, Score(d, Observation{VendorID: "V1", ProductID: "P1", Endpoints: []string{"main"}}))
	})

	t.Run("identity score leaves topology out", func(t *testing.T) {
		d := descriptor("d", []string{"V1"}, []string{"P1"}, "")

		assert.Equal(t, 1001, identityScore(d, Observation{VendorID: "V1", ProductID: "P1"}))
	})

	t.Run("priority weight is clamped below the topology step", func(t *testing.T) {
		d := descriptor("d", []string{"V1"}, []string{"P1"}, "")
		d.PriorityWeight = 1000

		assert.Equal(t, 1101+MaxPriorityWeight, Score(d, Observation{VendorID: "V1", ProductID: "P1"}))

		d.PriorityWeight = -1000
		assert.Equal(t, 1101-MaxPriorityWeight, Score(d, Observation{VendorID: "V1", ProductID: "P1"}))
	})

	t.Run("model match outranks product match regardless of priority weight", func(t *testing.T) {
		modelled := descriptor("modelled", []string{"V1"}, []string{"P1"}, "M1")
		modelled.PriorityWeight = -1000

		generic := descriptor("generic", []string{"V1"}, []string{"P1"}, "")
		generic.PriorityWeight = 1000
		generic.Fingerprint.EndpointSignature = []string{"main"}

		o := Observation{VendorID: "V1", ProductID: "P1", ModelID: "M1", Endpoints: []string{"main"}}

		assert.Greater(t, Score(modelled, o), Score(generic, o))
	})

	t.Run("max score is the sum of every step", func(t *testing.T) {
		d := descriptor("d", []string{"V1"}, []string{"P1"}, "M1")
		d.Fingerprint.EndpointSignature = []string{"main"}
		d.PriorityWeight = MaxPriorityWeight

		assert.Equal(t, MaxScore, Score(d, Observation{VendorID: "V1", ProductID: "P1", ModelID: "M1", Endpoints: []string{"main"}}))
		assert.Equal(t, 1650, MaxScore)
	})
}

func TestBuild(t *testing.T) {
	t.Run("inserts descriptors into vendor product and model buckets", func(t *testing.T) {
		d1 := descriptor("d1", []string{"V1", "V2"}, []string{"P1"}, "")
		d2 := descriptor("d2", []string{"V1"}, []string{"P1"}, "M1")

		idx, err := Build([]*manifest.DriverDescriptor{d1, d2})
		require.NoError(t, err)

		assert.Equal(t, 3, idx.BucketCount())
		assert.Equal(t, 2, idx.DescriptorCount())
		assert.False(t, idx.Resolved())

		c, found := idx.Lookup(Observation{VendorID: "V1", ProductID: "P1"})
		require.True(t, found)
		assert.Equal(t, Key{VendorID: "V1", ProductID: "P1"}, c.Key)
		assert.Equal(t, []*manifest.DriverDescriptor{d1, d2}, c.Descriptors)

		c, found = idx.Lookup(Observation{VendorID: "V1", ProductID: "P1", ModelID: "M1"})
		require.True(t, found)
		assert.Equal(t, Key{VendorID: "V1", ProductID: "P1", ModelID: "M1"}, c.Key)
		assert.Equal(t, []*manifest.DriverDescriptor{d2}, c.Descriptors)

		c, found = idx.Lookup(Observation{VendorID: "V2", ProductID: "P1", ModelID: "M1"})
		require.True(t, found)
		assert.Equal(t, []*manifest.DriverDescriptor{d1}, c.Descriptors)
	})

	t.Run("vendor-only descriptors are reached only when no product bucket exists", func(t *testing.T) {
		generic := descriptor("generic", []string{"V1"}, nil, "")
		specific := descriptor("specific", []string{"V1"}, []string{"P1"}, "")

		idx, err := Build([]*manifest.DriverDescriptor{generic, specific})
		require.NoError(t, err)

		c, _ := idx.Lookup(Observation{VendorID: "V1", ProductID: "P1"})
		assert.Equal(t, []*manifest.DriverDescriptor{specific}, c.Descriptors)

		c, _ = idx.Lookup(Observation{VendorID: "V1", ProductID: "P9"})
		assert.Equal(t, Key{VendorID: "V1"}, c.Key)
		assert.Equal(t, []*manifest.DriverDescriptor{generic}, c.Descriptors)
	})

	t.Run("unknown fingerprint finds nothing", func(t *testing.T) {
		idx, err := Build([]*manifest.DriverDescriptor{descriptor("d", []string{"V1"}, []string{"P1"}, "")})
		require.NoError(t, err)

		_, found := idx.Lookup(Observation{VendorID: "V9", ProductID: "P1"})
		assert.False(t, found)
	})

	t.Run("duplicate descriptor ids are a build error", func(t *testing.T) {
		_, err := Build([]*manifest.DriverDescriptor{
			descriptor("d", []string{"V1"}, []string{"P1"}, ""),
			descriptor("d", []string{"V2"}, []string{"P2"}, ""),
		})

		assert.ErrorIs(t, err, ErrDuplicateDescriptor)

		var be BuildError
		require.ErrorAs(t, err, &be)
		assert.Equal(t, "d", be.DescriptorID)
	})

	t.Run("malformed keys are a build error", func(t *testing.T) {
		_, err := Build([]*manifest.DriverDescriptor{descriptor("d", nil, []string{"P1"}, "")})
		assert.ErrorIs(t, err, ErrMalformedKey)

		_, err = Build([]*manifest.DriverDescriptor{descriptor("d", []string{""}, []string{"P1"}, "")})
		assert.ErrorIs(t, err, ErrMalformedKey)

		_, err = Build([]*manifest.DriverDescriptor{descriptor("d", []string{"V1"}, []string{""}, "")})
		assert.ErrorIs(t, err, ErrMalformedKey)

		_, err = Build([]*manifest.DriverDescriptor{descriptor("d", []string{AnyVendor}, []string{"P1"}, "")})
		assert.ErrorIs(t, err, ErrMalformedKey)
	})
}

func TestConflictResolver_Resolve(t *testing.T) {
	logger := logwrap.New(discard.Discard())

	t.Run("highest scoring descriptor owns an exclusive bucket and others are shadowed", func(t *testing.T) {
		low := descriptor("low", []string{"V1"}, []string{"P1"}, "")
		high := descriptor("high", []string{"V1"}, []string{"P1"}, "")
		high.PriorityWeight = 10

		idx, report, err := BuildResolved(context.Background(), logger, []*manifest.DriverDescriptor{low, high}, nil)
		require.NoError(t, err)
		assert.True(t, idx.Resolved())

		owner, found := idx.Owner(Key{VendorID: "V1", ProductID: "P1"})
		require.True(t, found)
		assert.Equal(t, high, owner)

		c, _ := idx.Lookup(Observation{VendorID: "V1", ProductID: "P1"})
		assert.Equal(t, []*manifest.DriverDescriptor{high}, c.Descriptors)

		require.Len(t, report.Conflicts, 1)
		assert.Equal(t, "high", report.Conflicts[0].Owner)
		assert.Equal(t, []string{"low"}, report.Conflicts[0].Shadowed)
		assert.Equal(t, []string{"low"}, report.Shadowed())
	})

	t.Run("equal scores are broken by descriptor id", func(t *testing.T) {
		b := descriptor("b", []string{"V1"}, []string{"P1"}, "")
		a := descriptor("a", []string{"V1"}, []string{"P1"}, "")

		idx, report, err := BuildResolved(context.Background(), logger, []*manifest.DriverDescriptor{b, a}, nil)
		require.NoError(t, err)

		owner, _ := idx.Owner(Key{VendorID: "V1", ProductID: "P1"})
		assert.Equal(t, "a", owner.ID)
		assert.Equal(t, []string{"b"}, report.Shadowed())
	})

	t.Run("model declaring descriptors are refined rather than shadowed", func(t *testing.T) {
		d1 := descriptor("D1", []string{"V1"}, []string{"P1"}, "")
		d2 := descriptor("D2", []string{"V1"}, []string{"P1"}, "M1")

		idx, report, err := BuildResolved(context.Background(), logger, []*manifest.DriverDescriptor{d1, d2}, nil)
		require.NoError(t, err)

		assert.Empty(t, report.Shadowed())
		require.Len(t, report.Conflicts, 1)
		assert.Equal(t, []string{"D2"}, report.Conflicts[0].Refined)

		c, _ := idx.Lookup(Observation{VendorID: "V1", ProductID: "P1"})
		assert.Equal(t, []*manifest.DriverDescriptor{d1}, c.Descriptors)

		c, _ = idx.Lookup(Observation{VendorID: "V1", ProductID: "P1", ModelID: "M1"})
		assert.Equal(t, []*manifest.DriverDescriptor{d2}, c.Descriptors)

		c, _ = idx.Lookup(Observation{VendorID: "V1", ProductID: "P1", ModelID: "M2"})
		assert.Equal(t, []*manifest.DriverDescriptor{d1}, c.Descriptors)
	})

	t.Run("shared keys keep every candidate", func(t *testing.T) {
		climate := descriptor("climate", []string{"_TZE200_a", "_TZE200_b"}, []string{"TS0601"}, "")
		cover := descriptor("cover", []string{"_TZE200_a"}, []string{"TS0601"}, "")

		idx, report, err := BuildResolved(context.Background(), logger, []*manifest.DriverDescriptor{climate, cover}, SharedKeys{{VendorID: AnyVendor, ProductID: "TS0601"}})
		require.NoError(t, err)

		c, found := idx.Lookup(Observation{VendorID: "_TZE200_a", ProductID: "TS0601"})
		require.True(t, found)
		assert.True(t, c.Shared)
		assert.Equal(t, []*manifest.DriverDescriptor{climate, cover}, c.Descriptors)

		_, owned := idx.Owner(Key{VendorID: "_TZE200_a", ProductID: "TS0601"})
		assert.False(t, owned)

		assert.Empty(t, report.Shadowed())
		assert.Equal(t, []Key{{VendorID: "_TZE200_a", ProductID: "TS0601"}}, report.SharedKeys())
	})

	t.Run("shared key for a specific vendor does not apply to other vendors", func(t *testing.T) {
		s := SharedKeys{{VendorID: "V1", ProductID: "P1"}}

		assert.True(t, s.Contains(Key{VendorID: "V1", ProductID: "P1"}))
		assert.True(t, s.Contains(Key{VendorID: "V1", ProductID: "P1", ModelID: "M"}))
		assert.False(t, s.Contains(Key{VendorID: "V2", ProductID: "P1"}))
	})

	t.Run("building and resolving twice shadows the same descriptors", func(t *testing.T) {
		var ds []*manifest.DriverDescriptor
		for _, id := range []string{"e", "c", "a", "d", "b"} {
			ds = append(ds, descriptor(id, []string{"V1"}, []string{"P1", "P2"}, ""))
		}
		ds[3].PriorityWeight = 5

		_, first, err := BuildResolved(context.Background(), logger, ds, nil)
		require.NoError(t, err)

		_, second, err := BuildResolved(context.Background(), logger, ds, nil)
		require.NoError(t, err)

		assert.Equal(t, first, second)
		assert.Equal(t, []string{"a", "b", "c", "e"}, first.Shadowed())
	})

	t.Run("resolving an already resolved index is idempotent", func(t *testing.T) {
		ds := []*manifest.DriverDescriptor{
			descriptor("x", []string{"V1"}, []string{"P1"}, ""),
			descriptor("y", []string{"V1"}, []string{"P1"}, ""),
		}

		idx, err := Build(ds)
		require.NoError(t, err)

		r := NewConflictResolver(logger, nil)
		once, first := r.Resolve(context.Background(), idx)
		_, second := r.Resolve(context.Background(), once)

		assert.Equal(t, first, second)
	})
}
