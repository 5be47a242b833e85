package fingerprint

import (
	"errors"
	"fmt"
	"github.com/dlnraja/com.tuya.zigbee-sub048/manifest"
)

var (
	ErrDuplicateDescriptor = errors.New("duplicate descriptor id")
	ErrMalformedKey        = errors.New("malformed fingerprint key")
)

// BuildError is fatal, the manifest data must be corrected before the index can be built.
type BuildError struct {
	DescriptorID string
	Err          error
}

func (e BuildError) Error() string {
	return fmt.Sprintf("index build failed on descriptor %q: %v", e.DescriptorID, e.Err)
}

func (e BuildError) Unwrap() error {
	return e.Err
}

type bucket struct {
	key        Key
	candidates []*manifest.DriverDescriptor
	shared     bool
	owner      *manifest.DriverDescriptor
	excluded   map[string]bool
}

// Index maps fingerprint keys to the descriptors which declare them. It is immutable once
// returned and safe for concurrent readers.
type Index struct {
	buckets     map[Key]*bucket
	descriptors map[string]*manifest.DriverDescriptor
	resolved    bool
}

// Build inserts every descriptor into a bucket per declared vendor and product pair, plus a
// model bucket when a model is declared. Candidates keep insertion order.
func Build(descriptors []*manifest.DriverDescriptor) (*Index, error) {
	idx := &Index{
		buckets:     map[Key]*bucket{},
		descriptors: make(map[string]*manifest.DriverDescriptor, len(descriptors)),
	}

	for _, d := range descriptors {
		if _, found := idx.descriptors[d.ID]; found {
			return nil, BuildError{DescriptorID: d.ID, Err: ErrDuplicateDescriptor}
		}

		if err := checkKeys(d); err != nil {
			return nil, BuildError{DescriptorID: d.ID, Err: err}
		}

		idx.descriptors[d.ID] = d

		for _, k := range descriptorKeys(d) {
			b, found := idx.buckets[k]
			if !found {
				b = &bucket{key: k}
				idx.buckets[k] = b
			}

			if !containsDescriptor(b.candidates, d) {
				b.candidates = append(b.candidates, d)
			}
		}
	}

	return idx, nil
}

func checkKeys(d *manifest.DriverDescriptor) error {
	fp := d.Fingerprint

	if len(fp.VendorIDs) == 0 {
		return fmt.Errorf("%w: no vendor ids", ErrMalformedKey)
	}

	for _, v := range fp.VendorIDs {
		if v == "" || v == AnyVendor {
			return fmt.Errorf("%w: vendor id %q", ErrMalformedKey, v)
		}
	}

	for _, p := range fp.ProductIDs {
		if p == "" {
			return fmt.Errorf("%w: empty product id", ErrMalformedKey)
		}
	}

	return nil
}

func containsDescriptor(ds []*manifest.DriverDescriptor, d *manifest.DriverDescriptor) bool {
	for _, c := range ds {
		if c == d {
			return true
		}
	}

	return false
}

// Candidates is the result of a lookup: the bucket which served it and its candidates in
// insertion order. Once conflicts are resolved shadowed and refined descriptors are absent.
type Candidates struct {
	Key         Key
	Shared      bool
	Descriptors []*manifest.DriverDescriptor
}

// Lookup returns the most specific non-empty bucket serving the observation.
func (i *Index) Lookup(o Observation) (Candidates, bool) {
	for _, k := range lookupKeys(o) {
		b, found := i.buckets[k]
		if !found {
			continue
		}

		if ds := b.active(); len(ds) > 0 {
			return Candidates{Key: k, Shared: b.shared, Descriptors: ds}, true
		}
	}

	return Candidates{}, false
}

func (b *bucket) active() []*manifest.DriverDescriptor {
	if len(b.excluded) == 0 {
		return b.candidates
	}

	ds := make([]*manifest.DriverDescriptor, 0, len(b.candidates)-len(b.excluded))
	for _, d := range b.candidates {
		if !b.excluded[d.ID] {
			ds = append(ds, d)
		}
	}

	return ds
}

// Owner returns the sole owning descriptor of an exclusive bucket.
func (i *Index) Owner(k Key) (*manifest.DriverDescriptor, bool) {
	b, found := i.buckets[k]
	if !found || b.owner == nil {
		return nil, false
	}

	return b.owner, true
}

func (i *Index) Descriptor(id string) (*manifest.DriverDescriptor, bool) {
	d, ok := i.descriptors[id]
	return d, ok
}

func (i *Index) Resolved() bool {
	return i.resolved
}

func (i *Index) BucketCount() int {
	return len(i.buckets)
}

func (i *Index) DescriptorCount() int {
	return len(i.descriptors)
}
