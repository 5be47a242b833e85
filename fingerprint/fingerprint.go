package fingerprint

import (
	"fmt"
	"github.com/dlnraja/com.tuya.zigbee-sub048/manifest"
)

// Observation is the fingerprint read from a device while it pairs.
type Observation struct {
	VendorID  string
	ProductID string
	ModelID   string
	Endpoints []string
}

func (o Observation) String() string {
	if o.ModelID == "" {
		return fmt.Sprintf("%s/%s", o.VendorID, o.ProductID)
	}

	return fmt.Sprintf("%s/%s/%s", o.VendorID, o.ProductID, o.ModelID)
}

// Key addresses a bucket of the index. ProductID is empty for vendor-only buckets, ModelID
// is empty for buckets not refined by model.
type Key struct {
	VendorID  string
	ProductID string
	ModelID   string
}

func (k Key) String() string {
	p := k.ProductID
	if p == "" {
		p = "*"
	}

	if k.ModelID == "" {
		return fmt.Sprintf("%s/%s", k.VendorID, p)
	}

	return fmt.Sprintf("%s/%s/%s", k.VendorID, p, k.ModelID)
}

func (k Key) observation() Observation {
	return Observation{VendorID: k.VendorID, ProductID: k.ProductID, ModelID: k.ModelID}
}

// lookupKeys lists the buckets that could serve an observation, most specific first.
func lookupKeys(o Observation) []Key {
	var keys []Key

	if o.ModelID != "" {
		keys = append(keys, Key{VendorID: o.VendorID, ProductID: o.ProductID, ModelID: o.ModelID})
	}

	keys = append(keys, Key{VendorID: o.VendorID, ProductID: o.ProductID})

	if o.ModelID != "" {
		keys = append(keys, Key{VendorID: o.VendorID, ModelID: o.ModelID})
	}

	return append(keys, Key{VendorID: o.VendorID})
}

// descriptorKeys lists every bucket a descriptor is inserted into.
func descriptorKeys(d *manifest.DriverDescriptor) []Key {
	fp := d.Fingerprint

	var keys []Key

	for _, v := range fp.VendorIDs {
		if len(fp.ProductIDs) == 0 {
			keys = append(keys, Key{VendorID: v})
			if fp.ModelID != "" {
				keys = append(keys, Key{VendorID: v, ModelID: fp.ModelID})
			}
			continue
		}

		for _, p := range fp.ProductIDs {
			keys = append(keys, Key{VendorID: v, ProductID: p})
			if fp.ModelID != "" {
				keys = append(keys, Key{VendorID: v, ProductID: p, ModelID: fp.ModelID})
			}
		}
	}

	return keys
}

// SharedKey names a product code that is legitimately reused by unrelated device families.
// A VendorID of "*" matches every vendor.
type SharedKey struct {
	VendorID  string `yaml:"vendor"`
	ProductID string `yaml:"product"`
}

const AnyVendor = "*"

type SharedKeys []SharedKey

func (s SharedKeys) Contains(k Key) bool {
	for _, sk := range s {
		if sk.ProductID != k.ProductID {
			continue
		}

		if sk.VendorID == AnyVendor || sk.VendorID == k.VendorID {
			return true
		}
	}

	return false
}
