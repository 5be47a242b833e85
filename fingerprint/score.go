package fingerprint

import "github.com/dlnraja/com.tuya.zigbee-sub048/manifest"

const (
	VendorProductScore = 1000
	ModelScore         = 500
	TopologyScore      = 100
	BaseScore          = 1

	// MaxPriorityWeight bounds the manifest tie-break so it never crosses the topology step.
	MaxPriorityWeight = TopologyScore/2 - 1

	MaxScore = VendorProductScore + ModelScore + TopologyScore + MaxPriorityWeight + BaseScore
)

// Score rates how specifically a descriptor describes an observed fingerprint. Matching is
// exact and case-sensitive, an empty endpoint signature matches an observation with no endpoints.
func Score(d *manifest.DriverDescriptor, o Observation) int {
	score := identityScore(d, o)

	if len(d.Fingerprint.EndpointSignature) == len(o.Endpoints) {
		score += TopologyScore
	}

	return score
}

// identityScore is Score without the topology step.
func identityScore(d *manifest.DriverDescriptor, o Observation) int {
	fp := d.Fingerprint
	score := BaseScore

	if contains(fp.VendorIDs, o.VendorID) && contains(fp.ProductIDs, o.ProductID) {
		score += VendorProductScore
	}

	if fp.ModelID != "" && fp.ModelID == o.ModelID {
		score += ModelScore
	}

	return score + PriorityWeight(d)
}

func PriorityWeight(d *manifest.DriverDescriptor) int {
	w := d.PriorityWeight

	if w > MaxPriorityWeight {
		return MaxPriorityWeight
	} else if w < -MaxPriorityWeight {
		return -MaxPriorityWeight
	}

	return w
}

func contains(haystack []string, needle string) bool {
	if needle == "" {
		return false
	}

	for _, h := range haystack {
		if h == needle {
			return true
		}
	}

	return false
}
