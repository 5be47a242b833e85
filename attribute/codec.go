package attribute

import (
	"github.com/shimmeringbee/persistence"
	"time"
)

// Times and durations are persisted as integer milliseconds, for use with
// persistence.StoreComplex and persistence.RetrieveComplex.

func TimeEncoder(s persistence.Section, k string, t time.Time) error {
	return s.Set(k, t.UnixMilli())
}

func TimeDecoder(s persistence.Section, k string) (time.Time, bool) {
	if ms, found := s.Int(k); found {
		return time.UnixMilli(int64(ms)).UTC(), true
	}

	return time.Time{}, false
}

func DurationEncoder(s persistence.Section, k string, d time.Duration) error {
	return s.Set(k, d.Milliseconds())
}

func DurationDecoder(s persistence.Section, k string) (time.Duration, bool) {
	if ms, found := s.Int(k); found {
		return time.Duration(ms) * time.Millisecond, true
	}

	return 0, false
}
