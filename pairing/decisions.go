package pairing

import (
	"encoding/json"
	"errors"
	"fmt"
	bolt "go.etcd.io/bbolt"
	"sync"
	"time"
)

// Decision is an operator choice remembered for a fingerprint.
type Decision struct {
	DescriptorID string    `json:"descriptorId"`
	DecidedAt    time.Time `json:"decidedAt"`
}

type DecisionStore interface {
	Decision(fingerprint string) (Decision, bool, error)
	Remember(fingerprint string, d Decision) error
	Forget(fingerprint string) error
}

var bucketDecisions = []byte("decisions")

var ErrBucketMissing = errors.New("decisions bucket missing")

type BoltDecisionStore struct {
	db *bolt.DB
}

func OpenBoltDecisionStore(path string) (*BoltDecisionStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDecisions)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltDecisionStore{db: db}, nil
}

func (s *BoltDecisionStore) Decision(fingerprint string) (Decision, bool, error) {
	var d Decision
	found := false

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDecisions)
		if b == nil {
			return ErrBucketMissing
		}

		data := b.Get([]byte(fingerprint))
		if data == nil {
			return nil
		}

		found = true
		return json.Unmarshal(data, &d)
	})

	return d, found, err
}

func (s *BoltDecisionStore) Remember(fingerprint string, d Decision) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDecisions)
		if b == nil {
			return ErrBucketMissing
		}

		data, err := json.Marshal(d)
		if err != nil {
			return err
		}

		return b.Put([]byte(fingerprint), data)
	})
}

func (s *BoltDecisionStore) Forget(fingerprint string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDecisions)
		if b == nil {
			return ErrBucketMissing
		}

		return b.Delete([]byte(fingerprint))
	})
}

func (s *BoltDecisionStore) Close() error {
	return s.db.Close()
}

var _ DecisionStore = (*BoltDecisionStore)(nil)

// MemoryDecisionStore keeps decisions for the life of the process.
type MemoryDecisionStore struct {
	lock      sync.Mutex
	decisions map[string]Decision
}

func NewMemoryDecisionStore() *MemoryDecisionStore {
	return &MemoryDecisionStore{decisions: map[string]Decision{}}
}

func (m *MemoryDecisionStore) Decision(fingerprint string) (Decision, bool, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	d, found := m.decisions[fingerprint]
	return d, found, nil
}

func (m *MemoryDecisionStore) Remember(fingerprint string, d Decision) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.decisions[fingerprint] = d
	return nil
}

func (m *MemoryDecisionStore) Forget(fingerprint string) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	delete(m.decisions, fingerprint)
	return nil
}

var _ DecisionStore = (*MemoryDecisionStore)(nil)
