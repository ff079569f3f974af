package storage

import (
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/vantage6/vantage6/pkg/types"
)

// lockPollInterval is how often a blocked AcquireLock retries.
const lockPollInterval = 100 * time.Millisecond

// AcquireLock takes the named advisory lock for pid. It blocks up to timeout
// waiting for a competing holder, reaping expired rows as it goes, and
// reports whether the lock was obtained.
func (s *BoltStore) AcquireLock(name, pid string, timeout, ttl time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		acquired, err := s.tryAcquireLock(name, pid, ttl)
		if err != nil {
			return false, err
		}
		if acquired {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		time.Sleep(lockPollInterval)
	}
}

func (s *BoltStore) tryAcquireLock(name, pid string, ttl time.Duration) (bool, error) {
	acquired := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		now := time.Now()

		if data := b.Get([]byte(name)); data != nil {
			var held types.DatabaseLock
			if err := json.Unmarshal(data, &held); err != nil {
				return err
			}
			if held.ExpiresAt.After(now) && held.ProcessID != pid {
				return nil // held by someone else
			}
			// expired or re-entrant: fall through and overwrite
		}

		lock := types.DatabaseLock{
			Name:       name,
			ProcessID:  pid,
			AcquiredAt: now,
			ExpiresAt:  now.Add(ttl),
		}
		data, err := json.Marshal(&lock)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(name), data); err != nil {
			return err
		}
		acquired = true
		return nil
	})
	return acquired, err
}

// ReleaseLock drops the named lock if pid holds it. Releasing a lock that is
// absent or held by another pid is a no-op.
func (s *BoltStore) ReleaseLock(name, pid string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		data := b.Get([]byte(name))
		if data == nil {
			return nil
		}
		var held types.DatabaseLock
		if err := json.Unmarshal(data, &held); err != nil {
			return err
		}
		if held.ProcessID != pid {
			return nil
		}
		return b.Delete([]byte(name))
	})
}
