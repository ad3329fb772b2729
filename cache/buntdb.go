package cache

import (
	"context"
	"fmt"
	"strconv"

	"github.com/gofrs/flock"
	"github.com/tidwall/buntdb"
)

const buntKeyPrefix = "version:"

// BuntVersionStore keeps versions in a buntdb file. Update transactions are serialized by buntdb, so
// the read-compare-write inside one transaction is atomic. The file is locked so that only one
// process uses it; use the SQL store to share versions between processes.
type BuntVersionStore struct {
	db   *buntdb.DB
	lock *flock.Flock
}

func NewBuntVersionStore(path string) (*BuntVersionStore, error) {
	var lock *flock.Flock
	if path != ":memory:" {
		lock = flock.New(path + ".lock")
		locked, err := lock.TryLock()
		if err != nil {
			return nil, err
		}
		if !locked {
			return nil, fmt.Errorf("version store %s is in use by another process", path)
		}
	}
	db, err := buntdb.Open(path)
	if err != nil {
		if lock != nil {
			_ = lock.Unlock()
		}
		return nil, err
	}
	return &BuntVersionStore{db: db, lock: lock}, nil
}

func (s *BuntVersionStore) Get(_ context.Context, key string) (int64, bool, error) {
	var version int64
	found := false
	err := s.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(buntKeyPrefix + key)
		if err == buntdb.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		version, err = strconv.ParseInt(val, 10, 64)
		found = err == nil
		return err
	})
	return version, found, err
}

func (s *BuntVersionStore) SetIfHigher(_ context.Context, key string, version int64) (int64, error) {
	stored := version
	err := s.db.Update(func(tx *buntdb.Tx) error {
		val, err := tx.Get(buntKeyPrefix + key)
		if err != nil && err != buntdb.ErrNotFound {
			return err
		}
		if err == nil {
			current, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return err
			}
			if current == DeletedVersion || current >= version {
				stored = current
				return nil
			}
		}
		_, _, err = tx.Set(buntKeyPrefix+key, strconv.FormatInt(version, 10), nil)
		return err
	})
	return stored, err
}

func (s *BuntVersionStore) MarkDeleted(_ context.Context, key string) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(buntKeyPrefix+key, strconv.FormatInt(DeletedVersion, 10), nil)
		return err
	})
}

func (s *BuntVersionStore) Close() error {
	err := s.db.Close()
	if s.lock != nil {
		if uerr := s.lock.Unlock(); err == nil {
			err = uerr
		}
	}
	return err
}
