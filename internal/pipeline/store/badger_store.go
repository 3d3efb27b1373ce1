// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ManuGH/mediaforge/internal/pipeline/model"
	"github.com/dgraph-io/badger/v4"
)

const jobPrefix = "job:"

// BadgerStore is an embedded key-value StateStore.
// Layout: key = "job:<id>", value = JSON MediaJob.
type BadgerStore struct {
	db *badger.DB
}

func OpenBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error { return s.db.Close() }

func (s *BadgerStore) Ping(context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger: closed")
	}
	return nil
}

func (s *BadgerStore) CreateJob(_ context.Context, j *model.MediaJob) error {
	key := []byte(jobPrefix + j.ID)
	buf, err := json.Marshal(j)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return ErrExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, buf)
	})
}

func (s *BadgerStore) GetJob(_ context.Context, id string) (*model.MediaJob, error) {
	var out *model.MediaJob
	err := s.db.View(func(txn *badger.Txn) error {
		rec, err := getJob(txn, []byte(jobPrefix+id))
		out = rec
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerStore) UpdateJob(_ context.Context, id string, fn func(*model.MediaJob) error) (*model.MediaJob, error) {
	key := []byte(jobPrefix + id)
	var out *model.MediaJob
	err := s.db.Update(func(txn *badger.Txn) error {
		rec, err := getJob(txn, key)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
		rec.UpdatedAtUnix = time.Now().Unix()
		buf, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		out = rec
		return txn.Set(key, buf)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerStore) ListJobs(_ context.Context, filter JobFilter) ([]*model.MediaJob, error) {
	var out []*model.MediaJob
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(jobPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec model.MediaJob
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			if filter.match(&rec) {
				out = append(out, &rec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sortJobs(out, filter.Limit), nil
}

func (s *BadgerStore) DeleteJob(_ context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(jobPrefix + id))
	})
}

func getJob(txn *badger.Txn, key []byte) (*model.MediaJob, error) {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var rec model.MediaJob
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	}); err != nil {
		return nil, err
	}
	return &rec, nil
}
