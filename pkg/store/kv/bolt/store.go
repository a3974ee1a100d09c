// Copyright 2023 The ClusterLink Authors.
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bolt

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"

	"github.com/meshrelay/gateway/pkg/store/kv"
)

const bucketName = "gateway"

var _ kv.Store = (*Store)(nil)

// Store implements kv.Store backed by bbolt.
type Store struct {
	db *bbolt.DB

	logger *logrus.Entry
}

// Put a (key, value) pair in the store.
func (s *Store) Put(key, value []byte) error {
	s.logger.Debugf("Putting key: %v.", key)

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Put(key, value)
	})
}

// Get the value for a key.
func (s *Store) Get(key []byte) ([]byte, error) {
	s.logger.Debugf("Getting key: %v.", key)

	var value []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket([]byte(bucketName)).Get(key); v != nil {
			value = make([]byte, len(v))
			copy(value, v)
		}
		return nil
	})
	return value, err
}

// Delete a key (with its respective value) from the store.
func (s *Store) Delete(key []byte) error {
	s.logger.Debugf("Deleting key: %v.", key)

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Delete(key)
	})
}

// Close frees all resources used by the store.
func (s *Store) Close() error {
	s.logger.Info("Closing store.")
	return s.db.Close()
}

// Open a bolt store at the given path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o666, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to open store: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("unable to create bucket: %w", err)
	}

	return &Store{
		db:     db,
		logger: logrus.WithField("component", "store.kv.bolt"),
	}, nil
}
