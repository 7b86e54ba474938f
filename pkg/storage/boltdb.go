package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/umbrix-io/umbrix/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketOutcomes      = []byte("outcomes")
	bucketNotifications = []byte("notifications")
)

// ErrNotFound is returned when an entity does not exist
type ErrNotFound struct {
	Kind string
	ID   string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "umbrix.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketOutcomes,
			bucketNotifications,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Outcome operations
func (s *BoltStore) CreateOutcome(outcome *types.Outcome) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOutcomes)
		data, err := json.Marshal(outcome)
		if err != nil {
			return err
		}
		return b.Put([]byte(outcome.ID), data)
	})
}

func (s *BoltStore) GetOutcome(id string) (*types.Outcome, error) {
	var outcome types.Outcome
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOutcomes)
		data := b.Get([]byte(id))
		if data == nil {
			return &ErrNotFound{Kind: "outcome", ID: id}
		}
		return json.Unmarshal(data, &outcome)
	})
	if err != nil {
		return nil, err
	}
	return &outcome, nil
}

func (s *BoltStore) ListOutcomes() ([]*types.Outcome, error) {
	var outcomes []*types.Outcome
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOutcomes)
		return b.ForEach(func(k, v []byte) error {
			var outcome types.Outcome
			if err := json.Unmarshal(v, &outcome); err != nil {
				return err
			}
			outcomes = append(outcomes, &outcome)
			return nil
		})
	})
	return outcomes, err
}

func (s *BoltStore) UpdateOutcome(outcome *types.Outcome) error {
	return s.CreateOutcome(outcome) // Same as create (upsert)
}

func (s *BoltStore) DeleteOutcome(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOutcomes)
		return b.Delete([]byte(id))
	})
}

// Notification operations
func (s *BoltStore) CreateNotification(notification *types.Notification) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNotifications)
		data, err := json.Marshal(notification)
		if err != nil {
			return err
		}
		return b.Put([]byte(notification.ID), data)
	})
}

func (s *BoltStore) GetNotification(id string) (*types.Notification, error) {
	var notification types.Notification
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNotifications)
		data := b.Get([]byte(id))
		if data == nil {
			return &ErrNotFound{Kind: "notification", ID: id}
		}
		return json.Unmarshal(data, &notification)
	})
	if err != nil {
		return nil, err
	}
	return &notification, nil
}

func (s *BoltStore) ListNotificationsByUser(userID string) ([]*types.Notification, error) {
	var notifications []*types.Notification
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNotifications)
		return b.ForEach(func(k, v []byte) error {
			var notification types.Notification
			if err := json.Unmarshal(v, &notification); err != nil {
				return err
			}
			if notification.UserID == userID {
				notifications = append(notifications, &notification)
			}
			return nil
		})
	})
	return notifications, err
}

func (s *BoltStore) UpdateNotification(notification *types.Notification) error {
	return s.CreateNotification(notification)
}

func (s *BoltStore) DeleteNotification(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNotifications)
		return b.Delete([]byte(id))
	})
}
