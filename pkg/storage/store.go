package storage

import (
	"github.com/umbrix-io/umbrix/pkg/types"
)

// Store defines the interface for platform entity storage
// This is implemented by BoltDB-backed storage
type Store interface {
	// Outcomes
	CreateOutcome(outcome *types.Outcome) error
	GetOutcome(id string) (*types.Outcome, error)
	ListOutcomes() ([]*types.Outcome, error)
	UpdateOutcome(outcome *types.Outcome) error
	DeleteOutcome(id string) error

	// Notifications
	CreateNotification(notification *types.Notification) error
	GetNotification(id string) (*types.Notification, error)
	ListNotificationsByUser(userID string) ([]*types.Notification, error)
	UpdateNotification(notification *types.Notification) error
	DeleteNotification(id string) error

	// Utility
	Close() error
}
