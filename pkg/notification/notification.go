package notification

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/umbrix-io/umbrix/pkg/events"
	"github.com/umbrix-io/umbrix/pkg/storage"
	"github.com/umbrix-io/umbrix/pkg/types"
)

// Service manages in-platform inbox notifications. Records created here
// are the published side effect of the inbox connector and are visible
// to the rest of the platform through the standard entity-read path
type Service struct {
	store  storage.Store
	broker *events.Broker
}

// NewService creates a notification service
func NewService(store storage.Store, broker *events.Broker) *Service {
	return &Service{store: store, broker: broker}
}

// Add persists a new inbox notification
func (s *Service) Add(notification *types.Notification) (*types.Notification, error) {
	if notification.ID == "" {
		notification.ID = uuid.New().String()
	}
	if notification.Created.IsZero() {
		notification.Created = time.Now().UTC()
	}
	if err := s.store.CreateNotification(notification); err != nil {
		return nil, fmt.Errorf("failed to persist notification: %w", err)
	}

	s.broker.Publish(&events.Event{Type: events.EventNotificationCreated, EntityID: notification.ID})
	return notification, nil
}

// ListByUser returns all inbox notifications of one user
func (s *Service) ListByUser(userID string) ([]*types.Notification, error) {
	return s.store.ListNotificationsByUser(userID)
}

// MarkRead flags one notification as read
func (s *Service) MarkRead(id string) (*types.Notification, error) {
	notification, err := s.store.GetNotification(id)
	if err != nil {
		return nil, err
	}
	if notification.IsRead {
		return notification, nil
	}
	notification.IsRead = true
	if err := s.store.UpdateNotification(notification); err != nil {
		return nil, fmt.Errorf("failed to persist notification: %w", err)
	}

	s.broker.Publish(&events.Event{Type: events.EventNotificationRead, EntityID: id})
	return notification, nil
}
