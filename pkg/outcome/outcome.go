package outcome

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/umbrix-io/umbrix/pkg/connector"
	"github.com/umbrix-io/umbrix/pkg/events"
	"github.com/umbrix-io/umbrix/pkg/metrics"
	"github.com/umbrix-io/umbrix/pkg/storage"
	"github.com/umbrix-io/umbrix/pkg/types"
)

var (
	// ErrUnsupportedConnector is returned when an outcome references a
	// connector id with no registered configuration schema
	ErrUnsupportedConnector = errors.New("unsupported outcome connector")

	// ErrInvalidConfiguration is returned when an outcome configuration
	// does not validate against the connector schema
	ErrInvalidConfiguration = errors.New("invalid outcome configuration")

	// ErrBuiltInOutcome is returned when deleting a platform-shipped outcome
	ErrBuiltInOutcome = errors.New("built-in outcomes cannot be deleted")
)

// AddInput is the payload for creating an outcome
type AddInput struct {
	Name          string          `json:"name"`
	Description   string          `json:"description,omitempty"`
	ConnectorID   string          `json:"connector_id"`
	Configuration json.RawMessage `json:"configuration,omitempty"`
}

// EditInput patches one attribute of an outcome
type EditInput struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// Filter narrows List results
type Filter struct {
	Search string
}

// Service implements validated CRUD over outcome entities. Every
// mutation is published on the entity event broker for cache
// invalidation and UI live-update
type Service struct {
	store    storage.Store
	registry *connector.Registry
	broker   *events.Broker
}

// NewService creates an outcome service
func NewService(store storage.Store, registry *connector.Registry, broker *events.Broker) *Service {
	return &Service{store: store, registry: registry, broker: broker}
}

// Add validates and persists a new outcome. The connector must be
// registered with a configuration schema and the configuration must
// validate against it; otherwise nothing is persisted
func (s *Service) Add(input AddInput) (*types.Outcome, error) {
	def, ok := s.registry.Resolve(input.ConnectorID)
	if !ok || def.ConfigurationSchema == "" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedConnector, input.ConnectorID)
	}
	if err := s.registry.Validate(input.ConnectorID, input.Configuration); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}

	now := time.Now().UTC()
	outcome := &types.Outcome{
		ID:            uuid.New().String(),
		Name:          input.Name,
		Description:   input.Description,
		ConnectorID:   input.ConnectorID,
		Configuration: input.Configuration,
		Created:       now,
		Updated:       now,
	}
	if err := s.store.CreateOutcome(outcome); err != nil {
		return nil, fmt.Errorf("failed to persist outcome: %w", err)
	}

	metrics.OutcomeMutationsTotal.WithLabelValues("add").Inc()
	s.broker.Publish(&events.Event{Type: events.EventOutcomeAdded, EntityID: outcome.ID})
	return outcome, nil
}

// Get returns one outcome by id
func (s *Service) Get(id string) (*types.Outcome, error) {
	return s.store.GetOutcome(id)
}

// Edit applies attribute patches to an outcome. Authorized member
// entries are rewritten to view access: the dispatch pipeline only ever
// needs read access, edit grants are a store-layer concern. Editing the
// configuration re-validates it against the connector schema
func (s *Service) Edit(id string, patches []EditInput) (*types.Outcome, error) {
	outcome, err := s.store.GetOutcome(id)
	if err != nil {
		return nil, err
	}

	for _, patch := range patches {
		switch patch.Key {
		case "name":
			if err := json.Unmarshal(patch.Value, &outcome.Name); err != nil {
				return nil, fmt.Errorf("invalid name patch: %w", err)
			}
		case "description":
			if err := json.Unmarshal(patch.Value, &outcome.Description); err != nil {
				return nil, fmt.Errorf("invalid description patch: %w", err)
			}
		case "configuration":
			var configuration json.RawMessage
			if err := json.Unmarshal(patch.Value, &configuration); err != nil {
				configuration = patch.Value
			}
			if err := s.registry.Validate(outcome.ConnectorID, configuration); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
			}
			outcome.Configuration = configuration
		case "authorized_members":
			var memberIDs []string
			if err := json.Unmarshal(patch.Value, &memberIDs); err != nil {
				return nil, fmt.Errorf("invalid authorized_members patch: %w", err)
			}
			members := make([]types.MemberAccess, 0, len(memberIDs))
			for _, memberID := range memberIDs {
				members = append(members, types.MemberAccess{ID: memberID, AccessRight: types.AccessRightView})
			}
			outcome.AuthorizedMembers = members
		default:
			return nil, fmt.Errorf("unknown outcome attribute: %s", patch.Key)
		}
	}

	outcome.Updated = time.Now().UTC()
	if err := s.store.UpdateOutcome(outcome); err != nil {
		return nil, fmt.Errorf("failed to persist outcome: %w", err)
	}

	metrics.OutcomeMutationsTotal.WithLabelValues("edit").Inc()
	s.broker.Publish(&events.Event{Type: events.EventOutcomeUpdated, EntityID: outcome.ID})
	return outcome, nil
}

// Delete removes an outcome and returns its id. Built-in outcomes are
// platform-shipped and not user-deletable
func (s *Service) Delete(id string) (string, error) {
	outcome, err := s.store.GetOutcome(id)
	if err != nil {
		return "", err
	}
	if outcome.BuiltIn {
		return "", ErrBuiltInOutcome
	}
	if err := s.store.DeleteOutcome(id); err != nil {
		return "", fmt.Errorf("failed to delete outcome: %w", err)
	}

	metrics.OutcomeMutationsTotal.WithLabelValues("delete").Inc()
	s.broker.Publish(&events.Event{Type: events.EventOutcomeDeleted, EntityID: id})
	return id, nil
}

// List returns stored outcomes matching the filter, sorted by name
func (s *Service) List(filter Filter) ([]*types.Outcome, error) {
	outcomes, err := s.store.ListOutcomes()
	if err != nil {
		return nil, err
	}
	if filter.Search != "" {
		needle := strings.ToLower(filter.Search)
		filtered := outcomes[:0]
		for _, outcome := range outcomes {
			if strings.Contains(strings.ToLower(outcome.Name), needle) {
				filtered = append(filtered, outcome)
			}
		}
		outcomes = filtered
	}
	sortByName(outcomes)
	return outcomes, nil
}

// Usable returns every outcome a notification rule may select: stored
// entries plus the static built-in samples, sorted by name without
// case sensitivity
func (s *Service) Usable() ([]*types.Outcome, error) {
	outcomes, err := s.store.ListOutcomes()
	if err != nil {
		return nil, err
	}
	outcomes = append(outcomes, StaticOutcomes()...)
	sortByName(outcomes)
	return outcomes, nil
}

func sortByName(outcomes []*types.Outcome) {
	sort.SliceStable(outcomes, func(i, j int) bool {
		return strings.ToLower(outcomes[i].Name) < strings.ToLower(outcomes[j].Name)
	})
}
