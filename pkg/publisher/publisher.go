package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/umbrix-io/umbrix/pkg/cache"
	"github.com/umbrix-io/umbrix/pkg/connector"
	"github.com/umbrix-io/umbrix/pkg/lock"
	"github.com/umbrix-io/umbrix/pkg/log"
	"github.com/umbrix-io/umbrix/pkg/mailer"
	"github.com/umbrix-io/umbrix/pkg/metrics"
	"github.com/umbrix-io/umbrix/pkg/stream"
	"github.com/umbrix-io/umbrix/pkg/template"
	"github.com/umbrix-io/umbrix/pkg/types"
	"github.com/umbrix-io/umbrix/pkg/webhook"
)

// StatusID identifies the publisher manager on the status surface
const StatusID = "PUBLISHER_MANAGER"

// Lease is an acquired leadership lock
type Lease interface {
	Release(ctx context.Context) error
}

// Locker hands out leadership leases. Contention is reported as
// lock.ErrContended
type Locker interface {
	Acquire(ctx context.Context, keys []string, opts lock.Options) (Lease, error)
}

type redisLocker struct {
	locker *lock.Locker
}

func (r redisLocker) Acquire(ctx context.Context, keys []string, opts lock.Options) (Lease, error) {
	return r.locker.Acquire(ctx, keys, opts)
}

// NewRedisLocker adapts the Redis locker to the Locker interface
func NewRedisLocker(l *lock.Locker) Locker {
	return redisLocker{locker: l}
}

// Processor is the stream consumer a leadership cycle drives
type Processor interface {
	Start(ctx context.Context, from string) error
	Running() bool
	Errors() <-chan error
	Shutdown() error
}

// ProcessorFactory builds a fresh stream consumer bound to the given
// batch handler. Each leadership cycle gets its own consumer
type ProcessorFactory func(handler stream.Handler) Processor

// Inbox creates in-platform notification records
type Inbox interface {
	Add(notification *types.Notification) (*types.Notification, error)
}

// Config holds the publisher manager settings
type Config struct {
	Enabled          bool
	LockKey          string
	LockTTL          time.Duration
	ScheduleInterval time.Duration
	PollInterval     time.Duration
	DocURI           string
}

// Manager runs the notification dispatch pipeline on whichever
// instance holds the leadership lock. Every instance keeps attempting
// acquisition on its schedule; the losers stay idle until the holder
// releases or expires
type Manager struct {
	cfg        Config
	locker     Locker
	processors ProcessorFactory
	cache      *cache.Cache
	inbox      Inbox
	mailer     mailer.Mailer
	webhooks   webhook.Sender

	running    atomic.Bool
	started    atomic.Bool
	smtpActive bool

	stopCh   chan struct{}
	stopOnce sync.Once
	doneWG   sync.WaitGroup
	logger   zerolog.Logger
}

// NewManager creates a publisher manager
func NewManager(cfg Config, locker Locker, processors ProcessorFactory, store *cache.Cache, inbox Inbox, mail mailer.Mailer, hooks webhook.Sender) *Manager {
	return &Manager{
		cfg:        cfg,
		locker:     locker,
		processors: processors,
		cache:      store,
		inbox:      inbox,
		mailer:     mail,
		webhooks:   hooks,
		stopCh:     make(chan struct{}),
		logger:     log.WithComponent("publisher"),
	}
}

// Start begins the leadership schedule. It returns immediately; the
// acquisition loop runs in the background until Shutdown
func (m *Manager) Start(ctx context.Context) error {
	if !m.cfg.Enabled {
		m.logger.Info().Msg("Publisher manager disabled by configuration")
		return nil
	}
	if !m.started.CompareAndSwap(false, true) {
		return fmt.Errorf("publisher manager already started")
	}

	m.smtpActive = m.mailer.IsAlive(ctx)
	m.logger.Info().
		Bool("smtp_active", m.smtpActive).
		Dur("schedule_interval", m.cfg.ScheduleInterval).
		Msg("Publisher manager started")

	m.doneWG.Add(1)
	go m.run(ctx)
	return nil
}

// Status reports the manager health surface
func (m *Manager) Status() types.PublisherStatus {
	return types.PublisherStatus{
		ID:           StatusID,
		Enable:       m.cfg.Enabled,
		IsSMTPActive: m.smtpActive,
		Running:      m.running.Load(),
	}
}

// Running reports whether this instance currently holds leadership and
// consumes the stream
func (m *Manager) Running() bool {
	return m.running.Load()
}

// Shutdown stops the schedule, ends any active leadership cycle and
// waits for the lock to be released. Safe to call more than once and
// before Start
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.doneWG.Wait()
	m.logger.Info().Msg("Publisher manager stopped")
}

func (m *Manager) run(ctx context.Context) {
	defer m.doneWG.Done()

	// First attempt happens immediately so a fresh instance does not
	// wait a full schedule interval to take over an uncontended lock.
	m.cycle(ctx)

	ticker := time.NewTicker(m.cfg.ScheduleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.cycle(ctx)
		}
	}
}

// cycle attempts one leadership acquisition. On contention it returns
// right away; on success it owns the stream consumer until shutdown or
// consumer failure, and the lock is released on every exit path
func (m *Manager) cycle(ctx context.Context) {
	lease, err := m.locker.Acquire(ctx, []string{m.cfg.LockKey}, lock.Options{
		RetryCount: 0,
		TTL:        m.cfg.LockTTL,
	})
	if errors.Is(err, lock.ErrContended) {
		metrics.LeadershipCyclesTotal.WithLabelValues("contended").Inc()
		m.logger.Debug().Msg("Leadership lock held by another instance")
		return
	}
	if err != nil {
		metrics.LeadershipCyclesTotal.WithLabelValues("error").Inc()
		m.logger.Error().Err(err).Msg("Failed to acquire leadership lock")
		return
	}
	metrics.LeadershipCyclesTotal.WithLabelValues("acquired").Inc()
	defer func() {
		if err := lease.Release(context.Background()); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to release leadership lock")
		}
	}()

	m.running.Store(true)
	metrics.PublisherRunning.Set(1)
	defer func() {
		m.running.Store(false)
		metrics.PublisherRunning.Set(0)
	}()

	processor := m.processors(m.handleBatch)
	if err := processor.Start(ctx, stream.PositionLive); err != nil {
		m.logger.Error().Err(err).Msg("Failed to start stream consumer")
		return
	}
	defer func() {
		if err := processor.Shutdown(); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to shut down stream consumer")
		}
	}()

	m.logger.Info().Msg("Leadership acquired, consuming notification stream")

	poll := time.NewTicker(m.cfg.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case err := <-processor.Errors():
			m.logger.Error().Err(err).Msg("Stream consumer reported failure")
		case <-poll.C:
			if !processor.Running() {
				m.logger.Warn().Msg("Stream consumer stopped, ending leadership cycle")
				return
			}
		}
	}
}

// handleBatch processes one batch of stream events. Rule definitions
// are refreshed once per batch; an infrastructure failure here is
// returned to the consumer and surfaces on its error channel
func (m *Manager) handleBatch(ctx context.Context, batch []types.StreamEvent) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.StreamBatchDuration)

	m.cache.InvalidateRules()
	settings, err := m.cache.Settings(ctx)
	if err != nil {
		return fmt.Errorf("failed to load platform settings: %w", err)
	}
	outcomes, err := m.cache.Outcomes(ctx)
	if err != nil {
		return fmt.Errorf("failed to load outcome catalogue: %w", err)
	}

	for _, event := range batch {
		rule, err := m.cache.Rule(ctx, event.NotificationID)
		if err != nil {
			return fmt.Errorf("failed to resolve rule %s: %w", event.NotificationID, err)
		}
		if rule == nil {
			metrics.StreamEventsTotal.WithLabelValues("unknown").Inc()
			m.logger.Debug().Str("rule_id", event.NotificationID).Msg("Dropping event for unknown rule")
			continue
		}

		switch rule.TriggerType {
		case types.TriggerLive:
			metrics.StreamEventsTotal.WithLabelValues("live").Inc()
			m.handleLive(ctx, settings, outcomes, rule, event)
		case types.TriggerDigest:
			metrics.StreamEventsTotal.WithLabelValues("digest").Inc()
			m.handleDigest(ctx, settings, outcomes, rule, event)
		default:
			metrics.StreamEventsTotal.WithLabelValues("unknown").Inc()
			m.logger.Warn().
				Str("rule_id", rule.ID).
				Str("trigger_type", string(rule.TriggerType)).
				Msg("Dropping event with unknown trigger type")
		}
	}
	return nil
}

// handleLive fans a live event out to each listed target. Every target
// gets its own dispatch with a single content item
func (m *Manager) handleLive(ctx context.Context, settings *types.Settings, outcomes map[string]*types.Outcome, rule *types.Rule, event types.StreamEvent) {
	var instance types.Instance
	if len(event.Data) > 0 {
		if err := json.Unmarshal(event.Data, &instance); err != nil {
			m.logger.Warn().Err(err).Str("rule_id", rule.ID).Msg("Skipping live event with undecodable instance payload")
			return
		}
	}

	for _, target := range event.Targets {
		user := target.User
		items := []types.DigestItem{{
			NotificationID: event.NotificationID,
			Instance:       instance,
			Type:           target.Type,
			Message:        target.Message,
		}}
		m.processNotificationEvent(ctx, settings, outcomes, rule, &user, items)
	}
}

// handleDigest dispatches a pre-batched digest event to its single
// target in one call
func (m *Manager) handleDigest(ctx context.Context, settings *types.Settings, outcomes map[string]*types.Outcome, rule *types.Rule, event types.StreamEvent) {
	if event.Target == nil {
		m.logger.Warn().Str("rule_id", rule.ID).Msg("Skipping digest event without target")
		return
	}
	var items []types.DigestItem
	if err := json.Unmarshal(event.Data, &items); err != nil {
		m.logger.Warn().Err(err).Str("rule_id", rule.ID).Msg("Skipping digest event with undecodable item payload")
		return
	}
	m.processNotificationEvent(ctx, settings, outcomes, rule, event.Target, items)
}

// processNotificationEvent delivers one notification to one recipient
// through every outcome configured for it. A failing outcome is logged
// and does not block the others
func (m *Manager) processNotificationEvent(ctx context.Context, settings *types.Settings, outcomes map[string]*types.Outcome, rule *types.Rule, user *types.NotificationUser, items []types.DigestItem) {
	if len(user.Outcomes) == 0 {
		return
	}

	content, err := m.buildContent(ctx, items)
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to build notification content, skipping dispatch")
		return
	}

	tmplCtx := &template.Context{
		Content:         content,
		Notification:    rule,
		Settings:        settings,
		User:            user,
		Data:            items,
		DocURI:          m.cfg.DocURI,
		PlatformURI:     settings.PlatformURI,
		BackgroundColor: template.StripColorMarker(settings.PlatformThemeDarkBackground),
	}

	for _, outcomeID := range user.Outcomes {
		outcome, ok := outcomes[outcomeID]
		if !ok {
			m.logger.Debug().
				Str("outcome_id", outcomeID).
				Str("user_id", user.UserID).
				Msg("Skipping unknown outcome")
			continue
		}

		kind := connector.KindOf(outcome.ConnectorID)
		if err := m.dispatch(ctx, kind, outcome, rule, user, content, tmplCtx); err != nil {
			metrics.DispatchesTotal.WithLabelValues(kind.String(), "failed").Inc()
			m.logger.Error().Err(err).
				Str("outcome_id", outcome.ID).
				Str("connector", kind.String()).
				Str("user_id", user.UserID).
				Msg("Outcome dispatch failed")
			continue
		}
		metrics.DispatchesTotal.WithLabelValues(kind.String(), "sent").Inc()
	}
}

// buildContent groups the content items under the name of the rule
// that produced each of them, preserving first-seen rule order. Items
// from rules that no longer exist are dropped
func (m *Manager) buildContent(ctx context.Context, items []types.DigestItem) ([]types.ContentGroup, error) {
	groups := make([]types.ContentGroup, 0, 1)
	index := make(map[string]int)

	for _, item := range items {
		rule, err := m.cache.Rule(ctx, item.NotificationID)
		if err != nil {
			return nil, err
		}
		if rule == nil {
			m.logger.Debug().Str("rule_id", item.NotificationID).Msg("Dropping content item for unknown rule")
			continue
		}

		event := types.ContentEvent{
			Operation:  item.Type,
			Message:    item.Message,
			InstanceID: item.Instance.ID,
		}
		if i, ok := index[rule.Name]; ok {
			groups[i].Events = append(groups[i].Events, event)
			continue
		}
		index[rule.Name] = len(groups)
		groups = append(groups, types.ContentGroup{Title: rule.Name, Events: []types.ContentEvent{event}})
	}
	return groups, nil
}

func (m *Manager) dispatch(ctx context.Context, kind connector.Kind, outcome *types.Outcome, rule *types.Rule, user *types.NotificationUser, content []types.ContentGroup, tmplCtx *template.Context) error {
	switch kind {
	case connector.KindInbox:
		return m.dispatchInbox(rule, user, content)
	case connector.KindEmail:
		return m.dispatchEmail(ctx, outcome, user, tmplCtx)
	case connector.KindWebhook:
		return m.dispatchWebhook(ctx, outcome, tmplCtx)
	default:
		// External connectors consume the notification stream on their
		// own; nothing to deliver from here.
		m.logger.Debug().Str("outcome_id", outcome.ID).Msg("External connector outcome, no local dispatch")
		return nil
	}
}

func (m *Manager) dispatchInbox(rule *types.Rule, user *types.NotificationUser, content []types.ContentGroup) error {
	_, err := m.inbox.Add(&types.Notification{
		Name:             rule.Name,
		NotificationType: rule.TriggerType,
		UserID:           user.UserID,
		Content:          content,
		Created:          time.Now(),
	})
	return err
}

type emailConfiguration struct {
	Title    string `json:"title"`
	Template string `json:"template"`
}

func (m *Manager) dispatchEmail(ctx context.Context, outcome *types.Outcome, user *types.NotificationUser, tmplCtx *template.Context) error {
	var cfg emailConfiguration
	if err := json.Unmarshal(outcome.Configuration, &cfg); err != nil {
		return fmt.Errorf("invalid email configuration: %w", err)
	}

	subject, err := template.Render("subject", cfg.Title, tmplCtx)
	if err != nil {
		return fmt.Errorf("failed to render email subject: %w", err)
	}
	body, err := template.Render("body", cfg.Template, tmplCtx)
	if err != nil {
		return fmt.Errorf("failed to render email body: %w", err)
	}

	return m.mailer.Send(ctx, mailer.Mail{
		From:    tmplCtx.Settings.PlatformEmail,
		To:      user.UserEmail,
		Subject: subject,
		HTML:    body,
	})
}

type webhookAttribute struct {
	Attribute string `json:"attribute"`
	Value     string `json:"value"`
}

type webhookConfiguration struct {
	URL      string             `json:"url"`
	Template string             `json:"template"`
	Verb     string             `json:"verb"`
	Params   []webhookAttribute `json:"params,omitempty"`
	Headers  []webhookAttribute `json:"headers,omitempty"`
}

func (m *Manager) dispatchWebhook(ctx context.Context, outcome *types.Outcome, tmplCtx *template.Context) error {
	var cfg webhookConfiguration
	if err := json.Unmarshal(outcome.Configuration, &cfg); err != nil {
		return fmt.Errorf("invalid webhook configuration: %w", err)
	}

	body, err := template.Render("payload", cfg.Template, tmplCtx)
	if err != nil {
		return fmt.Errorf("failed to render webhook payload: %w", err)
	}
	if !json.Valid([]byte(body)) {
		return fmt.Errorf("rendered webhook payload is not valid JSON")
	}

	params, err := renderAttributes("param", cfg.Params, tmplCtx)
	if err != nil {
		return err
	}
	headers, err := renderAttributes("header", cfg.Headers, tmplCtx)
	if err != nil {
		return err
	}

	return m.webhooks.Send(ctx, webhook.Request{
		URL:     cfg.URL,
		Method:  cfg.Verb,
		Params:  params,
		Headers: headers,
		Body:    []byte(body),
	})
}

// renderAttributes renders each attribute value as a template so hooks
// can carry per-notification data in query params and headers
func renderAttributes(kind string, attrs []webhookAttribute, tmplCtx *template.Context) (map[string]string, error) {
	if len(attrs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(attrs))
	for _, attr := range attrs {
		value, err := template.Render(kind, attr.Value, tmplCtx)
		if err != nil {
			return nil, fmt.Errorf("failed to render webhook %s %q: %w", kind, attr.Attribute, err)
		}
		out[attr.Attribute] = value
	}
	return out, nil
}
