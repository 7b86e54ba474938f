package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umbrix-io/umbrix/pkg/cache"
	"github.com/umbrix-io/umbrix/pkg/connector"
	"github.com/umbrix-io/umbrix/pkg/lock"
	"github.com/umbrix-io/umbrix/pkg/mailer"
	"github.com/umbrix-io/umbrix/pkg/stream"
	"github.com/umbrix-io/umbrix/pkg/types"
	"github.com/umbrix-io/umbrix/pkg/webhook"
)

type fakeLease struct {
	mu       sync.Mutex
	released int
}

func (l *fakeLease) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released++
	return nil
}

func (l *fakeLease) releaseCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.released
}

type fakeLocker struct {
	contended bool
	lease     *fakeLease
	acquired  int
}

func (f *fakeLocker) Acquire(ctx context.Context, keys []string, opts lock.Options) (Lease, error) {
	if f.contended {
		return nil, lock.ErrContended
	}
	f.acquired++
	return f.lease, nil
}

type fakeProcessor struct {
	mu       sync.Mutex
	running  bool
	started  int
	shutdown int
	errCh    chan error
}

func newFakeProcessor(running bool) *fakeProcessor {
	return &fakeProcessor{running: running, errCh: make(chan error, 1)}
}

func (p *fakeProcessor) Start(ctx context.Context, from string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started++
	return nil
}

func (p *fakeProcessor) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *fakeProcessor) Errors() <-chan error {
	return p.errCh
}

func (p *fakeProcessor) Shutdown() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = false
	p.shutdown++
	return nil
}

type fakeInbox struct {
	mu    sync.Mutex
	added []*types.Notification
	err   error
}

func (f *fakeInbox) Add(n *types.Notification) (*types.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.added = append(f.added, n)
	return n, nil
}

type fakeMailer struct {
	mu    sync.Mutex
	sent  []mailer.Mail
	alive bool
	err   error
}

func (f *fakeMailer) Send(ctx context.Context, mail mailer.Mail) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, mail)
	return nil
}

func (f *fakeMailer) IsAlive(ctx context.Context) bool {
	return f.alive
}

type fakeSender struct {
	mu   sync.Mutex
	sent []webhook.Request
	err  error
}

func (f *fakeSender) Send(ctx context.Context, req webhook.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, req)
	return nil
}

type fixtures struct {
	settings *types.Settings
	outcomes []*types.Outcome
	rules    []*types.Rule
}

func testCache(fx fixtures) *cache.Cache {
	settings := fx.settings
	if settings == nil {
		settings = &types.Settings{
			PlatformEmail:               "no-reply@cti.example.com",
			PlatformURI:                 "https://cti.example.com",
			PlatformThemeDarkBackground: "#0a1929",
		}
	}
	return cache.New(
		func(ctx context.Context) (*types.Settings, error) { return settings, nil },
		func(ctx context.Context) ([]*types.Outcome, error) { return fx.outcomes, nil },
		func(ctx context.Context) ([]*types.Rule, error) { return fx.rules, nil },
	)
}

func testManager(fx fixtures, inbox *fakeInbox, mail *fakeMailer, hooks *fakeSender) *Manager {
	cfg := Config{
		Enabled:          true,
		LockKey:          "publisher_manager_lock",
		LockTTL:          100 * time.Millisecond,
		ScheduleInterval: 20 * time.Millisecond,
		PollInterval:     5 * time.Millisecond,
		DocURI:           "https://docs.cti.example.com",
	}
	factory := func(handler stream.Handler) Processor { return newFakeProcessor(true) }
	return NewManager(cfg, &fakeLocker{lease: &fakeLease{}}, factory, testCache(fx), inbox, mail, hooks)
}

func inboxOutcome(id string) *types.Outcome {
	return &types.Outcome{
		ID:            id,
		Name:          "Platform inbox",
		ConnectorID:   connector.ConnectorInbox,
		Configuration: json.RawMessage(`{}`),
	}
}

func TestHandleBatchLiveFansOutPerTarget(t *testing.T) {
	inbox := &fakeInbox{}
	fx := fixtures{
		outcomes: []*types.Outcome{inboxOutcome("out-1")},
		rules:    []*types.Rule{{ID: "rule-1", Name: "New report", TriggerType: types.TriggerLive}},
	}
	m := testManager(fx, inbox, &fakeMailer{alive: true}, &fakeSender{})

	event := types.StreamEvent{
		NotificationID: "rule-1",
		Targets: []types.LiveTarget{
			{User: types.NotificationUser{UserID: "u1", Outcomes: []string{"out-1"}}, Type: "create", Message: "[report] APT campaign"},
			{User: types.NotificationUser{UserID: "u2", Outcomes: []string{"out-1"}}, Type: "create", Message: "[report] APT campaign"},
		},
		Data: json.RawMessage(`{"id":"report--42"}`),
	}
	require.NoError(t, m.handleBatch(context.Background(), []types.StreamEvent{event}))

	require.Len(t, inbox.added, 2)
	assert.Equal(t, "u1", inbox.added[0].UserID)
	assert.Equal(t, "u2", inbox.added[1].UserID)
	assert.Equal(t, "New report", inbox.added[0].Name)
	assert.Equal(t, types.TriggerLive, inbox.added[0].NotificationType)
	require.Len(t, inbox.added[0].Content, 1)
	require.Len(t, inbox.added[0].Content[0].Events, 1)
	assert.Equal(t, "report--42", inbox.added[0].Content[0].Events[0].InstanceID)
}

func TestHandleBatchDigestSingleDispatch(t *testing.T) {
	inbox := &fakeInbox{}
	fx := fixtures{
		outcomes: []*types.Outcome{inboxOutcome("out-1")},
		rules: []*types.Rule{
			{ID: "digest-1", Name: "Weekly digest", TriggerType: types.TriggerDigest},
			{ID: "rule-a", Name: "Malware watch", TriggerType: types.TriggerLive},
			{ID: "rule-b", Name: "Report watch", TriggerType: types.TriggerLive},
		},
	}
	m := testManager(fx, inbox, &fakeMailer{alive: true}, &fakeSender{})

	items := []types.DigestItem{
		{NotificationID: "rule-a", Instance: types.Instance{ID: "malware--1"}, Type: "create", Message: "first"},
		{NotificationID: "rule-b", Instance: types.Instance{ID: "report--1"}, Type: "update", Message: "second"},
		{NotificationID: "rule-a", Instance: types.Instance{ID: "malware--2"}, Type: "create", Message: "third"},
	}
	data, err := json.Marshal(items)
	require.NoError(t, err)

	event := types.StreamEvent{
		NotificationID: "digest-1",
		Target:         &types.NotificationUser{UserID: "u1", Outcomes: []string{"out-1"}},
		Data:           data,
	}
	require.NoError(t, m.handleBatch(context.Background(), []types.StreamEvent{event}))

	require.Len(t, inbox.added, 1)
	content := inbox.added[0].Content
	require.Len(t, content, 2)
	// Groups keep first-seen rule order and merge repeated rules.
	assert.Equal(t, "Malware watch", content[0].Title)
	require.Len(t, content[0].Events, 2)
	assert.Equal(t, "first", content[0].Events[0].Message)
	assert.Equal(t, "third", content[0].Events[1].Message)
	assert.Equal(t, "Report watch", content[1].Title)
	require.Len(t, content[1].Events, 1)
}

func TestHandleBatchDropsUnknownRule(t *testing.T) {
	inbox := &fakeInbox{}
	m := testManager(fixtures{outcomes: []*types.Outcome{inboxOutcome("out-1")}}, inbox, &fakeMailer{alive: true}, &fakeSender{})

	event := types.StreamEvent{
		NotificationID: "gone",
		Targets:        []types.LiveTarget{{User: types.NotificationUser{UserID: "u1", Outcomes: []string{"out-1"}}}},
	}
	require.NoError(t, m.handleBatch(context.Background(), []types.StreamEvent{event}))
	assert.Empty(t, inbox.added)
}

func TestDispatchFailureDoesNotBlockOtherOutcomes(t *testing.T) {
	inbox := &fakeInbox{}
	hooks := &fakeSender{err: fmt.Errorf("upstream returned 500")}
	fx := fixtures{
		outcomes: []*types.Outcome{
			{
				ID:          "out-hook",
				Name:        "Team channel",
				ConnectorID: connector.ConnectorWebhook,
				Configuration: json.RawMessage(`{
					"url": "https://hooks.example.com/t1",
					"verb": "POST",
					"template": "{\"text\": \"alert\"}"
				}`),
			},
			inboxOutcome("out-inbox"),
		},
		rules: []*types.Rule{{ID: "rule-1", Name: "New report", TriggerType: types.TriggerLive}},
	}
	m := testManager(fx, inbox, &fakeMailer{alive: true}, hooks)

	event := types.StreamEvent{
		NotificationID: "rule-1",
		Targets: []types.LiveTarget{{
			User:    types.NotificationUser{UserID: "u1", Outcomes: []string{"out-hook", "out-inbox"}},
			Type:    "create",
			Message: "[report] incident",
		}},
	}
	require.NoError(t, m.handleBatch(context.Background(), []types.StreamEvent{event}))

	// The webhook failed but the inbox notification was still created.
	require.Len(t, inbox.added, 1)
	assert.Empty(t, hooks.sent)
}

func TestDispatchSkipsUnknownOutcome(t *testing.T) {
	inbox := &fakeInbox{}
	fx := fixtures{
		outcomes: []*types.Outcome{inboxOutcome("out-1")},
		rules:    []*types.Rule{{ID: "rule-1", Name: "New report", TriggerType: types.TriggerLive}},
	}
	m := testManager(fx, inbox, &fakeMailer{alive: true}, &fakeSender{})

	event := types.StreamEvent{
		NotificationID: "rule-1",
		Targets: []types.LiveTarget{{
			User: types.NotificationUser{UserID: "u1", Outcomes: []string{"deleted-outcome", "out-1"}},
		}},
	}
	require.NoError(t, m.handleBatch(context.Background(), []types.StreamEvent{event}))
	require.Len(t, inbox.added, 1)
}

func TestEmailDispatchRendersSubjectAndBody(t *testing.T) {
	mail := &fakeMailer{alive: true}
	fx := fixtures{
		outcomes: []*types.Outcome{{
			ID:          "out-mail",
			Name:        "Email me",
			ConnectorID: connector.ConnectorEmail,
			Configuration: json.RawMessage(`{
				"title": "Update from {{.notification.Name}}",
				"template": "<div style=\"background:#{{.background_color}}\">{{.user.UserEmail}}</div>"
			}`),
		}},
		rules: []*types.Rule{{ID: "rule-1", Name: "Report watch", TriggerType: types.TriggerLive}},
	}
	m := testManager(fx, &fakeInbox{}, mail, &fakeSender{})

	event := types.StreamEvent{
		NotificationID: "rule-1",
		Targets: []types.LiveTarget{{
			User:    types.NotificationUser{UserID: "u1", UserEmail: "analyst@example.com", Outcomes: []string{"out-mail"}},
			Type:    "create",
			Message: "[report] new intel",
		}},
	}
	require.NoError(t, m.handleBatch(context.Background(), []types.StreamEvent{event}))

	require.Len(t, mail.sent, 1)
	assert.Equal(t, "no-reply@cti.example.com", mail.sent[0].From)
	assert.Equal(t, "analyst@example.com", mail.sent[0].To)
	assert.Equal(t, "Update from Report watch", mail.sent[0].Subject)
	// The theme color marker is stripped before templating.
	assert.Equal(t, `<div style="background:#0a1929">analyst@example.com</div>`, mail.sent[0].HTML)
}

func TestWebhookDispatchRendersPayloadAndAttributes(t *testing.T) {
	hooks := &fakeSender{}
	fx := fixtures{
		outcomes: []*types.Outcome{{
			ID:          "out-hook",
			Name:        "Team channel",
			ConnectorID: connector.ConnectorWebhook,
			Configuration: json.RawMessage(`{
				"url": "https://hooks.example.com/t1",
				"verb": "POST",
				"template": "{\"text\": \"{{(index (index .content 0).Events 0).Message}}\"}",
				"headers": [{"attribute": "X-Rule", "value": "{{.notification.Name}}"}]
			}`),
		}},
		rules: []*types.Rule{{ID: "rule-1", Name: "Report watch", TriggerType: types.TriggerLive}},
	}
	m := testManager(fx, &fakeInbox{}, &fakeMailer{alive: true}, hooks)

	event := types.StreamEvent{
		NotificationID: "rule-1",
		Targets: []types.LiveTarget{{
			User:    types.NotificationUser{UserID: "u1", Outcomes: []string{"out-hook"}},
			Type:    "create",
			Message: "new intel",
		}},
	}
	require.NoError(t, m.handleBatch(context.Background(), []types.StreamEvent{event}))

	require.Len(t, hooks.sent, 1)
	req := hooks.sent[0]
	assert.Equal(t, "https://hooks.example.com/t1", req.URL)
	assert.Equal(t, "POST", req.Method)
	assert.JSONEq(t, `{"text": "new intel"}`, string(req.Body))
	assert.Equal(t, "Report watch", req.Headers["X-Rule"])
}

func TestWebhookDispatchRejectsNonJSONPayload(t *testing.T) {
	hooks := &fakeSender{}
	fx := fixtures{
		outcomes: []*types.Outcome{{
			ID:          "out-hook",
			Name:        "Team channel",
			ConnectorID: connector.ConnectorWebhook,
			Configuration: json.RawMessage(`{
				"url": "https://hooks.example.com/t1",
				"verb": "POST",
				"template": "plain text, not json"
			}`),
		}},
		rules: []*types.Rule{{ID: "rule-1", Name: "Report watch", TriggerType: types.TriggerLive}},
	}
	m := testManager(fx, &fakeInbox{}, &fakeMailer{alive: true}, hooks)

	event := types.StreamEvent{
		NotificationID: "rule-1",
		Targets: []types.LiveTarget{{
			User: types.NotificationUser{UserID: "u1", Outcomes: []string{"out-hook"}},
		}},
	}
	require.NoError(t, m.handleBatch(context.Background(), []types.StreamEvent{event}))
	assert.Empty(t, hooks.sent)
}

func TestCycleContentionStaysIdle(t *testing.T) {
	var factoryCalls int
	factory := func(handler stream.Handler) Processor {
		factoryCalls++
		return newFakeProcessor(true)
	}
	m := NewManager(Config{Enabled: true, LockKey: "k", PollInterval: time.Millisecond},
		&fakeLocker{contended: true}, factory, testCache(fixtures{}), &fakeInbox{}, &fakeMailer{}, &fakeSender{})

	m.cycle(context.Background())

	assert.Zero(t, factoryCalls)
	assert.False(t, m.Running())
}

func TestCycleReleasesLockWhenConsumerStops(t *testing.T) {
	lease := &fakeLease{}
	proc := newFakeProcessor(false)
	factory := func(handler stream.Handler) Processor { return proc }
	m := NewManager(Config{Enabled: true, LockKey: "k", PollInterval: time.Millisecond},
		&fakeLocker{lease: lease}, factory, testCache(fixtures{}), &fakeInbox{}, &fakeMailer{}, &fakeSender{})

	m.cycle(context.Background())

	assert.Equal(t, 1, proc.started)
	assert.Equal(t, 1, lease.releaseCount())
	assert.False(t, m.Running())
}

func TestStartAndShutdownReleasesLock(t *testing.T) {
	lease := &fakeLease{}
	proc := newFakeProcessor(true)
	factory := func(handler stream.Handler) Processor { return proc }
	m := NewManager(Config{
		Enabled:          true,
		LockKey:          "k",
		ScheduleInterval: time.Hour,
		PollInterval:     time.Millisecond,
	}, &fakeLocker{lease: lease}, factory, testCache(fixtures{}), &fakeInbox{}, &fakeMailer{alive: true}, &fakeSender{})

	require.NoError(t, m.Start(context.Background()))
	assert.Eventually(t, m.Running, time.Second, time.Millisecond)

	m.Shutdown()
	assert.False(t, m.Running())
	assert.Equal(t, 1, lease.releaseCount())

	proc.mu.Lock()
	defer proc.mu.Unlock()
	assert.Equal(t, 1, proc.shutdown)
}

func TestShutdownIsIdempotentAndSafeBeforeStart(t *testing.T) {
	m := testManager(fixtures{}, &fakeInbox{}, &fakeMailer{}, &fakeSender{})
	m.Shutdown()
	m.Shutdown()
}

func TestStartDisabledDoesNothing(t *testing.T) {
	locker := &fakeLocker{lease: &fakeLease{}}
	factory := func(handler stream.Handler) Processor { return newFakeProcessor(true) }
	m := NewManager(Config{Enabled: false}, locker, factory, testCache(fixtures{}), &fakeInbox{}, &fakeMailer{}, &fakeSender{})

	require.NoError(t, m.Start(context.Background()))
	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, locker.acquired)
	assert.False(t, m.Status().Running)
}

func TestStatus(t *testing.T) {
	m := testManager(fixtures{}, &fakeInbox{}, &fakeMailer{alive: true}, &fakeSender{})
	require.NoError(t, m.Start(context.Background()))
	defer m.Shutdown()

	status := m.Status()
	assert.Equal(t, "PUBLISHER_MANAGER", status.ID)
	assert.True(t, status.Enable)
	assert.True(t, status.IsSMTPActive)
}
