package types

import (
	"encoding/json"
	"time"
)

// AccessRight defines the level of access a member has on an outcome
type AccessRight string

const (
	AccessRightView  AccessRight = "view"
	AccessRightEdit  AccessRight = "edit"
	AccessRightAdmin AccessRight = "admin"
)

// MemberAccess grants one member an access right on an outcome
type MemberAccess struct {
	ID          string      `json:"id"`
	AccessRight AccessRight `json:"access_right"`
}

// Outcome is a persisted, schema-validated delivery configuration: it
// selects a connector kind and carries the connector-specific
// configuration used when dispatching a notification
type Outcome struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	Description       string          `json:"description,omitempty"`
	ConnectorID       string          `json:"connector_id"`
	Configuration     json.RawMessage `json:"configuration,omitempty"`
	AuthorizedMembers []MemberAccess  `json:"authorized_members,omitempty"`
	BuiltIn           bool            `json:"built_in,omitempty"`
	Created           time.Time       `json:"created"`
	Updated           time.Time       `json:"updated"`
}

// ConnectorDefinition describes a delivery connector kind. The
// configuration schema is the structural contract enforced at outcome
// write time; the UI schema is presentation hints only and is never
// interpreted by the pipeline
type ConnectorDefinition struct {
	ID                    string `json:"id"`
	Name                  string `json:"name"`
	ConfigurationSchema   string `json:"configuration_schema,omitempty"`
	ConfigurationUISchema string `json:"configuration_ui_schema,omitempty"`
}

// TriggerType distinguishes immediate notifications from batched digests
type TriggerType string

const (
	TriggerLive   TriggerType = "live"
	TriggerDigest TriggerType = "digest"
)

// Rule is a notification rule ("trigger"). Rules are owned by the
// notification definition subsystem; the dispatch pipeline only reads
// them through a per-batch cache
type Rule struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	TriggerType TriggerType `json:"trigger_type"`
}

// NotificationUser identifies one recipient together with the outcome
// ids configured for it. An empty outcome list is valid: live triggers
// may target users that only subscribed to digests
type NotificationUser struct {
	UserID    string   `json:"user_id"`
	UserEmail string   `json:"user_email,omitempty"`
	Outcomes  []string `json:"outcomes,omitempty"`
}

// Instance is the minimal projection of the knowledge instance a
// stream event refers to
type Instance struct {
	ID string `json:"id"`
}

// LiveTarget is one recipient entry of a live stream event
type LiveTarget struct {
	User    NotificationUser `json:"user"`
	Type    string           `json:"type"`
	Message string           `json:"message"`
}

// DigestItem is one pre-batched entry of a digest stream event
type DigestItem struct {
	NotificationID string   `json:"notification_id"`
	Instance       Instance `json:"instance"`
	Type           string   `json:"type"`
	Message        string   `json:"message"`
}

// StreamEvent is the raw notification event read from the durable
// stream. Its Data payload is shape-dependent: a single instance for
// live events, a pre-batched item list for digest events. The owning
// rule's trigger type decides which decoding applies
type StreamEvent struct {
	NotificationID string            `json:"notification_id"`
	Targets        []LiveTarget      `json:"targets,omitempty"`
	Target         *NotificationUser `json:"target,omitempty"`
	Data           json.RawMessage   `json:"data,omitempty"`
}

// ContentEvent is the per-change entry of rendered notification content
type ContentEvent struct {
	Operation  string `json:"operation"`
	Message    string `json:"message"`
	InstanceID string `json:"instance_id"`
}

// ContentGroup groups content events under the name of the rule that
// produced them, in insertion order
type ContentGroup struct {
	Title  string         `json:"title"`
	Events []ContentEvent `json:"events"`
}

// Notification is an in-platform inbox record produced by the inbox
// connector and visible through the standard entity-read path
type Notification struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	NotificationType TriggerType    `json:"notification_type"`
	UserID           string         `json:"user_id"`
	Content          []ContentGroup `json:"content"`
	Created          time.Time      `json:"created"`
	IsRead           bool           `json:"is_read"`
}

// Settings carries the process-wide platform settings read by the
// dispatch pipeline
type Settings struct {
	PlatformTitle               string `json:"platform_title,omitempty"`
	PlatformEmail               string `json:"platform_email"`
	PlatformURI                 string `json:"platform_uri"`
	PlatformThemeDarkBackground string `json:"platform_theme_dark_background,omitempty"`
}

// PublisherStatus is the health surface of the publisher manager
type PublisherStatus struct {
	ID           string `json:"id"`
	Enable       bool   `json:"enable"`
	IsSMTPActive bool   `json:"is_smtp_active"`
	Running      bool   `json:"running"`
}
