package connector

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/umbrix-io/umbrix/pkg/types"
)

// Built-in connector ids. Externally contributed connectors use their
// own ids and are referenced purely by id
const (
	ConnectorInbox   = "4aa58167-2cdd-41b9-9b72-e44f6bf3a1e9"
	ConnectorEmail   = "9f6fbe55-3c2e-4b40-9713-4b09f9e99a8d"
	ConnectorWebhook = "d2266dcb-5a5f-4f0c-97b2-63be51b6c8b5"
)

// Kind is the dispatch variant of a connector. Built-in kinds form a
// closed enumeration; anything else is External and handled by the
// pipeline as an explicit no-op extension point
type Kind int

const (
	KindExternal Kind = iota
	KindInbox
	KindEmail
	KindWebhook
)

func (k Kind) String() string {
	switch k {
	case KindInbox:
		return "inbox"
	case KindEmail:
		return "email"
	case KindWebhook:
		return "webhook"
	default:
		return "external"
	}
}

// KindOf maps a connector id to its dispatch variant
func KindOf(connectorID string) Kind {
	switch connectorID {
	case ConnectorInbox:
		return KindInbox
	case ConnectorEmail:
		return KindEmail
	case ConnectorWebhook:
		return KindWebhook
	default:
		return KindExternal
	}
}

const emailSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "title": {"type": "string"},
    "template": {"type": "string"}
  },
  "required": ["title", "template"],
  "additionalProperties": false
}`

const emailUISchema = `{
  "title": {"ui:widget": "text"},
  "template": {"ui:widget": "textarea", "ui:options": {"rows": 20}}
}`

const webhookSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "url": {"type": "string"},
    "template": {"type": "string"},
    "verb": {"type": "string", "enum": ["GET", "POST", "PUT", "DELETE"]},
    "params": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "attribute": {"type": "string"},
          "value": {"type": "string"}
        },
        "required": ["attribute", "value"]
      }
    },
    "headers": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "attribute": {"type": "string"},
          "value": {"type": "string"}
        },
        "required": ["attribute", "value"]
      }
    }
  },
  "required": ["url", "template", "verb"],
  "additionalProperties": false
}`

const webhookUISchema = `{
  "url": {"ui:widget": "text"},
  "verb": {"ui:widget": "select"},
  "template": {"ui:widget": "textarea", "ui:options": {"rows": 20}}
}`

const inboxSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false
}`

// Registry is the process-wide catalogue of connector kinds. The three
// built-ins are always present; external integrations may register
// additional definitions at startup
type Registry struct {
	mu       sync.RWMutex
	defs     map[string]*types.ConnectorDefinition
	compiled map[string]*jsonschema.Schema
}

// NewRegistry creates a registry pre-populated with the built-in
// connector definitions
func NewRegistry() *Registry {
	r := &Registry{
		defs:     make(map[string]*types.ConnectorDefinition),
		compiled: make(map[string]*jsonschema.Schema),
	}

	builtins := []*types.ConnectorDefinition{
		{
			ID:                  ConnectorInbox,
			Name:                "Platform inbox",
			ConfigurationSchema: inboxSchema,
		},
		{
			ID:                    ConnectorEmail,
			Name:                  "Email",
			ConfigurationSchema:   emailSchema,
			ConfigurationUISchema: emailUISchema,
		},
		{
			ID:                    ConnectorWebhook,
			Name:                  "Webhook",
			ConfigurationSchema:   webhookSchema,
			ConfigurationUISchema: webhookUISchema,
		},
	}
	for _, def := range builtins {
		// Built-in schemas are static; a compile failure is a programming error.
		if err := r.Register(def); err != nil {
			panic(fmt.Sprintf("connector: invalid built-in schema for %s: %v", def.Name, err))
		}
	}

	return r
}

// Register adds an externally contributed connector definition. The
// configuration schema, when present, must compile
func (r *Registry) Register(def *types.ConnectorDefinition) error {
	var schema *jsonschema.Schema
	if def.ConfigurationSchema != "" {
		compiled, err := jsonschema.CompileString(def.ID+".schema.json", def.ConfigurationSchema)
		if err != nil {
			return fmt.Errorf("failed to compile configuration schema: %w", err)
		}
		schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.ID] = def
	if schema != nil {
		r.compiled[def.ID] = schema
	}
	return nil
}

// Resolve returns the definition for a connector id. A miss is not an
// error at this layer: the outcome store rejects unknown ids at write
// time while the dispatcher treats them as external connectors
func (r *Registry) Resolve(connectorID string) (*types.ConnectorDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[connectorID]
	return def, ok
}

// Definitions returns all registered connector definitions
func (r *Registry) Definitions() []*types.ConnectorDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]*types.ConnectorDefinition, 0, len(r.defs))
	for _, def := range r.defs {
		defs = append(defs, def)
	}
	return defs
}

// Validate checks a raw configuration against the schema declared by
// the connector. The caller is responsible for rejecting connector ids
// that have no registered schema
func (r *Registry) Validate(connectorID string, configuration json.RawMessage) error {
	r.mu.RLock()
	schema, ok := r.compiled[connectorID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no configuration schema for connector %s", connectorID)
	}

	raw := configuration
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return fmt.Errorf("configuration is not valid JSON: %w", err)
	}
	return schema.Validate(value)
}
