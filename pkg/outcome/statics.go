package outcome

import (
	"encoding/json"
	"time"

	"github.com/umbrix-io/umbrix/pkg/connector"
	"github.com/umbrix-io/umbrix/pkg/types"
)

// Platform-shipped sample outcomes. They appear in Usable alongside
// stored entries but are never persisted and cannot be deleted.
const (
	staticTeamLiveID   = "8b1b9f63-6f24-4f2a-a567-6bd84e64b7f2"
	staticTeamDigestID = "c7f1e6c2-45bd-4f83-9d0e-0f6b3aa52477"
)

const teamLiveTemplate = `{
    "type": "message",
    "attachments": [
        {
            "contentType": "application/vnd.microsoft.card.thumbnail",
            "content": {
                "subtitle": "Operation : {{(index (index .content 0).Events 0).Operation}}",
                "title": "{{(index (index .content 0).Events 0).Message}}",
                "buttons": [
                    {
                        "type": "openUrl",
                        "title": "See in Umbrix",
                        "value": "{{.platform_uri}}/dashboard/id/{{(index (index .content 0).Events 0).InstanceID}}"
                    }
                ]
            }
        }
    ]
}`

const teamDigestTemplate = `{
    "type": "message",
    "attachments": [
        {
            "contentType": "application/vnd.microsoft.card.adaptive",
            "content": {
                "$schema": "http://adaptivecards.io/schemas/adaptive-card.json",
                "type": "AdaptiveCard",
                "version": "1.0",
                "body": [
                    {
                        "type": "Container",
                        "items": [
                            {
                                "type": "TextBlock",
                                "text": "{{.notification.Name}}",
                                "weight": "bolder",
                                "size": "extraLarge"
                            }
                        ]
                    }{{range .content}},
                    {
                        "type": "Container",
                        "items": [{{range $i, $e := .Events}}{{if $i}},{{end}}
                            {
                                "type": "TextBlock",
                                "text": "[{{$e.Message}}]({{$.platform_uri}}/dashboard/id/{{$e.InstanceID}})"
                            }{{end}}
                        ]
                    }{{end}}
                ]
            }
        }
    ]
}`

// StaticOutcomes returns fresh copies of the built-in sample outcomes
func StaticOutcomes() []*types.Outcome {
	created := time.Date(2023, 7, 8, 0, 0, 0, 0, time.UTC)

	liveConfig, _ := json.Marshal(map[string]any{
		"template": teamLiveTemplate,
		"url":      "https://YOUR_DOMAIN.webhook.office.com/YOUR_ENDPOINT",
		"verb":     "POST",
	})
	digestConfig, _ := json.Marshal(map[string]any{
		"template": teamDigestTemplate,
		"url":      "https://YOUR_DOMAIN.webhook.office.com/YOUR_ENDPOINT",
		"verb":     "POST",
	})

	return []*types.Outcome{
		{
			ID:            staticTeamLiveID,
			Name:          "Sample of Team message for live trigger",
			Description:   "This is a sample outcome to send a team message. The template is already filled and fully customizable. You need to add the correct Teams endpoint to get it working.",
			ConnectorID:   connector.ConnectorWebhook,
			Configuration: liveConfig,
			BuiltIn:       true,
			Created:       created,
			Updated:       created,
		},
		{
			ID:            staticTeamDigestID,
			Name:          "Sample of Team message for Digest trigger",
			Description:   "This is a sample outcome to send a team message. The template is already filled and fully customizable. You need to add the correct Teams endpoint to get it working.",
			ConnectorID:   connector.ConnectorWebhook,
			Configuration: digestConfig,
			BuiltIn:       true,
			Created:       created,
			Updated:       created,
		},
	}
}
