package alert

import (
	"encoding/json"
	"fmt"
)

// FormatPayload builds the webhook body for the given format.
func FormatPayload(format string, event Event) ([]byte, error) {
	switch format {
	case "slack":
		return formatSlack(event)
	case "pagerduty":
		return formatPagerDuty(event)
	default:
		return formatGeneric(event)
	}
}

func formatGeneric(event Event) ([]byte, error) {
	return json.Marshal(event)
}

func formatSlack(event Event) ([]byte, error) {
	org := event.OrgID
	if org == "" {
		org = "all"
	}
	payload := map[string]any{
		"blocks": []any{
			map[string]any{
				"type": "header",
				"text": map[string]any{
					"type": "plain_text",
					"text": fmt.Sprintf("elders: %s", event.Topic),
				},
			},
			map[string]any{
				"type": "section",
				"fields": []any{
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Elder:* %s", event.From)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Organization:* %s", org)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Priority:* %s", event.Priority)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Summary:* %s", event.Summary)},
				},
			},
		},
	}
	return json.Marshal(payload)
}

func formatPagerDuty(event Event) ([]byte, error) {
	payload := map[string]any{
		"event_action": "trigger",
		"dedup_key":    event.MessageID,
		"payload": map[string]any{
			"summary":  event.Summary,
			"severity": pagerDutySeverity(event.Priority),
			"source":   "mtaa-elders",
			"custom_details": map[string]any{
				"topic":    event.Topic,
				"from":     event.From,
				"org_id":   event.OrgID,
				"priority": event.Priority,
				"details":  event.Details,
			},
		},
	}
	return json.Marshal(payload)
}

func pagerDutySeverity(priority string) string {
	switch priority {
	case "critical":
		return "critical"
	case "high":
		return "error"
	case "normal":
		return "warning"
	default:
		return "info"
	}
}
