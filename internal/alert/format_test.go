package alert

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatSlack(t *testing.T) {
	body, err := FormatPayload("slack", Event{Topic: "lumen:ethics-violation-detected", From: "LUMEN", Priority: "critical", Summary: "red"})
	require.NoError(t, err)

	var p map[string]any
	require.NoError(t, json.Unmarshal(body, &p))
	blocks := p["blocks"].([]any)
	require.Len(t, blocks, 2)
	header := blocks[0].(map[string]any)["text"].(map[string]any)
	assert.Equal(t, "elders: lumen:ethics-violation-detected", header["text"])
	assert.Contains(t, string(body), "*Organization:* all")
}

func TestFormatPagerDuty(t *testing.T) {
	tests := []struct {
		priority string
		want     string
	}{
		{"critical", "critical"},
		{"high", "error"},
		{"normal", "warning"},
		{"low", "info"},
	}
	for _, tt := range tests {
		t.Run(tt.priority, func(t *testing.T) {
			body, err := FormatPayload("pagerduty", Event{MessageID: "m-1", Priority: tt.priority, Summary: "s"})
			require.NoError(t, err)

			var p map[string]any
			require.NoError(t, json.Unmarshal(body, &p))
			assert.Equal(t, "trigger", p["event_action"])
			assert.Equal(t, "m-1", p["dedup_key"])
			assert.Equal(t, tt.want, p["payload"].(map[string]any)["severity"])
		})
	}
}
