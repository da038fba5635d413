package kafka

import (
	"encoding/json"
	"fmt"

	"inkwell/bursar/pkg/models"
)

// Default topic names on the platform event bus. Deployments override
// these through the KAFKA_USAGE_TOPIC, KAFKA_ALERTS_TOPIC and
// KAFKA_USAGE_DLQ environment variables read in the job manager.
const (
	DefaultUsageTopic  = "inkwell.usage.reports"
	DefaultAlertsTopic = "inkwell.billing.alerts"
	DefaultUsageDLQ    = "inkwell.usage.reports.dlq"
)

// DecodeUsageEvent parses and validates a usage report message. A message
// that fails here is malformed rather than transient and belongs on the
// DLQ, not in the retry loop.
func DecodeUsageEvent(msg Message) (*models.UsageEvent, error) {
	var event models.UsageEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return nil, fmt.Errorf("unmarshal usage event: %w", err)
	}

	if event.EventID == "" {
		return nil, fmt.Errorf("usage event missing event_id")
	}
	if event.UserID == "" {
		return nil, fmt.Errorf("usage event %s missing user_id", event.EventID)
	}
	if event.Model == "" {
		return nil, fmt.Errorf("usage event %s missing model", event.EventID)
	}
	if event.InputTokens < 0 || event.OutputTokens < 0 {
		return nil, fmt.Errorf("usage event %s has negative token counts", event.EventID)
	}

	return &event, nil
}
