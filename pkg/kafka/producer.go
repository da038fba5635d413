package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"

	"inkwell/bursar/pkg/models"
)

// Producer publishes billing events: usage reports from metering
// services, alerts and DLQ payloads from the consumer side.
type Producer struct {
	client *kgo.Client
	logger *logrus.Logger
}

func NewProducer(brokers []string, clientID string, logger *logrus.Logger) (*Producer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(10*time.Millisecond),
		kgo.ProducerBatchMaxBytes(1000000),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Producer{client: client, logger: logger}, nil
}

func (p *Producer) Close() error {
	p.client.Close()
	return nil
}

// ProduceMessage publishes one record synchronously.
func (p *Producer) ProduceMessage(topic string, key []byte, value []byte, headers map[string]string) error {
	record := &kgo.Record{
		Topic: topic,
		Key:   key,
		Value: value,
	}
	for k, v := range headers {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}
	return nil
}

// PublishAlert publishes a single billing alert. Alerts are keyed by user
// so consumers see each account's alerts in order.
func (p *Producer) PublishAlert(topic string, alert *models.BillingAlert) error {
	if alert == nil {
		return fmt.Errorf("alert cannot be nil")
	}

	value, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	headers := map[string]string{"kind": alert.Kind}
	if alert.TxnID != "" {
		headers["txn_id"] = alert.TxnID
	}

	return p.ProduceMessage(topic, []byte(alert.UserID), value, headers)
}

// PublishUsageEvents publishes a batch of usage reports.
func (p *Producer) PublishUsageEvents(topic string, events []models.UsageEvent) error {
	records, err := usageEventRecords(topic, events)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := p.client.ProduceSync(ctx, records...).FirstErr(); err != nil {
		return fmt.Errorf("failed to produce batch: %w", err)
	}
	return nil
}

// usageEventRecords builds the records for a usage batch, keyed by user
// so one account's reports land on a single partition in order.
func usageEventRecords(topic string, events []models.UsageEvent) ([]*kgo.Record, error) {
	records := make([]*kgo.Record, 0, len(events))
	for _, event := range events {
		value, err := json.Marshal(event)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event %s: %w", event.EventID, err)
		}
		records = append(records, &kgo.Record{
			Topic: topic,
			Key:   []byte(event.UserID),
			Value: value,
			Headers: []kgo.RecordHeader{
				{Key: "event_id", Value: []byte(event.EventID)},
				{Key: "model", Value: []byte(event.Model)},
			},
		})
	}
	return records, nil
}
