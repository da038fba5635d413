// Package jobs runs the bursar's background work: the Kafka usage-report
// consumer that meters sibling-service LLM calls asynchronously, and a
// periodic sweep that flags holds left open past the stale threshold.
// The sweep observes and alerts only; settlement stays with the hold's
// owner.
package jobs

import (
	"context"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"inkwell/bursar/internal/credits"
	"inkwell/bursar/internal/ledger"
	"inkwell/bursar/pkg/config"
	"inkwell/bursar/pkg/kafka"
	"inkwell/bursar/pkg/logging"
	"inkwell/bursar/pkg/models"
)

const sweepBatchSize = 100

// Manager owns the background jobs and their Kafka clients.
type Manager struct {
	svc    *credits.Service
	store  ledger.Store
	logger logging.Logger

	consumer *kafka.Consumer
	producer *kafka.Producer

	usageTopic  string
	alertsTopic string
	dlqTopic    string

	staleAfter    time.Duration
	sweepInterval time.Duration

	usageEvents *prometheus.CounterVec // {result}
	openHolds   *prometheus.GaugeVec   // {backend}
	backend     string

	stopCh chan struct{}
}

// Options configures a Manager beyond its service dependencies.
type Options struct {
	UsageEvents *prometheus.CounterVec
	OpenHolds   *prometheus.GaugeVec
	Backend     string
}

// NewManager builds the job manager from the environment. Kafka is
// optional: with KAFKA_ENABLED unset the manager only runs the sweep,
// which needs no broker.
func NewManager(svc *credits.Service, store ledger.Store, logger logging.Logger, opts Options) *Manager {
	m := &Manager{
		svc:           svc,
		store:         store,
		logger:        logger,
		usageTopic:    config.GetEnv("KAFKA_USAGE_TOPIC", kafka.DefaultUsageTopic),
		alertsTopic:   config.GetEnv("KAFKA_ALERTS_TOPIC", kafka.DefaultAlertsTopic),
		dlqTopic:      config.GetEnv("KAFKA_USAGE_DLQ", kafka.DefaultUsageDLQ),
		staleAfter:    config.GetEnvDuration("HOLD_STALE_AFTER", 30*time.Minute),
		sweepInterval: config.GetEnvDuration("HOLD_SWEEP_INTERVAL", 5*time.Minute),
		usageEvents:   opts.UsageEvents,
		openHolds:     opts.OpenHolds,
		backend:       opts.Backend,
		stopCh:        make(chan struct{}),
	}

	if !config.GetEnvBool("KAFKA_ENABLED", false) {
		logger.Info("Kafka disabled, usage ingestion runs over HTTP only")
		return m
	}

	brokers := strings.Split(config.GetEnv("KAFKA_BROKERS", "kafka:9092"), ",")
	clientID := config.GetEnv("KAFKA_CLIENT_ID", "bursar")
	groupID := config.GetEnv("KAFKA_GROUP_ID", "bursar-usage")
	kLogger := logrus.New()
	kLogger.SetLevel(config.GetLogLevel())

	consumer, err := kafka.NewConsumer(brokers, groupID, clientID, kLogger)
	if err != nil {
		// The HTTP ingestion twin keeps metering alive, so a missing
		// broker degrades the service instead of stopping it.
		logger.WithError(err).Error("Failed to create Kafka consumer, usage topic will not be consumed")
	} else {
		m.consumer = consumer
	}

	producer, err := kafka.NewProducer(brokers, clientID, kLogger)
	if err != nil {
		logger.WithError(err).Error("Failed to create Kafka producer, alerts and DLQ disabled")
	} else {
		m.producer = producer
	}

	return m
}

// Consumer exposes the usage consumer for health checks, nil when Kafka
// is disabled.
func (m *Manager) Consumer() *kafka.Consumer {
	return m.consumer
}

// Start launches the consumer and the sweep. Both stop when ctx is
// cancelled or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	m.logger.Info("Starting bursar job manager")

	if m.consumer != nil {
		m.consumer.AddHandler(m.usageTopic, m.handleUsageReport)
		go func() {
			if err := m.consumer.Start(ctx); err != nil && ctx.Err() == nil {
				m.logger.WithError(err).Error("Usage consumer exited with error")
			}
		}()
	}

	go m.runStaleHoldSweep(ctx)
}

// Stop shuts down the background jobs and closes the Kafka clients.
func (m *Manager) Stop() {
	m.logger.Info("Stopping bursar job manager")
	close(m.stopCh)
	if m.consumer != nil {
		_ = m.consumer.Close()
	}
	if m.producer != nil {
		_ = m.producer.Close()
	}
}

func (m *Manager) observeUsage(result string) {
	if m.usageEvents == nil {
		return
	}
	m.usageEvents.WithLabelValues(result).Inc()
}

// handleUsageReport meters one usage report from the topic. The event id
// is the ledger dedupe key, so Kafka redelivery returns the recorded
// transaction instead of charging again. Only a ledger outage is
// retryable; everything else is terminal and lands on the DLQ.
func (m *Manager) handleUsageReport(ctx context.Context, msg kafka.Message) error {
	event, err := kafka.DecodeUsageEvent(msg)
	if err != nil {
		m.logger.WithError(err).WithFields(logging.Fields{
			"topic":  msg.Topic,
			"offset": msg.Offset,
		}).Warn("Malformed usage report, sending to DLQ")
		m.observeUsage("malformed")
		m.sendToDLQ(msg, err)
		return nil
	}

	reason := event.Reason
	if reason == "" {
		reason = "usage"
	}

	txn, err := m.svc.DebitUsage(ctx, event.UserID, event.Model,
		event.InputTokens, event.OutputTokens, reason, event.Meta, event.EventID)
	if err != nil {
		if ledger.IsUnavailable(err) {
			// Transient: leave the offset uncommitted and retry.
			return err
		}

		m.logger.WithError(err).WithFields(logging.Fields{
			"event_id": event.EventID,
			"user_id":  event.UserID,
			"model":    event.Model,
		}).Warn("Usage report rejected, sending to DLQ")
		m.observeUsage("rejected")
		m.sendToDLQ(msg, err)

		if ledger.IsInsufficientCredits(err) {
			m.publishAlert(&models.BillingAlert{
				Kind:      "usage_unfunded",
				UserID:    event.UserID,
				Detail:    err.Error(),
				CreatedAt: time.Now().UTC(),
			})
		}
		return nil
	}

	if txn == nil {
		m.observeUsage("zero")
		return nil
	}

	m.observeUsage("metered")
	m.logger.WithFields(logging.Fields{
		"event_id": event.EventID,
		"user_id":  event.UserID,
		"txn_id":   txn.ID,
		"credits":  -txn.Amount,
	}).Debug("Metered usage report")
	return nil
}

func (m *Manager) sendToDLQ(msg kafka.Message, cause error) {
	if m.producer == nil {
		return
	}
	payload, err := kafka.EncodeDLQMessage(msg, cause, "bursar-usage")
	if err != nil {
		m.logger.WithError(err).Error("Failed to encode DLQ payload")
		return
	}
	if err := m.producer.ProduceMessage(m.dlqTopic, msg.Key, payload, nil); err != nil {
		m.logger.WithError(err).WithField("topic", m.dlqTopic).Error("Failed to produce DLQ message")
	}
}

func (m *Manager) publishAlert(alert *models.BillingAlert) {
	if m.producer == nil {
		return
	}
	if err := m.producer.PublishAlert(m.alertsTopic, alert); err != nil {
		m.logger.WithError(err).WithFields(logging.Fields{
			"kind":    alert.Kind,
			"user_id": alert.UserID,
		}).Error("Failed to publish billing alert")
	}
}

// runStaleHoldSweep periodically flags holds open past the stale
// threshold. A stuck hold is a bug in the operation that opened it; the
// sweep never voids, it alerts every pass until the owner settles.
func (m *Manager) runStaleHoldSweep(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	m.logger.WithFields(logging.Fields{
		"stale_after": m.staleAfter.String(),
		"interval":    m.sweepInterval.String(),
	}).Info("Starting stale-hold sweep")

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweepStaleHolds(ctx)
		}
	}
}

func (m *Manager) sweepStaleHolds(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-m.staleAfter)
	holds, err := m.store.OpenHoldsOlderThan(ctx, cutoff, sweepBatchSize)
	if err != nil {
		m.logger.WithError(err).Error("Stale-hold sweep query failed")
		return
	}

	if m.openHolds != nil {
		m.openHolds.WithLabelValues(m.backend).Set(float64(len(holds)))
	}
	if len(holds) == 0 {
		return
	}

	for _, hold := range holds {
		age := time.Since(hold.CreatedAt).Round(time.Second)
		m.logger.WithFields(logging.Fields{
			"txn_id":  hold.ID,
			"user_id": hold.UserID,
			"amount":  -hold.Amount,
			"reason":  hold.Reason,
			"age":     age.String(),
		}).Warn("Hold open past stale threshold")

		m.publishAlert(&models.BillingAlert{
			Kind:      "stale_hold",
			UserID:    hold.UserID,
			TxnID:     hold.ID,
			Amount:    -hold.Amount,
			Detail:    "hold open for " + age.String(),
			CreatedAt: time.Now().UTC(),
		})
	}

	m.logger.WithField("stale_holds", len(holds)).Warn("Stale-hold sweep found open holds")
}
