package handlers

import (
	"github.com/prometheus/client_golang/prometheus"

	"inkwell/bursar/internal/credits"
	"inkwell/bursar/internal/ledger"
	"inkwell/bursar/internal/mollie"
	"inkwell/bursar/internal/pricing"
	"inkwell/bursar/internal/stripe"
	"inkwell/bursar/pkg/llm"
	"inkwell/bursar/pkg/logging"
)

var (
	logger       logging.Logger
	svc          *credits.Service
	store        ledger.Store
	registry     *pricing.Registry
	stripeClient *stripe.Client
	mollieClient *mollie.Client
	llmProvider  llm.Provider
	metrics      *Metrics
)

// Metrics holds the handler-level Prometheus metrics.
type Metrics struct {
	WebhookEvents *prometheus.CounterVec // {provider, result}
	UsageEvents   *prometheus.CounterVec // {result}
}

func observeWebhook(provider, result string) {
	if metrics == nil || metrics.WebhookEvents == nil {
		return
	}
	metrics.WebhookEvents.WithLabelValues(provider, result).Inc()
}

func observeUsageEvent(result string) {
	if metrics == nil || metrics.UsageEvents == nil {
		return
	}
	metrics.UsageEvents.WithLabelValues(result).Inc()
}

// Deps carries everything the handlers need. Payment clients and the LLM
// provider are optional; routes depending on an absent client respond 503.
type Deps struct {
	Logger   logging.Logger
	Service  *credits.Service
	Store    ledger.Store
	Registry *pricing.Registry
	Stripe   *stripe.Client
	Mollie   *mollie.Client
	LLM      llm.Provider
	Metrics  *Metrics
}

// Init initializes the handlers with their dependencies
func Init(deps Deps) {
	logger = deps.Logger
	svc = deps.Service
	store = deps.Store
	registry = deps.Registry
	stripeClient = deps.Stripe
	mollieClient = deps.Mollie
	llmProvider = deps.LLM
	metrics = deps.Metrics
}
