// Package credits is the use-case layer over the ledger: estimates,
// debits, holds and their settlement, refunds, grants, and the
// billed-operation wrapper. The service owns transaction signs; callers
// always pass positive amounts.
package credits

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"inkwell/bursar/internal/estimate"
	"inkwell/bursar/internal/ledger"
	"inkwell/bursar/internal/pricing"
	"inkwell/bursar/pkg/logging"
	"inkwell/bursar/pkg/models"
	"inkwell/bursar/pkg/pagination"
)

// ValidationError rejects malformed input before it reaches the ledger.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return "credits: " + e.Msg
}

// IsValidation reports whether err is an input validation failure.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// Metrics groups the service's Prometheus instruments. A nil *Metrics
// records nothing, which keeps tests free of global registry state.
type Metrics struct {
	transactions *prometheus.CounterVec
	insufficient *prometheus.CounterVec
	settlement   *prometheus.HistogramVec
}

func NewMetrics(transactions, insufficient *prometheus.CounterVec, settlement *prometheus.HistogramVec) *Metrics {
	return &Metrics{
		transactions: transactions,
		insufficient: insufficient,
		settlement:   settlement,
	}
}

func (m *Metrics) observeTxn(txnType models.TxnType, status models.TxnStatus) {
	if m == nil || m.transactions == nil {
		return
	}
	m.transactions.WithLabelValues(string(txnType), string(status)).Inc()
}

func (m *Metrics) observeInsufficient(operation string) {
	if m == nil || m.insufficient == nil {
		return
	}
	m.insufficient.WithLabelValues(operation).Inc()
}

func (m *Metrics) observeSettlement(outcome string, lifetime time.Duration) {
	if m == nil || m.settlement == nil {
		return
	}
	m.settlement.WithLabelValues(outcome).Observe(lifetime.Seconds())
}

// EstimateRequest describes a pre-flight costing question. Units > 0
// selects the multi-unit job heuristics; otherwise the prompt text and
// token limit price a single call.
type EstimateRequest struct {
	OperationType string
	Model         string
	PromptText    string
	MaxTokens     int64
	Units         int64
	WordsPerUnit  int64
	Quality       float64
}

// Service exposes every credit operation the platform performs.
type Service struct {
	store     ledger.Store
	registry  *pricing.Registry
	estimator *estimate.Estimator
	logger    logging.Logger
	metrics   *Metrics
}

func NewService(store ledger.Store, registry *pricing.Registry, logger logging.Logger, metrics *Metrics) *Service {
	return &Service{
		store:     store,
		registry:  registry,
		estimator: estimate.New(registry),
		logger:    logger,
		metrics:   metrics,
	}
}

// Registry exposes the pricing registry for read paths (admin listing).
func (s *Service) Registry() *pricing.Registry {
	return s.registry
}

// Estimate projects credit cost without touching the ledger.
func (s *Service) Estimate(ctx context.Context, req EstimateRequest) (*models.EstimateBreakdown, error) {
	if req.Model == "" {
		return nil, &ValidationError{Msg: "model is required"}
	}
	if req.Units > 0 {
		if req.WordsPerUnit <= 0 {
			return nil, &ValidationError{Msg: "words_per_unit must be positive for multi-unit estimates"}
		}
		return s.estimator.Job(ctx, req.Model, req.Units, req.WordsPerUnit, req.Quality)
	}
	return s.estimator.SingleCall(ctx, req.Model, req.PromptText, req.MaxTokens)
}

// Debit removes amount from the settled balance immediately.
func (s *Service) Debit(ctx context.Context, userID string, amount int64, reason string, meta models.Meta, dedupeKey string) (*models.Transaction, error) {
	return s.append(ctx, "debit", ledger.AppendRequest{
		UserID:    userID,
		Amount:    -amount,
		Type:      models.TxnDebit,
		Reason:    reason,
		Meta:      meta,
		DedupeKey: dedupeKey,
	}, amount)
}

// ProvisionalDebit reserves amount against the available balance and
// returns the open hold.
func (s *Service) ProvisionalDebit(ctx context.Context, userID string, amount int64, reason string, meta models.Meta, dedupeKey string) (*models.Transaction, error) {
	return s.append(ctx, "hold", ledger.AppendRequest{
		UserID:    userID,
		Amount:    -amount,
		Type:      models.TxnProvisionalDebit,
		Reason:    reason,
		Meta:      meta,
		DedupeKey: dedupeKey,
	}, amount)
}

// Grant adds settled balance (admin grants, top-ups).
func (s *Service) Grant(ctx context.Context, userID string, amount int64, reason string, meta models.Meta, dedupeKey string) (*models.Transaction, error) {
	return s.append(ctx, "grant", ledger.AppendRequest{
		UserID:    userID,
		Amount:    amount,
		Type:      models.TxnCredit,
		Reason:    reason,
		Meta:      meta,
		DedupeKey: dedupeKey,
	}, amount)
}

// Refund returns previously debited balance. When meta names the
// original transaction the refund row links to it.
func (s *Service) Refund(ctx context.Context, userID string, amount int64, reason string, meta models.Meta, dedupeKey string) (*models.Transaction, error) {
	return s.append(ctx, "refund", ledger.AppendRequest{
		UserID:    userID,
		Amount:    amount,
		Type:      models.TxnRefund,
		Reason:    reason,
		Meta:      meta,
		DedupeKey: dedupeKey,
		ParentID:  meta.OriginalTxnID,
	}, amount)
}

// Finalize settles a hold at the actual amount. Excess over the held
// amount must clear the available-balance guard or the hold stays open.
func (s *Service) Finalize(ctx context.Context, userID, txnID string, actual int64, meta models.Meta, dedupeKey string) (*ledger.Settlement, error) {
	return s.settle(ctx, "finalize", ledger.SettleRequest{
		UserID:    userID,
		TxnID:     txnID,
		Action:    ledger.SettleFinalize,
		Actual:    actual,
		Meta:      meta,
		DedupeKey: dedupeKey,
	})
}

// FinalizeClamped settles at min(actual, held+available) so an
// over-budget operation degrades instead of failing.
func (s *Service) FinalizeClamped(ctx context.Context, userID, txnID string, actual int64, meta models.Meta, dedupeKey string) (*ledger.Settlement, error) {
	return s.settle(ctx, "finalize_clamped", ledger.SettleRequest{
		UserID:    userID,
		TxnID:     txnID,
		Action:    ledger.SettleFinalize,
		Actual:    actual,
		Clamp:     true,
		Meta:      meta,
		DedupeKey: dedupeKey,
	})
}

// Void cancels a hold and releases the full reserved amount.
func (s *Service) Void(ctx context.Context, userID, txnID, reason, dedupeKey string) (*ledger.Settlement, error) {
	return s.settle(ctx, "void", ledger.SettleRequest{
		UserID:    userID,
		TxnID:     txnID,
		Action:    ledger.SettleVoid,
		Reason:    reason,
		DedupeKey: dedupeKey,
	})
}

// Balance returns the spendability view of an account.
func (s *Service) Balance(ctx context.Context, userID string) (models.Balance, error) {
	if userID == "" {
		return models.Balance{}, &ValidationError{Msg: "user id is required"}
	}
	return s.store.GetBalance(ctx, userID)
}

// Transactions pages the user's ledger history, newest first.
func (s *Service) Transactions(ctx context.Context, userID string, params *pagination.Params) ([]models.Transaction, *pagination.Page, error) {
	if userID == "" {
		return nil, nil, &ValidationError{Msg: "user id is required"}
	}
	return s.store.ListTransactions(ctx, userID, params)
}

// DebitUsage prices a token count pair and debits it in one call, the
// usage-ingestion path. Zero-token events meter nothing and return a
// nil transaction.
func (s *Service) DebitUsage(ctx context.Context, userID, model string, inputTokens, outputTokens int64, reason string, meta models.Meta, dedupeKey string) (*models.Transaction, error) {
	if userID == "" {
		return nil, &ValidationError{Msg: "user id is required"}
	}
	if reason == "" {
		return nil, &ValidationError{Msg: "reason is required"}
	}
	if inputTokens < 0 || outputTokens < 0 {
		return nil, &ValidationError{Msg: "token counts must not be negative"}
	}

	credits, _, err := s.registry.Credits(ctx, model, inputTokens, outputTokens)
	if err != nil {
		return nil, err
	}
	if credits == 0 {
		return nil, nil
	}

	usageMeta := ledger.MergeMeta(meta, models.Meta{
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
	})
	return s.append(ctx, "usage", ledger.AppendRequest{
		UserID:    userID,
		Amount:    -credits,
		Type:      models.TxnDebit,
		Reason:    reason,
		Meta:      usageMeta,
		DedupeKey: dedupeKey,
	}, credits)
}

func (s *Service) append(ctx context.Context, operation string, req ledger.AppendRequest, amount int64) (*models.Transaction, error) {
	if req.UserID == "" {
		return nil, &ValidationError{Msg: "user id is required"}
	}
	if amount <= 0 {
		return nil, &ValidationError{Msg: "amount must be positive"}
	}
	if req.Reason == "" {
		return nil, &ValidationError{Msg: "reason is required"}
	}

	txn, applied, err := s.store.Append(ctx, req)
	if err != nil {
		if ledger.IsInsufficientCredits(err) {
			s.metrics.observeInsufficient(operation)
		}
		return nil, err
	}

	fields := logging.Fields{
		"user_id": txn.UserID,
		"txn_id":  txn.ID,
		"type":    txn.Type,
		"amount":  txn.Amount,
		"reason":  txn.Reason,
	}
	if !applied {
		s.logger.WithFields(fields).Info("Dedupe replay returned existing transaction")
		return txn, nil
	}
	s.metrics.observeTxn(txn.Type, txn.Status)
	s.logger.WithFields(fields).Info("Ledger transaction applied")
	return txn, nil
}

func (s *Service) settle(ctx context.Context, operation string, req ledger.SettleRequest) (*ledger.Settlement, error) {
	if req.UserID == "" || req.TxnID == "" {
		return nil, &ValidationError{Msg: "user id and transaction id are required"}
	}
	if req.Action == ledger.SettleFinalize && req.Actual < 0 {
		return nil, &ValidationError{Msg: "actual amount must not be negative"}
	}

	settlement, err := s.store.Settle(ctx, req)
	if err != nil {
		if ledger.IsInsufficientCredits(err) {
			s.metrics.observeInsufficient(operation)
		}
		return nil, err
	}

	if settlement.Applied {
		s.metrics.observeTxn(settlement.Txn.Type, settlement.Txn.Status)
		if settlement.Txn.CompletedAt != nil {
			outcome := "finalized"
			if req.Action == ledger.SettleVoid {
				outcome = "voided"
			} else if req.Clamp {
				outcome = "clamped"
			}
			s.metrics.observeSettlement(outcome, settlement.Txn.CompletedAt.Sub(settlement.Txn.CreatedAt))
		}
	}

	s.logger.WithFields(logging.Fields{
		"user_id": req.UserID,
		"txn_id":  req.TxnID,
		"type":    settlement.Txn.Type,
		"status":  settlement.Txn.Status,
		"amount":  settlement.Txn.Amount,
		"reason":  settlement.Txn.Reason,
		"applied": settlement.Applied,
	}).Info("Hold settled")
	return settlement, nil
}
