// Package postgres implements the ledger store on PostgreSQL via lib/pq.
// Per-user serialization comes from SELECT ... FOR UPDATE on the account
// row inside a single SQL transaction.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"inkwell/bursar/internal/ledger"
	"inkwell/bursar/pkg/ids"
	"inkwell/bursar/pkg/logging"
	"inkwell/bursar/pkg/models"
	"inkwell/bursar/pkg/pagination"
)

const txnColumns = `id, user_id, amount, type, status, reason, meta, balance_after, pending_after, dedupe_key, parent_id, created_at, completed_at`

// Store is the PostgreSQL ledger backend.
type Store struct {
	db     *sql.DB
	logger logging.Logger
}

// New creates a postgres-backed ledger store.
func New(db *sql.DB, logger logging.Logger) *Store {
	return &Store{db: db, logger: logger}
}

func (s *Store) GetBalance(ctx context.Context, userID string) (models.Balance, error) {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO bursar.accounts (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`, userID); err != nil {
		return models.Balance{}, &ledger.UnavailableError{Op: "create account", Err: err}
	}

	var balance, pending int64
	var updatedAt time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT balance, pending, updated_at FROM bursar.accounts WHERE user_id = $1
	`, userID).Scan(&balance, &pending, &updatedAt)
	if err != nil {
		return models.Balance{}, &ledger.UnavailableError{Op: "get balance", Err: err}
	}

	return balanceView(balance, pending, updatedAt), nil
}

func (s *Store) Append(ctx context.Context, req ledger.AppendRequest) (*models.Transaction, bool, error) {
	if err := validateAppend(req); err != nil {
		return nil, false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, &ledger.UnavailableError{Op: "append", Err: err}
	}
	defer tx.Rollback()

	txn, applied, err := s.appendInTx(ctx, tx, req, time.Now().UTC())
	if err != nil {
		// A dedupe race slips past the pre-insert check when the competing
		// append commits between our check and insert. The unique index is
		// the authority; fetch the winner and report a replay.
		if isUniqueViolation(err) {
			_ = tx.Rollback()
			if req.DedupeKey != "" {
				existing, derr := s.txnByDedupe(ctx, s.db, req.UserID, req.DedupeKey)
				if derr == nil {
					return existing, false, nil
				}
			}
			return nil, false, &ledger.UnavailableError{Op: "append", Err: err}
		}
		return nil, false, err
	}
	if !applied {
		return txn, false, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, false, &ledger.UnavailableError{Op: "append commit", Err: err}
	}
	return txn, true, nil
}

func (s *Store) Settle(ctx context.Context, req ledger.SettleRequest) (*ledger.Settlement, error) {
	if req.Action == ledger.SettleFinalize && req.Actual < 0 {
		return nil, fmt.Errorf("ledger: finalize requires a non-negative actual amount, got %d", req.Actual)
	}
	if req.Action != ledger.SettleFinalize && req.Action != ledger.SettleVoid {
		return nil, fmt.Errorf("ledger: unknown settle action %q", req.Action)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &ledger.UnavailableError{Op: "settle", Err: err}
	}
	defer tx.Rollback()

	balance, pending, err := s.lockAccount(ctx, tx, req.UserID)
	if err != nil {
		return nil, err
	}

	hold, err := s.holdForUpdate(ctx, tx, req.UserID, req.TxnID)
	if err != nil {
		return nil, err
	}

	if hold.Status != models.StatusPending {
		if req.DedupeKey != "" && hold.Meta.SettleDedupeKey == req.DedupeKey {
			settlement, perr := s.priorSettlement(ctx, tx, hold, balance, pending)
			if perr != nil {
				return nil, perr
			}
			return settlement, nil
		}
		return nil, &ledger.AlreadySettledError{TxnID: hold.ID, Status: hold.Status}
	}

	held := -hold.Amount
	now := time.Now().UTC()
	meta := ledger.MergeMeta(hold.Meta, req.Meta)
	if req.DedupeKey != "" {
		meta.SettleDedupeKey = req.DedupeKey
	}

	switch req.Action {
	case ledger.SettleVoid:
		return s.voidInTx(ctx, tx, hold, held, balance, pending, meta, req, now)
	default:
		return s.finalizeInTx(ctx, tx, hold, held, balance, pending, meta, req, now)
	}
}

func (s *Store) GetTransaction(ctx context.Context, userID, txnID string) (*models.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+txnColumns+` FROM bursar.credit_transactions
		WHERE id = $1 AND user_id = $2
	`, txnID, userID)
	txn, err := scanTxn(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ledger.NotFoundError{ID: txnID}
	}
	if err != nil {
		return nil, &ledger.UnavailableError{Op: "get transaction", Err: err}
	}
	return txn, nil
}

func (s *Store) ListTransactions(ctx context.Context, userID string, params *pagination.Params) ([]models.Transaction, *pagination.Page, error) {
	if params == nil {
		params = &pagination.Params{}
	}
	params.Limit = pagination.ClampLimit(params.Limit)
	kb := pagination.KeysetBuilder{TimestampColumn: "created_at", IDColumn: "id"}

	query := `SELECT ` + txnColumns + ` FROM bursar.credit_transactions WHERE user_id = $1`
	args := []interface{}{userID}
	if cond, condArgs := kb.Condition(params, 2); cond != "" {
		query += " AND " + cond
		args = append(args, condArgs...)
	}
	query += " " + kb.OrderBy() + fmt.Sprintf(" LIMIT $%d", len(args)+1)
	args = append(args, params.Limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, &ledger.UnavailableError{Op: "list transactions", Err: err}
	}
	defer rows.Close()

	var txns []models.Transaction
	for rows.Next() {
		txn, err := scanTxn(rows)
		if err != nil {
			return nil, nil, &ledger.UnavailableError{Op: "scan transaction", Err: err}
		}
		txns = append(txns, *txn)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, &ledger.UnavailableError{Op: "list transactions", Err: err}
	}

	rawLen := len(txns)
	if rawLen > params.Limit {
		txns = txns[:params.Limit]
	}
	var endCursor string
	if len(txns) > 0 {
		// Microsecond sort keys: the column stores microsecond
		// timestamps, and a millisecond cursor would skip rows sharing
		// the boundary row's millisecond.
		last := txns[len(txns)-1]
		endCursor = pagination.EncodeCursorWithSortKey(last.CreatedAt.UnixMicro(), last.ID)
	}
	page := pagination.BuildPage(rawLen, params.Limit, endCursor)
	return txns, &page, nil
}

func (s *Store) OpenHoldsOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]models.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+txnColumns+` FROM bursar.credit_transactions
		WHERE type = 'provisional_debit' AND status = 'pending' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, &ledger.UnavailableError{Op: "list open holds", Err: err}
	}
	defer rows.Close()

	var holds []models.Transaction
	for rows.Next() {
		txn, err := scanTxn(rows)
		if err != nil {
			return nil, &ledger.UnavailableError{Op: "scan hold", Err: err}
		}
		holds = append(holds, *txn)
	}
	if err := rows.Err(); err != nil {
		return nil, &ledger.UnavailableError{Op: "list open holds", Err: err}
	}
	return holds, nil
}

func (s *Store) ActiveModelPrices(ctx context.Context) ([]models.ModelPrice, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ON (model_id)
			model_id, version, input_usd_per_1m::text, output_usd_per_1m::text, markup::text, created_at
		FROM bursar.model_prices
		ORDER BY model_id, version DESC
	`)
	if err != nil {
		return nil, &ledger.UnavailableError{Op: "load pricing", Err: err}
	}
	defer rows.Close()

	var prices []models.ModelPrice
	for rows.Next() {
		var price models.ModelPrice
		var markup sql.NullString
		if err := rows.Scan(&price.ModelID, &price.Version, &price.InputUSDPer1M, &price.OutputUSDPer1M, &markup, &price.CreatedAt); err != nil {
			return nil, &ledger.UnavailableError{Op: "scan pricing", Err: err}
		}
		if markup.Valid {
			price.Markup = &markup.String
		}
		prices = append(prices, price)
	}
	if err := rows.Err(); err != nil {
		return nil, &ledger.UnavailableError{Op: "load pricing", Err: err}
	}
	return prices, nil
}

func (s *Store) InsertModelPrice(ctx context.Context, price models.ModelPrice) (int, error) {
	// Version assignment races with concurrent admin inserts; the PK
	// rejects the loser, which just recomputes.
	for attempt := 0; attempt < 3; attempt++ {
		var version int
		err := s.db.QueryRowContext(ctx, `
			INSERT INTO bursar.model_prices (model_id, version, input_usd_per_1m, output_usd_per_1m, markup)
			VALUES ($1, (SELECT COALESCE(MAX(version), 0) + 1 FROM bursar.model_prices WHERE model_id = $1), $2, $3, $4)
			RETURNING version
		`, price.ModelID, price.InputUSDPer1M, price.OutputUSDPer1M, nullString(markupValue(price.Markup))).Scan(&version)
		if err == nil {
			return version, nil
		}
		if !isUniqueViolation(err) {
			return 0, &ledger.UnavailableError{Op: "insert pricing", Err: err}
		}
	}
	return 0, &ledger.UnavailableError{Op: "insert pricing", Err: errors.New("version contention")}
}

func (s *Store) CreatePaymentOrder(ctx context.Context, order *models.PaymentOrder) error {
	now := time.Now().UTC()
	order.CreatedAt = now
	order.UpdatedAt = now
	if order.Status == "" {
		order.Status = models.OrderOpen
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bursar.payment_orders (id, user_id, provider, provider_ref, credits, amount_cents, currency, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, order.ID, order.UserID, order.Provider, order.ProviderRef, order.Credits, order.AmountCents, order.Currency, order.Status, order.CreatedAt, order.UpdatedAt)
	if err != nil {
		return &ledger.UnavailableError{Op: "create payment order", Err: err}
	}
	return nil
}

func (s *Store) PaymentOrderByRef(ctx context.Context, providerRef string) (*models.PaymentOrder, error) {
	order, err := scanOrder(s.db.QueryRowContext(ctx, `
		SELECT id, user_id, provider, provider_ref, credits, amount_cents, currency, status, created_at, updated_at
		FROM bursar.payment_orders WHERE provider_ref = $1
	`, providerRef))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ledger.NotFoundError{ID: providerRef}
	}
	if err != nil {
		return nil, &ledger.UnavailableError{Op: "get payment order", Err: err}
	}
	return order, nil
}

func (s *Store) SettleTopUp(ctx context.Context, providerRef string) (*models.Transaction, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, &ledger.UnavailableError{Op: "settle topup", Err: err}
	}
	defer tx.Rollback()

	order, err := scanOrder(tx.QueryRowContext(ctx, `
		SELECT id, user_id, provider, provider_ref, credits, amount_cents, currency, status, created_at, updated_at
		FROM bursar.payment_orders WHERE provider_ref = $1
		FOR UPDATE
	`, providerRef))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, &ledger.NotFoundError{ID: providerRef}
	}
	if err != nil {
		return nil, false, &ledger.UnavailableError{Op: "settle topup", Err: err}
	}

	if order.Status == models.OrderPaid {
		txn, derr := s.txnByDedupe(ctx, tx, order.UserID, topupDedupeKey(providerRef))
		if derr != nil && !errors.Is(derr, sql.ErrNoRows) {
			return nil, false, &ledger.UnavailableError{Op: "settle topup", Err: derr}
		}
		return txn, false, nil
	}
	if order.Status != models.OrderOpen {
		return nil, false, nil
	}

	txn, _, err := s.appendInTx(ctx, tx, ledger.AppendRequest{
		UserID: order.UserID,
		Amount: order.Credits,
		Type:   models.TxnCredit,
		Reason: "credit_topup",
		Meta: models.Meta{
			Provider: string(order.Provider),
			Extra: models.JSONB{
				"order_id":     order.ID,
				"amount_cents": order.AmountCents,
				"currency":     order.Currency,
			},
		},
		DedupeKey: topupDedupeKey(providerRef),
	}, time.Now().UTC())
	if err != nil {
		return nil, false, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE bursar.payment_orders SET status = 'paid', updated_at = now() WHERE id = $1
	`, order.ID); err != nil {
		return nil, false, &ledger.UnavailableError{Op: "settle topup", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, &ledger.UnavailableError{Op: "settle topup commit", Err: err}
	}
	return txn, true, nil
}

func (s *Store) MarkPaymentOrderStatus(ctx context.Context, providerRef string, status models.PaymentOrderStatus) error {
	// Paid orders are terminal; only open orders move to failed/expired.
	_, err := s.db.ExecContext(ctx, `
		UPDATE bursar.payment_orders SET status = $1, updated_at = now()
		WHERE provider_ref = $2 AND status = 'open'
	`, status, providerRef)
	if err != nil {
		return &ledger.UnavailableError{Op: "mark payment order", Err: err}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// appendInTx runs the append choreography inside an open transaction:
// dedupe check, account lock, available guard, balance/pending move, row
// insert with snapshots. The caller commits.
func (s *Store) appendInTx(ctx context.Context, tx *sql.Tx, req ledger.AppendRequest, now time.Time) (*models.Transaction, bool, error) {
	if req.DedupeKey != "" {
		existing, err := s.txnByDedupe(ctx, tx, req.UserID, req.DedupeKey)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, false, &ledger.UnavailableError{Op: "dedupe check", Err: err}
		}
	}

	balance, pending, err := s.lockAccount(ctx, tx, req.UserID)
	if err != nil {
		return nil, false, err
	}

	available := balance - pending
	newBalance, newPending := balance, pending
	status := models.StatusCompleted

	switch req.Type {
	case models.TxnDebit:
		if available+req.Amount < 0 {
			return nil, false, &ledger.InsufficientCreditsError{Required: -req.Amount, Available: max0(available)}
		}
		newBalance += req.Amount
	case models.TxnProvisionalDebit:
		if available+req.Amount < 0 {
			return nil, false, &ledger.InsufficientCreditsError{Required: -req.Amount, Available: max0(available)}
		}
		newPending += -req.Amount
		status = models.StatusPending
	case models.TxnCredit, models.TxnRefund:
		newBalance += req.Amount
	default:
		return nil, false, fmt.Errorf("ledger: append does not accept type %q", req.Type)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE bursar.accounts SET balance = $1, pending = $2, updated_at = $3 WHERE user_id = $4
	`, newBalance, newPending, now, req.UserID); err != nil {
		return nil, false, &ledger.UnavailableError{Op: "update account", Err: err}
	}

	txn := &models.Transaction{
		ID:           ids.NewTxnID(),
		UserID:       req.UserID,
		Amount:       req.Amount,
		Type:         req.Type,
		Status:       status,
		Reason:       req.Reason,
		Meta:         req.Meta,
		BalanceAfter: newBalance,
		PendingAfter: newPending,
		CreatedAt:    now,
	}
	if req.DedupeKey != "" {
		txn.DedupeKey = &req.DedupeKey
	}
	if req.ParentID != "" {
		txn.ParentID = &req.ParentID
	}
	if status == models.StatusCompleted {
		completedAt := now
		txn.CompletedAt = &completedAt
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO bursar.credit_transactions
		(id, user_id, amount, type, status, reason, meta, balance_after, pending_after, dedupe_key, parent_id, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, txn.ID, txn.UserID, txn.Amount, txn.Type, txn.Status, txn.Reason, txn.Meta,
		txn.BalanceAfter, txn.PendingAfter, nullStringPtr(txn.DedupeKey), nullStringPtr(txn.ParentID),
		txn.CreatedAt, nullTimePtr(txn.CompletedAt)); err != nil {
		if isUniqueViolation(err) {
			return nil, false, err
		}
		return nil, false, &ledger.UnavailableError{Op: "insert transaction", Err: err}
	}

	return txn, true, nil
}

func (s *Store) voidInTx(ctx context.Context, tx *sql.Tx, hold *models.Transaction, held, balance, pending int64, meta models.Meta, req ledger.SettleRequest, now time.Time) (*ledger.Settlement, error) {
	newPending := pending - held

	if _, err := tx.ExecContext(ctx, `
		UPDATE bursar.accounts SET pending = $1, updated_at = $2 WHERE user_id = $3
	`, newPending, now, req.UserID); err != nil {
		return nil, &ledger.UnavailableError{Op: "void account update", Err: err}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE bursar.credit_transactions SET status = 'void', meta = $1, completed_at = $2 WHERE id = $3
	`, meta, now, hold.ID); err != nil {
		return nil, &ledger.UnavailableError{Op: "void hold update", Err: err}
	}

	reason := req.Reason
	if reason == "" {
		reason = hold.Reason
	}
	release := &models.Transaction{
		ID:           ids.NewTxnID(),
		UserID:       req.UserID,
		Amount:       held,
		Type:         models.TxnVoid,
		Status:       models.StatusCompleted,
		Reason:       reason,
		Meta:         meta,
		BalanceAfter: balance,
		PendingAfter: newPending,
		ParentID:     &hold.ID,
		CreatedAt:    now,
		CompletedAt:  &now,
	}
	if req.DedupeKey != "" {
		release.DedupeKey = &req.DedupeKey
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO bursar.credit_transactions
		(id, user_id, amount, type, status, reason, meta, balance_after, pending_after, dedupe_key, parent_id, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, release.ID, release.UserID, release.Amount, release.Type, release.Status, release.Reason, release.Meta,
		release.BalanceAfter, release.PendingAfter, nullStringPtr(release.DedupeKey), release.ParentID,
		release.CreatedAt, release.CompletedAt); err != nil {
		return nil, &ledger.UnavailableError{Op: "void release insert", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return nil, &ledger.UnavailableError{Op: "void commit", Err: err}
	}

	settled := *hold
	settled.Status = models.StatusVoid
	settled.Meta = meta
	settled.CompletedAt = &now
	return &ledger.Settlement{
		Txn:     &settled,
		Release: release,
		Balance: balanceView(balance, newPending, now),
		Applied: true,
	}, nil
}

func (s *Store) finalizeInTx(ctx context.Context, tx *sql.Tx, hold *models.Transaction, held, balance, pending int64, meta models.Meta, req ledger.SettleRequest, now time.Time) (*ledger.Settlement, error) {
	actual := req.Actual
	if actual > held {
		excess := actual - held
		available := balance - pending
		if excess > available {
			if !req.Clamp {
				return nil, &ledger.InsufficientCreditsError{Required: excess, Available: max0(available)}
			}
			actual = held + max0(available)
		}
	}

	newPending := pending - held
	newBalance := balance - actual

	if _, err := tx.ExecContext(ctx, `
		UPDATE bursar.accounts SET balance = $1, pending = $2, updated_at = $3 WHERE user_id = $4
	`, newBalance, newPending, now, req.UserID); err != nil {
		return nil, &ledger.UnavailableError{Op: "finalize account update", Err: err}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE bursar.credit_transactions
		SET amount = $1, status = 'completed', meta = $2, balance_after = $3, pending_after = $4, completed_at = $5
		WHERE id = $6
	`, -actual, meta, newBalance, newPending, now, hold.ID); err != nil {
		return nil, &ledger.UnavailableError{Op: "finalize hold update", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return nil, &ledger.UnavailableError{Op: "finalize commit", Err: err}
	}

	settled := *hold
	settled.Amount = -actual
	settled.Status = models.StatusCompleted
	settled.Meta = meta
	settled.BalanceAfter = newBalance
	settled.PendingAfter = newPending
	settled.CompletedAt = &now
	return &ledger.Settlement{
		Txn:     &settled,
		Balance: balanceView(newBalance, newPending, now),
		Applied: true,
	}, nil
}

// priorSettlement reconstructs the outcome of an earlier settle for a
// dedupe replay.
func (s *Store) priorSettlement(ctx context.Context, tx *sql.Tx, hold *models.Transaction, balance, pending int64) (*ledger.Settlement, error) {
	settlement := &ledger.Settlement{
		Txn:     hold,
		Balance: balanceView(balance, pending, time.Now().UTC()),
		Applied: false,
	}
	if hold.Status == models.StatusVoid {
		release, err := scanTxn(tx.QueryRowContext(ctx, `
			SELECT `+txnColumns+` FROM bursar.credit_transactions
			WHERE parent_id = $1 AND type = 'void'
		`, hold.ID))
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, &ledger.UnavailableError{Op: "load settlement", Err: err}
		}
		settlement.Release = release
	}
	return settlement, nil
}

func (s *Store) lockAccount(ctx context.Context, tx *sql.Tx, userID string) (int64, int64, error) {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO bursar.accounts (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`, userID); err != nil {
		return 0, 0, &ledger.UnavailableError{Op: "ensure account", Err: err}
	}

	var balance, pending int64
	err := tx.QueryRowContext(ctx, `
		SELECT balance, pending FROM bursar.accounts WHERE user_id = $1 FOR UPDATE
	`, userID).Scan(&balance, &pending)
	if err != nil {
		return 0, 0, &ledger.UnavailableError{Op: "lock account", Err: err}
	}
	return balance, pending, nil
}

func (s *Store) holdForUpdate(ctx context.Context, tx *sql.Tx, userID, txnID string) (*models.Transaction, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+txnColumns+` FROM bursar.credit_transactions
		WHERE id = $1 AND user_id = $2
		FOR UPDATE
	`, txnID, userID)
	txn, err := scanTxn(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ledger.NotFoundError{ID: txnID}
	}
	if err != nil {
		return nil, &ledger.UnavailableError{Op: "load hold", Err: err}
	}
	if txn.Type != models.TxnProvisionalDebit {
		return nil, &ledger.NotFoundError{ID: txnID}
	}
	return txn, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *Store) txnByDedupe(ctx context.Context, q queryRower, userID, dedupeKey string) (*models.Transaction, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+txnColumns+` FROM bursar.credit_transactions
		WHERE user_id = $1 AND dedupe_key = $2
	`, userID, dedupeKey)
	return scanTxn(row)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTxn(row rowScanner) (*models.Transaction, error) {
	var txn models.Transaction
	var dedupeKey, parentID sql.NullString
	var completedAt sql.NullTime
	err := row.Scan(&txn.ID, &txn.UserID, &txn.Amount, &txn.Type, &txn.Status, &txn.Reason, &txn.Meta,
		&txn.BalanceAfter, &txn.PendingAfter, &dedupeKey, &parentID, &txn.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if dedupeKey.Valid {
		txn.DedupeKey = &dedupeKey.String
	}
	if parentID.Valid {
		txn.ParentID = &parentID.String
	}
	if completedAt.Valid {
		txn.CompletedAt = &completedAt.Time
	}
	return &txn, nil
}

func scanOrder(row rowScanner) (*models.PaymentOrder, error) {
	var order models.PaymentOrder
	err := row.Scan(&order.ID, &order.UserID, &order.Provider, &order.ProviderRef, &order.Credits,
		&order.AmountCents, &order.Currency, &order.Status, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func validateAppend(req ledger.AppendRequest) error {
	switch req.Type {
	case models.TxnDebit, models.TxnProvisionalDebit:
		if req.Amount >= 0 {
			return fmt.Errorf("ledger: %s amount must be negative, got %d", req.Type, req.Amount)
		}
	case models.TxnCredit, models.TxnRefund:
		if req.Amount <= 0 {
			return fmt.Errorf("ledger: %s amount must be positive, got %d", req.Type, req.Amount)
		}
	default:
		return fmt.Errorf("ledger: append does not accept type %q", req.Type)
	}
	if req.UserID == "" {
		return errors.New("ledger: user id is required")
	}
	if req.Reason == "" {
		return errors.New("ledger: reason is required")
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func topupDedupeKey(providerRef string) string {
	return "topup:" + providerRef
}

func balanceView(balance, pending int64, updatedAt time.Time) models.Balance {
	return models.Balance{
		Balance:   balance,
		Pending:   pending,
		Available: max0(balance - pending),
		UpdatedAt: updatedAt,
	}
}

func max0(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func markupValue(markup *string) string {
	if markup == nil {
		return ""
	}
	return *markup
}
