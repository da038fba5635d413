// Package sqlite implements the ledger store on an embedded SQLite
// database via modernc.org/sqlite. It backs single-node and development
// deployments; timestamps are stored as unix milliseconds.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"inkwell/bursar/internal/ledger"
	"inkwell/bursar/pkg/database"
	"inkwell/bursar/pkg/ids"
	"inkwell/bursar/pkg/logging"
	"inkwell/bursar/pkg/models"
	"inkwell/bursar/pkg/pagination"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS accounts (
    user_id    TEXT PRIMARY KEY,
    balance    INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
    pending    INTEGER NOT NULL DEFAULT 0 CHECK (pending >= 0),
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS credit_transactions (
    id            TEXT PRIMARY KEY,
    user_id       TEXT NOT NULL REFERENCES accounts(user_id),
    amount        INTEGER NOT NULL,
    type          TEXT NOT NULL,
    status        TEXT NOT NULL,
    reason        TEXT NOT NULL,
    meta          TEXT NOT NULL DEFAULT '{}',
    balance_after INTEGER NOT NULL,
    pending_after INTEGER NOT NULL,
    dedupe_key    TEXT,
    parent_id     TEXT REFERENCES credit_transactions(id),
    created_at    INTEGER NOT NULL,
    completed_at  INTEGER
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_credit_txns_dedupe
    ON credit_transactions (user_id, dedupe_key)
    WHERE dedupe_key IS NOT NULL;

CREATE INDEX IF NOT EXISTS idx_credit_txns_user_created
    ON credit_transactions (user_id, created_at DESC, id DESC);

CREATE INDEX IF NOT EXISTS idx_credit_txns_open_holds
    ON credit_transactions (created_at)
    WHERE status = 'pending' AND type = 'provisional_debit';

CREATE TABLE IF NOT EXISTS model_prices (
    model_id          TEXT NOT NULL,
    version           INTEGER NOT NULL,
    input_usd_per_1m  TEXT NOT NULL,
    output_usd_per_1m TEXT NOT NULL,
    markup            TEXT,
    created_at        INTEGER NOT NULL,
    PRIMARY KEY (model_id, version)
);

CREATE TABLE IF NOT EXISTS payment_orders (
    id           TEXT PRIMARY KEY,
    user_id      TEXT NOT NULL,
    provider     TEXT NOT NULL,
    provider_ref TEXT NOT NULL UNIQUE,
    credits      INTEGER NOT NULL CHECK (credits > 0),
    amount_cents INTEGER NOT NULL,
    currency     TEXT NOT NULL DEFAULT 'USD',
    status       TEXT NOT NULL DEFAULT 'open',
    created_at   INTEGER NOT NULL,
    updated_at   INTEGER NOT NULL
);
`

const txnColumns = `id, user_id, amount, type, status, reason, meta, balance_after, pending_after, dedupe_key, parent_id, created_at, completed_at`

// Store is the SQLite ledger backend.
type Store struct {
	db     *sql.DB
	logger logging.Logger
}

// Open initializes or connects to the ledger database at path and applies
// the schema. A single connection serializes all transactions, which is
// the write model SQLite supports anyway.
func Open(path string, logger logging.Logger) (*Store, error) {
	db, err := database.ConnectSQLite(database.SQLiteConfig{Path: path}, logger)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

func (s *Store) GetBalance(ctx context.Context, userID string) (models.Balance, error) {
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (user_id, balance, pending, created_at, updated_at)
		VALUES (?, 0, 0, ?, ?)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, now.UnixMilli(), now.UnixMilli()); err != nil {
		return models.Balance{}, &ledger.UnavailableError{Op: "create account", Err: err}
	}

	var balance, pending, updatedMs int64
	err := s.db.QueryRowContext(ctx, `
		SELECT balance, pending, updated_at FROM accounts WHERE user_id = ?
	`, userID).Scan(&balance, &pending, &updatedMs)
	if err != nil {
		return models.Balance{}, &ledger.UnavailableError{Op: "get balance", Err: err}
	}

	return balanceView(balance, pending, time.UnixMilli(updatedMs)), nil
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

	balance, pending, err := s.ensureAccount(ctx, tx, req.UserID)
	if err != nil {
		return nil, err
	}

	hold, err := s.holdByID(ctx, tx, req.UserID, req.TxnID)
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
		SELECT `+txnColumns+` FROM credit_transactions
		WHERE id = ? AND user_id = ?
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

	query := `SELECT ` + txnColumns + ` FROM credit_transactions WHERE user_id = ?`
	args := []interface{}{userID}
	if params.Cursor != nil {
		query += ` AND (created_at, id) < (?, ?)`
		args = append(args, params.Cursor.GetSortKey(), params.Cursor.ID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
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
		last := txns[len(txns)-1]
		endCursor = pagination.EncodeCursorWithSortKey(last.CreatedAt.UnixMilli(), last.ID)
	}
	page := pagination.BuildPage(rawLen, params.Limit, endCursor)
	return txns, &page, nil
}

func (s *Store) OpenHoldsOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]models.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+txnColumns+` FROM credit_transactions
		WHERE type = 'provisional_debit' AND status = 'pending' AND created_at < ?
		ORDER BY created_at ASC
		LIMIT ?
	`, cutoff.UnixMilli(), limit)
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
		SELECT p.model_id, p.version, p.input_usd_per_1m, p.output_usd_per_1m, p.markup, p.created_at
		FROM model_prices p
		JOIN (
			SELECT model_id, MAX(version) AS version FROM model_prices GROUP BY model_id
		) latest ON latest.model_id = p.model_id AND latest.version = p.version
		ORDER BY p.model_id
	`)
	if err != nil {
		return nil, &ledger.UnavailableError{Op: "load pricing", Err: err}
	}
	defer rows.Close()

	var prices []models.ModelPrice
	for rows.Next() {
		var price models.ModelPrice
		var markup sql.NullString
		var createdMs int64
		if err := rows.Scan(&price.ModelID, &price.Version, &price.InputUSDPer1M, &price.OutputUSDPer1M, &markup, &createdMs); err != nil {
			return nil, &ledger.UnavailableError{Op: "scan pricing", Err: err}
		}
		if markup.Valid {
			price.Markup = &markup.String
		}
		price.CreatedAt = time.UnixMilli(createdMs)
		prices = append(prices, price)
	}
	if err := rows.Err(); err != nil {
		return nil, &ledger.UnavailableError{Op: "load pricing", Err: err}
	}
	return prices, nil
}

func (s *Store) InsertModelPrice(ctx context.Context, price models.ModelPrice) (int, error) {
	for attempt := 0; attempt < 3; attempt++ {
		var version int
		err := s.db.QueryRowContext(ctx, `
			INSERT INTO model_prices (model_id, version, input_usd_per_1m, output_usd_per_1m, markup, created_at)
			VALUES (?, (SELECT COALESCE(MAX(version), 0) + 1 FROM model_prices WHERE model_id = ?), ?, ?, ?, ?)
			RETURNING version
		`, price.ModelID, price.ModelID, price.InputUSDPer1M, price.OutputUSDPer1M,
			nullString(markupValue(price.Markup)), time.Now().UTC().UnixMilli()).Scan(&version)
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
		INSERT INTO payment_orders (id, user_id, provider, provider_ref, credits, amount_cents, currency, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, order.ID, order.UserID, order.Provider, order.ProviderRef, order.Credits, order.AmountCents,
		order.Currency, order.Status, order.CreatedAt.UnixMilli(), order.UpdatedAt.UnixMilli())
	if err != nil {
		return &ledger.UnavailableError{Op: "create payment order", Err: err}
	}
	return nil
}

func (s *Store) PaymentOrderByRef(ctx context.Context, providerRef string) (*models.PaymentOrder, error) {
	order, err := scanOrder(s.db.QueryRowContext(ctx, `
		SELECT id, user_id, provider, provider_ref, credits, amount_cents, currency, status, created_at, updated_at
		FROM payment_orders WHERE provider_ref = ?
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
		FROM payment_orders WHERE provider_ref = ?
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
		UPDATE payment_orders SET status = 'paid', updated_at = ? WHERE id = ?
	`, time.Now().UTC().UnixMilli(), order.ID); err != nil {
		return nil, false, &ledger.UnavailableError{Op: "settle topup", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, &ledger.UnavailableError{Op: "settle topup commit", Err: err}
	}
	return txn, true, nil
}

func (s *Store) MarkPaymentOrderStatus(ctx context.Context, providerRef string, status models.PaymentOrderStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE payment_orders SET status = ?, updated_at = ?
		WHERE provider_ref = ? AND status = 'open'
	`, status, time.Now().UTC().UnixMilli(), providerRef)
	if err != nil {
		return &ledger.UnavailableError{Op: "mark payment order", Err: err}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

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

	balance, pending, err := s.ensureAccount(ctx, tx, req.UserID)
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
		UPDATE accounts SET balance = ?, pending = ?, updated_at = ? WHERE user_id = ?
	`, newBalance, newPending, now.UnixMilli(), req.UserID); err != nil {
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
		INSERT INTO credit_transactions
		(id, user_id, amount, type, status, reason, meta, balance_after, pending_after, dedupe_key, parent_id, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, txn.ID, txn.UserID, txn.Amount, txn.Type, txn.Status, txn.Reason, txn.Meta,
		txn.BalanceAfter, txn.PendingAfter, nullStringPtr(txn.DedupeKey), nullStringPtr(txn.ParentID),
		txn.CreatedAt.UnixMilli(), nullUnixMilli(txn.CompletedAt)); err != nil {
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
		UPDATE accounts SET pending = ?, updated_at = ? WHERE user_id = ?
	`, newPending, now.UnixMilli(), req.UserID); err != nil {
		return nil, &ledger.UnavailableError{Op: "void account update", Err: err}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE credit_transactions SET status = 'void', meta = ?, completed_at = ? WHERE id = ?
	`, meta, now.UnixMilli(), hold.ID); err != nil {
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
		INSERT INTO credit_transactions
		(id, user_id, amount, type, status, reason, meta, balance_after, pending_after, dedupe_key, parent_id, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, release.ID, release.UserID, release.Amount, release.Type, release.Status, release.Reason, release.Meta,
		release.BalanceAfter, release.PendingAfter, nullStringPtr(release.DedupeKey), release.ParentID,
		release.CreatedAt.UnixMilli(), nullUnixMilli(release.CompletedAt)); err != nil {
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
		UPDATE accounts SET balance = ?, pending = ?, updated_at = ? WHERE user_id = ?
	`, newBalance, newPending, now.UnixMilli(), req.UserID); err != nil {
		return nil, &ledger.UnavailableError{Op: "finalize account update", Err: err}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE credit_transactions
		SET amount = ?, status = 'completed', meta = ?, balance_after = ?, pending_after = ?, completed_at = ?
		WHERE id = ?
	`, -actual, meta, newBalance, newPending, now.UnixMilli(), hold.ID); err != nil {
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

func (s *Store) priorSettlement(ctx context.Context, tx *sql.Tx, hold *models.Transaction, balance, pending int64) (*ledger.Settlement, error) {
	settlement := &ledger.Settlement{
		Txn:     hold,
		Balance: balanceView(balance, pending, time.Now().UTC()),
		Applied: false,
	}
	if hold.Status == models.StatusVoid {
		release, err := scanTxn(tx.QueryRowContext(ctx, `
			SELECT `+txnColumns+` FROM credit_transactions
			WHERE parent_id = ? AND type = 'void'
		`, hold.ID))
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, &ledger.UnavailableError{Op: "load settlement", Err: err}
		}
		settlement.Release = release
	}
	return settlement, nil
}

func (s *Store) ensureAccount(ctx context.Context, tx *sql.Tx, userID string) (int64, int64, error) {
	now := time.Now().UTC().UnixMilli()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO accounts (user_id, balance, pending, created_at, updated_at)
		VALUES (?, 0, 0, ?, ?)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, now, now); err != nil {
		return 0, 0, &ledger.UnavailableError{Op: "ensure account", Err: err}
	}

	var balance, pending int64
	err := tx.QueryRowContext(ctx, `
		SELECT balance, pending FROM accounts WHERE user_id = ?
	`, userID).Scan(&balance, &pending)
	if err != nil {
		return 0, 0, &ledger.UnavailableError{Op: "load account", Err: err}
	}
	return balance, pending, nil
}

func (s *Store) holdByID(ctx context.Context, tx *sql.Tx, userID, txnID string) (*models.Transaction, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+txnColumns+` FROM credit_transactions
		WHERE id = ? AND user_id = ?
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
		SELECT `+txnColumns+` FROM credit_transactions
		WHERE user_id = ? AND dedupe_key = ?
	`, userID, dedupeKey)
	return scanTxn(row)
}

func scanTxn(scanner interface{ Scan(dest ...any) error }) (*models.Transaction, error) {
	var txn models.Transaction
	var dedupeKey, parentID sql.NullString
	var createdMs int64
	var completedMs sql.NullInt64
	err := scanner.Scan(&txn.ID, &txn.UserID, &txn.Amount, &txn.Type, &txn.Status, &txn.Reason, &txn.Meta,
		&txn.BalanceAfter, &txn.PendingAfter, &dedupeKey, &parentID, &createdMs, &completedMs)
	if err != nil {
		return nil, err
	}
	txn.CreatedAt = time.UnixMilli(createdMs)
	if dedupeKey.Valid {
		txn.DedupeKey = &dedupeKey.String
	}
	if parentID.Valid {
		txn.ParentID = &parentID.String
	}
	if completedMs.Valid {
		completedAt := time.UnixMilli(completedMs.Int64)
		txn.CompletedAt = &completedAt
	}
	return &txn, nil
}

func scanOrder(scanner interface{ Scan(dest ...any) error }) (*models.PaymentOrder, error) {
	var order models.PaymentOrder
	var createdMs, updatedMs int64
	err := scanner.Scan(&order.ID, &order.UserID, &order.Provider, &order.ProviderRef, &order.Credits,
		&order.AmountCents, &order.Currency, &order.Status, &createdMs, &updatedMs)
	if err != nil {
		return nil, err
	}
	order.CreatedAt = time.UnixMilli(createdMs)
	order.UpdatedAt = time.UnixMilli(updatedMs)
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
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) {
		// SQLITE_CONSTRAINT and its UNIQUE/PRIMARY KEY extensions.
		switch coder.Code() {
		case 19, 1555, 2067:
			return true
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
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

func nullUnixMilli(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func markupValue(markup *string) string {
	if markup == nil {
		return ""
	}
	return *markup
}
