package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"inkwell/bursar/internal/ledger"
	"inkwell/bursar/pkg/logging"
	"inkwell/bursar/pkg/models"
	"inkwell/bursar/pkg/pagination"
	"inkwell/bursar/pkg/testutil"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, logging.NewLogger()), mock
}

func expectLockAccount(mock sqlmock.Sqlmock, userID string, balance, pending int64) {
	mock.ExpectExec("INSERT INTO bursar.accounts").
		WithArgs(userID).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT balance, pending FROM bursar.accounts").
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"balance", "pending"}).AddRow(balance, pending))
}

func TestAppendDebit(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectBegin()
	expectLockAccount(mock, "user-1", 1000, 0)
	mock.ExpectExec("UPDATE bursar.accounts SET balance").
		WithArgs(int64(880), int64(0), testutil.AnyTime{}, "user-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO bursar.credit_transactions").
		WithArgs(sqlmock.AnyArg(), "user-1", int64(-120), "debit", "completed", "chapter_draft",
			sqlmock.AnyArg(), int64(880), int64(0), sqlmock.AnyArg(), sqlmock.AnyArg(),
			testutil.AnyTime{}, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	txn, applied, err := store.Append(context.Background(), ledger.AppendRequest{
		UserID: "user-1",
		Amount: -120,
		Type:   models.TxnDebit,
		Reason: "chapter_draft",
		Meta:   models.Meta{Model: "gpt-4o", InputTokens: 900, OutputTokens: 450},
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !applied {
		t.Fatal("expected append to be applied")
	}
	if txn.BalanceAfter != 880 {
		t.Fatalf("expected balance after 880, got %d", txn.BalanceAfter)
	}
	if txn.Status != models.StatusCompleted {
		t.Fatalf("expected completed status, got %s", txn.Status)
	}
	if txn.CompletedAt == nil {
		t.Fatal("expected completed_at to be set")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAppendProvisionalDebitMovesPending(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectBegin()
	expectLockAccount(mock, "user-1", 1000, 100)
	mock.ExpectExec("UPDATE bursar.accounts SET balance").
		WithArgs(int64(1000), int64(350), testutil.AnyTime{}, "user-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO bursar.credit_transactions").
		WithArgs(sqlmock.AnyArg(), "user-1", int64(-250), "provisional_debit", "pending", "chapter_draft",
			sqlmock.AnyArg(), int64(1000), int64(350), sqlmock.AnyArg(), sqlmock.AnyArg(),
			testutil.AnyTime{}, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	txn, applied, err := store.Append(context.Background(), ledger.AppendRequest{
		UserID: "user-1",
		Amount: -250,
		Type:   models.TxnProvisionalDebit,
		Reason: "chapter_draft",
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !applied {
		t.Fatal("expected append to be applied")
	}
	if txn.Status != models.StatusPending {
		t.Fatalf("expected pending status, got %s", txn.Status)
	}
	if txn.BalanceAfter != 1000 || txn.PendingAfter != 350 {
		t.Fatalf("expected snapshots 1000/350, got %d/%d", txn.BalanceAfter, txn.PendingAfter)
	}
	if txn.CompletedAt != nil {
		t.Fatal("expected open hold to have no completed_at")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAppendInsufficientCredits(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectBegin()
	expectLockAccount(mock, "user-1", 300, 200)
	mock.ExpectRollback()

	_, _, err := store.Append(context.Background(), ledger.AppendRequest{
		UserID: "user-1",
		Amount: -500,
		Type:   models.TxnDebit,
		Reason: "chapter_draft",
	})
	if !ledger.IsInsufficientCredits(err) {
		t.Fatalf("expected insufficient credits error, got %v", err)
	}
	var insufficientErr *ledger.InsufficientCreditsError
	if !errors.As(err, &insufficientErr) {
		t.Fatalf("expected InsufficientCreditsError, got %T", err)
	}
	if insufficientErr.Required != 500 || insufficientErr.Available != 100 {
		t.Fatalf("expected required 500 available 100, got %d/%d", insufficientErr.Required, insufficientErr.Available)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAppendDedupeReplayReturnsExisting(t *testing.T) {
	store, mock := newTestStore(t)
	fixtures := testutil.NewDatabaseFixtures()
	existing := fixtures.CompletedDebitFixture()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, user_id, amount, type, status").
		WithArgs(existing.UserID, *existing.DedupeKey).
		WillReturnRows(sqlmock.NewRows(fixtures.GetTransactionColumns()).
			AddRow(fixtures.GetTransactionRowData(existing)...))
	mock.ExpectRollback()

	txn, applied, err := store.Append(context.Background(), ledger.AppendRequest{
		UserID:    existing.UserID,
		Amount:    -120,
		Type:      models.TxnDebit,
		Reason:    "chapter_draft",
		DedupeKey: *existing.DedupeKey,
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if applied {
		t.Fatal("expected replay to not apply")
	}
	if txn.ID != existing.ID {
		t.Fatalf("expected existing transaction %s, got %s", existing.ID, txn.ID)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAppendDedupeRaceFallsBackToWinner(t *testing.T) {
	store, mock := newTestStore(t)
	fixtures := testutil.NewDatabaseFixtures()
	existing := fixtures.CompletedDebitFixture()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, user_id, amount, type, status").
		WithArgs(existing.UserID, *existing.DedupeKey).
		WillReturnError(sql.ErrNoRows)
	expectLockAccount(mock, existing.UserID, 1000, 0)
	mock.ExpectExec("UPDATE bursar.accounts SET balance").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO bursar.credit_transactions").
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()
	mock.ExpectQuery("SELECT id, user_id, amount, type, status").
		WithArgs(existing.UserID, *existing.DedupeKey).
		WillReturnRows(sqlmock.NewRows(fixtures.GetTransactionColumns()).
			AddRow(fixtures.GetTransactionRowData(existing)...))

	txn, applied, err := store.Append(context.Background(), ledger.AppendRequest{
		UserID:    existing.UserID,
		Amount:    -120,
		Type:      models.TxnDebit,
		Reason:    "chapter_draft",
		DedupeKey: *existing.DedupeKey,
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if applied {
		t.Fatal("expected race loser to not apply")
	}
	if txn.ID != existing.ID {
		t.Fatalf("expected winner transaction %s, got %s", existing.ID, txn.ID)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAppendRejectsWrongSign(t *testing.T) {
	store, _ := newTestStore(t)

	_, _, err := store.Append(context.Background(), ledger.AppendRequest{
		UserID: "user-1",
		Amount: 120,
		Type:   models.TxnDebit,
		Reason: "chapter_draft",
	})
	if err == nil {
		t.Fatal("expected error for positive debit amount")
	}

	_, _, err = store.Append(context.Background(), ledger.AppendRequest{
		UserID: "user-1",
		Amount: -50,
		Type:   models.TxnCredit,
		Reason: "credit_topup",
	})
	if err == nil {
		t.Fatal("expected error for negative credit amount")
	}
}

func TestSettleFinalize(t *testing.T) {
	store, mock := newTestStore(t)
	fixtures := testutil.NewDatabaseFixtures()
	hold := fixtures.OpenHoldFixture()

	mock.ExpectBegin()
	expectLockAccount(mock, hold.UserID, 880, 250)
	mock.ExpectQuery("SELECT id, user_id, amount, type, status").
		WithArgs(hold.ID, hold.UserID).
		WillReturnRows(sqlmock.NewRows(fixtures.GetTransactionColumns()).
			AddRow(fixtures.GetTransactionRowData(hold)...))
	mock.ExpectExec("UPDATE bursar.accounts SET balance").
		WithArgs(int64(700), int64(0), testutil.AnyTime{}, hold.UserID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE bursar.credit_transactions").
		WithArgs(int64(-180), sqlmock.AnyArg(), int64(700), int64(0), testutil.AnyTime{}, hold.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	settlement, err := store.Settle(context.Background(), ledger.SettleRequest{
		UserID: hold.UserID,
		TxnID:  hold.ID,
		Action: ledger.SettleFinalize,
		Actual: 180,
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !settlement.Applied {
		t.Fatal("expected settlement to apply")
	}
	if settlement.Txn.Amount != -180 {
		t.Fatalf("expected finalized amount -180, got %d", settlement.Txn.Amount)
	}
	if settlement.Txn.Status != models.StatusCompleted {
		t.Fatalf("expected completed status, got %s", settlement.Txn.Status)
	}
	if settlement.Release != nil {
		t.Fatal("expected no release row for finalize")
	}
	if settlement.Balance.Available != 700 {
		t.Fatalf("expected available 700, got %d", settlement.Balance.Available)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSettleVoidReleasesHold(t *testing.T) {
	store, mock := newTestStore(t)
	fixtures := testutil.NewDatabaseFixtures()
	hold := fixtures.OpenHoldFixture()

	mock.ExpectBegin()
	expectLockAccount(mock, hold.UserID, 880, 250)
	mock.ExpectQuery("SELECT id, user_id, amount, type, status").
		WithArgs(hold.ID, hold.UserID).
		WillReturnRows(sqlmock.NewRows(fixtures.GetTransactionColumns()).
			AddRow(fixtures.GetTransactionRowData(hold)...))
	mock.ExpectExec("UPDATE bursar.accounts SET pending").
		WithArgs(int64(0), testutil.AnyTime{}, hold.UserID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE bursar.credit_transactions SET status").
		WithArgs(sqlmock.AnyArg(), testutil.AnyTime{}, hold.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO bursar.credit_transactions").
		WithArgs(sqlmock.AnyArg(), hold.UserID, int64(250), "void", "completed", hold.Reason,
			sqlmock.AnyArg(), int64(880), int64(0), sqlmock.AnyArg(), hold.ID,
			testutil.AnyTime{}, testutil.AnyTime{}).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	settlement, err := store.Settle(context.Background(), ledger.SettleRequest{
		UserID: hold.UserID,
		TxnID:  hold.ID,
		Action: ledger.SettleVoid,
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !settlement.Applied {
		t.Fatal("expected settlement to apply")
	}
	if settlement.Txn.Status != models.StatusVoid {
		t.Fatalf("expected void status, got %s", settlement.Txn.Status)
	}
	if settlement.Release == nil {
		t.Fatal("expected a release row")
	}
	if settlement.Release.Amount != 250 || settlement.Release.Type != models.TxnVoid {
		t.Fatalf("expected +250 void release, got %d %s", settlement.Release.Amount, settlement.Release.Type)
	}
	if settlement.Release.ParentID == nil || *settlement.Release.ParentID != hold.ID {
		t.Fatal("expected release to reference the hold")
	}
	if settlement.Balance.Available != 880 {
		t.Fatalf("expected available 880, got %d", settlement.Balance.Available)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSettleFinalizeExcessRejected(t *testing.T) {
	store, mock := newTestStore(t)
	fixtures := testutil.NewDatabaseFixtures()
	hold := fixtures.OpenHoldFixture()

	// Held 250, actual 400. Excess 150 against available 50 must fail and
	// leave the hold open.
	mock.ExpectBegin()
	expectLockAccount(mock, hold.UserID, 300, 250)
	mock.ExpectQuery("SELECT id, user_id, amount, type, status").
		WithArgs(hold.ID, hold.UserID).
		WillReturnRows(sqlmock.NewRows(fixtures.GetTransactionColumns()).
			AddRow(fixtures.GetTransactionRowData(hold)...))
	mock.ExpectRollback()

	_, err := store.Settle(context.Background(), ledger.SettleRequest{
		UserID: hold.UserID,
		TxnID:  hold.ID,
		Action: ledger.SettleFinalize,
		Actual: 400,
	})
	var insufficientErr *ledger.InsufficientCreditsError
	if !errors.As(err, &insufficientErr) {
		t.Fatalf("expected InsufficientCreditsError, got %v", err)
	}
	if insufficientErr.Required != 150 || insufficientErr.Available != 50 {
		t.Fatalf("expected required 150 available 50, got %d/%d", insufficientErr.Required, insufficientErr.Available)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSettleFinalizeClampedToAvailable(t *testing.T) {
	store, mock := newTestStore(t)
	fixtures := testutil.NewDatabaseFixtures()
	hold := fixtures.OpenHoldFixture()

	// Held 250, actual 400, available 50: clamp settles at 300.
	mock.ExpectBegin()
	expectLockAccount(mock, hold.UserID, 300, 250)
	mock.ExpectQuery("SELECT id, user_id, amount, type, status").
		WithArgs(hold.ID, hold.UserID).
		WillReturnRows(sqlmock.NewRows(fixtures.GetTransactionColumns()).
			AddRow(fixtures.GetTransactionRowData(hold)...))
	mock.ExpectExec("UPDATE bursar.accounts SET balance").
		WithArgs(int64(0), int64(0), testutil.AnyTime{}, hold.UserID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE bursar.credit_transactions").
		WithArgs(int64(-300), sqlmock.AnyArg(), int64(0), int64(0), testutil.AnyTime{}, hold.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	settlement, err := store.Settle(context.Background(), ledger.SettleRequest{
		UserID: hold.UserID,
		TxnID:  hold.ID,
		Action: ledger.SettleFinalize,
		Actual: 400,
		Clamp:  true,
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if settlement.Txn.Amount != -300 {
		t.Fatalf("expected clamped amount -300, got %d", settlement.Txn.Amount)
	}
	if settlement.Balance.Balance != 0 {
		t.Fatalf("expected balance 0, got %d", settlement.Balance.Balance)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSettleAlreadySettled(t *testing.T) {
	store, mock := newTestStore(t)
	fixtures := testutil.NewDatabaseFixtures()
	settled := fixtures.OpenHoldFixture()
	settled.Status = models.StatusCompleted
	completedAt := settled.CreatedAt.Add(time.Minute)
	settled.CompletedAt = &completedAt

	mock.ExpectBegin()
	expectLockAccount(mock, settled.UserID, 700, 0)
	mock.ExpectQuery("SELECT id, user_id, amount, type, status").
		WithArgs(settled.ID, settled.UserID).
		WillReturnRows(sqlmock.NewRows(fixtures.GetTransactionColumns()).
			AddRow(fixtures.GetTransactionRowData(settled)...))
	mock.ExpectRollback()

	_, err := store.Settle(context.Background(), ledger.SettleRequest{
		UserID:    settled.UserID,
		TxnID:     settled.ID,
		Action:    ledger.SettleVoid,
		DedupeKey: "different-settle-key",
	})
	var settledErr *ledger.AlreadySettledError
	if !errors.As(err, &settledErr) {
		t.Fatalf("expected AlreadySettledError, got %v", err)
	}
	if settledErr.TxnID != settled.ID || settledErr.Status != models.StatusCompleted {
		t.Fatalf("unexpected error detail: %+v", settledErr)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSettleReplayReturnsPriorOutcome(t *testing.T) {
	store, mock := newTestStore(t)
	fixtures := testutil.NewDatabaseFixtures()
	settled := fixtures.OpenHoldFixture()
	settled.Amount = -180
	settled.Status = models.StatusCompleted
	settled.Meta.SettleDedupeKey = "settle-key-1"
	completedAt := settled.CreatedAt.Add(time.Minute)
	settled.CompletedAt = &completedAt

	mock.ExpectBegin()
	expectLockAccount(mock, settled.UserID, 700, 0)
	mock.ExpectQuery("SELECT id, user_id, amount, type, status").
		WithArgs(settled.ID, settled.UserID).
		WillReturnRows(sqlmock.NewRows(fixtures.GetTransactionColumns()).
			AddRow(fixtures.GetTransactionRowData(settled)...))
	mock.ExpectRollback()

	settlement, err := store.Settle(context.Background(), ledger.SettleRequest{
		UserID:    settled.UserID,
		TxnID:     settled.ID,
		Action:    ledger.SettleFinalize,
		Actual:    180,
		DedupeKey: "settle-key-1",
	})
	if err != nil {
		t.Fatalf("expected replay to succeed, got %v", err)
	}
	if settlement.Applied {
		t.Fatal("expected replay to not apply")
	}
	if settlement.Txn.Amount != -180 {
		t.Fatalf("expected prior amount -180, got %d", settlement.Txn.Amount)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSettleNonHoldNotFound(t *testing.T) {
	store, mock := newTestStore(t)
	fixtures := testutil.NewDatabaseFixtures()
	debit := fixtures.CompletedDebitFixture()

	mock.ExpectBegin()
	expectLockAccount(mock, debit.UserID, 880, 0)
	mock.ExpectQuery("SELECT id, user_id, amount, type, status").
		WithArgs(debit.ID, debit.UserID).
		WillReturnRows(sqlmock.NewRows(fixtures.GetTransactionColumns()).
			AddRow(fixtures.GetTransactionRowData(debit)...))
	mock.ExpectRollback()

	_, err := store.Settle(context.Background(), ledger.SettleRequest{
		UserID: debit.UserID,
		TxnID:  debit.ID,
		Action: ledger.SettleVoid,
	})
	if !ledger.IsNotFound(err) {
		t.Fatalf("expected not found for non-hold transaction, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetBalance(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec("INSERT INTO bursar.accounts").
		WithArgs("user-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT balance, pending, updated_at FROM bursar.accounts").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance", "pending", "updated_at"}).
			AddRow(int64(1000), int64(250), time.Now()))

	balance, err := store.GetBalance(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if balance.Available != 750 {
		t.Fatalf("expected available 750, got %d", balance.Available)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestListTransactionsPagination(t *testing.T) {
	store, mock := newTestStore(t)
	fixtures := testutil.NewDatabaseFixtures()

	rows := sqlmock.NewRows(fixtures.GetTransactionColumns())
	for i := 0; i < 3; i++ {
		txn := fixtures.CompletedDebitFixture()
		txn.ID = txn.ID + string(rune('a'+i))
		txn.DedupeKey = nil
		txn.CreatedAt = txn.CreatedAt.Add(-time.Duration(i) * time.Minute)
		rows.AddRow(fixtures.GetTransactionRowData(txn)...)
	}
	mock.ExpectQuery("SELECT id, user_id, amount, type, status").
		WithArgs("user-fixture-1", 3).
		WillReturnRows(rows)

	txns, page, err := store.ListTransactions(context.Background(), "user-fixture-1", &pagination.Params{Limit: 2})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(txns) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(txns))
	}
	if !page.HasMore {
		t.Fatal("expected more pages")
	}
	if page.NextCursor == "" {
		t.Fatal("expected a next cursor")
	}
	cursor, err := pagination.DecodeCursor(page.NextCursor)
	if err != nil {
		t.Fatalf("expected decodable cursor, got %v", err)
	}
	if cursor.ID != txns[1].ID {
		t.Fatalf("expected cursor at %s, got %s", txns[1].ID, cursor.ID)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestListTransactionsCursorKeepsSameMillisecondRows(t *testing.T) {
	store, mock := newTestStore(t)
	fixtures := testutil.NewDatabaseFixtures()

	// Three rows microseconds apart inside one millisecond, newest first.
	base := time.Date(2026, 8, 24, 10, 30, 5, 123456000, time.UTC)
	seeds := make([]*models.Transaction, 3)
	firstPage := sqlmock.NewRows(fixtures.GetTransactionColumns())
	for i := range seeds {
		txn := fixtures.CompletedDebitFixture()
		txn.ID = txn.ID + string(rune('a'+i))
		txn.DedupeKey = nil
		txn.CreatedAt = base.Add(-time.Duration(i) * 56 * time.Microsecond)
		seeds[i] = txn
		firstPage.AddRow(fixtures.GetTransactionRowData(txn)...)
	}
	mock.ExpectQuery("SELECT id, user_id, amount, type, status").
		WithArgs("user-fixture-1", 3).
		WillReturnRows(firstPage)

	txns, page, err := store.ListTransactions(context.Background(), "user-fixture-1", &pagination.Params{Limit: 2})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(txns) != 2 || !page.HasMore {
		t.Fatalf("expected a full first page, got %d rows has_more=%v", len(txns), page.HasMore)
	}

	boundary := seeds[1]
	cursor, err := pagination.DecodeCursor(page.NextCursor)
	if err != nil {
		t.Fatalf("expected decodable cursor, got %v", err)
	}
	if !cursor.IsSortKey || cursor.GetSortKey() != boundary.CreatedAt.UnixMicro() {
		t.Fatalf("cursor must pin the boundary to the microsecond: %+v", cursor)
	}

	// The second page binds the microsecond-exact boundary, so the row
	// 56µs older in the same millisecond is returned, not skipped.
	params, err := pagination.ParseQuery("2", page.NextCursor)
	if err != nil {
		t.Fatalf("ParseQuery failed: %v", err)
	}
	secondPage := sqlmock.NewRows(fixtures.GetTransactionColumns()).
		AddRow(fixtures.GetTransactionRowData(seeds[2])...)
	mock.ExpectQuery("SELECT id, user_id, amount, type, status").
		WithArgs("user-fixture-1", time.UnixMicro(boundary.CreatedAt.UnixMicro()).UTC(), boundary.ID, 3).
		WillReturnRows(secondPage)

	rest, page, err := store.ListTransactions(context.Background(), "user-fixture-1", params)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(rest) != 1 || rest[0].ID != seeds[2].ID || page.HasMore {
		t.Fatalf("expected the same-millisecond row to close the listing, got %d rows has_more=%v", len(rest), page.HasMore)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSettleTopUpGrantsOnce(t *testing.T) {
	store, mock := newTestStore(t)

	created := time.Now().Add(-time.Minute)
	orderColumns := []string{"id", "user_id", "provider", "provider_ref", "credits", "amount_cents", "currency", "status", "created_at", "updated_at"}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, user_id, provider, provider_ref").
		WithArgs("cs_test_123").
		WillReturnRows(sqlmock.NewRows(orderColumns).
			AddRow("pay_1", "user-1", "stripe", "cs_test_123", int64(5000), int64(1000), "USD", "open", created, created))
	mock.ExpectQuery("SELECT id, user_id, amount, type, status").
		WithArgs("user-1", "topup:cs_test_123").
		WillReturnError(sql.ErrNoRows)
	expectLockAccount(mock, "user-1", 100, 0)
	mock.ExpectExec("UPDATE bursar.accounts SET balance").
		WithArgs(int64(5100), int64(0), testutil.AnyTime{}, "user-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO bursar.credit_transactions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE bursar.payment_orders SET status").
		WithArgs("pay_1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	txn, applied, err := store.SettleTopUp(context.Background(), "cs_test_123")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !applied {
		t.Fatal("expected grant to apply")
	}
	if txn.Amount != 5000 || txn.Type != models.TxnCredit {
		t.Fatalf("expected +5000 credit, got %d %s", txn.Amount, txn.Type)
	}
	if txn.Reason != "credit_topup" {
		t.Fatalf("expected credit_topup reason, got %s", txn.Reason)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSettleTopUpPaidOrderReplays(t *testing.T) {
	store, mock := newTestStore(t)
	fixtures := testutil.NewDatabaseFixtures()
	grant := fixtures.CompletedDebitFixture()
	grant.Amount = 5000
	grant.Type = models.TxnCredit
	dedupe := "topup:cs_test_123"
	grant.DedupeKey = &dedupe

	created := time.Now().Add(-time.Hour)
	orderColumns := []string{"id", "user_id", "provider", "provider_ref", "credits", "amount_cents", "currency", "status", "created_at", "updated_at"}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, user_id, provider, provider_ref").
		WithArgs("cs_test_123").
		WillReturnRows(sqlmock.NewRows(orderColumns).
			AddRow("pay_1", grant.UserID, "stripe", "cs_test_123", int64(5000), int64(1000), "USD", "paid", created, created))
	mock.ExpectQuery("SELECT id, user_id, amount, type, status").
		WithArgs(grant.UserID, dedupe).
		WillReturnRows(sqlmock.NewRows(fixtures.GetTransactionColumns()).
			AddRow(fixtures.GetTransactionRowData(grant)...))
	mock.ExpectRollback()

	txn, applied, err := store.SettleTopUp(context.Background(), "cs_test_123")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if applied {
		t.Fatal("expected paid order to not grant again")
	}
	if txn == nil || txn.ID != grant.ID {
		t.Fatal("expected the prior grant transaction")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestInsertModelPriceRetriesOnVersionRace(t *testing.T) {
	store, mock := newTestStore(t)

	price := models.ModelPrice{
		ModelID:        "gpt-4o",
		InputUSDPer1M:  "2.500000",
		OutputUSDPer1M: "10.000000",
	}

	mock.ExpectQuery("INSERT INTO bursar.model_prices").
		WithArgs(price.ModelID, price.InputUSDPer1M, price.OutputUSDPer1M, sqlmock.AnyArg()).
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectQuery("INSERT INTO bursar.model_prices").
		WithArgs(price.ModelID, price.InputUSDPer1M, price.OutputUSDPer1M, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(4))

	version, err := store.InsertModelPrice(context.Background(), price)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if version != 4 {
		t.Fatalf("expected version 4, got %d", version)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
