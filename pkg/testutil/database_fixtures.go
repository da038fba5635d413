package testutil

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"inkwell/bursar/pkg/models"
)

// DatabaseFixtures provides test data fixtures for ledger database testing
type DatabaseFixtures struct{}

// NewDatabaseFixtures creates a new database fixtures helper
func NewDatabaseFixtures() *DatabaseFixtures {
	return &DatabaseFixtures{}
}

// AccountFixture creates a funded test account
func (f *DatabaseFixtures) AccountFixture() *models.Account {
	return &models.Account{
		UserID:    "user-fixture-1",
		Balance:   1000,
		Pending:   0,
		CreatedAt: time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC),
	}
}

// CompletedDebitFixture creates a settled usage debit row
func (f *DatabaseFixtures) CompletedDebitFixture() *models.Transaction {
	dedupe := "evt-fixture-1"
	completed := time.Date(2026, 1, 15, 10, 0, 1, 0, time.UTC)
	return &models.Transaction{
		ID:     "txn_fixture_debit",
		UserID: "user-fixture-1",
		Amount: -120,
		Type:   models.TxnDebit,
		Status: models.StatusCompleted,
		Reason: "chapter_draft",
		Meta: models.Meta{
			Model:        "gpt-4o",
			InputTokens:  900,
			OutputTokens: 450,
		},
		BalanceAfter: 880,
		PendingAfter: 0,
		DedupeKey:    &dedupe,
		CreatedAt:    time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC),
		CompletedAt:  &completed,
	}
}

// OpenHoldFixture creates a pending provisional debit row
func (f *DatabaseFixtures) OpenHoldFixture() *models.Transaction {
	return &models.Transaction{
		ID:           "txn_fixture_hold",
		UserID:       "user-fixture-1",
		Amount:       -250,
		Type:         models.TxnProvisionalDebit,
		Status:       models.StatusPending,
		Reason:       "chapter_draft",
		Meta:         models.Meta{Model: "gpt-4o", ChapterID: "ch-12"},
		BalanceAfter: 880,
		PendingAfter: 250,
		CreatedAt:    time.Date(2026, 1, 15, 11, 0, 0, 0, time.UTC),
	}
}

// GetTransactionColumns returns column names in the credit_transactions
// select order used by the postgres store
func (f *DatabaseFixtures) GetTransactionColumns() []string {
	return []string{
		"id", "user_id", "amount", "type", "status", "reason", "meta",
		"balance_after", "pending_after", "dedupe_key", "parent_id",
		"created_at", "completed_at",
	}
}

// GetTransactionRowData returns row values for a Transaction in column order
func (f *DatabaseFixtures) GetTransactionRowData(txn *models.Transaction) []driver.Value {
	meta, _ := json.Marshal(txn.Meta)
	return []driver.Value{
		txn.ID, txn.UserID, txn.Amount, string(txn.Type), string(txn.Status),
		txn.Reason, meta, txn.BalanceAfter, txn.PendingAfter, txn.DedupeKey,
		txn.ParentID, txn.CreatedAt, txn.CompletedAt,
	}
}

// GetAccountColumns returns column names in the accounts select order
func (f *DatabaseFixtures) GetAccountColumns() []string {
	return []string{"user_id", "balance", "pending", "created_at", "updated_at"}
}

// GetAccountRowData returns row values for an Account in column order
func (f *DatabaseFixtures) GetAccountRowData(account *models.Account) []driver.Value {
	return []driver.Value{
		account.UserID, account.Balance, account.Pending,
		account.CreatedAt, account.UpdatedAt,
	}
}

// AnyTime matches any time.Time argument in SQL mocks
type AnyTime struct{}

// Match implements sqlmock.Argument interface
func (AnyTime) Match(v driver.Value) bool {
	_, ok := v.(time.Time)
	return ok
}

// NullTimeValue represents a nullable time value for SQL mocking
type NullTimeValue struct {
	Time  time.Time
	Valid bool
}

// Match implements sqlmock.Argument interface
func (n NullTimeValue) Match(v driver.Value) bool {
	switch val := v.(type) {
	case time.Time:
		return n.Valid && val.Equal(n.Time)
	case nil:
		return !n.Valid
	default:
		return false
	}
}

// NullStringValue represents a nullable string value for SQL mocking
type NullStringValue struct {
	String string
	Valid  bool
}

// Match implements sqlmock.Argument interface
func (n NullStringValue) Match(v driver.Value) bool {
	switch val := v.(type) {
	case string:
		return n.Valid && val == n.String
	case nil:
		return !n.Valid
	default:
		return false
	}
}
