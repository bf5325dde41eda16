package credit

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
)

var recordColumnNames = []string{"id", "session_id", "from_chain", "to_chain", "amount_usd", "stable_symbol",
	"from_address", "to_address", "status", "error_code", "meta", "created_at", "updated_at"}

func newMockLedger(t *testing.T) (*MySQLLedger, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	ledger, err := NewMySQLLedger(db)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	ledger.now = func() time.Time { return time.Unix(1_700_000_100, 0) }
	t.Cleanup(func() { db.Close() })
	return ledger, mock
}

func TestMySQLLedgerCreate(t *testing.T) {
	ledger, mock := newMockLedger(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO credit_records")).
		WithArgs("rec-1", "s1", "solana_devnet", "base_sepolia", 300.0, "USDC", "src", "dst",
			"created", "", nil, int64(1_700_000_100), int64(1_700_000_100)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	id, err := ledger.Create(context.Background(), &Record{
		ID: "rec-1", SessionID: "s1", FromChain: "solana_devnet", ToChain: "base_sepolia",
		AmountUSD: 300, StableSymbol: "USDC", FromAddress: "src", ToAddress: "dst",
	})
	if err != nil || id != "rec-1" {
		t.Fatalf("create: %q %v", id, err)
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO credit_records")).
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})
	if _, err := ledger.Create(context.Background(), &Record{ID: "rec-1"}); err != ErrRecordConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMySQLLedgerUpdateLocksAndMergesMeta(t *testing.T) {
	ledger, mock := newMockLedger(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM credit_records WHERE id = ? FOR UPDATE")).
		WithArgs("rec-1").
		WillReturnRows(sqlmock.NewRows(recordColumnNames).AddRow(
			"rec-1", "s1", "solana_devnet", "base_sepolia", 300.0, "USDC", "src", "dst",
			"credit_submitted", "", `{"tx_hash":"0xabc"}`, int64(1_700_000_000), int64(1_700_000_000)))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE credit_records SET status = ?, error_code = ?, meta = ?, updated_at = ? WHERE id = ?")).
		WithArgs("credited", "", sqlmock.AnyArg(), int64(1_700_000_100), "rec-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	record, err := ledger.Update(context.Background(), "rec-1", Patch{Status: StatusCredited, Meta: map[string]any{MetaReceiptStatus: "success"}})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if record.TxHash() != "0xabc" || record.Meta[MetaReceiptStatus] != "success" || record.Status != StatusCredited {
		t.Fatalf("unexpected record %+v", record)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMySQLLedgerUpdateRejectsRegression(t *testing.T) {
	ledger, mock := newMockLedger(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("rec-1").
		WillReturnRows(sqlmock.NewRows(recordColumnNames).AddRow(
			"rec-1", "s1", "solana_devnet", "base_sepolia", 300.0, "USDC", "src", "dst",
			"credited", "", nil, int64(1), int64(1)))
	mock.ExpectRollback()

	if _, err := ledger.Update(context.Background(), "rec-1", Patch{Status: StatusFailed}); !IsStatusRegression(err) {
		t.Fatalf("expected regression, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMySQLLedgerFindByStatus(t *testing.T) {
	ledger, mock := newMockLedger(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM credit_records WHERE status IN (?) ORDER BY updated_at ASC, created_at ASC, id ASC LIMIT ? OFFSET ?")).
		WithArgs("credit_submitted", int64(25), int64(0)).
		WillReturnRows(sqlmock.NewRows(recordColumnNames).
			AddRow("r1", "s1", "solana_devnet", "base_sepolia", 10.0, "USDC", "a", "b", "credit_submitted", "", `{"tx_hash":"0x1"}`, int64(1), int64(1)).
			AddRow("r2", "s2", "solana_devnet", "sepolia", 20.0, "USDC", "c", "d", "credit_submitted", "", `{"tx_hash":"0x2"}`, int64(2), int64(2)))

	records, err := ledger.FindByStatus(context.Background(), []Status{StatusCreditSubmitted}, 25)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(records) != 2 || records[1].TxHash() != "0x2" || records[1].ToChain != "sepolia" {
		t.Fatalf("unexpected records %+v", records)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMySQLLedgerGetNotFound(t *testing.T) {
	ledger, mock := newMockLedger(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM credit_records WHERE id = ?")).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(recordColumnNames))

	if _, err := ledger.Get(context.Background(), "nope"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestBuildFilterClause(t *testing.T) {
	clause, args := buildFilterClause(BuildListOptions(
		WithStatuses(StatusCredited, StatusFailed, StatusCredited),
		WithSession("s1"),
		WithToChain("Base-Sepolia"),
		WithQuery("0xabc"),
	))
	want := "status IN (?,?) AND session_id = ? AND to_chain = ? AND (id LIKE ? OR session_id LIKE ? OR from_address LIKE ? OR to_address LIKE ? OR meta LIKE ?)"
	if clause != want {
		t.Fatalf("unexpected clause:\n%s\nwant:\n%s", clause, want)
	}
	if len(args) != 9 || args[3] != "base_sepolia" {
		t.Fatalf("unexpected args %v", args)
	}
}
