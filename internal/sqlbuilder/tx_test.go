package sqlbuilder

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

func newMockDB(t *testing.T, serializeWrites bool) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	mock.MatchExpectationsInOrder(true)
	return New(sqlx.NewDb(conn, "sqlmock"), serializeWrites), mock
}

func TestWithTransactionCommitsOnSuccess(t *testing.T) {
	db, mock := newMockDB(t, false)
	mock.ExpectBegin()
	mock.ExpectCommit()

	err := WithTransaction(context.Background(), db, func(ctx context.Context, tx *Tx) error {
		return nil
	})
	if err != nil {
		t.Fatalf("WithTransaction: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestWithTransactionRollsBackOnError(t *testing.T) {
	db, mock := newMockDB(t, false)
	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errTest("boom")
	err := WithTransaction(context.Background(), db, func(ctx context.Context, tx *Tx) error {
		return boom
	})
	if err != boom {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestNestedBeginIsNoOp(t *testing.T) {
	db, mock := newMockDB(t, false)
	mock.ExpectBegin()
	mock.ExpectCommit()

	err := WithTransaction(context.Background(), db, func(ctx context.Context, outer *Tx) error {
		return WithTransaction(ctx, db, func(ctx context.Context, inner *Tx) error {
			if inner.depth != outer.depth+1 {
				t.Fatalf("expected nested Tx to have depth %d, got %d", outer.depth+1, inner.depth)
			}
			return nil
		})
	})
	if err != nil {
		t.Fatalf("WithTransaction: %v", err)
	}
	// Only one BEGIN/COMMIT pair should have hit the driver.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

type errTest string

func (e errTest) Error() string { return string(e) }
