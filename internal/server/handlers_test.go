package server

import (
	"context"
	"errors"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/pimbroker/broker/internal/entitycache"
	"github.com/pimbroker/broker/internal/notify"
	"github.com/pimbroker/broker/internal/sqlbuilder"
	"github.com/pimbroker/broker/internal/storage"
	"github.com/pimbroker/broker/internal/wire"
)

func newTestConnection(t *testing.T) (*Connection, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	st := storage.NewForTest(sqlbuilder.New(sqlx.NewDb(db, "sqlmock"), false), entitycache.NewSet(nil, nil))
	c := &Connection{
		store:  st,
		notify: notify.NewCollector(nil),
		state:  Authenticated,
	}
	return c, mock
}

func TestDispatchRejectsDomainCommandsBeforeLogin(t *testing.T) {
	c, _ := newTestConnection(t)
	c.state = NonAuthenticated
	resp := c.dispatch(context.Background(), wire.Command{Tag: 1, Type: wire.CmdCollectionCreate})
	status, _ := resp.Get("status")
	if status.I != int64(wire.StatusBAD) {
		t.Fatalf("expected StatusBAD before login, got %v", status.I)
	}
}

func TestDispatchUnknownCommandIsBAD(t *testing.T) {
	c, _ := newTestConnection(t)
	resp := c.dispatch(context.Background(), wire.Command{Tag: 1, Type: wire.CommandType(250)})
	status, _ := resp.Get("status")
	if status.I != int64(wire.StatusBAD) {
		t.Fatalf("expected StatusBAD for an unrecognized command, got %v", status.I)
	}
}

func TestHandleCollectionFetchStatistics(t *testing.T) {
	c, mock := newTestConnection(t)
	mock.ExpectQuery("SELECT COUNT").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"count", "sum"}).AddRow(3, 120))

	cmd := wire.Command{Tag: 1, Type: wire.CmdCollectionFetchStatistics, Fields: []wire.Field{{Name: "id", Value: wire.Int64(7)}}}
	resp := c.dispatch(context.Background(), cmd)

	status, _ := resp.Get("status")
	if status.I != int64(wire.StatusOK) {
		t.Fatalf("expected StatusOK, got %v", status.I)
	}
	if resp.Int64("itemCount") != 3 || resp.Int64("totalSize") != 120 {
		t.Fatalf("unexpected statistics in response: %+v", resp.Fields)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestHandleCollectionFetchStatisticsStorageErrorIsNO(t *testing.T) {
	c, mock := newTestConnection(t)
	mock.ExpectQuery("SELECT COUNT").
		WithArgs(int64(99)).
		WillReturnError(errors.New("connection reset"))

	cmd := wire.Command{Tag: 1, Type: wire.CmdCollectionFetchStatistics, Fields: []wire.Field{{Name: "id", Value: wire.Int64(99)}}}
	resp := c.dispatch(context.Background(), cmd)
	status, _ := resp.Get("status")
	if status.I != int64(wire.StatusNO) {
		t.Fatalf("expected StatusNO on a storage error, got %v", status.I)
	}
}

func TestBeginSuspendsAutoflushUntilCommit(t *testing.T) {
	c, mock := newTestConnection(t)

	if resp := c.dispatch(context.Background(), wire.Command{Tag: 1, Type: wire.CmdBegin}); resp.Int64("status") != int64(wire.StatusOK) {
		t.Fatalf("begin failed: %+v", resp.Fields)
	}
	if !c.txActive {
		t.Fatalf("expected txActive after Begin")
	}

	mock.ExpectQuery("INSERT INTO collections").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

	cmd := wire.Command{Tag: 2, Type: wire.CmdCollectionCreate, Fields: []wire.Field{{Name: "name", Value: wire.String("inbox")}}}
	resp := c.dispatch(context.Background(), cmd)
	if resp.Int64("status") != int64(wire.StatusOK) {
		t.Fatalf("collection create failed: %+v", resp.Fields)
	}
	if len(c.notify.Pending()) != 1 {
		t.Fatalf("expected the Add notification to still be pending while txActive, got %d", len(c.notify.Pending()))
	}

	resp = c.dispatch(context.Background(), wire.Command{Tag: 3, Type: wire.CmdCommit})
	if resp.Int64("status") != int64(wire.StatusOK) {
		t.Fatalf("commit failed: %+v", resp.Fields)
	}
	if c.txActive {
		t.Fatalf("expected txActive cleared after Commit")
	}
	if len(c.notify.Pending()) != 0 {
		t.Fatalf("expected Commit to flush pending notifications")
	}
}

func TestRollbackDiscardsPendingNotifications(t *testing.T) {
	c, _ := newTestConnection(t)
	c.notify.Record(notify.Notification{Kind: notify.ChangeAdd, Entity: notify.EntityItem, EntityID: 1})

	resp := c.dispatch(context.Background(), wire.Command{Tag: 1, Type: wire.CmdRollback})
	if resp.Int64("status") != int64(wire.StatusOK) {
		t.Fatalf("rollback failed: %+v", resp.Fields)
	}
	if len(c.notify.Pending()) != 0 {
		t.Fatalf("expected Rollback to discard pending notifications")
	}
}
