package store

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-go-golems/luna/pkg/conversation"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*SQLiteChatStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	s := newSQLiteChatStore(sqlx.NewDb(db, "sqlmock"))
	t.Cleanup(func() { _ = db.Close() })
	return s, mock
}

func TestSQLiteChatStore_CreateRollsBackOnMessageFailure(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO conversations")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO messages")).
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	id, err := s.Create(context.Background(), conversation.NewDraft("m", "sys", "hi", t0))
	require.ErrorIs(t, err, ErrPersistence)
	require.Equal(t, conversation.ChatID(0), id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteChatStore_CommitFailureIsPersistenceError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO conversations")).
		WillReturnResult(sqlmock.NewResult(4, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO messages")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO messages")).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit().WillReturnError(errors.New("database is locked"))

	_, err := s.Create(context.Background(), conversation.NewDraft("m", "sys", "hi", t0))
	require.ErrorIs(t, err, ErrPersistence)

	var pe *PersistenceError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, "create: commit", pe.Op)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteChatStore_UnreachableDatabase(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin().WillReturnError(errors.New("unable to open database file"))
	err := s.Append(context.Background(), 1, conversation.NewUserMessage("hi"))
	require.ErrorIs(t, err, ErrPersistence)

	mock.ExpectQuery(regexp.QuoteMeta("FROM conversations c")).
		WillReturnError(errors.New("file is not a database"))
	_, err = s.List(context.Background())
	require.ErrorIs(t, err, ErrPersistence)

	require.NoError(t, mock.ExpectationsWereMet())
}
