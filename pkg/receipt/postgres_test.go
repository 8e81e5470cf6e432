package receipt

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/asyncgate/asyncgate/pkg/principal"
	"github.com/asyncgate/asyncgate/pkg/termination"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestPostgresStoreCreateNonTerminal(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewPostgresStore(db)
	tenantID := uuid.New()

	mock.ExpectQuery("SELECT receipt_id, receipt_type").
		WithArgs(tenantID, sqlmock.AnyArg()).
		WillReturnError(sql.ErrNoRows)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO receipts").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	spec := Spec{
		ReceiptType: termination.TaskProgress,
		From:        principal.Worker("w1"),
		To:          principal.Agent("a1"),
		Body:        Body{"pct": 10},
	}

	_, err = s.Create(context.Background(), tenantID, spec)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
