/*
Copyright 2025 Swaptacular Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package database

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swaptacular/swpt-debtors/internal/apierror"
	"github.com/swaptacular/swpt-debtors/model"
)

func newTestDatasource(t *testing.T) (Datasource, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return Datasource{Conn: db}, mock
}

func debtorRows(debtorID int64, flags int16, reservationID, changeSeq int64, cfg model.DebtorConfig) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"debtor_id", "status_flags", "reservation_id", "change_seq",
		"min_transfer_amount", "max_transfer_amount", "balance", "created_at", "deactivated_at",
	}).AddRow(debtorID, flags, reservationID, changeSeq, cfg.MinTransferAmount, cfg.MaxTransferAmount, int64(0), time.Now(), nil)
}

func TestReserveDebtor(t *testing.T) {
	ds, mock := newTestDatasource(t)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO swpt.debtors")).
		WithArgs(int64(42)).
		WillReturnRows(debtorRows(42, 0, 7001, 0, model.DebtorConfig{}))

	debtor, err := ds.ReserveDebtor(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, int64(42), debtor.DebtorID)
	assert.Equal(t, int64(7001), debtor.ReservationID)
	assert.False(t, debtor.IsActivated())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveDebtorAlreadyTaken(t *testing.T) {
	ds, mock := newTestDatasource(t)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO swpt.debtors")).
		WithArgs(int64(42)).
		WillReturnError(&pq.Error{Code: "23505"})

	_, err := ds.ReserveDebtor(context.Background(), 42)
	assert.True(t, apierror.HasCode(err, apierror.ErrAlreadyReserved))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestActivateDebtor(t *testing.T) {
	ds, mock := newTestDatasource(t)
	cfg := model.DebtorConfig{MinTransferAmount: 1, MaxTransferAmount: 1000}

	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WithArgs(int64(42)).
		WillReturnRows(debtorRows(42, 0, 7001, 0, model.DebtorConfig{}))

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE swpt.debtors")).
		WithArgs(int64(42), int64(0), model.StatusActivated, int64(1), int64(1000), int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO swpt.outbox_entries")).
		WithArgs(model.DebtorSubject(42), model.SignalConfigureAccount, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	debtor, err := ds.ActivateDebtor(context.Background(), 42, 7001, cfg)
	require.NoError(t, err)
	assert.True(t, debtor.IsActivated())
	assert.Equal(t, int64(1), debtor.ChangeSeq)
	assert.Equal(t, cfg, debtor.Config)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestActivateDebtorWrongReservation(t *testing.T) {
	ds, mock := newTestDatasource(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WithArgs(int64(42)).
		WillReturnRows(debtorRows(42, 0, 7001, 0, model.DebtorConfig{}))

	_, err := ds.ActivateDebtor(context.Background(), 42, 9999, model.DebtorConfig{MaxTransferAmount: 10})
	assert.True(t, apierror.HasCode(err, apierror.ErrInvalidReservation))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestActivateDebtorIdempotent(t *testing.T) {
	ds, mock := newTestDatasource(t)
	cfg := model.DebtorConfig{MinTransferAmount: 1, MaxTransferAmount: 1000}

	// Already activated with the exact same configuration: no
	// transaction, no outbox entry, no sequence bump.
	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WithArgs(int64(42)).
		WillReturnRows(debtorRows(42, model.StatusActivated, 7001, 1, cfg))

	debtor, err := ds.ActivateDebtor(context.Background(), 42, 7001, cfg)
	require.NoError(t, err)
	assert.Equal(t, int64(1), debtor.ChangeSeq)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestActivateDebtorReconfigure(t *testing.T) {
	ds, mock := newTestDatasource(t)
	oldCfg := model.DebtorConfig{MinTransferAmount: 1, MaxTransferAmount: 1000}
	newCfg := model.DebtorConfig{MinTransferAmount: 5, MaxTransferAmount: 2000}

	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WithArgs(int64(42)).
		WillReturnRows(debtorRows(42, model.StatusActivated, 7001, 1, oldCfg))

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE swpt.debtors")).
		WithArgs(int64(42), int64(1), model.StatusActivated, int64(5), int64(2000), int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO swpt.outbox_entries")).
		WithArgs(model.DebtorSubject(42), model.SignalConfigureAccount, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	debtor, err := ds.ActivateDebtor(context.Background(), 42, 0, newCfg)
	require.NoError(t, err)
	assert.Equal(t, int64(2), debtor.ChangeSeq)
	assert.Equal(t, newCfg, debtor.Config)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestActivateDebtorStaleWrite(t *testing.T) {
	ds, mock := newTestDatasource(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WithArgs(int64(42)).
		WillReturnRows(debtorRows(42, 0, 7001, 0, model.DebtorConfig{}))

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE swpt.debtors")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := ds.ActivateDebtor(context.Background(), 42, 7001, model.DebtorConfig{MaxTransferAmount: 10})
	assert.True(t, apierror.HasCode(err, apierror.ErrStaleWrite))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeactivateDebtor(t *testing.T) {
	ds, mock := newTestDatasource(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WithArgs(int64(42)).
		WillReturnRows(debtorRows(42, model.StatusActivated, 7001, 3, model.DebtorConfig{MaxTransferAmount: 10}))

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM swpt.transfers")).
		WithArgs(int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE swpt.debtors")).
		WithArgs(int64(42), int64(3), model.StatusDeactivated).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := ds.DeactivateDebtor(context.Background(), 42)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeactivateDebtorIdempotent(t *testing.T) {
	ds, mock := newTestDatasource(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WithArgs(int64(42)).
		WillReturnRows(debtorRows(42, model.StatusActivated|model.StatusDeactivated, 7001, 4, model.DebtorConfig{}))

	err := ds.DeactivateDebtor(context.Background(), 42)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetDebtorNotFound(t *testing.T) {
	ds, mock := newTestDatasource(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"debtor_id"}))

	_, err := ds.GetDebtor(context.Background(), 42)
	assert.True(t, apierror.HasCode(err, apierror.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseStaleReservations(t *testing.T) {
	ds, mock := newTestDatasource(t)
	cutoff := time.Now().Add(-24 * time.Hour)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM swpt.debtors")).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 3))

	released, err := ds.ReleaseStaleReservations(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(3), released)
	assert.NoError(t, mock.ExpectationsWereMet())
}
