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
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swaptacular/swpt-debtors/internal/apierror"
	"github.com/swaptacular/swpt-debtors/model"
)

func transferRows(t *model.Transfer) *sqlmock.Rows {
	var finalizedAt interface{}
	if t.FinalizedAt != nil {
		finalizedAt = *t.FinalizedAt
	}
	return sqlmock.NewRows([]string{
		"debtor_id", "transfer_uuid", "recipient_uri", "recipient_creditor_id", "amount",
		"transfer_note", "status", "coordinator_request_id", "prepared_transfer_id",
		"reserved_amount", "error_code", "created_at", "finalized_at",
	}).AddRow(t.DebtorID, t.TransferUUID, t.RecipientURI, t.RecipientCreditorID, t.Amount,
		t.TransferNote, t.Status, t.CoordinatorRequestID, t.PreparedTransferID,
		t.ReservedAmount, t.ErrorCode, time.Now(), finalizedAt)
}

func sampleTransfer(status string) *model.Transfer {
	return &model.Transfer{
		DebtorID:             42,
		TransferUUID:         uuid.MustParse("16e23b10-73f2-4632-9e86-1fdcb2b204c5"),
		RecipientURI:         "swpt:42/11",
		RecipientCreditorID:  11,
		Amount:               500,
		TransferNote:         "invoice 77",
		Status:               status,
		CoordinatorRequestID: 9001,
		PreparedTransferID:   333,
	}
}

func TestInitiateTransfer(t *testing.T) {
	ds, mock := newTestDatasource(t)
	transfer := sampleTransfer(model.StatusInitiated)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WithArgs(transfer.DebtorID, transfer.TransferUUID).
		WillReturnRows(sqlmock.NewRows([]string{"debtor_id"}))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WithArgs(transfer.DebtorID).
		WillReturnRows(debtorRows(42, model.StatusActivated, 7001, 1, model.DebtorConfig{MinTransferAmount: 1, MaxTransferAmount: 1000}))

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO swpt.transfers")).
		WithArgs(transfer.DebtorID, transfer.TransferUUID, transfer.RecipientURI,
			transfer.RecipientCreditorID, transfer.Amount, transfer.TransferNote).
		WillReturnRows(transferRows(transfer))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO swpt.outbox_entries")).
		WithArgs(model.TransferSubject(transfer.DebtorID, transfer.TransferUUID),
			model.SignalPrepareTransfer, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	created, isNew, err := ds.InitiateTransfer(context.Background(), transfer)
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, model.StatusInitiated, created.Status)
	assert.Equal(t, int64(9001), created.CoordinatorRequestID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInitiateTransferIdempotent(t *testing.T) {
	ds, mock := newTestDatasource(t)
	transfer := sampleTransfer(model.StatusInitiated)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WithArgs(transfer.DebtorID, transfer.TransferUUID).
		WillReturnRows(transferRows(transfer))

	existing, isNew, err := ds.InitiateTransfer(context.Background(), transfer)
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, transfer.TransferUUID, existing.TransferUUID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInitiateTransferConflict(t *testing.T) {
	ds, mock := newTestDatasource(t)
	existing := sampleTransfer(model.StatusInitiated)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WithArgs(existing.DebtorID, existing.TransferUUID).
		WillReturnRows(transferRows(existing))

	conflicting := sampleTransfer(model.StatusInitiated)
	conflicting.Amount = 999

	_, _, err := ds.InitiateTransfer(context.Background(), conflicting)
	assert.True(t, apierror.HasCode(err, apierror.ErrTransfersConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInitiateTransferAmountOutOfBounds(t *testing.T) {
	ds, mock := newTestDatasource(t)
	transfer := sampleTransfer(model.StatusInitiated)
	transfer.Amount = 5000

	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WithArgs(transfer.DebtorID, transfer.TransferUUID).
		WillReturnRows(sqlmock.NewRows([]string{"debtor_id"}))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WithArgs(transfer.DebtorID).
		WillReturnRows(debtorRows(42, model.StatusActivated, 7001, 1, model.DebtorConfig{MinTransferAmount: 1, MaxTransferAmount: 1000}))

	_, _, err := ds.InitiateTransfer(context.Background(), transfer)
	assert.True(t, apierror.HasCode(err, apierror.ErrInvalidInput))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInitiateTransferInactiveDebtor(t *testing.T) {
	ds, mock := newTestDatasource(t)
	transfer := sampleTransfer(model.StatusInitiated)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WithArgs(transfer.DebtorID, transfer.TransferUUID).
		WillReturnRows(sqlmock.NewRows([]string{"debtor_id"}))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WithArgs(transfer.DebtorID).
		WillReturnRows(debtorRows(42, 0, 7001, 0, model.DebtorConfig{}))

	_, _, err := ds.InitiateTransfer(context.Background(), transfer)
	assert.True(t, apierror.HasCode(err, apierror.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyPrepared(t *testing.T) {
	ds, mock := newTestDatasource(t)
	transfer := sampleTransfer(model.StatusInitiated)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WithArgs(transfer.DebtorID, transfer.CoordinatorRequestID).
		WillReturnRows(transferRows(transfer))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE swpt.transfers")).
		WithArgs(transfer.DebtorID, transfer.CoordinatorRequestID, model.StatusPrepared,
			int64(333), int64(500), model.StatusInitiated).
		WillReturnResult(sqlmock.NewResult(0, 1))

	applied, err := ds.ApplyPrepared(context.Background(), transfer.DebtorID, transfer.CoordinatorRequestID, 333, 500)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyPreparedUnknownRequest(t *testing.T) {
	ds, mock := newTestDatasource(t)

	// A prepared message that correlates with no transfer must never
	// create one; the caller dismisses it instead.
	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WithArgs(int64(42), int64(777)).
		WillReturnRows(sqlmock.NewRows([]string{"debtor_id"}))

	applied, err := ds.ApplyPrepared(context.Background(), 42, 777, 333, 500)
	assert.True(t, apierror.HasCode(err, apierror.ErrNotFound))
	assert.False(t, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyPreparedDuplicate(t *testing.T) {
	ds, mock := newTestDatasource(t)
	transfer := sampleTransfer(model.StatusPrepared)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WithArgs(transfer.DebtorID, transfer.CoordinatorRequestID).
		WillReturnRows(transferRows(transfer))

	applied, err := ds.ApplyPrepared(context.Background(), transfer.DebtorID, transfer.CoordinatorRequestID, 333, 500)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyRejected(t *testing.T) {
	ds, mock := newTestDatasource(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE swpt.transfers")).
		WithArgs(int64(42), int64(9001), model.StatusFailed,
			model.CodeInsufficientAmount, model.StatusInitiated).
		WillReturnResult(sqlmock.NewResult(0, 1))

	applied, err := ds.ApplyRejected(context.Background(), 42, 9001, model.CodeInsufficientAmount)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyRejectedDefaultsErrorCode(t *testing.T) {
	ds, mock := newTestDatasource(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE swpt.transfers")).
		WithArgs(int64(42), int64(9001), model.StatusFailed,
			model.CodeUnexpectedError, model.StatusInitiated).
		WillReturnResult(sqlmock.NewResult(0, 1))

	applied, err := ds.ApplyRejected(context.Background(), 42, 9001, "")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalizeTransferCommit(t *testing.T) {
	ds, mock := newTestDatasource(t)
	transfer := sampleTransfer(model.StatusPrepared)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WithArgs(transfer.DebtorID, transfer.TransferUUID).
		WillReturnRows(transferRows(transfer))

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE swpt.transfers")).
		WithArgs(transfer.DebtorID, transfer.TransferUUID, model.StatusFinalized, "", model.StatusPrepared).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO swpt.outbox_entries")).
		WithArgs(model.TransferSubject(transfer.DebtorID, transfer.TransferUUID),
			model.SignalFinalizeTransfer, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	finalized, err := ds.FinalizeTransfer(context.Background(), transfer.DebtorID, transfer.TransferUUID, true, "")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFinalized, finalized.Status)
	assert.True(t, finalized.IsFinalized())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalizeTransferCommitIdempotent(t *testing.T) {
	ds, mock := newTestDatasource(t)
	transfer := sampleTransfer(model.StatusFinalized)
	now := time.Now()
	transfer.FinalizedAt = &now

	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WithArgs(transfer.DebtorID, transfer.TransferUUID).
		WillReturnRows(transferRows(transfer))

	finalized, err := ds.FinalizeTransfer(context.Background(), transfer.DebtorID, transfer.TransferUUID, true, "")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFinalized, finalized.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalizeTransferConflictingOutcome(t *testing.T) {
	ds, mock := newTestDatasource(t)
	transfer := sampleTransfer(model.StatusFinalized)
	now := time.Now()
	transfer.FinalizedAt = &now

	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WithArgs(transfer.DebtorID, transfer.TransferUUID).
		WillReturnRows(transferRows(transfer))

	_, err := ds.FinalizeTransfer(context.Background(), transfer.DebtorID, transfer.TransferUUID, false, model.CodeCanceledBySender)
	assert.True(t, apierror.HasCode(err, apierror.ErrConflictingFinalization))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalizeTransferNotPrepared(t *testing.T) {
	ds, mock := newTestDatasource(t)
	transfer := sampleTransfer(model.StatusInitiated)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WithArgs(transfer.DebtorID, transfer.TransferUUID).
		WillReturnRows(transferRows(transfer))

	_, err := ds.FinalizeTransfer(context.Background(), transfer.DebtorID, transfer.TransferUUID, true, "")
	assert.True(t, apierror.HasCode(err, apierror.ErrInvalidInput))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelInitiatedTransfer(t *testing.T) {
	ds, mock := newTestDatasource(t)
	transfer := sampleTransfer(model.StatusInitiated)

	// Nothing is prepared yet, so the cancellation must not emit any
	// outbox entry.
	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WithArgs(transfer.DebtorID, transfer.TransferUUID).
		WillReturnRows(transferRows(transfer))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE swpt.transfers")).
		WithArgs(transfer.DebtorID, transfer.TransferUUID, model.StatusCancelled,
			model.CodeCanceledBySender, model.StatusInitiated).
		WillReturnResult(sqlmock.NewResult(0, 1))

	cancelled, err := ds.CancelTransfer(context.Background(), transfer.DebtorID, transfer.TransferUUID, model.CodeCanceledBySender)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, cancelled.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelPreparedTransferEmitsDismissal(t *testing.T) {
	ds, mock := newTestDatasource(t)
	transfer := sampleTransfer(model.StatusPrepared)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WithArgs(transfer.DebtorID, transfer.TransferUUID).
		WillReturnRows(transferRows(transfer))

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE swpt.transfers")).
		WithArgs(transfer.DebtorID, transfer.TransferUUID, model.StatusCancelled,
			model.CodeTimeout, model.StatusPrepared).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO swpt.outbox_entries")).
		WithArgs(model.TransferSubject(transfer.DebtorID, transfer.TransferUUID),
			model.SignalFinalizeTransfer, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	cancelled, err := ds.CancelTransfer(context.Background(), transfer.DebtorID, transfer.TransferUUID, model.CodeTimeout)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, cancelled.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelFinalizedTransferForbidden(t *testing.T) {
	ds, mock := newTestDatasource(t)
	transfer := sampleTransfer(model.StatusFinalized)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WithArgs(transfer.DebtorID, transfer.TransferUUID).
		WillReturnRows(transferRows(transfer))

	_, err := ds.CancelTransfer(context.Background(), transfer.DebtorID, transfer.TransferUUID, model.CodeCanceledBySender)
	assert.True(t, apierror.HasCode(err, apierror.ErrForbiddenCancellation))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelCancelledTransferIdempotent(t *testing.T) {
	ds, mock := newTestDatasource(t)
	transfer := sampleTransfer(model.StatusCancelled)
	transfer.ErrorCode = model.CodeCanceledBySender

	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WithArgs(transfer.DebtorID, transfer.TransferUUID).
		WillReturnRows(transferRows(transfer))

	cancelled, err := ds.CancelTransfer(context.Background(), transfer.DebtorID, transfer.TransferUUID, model.CodeCanceledBySender)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, cancelled.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListTransferUUIDs(t *testing.T) {
	ds, mock := newTestDatasource(t)
	first := uuid.New()
	second := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT transfer_uuid")).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"transfer_uuid"}).AddRow(first).AddRow(second))

	uuids, err := ds.ListTransferUUIDs(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{first, second}, uuids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListStaleTransfers(t *testing.T) {
	ds, mock := newTestDatasource(t)
	cutoff := time.Now().Add(-14 * 24 * time.Hour)
	id := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT debtor_id, transfer_uuid")).
		WithArgs(model.StatusInitiated, model.StatusPrepared, cutoff, 100).
		WillReturnRows(sqlmock.NewRows([]string{"debtor_id", "transfer_uuid"}).AddRow(int64(42), id))

	keys, err := ds.ListStaleTransfers(context.Background(), cutoff, 100)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, int64(42), keys[0].DebtorID)
	assert.Equal(t, id, keys[0].TransferUUID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPurgeDeadTransfers(t *testing.T) {
	ds, mock := newTestDatasource(t)
	cutoff := time.Now().Add(-30 * 24 * time.Hour)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM swpt.transfers")).
		WithArgs(model.StatusFinalized, model.StatusCancelled, model.StatusFailed, cutoff).
		WillReturnResult(sqlmock.NewResult(0, 7))

	purged, err := ds.PurgeDeadTransfers(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(7), purged)
	assert.NoError(t, mock.ExpectationsWereMet())
}
