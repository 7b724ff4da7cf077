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
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"

	"github.com/swaptacular/swpt-debtors/internal/apierror"
	"github.com/swaptacular/swpt-debtors/model"
)

const transferColumns = `debtor_id, transfer_uuid, recipient_uri, recipient_creditor_id, amount, transfer_note, status, coordinator_request_id, prepared_transfer_id, reserved_amount, error_code, created_at, finalized_at`

// InitiateTransfer creates a transfer in INITIATED state and appends
// a PrepareTransfer outbox entry in the same transaction. The
// (debtor, UUID) pair is an idempotency key: when a transfer with the
// same key and the same arguments already exists it is returned
// unchanged and nothing new is emitted; the same key with different
// arguments is a conflict. The returned bool reports whether a new
// record was created.
func (d Datasource) InitiateTransfer(ctx context.Context, transfer *model.Transfer) (*model.Transfer, bool, error) {
	ctx, span := otel.Tracer("swpt.transfers").Start(ctx, "Initiating transfer")
	defer span.End()

	existing, err := d.GetTransfer(ctx, transfer.DebtorID, transfer.TransferUUID)
	if err == nil {
		return checkDuplicateRequest(existing, transfer)
	}
	if !apierror.HasCode(err, apierror.ErrNotFound) {
		return nil, false, err
	}

	debtor, err := d.GetDebtor(ctx, transfer.DebtorID)
	if err != nil {
		return nil, false, err
	}
	if !debtor.IsActivated() || debtor.IsDeactivated() {
		return nil, false, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Debtor %d is not active", transfer.DebtorID), nil)
	}
	if transfer.Amount < debtor.Config.MinTransferAmount || transfer.Amount > debtor.Config.MaxTransferAmount {
		return nil, false, apierror.NewAPIError(apierror.ErrInvalidInput,
			fmt.Sprintf("Amount %d is outside the configured bounds [%d, %d]",
				transfer.Amount, debtor.Config.MinTransferAmount, debtor.Config.MaxTransferAmount), nil)
	}

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	row := tx.QueryRowContext(ctx, `
		INSERT INTO swpt.transfers (debtor_id, transfer_uuid, recipient_uri, recipient_creditor_id, amount, transfer_note)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+transferColumns+`
	`, transfer.DebtorID, transfer.TransferUUID, transfer.RecipientURI, transfer.RecipientCreditorID, transfer.Amount, transfer.TransferNote)

	created, err := scanTransfer(row)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			// Lost a race with an identical request. Re-read and
			// apply the idempotency rule.
			_ = tx.Rollback()
			existing, getErr := d.GetTransfer(ctx, transfer.DebtorID, transfer.TransferUUID)
			if getErr != nil {
				return nil, false, getErr
			}
			return checkDuplicateRequest(existing, transfer)
		}
		return nil, false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record transfer", err)
	}

	signal := model.PrepareTransferSignal{
		DebtorID:             created.DebtorID,
		CoordinatorRequestID: created.CoordinatorRequestID,
		Amount:               created.Amount,
		Recipient:            created.RecipientURI,
		MinAccountBalance:    debtor.Config.MinTransferAmount,
		Ts:                   time.Now().UTC(),
	}
	subject := model.TransferSubject(created.DebtorID, created.TransferUUID)
	err = insertOutboxEntryTx(ctx, tx, subject, model.SignalPrepareTransfer, signal)
	if err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit transfer creation", err)
	}
	return created, true, nil
}

func checkDuplicateRequest(existing, requested *model.Transfer) (*model.Transfer, bool, error) {
	if existing.Matches(requested.RecipientURI, requested.Amount, requested.TransferNote) {
		return existing, false, nil
	}
	return nil, false, apierror.NewAPIError(apierror.ErrTransfersConflict,
		fmt.Sprintf("A different transfer with UUID %s already exists", requested.TransferUUID), nil)
}

func (d Datasource) GetTransfer(ctx context.Context, debtorID int64, transferUUID uuid.UUID) (*model.Transfer, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+transferColumns+`
		FROM swpt.transfers
		WHERE debtor_id = $1 AND transfer_uuid = $2
	`, debtorID, transferUUID)

	transfer, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Transfer %s not found", transferUUID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve transfer", err)
	}
	return transfer, nil
}

func (d Datasource) ListTransferUUIDs(ctx context.Context, debtorID int64) ([]uuid.UUID, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT transfer_uuid
		FROM swpt.transfers
		WHERE debtor_id = $1
		ORDER BY created_at
	`, debtorID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to list transfers", err)
	}
	defer rows.Close()

	var uuids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan transfer UUID", err)
		}
		uuids = append(uuids, id)
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over transfers", err)
	}
	return uuids, nil
}

// ApplyPrepared records that the accounting authority has locked the
// amount for a transfer. Valid only from INITIATED; any other state
// is a duplicate or late delivery and reports false without side
// effects. A message referencing no known coordinator request returns
// NOT_FOUND so the caller can dismiss the phantom preparation; no
// transfer row is ever created here.
func (d Datasource) ApplyPrepared(ctx context.Context, debtorID, coordinatorRequestID, transferID, reservedAmount int64) (bool, error) {
	transfer, err := d.GetTransferByCoordinatorRequest(ctx, debtorID, coordinatorRequestID)
	if err != nil {
		return false, err
	}
	if transfer.Status != model.StatusInitiated {
		return false, nil
	}

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE swpt.transfers
		SET status = $3, prepared_transfer_id = $4, reserved_amount = $5
		WHERE debtor_id = $1 AND coordinator_request_id = $2 AND status = $6
	`, debtorID, coordinatorRequestID, model.StatusPrepared, transferID, reservedAmount, model.StatusInitiated)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to mark transfer prepared", err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

// ApplyRejected records that an issuing transfer could not be
// prepared. Valid only from INITIATED.
func (d Datasource) ApplyRejected(ctx context.Context, debtorID, coordinatorRequestID int64, statusCode string) (bool, error) {
	if statusCode == "" {
		statusCode = model.CodeUnexpectedError
	}
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE swpt.transfers
		SET status = $3, error_code = $4, finalized_at = NOW()
		WHERE debtor_id = $1 AND coordinator_request_id = $2 AND status = $5
	`, debtorID, coordinatorRequestID, model.StatusFailed, statusCode, model.StatusInitiated)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to mark transfer rejected", err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

// FinalizeTransfer settles a prepared transfer, appending a
// FinalizeTransfer outbox entry in the same transaction. Finalizing
// again with the same outcome is a no-op; a conflicting outcome is an
// integrity violation and never silently switches the result.
func (d Datasource) FinalizeTransfer(ctx context.Context, debtorID int64, transferUUID uuid.UUID, commit bool, reason string) (*model.Transfer, error) {
	transfer, err := d.GetTransfer(ctx, debtorID, transferUUID)
	if err != nil {
		return nil, err
	}

	switch transfer.Status {
	case model.StatusPrepared:
		return d.finalizePrepared(ctx, transfer, commit, reason)
	case model.StatusFinalized:
		if commit {
			return transfer, nil
		}
		return nil, conflictingFinalization(transfer, "cancel")
	case model.StatusCancelled, model.StatusFailed:
		if !commit {
			return transfer, nil
		}
		return nil, conflictingFinalization(transfer, "commit")
	default:
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput,
			fmt.Sprintf("Transfer %s is not prepared", transferUUID), nil)
	}
}

// CancelTransfer aborts a transfer on behalf of the sender. A
// finalized transfer can not be cancelled; an already cancelled or
// failed one is a no-op.
func (d Datasource) CancelTransfer(ctx context.Context, debtorID int64, transferUUID uuid.UUID, reason string) (*model.Transfer, error) {
	transfer, err := d.GetTransfer(ctx, debtorID, transferUUID)
	if err != nil {
		return nil, err
	}

	switch transfer.Status {
	case model.StatusInitiated:
		// Nothing has been prepared at the peer side yet, so there is
		// no signal to emit.
		result, err := d.Conn.ExecContext(ctx, `
			UPDATE swpt.transfers
			SET status = $3, error_code = $4, finalized_at = NOW()
			WHERE debtor_id = $1 AND transfer_uuid = $2 AND status = $5
		`, debtorID, transferUUID, model.StatusCancelled, reason, model.StatusInitiated)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to cancel transfer", err)
		}
		if affected, _ := result.RowsAffected(); affected == 0 {
			return nil, apierror.NewAPIError(apierror.ErrStaleWrite, fmt.Sprintf("Transfer %s was updated concurrently", transferUUID), nil)
		}
		transfer.Status = model.StatusCancelled
		transfer.ErrorCode = reason
		now := time.Now().UTC()
		transfer.FinalizedAt = &now
		return transfer, nil
	case model.StatusPrepared:
		return d.finalizePrepared(ctx, transfer, false, reason)
	case model.StatusCancelled, model.StatusFailed:
		return transfer, nil
	default:
		return nil, apierror.NewAPIError(apierror.ErrForbiddenCancellation,
			fmt.Sprintf("Transfer %s has already been committed", transferUUID), nil)
	}
}

// ListStaleTransfers returns transfers stuck in a non-final state
// since before the cutoff, for the sweeping job to cancel.
func (d Datasource) ListStaleTransfers(ctx context.Context, cutoff time.Time, limit int) ([]TransferKey, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT debtor_id, transfer_uuid
		FROM swpt.transfers
		WHERE status IN ($1, $2) AND created_at < $3
		ORDER BY created_at
		LIMIT $4
	`, model.StatusInitiated, model.StatusPrepared, cutoff, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to list stale transfers", err)
	}
	defer rows.Close()

	var keys []TransferKey
	for rows.Next() {
		var key TransferKey
		if err := rows.Scan(&key.DebtorID, &key.TransferUUID); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan transfer key", err)
		}
		keys = append(keys, key)
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over stale transfers", err)
	}
	return keys, nil
}

// PurgeDeadTransfers deletes transfer records that reached a final
// state before the cutoff. By then the issuer has had ample time to
// read the outcome, and the idempotency key is long past its useful
// life.
func (d Datasource) PurgeDeadTransfers(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := d.Conn.ExecContext(ctx, `
		DELETE FROM swpt.transfers
		WHERE status IN ($1, $2, $3) AND finalized_at < $4
	`, model.StatusFinalized, model.StatusCancelled, model.StatusFailed, cutoff)
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to purge dead transfers", err)
	}
	affected, _ := result.RowsAffected()
	return affected, nil
}

func (d Datasource) finalizePrepared(ctx context.Context, transfer *model.Transfer, commit bool, reason string) (*model.Transfer, error) {
	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	newStatus := model.StatusFinalized
	committedAmount := transfer.Amount
	transferNote := transfer.TransferNote
	errorCode := ""
	if !commit {
		newStatus = model.StatusCancelled
		committedAmount = 0
		transferNote = ""
		errorCode = reason
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE swpt.transfers
		SET status = $3, error_code = $4, finalized_at = NOW()
		WHERE debtor_id = $1 AND transfer_uuid = $2 AND status = $5
	`, transfer.DebtorID, transfer.TransferUUID, newStatus, errorCode, model.StatusPrepared)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to finalize transfer", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return nil, apierror.NewAPIError(apierror.ErrStaleWrite, fmt.Sprintf("Transfer %s was updated concurrently", transfer.TransferUUID), nil)
	}

	signal := model.FinalizeTransferSignal{
		DebtorID:             transfer.DebtorID,
		TransferID:           transfer.PreparedTransferID,
		CoordinatorRequestID: transfer.CoordinatorRequestID,
		CommittedAmount:      committedAmount,
		TransferNote:         transferNote,
		Ts:                   time.Now().UTC(),
	}
	subject := model.TransferSubject(transfer.DebtorID, transfer.TransferUUID)
	err = insertOutboxEntryTx(ctx, tx, subject, model.SignalFinalizeTransfer, signal)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit transfer finalization", err)
	}

	transfer.Status = newStatus
	transfer.ErrorCode = errorCode
	now := time.Now().UTC()
	transfer.FinalizedAt = &now
	return transfer, nil
}

func conflictingFinalization(transfer *model.Transfer, requested string) error {
	return apierror.NewAPIError(apierror.ErrConflictingFinalization,
		fmt.Sprintf("Transfer %s is already %s, refusing to %s", transfer.TransferUUID, transfer.Status, requested), nil)
}

// GetTransferByCoordinatorRequest correlates a reply from the
// accounting authority with the transfer whose PrepareTransfer signal
// carried the coordinator request ID.
func (d Datasource) GetTransferByCoordinatorRequest(ctx context.Context, debtorID, coordinatorRequestID int64) (*model.Transfer, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+transferColumns+`
		FROM swpt.transfers
		WHERE debtor_id = $1 AND coordinator_request_id = $2
	`, debtorID, coordinatorRequestID)

	transfer, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound,
				fmt.Sprintf("No transfer for coordinator request %d", coordinatorRequestID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve transfer", err)
	}
	return transfer, nil
}

func scanTransfer(row rowScanner) (*model.Transfer, error) {
	transfer := &model.Transfer{}
	var finalizedAt sql.NullTime
	err := row.Scan(
		&transfer.DebtorID,
		&transfer.TransferUUID,
		&transfer.RecipientURI,
		&transfer.RecipientCreditorID,
		&transfer.Amount,
		&transfer.TransferNote,
		&transfer.Status,
		&transfer.CoordinatorRequestID,
		&transfer.PreparedTransferID,
		&transfer.ReservedAmount,
		&transfer.ErrorCode,
		&transfer.CreatedAt,
		&finalizedAt,
	)
	if err != nil {
		return nil, err
	}
	if finalizedAt.Valid {
		transfer.FinalizedAt = &finalizedAt.Time
	}
	return transfer, nil
}
