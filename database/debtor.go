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

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"

	"github.com/swaptacular/swpt-debtors/internal/apierror"
	"github.com/swaptacular/swpt-debtors/model"
)

const debtorColumns = `debtor_id, status_flags, reservation_id, change_seq, min_transfer_amount, max_transfer_amount, balance, created_at, deactivated_at`

// ReserveDebtor provisionally allocates a debtor ID. The returned
// reservation ID is needed to activate the debtor later.
func (d Datasource) ReserveDebtor(ctx context.Context, debtorID int64) (*model.Debtor, error) {
	row := d.Conn.QueryRowContext(ctx, `
		INSERT INTO swpt.debtors (debtor_id)
		VALUES ($1)
		RETURNING `+debtorColumns+`
	`, debtorID)

	debtor, err := scanDebtor(row)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, apierror.NewAPIError(apierror.ErrAlreadyReserved, fmt.Sprintf("Debtor ID %d is already taken", debtorID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to reserve debtor", err)
	}
	return debtor, nil
}

// ActivateDebtor turns a reserved debtor into an activated one and
// stores its configuration, appending a ConfigureAccount outbox entry
// in the same transaction. Re-activating with an identical
// configuration is a no-op; a different configuration bumps the
// change sequence number and emits a fresh signal, so peers can
// discard stale ones.
func (d Datasource) ActivateDebtor(ctx context.Context, debtorID, reservationID int64, cfg model.DebtorConfig) (*model.Debtor, error) {
	ctx, span := otel.Tracer("swpt.debtors").Start(ctx, "Activating debtor")
	defer span.End()

	debtor, err := d.GetDebtor(ctx, debtorID)
	if err != nil {
		if apierror.HasCode(err, apierror.ErrNotFound) {
			return nil, apierror.NewAPIError(apierror.ErrInvalidReservation, fmt.Sprintf("Debtor %d is not reserved", debtorID), nil)
		}
		return nil, err
	}
	if debtor.IsDeactivated() {
		return nil, apierror.NewAPIError(apierror.ErrInvalidReservation, fmt.Sprintf("Debtor %d has been deactivated", debtorID), nil)
	}
	if debtor.IsActivated() && debtor.Config == cfg {
		return debtor, nil
	}
	if !debtor.IsActivated() && reservationID != debtor.ReservationID {
		return nil, apierror.NewAPIError(apierror.ErrInvalidReservation, fmt.Sprintf("Wrong reservation ID for debtor %d", debtorID), nil)
	}

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	newSeq := debtor.ChangeSeq + 1
	result, err := tx.ExecContext(ctx, `
		UPDATE swpt.debtors
		SET status_flags = status_flags | $3,
		    min_transfer_amount = $4,
		    max_transfer_amount = $5,
		    change_seq = $6
		WHERE debtor_id = $1 AND change_seq = $2
	`, debtorID, debtor.ChangeSeq, model.StatusActivated, cfg.MinTransferAmount, cfg.MaxTransferAmount, newSeq)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to activate debtor", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return nil, apierror.NewAPIError(apierror.ErrStaleWrite, fmt.Sprintf("Debtor %d was updated concurrently", debtorID), nil)
	}

	signal := model.ConfigureAccountSignal{
		DebtorID:          debtorID,
		Seqnum:            newSeq,
		MinTransferAmount: cfg.MinTransferAmount,
		MaxTransferAmount: cfg.MaxTransferAmount,
		Ts:                time.Now().UTC(),
	}
	err = insertOutboxEntryTx(ctx, tx, model.DebtorSubject(debtorID), model.SignalConfigureAccount, signal)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit debtor activation", err)
	}

	debtor.StatusFlags |= model.StatusActivated
	debtor.Config = cfg
	debtor.ChangeSeq = newSeq
	return debtor, nil
}

// DeactivateDebtor permanently relinquishes a debtor ID. The row is
// kept so the ID can never be reused; the debtor's transfers are
// removed.
func (d Datasource) DeactivateDebtor(ctx context.Context, debtorID int64) error {
	debtor, err := d.GetDebtor(ctx, debtorID)
	if err != nil {
		return err
	}
	if debtor.IsDeactivated() {
		return nil
	}
	if !debtor.IsActivated() {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Debtor %d is not activated", debtorID), nil)
	}

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, `DELETE FROM swpt.transfers WHERE debtor_id = $1`, debtorID)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to delete debtor transfers", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE swpt.debtors
		SET status_flags = status_flags | $3,
		    deactivated_at = NOW(),
		    change_seq = change_seq + 1
		WHERE debtor_id = $1 AND change_seq = $2
	`, debtorID, debtor.ChangeSeq, model.StatusDeactivated)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to deactivate debtor", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return apierror.NewAPIError(apierror.ErrStaleWrite, fmt.Sprintf("Debtor %d was updated concurrently", debtorID), nil)
	}

	if err := tx.Commit(); err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit debtor deactivation", err)
	}
	return nil
}

func (d Datasource) GetDebtor(ctx context.Context, debtorID int64) (*model.Debtor, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+debtorColumns+`
		FROM swpt.debtors
		WHERE debtor_id = $1
	`, debtorID)

	debtor, err := scanDebtor(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Debtor %d not found", debtorID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve debtor", err)
	}
	return debtor, nil
}

// ReleaseStaleReservations deletes debtors that were reserved before
// the cutoff but never activated, making their IDs available again.
func (d Datasource) ReleaseStaleReservations(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := d.Conn.ExecContext(ctx, `
		DELETE FROM swpt.debtors
		WHERE status_flags = 0 AND created_at < $1
	`, cutoff)
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to release stale reservations", err)
	}
	released, err := result.RowsAffected()
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	return released, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDebtor(row rowScanner) (*model.Debtor, error) {
	debtor := &model.Debtor{}
	var deactivatedAt sql.NullTime
	err := row.Scan(
		&debtor.DebtorID,
		&debtor.StatusFlags,
		&debtor.ReservationID,
		&debtor.ChangeSeq,
		&debtor.Config.MinTransferAmount,
		&debtor.Config.MaxTransferAmount,
		&debtor.Balance,
		&debtor.CreatedAt,
		&deactivatedAt,
	)
	if err != nil {
		return nil, err
	}
	if deactivatedAt.Valid {
		debtor.DeactivatedAt = &deactivatedAt.Time
	}
	return debtor, nil
}
