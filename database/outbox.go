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
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/swaptacular/swpt-debtors/internal/apierror"
	"github.com/swaptacular/swpt-debtors/model"
)

// insertOutboxEntryTx appends a protocol message to the outbox inside
// the caller's transaction. It is never called outside a transaction
// that also performs the ledger mutation the message reports: the
// mutation and its outbox entry either both commit or neither does.
func insertOutboxEntryTx(ctx context.Context, tx *sql.Tx, subjectKey, signalType string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal signal payload", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO swpt.outbox_entries (subject_key, signal_type, payload)
		VALUES ($1, $2, $3)
	`, subjectKey, signalType, body)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to insert outbox entry", err)
	}
	return nil
}

// EnqueueFinalizeDismissal appends a FinalizeTransfer entry with a
// committed amount of zero, releasing an amount the accounting
// authority has locked for a coordinator request this node no longer
// knows about. There is no ledger row to mutate, so the entry is
// written on its own.
func (d Datasource) EnqueueFinalizeDismissal(ctx context.Context, debtorID, transferID, coordinatorRequestID int64) error {
	signal := model.FinalizeTransferSignal{
		DebtorID:             debtorID,
		TransferID:           transferID,
		CoordinatorRequestID: coordinatorRequestID,
		CommittedAmount:      0,
		Ts:                   time.Now().UTC(),
	}
	body, err := json.Marshal(signal)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal signal payload", err)
	}
	_, err = d.Conn.ExecContext(ctx, `
		INSERT INTO swpt.outbox_entries (subject_key, signal_type, payload)
		VALUES ($1, $2, $3)
	`, model.DebtorSubject(debtorID), model.SignalFinalizeTransfer, body)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to insert outbox entry", err)
	}
	return nil
}

// ClaimDueOutboxBatch leases up to maxCount undelivered entries for
// publishing, oldest first. An entry is leased only if every earlier
// entry of the same subject is part of the same batch, so a single
// worker always publishes a subject's entries in creation order even
// when several workers drain concurrently. Leased entries reappear
// after the lease expires unless they are confirmed or explicitly
// rescheduled, so a crashed worker never loses a message.
func (d Datasource) ClaimDueOutboxBatch(ctx context.Context, maxCount int, lease time.Duration) ([]*model.OutboxEntry, error) {
	ctx, span := otel.Tracer("swpt.outbox").Start(ctx, "Claiming due outbox entries")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		WITH due AS (
			SELECT entry_id, subject_key
			FROM swpt.outbox_entries
			WHERE next_delivery_at <= NOW()
			ORDER BY entry_id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		), ready AS (
			SELECT d.entry_id
			FROM due d
			WHERE NOT EXISTS (
				SELECT 1 FROM swpt.outbox_entries p
				WHERE p.subject_key = d.subject_key
				  AND p.entry_id < d.entry_id
				  AND p.entry_id NOT IN (SELECT entry_id FROM due)
			)
		)
		UPDATE swpt.outbox_entries e
		SET attempts = e.attempts + 1,
		    next_delivery_at = NOW() + make_interval(secs => $2)
		FROM ready r
		WHERE e.entry_id = r.entry_id
		RETURNING e.entry_id, e.subject_key, e.signal_type, e.payload, e.attempts, e.next_delivery_at, e.created_at
	`, maxCount, lease.Seconds())
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to claim outbox entries", err)
	}
	defer rows.Close()

	var entries []*model.OutboxEntry
	for rows.Next() {
		entry := &model.OutboxEntry{}
		var payload []byte
		err = rows.Scan(
			&entry.EntryID,
			&entry.SubjectKey,
			&entry.SignalType,
			&payload,
			&entry.Attempts,
			&entry.NextDeliveryAt,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan outbox entry", err)
		}
		entry.Payload = payload
		entries = append(entries, entry)
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over outbox entries", err)
	}

	// RETURNING does not guarantee order.
	sort.Slice(entries, func(i, j int) bool { return entries[i].EntryID < entries[j].EntryID })
	return entries, nil
}

// ConfirmDelivered removes an outbox entry after the broker has
// durably accepted the message. Until then the entry survives any
// number of failed publish attempts.
func (d Datasource) ConfirmDelivered(ctx context.Context, entryID int64) error {
	_, err := d.Conn.ExecContext(ctx, `
		DELETE FROM swpt.outbox_entries
		WHERE entry_id = $1
	`, entryID)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to confirm outbox delivery", err)
	}
	return nil
}

// FailDelivery reschedules an entry whose publish attempt failed.
func (d Datasource) FailDelivery(ctx context.Context, entryID int64, nextDeliveryAt time.Time) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE swpt.outbox_entries
		SET next_delivery_at = $2
		WHERE entry_id = $1
	`, entryID, nextDeliveryAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to reschedule outbox entry", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Outbox entry %d not found", entryID), nil)
	}
	return nil
}
