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

package debtors

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/swaptacular/swpt-debtors/internal/apierror"
	"github.com/swaptacular/swpt-debtors/model"
)

// HandleInbound applies one protocol message from the accounting
// authority. Messages are delivered at least once and possibly out of
// order, so every path through here is idempotent: duplicates within
// the deduplication window are dropped outright, and messages whose
// effect has already been applied change nothing. A nil return
// acknowledges the message; an error makes the broker redeliver it.
func (d *Debtors) HandleInbound(ctx context.Context, msg *model.InboundMessage) error {
	ctx, span := tracer.Start(ctx, "Processing inbound message")
	defer span.End()

	seen, err := d.dedup.Seen(ctx, msg.DedupKey())
	if err != nil {
		return err
	}
	if seen {
		logrus.Debugf("Dropping duplicate message %s", msg.DedupKey())
		return nil
	}

	err = retryStaleWrite(func() error {
		return d.applyInbound(ctx, msg)
	})
	if err != nil {
		return err
	}

	// Marked only after the effect is durable: a key marked for a
	// message that then failed to apply would turn the redelivery
	// into a silent ack. A crash between the apply and the mark just
	// re-runs an idempotent application.
	if markErr := d.dedup.MarkSeen(ctx, msg.DedupKey()); markErr != nil {
		logrus.Errorf("Failed to mark message %s as seen: %v", msg.DedupKey(), markErr)
	}
	return nil
}

func (d *Debtors) applyInbound(ctx context.Context, msg *model.InboundMessage) error {
	switch msg.SignalType {
	case model.SignalPreparedTransfer:
		var m model.PreparedTransferMsg
		if err := json.Unmarshal(msg.Payload, &m); err != nil {
			return apierror.NewAPIError(apierror.ErrInvalidInput, "Malformed prepared transfer message", err)
		}
		return d.applyPrepared(ctx, &m)
	case model.SignalRejectedTransfer:
		var m model.RejectedTransferMsg
		if err := json.Unmarshal(msg.Payload, &m); err != nil {
			return apierror.NewAPIError(apierror.ErrInvalidInput, "Malformed rejected transfer message", err)
		}
		return d.applyRejected(ctx, &m)
	case model.SignalFinalizedTransfer:
		var m model.FinalizedTransferMsg
		if err := json.Unmarshal(msg.Payload, &m); err != nil {
			return apierror.NewAPIError(apierror.ErrInvalidInput, "Malformed finalized transfer message", err)
		}
		return d.applyFinalized(ctx, &m)
	default:
		// Peer nodes may run newer protocol versions. Unknown message
		// types are acknowledged, not redelivered forever.
		logrus.Warnf("Ignoring message of unknown type %q from %s", msg.SignalType, msg.SenderNodeID)
		return nil
	}
}

func (d *Debtors) applyPrepared(ctx context.Context, m *model.PreparedTransferMsg) error {
	if err := checkShard(m.DebtorID); err != nil {
		return err
	}
	applied, err := d.datasource.ApplyPrepared(ctx, m.DebtorID, m.CoordinatorRequestID, m.TransferID, m.ReservedAmount)
	if err != nil {
		if apierror.HasCode(err, apierror.ErrNotFound) {
			// The amount is locked for a transfer this node knows
			// nothing about (a very old retry, or state lost to a
			// backup restore). Dismiss it so the lock is released.
			logrus.Warnf("Dismissing unknown prepared transfer %d for debtor %d", m.TransferID, m.DebtorID)
			return d.datasource.EnqueueFinalizeDismissal(ctx, m.DebtorID, m.TransferID, m.CoordinatorRequestID)
		}
		return err
	}
	if !applied {
		transfer, err := d.datasource.GetTransferByCoordinatorRequest(ctx, m.DebtorID, m.CoordinatorRequestID)
		if err != nil {
			return err
		}
		switch transfer.Status {
		case model.StatusCancelled, model.StatusFailed:
			// The transfer was abandoned (cancelled by the sender or
			// timed out) before the preparation arrived. The authority
			// still holds the locked amount; release it.
			logrus.Warnf("Dismissing prepared transfer %d for abandoned transfer %s", m.TransferID, transfer.TransferUUID)
			return d.datasource.EnqueueFinalizeDismissal(ctx, m.DebtorID, m.TransferID, m.CoordinatorRequestID)
		default:
			logrus.Debugf("Ignoring duplicate prepared message for coordinator request %d", m.CoordinatorRequestID)
		}
	}
	return nil
}

func (d *Debtors) applyRejected(ctx context.Context, m *model.RejectedTransferMsg) error {
	if err := checkShard(m.DebtorID); err != nil {
		return err
	}
	applied, err := d.datasource.ApplyRejected(ctx, m.DebtorID, m.CoordinatorRequestID, m.StatusCode)
	if err != nil {
		return err
	}
	if !applied {
		logrus.Debugf("Ignoring late rejected message for coordinator request %d", m.CoordinatorRequestID)
	}
	return nil
}

// applyFinalized handles the terminal confirmation for a transfer.
// When the accounting authority reports a successful commit for a
// transfer still marked prepared here, the local record is committed
// too; an unsuccessful outcome cancels it.
func (d *Debtors) applyFinalized(ctx context.Context, m *model.FinalizedTransferMsg) error {
	if err := checkShard(m.DebtorID); err != nil {
		return err
	}
	transfer, err := d.datasource.GetTransferByCoordinatorRequest(ctx, m.DebtorID, m.CoordinatorRequestID)
	if err != nil {
		if apierror.HasCode(err, apierror.ErrNotFound) {
			logrus.Debugf("Ignoring finalized message for unknown coordinator request %d", m.CoordinatorRequestID)
			return nil
		}
		return err
	}
	if transfer.Status != model.StatusPrepared {
		// Already settled locally. The outcomes must agree; a
		// divergence means the two ledgers disagree about whether
		// money moved, which no redelivery can repair.
		committed := transfer.Status == model.StatusFinalized
		if committed != (m.CommittedAmount > 0) {
			logrus.Errorf("Finalized message for transfer %s reports committed amount %d but the local record is %s",
				transfer.TransferUUID, m.CommittedAmount, transfer.Status)
		}
		return nil
	}

	commit := m.CommittedAmount > 0
	reason := m.StatusCode
	if !commit && reason == "" {
		reason = model.CodeUnexpectedError
	}
	_, err = d.datasource.FinalizeTransfer(ctx, m.DebtorID, transfer.TransferUUID, commit, reason)
	if apierror.HasCode(err, apierror.ErrConflictingFinalization) {
		// The local record and the authority's report disagree about
		// the outcome. NewAPIError has already logged it loudly;
		// redelivering the message cannot repair the disagreement.
		return nil
	}
	return err
}
