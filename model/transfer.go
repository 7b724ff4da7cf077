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

package model

import (
	"time"

	"github.com/google/uuid"
)

// Transfer statuses. The only legal transitions are
// INITIATED -> PREPARED | FAILED | CANCELLED and
// PREPARED -> FINALIZED | CANCELLED.
const (
	StatusInitiated = "INITIATED"
	StatusPrepared  = "PREPARED"
	StatusFailed    = "FAILED"
	StatusFinalized = "FINALIZED"
	StatusCancelled = "CANCELLED"
)

// Transfer status codes, reported to the issuer when a transfer does
// not commit.
const (
	CodeTimeout            = "TIMEOUT"
	CodeCanceledBySender   = "CANCELED_BY_THE_SENDER"
	CodeUnexpectedError    = "UNEXPECTED_ERROR"
	CodeInsufficientAmount = "INSUFFICIENT_AVAILABLE_AMOUNT"
)

// TransferNoteMaxBytes limits the note carried with a transfer.
const TransferNoteMaxBytes = 500

// Transfer is an in-flight monetary obligation issued by a debtor.
// The (DebtorID, TransferUUID) pair is a client-supplied idempotency
// key: a transfer is processed at most once end-to-end no matter how
// many times the initiating request is retried.
type Transfer struct {
	DebtorID            int64     `json:"debtor_id"`
	TransferUUID        uuid.UUID `json:"transfer_uuid"`
	RecipientURI        string    `json:"recipient_uri"`
	RecipientCreditorID int64     `json:"recipient_creditor_id"`
	Amount              int64     `json:"amount"`
	TransferNote        string    `json:"transfer_note"`
	Status              string    `json:"status"`
	// CoordinatorRequestID correlates PrepareTransfer signals with
	// the prepared/rejected replies coming back from the accounting
	// authority. Unique per debtor.
	CoordinatorRequestID int64      `json:"coordinator_request_id"`
	PreparedTransferID   int64      `json:"prepared_transfer_id,omitempty"`
	ReservedAmount       int64      `json:"reserved_amount,omitempty"`
	ErrorCode            string     `json:"error_code,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	FinalizedAt          *time.Time `json:"finalized_at,omitempty"`
}

func (t *Transfer) IsFinalized() bool {
	return t.FinalizedAt != nil
}

// Matches reports whether a creation request with the given arguments
// describes this same transfer, which makes the request an idempotent
// duplicate rather than a conflict.
func (t *Transfer) Matches(recipientURI string, amount int64, transferNote string) bool {
	return t.RecipientURI == recipientURI &&
		t.Amount == amount &&
		t.TransferNote == transferNote
}
