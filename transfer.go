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
	"fmt"
	"strconv"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/google/uuid"

	"github.com/swaptacular/swpt-debtors/internal/apierror"
	"github.com/swaptacular/swpt-debtors/model"
	"github.com/swaptacular/swpt-debtors/swptid"
)

// CreateTransferRequest carries a request to issue new money into a
// creditor's account. TransferUUID is chosen by the requester and
// makes the request idempotent.
type CreateTransferRequest struct {
	DebtorID     int64  `json:"debtor_id"`
	TransferUUID string `json:"transfer_uuid"`
	RecipientURI string `json:"recipient_uri"`
	Amount       int64  `json:"amount"`
	TransferNote string `json:"transfer_note"`
}

func (r CreateTransferRequest) validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.TransferUUID, validation.Required, is.UUID),
		validation.Field(&r.RecipientURI, validation.Required),
		validation.Field(&r.Amount, validation.Required, validation.Min(1)),
		validation.Field(&r.TransferNote, validation.By(validateTransferNote)),
	)
}

func validateTransferNote(value interface{}) error {
	note, _ := value.(string)
	if len(note) > model.TransferNoteMaxBytes {
		return fmt.Errorf("cannot be longer than %d bytes", model.TransferNoteMaxBytes)
	}
	return nil
}

// CreateTransfer validates and records a new issuing transfer, which
// emits a PrepareTransfer message towards the accounting authority.
// The returned bool reports whether the call created the transfer or
// found an identical earlier one.
func (d *Debtors) CreateTransfer(ctx context.Context, req CreateTransferRequest) (*model.Transfer, bool, error) {
	ctx, span := tracer.Start(ctx, "Creating transfer")
	defer span.End()

	if err := checkShard(req.DebtorID); err != nil {
		return nil, false, err
	}
	if err := req.validate(); err != nil {
		return nil, false, apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), err)
	}

	recipientDebtorID, accountID, err := swptid.DecodeAccountURI(req.RecipientURI)
	if err != nil {
		return nil, false, apierror.NewAPIError(apierror.ErrMalformedIdentifier,
			fmt.Sprintf("Invalid recipient URI %q", req.RecipientURI), err)
	}
	if recipientDebtorID != req.DebtorID {
		return nil, false, apierror.NewAPIError(apierror.ErrInvalidInput,
			"Recipient account belongs to another currency", nil)
	}
	// Creditor account IDs on the debtor's own node are plain decimal.
	recipientCreditorID, err := strconv.ParseUint(accountID, 10, 64)
	if err != nil {
		return nil, false, apierror.NewAPIError(apierror.ErrMalformedIdentifier,
			fmt.Sprintf("Invalid recipient account ID %q", accountID), err)
	}

	transfer := &model.Transfer{
		DebtorID:            req.DebtorID,
		TransferUUID:        uuid.MustParse(req.TransferUUID),
		RecipientURI:        req.RecipientURI,
		RecipientCreditorID: swptid.U64ToI64(recipientCreditorID),
		Amount:              req.Amount,
		TransferNote:        req.TransferNote,
		Status:              model.StatusInitiated,
	}
	return d.datasource.InitiateTransfer(ctx, transfer)
}

func (d *Debtors) GetTransfer(ctx context.Context, debtorID int64, transferUUID uuid.UUID) (*model.Transfer, error) {
	if err := checkShard(debtorID); err != nil {
		return nil, err
	}
	return d.datasource.GetTransfer(ctx, debtorID, transferUUID)
}

func (d *Debtors) ListTransferUUIDs(ctx context.Context, debtorID int64) ([]uuid.UUID, error) {
	if err := checkShard(debtorID); err != nil {
		return nil, err
	}
	return d.datasource.ListTransferUUIDs(ctx, debtorID)
}

// CancelTransfer aborts a transfer on the sender's behalf. Cancelling
// a transfer that has already been committed fails.
func (d *Debtors) CancelTransfer(ctx context.Context, debtorID int64, transferUUID uuid.UUID) (*model.Transfer, error) {
	ctx, span := tracer.Start(ctx, "Cancelling transfer")
	defer span.End()

	if err := checkShard(debtorID); err != nil {
		return nil, err
	}
	var transfer *model.Transfer
	err := retryStaleWrite(func() error {
		var err error
		transfer, err = d.datasource.CancelTransfer(ctx, debtorID, transferUUID, model.CodeCanceledBySender)
		return err
	})
	return transfer, err
}
