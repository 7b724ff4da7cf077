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
	"time"

	"github.com/google/uuid"

	"github.com/swaptacular/swpt-debtors/model"
)

// TransferKey identifies a transfer for scanning jobs.
type TransferKey struct {
	DebtorID     int64
	TransferUUID uuid.UUID
}

type IDebtor interface {
	ReserveDebtor(ctx context.Context, debtorID int64) (*model.Debtor, error)
	ActivateDebtor(ctx context.Context, debtorID, reservationID int64, cfg model.DebtorConfig) (*model.Debtor, error)
	DeactivateDebtor(ctx context.Context, debtorID int64) error
	GetDebtor(ctx context.Context, debtorID int64) (*model.Debtor, error)
	ReleaseStaleReservations(ctx context.Context, cutoff time.Time) (int64, error)
}

type ITransfer interface {
	InitiateTransfer(ctx context.Context, transfer *model.Transfer) (*model.Transfer, bool, error)
	GetTransfer(ctx context.Context, debtorID int64, transferUUID uuid.UUID) (*model.Transfer, error)
	GetTransferByCoordinatorRequest(ctx context.Context, debtorID, coordinatorRequestID int64) (*model.Transfer, error)
	ListTransferUUIDs(ctx context.Context, debtorID int64) ([]uuid.UUID, error)
	ApplyPrepared(ctx context.Context, debtorID, coordinatorRequestID, transferID, reservedAmount int64) (bool, error)
	ApplyRejected(ctx context.Context, debtorID, coordinatorRequestID int64, statusCode string) (bool, error)
	FinalizeTransfer(ctx context.Context, debtorID int64, transferUUID uuid.UUID, commit bool, reason string) (*model.Transfer, error)
	CancelTransfer(ctx context.Context, debtorID int64, transferUUID uuid.UUID, reason string) (*model.Transfer, error)
	ListStaleTransfers(ctx context.Context, cutoff time.Time, limit int) ([]TransferKey, error)
	PurgeDeadTransfers(ctx context.Context, cutoff time.Time) (int64, error)
}

type IOutbox interface {
	EnqueueFinalizeDismissal(ctx context.Context, debtorID, transferID, coordinatorRequestID int64) error
	ClaimDueOutboxBatch(ctx context.Context, maxCount int, lease time.Duration) ([]*model.OutboxEntry, error)
	ConfirmDelivered(ctx context.Context, entryID int64) error
	FailDelivery(ctx context.Context, entryID int64, nextDeliveryAt time.Time) error
}

type IDataSource interface {
	IDebtor
	ITransfer
	IOutbox
}
