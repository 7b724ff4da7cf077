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
package mocks

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/swaptacular/swpt-debtors/database"
	"github.com/swaptacular/swpt-debtors/model"
)

// MockDataSource is a mock implementation of the IDataSource interface
type MockDataSource struct {
	mock.Mock
}

// Debtor methods

func (m *MockDataSource) ReserveDebtor(ctx context.Context, debtorID int64) (*model.Debtor, error) {
	args := m.Called(ctx, debtorID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Debtor), args.Error(1)
}

func (m *MockDataSource) ActivateDebtor(ctx context.Context, debtorID, reservationID int64, cfg model.DebtorConfig) (*model.Debtor, error) {
	args := m.Called(ctx, debtorID, reservationID, cfg)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Debtor), args.Error(1)
}

func (m *MockDataSource) DeactivateDebtor(ctx context.Context, debtorID int64) error {
	args := m.Called(ctx, debtorID)
	return args.Error(0)
}

func (m *MockDataSource) GetDebtor(ctx context.Context, debtorID int64) (*model.Debtor, error) {
	args := m.Called(ctx, debtorID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Debtor), args.Error(1)
}

func (m *MockDataSource) ReleaseStaleReservations(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

// Transfer methods

func (m *MockDataSource) InitiateTransfer(ctx context.Context, transfer *model.Transfer) (*model.Transfer, bool, error) {
	args := m.Called(ctx, transfer)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).(*model.Transfer), args.Bool(1), args.Error(2)
}

func (m *MockDataSource) GetTransfer(ctx context.Context, debtorID int64, transferUUID uuid.UUID) (*model.Transfer, error) {
	args := m.Called(ctx, debtorID, transferUUID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Transfer), args.Error(1)
}

func (m *MockDataSource) GetTransferByCoordinatorRequest(ctx context.Context, debtorID, coordinatorRequestID int64) (*model.Transfer, error) {
	args := m.Called(ctx, debtorID, coordinatorRequestID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Transfer), args.Error(1)
}

func (m *MockDataSource) ListTransferUUIDs(ctx context.Context, debtorID int64) ([]uuid.UUID, error) {
	args := m.Called(ctx, debtorID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]uuid.UUID), args.Error(1)
}

func (m *MockDataSource) ApplyPrepared(ctx context.Context, debtorID, coordinatorRequestID, transferID, reservedAmount int64) (bool, error) {
	args := m.Called(ctx, debtorID, coordinatorRequestID, transferID, reservedAmount)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) ApplyRejected(ctx context.Context, debtorID, coordinatorRequestID int64, statusCode string) (bool, error) {
	args := m.Called(ctx, debtorID, coordinatorRequestID, statusCode)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) FinalizeTransfer(ctx context.Context, debtorID int64, transferUUID uuid.UUID, commit bool, reason string) (*model.Transfer, error) {
	args := m.Called(ctx, debtorID, transferUUID, commit, reason)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Transfer), args.Error(1)
}

func (m *MockDataSource) CancelTransfer(ctx context.Context, debtorID int64, transferUUID uuid.UUID, reason string) (*model.Transfer, error) {
	args := m.Called(ctx, debtorID, transferUUID, reason)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Transfer), args.Error(1)
}

func (m *MockDataSource) ListStaleTransfers(ctx context.Context, cutoff time.Time, limit int) ([]database.TransferKey, error) {
	args := m.Called(ctx, cutoff, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]database.TransferKey), args.Error(1)
}

func (m *MockDataSource) PurgeDeadTransfers(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

// Outbox methods

func (m *MockDataSource) EnqueueFinalizeDismissal(ctx context.Context, debtorID, transferID, coordinatorRequestID int64) error {
	args := m.Called(ctx, debtorID, transferID, coordinatorRequestID)
	return args.Error(0)
}

func (m *MockDataSource) ClaimDueOutboxBatch(ctx context.Context, maxCount int, lease time.Duration) ([]*model.OutboxEntry, error) {
	args := m.Called(ctx, maxCount, lease)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.OutboxEntry), args.Error(1)
}

func (m *MockDataSource) ConfirmDelivered(ctx context.Context, entryID int64) error {
	args := m.Called(ctx, entryID)
	return args.Error(0)
}

func (m *MockDataSource) FailDelivery(ctx context.Context, entryID int64, nextDeliveryAt time.Time) error {
	args := m.Called(ctx, entryID, nextDeliveryAt)
	return args.Error(0)
}
