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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/swaptacular/swpt-debtors/config"
	"github.com/swaptacular/swpt-debtors/internal/apierror"
	"github.com/swaptacular/swpt-debtors/model"
)

func TestReserveDebtorShardCheck(t *testing.T) {
	d, mockDS, _ := newTestDebtors(t)

	_, err := d.ReserveDebtor(context.Background(), -1)
	assert.True(t, apierror.HasCode(err, apierror.ErrWrongShard))
	mockDS.AssertNotCalled(t, "ReserveDebtor", mock.Anything, mock.Anything)
}

func TestReserveDebtorDelegates(t *testing.T) {
	d, mockDS, _ := newTestDebtors(t)

	mockDS.On("ReserveDebtor", mock.Anything, int64(42)).
		Return(&model.Debtor{DebtorID: 42, ReservationID: 7001}, nil)

	debtor, err := d.ReserveDebtor(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, int64(7001), debtor.ReservationID)
	mockDS.AssertExpectations(t)
}

func TestReserveRandomDebtorRetriesCollisions(t *testing.T) {
	d, mockDS, _ := newTestDebtors(t)

	mockDS.On("ReserveDebtor", mock.Anything, mock.Anything).
		Return(nil, apierror.NewAPIError(apierror.ErrAlreadyReserved, "taken", nil)).Times(2)
	mockDS.On("ReserveDebtor", mock.Anything, mock.Anything).
		Return(&model.Debtor{DebtorID: 555, ReservationID: 7002}, nil).Once()

	debtor, err := d.ReserveRandomDebtor(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(555), debtor.DebtorID)
	mockDS.AssertExpectations(t)
}

func TestActivateDebtorRetriesStaleWrite(t *testing.T) {
	d, mockDS, _ := newTestDebtors(t)
	cfg := model.DebtorConfig{MinTransferAmount: 1, MaxTransferAmount: 1000}

	mockDS.On("ActivateDebtor", mock.Anything, int64(42), int64(7001), cfg).
		Return(nil, apierror.NewAPIError(apierror.ErrStaleWrite, "lost race", nil)).Once()
	mockDS.On("ActivateDebtor", mock.Anything, int64(42), int64(7001), cfg).
		Return(&model.Debtor{DebtorID: 42, StatusFlags: model.StatusActivated, ChangeSeq: 2}, nil).Once()

	debtor, err := d.ActivateDebtor(context.Background(), 42, 7001, cfg)
	require.NoError(t, err)
	assert.True(t, debtor.IsActivated())
	mockDS.AssertExpectations(t)
}

func TestReserveRandomDebtorWideShard(t *testing.T) {
	// A single-node deployment may own more than half the signed
	// 64-bit ID space; picking a random ID must not rely on the
	// interval width fitting in an int64.
	d, mockDS, _ := newTestDebtors(t)
	cnf, err := config.Fetch()
	require.NoError(t, err)
	wide := *cnf
	wide.Shard = config.ShardConfig{MinDebtorID: -1 << 62, MaxDebtorID: 1 << 62}
	config.MockConfig(&wide)

	mockDS.On("ReserveDebtor", mock.Anything, mock.MatchedBy(func(id int64) bool {
		return id >= -1<<62 && id < 1<<62
	})).Return(&model.Debtor{DebtorID: 1, ReservationID: 7003}, nil)

	debtor, err := d.ReserveRandomDebtor(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7003), debtor.ReservationID)
	mockDS.AssertExpectations(t)
}

func TestActivateDebtorRejectsBadBounds(t *testing.T) {
	d, mockDS, _ := newTestDebtors(t)

	_, err := d.ActivateDebtor(context.Background(), 42, 7001, model.DebtorConfig{MinTransferAmount: 10, MaxTransferAmount: 5})
	assert.True(t, apierror.HasCode(err, apierror.ErrInvalidInput))
	mockDS.AssertNotCalled(t, "ActivateDebtor", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestDeactivateDebtor(t *testing.T) {
	d, mockDS, _ := newTestDebtors(t)

	mockDS.On("DeactivateDebtor", mock.Anything, int64(42)).Return(nil)

	require.NoError(t, d.DeactivateDebtor(context.Background(), 42))
	mockDS.AssertExpectations(t)
}
