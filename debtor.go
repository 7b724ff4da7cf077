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
	"math/rand"

	"github.com/swaptacular/swpt-debtors/config"
	"github.com/swaptacular/swpt-debtors/internal/apierror"
	"github.com/swaptacular/swpt-debtors/model"
)

// randomReservationAttempts bounds the search for a free random
// debtor ID before giving up.
const randomReservationAttempts = 10

// ReserveDebtor provisionally allocates the given debtor ID on this
// shard.
func (d *Debtors) ReserveDebtor(ctx context.Context, debtorID int64) (*model.Debtor, error) {
	if err := checkShard(debtorID); err != nil {
		return nil, err
	}
	return d.datasource.ReserveDebtor(ctx, debtorID)
}

// ReserveRandomDebtor allocates a debtor ID picked at random from the
// shard's interval, retrying on collisions with existing debtors.
func (d *Debtors) ReserveRandomDebtor(ctx context.Context) (*model.Debtor, error) {
	cnf, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	// The shard may span more than half the signed 64-bit space, so
	// the interval width only fits in a uint64.
	width := uint64(cnf.Shard.MaxDebtorID) - uint64(cnf.Shard.MinDebtorID)
	var lastErr error
	for i := 0; i < randomReservationAttempts; i++ {
		debtorID := cnf.Shard.MinDebtorID + int64(rand.Uint64()%width)
		debtor, err := d.datasource.ReserveDebtor(ctx, debtorID)
		if err == nil {
			return debtor, nil
		}
		if !apierror.HasCode(err, apierror.ErrAlreadyReserved) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// ActivateDebtor turns a reservation into an activated debtor with
// the given configuration, or reconfigures an already activated one.
func (d *Debtors) ActivateDebtor(ctx context.Context, debtorID, reservationID int64, cfg model.DebtorConfig) (*model.Debtor, error) {
	ctx, span := tracer.Start(ctx, "Activating debtor")
	defer span.End()

	if err := checkShard(debtorID); err != nil {
		return nil, err
	}
	if cfg.MinTransferAmount < 0 || cfg.MaxTransferAmount < cfg.MinTransferAmount {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "Invalid transfer amount bounds", nil)
	}

	var debtor *model.Debtor
	err := retryStaleWrite(func() error {
		var err error
		debtor, err = d.datasource.ActivateDebtor(ctx, debtorID, reservationID, cfg)
		return err
	})
	return debtor, err
}

// DeactivateDebtor permanently retires the debtor ID.
func (d *Debtors) DeactivateDebtor(ctx context.Context, debtorID int64) error {
	ctx, span := tracer.Start(ctx, "Deactivating debtor")
	defer span.End()

	if err := checkShard(debtorID); err != nil {
		return err
	}
	return retryStaleWrite(func() error {
		return d.datasource.DeactivateDebtor(ctx, debtorID)
	})
}

func (d *Debtors) GetDebtor(ctx context.Context, debtorID int64) (*model.Debtor, error) {
	if err := checkShard(debtorID); err != nil {
		return nil, err
	}
	return d.datasource.GetDebtor(ctx, debtorID)
}
