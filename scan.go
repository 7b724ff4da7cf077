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
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/swaptacular/swpt-debtors/config"
	"github.com/swaptacular/swpt-debtors/internal/apierror"
	redlock "github.com/swaptacular/swpt-debtors/internal/lock"
	"github.com/swaptacular/swpt-debtors/model"
)

const sweepLockKey = "swpt:sweep-lock"

// ExpireStaleTransfers cancels transfers that have waited too long
// for the accounting authority, with the reason TIMEOUT. Each
// cancellation is atomic on its own row, so a pass interrupted
// halfway leaves no partial state and the next pass picks up the
// rest. Returns the number of transfers cancelled.
func (d *Debtors) ExpireStaleTransfers(ctx context.Context) (int, error) {
	cnf, err := config.Fetch()
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-time.Duration(cnf.Scan.TransferTimeoutSec) * time.Second)
	keys, err := d.datasource.ListStaleTransfers(ctx, cutoff, cnf.Scan.BatchSize)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, key := range keys {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}
		_, err := d.datasource.CancelTransfer(ctx, key.DebtorID, key.TransferUUID, model.CodeTimeout)
		if err != nil {
			// A peer reply may have finalized the transfer between
			// the listing and the cancellation. Not a problem.
			if apierror.HasCode(err, apierror.ErrForbiddenCancellation) ||
				apierror.HasCode(err, apierror.ErrNotFound) ||
				apierror.HasCode(err, apierror.ErrStaleWrite) {
				continue
			}
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// ReleaseStaleReservations frees debtor IDs that were reserved but
// never activated within the grace period.
func (d *Debtors) ReleaseStaleReservations(ctx context.Context) (int64, error) {
	cnf, err := config.Fetch()
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-time.Duration(cnf.Scan.ReservationGraceSec) * time.Second)
	return d.datasource.ReleaseStaleReservations(ctx, cutoff)
}

// PurgeDeadTransfers deletes transfer records that were finalized
// longer ago than the configured retention period.
func (d *Debtors) PurgeDeadTransfers(ctx context.Context) (int64, error) {
	cnf, err := config.Fetch()
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-time.Duration(cnf.Scan.DeadTransferRetentionHr) * time.Hour)
	return d.datasource.PurgeDeadTransfers(ctx, cutoff)
}

// StartSweeper runs the periodic maintenance passes until ctx is
// cancelled.
func (d *Debtors) StartSweeper(ctx context.Context) {
	cnf, err := config.Fetch()
	if err != nil {
		logrus.Errorf("Sweeper cannot start: %v", err)
		return
	}

	interval := time.Duration(cnf.Scan.IntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logrus.Info("Sweeper started")
	for {
		select {
		case <-ctx.Done():
			logrus.Info("Sweeper stopped")
			return
		case <-ticker.C:
		}

		// Only one replica sweeps per interval.
		locker := redlock.NewLocker(d.redis, sweepLockKey, uuid.NewString())
		if err := locker.Lock(ctx, interval); err != nil {
			logrus.Debugf("Skipping sweep pass: %v", err)
			continue
		}

		if n, err := d.ExpireStaleTransfers(ctx); err != nil {
			logrus.Errorf("Stale transfer sweep failed: %v", err)
		} else if n > 0 {
			logrus.Infof("Cancelled %d stale transfers", n)
		}

		if n, err := d.ReleaseStaleReservations(ctx); err != nil {
			logrus.Errorf("Stale reservation sweep failed: %v", err)
		} else if n > 0 {
			logrus.Infof("Released %d stale debtor reservations", n)
		}

		if n, err := d.PurgeDeadTransfers(ctx); err != nil {
			logrus.Errorf("Dead transfer purge failed: %v", err)
		} else if n > 0 {
			logrus.Infof("Purged %d dead transfers", n)
		}

		if err := locker.Unlock(ctx); err != nil {
			logrus.Debugf("Sweep lock release: %v", err)
		}
	}
}
