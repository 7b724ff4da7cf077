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

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/swaptacular/swpt-debtors/config"
)

// DrainOutboxOnce claims one batch of due outbox entries, publishes
// them to the broker in entry order, and confirms each entry only
// after the broker has accepted it. When a publish fails, later
// entries for the same subject are skipped so a subject's messages
// never reach the broker out of order. Returns the number of entries
// confirmed.
func (d *Debtors) DrainOutboxOnce(ctx context.Context) (int, error) {
	cnf, err := config.Fetch()
	if err != nil {
		return 0, err
	}

	lease := time.Duration(cnf.Outbox.DeliveryLeaseSec) * time.Second
	entries, err := d.datasource.ClaimDueOutboxBatch(ctx, cnf.Outbox.BatchSize, lease)
	if err != nil {
		return 0, err
	}

	delivered := 0
	failedSubjects := make(map[string]bool)
	for _, entry := range entries {
		if failedSubjects[entry.SubjectKey] {
			continue
		}
		if err := d.publisher.PublishSignal(ctx, entry); err != nil {
			logrus.Warnf("Failed to publish outbox entry %d (%s): %v", entry.EntryID, entry.SignalType, err)
			failedSubjects[entry.SubjectKey] = true
			next := time.Now().Add(retryDelay(entry.Attempts, cnf))
			if err := d.datasource.FailDelivery(ctx, entry.EntryID, next); err != nil {
				logrus.Errorf("Failed to reschedule outbox entry %d: %v", entry.EntryID, err)
			}
			continue
		}
		if err := d.datasource.ConfirmDelivered(ctx, entry.EntryID); err != nil {
			// The message is on the broker but the entry survived; it
			// will be published again and discarded by the receiver's
			// duplicate detection.
			logrus.Errorf("Failed to confirm outbox entry %d: %v", entry.EntryID, err)
			continue
		}
		delivered++
	}
	return delivered, nil
}

// StartOutboxDrainer runs the drain loop until ctx is cancelled. The
// in-flight batch is always finished before the loop exits, so a
// shutdown never abandons claimed entries mid-publish.
func (d *Debtors) StartOutboxDrainer(ctx context.Context) {
	cnf, err := config.Fetch()
	if err != nil {
		logrus.Errorf("Outbox drainer cannot start: %v", err)
		return
	}

	ticker := time.NewTicker(cnf.DrainInterval())
	defer ticker.Stop()

	logrus.Info("Outbox drainer started")
	for {
		n, err := d.DrainOutboxOnce(context.WithoutCancel(ctx))
		if err != nil {
			logrus.Errorf("Outbox drain pass failed: %v", err)
		} else if n > 0 {
			logrus.Debugf("Published %d outbox entries", n)
		}

		select {
		case <-ctx.Done():
			logrus.Info("Outbox drainer stopped")
			return
		case <-ticker.C:
		}
	}
}

// retryDelay computes the publish retry delay for an entry, growing
// exponentially with its attempt count up to the configured ceiling.
func retryDelay(attempts int, cnf *config.Configuration) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = time.Duration(cnf.Outbox.MaxBackoffSec) * time.Second
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0

	delay := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	return delay
}
