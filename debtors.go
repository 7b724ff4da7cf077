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
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/swaptacular/swpt-debtors/config"
	"github.com/swaptacular/swpt-debtors/database"
	"github.com/swaptacular/swpt-debtors/internal/apierror"
	"github.com/swaptacular/swpt-debtors/internal/dedup"
	redis_db "github.com/swaptacular/swpt-debtors/internal/redis-db"
	"github.com/swaptacular/swpt-debtors/model"
	"github.com/swaptacular/swpt-debtors/swptid"
)

var tracer = otel.Tracer("swpt.debtors")

// signalPublisher is the broker hand-off the outbox drainer needs.
type signalPublisher interface {
	PublishSignal(ctx context.Context, entry *model.OutboxEntry) error
}

// Debtors is the service layer of a debtors agent node. It owns one
// shard of the debtor-ID space: every mutation is checked against the
// shard bounds, the database keeps the authoritative state, and the
// queue carries the protocol messages the mutations produce.
type Debtors struct {
	queue      *Queue
	publisher  signalPublisher
	redis      redis.UniversalClient
	dedup      *dedup.Store
	datasource database.IDataSource
}

// NewDebtors initializes the service layer with the provided database
// datasource, connecting the Redis client, the message queue and the
// duplicate-detection store from the fetched configuration.
func NewDebtors(db database.IDataSource) (*Debtors, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	redisClient, err := redis_db.NewRedisClient(configuration.Redis.Dns)
	if err != nil {
		return nil, err
	}
	newQueue := NewQueue(configuration)
	dedupStore := dedup.NewStore(redisClient.Client(), time.Duration(configuration.Dedup.WindowSec)*time.Second)
	return &Debtors{
		datasource: db,
		queue:      newQueue,
		publisher:  newQueue,
		redis:      redisClient.Client(),
		dedup:      dedupStore,
	}, nil
}

// checkShard rejects debtor IDs this node is not responsible for.
func checkShard(debtorID int64) error {
	cnf, err := config.Fetch()
	if err != nil {
		return err
	}
	if !swptid.InRange(debtorID, cnf.Shard.MinDebtorID, cnf.Shard.MaxDebtorID) {
		return apierror.NewAPIError(apierror.ErrWrongShard,
			fmt.Sprintf("Debtor %d belongs to another shard", debtorID), nil)
	}
	return nil
}

// retryStaleWrite runs op and retries it once if it lost an
// optimistic concurrency race. A second loss is returned to the
// caller; unbounded retries could live-lock two nodes against each
// other.
func retryStaleWrite(op func() error) error {
	err := op()
	if apierror.HasCode(err, apierror.ErrStaleWrite) {
		return op()
	}
	return err
}
