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
	"log"
	"math/bits"
	"time"

	"github.com/hibiken/asynq"

	"github.com/swaptacular/swpt-debtors/config"
	redis_db "github.com/swaptacular/swpt-debtors/internal/redis-db"
	"github.com/swaptacular/swpt-debtors/model"
	"github.com/swaptacular/swpt-debtors/swptid"
)

// Queue hands outbox entries to the message broker.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
}

// NewQueue initializes the broker connection from the provided
// configuration.
func NewQueue(conf *config.Configuration) *Queue {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns)
	if err != nil {
		log.Fatalf("Error parsing Redis URL: %v", err)
	}

	queueOptions := asynq.RedisClientOpt{Addr: redisOption.Addr, Password: redisOption.Password, DB: redisOption.DB, TLSConfig: redisOption.TLSConfig}
	client := asynq.NewClient(queueOptions)
	inspector := asynq.NewInspector(queueOptions)
	return &Queue{
		Client:    client,
		Inspector: inspector,
	}
}

// PublishSignal enqueues one outbox entry on its debtor's outbound
// queue. The enqueue is durable on return: a nil error is the broker's
// acknowledgement, and only then may the entry leave the outbox.
func (q *Queue) PublishSignal(ctx context.Context, entry *model.OutboxEntry) error {
	cnf, err := config.Fetch()
	if err != nil {
		return err
	}
	debtorID, err := entry.DebtorID()
	if err != nil {
		return err
	}

	queueName := outQueueName(cnf, debtorID)
	task := asynq.NewTask(entry.SignalType, entry.Payload, asynq.Queue(queueName))

	ctx, cancel := context.WithTimeout(ctx, time.Duration(cnf.Queue.PublishTimeout)*time.Second)
	defer cancel()
	_, err = q.Client.EnqueueContext(ctx, task, asynq.MaxRetry(cnf.Queue.MaxRetryAttempt))
	return err
}

// outQueueName routes a debtor to one of the outbound queues by the
// top bits of the unsigned debtor ID. Consumers bound to a queue thus
// own a contiguous ID interval, and doubling NumberOfQueues splits
// every interval cleanly in two.
func outQueueName(cnf *config.Configuration, debtorID int64) string {
	shift := 64 - bits.TrailingZeros64(uint64(cnf.Queue.NumberOfQueues))
	index := swptid.I64ToU64(debtorID) >> shift
	return fmt.Sprintf("%s_%d", cnf.Queue.OutQueuePrefix, index)
}
