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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/swaptacular/swpt-debtors/config"
	"github.com/swaptacular/swpt-debtors/internal/apierror"
	redis_db "github.com/swaptacular/swpt-debtors/internal/redis-db"
	"github.com/swaptacular/swpt-debtors/model"
)

// processInbound applies one protocol message from the inbound queue.
// Errors make asynq redeliver the task, except messages for another
// shard, which are misrouted and must not be retried here.
func (s *swptInstance) processInbound(ctx context.Context, t *asynq.Task) error {
	ctx, span := otel.Tracer("swpt.debtors.worker").Start(ctx, "Process Inbound Message")
	defer span.End()

	var msg model.InboundMessage
	if err := json.Unmarshal(t.Payload(), &msg); err != nil {
		logrus.Error(err)
		return fmt.Errorf("malformed inbound envelope: %v: %w", err, asynq.SkipRetry)
	}

	err := s.debtors.HandleInbound(ctx, &msg)
	if err != nil {
		if apierror.HasCode(err, apierror.ErrWrongShard) {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		logrus.Infof("Inbound message %s pushed back for retry: %v", msg.DedupKey(), err)
		return err
	}
	return nil
}

func initializeQueues(cfg *config.Configuration) map[string]int {
	queues := make(map[string]int)
	queues[cfg.Queue.InQueue] = 1
	return queues
}

func initializeWorkerServer(conf *config.Configuration, queues map[string]int) (*asynq.Server, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	return asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:      redisOption.Addr,
			Password:  redisOption.Password,
			DB:        redisOption.DB,
			TLSConfig: redisOption.TLSConfig,
		},
		asynq.Config{
			Concurrency: conf.Queue.WorkerCount,
			Queues:      queues,
		},
	), nil
}

// workerCommands defines the "workers" command: the inbound consumer,
// the outbox drainer and the periodic sweeper, running until
// interrupted.
func workerCommands(s *swptInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start the debtors node workers",
		Run: func(cmd *cobra.Command, args []string) {
			conf, err := config.Fetch()
			if err != nil {
				log.Fatal("Error fetching config:", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			go s.debtors.StartOutboxDrainer(ctx)
			go s.debtors.StartSweeper(ctx)

			queues := initializeQueues(conf)
			srv, err := initializeWorkerServer(conf, queues)
			if err != nil {
				log.Fatal(err)
			}

			mux := asynq.NewServeMux()
			mux.HandleFunc(conf.Queue.InQueue, s.processInbound)

			if err := srv.Start(mux); err != nil {
				log.Fatal(err)
			}
			log.Println(" [*] Debtors node workers started")

			<-ctx.Done()
			log.Println(" [*] Shutting down workers")
			srv.Shutdown()
		},
	}
	return cmd
}
