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

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
)

var ConfigStore atomic.Value

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"SWPT_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns string `json:"dns" envconfig:"SWPT_REDIS_DNS"`
}

// ShardConfig delimits the debtor IDs this node is responsible for.
// The interval is half-open: a debtor ID d belongs to this shard iff
// MinDebtorID <= d < MaxDebtorID.
type ShardConfig struct {
	MinDebtorID int64 `json:"min_debtor_id" envconfig:"SWPT_MIN_DEBTOR_ID"`
	MaxDebtorID int64 `json:"max_debtor_id" envconfig:"SWPT_MAX_DEBTOR_ID"`
}

type QueueConfig struct {
	// OutQueuePrefix names the outbound logical channel. The actual
	// queue is "<prefix>_<n>" where n is derived from the top bits of
	// the debtor ID, so channels can later be split along power-of-two
	// boundaries without relabeling messages.
	OutQueuePrefix  string `json:"out_queue_prefix" envconfig:"SWPT_OUT_QUEUE_PREFIX"`
	NumberOfQueues  int    `json:"number_of_queues" envconfig:"SWPT_NUMBER_OF_QUEUES"`
	InQueue         string `json:"in_queue" envconfig:"SWPT_IN_QUEUE"`
	WorkerCount     int    `json:"worker_count" envconfig:"SWPT_QUEUE_WORKER_COUNT"`
	PublishTimeout  int    `json:"publish_timeout_sec" envconfig:"SWPT_PUBLISH_TIMEOUT_SEC"`
	MaxRetryAttempt int    `json:"max_retry_attempts" envconfig:"SWPT_QUEUE_MAX_RETRY_ATTEMPTS"`
}

type OutboxConfig struct {
	BatchSize        int `json:"batch_size" envconfig:"SWPT_OUTBOX_BATCH_SIZE"`
	DrainIntervalMs  int `json:"drain_interval_ms" envconfig:"SWPT_OUTBOX_DRAIN_INTERVAL_MS"`
	MaxBackoffSec    int `json:"max_backoff_sec" envconfig:"SWPT_OUTBOX_MAX_BACKOFF_SEC"`
	DeliveryLeaseSec int `json:"delivery_lease_sec" envconfig:"SWPT_OUTBOX_DELIVERY_LEASE_SEC"`
}

type ScanConfig struct {
	IntervalSec             int `json:"interval_sec" envconfig:"SWPT_SCAN_INTERVAL_SEC"`
	TransferTimeoutSec      int `json:"transfer_timeout_sec" envconfig:"SWPT_TRANSFER_TIMEOUT_SEC"`
	ReservationGraceSec     int `json:"reservation_grace_sec" envconfig:"SWPT_RESERVATION_GRACE_SEC"`
	BatchSize               int `json:"batch_size" envconfig:"SWPT_SCAN_BATCH_SIZE"`
	DeadTransferRetentionHr int `json:"dead_transfer_retention_hr" envconfig:"SWPT_DEAD_TRANSFER_RETENTION_HR"`
}

type DedupConfig struct {
	// WindowSec must be at least the broker's maximum redelivery
	// window, or duplicates may slip through.
	WindowSec int `json:"window_sec" envconfig:"SWPT_DEDUP_WINDOW_SEC"`
}

type Configuration struct {
	ProjectName string           `json:"project_name" envconfig:"SWPT_PROJECT_NAME"`
	NodeID      string           `json:"node_id" envconfig:"SWPT_NODE_ID"`
	DataSource  DataSourceConfig `json:"data_source"`
	Redis       RedisConfig      `json:"redis"`
	Shard       ShardConfig      `json:"shard"`
	Queue       QueueConfig      `json:"queue"`
	Outbox      OutboxConfig     `json:"outbox"`
	Scan        ScanConfig       `json:"scan"`
	Dedup       DedupConfig      `json:"dedup"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}
	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("swpt", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded. Create a json file called swpt.json with your config")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		cnf.ProjectName = "Swaptacular Debtors Node"
	}
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	if cnf.DataSource.Dns == "" {
		return errors.New("data source DNS is required")
	}
	if cnf.Redis.Dns == "" {
		return errors.New("redis DNS is required")
	}
	if cnf.Shard.MinDebtorID >= cnf.Shard.MaxDebtorID {
		return fmt.Errorf("invalid shard interval [%d, %d)", cnf.Shard.MinDebtorID, cnf.Shard.MaxDebtorID)
	}

	if cnf.Queue.OutQueuePrefix == "" {
		cnf.Queue.OutQueuePrefix = "swpt:out"
	}
	if cnf.Queue.InQueue == "" {
		cnf.Queue.InQueue = "swpt:in"
	}
	if cnf.Queue.NumberOfQueues == 0 {
		cnf.Queue.NumberOfQueues = 4
	}
	if cnf.Queue.NumberOfQueues&(cnf.Queue.NumberOfQueues-1) != 0 {
		return fmt.Errorf("number of queues must be a power of two, got %d", cnf.Queue.NumberOfQueues)
	}
	if cnf.Queue.WorkerCount == 0 {
		cnf.Queue.WorkerCount = 10
	}
	if cnf.Queue.PublishTimeout == 0 {
		cnf.Queue.PublishTimeout = 10
	}
	if cnf.Queue.MaxRetryAttempt == 0 {
		cnf.Queue.MaxRetryAttempt = 5
	}

	if cnf.Outbox.BatchSize == 0 {
		cnf.Outbox.BatchSize = 100
	}
	if cnf.Outbox.DrainIntervalMs == 0 {
		cnf.Outbox.DrainIntervalMs = 500
	}
	if cnf.Outbox.MaxBackoffSec == 0 {
		cnf.Outbox.MaxBackoffSec = 600
	}
	if cnf.Outbox.DeliveryLeaseSec == 0 {
		cnf.Outbox.DeliveryLeaseSec = 30
	}

	if cnf.Scan.IntervalSec == 0 {
		cnf.Scan.IntervalSec = 60
	}
	if cnf.Scan.TransferTimeoutSec == 0 {
		cnf.Scan.TransferTimeoutSec = 14 * 24 * 3600
	}
	if cnf.Scan.ReservationGraceSec == 0 {
		cnf.Scan.ReservationGraceSec = 24 * 3600
	}
	if cnf.Scan.BatchSize == 0 {
		cnf.Scan.BatchSize = 500
	}
	if cnf.Scan.DeadTransferRetentionHr == 0 {
		cnf.Scan.DeadTransferRetentionHr = 30 * 24
	}

	if cnf.Dedup.WindowSec == 0 {
		cnf.Dedup.WindowSec = 24 * 3600
	}

	return nil
}

// DrainInterval returns the pause between outbox drain passes.
func (cnf *Configuration) DrainInterval() time.Duration {
	return time.Duration(cnf.Outbox.DrainIntervalMs) * time.Millisecond
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
