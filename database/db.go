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
	"database/sql"
	"log"
	"sync"

	_ "github.com/lib/pq"

	"github.com/swaptacular/swpt-debtors/config"
)

// Declare a package-level variable to hold the singleton instance.
// Ensure the instance is not accessible outside the package.
var instance *Datasource
var once sync.Once

type Datasource struct {
	Conn *sql.DB
}

func NewDataSource(configuration *config.Configuration) (IDataSource, error) {
	con, err := GetDBConnection(configuration)
	if err != nil {
		return nil, err
	}
	return con, nil
}

// GetDBConnection provides a global access point to the instance and initializes it if it's not already.
func GetDBConnection(configuration *config.Configuration) (*Datasource, error) {
	var err error
	once.Do(func() {
		con, errConn := ConnectDB(configuration.DataSource.Dns)
		if errConn != nil {
			err = errConn
			return
		}
		instance = &Datasource{Conn: con}
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

func ConnectDB(dns string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dns)
	if err != nil {
		return nil, err
	}
	err = db.Ping()
	if err != nil {
		log.Printf("database connection error: %v", err)
		return nil, err
	}
	err = createSchema(db)
	if err != nil {
		return nil, err
	}
	err = createDebtorTable(db)
	if err != nil {
		return nil, err
	}
	err = createTransferTable(db)
	if err != nil {
		return nil, err
	}
	err = createOutboxTable(db)
	if err != nil {
		return nil, err
	}
	return db, nil
}

func createSchema(db *sql.DB) error {
	statements := []string{
		`CREATE SCHEMA IF NOT EXISTS swpt`,
		`CREATE SEQUENCE IF NOT EXISTS swpt.debtor_reservation_id_seq`,
		`CREATE SEQUENCE IF NOT EXISTS swpt.coordinator_request_id_seq`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// createDebtorTable creates a PostgreSQL table for the Debtor struct.
// A deactivated debtor's row is never deleted, so its ID is never
// reused.
func createDebtorTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS swpt.debtors (
			debtor_id BIGINT PRIMARY KEY,
			status_flags SMALLINT NOT NULL DEFAULT 0,
			reservation_id BIGINT NOT NULL DEFAULT nextval('swpt.debtor_reservation_id_seq'),
			change_seq BIGINT NOT NULL DEFAULT 0,
			min_transfer_amount BIGINT NOT NULL DEFAULT 0,
			max_transfer_amount BIGINT NOT NULL DEFAULT 0,
			balance BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			deactivated_at TIMESTAMPTZ,
			CHECK (status_flags & 2 = 0 OR status_flags & 1 <> 0)
		)
	`)
	if err != nil {
		log.Printf("Error creating debtors table: %v", err)
	}
	return err
}

// createTransferTable creates a PostgreSQL table for the Transfer struct.
func createTransferTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS swpt.transfers (
			debtor_id BIGINT NOT NULL REFERENCES swpt.debtors(debtor_id) ON DELETE CASCADE,
			transfer_uuid UUID NOT NULL,
			recipient_uri TEXT NOT NULL,
			recipient_creditor_id BIGINT NOT NULL,
			amount BIGINT NOT NULL CHECK (amount > 0),
			transfer_note TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'INITIATED',
			coordinator_request_id BIGINT NOT NULL DEFAULT nextval('swpt.coordinator_request_id_seq'),
			prepared_transfer_id BIGINT NOT NULL DEFAULT 0,
			reserved_amount BIGINT NOT NULL DEFAULT 0,
			error_code TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			finalized_at TIMESTAMPTZ,
			PRIMARY KEY (debtor_id, transfer_uuid),
			UNIQUE (debtor_id, coordinator_request_id)
		)
	`)
	if err != nil {
		log.Printf("Error creating transfers table: %v", err)
	}
	return err
}

// createOutboxTable creates a PostgreSQL table for OutboxEntry. The
// table lives in the same database as the ledger tables so an outbox
// write and a ledger write can share one atomic commit.
func createOutboxTable(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS swpt.outbox_entries (
			entry_id BIGSERIAL PRIMARY KEY,
			subject_key TEXT NOT NULL,
			signal_type TEXT NOT NULL,
			payload JSONB NOT NULL,
			attempts INT NOT NULL DEFAULT 0,
			next_delivery_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_due ON swpt.outbox_entries (next_delivery_at)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_subject ON swpt.outbox_entries (subject_key, entry_id)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			log.Printf("Error creating outbox table: %v", err)
			return err
		}
	}
	return nil
}
