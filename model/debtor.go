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

package model

import "time"

// Debtor status bits.
const (
	StatusActivated   int16 = 1 << 0
	StatusDeactivated int16 = 1 << 1
)

// DebtorConfig holds the issuer-supplied configuration parameters for
// a currency. It is echoed to peers in ConfigureAccount signals.
type DebtorConfig struct {
	MinTransferAmount int64 `json:"min_transfer_amount"`
	MaxTransferAmount int64 `json:"max_transfer_amount"`
}

// Debtor is the issuing identity responsible for a currency. A debtor
// starts reserved, becomes activated when its configuration is
// confirmed, and may end up permanently deactivated. A deactivated
// debtor's row is kept forever so that the ID is never reused.
type Debtor struct {
	DebtorID      int64        `json:"debtor_id"`
	StatusFlags   int16        `json:"status_flags"`
	ReservationID int64        `json:"reservation_id"`
	// ChangeSeq orders configuration changes per debtor (highest wins
	// on the peer side) and doubles as the optimistic version check
	// for concurrent local updates.
	ChangeSeq     int64        `json:"change_seq"`
	Config        DebtorConfig `json:"config"`
	Balance       int64        `json:"balance"`
	CreatedAt     time.Time    `json:"created_at"`
	DeactivatedAt *time.Time   `json:"deactivated_at,omitempty"`
}

func (d *Debtor) IsActivated() bool {
	return d.StatusFlags&StatusActivated != 0
}

func (d *Debtor) IsDeactivated() bool {
	return d.StatusFlags&StatusDeactivated != 0
}
