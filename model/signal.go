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

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Signal types, the closed set of outbound protocol messages.
const (
	SignalConfigureAccount = "ConfigureAccount"
	SignalPrepareTransfer  = "PrepareTransfer"
	SignalFinalizeTransfer = "FinalizeTransfer"
)

// Inbound signal types, received from the accounting authority.
const (
	SignalPreparedTransfer  = "PreparedIssuingTransfer"
	SignalRejectedTransfer  = "RejectedIssuingTransfer"
	SignalFinalizedTransfer = "FinalizedIssuingTransfer"
)

// OutboxEntry is one durable protocol message awaiting hand-off to
// the broker. The entry is written in the same database transaction
// as the ledger mutation it reports, and deleted only after the
// broker has durably accepted the message.
type OutboxEntry struct {
	EntryID        int64           `json:"entry_id"`
	SubjectKey     string          `json:"subject_key"`
	SignalType     string          `json:"signal_type"`
	Payload        json.RawMessage `json:"payload"`
	Attempts       int             `json:"attempts"`
	NextDeliveryAt time.Time       `json:"next_delivery_at"`
	CreatedAt      time.Time       `json:"created_at"`
}

// DebtorID extracts the debtor the entry concerns from its subject
// key, for routing to the debtor's outbound channel.
func (e *OutboxEntry) DebtorID() (int64, error) {
	part, _, _ := strings.Cut(e.SubjectKey, "/")
	u, err := strconv.ParseUint(part, 10, 64)
	if err != nil {
		return 0, err
	}
	return int64(u), nil
}

// DebtorSubject keys outbox entries that concern the debtor itself.
func DebtorSubject(debtorID int64) string {
	return strconv.FormatUint(uint64(debtorID), 10)
}

// TransferSubject keys outbox entries that concern a single transfer.
// Entries sharing a subject are delivered in creation order.
func TransferSubject(debtorID int64, transferUUID uuid.UUID) string {
	return DebtorSubject(debtorID) + "/" + transferUUID.String()
}

// ConfigureAccountSignal tells peers the debtor's account
// configuration. Peers keep the signal with the highest Seqnum and
// ignore stale ones.
type ConfigureAccountSignal struct {
	DebtorID          int64     `json:"debtor_id"`
	Seqnum            int64     `json:"seqnum"`
	MinTransferAmount int64     `json:"min_transfer_amount"`
	MaxTransferAmount int64     `json:"max_transfer_amount"`
	Ts                time.Time `json:"ts"`
}

// PrepareTransferSignal asks the accounting authority to lock the
// amount for an issuing transfer.
type PrepareTransferSignal struct {
	DebtorID             int64     `json:"debtor_id"`
	CoordinatorRequestID int64     `json:"coordinator_request_id"`
	Amount               int64     `json:"amount"`
	Recipient            string    `json:"recipient"`
	MinAccountBalance    int64     `json:"min_account_balance"`
	Ts                   time.Time `json:"ts"`
}

// FinalizeTransferSignal commits (CommittedAmount > 0) or dismisses
// (CommittedAmount == 0) a previously prepared transfer.
type FinalizeTransferSignal struct {
	DebtorID             int64     `json:"debtor_id"`
	TransferID           int64     `json:"transfer_id"`
	CoordinatorRequestID int64     `json:"coordinator_request_id"`
	CommittedAmount      int64     `json:"committed_amount"`
	TransferNote         string    `json:"transfer_note"`
	Ts                   time.Time `json:"ts"`
}

// InboundMessage is the envelope for protocol messages arriving from
// peer nodes. It is owned transiently by the inbound processor and is
// never persisted beyond duplicate detection.
type InboundMessage struct {
	SenderNodeID string          `json:"sender_node_id"`
	MessageID    string          `json:"message_id"`
	SignalType   string          `json:"signal_type"`
	Payload      json.RawMessage `json:"payload"`
}

// DedupKey identifies the message within the broker's redelivery
// window.
func (m *InboundMessage) DedupKey() string {
	return m.SenderNodeID + "/" + m.MessageID
}

// PreparedTransferMsg reports that the requested amount has been
// locked for an issuing transfer.
type PreparedTransferMsg struct {
	DebtorID             int64  `json:"debtor_id"`
	CoordinatorRequestID int64  `json:"coordinator_request_id"`
	TransferID           int64  `json:"transfer_id"`
	ReservedAmount       int64  `json:"reserved_amount"`
	Recipient            string `json:"recipient"`
}

// RejectedTransferMsg reports that an issuing transfer could not be
// prepared.
type RejectedTransferMsg struct {
	DebtorID             int64  `json:"debtor_id"`
	CoordinatorRequestID int64  `json:"coordinator_request_id"`
	StatusCode           string `json:"status_code"`
	TotalLockedAmount    int64  `json:"total_locked_amount"`
}

// FinalizedTransferMsg reports the final outcome of a prepared
// issuing transfer.
type FinalizedTransferMsg struct {
	DebtorID             int64  `json:"debtor_id"`
	CoordinatorRequestID int64  `json:"coordinator_request_id"`
	TransferID           int64  `json:"transfer_id"`
	CommittedAmount      int64  `json:"committed_amount"`
	StatusCode           string `json:"status_code"`
}
