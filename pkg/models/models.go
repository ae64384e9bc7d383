/*
Copyright 2025 Jordi Gil.

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

// Package models defines the records persisted in the coordination database
// and the request classification shared by the router and the WAL replayer.
package models

import (
	"database/sql"
	"encoding/json"
	"time"
)

// InstanceName identifies one of the two vector store backends.
type InstanceName string

const (
	InstancePrimary InstanceName = "primary"
	InstanceReplica InstanceName = "replica"
)

// Other returns the counterpart instance name.
func (n InstanceName) Other() InstanceName {
	if n == InstancePrimary {
		return InstanceReplica
	}
	return InstancePrimary
}

// Valid reports whether the name is one of the two configured backends.
func (n InstanceName) Valid() bool {
	return n == InstancePrimary || n == InstanceReplica
}

// WALStatus is the lifecycle state of a queued write.
//
// pending   — appended, not yet claimed by a replayer
// executed  — claimed for replay; re-claimable if the process dies mid-flight
// synced    — applied on the target (terminal)
// failed    — last attempt failed, retry budget not exhausted
// abandoned — retry budget exhausted (terminal, alert raised)
type WALStatus string

const (
	WALStatusPending   WALStatus = "pending"
	WALStatusExecuted  WALStatus = "executed"
	WALStatusSynced    WALStatus = "synced"
	WALStatusFailed    WALStatus = "failed"
	WALStatusAbandoned WALStatus = "abandoned"
)

// Terminal reports whether the status can never advance again.
func (s WALStatus) Terminal() bool {
	return s == WALStatusSynced || s == WALStatusAbandoned
}

// TransactionStatus is the lifecycle state of a client-visible write attempt.
type TransactionStatus string

const (
	TxAttempting TransactionStatus = "ATTEMPTING"
	TxCompleted  TransactionStatus = "COMPLETED"
	TxFailed     TransactionStatus = "FAILED"
	TxAbandoned  TransactionStatus = "ABANDONED"
	TxRecovered  TransactionStatus = "RECOVERED"
)

// Terminal reports whether the status is final for automatic processing.
// ABANDONED may still be flipped to RECOVERED by an explicit recovery run.
func (s TransactionStatus) Terminal() bool {
	return s == TxCompleted || s == TxFailed || s == TxAbandoned || s == TxRecovered
}

// OperationType classifies a request at the router.
type OperationType string

const (
	OpRead        OperationType = "read"
	OpWriteData   OperationType = "write_data"
	OpWriteCreate OperationType = "write_create"
	OpWriteDelete OperationType = "write_delete"
)

// IsWrite reports whether the operation mutates backend state.
func (o OperationType) IsWrite() bool {
	return o != OpRead
}

// CollectionMapping associates a collection's logical name with the
// identifier each backend assigned to it. A mapping is complete once both
// identifiers are known.
type CollectionMapping struct {
	Name      string         `db:"name" json:"name"`
	PrimaryID sql.NullString `db:"primary_collection_id" json:"primary_id"`
	ReplicaID sql.NullString `db:"replica_collection_id" json:"replica_id"`
	Config    []byte         `db:"collection_config" json:"config,omitempty"`
	CreatedAt time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt time.Time      `db:"updated_at" json:"updated_at"`
}

// IDOn returns the identifier assigned by the given instance, if known.
func (m *CollectionMapping) IDOn(instance InstanceName) (string, bool) {
	switch instance {
	case InstancePrimary:
		return m.PrimaryID.String, m.PrimaryID.Valid && m.PrimaryID.String != ""
	case InstanceReplica:
		return m.ReplicaID.String, m.ReplicaID.Valid && m.ReplicaID.String != ""
	}
	return "", false
}

// Complete reports whether both backends have assigned an identifier.
func (m *CollectionMapping) Complete() bool {
	_, p := m.IDOn(InstancePrimary)
	_, r := m.IDOn(InstanceReplica)
	return p && r
}

// WALEntry is one durable queued write awaiting replay on a target instance.
// Payload and headers are opaque; the replayer forwards them verbatim after
// rewriting the collection identifier in the path for the target.
type WALEntry struct {
	WriteID              int64           `db:"write_id" json:"write_id"`
	Method               string          `db:"method" json:"method"`
	Path                 string          `db:"path" json:"path"`
	Payload              []byte          `db:"payload" json:"-"`
	Headers              json.RawMessage `db:"headers" json:"headers,omitempty"`
	TargetInstance       InstanceName    `db:"target_instance" json:"target_instance"`
	CollectionIdentifier string          `db:"collection_identifier" json:"collection_identifier"`
	Status               WALStatus       `db:"status" json:"status"`
	RetryCount           int             `db:"retry_count" json:"retry_count"`
	MaxRetries           int             `db:"max_retries" json:"max_retries"`
	ErrorMessage         sql.NullString  `db:"error_message" json:"error_message,omitempty"`
	CreatedAt            time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time       `db:"updated_at" json:"updated_at"`
	Timestamp            time.Time       `db:"timestamp" json:"timestamp"`
}

// ReplayHeaders decodes the stored header subset for replay.
func (e *WALEntry) ReplayHeaders() map[string]string {
	if len(e.Headers) == 0 {
		return nil
	}
	out := map[string]string{}
	if err := json.Unmarshal(e.Headers, &out); err != nil {
		return nil
	}
	return out
}

// TransactionRecord is one entry of the transaction safety log. It exists
// independently of the WAL so a client-visible failure can always be audited
// even when the WAL append itself failed.
type TransactionRecord struct {
	TransactionID string            `db:"transaction_id" json:"transaction_id"`
	Method        string            `db:"method" json:"method"`
	Path          string            `db:"path" json:"path"`
	Status        TransactionStatus `db:"status" json:"status"`
	OperationType OperationType     `db:"operation_type" json:"operation_type"`
	ClientSession sql.NullString    `db:"client_session" json:"client_session,omitempty"`
	AttemptedAt   time.Time         `db:"attempted_at" json:"attempted_at"`
	CompletedAt   sql.NullTime      `db:"completed_at" json:"completed_at,omitempty"`
	FailureReason sql.NullString    `db:"failure_reason" json:"failure_reason,omitempty"`
	RetryCount    int               `db:"retry_count" json:"retry_count"`
	MaxRetries    int               `db:"max_retries" json:"max_retries"`
}

// HealthSample is one probe observation appended by the health monitor.
type HealthSample struct {
	ID             int64          `db:"id" json:"id"`
	InstanceName   InstanceName   `db:"instance_name" json:"instance_name"`
	Healthy        bool           `db:"healthy" json:"healthy"`
	ResponseTimeMS int64          `db:"response_time_ms" json:"response_time_ms"`
	CheckedAt      time.Time      `db:"checked_at" json:"checked_at"`
	ErrorMessage   sql.NullString `db:"error_message" json:"error_message,omitempty"`
}

// FailoverEvent records a health transition of one instance.
type FailoverEvent struct {
	ID            int64        `db:"id" json:"id"`
	InstanceName  InstanceName `db:"instance_name" json:"instance_name"`
	PreviousState string       `db:"previous_state" json:"previous_state"`
	NewState      string       `db:"new_state" json:"new_state"`
	Reason        string       `db:"reason" json:"reason"`
	OccurredAt    time.Time    `db:"occurred_at" json:"occurred_at"`
}

// SyncTask records the outcome of one replay batch against a target.
type SyncTask struct {
	ID                   int64          `db:"id" json:"id"`
	TargetInstance       InstanceName   `db:"target_instance" json:"target_instance"`
	CollectionIdentifier sql.NullString `db:"collection_identifier" json:"collection_identifier,omitempty"`
	EntryCount           int            `db:"entry_count" json:"entry_count"`
	StartedAt            time.Time      `db:"started_at" json:"started_at"`
	FinishedAt           sql.NullTime   `db:"finished_at" json:"finished_at,omitempty"`
	Outcome              sql.NullString `db:"outcome" json:"outcome,omitempty"`
	ErrorMessage         sql.NullString `db:"error_message" json:"error_message,omitempty"`
}

// WALCounts aggregates entry counts by status for the admin surface.
type WALCounts struct {
	Pending   int64 `db:"pending" json:"pending"`
	Executed  int64 `db:"executed" json:"executed"`
	Synced    int64 `db:"synced" json:"synced"`
	Failed    int64 `db:"failed" json:"failed"`
	Abandoned int64 `db:"abandoned" json:"abandoned"`
}

// TransactionCounts aggregates safety-log records by status.
type TransactionCounts struct {
	Attempting int64 `db:"attempting" json:"attempting"`
	Completed  int64 `db:"completed" json:"completed"`
	Failed     int64 `db:"failed" json:"failed"`
	Abandoned  int64 `db:"abandoned" json:"abandoned"`
	Recovered  int64 `db:"recovered" json:"recovered"`
}
