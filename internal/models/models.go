package models

import (
	"encoding/json"
	"time"
)

// Database models
type Account struct {
	UserID    string    `db:"user_id"`
	Balance   int64     `db:"balance"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

type Transaction struct {
	ID        string    `db:"id" json:"id"`
	UserID    string    `db:"user_id" json:"userId"`
	Type      string    `db:"type" json:"type"`
	Amount    int64     `db:"amount" json:"amount"`
	Status    string    `db:"status" json:"status"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// Job is the unit of work carried through Kafka from the HTTP ingress
// to the queue worker. Messages are keyed by UserID so all jobs for one
// user land in the same partition, in order.
type Job struct {
	UserID    string    `json:"user_id"`
	Type      string    `json:"type"`
	Amount    int64     `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

// Transaction type constants
const (
	TypeDeposit    = "deposit"
	TypeWithdrawal = "withdrawal"
)

// Transaction status constants
const (
	StatusCompleted = "completed"
)

// HTTP models
type MutationRequest struct {
	Amount int64  `json:"amount" validate:"required,gt=0"`
	Type   string `json:"type" validate:"required,oneof=deposit withdrawal"`
}

type MutationResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type BalanceResponse struct {
	UserID  string `json:"userId"`
	Balance int64  `json:"balance"`
}

// Message constants
const (
	StatusPending    = "pending"
	MessageJobQueued = "Mutation queued for processing"
)

// Realtime protocol. Inbound frames carry one of the closed message
// types; anything else is answered with a MessageError frame on the
// same connection.
type InboundMessage struct {
	Type string          `json:"type" validate:"required,oneof=balance transaction notification"`
	Data json.RawMessage `json:"data"`
}

type OutboundMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Realtime message type constants
const (
	MessageInitialState = "initial_state"
	MessageBalance      = "balance"
	MessageTransaction  = "transaction"
	MessageNotification = "notification"
	MessageError        = "error"
)

// Inbound payloads
type BalanceMessage struct {
	Amount int64 `json:"amount"`
}

type TransactionMessage struct {
	Type   string `json:"type" validate:"required,oneof=deposit withdrawal"`
	Amount int64  `json:"amount" validate:"required,gt=0"`
}

type NotificationMessage struct {
	Message string `json:"message" validate:"required"`
}

// Outbound payloads
type Snapshot struct {
	Balance      int64         `json:"balance"`
	Transactions []Transaction `json:"transactions"`
}

type BalanceState struct {
	Balance int64 `json:"balance"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// ApplyResult is what a committed balance mutation produced.
type ApplyResult struct {
	NewBalance  int64
	Transaction Transaction
}
