// Package model holds the entity types shared across the cache, persistence,
// context, and turn-loop layers. Nothing here talks to Redis, Postgres, or
// Telegram — it is the vocabulary the rest of the module shares.
package model

import (
	"time"

	"github.com/google/uuid"
)

// User is a Telegram account known to the broker.
type User struct {
	ID             int64     // Telegram user ID, used as the primary key
	Username       string
	Balance        float64 // USD, may go negative exactly once per spec's soft-negative rule
	Privileged     bool    // exempt from balance checks
	CreatedAt      time.Time
}

// Chat is a Telegram chat (private, group, or forum supergroup).
type Chat struct {
	ID       int64
	IsForum  bool
}

// Thread is a logical conversation within a chat — the unit of batching,
// history, and context assembly. For forum chats a Thread maps onto a
// Telegram topic; for private chats there is one implicit Thread per user.
type Thread struct {
	ID                uuid.UUID
	ChatID            int64
	UserID            int64
	TelegramTopicID   int     // 0 for non-forum chats
	Title             string
	NeedsTopicNaming  bool
	CustomPrompt      string
	Model             string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Role identifies the speaker of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of conversation history.
type Message struct {
	ID            uuid.UUID
	ThreadID      uuid.UUID
	Role          Role
	Content       string          // rendered text, for token estimation and display
	RawBlocks     []byte          // byte-exact provider content blocks (JSON), including thinking blocks
	Tokens        int
	CreatedAt     time.Time
}

// UserFile is a file uploaded into a thread and made available to the provider.
type UserFile struct {
	ID              uuid.UUID
	ThreadID        uuid.UUID
	FileName        string
	MIMEType        string
	SizeBytes       int64
	ProviderFileID  string // opaque handle returned by the LLM provider's files API
	CachedBytes     []byte // only held transiently, never persisted with the row
	UploadedAt      time.Time
	ExpiresAt       time.Time // provider-side file TTL
}

// ToolCallStatus is the lifecycle state of a ToolCall.
type ToolCallStatus string

const (
	ToolCallPending   ToolCallStatus = "pending"
	ToolCallRunning   ToolCallStatus = "running"
	ToolCallSucceeded ToolCallStatus = "succeeded"
	ToolCallFailed    ToolCallStatus = "failed"
)

// ToolCall records one invocation of a tool within a turn.
type ToolCall struct {
	ID        uuid.UUID
	ThreadID  uuid.UUID
	ToolName  string
	Input     []byte // JSON
	Output    []byte // JSON
	Status    ToolCallStatus
	CostUSD   float64
	CreatedAt time.Time
}

// BalanceOperationKind classifies a BalanceOperation by what caused it.
type BalanceOperationKind string

const (
	BalanceOperationPayment    BalanceOperationKind = "payment"
	BalanceOperationUsage      BalanceOperationKind = "usage"
	BalanceOperationRefund     BalanceOperationKind = "refund"
	BalanceOperationAdminTopup BalanceOperationKind = "admin_topup"
)

// BalanceOperation is an append-only ledger entry against a User's balance.
// BalanceBefore/BalanceAfter must satisfy BalanceBefore + AmountUSD ==
// BalanceAfter; AmountUSD is positive for credits, negative for debits.
type BalanceOperation struct {
	ID             uuid.UUID
	UserID         int64
	Kind           BalanceOperationKind
	AmountUSD      float64
	BalanceBefore  float64
	BalanceAfter   float64
	Description    string
	RelatedPayment *uuid.UUID
	CreatedAt      time.Time
}

// PaymentStatus is the lifecycle state of a Payment.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentRefunded  PaymentStatus = "refunded"
)

// Payment is a top-up purchased through Telegram's payments flow. Processing
// the pre-checkout/successful-payment handshake itself is external to this
// module; this row is what BalanceOperation.RelatedPayment resolves to.
type Payment struct {
	ID                uuid.UUID
	UserID            int64
	ProviderPaymentID string
	AmountUSD         float64
	Currency          string
	Status            PaymentStatus
	CreatedAt         time.Time
}
