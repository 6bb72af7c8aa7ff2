// Package models defines the durable and transient record types shared by
// the ingestion pipeline and the ticket store.
package models

import "time"

// Ticket status values. New tickets always start open.
const (
	StatusOpen    = "open"
	StatusPending = "pending"
	StatusClosed  = "closed"
)

// Response direction values.
const (
	ResponseIncoming = "incoming"
	ResponseOutgoing = "outgoing"
)

// DefaultPriority is assigned when the inbound message carries no hint.
const DefaultPriority = "medium"

// ValidStatus reports whether s is one of the known ticket statuses.
func ValidStatus(s string) bool {
	switch s {
	case StatusOpen, StatusPending, StatusClosed:
		return true
	default:
		return false
	}
}

// Ticket is a persisted helpdesk ticket. TicketID is the external
// identifier allocated by the ticketid package; it is unique and never
// changes once assigned. UpdatedAt is bumped on every mutation.
type Ticket struct {
	ID            int64     `json:"id" db:"id"`
	TicketID      string    `json:"ticket_id" db:"ticket_id"`
	Subject       string    `json:"subject" db:"subject"`
	SenderAddress string    `json:"sender_address" db:"sender_address"`
	SenderName    string    `json:"sender_name" db:"sender_name"`
	Body          string    `json:"body" db:"body"`
	Status        string    `json:"status" db:"status"`
	Priority      string    `json:"priority" db:"priority"`
	AssignedTo    *string   `json:"assigned_to,omitempty" db:"assigned_to"`
	Category      *string   `json:"category,omitempty" db:"category"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`

	// Populated by TicketStore.GetTicket, ascending by creation time.
	Responses   []Response   `json:"responses,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Response is a single exchange on a ticket. Responses are append-only:
// created once per reply, never mutated or deleted.
type Response struct {
	ID        int64     `json:"id" db:"id"`
	TicketID  string    `json:"ticket_id" db:"ticket_id"`
	Type      string    `json:"type" db:"response_type"`
	Sender    string    `json:"sender" db:"sender"`
	Content   string    `json:"content" db:"content"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Attachment records a file stored on disk for a ticket. The row is
// created in the same transaction as its owning ticket.
type Attachment struct {
	ID          int64     `json:"id" db:"id"`
	TicketID    string    `json:"ticket_id" db:"ticket_id"`
	ResponseID  *int64    `json:"response_id,omitempty" db:"response_id"`
	Filename    string    `json:"filename" db:"filename"`
	StoragePath string    `json:"storage_path" db:"storage_path"`
	SizeBytes   int64     `json:"size_bytes" db:"size_bytes"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// ProcessedMessage is one row of the processed-message ledger: the durable
// record that a raw message fingerprint has already produced a ticket.
type ProcessedMessage struct {
	ID          int64     `json:"id" db:"id"`
	Fingerprint string    `json:"fingerprint" db:"fingerprint"`
	ProcessedAt time.Time `json:"processed_at" db:"processed_at"`
}

// InboundMessage is the decoder's normalized view of one raw mail payload.
// It is transient; only the ticket and attachment rows derived from it are
// persisted.
type InboundMessage struct {
	Fingerprint   string
	Subject       string
	SenderAddress string
	SenderName    string
	Body          string
	Attachments   []InboundAttachment
}

// InboundAttachment is a decoded attachment part, still in memory.
type InboundAttachment struct {
	Filename string
	Data     []byte
}

// Size returns the attachment payload length in bytes.
func (a InboundAttachment) Size() int64 {
	return int64(len(a.Data))
}
