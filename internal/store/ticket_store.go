package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/maildesk-io/maildesk/internal/models"
)

// Sentinel errors surfaced by the ticket store.
var (
	// ErrDuplicateTicketID reports a ticket_id uniqueness violation on
	// insert. The caller retries with a freshly allocated id.
	ErrDuplicateTicketID = errors.New("store: duplicate ticket id")
	// ErrTicketNotFound reports a lookup miss.
	ErrTicketNotFound = errors.New("store: ticket not found")
)

// TicketStore persists tickets with their responses and attachments.
type TicketStore struct {
	store *Store
	now   func() time.Time
}

// NewTicketStore returns a ticket store over an open database.
func NewTicketStore(s *Store) *TicketStore {
	return &TicketStore{store: s, now: time.Now}
}

// CreateTicket inserts the ticket and all its attachment rows in one
// transaction. Either everything is durably visible or nothing is. A
// ticket_id collision surfaces as ErrDuplicateTicketID.
func (ts *TicketStore) CreateTicket(ctx context.Context, ticket *models.Ticket, attachments []models.Attachment) error {
	if ticket.TicketID == "" {
		return fmt.Errorf("store: create ticket: empty ticket id")
	}
	if ticket.Status == "" {
		ticket.Status = models.StatusOpen
	}
	if !models.ValidStatus(ticket.Status) {
		return fmt.Errorf("store: create ticket: invalid status %q", ticket.Status)
	}
	if ticket.Priority == "" {
		ticket.Priority = models.DefaultPriority
	}
	now := ts.now().UTC()
	ticket.CreatedAt = now
	ticket.UpdatedAt = now

	tx, err := ts.store.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: beginning transaction: %w", err)
	}
	defer tx.Rollback()

	id, err := ts.insertTicket(ctx, tx, ticket)
	if err != nil {
		if isUniqueViolation(err, "ticket_id") {
			return ErrDuplicateTicketID
		}
		return fmt.Errorf("store: inserting ticket %s: %w", ticket.TicketID, err)
	}
	ticket.ID = id

	for i := range attachments {
		att := &attachments[i]
		att.TicketID = ticket.TicketID
		att.CreatedAt = now
		if err := ts.insertAttachment(ctx, tx, att); err != nil {
			return fmt.Errorf("store: inserting attachment %s for %s: %w", att.Filename, ticket.TicketID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: committing ticket %s: %w", ticket.TicketID, err)
	}
	ticket.Attachments = attachments
	return nil
}

func (ts *TicketStore) insertTicket(ctx context.Context, tx *sqlx.Tx, ticket *models.Ticket) (int64, error) {
	const query = `
		INSERT INTO tickets (
			ticket_id, subject, sender_address, sender_name, body,
			status, priority, assigned_to, category, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	args := []interface{}{
		ticket.TicketID, ticket.Subject, ticket.SenderAddress, ticket.SenderName, ticket.Body,
		ticket.Status, ticket.Priority, ticket.AssignedTo, ticket.Category, ticket.CreatedAt, ticket.UpdatedAt,
	}

	if ts.store.driver == DriverPostgres {
		var id int64
		err := tx.QueryRowxContext(ctx, ts.store.rebind(query+" RETURNING id"), args...).Scan(&id)
		return id, err
	}
	res, err := tx.ExecContext(ctx, ts.store.rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (ts *TicketStore) insertAttachment(ctx context.Context, tx *sqlx.Tx, att *models.Attachment) error {
	const query = `
		INSERT INTO attachments (ticket_id, response_id, filename, storage_path, size_bytes, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	args := []interface{}{
		att.TicketID, att.ResponseID, att.Filename, att.StoragePath, att.SizeBytes, att.CreatedAt,
	}
	if ts.store.driver == DriverPostgres {
		return tx.QueryRowxContext(ctx, ts.store.rebind(query+" RETURNING id"), args...).Scan(&att.ID)
	}
	res, err := tx.ExecContext(ctx, ts.store.rebind(query), args...)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	att.ID = id
	return nil
}

// TicketIDExists reports whether a ticket id is already in use. The
// allocator probes candidates with it.
func (ts *TicketStore) TicketIDExists(ctx context.Context, ticketID string) (bool, error) {
	var count int
	query := ts.store.rebind("SELECT COUNT(*) FROM tickets WHERE ticket_id = ?")
	if err := ts.store.db.GetContext(ctx, &count, query, ticketID); err != nil {
		return false, fmt.Errorf("store: probing ticket id %s: %w", ticketID, err)
	}
	return count > 0, nil
}

// GetTicket loads one ticket with its responses and attachments, both
// ordered ascending by creation time.
func (ts *TicketStore) GetTicket(ctx context.Context, ticketID string) (*models.Ticket, error) {
	var ticket models.Ticket
	query := ts.store.rebind("SELECT * FROM tickets WHERE ticket_id = ?")
	if err := ts.store.db.GetContext(ctx, &ticket, query, ticketID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTicketNotFound
		}
		return nil, fmt.Errorf("store: getting ticket %s: %w", ticketID, err)
	}

	query = ts.store.rebind("SELECT * FROM responses WHERE ticket_id = ? ORDER BY created_at ASC, id ASC")
	if err := ts.store.db.SelectContext(ctx, &ticket.Responses, query, ticketID); err != nil {
		return nil, fmt.Errorf("store: getting responses for %s: %w", ticketID, err)
	}

	query = ts.store.rebind("SELECT * FROM attachments WHERE ticket_id = ? ORDER BY created_at ASC, id ASC")
	if err := ts.store.db.SelectContext(ctx, &ticket.Attachments, query, ticketID); err != nil {
		return nil, fmt.Errorf("store: getting attachments for %s: %w", ticketID, err)
	}

	return &ticket, nil
}

// GetTickets lists tickets newest-first, optionally filtered by status.
func (ts *TicketStore) GetTickets(ctx context.Context, status string) ([]models.Ticket, error) {
	var tickets []models.Ticket
	if status != "" {
		if !models.ValidStatus(status) {
			return nil, fmt.Errorf("store: invalid status filter %q", status)
		}
		query := ts.store.rebind("SELECT * FROM tickets WHERE status = ? ORDER BY created_at DESC")
		if err := ts.store.db.SelectContext(ctx, &tickets, query, status); err != nil {
			return nil, fmt.Errorf("store: listing tickets: %w", err)
		}
		return tickets, nil
	}
	if err := ts.store.db.SelectContext(ctx, &tickets, "SELECT * FROM tickets ORDER BY created_at DESC"); err != nil {
		return nil, fmt.Errorf("store: listing tickets: %w", err)
	}
	return tickets, nil
}

// UpdateStatus moves a ticket to a new status and bumps updated_at.
func (ts *TicketStore) UpdateStatus(ctx context.Context, ticketID, status string) error {
	if !models.ValidStatus(status) {
		return fmt.Errorf("store: invalid status %q", status)
	}
	query := ts.store.rebind("UPDATE tickets SET status = ?, updated_at = ? WHERE ticket_id = ?")
	res, err := ts.store.db.ExecContext(ctx, query, status, ts.now().UTC(), ticketID)
	if err != nil {
		return fmt.Errorf("store: updating status of %s: %w", ticketID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: updating status of %s: %w", ticketID, err)
	}
	if affected == 0 {
		return ErrTicketNotFound
	}
	return nil
}

// AddResponse appends one response to a ticket and bumps the ticket's
// updated_at in the same transaction. Returns the response id.
func (ts *TicketStore) AddResponse(ctx context.Context, response *models.Response) (int64, error) {
	switch response.Type {
	case models.ResponseIncoming, models.ResponseOutgoing:
	default:
		return 0, fmt.Errorf("store: invalid response type %q", response.Type)
	}
	now := ts.now().UTC()
	response.CreatedAt = now

	tx, err := ts.store.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	query := ts.store.rebind("SELECT COUNT(*) FROM tickets WHERE ticket_id = ?")
	if err := tx.GetContext(ctx, &exists, query, response.TicketID); err != nil {
		return 0, fmt.Errorf("store: probing ticket %s: %w", response.TicketID, err)
	}
	if exists == 0 {
		return 0, ErrTicketNotFound
	}

	const insert = `
		INSERT INTO responses (ticket_id, response_type, sender, content, created_at)
		VALUES (?, ?, ?, ?, ?)`
	args := []interface{}{response.TicketID, response.Type, response.Sender, response.Content, now}
	if ts.store.driver == DriverPostgres {
		if err := tx.QueryRowxContext(ctx, ts.store.rebind(insert+" RETURNING id"), args...).Scan(&response.ID); err != nil {
			return 0, fmt.Errorf("store: inserting response for %s: %w", response.TicketID, err)
		}
	} else {
		res, err := tx.ExecContext(ctx, ts.store.rebind(insert), args...)
		if err != nil {
			return 0, fmt.Errorf("store: inserting response for %s: %w", response.TicketID, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("store: inserting response for %s: %w", response.TicketID, err)
		}
		response.ID = id
	}

	query = ts.store.rebind("UPDATE tickets SET updated_at = ? WHERE ticket_id = ?")
	if _, err := tx.ExecContext(ctx, query, now, response.TicketID); err != nil {
		return 0, fmt.Errorf("store: bumping ticket %s: %w", response.TicketID, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: committing response for %s: %w", response.TicketID, err)
	}
	return response.ID, nil
}
