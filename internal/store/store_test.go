package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/maildesk-io/maildesk/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(DriverSQLite, filepath.Join(t.TempDir(), "maildesk_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("oracle", "dsn")
	require.Error(t, err)
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "maildesk_test.db")
	s, err := Open(DriverSQLite, path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(DriverSQLite, path)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestCreateAndGetTicket(t *testing.T) {
	ts := NewTicketStore(openTestStore(t))
	ctx := context.Background()

	ticket := &models.Ticket{
		TicketID:      "TKT-20250101120000-ABCD1234",
		Subject:       "Re: billing issue",
		SenderAddress: "jane@example.com",
		SenderName:    "Jane Doe",
		Body:          "please help",
	}
	attachments := []models.Attachment{
		{Filename: "invoice.pdf", StoragePath: "attachments/fp/invoice.pdf", SizeBytes: 1234},
	}
	require.NoError(t, ts.CreateTicket(ctx, ticket, attachments))
	require.NotZero(t, ticket.ID)
	require.Equal(t, models.StatusOpen, ticket.Status)
	require.Equal(t, models.DefaultPriority, ticket.Priority)

	got, err := ts.GetTicket(ctx, ticket.TicketID)
	require.NoError(t, err)
	require.Equal(t, "Re: billing issue", got.Subject)
	require.Equal(t, "jane@example.com", got.SenderAddress)
	require.Equal(t, "Jane Doe", got.SenderName)
	require.Len(t, got.Attachments, 1)
	require.Equal(t, "invoice.pdf", got.Attachments[0].Filename)

	exists, err := ts.TicketIDExists(ctx, ticket.TicketID)
	require.NoError(t, err)
	require.True(t, exists)

	exists, err = ts.TicketIDExists(ctx, "TKT-unused")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestCreateTicketDuplicateID(t *testing.T) {
	ts := NewTicketStore(openTestStore(t))
	ctx := context.Background()

	first := &models.Ticket{TicketID: "TKT-1", SenderAddress: "a@example.com"}
	require.NoError(t, ts.CreateTicket(ctx, first, nil))

	second := &models.Ticket{TicketID: "TKT-1", SenderAddress: "b@example.com"}
	err := ts.CreateTicket(ctx, second, nil)
	require.ErrorIs(t, err, ErrDuplicateTicketID)
}

func TestCreateTicketRollsBackOnAttachmentFailure(t *testing.T) {
	s := openTestStore(t)
	ts := NewTicketStore(s)
	ctx := context.Background()

	ticket := &models.Ticket{TicketID: "TKT-2", SenderAddress: "a@example.com"}
	// response_id pointing nowhere trips the foreign key inside the
	// transaction, after the ticket row was inserted.
	missing := int64(9999)
	attachments := []models.Attachment{
		{Filename: "x.bin", StoragePath: "p", ResponseID: &missing},
	}
	require.Error(t, ts.CreateTicket(ctx, ticket, attachments))

	_, err := ts.GetTicket(ctx, "TKT-2")
	require.ErrorIs(t, err, ErrTicketNotFound)
}

func TestGetTicketNotFound(t *testing.T) {
	ts := NewTicketStore(openTestStore(t))
	_, err := ts.GetTicket(context.Background(), "TKT-missing")
	require.ErrorIs(t, err, ErrTicketNotFound)
}

func TestUpdateStatus(t *testing.T) {
	ts := NewTicketStore(openTestStore(t))
	ctx := context.Background()

	ticket := &models.Ticket{TicketID: "TKT-3", SenderAddress: "a@example.com"}
	require.NoError(t, ts.CreateTicket(ctx, ticket, nil))
	created := ticket.UpdatedAt

	ts.now = func() time.Time { return created.Add(time.Minute) }
	require.NoError(t, ts.UpdateStatus(ctx, "TKT-3", models.StatusClosed))

	got, err := ts.GetTicket(ctx, "TKT-3")
	require.NoError(t, err)
	require.Equal(t, models.StatusClosed, got.Status)
	require.True(t, got.UpdatedAt.After(created))

	require.Error(t, ts.UpdateStatus(ctx, "TKT-3", "reopened"))
	require.ErrorIs(t, ts.UpdateStatus(ctx, "TKT-missing", models.StatusClosed), ErrTicketNotFound)
}

func TestAddResponseOrderingAndBump(t *testing.T) {
	ts := NewTicketStore(openTestStore(t))
	ctx := context.Background()

	ticket := &models.Ticket{TicketID: "TKT-4", SenderAddress: "a@example.com"}
	require.NoError(t, ts.CreateTicket(ctx, ticket, nil))
	created := ticket.UpdatedAt

	base := created.Add(time.Minute)
	ts.now = func() time.Time { return base }
	first := &models.Response{TicketID: "TKT-4", Type: models.ResponseIncoming, Sender: "a@example.com", Content: "still broken"}
	id1, err := ts.AddResponse(ctx, first)
	require.NoError(t, err)
	require.NotZero(t, id1)

	ts.now = func() time.Time { return base.Add(time.Minute) }
	second := &models.Response{TicketID: "TKT-4", Type: models.ResponseOutgoing, Sender: "support@example.com", Content: "looking into it"}
	id2, err := ts.AddResponse(ctx, second)
	require.NoError(t, err)
	require.Greater(t, id2, id1)

	got, err := ts.GetTicket(ctx, "TKT-4")
	require.NoError(t, err)
	require.Len(t, got.Responses, 2)
	require.Equal(t, "still broken", got.Responses[0].Content)
	require.Equal(t, "looking into it", got.Responses[1].Content)
	require.True(t, got.UpdatedAt.After(created))
}

func TestAddResponseValidation(t *testing.T) {
	ts := NewTicketStore(openTestStore(t))
	ctx := context.Background()

	_, err := ts.AddResponse(ctx, &models.Response{TicketID: "TKT-missing", Type: models.ResponseIncoming})
	require.ErrorIs(t, err, ErrTicketNotFound)

	_, err = ts.AddResponse(ctx, &models.Response{TicketID: "TKT-missing", Type: "sideways"})
	require.Error(t, err)
}

func TestGetTicketsFilter(t *testing.T) {
	ts := NewTicketStore(openTestStore(t))
	ctx := context.Background()

	for i, id := range []string{"TKT-a", "TKT-b", "TKT-c"} {
		ts.now = func() time.Time { return time.Date(2025, 1, 1, 12, i, 0, 0, time.UTC) }
		require.NoError(t, ts.CreateTicket(ctx, &models.Ticket{TicketID: id, SenderAddress: "a@example.com"}, nil))
	}
	require.NoError(t, ts.UpdateStatus(ctx, "TKT-b", models.StatusClosed))

	all, err := ts.GetTickets(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "TKT-c", all[0].TicketID)

	closed, err := ts.GetTickets(ctx, models.StatusClosed)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	require.Equal(t, "TKT-b", closed[0].TicketID)

	_, err = ts.GetTickets(ctx, "archived")
	require.Error(t, err)
}

func TestLedgerRoundTrip(t *testing.T) {
	l := NewLedger(openTestStore(t))
	ctx := context.Background()

	processed, err := l.IsProcessed(ctx, "fp-1")
	require.NoError(t, err)
	require.False(t, processed)

	require.NoError(t, l.MarkProcessed(ctx, "fp-1"))

	processed, err = l.IsProcessed(ctx, "fp-1")
	require.NoError(t, err)
	require.True(t, processed)
}

func TestLedgerMarkProcessedIdempotent(t *testing.T) {
	l := NewLedger(openTestStore(t))
	ctx := context.Background()

	require.NoError(t, l.MarkProcessed(ctx, "fp-dup"))
	require.NoError(t, l.MarkProcessed(ctx, "fp-dup"))

	require.Error(t, l.MarkProcessed(ctx, ""))
}
