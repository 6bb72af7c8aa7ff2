package outbound

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"testing"

	"github.com/maildesk-io/maildesk/internal/models"
	"github.com/maildesk-io/maildesk/internal/store"
)

type fakeTickets struct {
	ticket    *models.Ticket
	responses []*models.Response
	addErr    error
}

func (f *fakeTickets) GetTicket(_ context.Context, ticketID string) (*models.Ticket, error) {
	if f.ticket == nil || f.ticket.TicketID != ticketID {
		return nil, store.ErrTicketNotFound
	}
	return f.ticket, nil
}

func (f *fakeTickets) AddResponse(_ context.Context, response *models.Response) (int64, error) {
	if f.addErr != nil {
		return 0, f.addErr
	}
	f.responses = append(f.responses, response)
	return int64(len(f.responses)), nil
}

type fakeMailer struct {
	sent    []*Message
	sendErr error
}

func (f *fakeMailer) Send(msg *Message) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, msg)
	return nil
}

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func TestReplySendsAndRecords(t *testing.T) {
	tickets := &fakeTickets{ticket: &models.Ticket{
		TicketID:      "TKT-1",
		Subject:       "printer on fire",
		SenderAddress: "jane@example.com",
	}}
	mailer := &fakeMailer{}
	rs := NewReplyService(tickets, mailer, "support@example.com", testLogger())

	id, err := rs.Reply(context.Background(), "TKT-1", "water applied")
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if id != 1 {
		t.Fatalf("unexpected response id %d", id)
	}
	if len(mailer.sent) != 1 {
		t.Fatalf("expected 1 mail, got %d", len(mailer.sent))
	}
	msg := mailer.sent[0]
	if msg.To != "jane@example.com" {
		t.Fatalf("recipient %q", msg.To)
	}
	if msg.Subject != "Re: printer on fire [Ticket: TKT-1]" {
		t.Fatalf("subject %q", msg.Subject)
	}
	if len(tickets.responses) != 1 {
		t.Fatalf("response not recorded")
	}
	resp := tickets.responses[0]
	if resp.Type != models.ResponseOutgoing || resp.Sender != "support@example.com" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestReplyKeepsExistingRePrefix(t *testing.T) {
	tickets := &fakeTickets{ticket: &models.Ticket{
		TicketID:      "TKT-2",
		Subject:       "Re: broken again",
		SenderAddress: "a@example.com",
	}}
	mailer := &fakeMailer{}
	rs := NewReplyService(tickets, mailer, "support@example.com", testLogger())

	if _, err := rs.Reply(context.Background(), "TKT-2", "on it"); err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if got := mailer.sent[0].Subject; strings.Count(strings.ToLower(got), "re:") != 1 {
		t.Fatalf("subject %q", got)
	}
}

func TestReplyTicketNotFound(t *testing.T) {
	rs := NewReplyService(&fakeTickets{}, &fakeMailer{}, "s@example.com", testLogger())
	if _, err := rs.Reply(context.Background(), "TKT-x", "hi"); !errors.Is(err, store.ErrTicketNotFound) {
		t.Fatalf("expected ErrTicketNotFound, got %v", err)
	}
}

func TestReplySendFailureRecordsNothing(t *testing.T) {
	tickets := &fakeTickets{ticket: &models.Ticket{TicketID: "TKT-3", Subject: "s", SenderAddress: "a@example.com"}}
	mailer := &fakeMailer{sendErr: errors.New("relay down")}
	rs := NewReplyService(tickets, mailer, "s@example.com", testLogger())

	if _, err := rs.Reply(context.Background(), "TKT-3", "hi"); err == nil {
		t.Fatalf("expected send error")
	}
	if len(tickets.responses) != 0 {
		t.Fatalf("response recorded despite failed delivery")
	}
}

func TestReplyEmptyContent(t *testing.T) {
	rs := NewReplyService(&fakeTickets{}, &fakeMailer{}, "s@example.com", testLogger())
	if _, err := rs.Reply(context.Background(), "TKT-1", "   "); err == nil {
		t.Fatalf("expected error for empty content")
	}
}

func TestNewSMTPMailerValidation(t *testing.T) {
	if _, err := NewSMTPMailer(SMTPConfig{From: "s@example.com"}, testLogger()); err == nil {
		t.Fatalf("expected error for missing host")
	}
	if _, err := NewSMTPMailer(SMTPConfig{Host: "smtp.example.com"}, testLogger()); err == nil {
		t.Fatalf("expected error for missing from")
	}
	m, err := NewSMTPMailer(SMTPConfig{Host: "smtp.example.com", Port: 587, From: "s@example.com"}, testLogger())
	if err != nil {
		t.Fatalf("NewSMTPMailer: %v", err)
	}
	if err := m.Send(nil); err == nil {
		t.Fatalf("expected error for nil message")
	}
	if err := m.Send(&Message{To: "  "}); err == nil {
		t.Fatalf("expected error for blank recipient")
	}
}
