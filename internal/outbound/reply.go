package outbound

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/maildesk-io/maildesk/internal/models"
)

type ticketReader interface {
	GetTicket(ctx context.Context, ticketID string) (*models.Ticket, error)
	AddResponse(ctx context.Context, response *models.Response) (int64, error)
}

// ReplyService sends an operator reply to the ticket's requester and
// records it as an outgoing response. The response row is written only
// after the mail left the relay, so a delivery failure never fabricates
// conversation history.
type ReplyService struct {
	tickets ticketReader
	mailer  Mailer
	from    string
	logger  *log.Logger
}

// NewReplyService wires a reply flow over the ticket store and a mailer.
func NewReplyService(tickets ticketReader, mailer Mailer, from string, logger *log.Logger) *ReplyService {
	if logger == nil {
		logger = log.Default()
	}
	return &ReplyService{tickets: tickets, mailer: mailer, from: from, logger: logger}
}

// Reply mails content to the requester of ticketID and appends the
// outgoing response. Returns the new response id.
func (rs *ReplyService) Reply(ctx context.Context, ticketID, content string) (int64, error) {
	if strings.TrimSpace(content) == "" {
		return 0, fmt.Errorf("outbound: empty reply content")
	}
	ticket, err := rs.tickets.GetTicket(ctx, ticketID)
	if err != nil {
		return 0, err
	}

	subject := ticket.Subject
	if !strings.HasPrefix(strings.ToLower(subject), "re:") {
		subject = "Re: " + subject
	}
	subject = fmt.Sprintf("%s [Ticket: %s]", subject, ticket.TicketID)

	if err := rs.mailer.Send(&Message{To: ticket.SenderAddress, Subject: subject, Body: content}); err != nil {
		return 0, err
	}
	rs.logger.Printf("outbound: replied to %s for ticket %s", ticket.SenderAddress, ticket.TicketID)

	response := &models.Response{
		TicketID: ticket.TicketID,
		Type:     models.ResponseOutgoing,
		Sender:   rs.from,
		Content:  content,
	}
	id, err := rs.tickets.AddResponse(ctx, response)
	if err != nil {
		return 0, fmt.Errorf("outbound: recording reply on %s: %w", ticket.TicketID, err)
	}
	return id, nil
}
