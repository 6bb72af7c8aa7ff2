// Package pipeline runs one ingestion cycle: open the mailbox, walk the
// candidate messages and turn each unprocessed one into a ticket.
//
// Per-message ordering is fixed: decode, ledger check, allocate id,
// create ticket, mark processed, mark seen. The ledger write happens only
// after the ticket is durable; the seen flag is advisory and its loss is
// absorbed by the ledger check of a later cycle.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/maildesk-io/maildesk/internal/mail/connector"
	"github.com/maildesk-io/maildesk/internal/mail/decoder"
	"github.com/maildesk-io/maildesk/internal/metrics"
	"github.com/maildesk-io/maildesk/internal/models"
	"github.com/maildesk-io/maildesk/internal/store"
	"github.com/maildesk-io/maildesk/internal/ticketid"
)

type messageDecoder interface {
	Decode(raw []byte) (*models.InboundMessage, error)
}

type ledger interface {
	IsProcessed(ctx context.Context, fingerprint string) (bool, error)
	MarkProcessed(ctx context.Context, fingerprint string) error
}

type idAllocator interface {
	Allocate(ctx context.Context) (string, error)
}

type ticketCreator interface {
	CreateTicket(ctx context.Context, ticket *models.Ticket, attachments []models.Attachment) error
}

type attachmentStager interface {
	Stage(fingerprint string, attachments []models.InboundAttachment) ([]models.Attachment, error)
}

// createRetries bounds how often one message re-allocates after the store
// reports a ticket_id collision.
const createRetries = 3

// Pipeline orchestrates poll cycles against one mailbox account.
type Pipeline struct {
	account connector.Account
	mailbox connector.Mailbox
	decoder messageDecoder
	ledger  ledger
	ids     idAllocator
	tickets ticketCreator
	staging attachmentStager
	metrics *metrics.Metrics
	logger  *log.Logger
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithLogger overrides the pipeline logger.
func WithLogger(logger *log.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics wires ingestion counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) {
		if m != nil {
			p.metrics = m
		}
	}
}

func withMailbox(mailbox connector.Mailbox) Option {
	return func(p *Pipeline) { p.mailbox = mailbox }
}

// New builds a pipeline for one account. The mailbox connector is
// resolved from the account's protocol.
func New(account connector.Account, dec messageDecoder, ldg ledger, ids idAllocator, tickets ticketCreator, staging attachmentStager, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		account: account,
		decoder: dec,
		ledger:  ldg,
		ids:     ids,
		tickets: tickets,
		staging: staging,
		logger:  log.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.mailbox == nil {
		mailbox, err := connector.For(account)
		if err != nil {
			return nil, err
		}
		p.mailbox = mailbox
	}
	return p, nil
}

// RunCycle executes one poll cycle. A connect or list failure aborts the
// whole cycle; a single message's failure only skips that message.
func (p *Pipeline) RunCycle(ctx context.Context) error {
	start := time.Now()
	if p.metrics != nil {
		p.metrics.Cycles.Inc()
		defer func() {
			p.metrics.CycleDuration.Observe(time.Since(start).Seconds())
		}()
	}

	session, err := p.mailbox.Connect(ctx, p.account)
	if err != nil {
		p.countCycleError()
		return fmt.Errorf("pipeline: connect: %w", err)
	}
	defer func() {
		if err := session.Close(ctx); err != nil {
			p.logf("pipeline: close session: %v", err)
		}
	}()

	ids, err := session.List(ctx)
	if err != nil {
		p.countCycleError()
		return fmt.Errorf("pipeline: list: %w", err)
	}
	if len(ids) == 0 {
		p.logf("pipeline: no candidate messages")
		return nil
	}
	p.logf("pipeline: %d candidate messages", len(ids))

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		result, err := p.processMessage(ctx, session, id)
		p.countMessage(result)
		if err != nil {
			p.logf("pipeline: message %s: %v", id, err)
		}
	}
	return nil
}

// processMessage drives one candidate through the per-message states. The
// returned label feeds the outcome counter.
func (p *Pipeline) processMessage(ctx context.Context, session connector.Session, id string) (string, error) {
	raw, err := session.Fetch(ctx, id)
	if err != nil {
		return metrics.ResultError, fmt.Errorf("fetch: %w", err)
	}
	fingerprint := decoder.Fingerprint(raw)

	processed, err := p.ledger.IsProcessed(ctx, fingerprint)
	if err != nil {
		return metrics.ResultError, fmt.Errorf("ledger lookup %s: %w", fingerprint, err)
	}
	if processed {
		// A prior cycle created the ticket but never flagged the
		// message. Flag it now and move on.
		p.markSeen(ctx, session, id, fingerprint)
		return metrics.ResultDuplicate, nil
	}

	msg, err := p.decoder.Decode(raw)
	if err != nil {
		return metrics.ResultError, fmt.Errorf("decode %s: %w", fingerprint, err)
	}

	staged, err := p.staging.Stage(msg.Fingerprint, msg.Attachments)
	if err != nil {
		return metrics.ResultError, fmt.Errorf("stage attachments %s: %w", fingerprint, err)
	}

	ticket, err := p.createTicket(ctx, msg, staged)
	if err != nil {
		return metrics.ResultError, err
	}
	if p.metrics != nil {
		p.metrics.TicketsCreated.Inc()
	}
	p.logf("pipeline: created ticket %s for %s", ticket.TicketID, msg.SenderAddress)

	// Ticket is durable. A ledger failure here leaves the one narrow
	// at-least-once window; the next cycle may create a duplicate
	// ticket, which operators reconcile by hand.
	if err := p.ledger.MarkProcessed(ctx, fingerprint); err != nil {
		p.logf("pipeline: ledger mark %s: %v", fingerprint, err)
	}
	p.markSeen(ctx, session, id, fingerprint)
	return metrics.ResultCreated, nil
}

// createTicket allocates an id and inserts, re-allocating when the store
// reports the id was taken by a concurrent writer.
func (p *Pipeline) createTicket(ctx context.Context, msg *models.InboundMessage, staged []models.Attachment) (*models.Ticket, error) {
	var lastErr error
	for attempt := 1; attempt <= createRetries; attempt++ {
		ticketID, err := p.ids.Allocate(ctx)
		if err != nil {
			return nil, fmt.Errorf("allocate: %w", err)
		}
		ticket := &models.Ticket{
			TicketID:      ticketID,
			Subject:       msg.Subject,
			SenderAddress: msg.SenderAddress,
			SenderName:    msg.SenderName,
			Body:          msg.Body,
		}
		err = p.tickets.CreateTicket(ctx, ticket, staged)
		if err == nil {
			return ticket, nil
		}
		if !errors.Is(err, store.ErrDuplicateTicketID) {
			return nil, fmt.Errorf("create ticket: %w", err)
		}
		p.logf("pipeline: ticket id %s lost insert race, attempt %d/%d", ticketID, attempt, createRetries)
		lastErr = err
	}
	return nil, fmt.Errorf("create ticket: %w: %w", ticketid.ErrAllocationExhausted, lastErr)
}

// markSeen flags the message server-side. Failures are logged only: the
// ticket is the source of truth and the ledger absorbs a redelivery.
func (p *Pipeline) markSeen(ctx context.Context, session connector.Session, id, fingerprint string) {
	if err := session.MarkSeen(ctx, id); err != nil {
		p.logf("pipeline: mark seen %s (%s): %v", id, fingerprint, err)
	}
}

func (p *Pipeline) countMessage(result string) {
	if p.metrics != nil {
		p.metrics.MessagesProcessed.WithLabelValues(result).Inc()
	}
}

func (p *Pipeline) countCycleError() {
	if p.metrics != nil {
		p.metrics.CycleErrors.Inc()
	}
}

func (p *Pipeline) logf(format string, args ...any) {
	if p == nil || p.logger == nil {
		return
	}
	p.logger.Printf(format, args...)
}
