package connector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/knadh/go-pop3"
)

type pop3Connection interface {
	Auth(user, password string) error
	Quit() error
	Uidl(msgID int) ([]pop3.MessageID, error)
	RetrRaw(msgID int) (*bytes.Buffer, error)
	Dele(msgID ...int) error
}

type pop3ConnFactory func(Account) (pop3Connection, error)

// POP3Mailbox opens POP3/POP3S sessions. POP3 has no flag concept, so
// MarkSeen deletes the retrieved message; the processed-message ledger
// carries the idempotency guarantee on its own for these accounts.
type POP3Mailbox struct {
	dialTimeout    time.Duration
	commandTimeout time.Duration
	logger         *log.Logger
	newConn        pop3ConnFactory
}

// POP3Option customizes the mailbox.
type POP3Option func(*POP3Mailbox)

// NewPOP3Mailbox returns a POP3 connector.
func NewPOP3Mailbox(opts ...POP3Option) *POP3Mailbox {
	m := &POP3Mailbox{
		dialTimeout:    10 * time.Second,
		commandTimeout: defaultCommandTimeout,
		logger:         log.Default(),
	}
	m.newConn = m.defaultConnFactory
	for _, opt := range opts {
		opt(m)
	}
	if m.newConn == nil {
		m.newConn = m.defaultConnFactory
	}
	return m
}

// WithPOP3Logger overrides the logger used for connector diagnostics.
func WithPOP3Logger(logger *log.Logger) POP3Option {
	return func(m *POP3Mailbox) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithPOP3DialTimeout overrides the socket dial timeout.
func WithPOP3DialTimeout(timeout time.Duration) POP3Option {
	return func(m *POP3Mailbox) {
		if timeout > 0 {
			m.dialTimeout = timeout
		}
	}
}

// WithPOP3CommandTimeout overrides the per-command deadline.
func WithPOP3CommandTimeout(timeout time.Duration) POP3Option {
	return func(m *POP3Mailbox) {
		if timeout > 0 {
			m.commandTimeout = timeout
		}
	}
}

func withPOP3ConnFactory(factory pop3ConnFactory) POP3Option {
	return func(m *POP3Mailbox) {
		m.newConn = factory
	}
}

// Name returns the connector identifier.
func (m *POP3Mailbox) Name() string { return "pop3" }

// Connect dials and authenticates a POP3 session.
func (m *POP3Mailbox) Connect(ctx context.Context, account Account) (Session, error) {
	if err := validateAccount(account); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := m.newConn(account)
	if err != nil {
		return nil, fmt.Errorf("pop3 connect: %w", err)
	}
	// Quit may itself block on the same dead connection, so run it
	// detached and let it fail in the background.
	abort := func() { go m.safeQuit(conn) }
	err = awaitCommand(ctx, m.commandTimeout, abort, func() error {
		return conn.Auth(account.Username, account.Password)
	})
	if err != nil {
		// On a deadline the detached abort owns the teardown; a second
		// synchronous Quit would block on the same connection.
		if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			m.safeQuit(conn)
		}
		return nil, fmt.Errorf("pop3 auth: %w", err)
	}
	return &pop3Session{conn: conn, timeout: m.commandTimeout, logger: m.logger}, nil
}

func (m *POP3Mailbox) safeQuit(conn pop3Connection) {
	if conn == nil {
		return
	}
	if err := conn.Quit(); err != nil && m.logger != nil {
		m.logger.Printf("pop3 quit error: %v", err)
	}
}

func (m *POP3Mailbox) defaultConnFactory(account Account) (pop3Connection, error) {
	port := account.Port
	if port == 0 {
		if useTLS(account.Protocol) {
			port = 995
		} else {
			port = 110
		}
	}
	timeout := account.DialTimeout
	if timeout <= 0 {
		timeout = m.dialTimeout
	}
	client := pop3.New(pop3.Opt{
		Host:        account.Host,
		Port:        port,
		DialTimeout: timeout,
		TLSEnabled:  useTLS(account.Protocol),
	})
	return client.NewConn()
}

type pop3Session struct {
	conn    pop3Connection
	timeout time.Duration
	logger  *log.Logger
}

// await bounds one command on the session's connection. On a deadline the
// connection is abandoned with a detached Quit, so a stuck exchange aborts
// the cycle instead of hanging it.
func (s *pop3Session) await(ctx context.Context, fn func() error) error {
	return awaitCommand(ctx, s.timeout, func() {
		go func() {
			if err := s.conn.Quit(); err != nil && s.logger != nil {
				s.logger.Printf("pop3 quit error: %v", err)
			}
		}()
	}, fn)
}

// List returns all messages on the server. POP3 cannot filter by seen
// state; the dedup check downstream absorbs redeliveries.
func (s *pop3Session) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var msgs []pop3.MessageID
	err := s.await(ctx, func() error {
		var uidlErr error
		msgs, uidlErr = s.conn.Uidl(0)
		return uidlErr
	})
	if err != nil {
		return nil, fmt.Errorf("pop3 uidl: %w", err)
	}
	ids := make([]string, 0, len(msgs))
	for _, meta := range msgs {
		ids = append(ids, strconv.Itoa(meta.ID))
	}
	return ids, nil
}

func (s *pop3Session) Fetch(ctx context.Context, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	msgID, err := strconv.Atoi(id)
	if err != nil {
		return nil, fmt.Errorf("pop3 id %q: %w", id, err)
	}
	var payload *bytes.Buffer
	err = s.await(ctx, func() error {
		var retrErr error
		payload, retrErr = s.conn.RetrRaw(msgID)
		return retrErr
	})
	if err != nil {
		return nil, fmt.Errorf("pop3 retr %s: %w", id, err)
	}
	return append([]byte(nil), payload.Bytes()...), nil
}

func (s *pop3Session) MarkSeen(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msgID, err := strconv.Atoi(id)
	if err != nil {
		return fmt.Errorf("pop3 id %q: %w", id, err)
	}
	err = s.await(ctx, func() error {
		return s.conn.Dele(msgID)
	})
	if err != nil {
		return fmt.Errorf("pop3 delete %s: %w", id, err)
	}
	return nil
}

func (s *pop3Session) Close(ctx context.Context) error {
	err := s.await(ctx, func() error {
		return s.conn.Quit()
	})
	if err != nil {
		return fmt.Errorf("pop3 quit: %w", err)
	}
	return nil
}
