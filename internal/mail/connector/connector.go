// Package connector opens mailbox sessions for the ingestion pipeline.
// A Session is owned exclusively by the poll cycle that opened it and is
// never shared across cycles.
package connector

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Criteria names for listing candidates.
const (
	CriteriaUnseen = "unseen"
	CriteriaAll    = "all"
)

// defaultCommandTimeout bounds every protocol exchange after the dial, so
// a server that stops responding mid-session cannot stall a poll cycle
// past it.
const defaultCommandTimeout = 30 * time.Second

// awaitCommand runs one blocking protocol exchange, bounded by the
// caller's context and the command timeout. abort is invoked when the
// bound expires to tear the connection down under the stuck call; the
// pending read then fails instead of hanging forever.
func awaitCommand(ctx context.Context, timeout time.Duration, abort func(), fn func() error) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if abort != nil {
			abort()
		}
		return ctx.Err()
	}
}

// Account carries everything a connector needs to open a mailbox.
type Account struct {
	Protocol       string // imap, imaps, pop3, pop3s
	Host           string
	Port           int
	Username       string
	Password       string
	Folder         string
	SearchCriteria string
	DialTimeout    time.Duration
}

// Session is one open mailbox connection. List returns opaque message ids
// valid for the lifetime of the session; Fetch and MarkSeen accept those
// ids. Close must be called on every exit path of a cycle.
type Session interface {
	// List returns the candidate message ids matching the account's
	// search criteria. An empty result is normal, not an error.
	List(ctx context.Context) ([]string, error)
	// Fetch retrieves the full raw payload of one message.
	Fetch(ctx context.Context, id string) ([]byte, error)
	// MarkSeen flags the message as handled on the server side. For
	// protocols without flags (POP3) the message is deleted instead.
	MarkSeen(ctx context.Context, id string) error
	Close(ctx context.Context) error
}

// Mailbox dials and authenticates sessions for one protocol family.
type Mailbox interface {
	Name() string
	Connect(ctx context.Context, account Account) (Session, error)
}

// For resolves the connector for an account's protocol.
func For(account Account) (Mailbox, error) {
	switch strings.ToLower(account.Protocol) {
	case "imap", "imaps":
		return NewIMAPMailbox(), nil
	case "pop3", "pop3s":
		return NewPOP3Mailbox(), nil
	default:
		return nil, fmt.Errorf("connector: unsupported protocol %q", account.Protocol)
	}
}

// Probe dials, authenticates and immediately closes a session; used by the
// one-shot connectivity check.
func Probe(ctx context.Context, account Account) error {
	mailbox, err := For(account)
	if err != nil {
		return err
	}
	session, err := mailbox.Connect(ctx, account)
	if err != nil {
		return err
	}
	return session.Close(ctx)
}

func useTLS(protocol string) bool {
	switch strings.ToLower(protocol) {
	case "imaps", "pop3s":
		return true
	default:
		return false
	}
}

func validateAccount(account Account) error {
	if account.Host == "" {
		return fmt.Errorf("connector: account missing host")
	}
	if account.Username == "" {
		return fmt.Errorf("connector: account missing username")
	}
	if account.Password == "" {
		return fmt.Errorf("connector: account missing password")
	}
	return nil
}
