package connector

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

type imapClient interface {
	Login(username, password string) commandWaiter
	Logout() commandWaiter
	Close() error
	Select(mailbox string, options *imap.SelectOptions) selectWaiter
	UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter
	Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter
	Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter
}

type commandWaiter interface{ Wait() error }
type selectWaiter interface {
	Wait() (*imap.SelectData, error)
}
type searchWaiter interface {
	Wait() (*imap.SearchData, error)
}
type fetchWaiter interface {
	Collect() ([]*imapclient.FetchMessageBuffer, error)
	Close() error
}

// IMAPMailbox opens IMAP/IMAPS sessions.
type IMAPMailbox struct {
	dialTimeout    time.Duration
	commandTimeout time.Duration
	logger         *log.Logger
	newClient      func(Account) (imapClient, error)
}

// IMAPOption customizes the mailbox.
type IMAPOption func(*IMAPMailbox)

// NewIMAPMailbox returns an IMAP connector.
func NewIMAPMailbox(opts ...IMAPOption) *IMAPMailbox {
	m := &IMAPMailbox{
		dialTimeout:    10 * time.Second,
		commandTimeout: defaultCommandTimeout,
		logger:         log.Default(),
	}
	m.newClient = m.defaultClientFactory
	for _, opt := range opts {
		opt(m)
	}
	if m.newClient == nil {
		m.newClient = m.defaultClientFactory
	}
	return m
}

// WithIMAPLogger overrides the logger used for connector diagnostics.
func WithIMAPLogger(logger *log.Logger) IMAPOption {
	return func(m *IMAPMailbox) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithIMAPDialTimeout overrides the socket dial timeout.
func WithIMAPDialTimeout(timeout time.Duration) IMAPOption {
	return func(m *IMAPMailbox) {
		if timeout > 0 {
			m.dialTimeout = timeout
		}
	}
}

// WithIMAPCommandTimeout overrides the per-command deadline.
func WithIMAPCommandTimeout(timeout time.Duration) IMAPOption {
	return func(m *IMAPMailbox) {
		if timeout > 0 {
			m.commandTimeout = timeout
		}
	}
}

func withIMAPClientFactory(factory func(Account) (imapClient, error)) IMAPOption {
	return func(m *IMAPMailbox) {
		m.newClient = factory
	}
}

// Name returns the connector identifier.
func (m *IMAPMailbox) Name() string { return "imap" }

// Connect dials, authenticates and selects the account folder. The
// returned session owns the client connection.
func (m *IMAPMailbox) Connect(ctx context.Context, account Account) (Session, error) {
	if err := validateAccount(account); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	client, err := m.newClient(account)
	if err != nil {
		return nil, fmt.Errorf("imap connect: %w", err)
	}
	abort := func() { m.safeClose(client) }

	err = awaitCommand(ctx, m.commandTimeout, abort, func() error {
		return client.Login(account.Username, account.Password).Wait()
	})
	if err != nil {
		m.safeClose(client)
		return nil, fmt.Errorf("imap auth: %w", err)
	}

	folder := account.Folder
	if folder == "" {
		folder = "INBOX"
	}
	err = awaitCommand(ctx, m.commandTimeout, abort, func() error {
		_, selectErr := client.Select(folder, nil).Wait()
		return selectErr
	})
	if err != nil {
		m.safeClose(client)
		return nil, fmt.Errorf("imap select %s: %w", folder, err)
	}

	return &imapSession{
		client:   client,
		criteria: strings.ToLower(account.SearchCriteria),
		timeout:  m.commandTimeout,
		logger:   m.logger,
	}, nil
}

func (m *IMAPMailbox) safeClose(client imapClient) {
	if client == nil {
		return
	}
	if err := client.Close(); err != nil && m.logger != nil {
		m.logger.Printf("imap close error: %v", err)
	}
}

func (m *IMAPMailbox) defaultClientFactory(account Account) (imapClient, error) {
	port := account.Port
	if port == 0 {
		if useTLS(account.Protocol) {
			port = 993
		} else {
			port = 143
		}
	}
	timeout := account.DialTimeout
	if timeout <= 0 {
		timeout = m.dialTimeout
	}
	opts := &imapclient.Options{Dialer: &net.Dialer{Timeout: timeout}}
	addr := fmt.Sprintf("%s:%d", account.Host, port)
	var client *imapclient.Client
	var err error
	if useTLS(account.Protocol) {
		client, err = imapclient.DialTLS(addr, opts)
	} else {
		client, err = imapclient.DialInsecure(addr, opts)
	}
	if err != nil {
		return nil, err
	}
	return &imapClientWrapper{Client: client}, nil
}

type imapSession struct {
	client   imapClient
	criteria string
	timeout  time.Duration
	logger   *log.Logger
}

// await bounds one command on the session's connection, force-closing it
// when the deadline passes so the cycle aborts instead of hanging.
func (s *imapSession) await(ctx context.Context, fn func() error) error {
	return awaitCommand(ctx, s.timeout, func() {
		if err := s.client.Close(); err != nil && s.logger != nil {
			s.logger.Printf("imap close error: %v", err)
		}
	}, fn)
}

func (s *imapSession) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	criteria := &imap.SearchCriteria{}
	if s.criteria != CriteriaAll {
		criteria.NotFlag = []imap.Flag{imap.FlagSeen}
	}
	var data *imap.SearchData
	err := s.await(ctx, func() error {
		var searchErr error
		data, searchErr = s.client.UIDSearch(criteria, nil).Wait()
		return searchErr
	})
	if err != nil {
		return nil, fmt.Errorf("imap search: %w", err)
	}
	uids := data.AllUIDs()
	ids := make([]string, 0, len(uids))
	for _, uid := range uids {
		ids = append(ids, strconv.FormatUint(uint64(uid), 10))
	}
	return ids, nil
}

func (s *imapSession) Fetch(ctx context.Context, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	uid, err := parseUID(id)
	if err != nil {
		return nil, err
	}
	fetchOpts := &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{{}},
	}
	var buffers []*imapclient.FetchMessageBuffer
	err = s.await(ctx, func() error {
		var fetchErr error
		buffers, fetchErr = s.client.Fetch(imap.UIDSetNum(uid), fetchOpts).Collect()
		return fetchErr
	})
	if err != nil {
		return nil, fmt.Errorf("imap fetch %s: %w", id, err)
	}
	for _, buf := range buffers {
		body := buf.FindBodySection(&imap.FetchItemBodySection{})
		if body != nil {
			return append([]byte(nil), body...), nil
		}
	}
	return nil, fmt.Errorf("imap fetch %s: no body section", id)
}

func (s *imapSession) MarkSeen(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	uid, err := parseUID(id)
	if err != nil {
		return err
	}
	store := &imap.StoreFlags{Op: imap.StoreFlagsAdd, Flags: []imap.Flag{imap.FlagSeen}}
	err = s.await(ctx, func() error {
		return s.client.Store(imap.UIDSetNum(uid), store, nil).Close()
	})
	if err != nil {
		return fmt.Errorf("imap store seen %s: %w", id, err)
	}
	return nil
}

func (s *imapSession) Close(ctx context.Context) error {
	logoutErr := s.await(ctx, func() error {
		return s.client.Logout().Wait()
	})
	if err := s.client.Close(); err != nil && s.logger != nil {
		s.logger.Printf("imap close error: %v", err)
	}
	if logoutErr != nil {
		return fmt.Errorf("imap logout: %w", logoutErr)
	}
	return nil
}

func parseUID(id string) (imap.UID, error) {
	n, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("imap uid %q: %w", id, err)
	}
	return imap.UID(n), nil
}

type imapClientWrapper struct{ *imapclient.Client }

func (w *imapClientWrapper) Login(username, password string) commandWaiter {
	return w.Client.Login(username, password)
}
func (w *imapClientWrapper) Logout() commandWaiter { return w.Client.Logout() }
func (w *imapClientWrapper) Select(mailbox string, options *imap.SelectOptions) selectWaiter {
	return w.Client.Select(mailbox, options)
}
func (w *imapClientWrapper) UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter {
	return w.Client.UIDSearch(criteria, options)
}
func (w *imapClientWrapper) Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter {
	return w.Client.Fetch(numSet, options)
}
func (w *imapClientWrapper) Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter {
	return w.Client.Store(numSet, store, options)
}
