package connector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/knadh/go-pop3"
	"github.com/stretchr/testify/require"
)

func TestPOP3SessionLifecycle(t *testing.T) {
	conn := &fakePOP3Conn{
		uidl: []pop3.MessageID{
			{ID: 1, UID: "uid-1", Size: 123},
			{ID: 2, UID: "uid-2", Size: 456},
		},
		raw: map[int][]byte{
			1: []byte("first"),
			2: []byte("second"),
		},
	}
	m := NewPOP3Mailbox(withPOP3ConnFactory(func(Account) (pop3Connection, error) { return conn, nil }))

	acc := Account{Protocol: "pop3s", Host: "mail.example", Port: 995, Username: "agent", Password: "secret"}
	session, err := m.Connect(context.Background(), acc)
	require.NoError(t, err)

	ids, err := session.List(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2"}, ids)

	raw, err := session.Fetch(context.Background(), "1")
	require.NoError(t, err)
	require.Equal(t, []byte("first"), raw)

	require.NoError(t, session.MarkSeen(context.Background(), "1"))
	require.Equal(t, []int{1}, conn.deleted)

	require.NoError(t, session.Close(context.Background()))
	require.Equal(t, 1, conn.quitCalls)
}

func TestPOP3ConnectAuthErrorQuitsConn(t *testing.T) {
	conn := &fakePOP3Conn{authErr: errors.New("bad creds")}
	m := NewPOP3Mailbox(withPOP3ConnFactory(func(Account) (pop3Connection, error) { return conn, nil }))

	acc := Account{Protocol: "pop3", Host: "mail.example", Username: "agent", Password: "secret"}
	_, err := m.Connect(context.Background(), acc)
	require.ErrorContains(t, err, "pop3 auth")
	require.Equal(t, 1, conn.quitCalls)
}

func TestPOP3ConnectDialErrorWrapped(t *testing.T) {
	m := NewPOP3Mailbox(withPOP3ConnFactory(func(Account) (pop3Connection, error) {
		return nil, errors.New("dial failed")
	}))
	acc := Account{Protocol: "pop3", Host: "mail.example", Username: "u", Password: "p"}
	_, err := m.Connect(context.Background(), acc)
	require.ErrorContains(t, err, "pop3 connect")
}

func TestPOP3ListAbortsWhenServerHangs(t *testing.T) {
	conn := &fakePOP3Conn{blockUidl: true, release: make(chan struct{})}
	m := NewPOP3Mailbox(
		withPOP3ConnFactory(func(Account) (pop3Connection, error) { return conn, nil }),
		WithPOP3CommandTimeout(50*time.Millisecond),
	)
	acc := Account{Protocol: "pop3", Host: "mail.example", Username: "u", Password: "p"}
	session, err := m.Connect(context.Background(), acc)
	require.NoError(t, err)

	start := time.Now()
	_, err = session.List(context.Background())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 2*time.Second)

	select {
	case <-conn.release:
	case <-time.After(time.Second):
		t.Fatal("connection was not torn down after the deadline")
	}
}

func TestPOP3SessionBadIDs(t *testing.T) {
	conn := &fakePOP3Conn{}
	m := NewPOP3Mailbox(withPOP3ConnFactory(func(Account) (pop3Connection, error) { return conn, nil }))
	acc := Account{Protocol: "pop3", Host: "mail.example", Username: "u", Password: "p"}
	session, err := m.Connect(context.Background(), acc)
	require.NoError(t, err)

	_, err = session.Fetch(context.Background(), "abc")
	require.Error(t, err)
	require.Error(t, session.MarkSeen(context.Background(), "abc"))
}

type fakePOP3Conn struct {
	uidl      []pop3.MessageID
	raw       map[int][]byte
	deleted   []int
	quitCalls int

	// blockUidl makes Uidl hang until Quit releases it, mimicking a server
	// that stops responding mid-session.
	blockUidl bool
	release   chan struct{}
	quitOnce  sync.Once

	authErr error
	uidlErr error
	retrErr map[int]error
	deleErr error
	quitErr error
}

func (f *fakePOP3Conn) Auth(_, _ string) error {
	return f.authErr
}

func (f *fakePOP3Conn) Quit() error {
	f.quitCalls++
	if f.release != nil {
		f.quitOnce.Do(func() { close(f.release) })
	}
	return f.quitErr
}

func (f *fakePOP3Conn) Uidl(_ int) ([]pop3.MessageID, error) {
	if f.blockUidl {
		<-f.release
		return nil, errors.New("connection closed")
	}
	if f.uidlErr != nil {
		return nil, f.uidlErr
	}
	out := make([]pop3.MessageID, len(f.uidl))
	copy(out, f.uidl)
	return out, nil
}

func (f *fakePOP3Conn) RetrRaw(id int) (*bytes.Buffer, error) {
	if err, ok := f.retrErr[id]; ok {
		return nil, err
	}
	payload, ok := f.raw[id]
	if !ok {
		return nil, fmt.Errorf("unknown message %d", id)
	}
	return bytes.NewBuffer(payload), nil
}

func (f *fakePOP3Conn) Dele(ids ...int) error {
	if f.deleErr != nil {
		return f.deleErr
	}
	f.deleted = append(f.deleted, ids...)
	return nil
}
