package imapsource

import (
	"bytes"
	"testing"
	"time"

	"aaronromeo.com/mailclerk/pkg/testutil"
	"github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	LoginFunc   func(username, password string) error
	SelectFunc  func(name string, readOnly bool) (*imap.MailboxStatus, error)
	FetchFunc   func(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error
	StoreFunc   func(seqset *imap.SeqSet, item imap.StoreItem, value interface{}, ch chan *imap.Message) error
	CopyFunc    func(seqset *imap.SeqSet, dest string) error
	ExpungeFunc func(ch chan uint32) error

	StoreCalls   []string
	CopyCalls    []string
	Expunged     int
	LoggedOut    bool
	LoginCalls   int
	SelectedName string
}

func (c *fakeClient) Login(username, password string) error {
	c.LoginCalls++
	if c.LoginFunc != nil {
		return c.LoginFunc(username, password)
	}
	return nil
}

func (c *fakeClient) Logout() error {
	c.LoggedOut = true
	return nil
}

func (c *fakeClient) Select(name string, readOnly bool) (*imap.MailboxStatus, error) {
	c.SelectedName = name
	if c.SelectFunc != nil {
		return c.SelectFunc(name, readOnly)
	}
	return &imap.MailboxStatus{Name: name}, nil
}

func (c *fakeClient) Fetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error {
	defer close(ch)
	if c.FetchFunc != nil {
		return c.FetchFunc(seqset, items, ch)
	}
	return nil
}

func (c *fakeClient) Store(seqset *imap.SeqSet, item imap.StoreItem, value interface{}, ch chan *imap.Message) error {
	c.StoreCalls = append(c.StoreCalls, seqset.String())
	if c.StoreFunc != nil {
		return c.StoreFunc(seqset, item, value, ch)
	}
	return nil
}

func (c *fakeClient) Copy(seqset *imap.SeqSet, dest string) error {
	c.CopyCalls = append(c.CopyCalls, seqset.String()+"->"+dest)
	if c.CopyFunc != nil {
		return c.CopyFunc(seqset, dest)
	}
	return nil
}

func (c *fakeClient) Expunge(ch chan uint32) error {
	c.Expunged++
	if ch != nil {
		close(ch)
	}
	if c.ExpungeFunc != nil {
		return c.ExpungeFunc(ch)
	}
	return nil
}

func newSource(t *testing.T, client *fakeClient) *Source {
	t.Helper()
	src, err := New(
		WithClient(client),
		WithLogger(testutil.SetupLogger(t)),
		WithName("Inbox1"),
		WithAuth("user", "pass"),
	)
	require.NoError(t, err)
	return src
}

func TestNewValidatesRequiredOptions(t *testing.T) {
	_, err := New(WithLogger(testutil.SetupLogger(t)), WithName("x"))
	assert.EqualError(t, err, "requires client")

	_, err = New(WithClient(&fakeClient{}), WithName("x"))
	assert.EqualError(t, err, "requires slogger")

	_, err = New(WithClient(&fakeClient{}), WithLogger(testutil.SetupLogger(t)))
	assert.EqualError(t, err, "requires source name")
}

func TestConnectLoginsAndSelects(t *testing.T) {
	client := &fakeClient{
		SelectFunc: func(name string, readOnly bool) (*imap.MailboxStatus, error) {
			assert.False(t, readOnly)
			return &imap.MailboxStatus{Name: name, Messages: 3}, nil
		},
	}
	src := newSource(t, client)
	require.NoError(t, src.Connect())

	assert.Equal(t, 1, client.LoginCalls)
	assert.Equal(t, "INBOX", client.SelectedName)
	count, err := src.Count()
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestListReturnsSequenceNumbersAndUIDs(t *testing.T) {
	sent := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	client := &fakeClient{
		SelectFunc: func(name string, readOnly bool) (*imap.MailboxStatus, error) {
			return &imap.MailboxStatus{Name: name, Messages: 2}, nil
		},
		FetchFunc: func(_ *imap.SeqSet, _ []imap.FetchItem, ch chan *imap.Message) error {
			ch <- &imap.Message{
				SeqNum:   1,
				Uid:      101,
				Envelope: &imap.Envelope{MessageId: "<one@x>", Date: sent},
			}
			ch <- &imap.Message{
				SeqNum:       2,
				Uid:          102,
				InternalDate: sent.Add(time.Hour),
			}
			return nil
		},
	}
	src := newSource(t, client)
	require.NoError(t, src.Connect())

	list, err := src.List()
	require.NoError(t, err)
	require.Len(t, list, 2)

	assert.Equal(t, 1, list[0].Index)
	assert.Equal(t, "101", list[0].UID)
	assert.Equal(t, "<one@x>", list[0].MessageID)
	assert.Equal(t, sent, list[0].SentTime)

	assert.Equal(t, 2, list[1].Index)
	assert.Equal(t, "102", list[1].UID)
	assert.Empty(t, list[1].MessageID)
	assert.Equal(t, sent.Add(time.Hour), list[1].SentTime)
}

func TestListEmptyMailbox(t *testing.T) {
	client := &fakeClient{
		SelectFunc: func(name string, readOnly bool) (*imap.MailboxStatus, error) {
			return &imap.MailboxStatus{Name: name, Messages: 0}, nil
		},
	}
	src := newSource(t, client)
	require.NoError(t, src.Connect())

	list, err := src.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestFetchReadsBodySection(t *testing.T) {
	raw := []byte("Subject: hi\r\n\r\nbody\r\n")
	client := &fakeClient{
		FetchFunc: func(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error {
			assert.Equal(t, "3", seqset.String())
			// Servers answer a BODY.PEEK request with a plain BODY
			// section, so the response map is keyed without Peek.
			section := &imap.BodySectionName{}
			msg := &imap.Message{
				SeqNum:       3,
				InternalDate: time.Unix(1000, 0),
				Body: map[*imap.BodySectionName]imap.Literal{
					section: bytes.NewReader(raw),
				},
			}
			ch <- msg
			return nil
		},
	}
	src := newSource(t, client)

	got, err := src.Fetch(3)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, raw, got.Body)
	assert.Equal(t, time.Unix(1000, 0), got.InternalDate)
}

func TestFetchMissingMessageIsTransient(t *testing.T) {
	client := &fakeClient{}
	src := newSource(t, client)

	got, err := src.Fetch(9)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDeleteFlagsAndDefersExpunge(t *testing.T) {
	client := &fakeClient{}
	src := newSource(t, client)

	require.NoError(t, src.Delete(2))
	assert.Equal(t, []string{"2"}, client.StoreCalls)
	assert.Zero(t, client.Expunged)

	src.Disconnect()
	assert.Equal(t, 1, client.Expunged)
	assert.True(t, client.LoggedOut)
}

func TestMoveCopiesThenFlags(t *testing.T) {
	client := &fakeClient{}
	src := newSource(t, client)

	require.NoError(t, src.Move(4, "Archive"))
	assert.Equal(t, []string{"4->Archive"}, client.CopyCalls)
	assert.Equal(t, []string{"4"}, client.StoreCalls)
}

func TestMoveRequiresFolder(t *testing.T) {
	src := newSource(t, &fakeClient{})
	assert.Error(t, src.Move(1, ""))
}

func TestDisconnectWithoutDeletesSkipsExpunge(t *testing.T) {
	client := &fakeClient{}
	src := newSource(t, client)

	src.Disconnect()
	assert.Zero(t, client.Expunged)
	assert.True(t, client.LoggedOut)
}
