package batch

import (
	"context"
	"fmt"
	"testing"
	"time"

	"aaronromeo.com/mailclerk/internal/config"
	"aaronromeo.com/mailclerk/internal/pipeline"
	"aaronromeo.com/mailclerk/internal/replica"
	"aaronromeo.com/mailclerk/pkg/base"
	"aaronromeo.com/mailclerk/pkg/testutil"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawEmail(messageID, subject string) []byte {
	return []byte(fmt.Sprintf(
		"From: User <user@example.com>\r\n"+
			"To: help@example.com\r\n"+
			"Subject: %s\r\n"+
			"Message-ID: %s\r\n"+
			"Date: Mon, 02 Jan 2006 15:04:05 -0700\r\n"+
			"MIME-Version: 1.0\r\n"+
			"Content-Type: text/plain\r\n"+
			"\r\n"+
			"it broke\r\n", subject, messageID))
}

type fixture struct {
	store     *replica.Store
	tickets   *testutil.MockTicketSink
	processor *Processor
}

func newFixture(t *testing.T, opts ...ProcessorOption) *fixture {
	t.Helper()
	store, err := replica.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tickets := &testutil.MockTicketSink{}
	opts = append([]ProcessorOption{
		WithContactDirectory(&testutil.MockContactDirectory{}),
		WithNotifier(&testutil.MockNotificationSender{}),
	}, opts...)
	processor, err := NewProcessor(store, tickets, testutil.SetupLogger(t), opts...)
	require.NoError(t, err)
	return &fixture{store: store, tickets: tickets, processor: processor}
}

func defaultMailbox() *config.Mailbox {
	return &config.Mailbox{
		Name:                    "helpdesk",
		Behavior:                config.BehaviorBoth,
		EmailStorage:            config.StorageKeep,
		ErrorBehavior:           config.ErrorBehaviorMarkError,
		UndesiredPurgeDelayDays: 7,
	}
}

func farDeadline() time.Time { return time.Now().Add(time.Hour) }

func TestProcessCreatesTicketAndDeletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mb := defaultMailbox()
	mb.EmailStorage = config.StorageDelete
	source := &testutil.MockMessageSource{
		NameValue: "helpdesk",
		ListFunc: func() ([]base.MessageInfo, error) {
			return []base.MessageInfo{
				{Index: 0, UID: "42", MessageID: "<m42@example.com>", SentTime: time.Now()},
			}, nil
		},
		FetchFunc: func(index int) (*base.RawMessage, error) {
			return &base.RawMessage{Body: rawEmail("<m42@example.com>", "printer is down")}, nil
		},
	}

	summary, err := f.processor.Process(ctx, []Source{{Mailbox: mb, MailboxID: 1, Source: source}}, farDeadline())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Processed)
	require.Len(t, f.tickets.CreateCalls, 1)
	assert.Equal(t, "printer is down", f.tickets.CreateCalls[0].Title)
	assert.Equal(t, []int{0}, source.DeletedIdx)
	assert.True(t, source.Disconnected)

	records, err := f.store.FindByUIDLsAndMailbox(ctx, []string{"42"}, 1, "INBOX")
	require.NoError(t, err)
	require.Contains(t, records, "42")
	rec := records["42"]
	assert.Equal(t, replica.StatusOK, rec.Status)
	require.NotNil(t, rec.TicketID)
}

func TestProcessIsIdempotentAcrossRuns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mb := defaultMailbox()
	source := &testutil.MockMessageSource{
		NameValue: "helpdesk",
		ListFunc: func() ([]base.MessageInfo, error) {
			return []base.MessageInfo{
				{Index: 0, UID: "7", MessageID: "<m7@example.com>", SentTime: time.Now()},
			}, nil
		},
		FetchFunc: func(int) (*base.RawMessage, error) {
			return &base.RawMessage{Body: rawEmail("<m7@example.com>", "first report")}, nil
		},
	}
	sources := []Source{{Mailbox: mb, MailboxID: 1, Source: source}}

	_, err := f.processor.Process(ctx, sources, farDeadline())
	require.NoError(t, err)
	_, err = f.processor.Process(ctx, sources, farDeadline())
	require.NoError(t, err)

	// The second pass resolves the persisted reference link and
	// updates instead of opening a duplicate.
	assert.Len(t, f.tickets.CreateCalls, 1)
	assert.Len(t, f.tickets.UpdateCalls, 1)

	records, err := f.store.FindByUIDLsAndMailbox(ctx, []string{"7"}, 1, "INBOX")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestProcessDeletesByOriginalIndexAfterSort(t *testing.T) {
	f := newFixture(t)
	base50 := time.Unix(50000, 0)

	mb := defaultMailbox()
	mb.EmailStorage = config.StorageDelete
	source := &testutil.MockMessageSource{
		NameValue: "helpdesk",
		ListFunc: func() ([]base.MessageInfo, error) {
			return []base.MessageInfo{
				{Index: 0, UID: "a", MessageID: "<a@x>", SentTime: base50.Add(300 * time.Second)},
				{Index: 1, UID: "b", MessageID: "<b@x>", SentTime: base50.Add(100 * time.Second)},
				{Index: 2, UID: "c", MessageID: "<c@x>", SentTime: base50.Add(200 * time.Second)},
			}, nil
		},
		FetchFunc: func(index int) (*base.RawMessage, error) {
			return &base.RawMessage{Body: rawEmail(fmt.Sprintf("<f%d@x>", index), "msg")}, nil
		},
	}

	_, err := f.processor.Process(context.Background(), []Source{{Mailbox: mb, MailboxID: 1, Source: source}}, farDeadline())
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 0}, source.DeletedIdx)
}

func TestProcessPastDeadlineDoesNothing(t *testing.T) {
	f := newFixture(t)

	listed := false
	source := &testutil.MockMessageSource{
		ListFunc: func() ([]base.MessageInfo, error) {
			listed = true
			return nil, nil
		},
	}

	summary, err := f.processor.Process(context.Background(),
		[]Source{{Mailbox: defaultMailbox(), MailboxID: 1, Source: source}},
		time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, listed)
	assert.Zero(t, summary.Processed)
}

func TestProcessPurgesExpiredUndesired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mb := defaultMailbox()
	now := time.Now()
	stale := &replica.Record{
		UIDL: "old", MailboxID: 1, MailboxPath: "INBOX",
		Status: replica.StatusUndesired, MessageDate: now.Add(-8 * 24 * time.Hour), LastSeen: now,
	}
	fresh := &replica.Record{
		UIDL: "new", MailboxID: 1, MailboxPath: "INBOX",
		Status: replica.StatusUndesired, MessageDate: now.Add(-6 * 24 * time.Hour), LastSeen: now,
	}
	require.NoError(t, f.store.Upsert(ctx, stale))
	require.NoError(t, f.store.Upsert(ctx, fresh))

	source := &testutil.MockMessageSource{
		NameValue: "helpdesk",
		ListFunc: func() ([]base.MessageInfo, error) {
			return []base.MessageInfo{
				{Index: 0, UID: "old", SentTime: stale.MessageDate},
				{Index: 1, UID: "new", SentTime: fresh.MessageDate},
			}, nil
		},
	}

	summary, err := f.processor.Process(ctx, []Source{{Mailbox: mb, MailboxID: 1, Source: source}}, farDeadline())
	require.NoError(t, err)

	assert.Equal(t, []int{0}, source.DeletedIdx)
	assert.Equal(t, 1, summary.Purged)
	assert.Equal(t, 1, summary.Undesired)

	records, err := f.store.FindByUIDLsAndMailbox(ctx, []string{"old", "new"}, 1, "INBOX")
	require.NoError(t, err)
	assert.NotContains(t, records, "old")
	assert.Contains(t, records, "new")
}

func TestProcessSkipsErrorAndIgnoredRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, f.store.Upsert(ctx, &replica.Record{
		UIDL: "e1", MailboxID: 1, MailboxPath: "INBOX",
		Status: replica.StatusError, LastSeen: now,
	}))
	require.NoError(t, f.store.Upsert(ctx, &replica.Record{
		UIDL: "i1", MailboxID: 1, MailboxPath: "INBOX",
		Status: replica.StatusIgnored, LastSeen: now,
	}))

	fetched := 0
	source := &testutil.MockMessageSource{
		ListFunc: func() ([]base.MessageInfo, error) {
			return []base.MessageInfo{
				{Index: 0, UID: "e1", SentTime: now},
				{Index: 1, UID: "i1", SentTime: now},
			}, nil
		},
		FetchFunc: func(int) (*base.RawMessage, error) {
			fetched++
			return nil, nil
		},
	}

	summary, err := f.processor.Process(ctx, []Source{{Mailbox: defaultMailbox(), MailboxID: 1, Source: source}}, farDeadline())
	require.NoError(t, err)
	assert.Zero(t, fetched)
	assert.Equal(t, 2, summary.SkippedKnown)
}

func TestProcessCountsUnreadableWithoutSideEffects(t *testing.T) {
	f := newFixture(t)

	source := &testutil.MockMessageSource{
		ListFunc: func() ([]base.MessageInfo, error) {
			return []base.MessageInfo{{Index: 0, UID: "", SentTime: time.Now()}}, nil
		},
	}

	summary, err := f.processor.Process(context.Background(),
		[]Source{{Mailbox: defaultMailbox(), MailboxID: 1, Source: source}}, farDeadline())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Unreadable)
	assert.Zero(t, summary.Processed)
	assert.Empty(t, source.DeletedIdx)
}

func TestProcessSkipsSourceOnListFailure(t *testing.T) {
	f := newFixture(t)

	broken := &testutil.MockMessageSource{
		NameValue: "broken",
		ListFunc: func() ([]base.MessageInfo, error) {
			return nil, errors.New("connection reset")
		},
	}
	healthy := &testutil.MockMessageSource{
		NameValue: "healthy",
		ListFunc: func() ([]base.MessageInfo, error) {
			return []base.MessageInfo{
				{Index: 0, UID: "1", MessageID: "<h1@x>", SentTime: time.Now()},
			}, nil
		},
		FetchFunc: func(int) (*base.RawMessage, error) {
			return &base.RawMessage{Body: rawEmail("<h1@x>", "still works")}, nil
		},
	}

	summary, err := f.processor.Process(context.Background(), []Source{
		{Mailbox: defaultMailbox(), MailboxID: 1, Source: broken},
		{Mailbox: defaultMailbox(), MailboxID: 2, Source: healthy},
	}, farDeadline())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.SourcesSkipped)
	assert.Equal(t, 1, summary.Processed)
	assert.True(t, broken.Disconnected)
	assert.True(t, healthy.Disconnected)
}

func TestProcessFetchFailureFailsFastPerSource(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Unix(80000, 0)

	fetches := 0
	failing := &testutil.MockMessageSource{
		NameValue: "failing",
		ListFunc: func() ([]base.MessageInfo, error) {
			return []base.MessageInfo{
				{Index: 0, UID: "f1", SentTime: now},
				{Index: 1, UID: "f2", SentTime: now.Add(time.Minute)},
			}, nil
		},
		FetchFunc: func(int) (*base.RawMessage, error) {
			fetches++
			return nil, errors.New("socket closed")
		},
	}
	next := &testutil.MockMessageSource{
		NameValue: "next",
		ListFunc: func() ([]base.MessageInfo, error) {
			return []base.MessageInfo{{Index: 0, UID: "n1", MessageID: "<n1@x>", SentTime: now}}, nil
		},
		FetchFunc: func(int) (*base.RawMessage, error) {
			return &base.RawMessage{Body: rawEmail("<n1@x>", "fine")}, nil
		},
	}

	summary, err := f.processor.Process(ctx, []Source{
		{Mailbox: defaultMailbox(), MailboxID: 1, Source: failing},
		{Mailbox: defaultMailbox(), MailboxID: 2, Source: next},
	}, farDeadline())
	require.NoError(t, err)

	// The first failure stops the failing source's remaining messages.
	assert.Equal(t, 1, fetches)
	assert.Equal(t, 1, summary.SourcesFailed)
	assert.Equal(t, 1, summary.Processed)
	assert.True(t, failing.Disconnected)

	records, err := f.store.FindByUIDLsAndMailbox(ctx, []string{"f1"}, 1, "INBOX")
	require.NoError(t, err)
	require.Contains(t, records, "f1")
	assert.Equal(t, replica.StatusError, records["f1"].Status)
	assert.Contains(t, records["f1"].ErrorMessage, "socket closed")
}

func TestProcessTransientFetchMissDefers(t *testing.T) {
	f := newFixture(t)

	source := &testutil.MockMessageSource{
		ListFunc: func() ([]base.MessageInfo, error) {
			return []base.MessageInfo{{Index: 0, UID: "t1", SentTime: time.Now()}}, nil
		},
		FetchFunc: func(int) (*base.RawMessage, error) {
			return nil, nil
		},
	}

	summary, err := f.processor.Process(context.Background(),
		[]Source{{Mailbox: defaultMailbox(), MailboxID: 1, Source: source}}, farDeadline())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Deferred)
	assert.Zero(t, summary.Errors)

	records, err := f.store.FindByUIDLsAndMailbox(context.Background(), []string{"t1"}, 1, "INBOX")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestProcessUndecodableMarkedAsError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	source := &testutil.MockMessageSource{
		ListFunc: func() ([]base.MessageInfo, error) {
			return []base.MessageInfo{{Index: 0, UID: "bad", SentTime: time.Now()}}, nil
		},
		FetchFunc: func(int) (*base.RawMessage, error) {
			return &base.RawMessage{Body: []byte("not mail at all\x00")}, nil
		},
	}

	summary, err := f.processor.Process(ctx,
		[]Source{{Mailbox: defaultMailbox(), MailboxID: 1, Source: source}}, farDeadline())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Errors)
	assert.Empty(t, source.DeletedIdx)

	records, err := f.store.FindByUIDLsAndMailbox(ctx, []string{"bad"}, 1, "INBOX")
	require.NoError(t, err)
	require.Contains(t, records, "bad")
	assert.Equal(t, replica.StatusError, records["bad"].Status)
}

func TestProcessUndecodableDeletedWhenConfigured(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mb := defaultMailbox()
	mb.ErrorBehavior = config.ErrorBehaviorDelete
	source := &testutil.MockMessageSource{
		ListFunc: func() ([]base.MessageInfo, error) {
			return []base.MessageInfo{{Index: 0, UID: "bad", SentTime: time.Now()}}, nil
		},
		FetchFunc: func(int) (*base.RawMessage, error) {
			return &base.RawMessage{Body: []byte("not mail at all\x00")}, nil
		},
	}

	_, err := f.processor.Process(ctx,
		[]Source{{Mailbox: mb, MailboxID: 1, Source: source}}, farDeadline())
	require.NoError(t, err)
	assert.Equal(t, []int{0}, source.DeletedIdx)

	// The replica stays so UID reuse cannot resurrect the message.
	records, err := f.store.FindByUIDLsAndMailbox(ctx, []string{"bad"}, 1, "INBOX")
	require.NoError(t, err)
	assert.Contains(t, records, "bad")
}

func TestProcessMultiSourceModeUsesPrefixedUIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mb := defaultMailbox()
	mb.MultiSourceMode = true
	mb.RetentionPeriodHours = 1

	// A stale record under the same source prefix should be swept.
	require.NoError(t, f.store.Upsert(ctx, &replica.Record{
		UIDL: "Inbox1_gone", MailboxID: 1, MailboxPath: "INBOX",
		Status: replica.StatusOK, LastSeen: time.Now().Add(-2 * time.Hour),
	}))

	source := &testutil.MockMessageSource{
		NameValue: "Inbox1",
		ListFunc: func() ([]base.MessageInfo, error) {
			return []base.MessageInfo{
				{Index: 0, UID: "9", MessageID: "<p9@x>", SentTime: time.Now()},
			}, nil
		},
		FetchFunc: func(int) (*base.RawMessage, error) {
			return &base.RawMessage{Body: rawEmail("<p9@x>", "prefixed")}, nil
		},
	}

	_, err := f.processor.Process(ctx, []Source{{Mailbox: mb, MailboxID: 1, Source: source}}, farDeadline())
	require.NoError(t, err)

	records, err := f.store.FindByUIDLsAndMailbox(ctx, []string{"Inbox1_9", "Inbox1_gone"}, 1, "INBOX")
	require.NoError(t, err)
	assert.Contains(t, records, "Inbox1_9")
	assert.NotContains(t, records, "Inbox1_gone")
}

func TestProcessPersistFailureBlocksServerAction(t *testing.T) {
	tests := []struct {
		name    string
		storage string
	}{
		{name: "delete", storage: config.StorageDelete},
		{name: "move", storage: config.StorageMove},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			// Replica writes fail from here on; reads and reference
			// links keep working.
			_, err := f.store.DB().ExecContext(ctx, `
CREATE TRIGGER block_replica_writes BEFORE INSERT ON replica_records
BEGIN SELECT RAISE(ABORT, 'disk full'); END`)
			require.NoError(t, err)

			mb := defaultMailbox()
			mb.EmailStorage = tc.storage
			mb.MoveFolder = "Archive"
			source := &testutil.MockMessageSource{
				NameValue: "helpdesk",
				ListFunc: func() ([]base.MessageInfo, error) {
					return []base.MessageInfo{
						{Index: 0, UID: "42", MessageID: "<m42@example.com>", SentTime: time.Now()},
					}, nil
				},
				FetchFunc: func(int) (*base.RawMessage, error) {
					return &base.RawMessage{Body: rawEmail("<m42@example.com>", "printer is down")}, nil
				},
			}

			_, err = f.processor.Process(ctx,
				[]Source{{Mailbox: mb, MailboxID: 1, Source: source}}, farDeadline())
			require.NoError(t, err)

			// Without durable bookkeeping the server copy must stay, so
			// the message is reprocessed next run.
			assert.Empty(t, source.DeletedIdx)
			assert.Empty(t, source.MovedIdx)

			records, err := f.store.FindByUIDLsAndMailbox(ctx, []string{"42"}, 1, "INBOX")
			require.NoError(t, err)
			assert.Empty(t, records)
		})
	}
}

// abortStep stands in for a policy that must stop the whole batch.
type abortStep struct{}

func (abortStep) Name() string    { return "abort" }
func (abortStep) Precedence() int { return 50 }
func (abortStep) Execute(_ context.Context, pctx *pipeline.Context) error {
	pctx.SetNextAction(pipeline.AbortAllFurtherProcessing)
	return nil
}

func TestProcessMessageAbortRollsBackRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := &replica.Record{
		UIDL: "a1", MailboxID: 1, MailboxPath: "INBOX",
		Status: replica.StatusOK, LastSeen: time.Now(),
	}
	require.NoError(t, f.store.Upsert(ctx, rec))
	require.NotZero(t, rec.ID)

	source := &testutil.MockMessageSource{
		NameValue: "helpdesk",
		FetchFunc: func(int) (*base.RawMessage, error) {
			return &base.RawMessage{Body: rawEmail("<a1@example.com>", "halt everything")}, nil
		},
	}
	runner := pipeline.NewRunner(pipeline.NewRegistry(abortStep{}), testutil.SetupLogger(t))

	summary := &Summary{}
	info := base.MessageInfo{Index: 0, UID: "a1", SentTime: time.Now()}
	_, err := f.processor.processMessage(ctx,
		Source{Mailbox: defaultMailbox(), MailboxID: 1, Source: source},
		runner, info, "a1", rec, summary)
	require.ErrorIs(t, err, errAborted)

	// The half-processed record is gone so the next run sees the
	// message fresh.
	records, err := f.store.FindByUIDLsAndMailbox(ctx, []string{"a1"}, 1, "INBOX")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestNewProcessorRequiresCollaborators(t *testing.T) {
	store, err := replica.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	defer store.Close()

	_, err = NewProcessor(nil, &testutil.MockTicketSink{}, testutil.SetupLogger(t))
	assert.Error(t, err)
	_, err = NewProcessor(store, nil, testutil.SetupLogger(t))
	assert.Error(t, err)
	_, err = NewProcessor(store, &testutil.MockTicketSink{}, nil)
	assert.Error(t, err)
}
