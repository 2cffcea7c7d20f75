package ticket

import (
	"context"
	"testing"
	"time"

	"aaronromeo.com/mailclerk/internal/replica"
	"aaronromeo.com/mailclerk/pkg/base"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	rep, err := replica.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { rep.Close() })

	store, err := NewStore(ctx, rep.DB())
	require.NoError(t, err)
	return store
}

func TestCreateAssignsDatedReference(t *testing.T) {
	store := newStore(t)
	store.now = func() time.Time { return time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC) }

	created, err := store.Create(context.Background(), base.TicketFields{
		Title:       "printer is down",
		Body:        "it broke",
		CallerEmail: "user@example.com",
	})
	require.NoError(t, err)

	assert.Equal(t, "2026083000001", created.Ref)
	assert.Equal(t, base.TicketStatusOpen, created.Status)

	found, err := store.FindByRef(context.Background(), created.Ref)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, created.ID, found.ID)
	assert.Equal(t, "printer is down", found.Title)
}

func TestFindMissingReturnsNil(t *testing.T) {
	store := newStore(t)

	found, err := store.FindByRef(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, found)

	found, err = store.FindByID(context.Background(), 99)
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestUpdateAppendsArticleAndBumpsTimestamp(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	created, err := store.Create(ctx, base.TicketFields{Title: "t", Body: "first"})
	require.NoError(t, err)

	store.now = func() time.Time { return created.UpdatedAt.Add(time.Hour) }
	require.NoError(t, store.Update(ctx, created, base.TicketFields{Body: "second"}))
	assert.True(t, created.UpdatedAt.After(created.CreatedAt))

	var articles int
	require.NoError(t, store.db.QueryRow(
		`SELECT COUNT(*) FROM ticket_articles WHERE ticket_id = ?`, created.ID).Scan(&articles))
	assert.Equal(t, 2, articles)
}

func TestReopenSetsStatusOpen(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	created, err := store.Create(ctx, base.TicketFields{Title: "t"})
	require.NoError(t, err)
	_, err = store.db.Exec(`UPDATE tickets SET status = ? WHERE id = ?`, base.TicketStatusClosed, created.ID)
	require.NoError(t, err)
	created.Status = base.TicketStatusClosed

	require.NoError(t, store.Reopen(ctx, created))
	assert.Equal(t, base.TicketStatusOpen, created.Status)

	found, err := store.FindByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, base.TicketStatusOpen, found.Status)
}

func TestLinkAttachment(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	created, err := store.Create(ctx, base.TicketFields{Title: "t"})
	require.NoError(t, err)
	require.NoError(t, store.LinkAttachment(ctx, created, []byte("blob"), "a.png", "image/png", true))

	var filename, mimeType string
	var inline bool
	require.NoError(t, store.db.QueryRow(
		`SELECT filename, mime_type, inline FROM ticket_attachments WHERE ticket_id = ?`,
		created.ID).Scan(&filename, &mimeType, &inline))
	assert.Equal(t, "a.png", filename)
	assert.Equal(t, "image/png", mimeType)
	assert.True(t, inline)
}

func TestContactsRoundTrip(t *testing.T) {
	store := newStore(t)
	contacts := store.Contacts()
	ctx := context.Background()

	created, err := contacts.Create(ctx, base.Contact{Email: "user@example.com", Name: "User"})
	require.NoError(t, err)
	require.NotZero(t, created.ID)

	// Case-insensitive lookup.
	found, err := contacts.FindByEmail(ctx, "User@Example.com")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, created.ID, found[0].ID)

	require.NoError(t, contacts.MarkInactive(ctx, created.ID))
	found, err = contacts.FindByEmail(ctx, "user@example.com")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.True(t, found[0].Inactive)
}

func TestContactsActiveFirst(t *testing.T) {
	store := newStore(t)
	contacts := store.Contacts()
	ctx := context.Background()

	first, err := contacts.Create(ctx, base.Contact{Email: "dup@example.com", Name: "Old"})
	require.NoError(t, err)
	require.NoError(t, contacts.MarkInactive(ctx, first.ID))
	second, err := contacts.Create(ctx, base.Contact{Email: "dup@example.com", Name: "New"})
	require.NoError(t, err)

	found, err := contacts.FindByEmail(ctx, "dup@example.com")
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, second.ID, found[0].ID)
	assert.False(t, found[0].Inactive)
}
