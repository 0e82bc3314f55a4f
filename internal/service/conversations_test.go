package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swaply-chat/internal/models"
)

type failingDirectory struct{}

func (failingDirectory) UserExists(context.Context, string) (bool, error) {
	return false, errors.New("connection refused")
}

func TestGetOrCreateIsSymmetric(t *testing.T) {
	f := newFixture(t)
	pub := "pub-1"

	first, err := f.svc.GetOrCreate(context.Background(), "alice", "bob", &pub)
	require.NoError(t, err)
	second, err := f.svc.GetOrCreate(context.Background(), "bob", "alice", &pub)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.ElementsMatch(t, []string{"alice", "bob"}, first.Participants)
	assert.Equal(t, map[string]int{"alice": 0, "bob": 0}, first.UnreadCount())
}

func TestGetOrCreateSeparatesPublications(t *testing.T) {
	f := newFixture(t)
	pubA, pubB := "pub-a", "pub-b"

	general := f.conversation(t, "alice", "bob")
	a, err := f.svc.GetOrCreate(context.Background(), "alice", "bob", &pubA)
	require.NoError(t, err)
	b, err := f.svc.GetOrCreate(context.Background(), "alice", "bob", &pubB)
	require.NoError(t, err)

	assert.NotEqual(t, general.ID, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	require.NotNil(t, a.PublicationID)
	assert.Equal(t, pubA, *a.PublicationID)
}

func TestGetOrCreateSubscribesParticipants(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, "alice", "bob")
	assert.ElementsMatch(t, []string{"alice", "bob"}, f.gateway.rooms[conv.ID])
}

func TestGetOrCreateRejectsInvalidParticipants(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.GetOrCreate(context.Background(), "alice", "alice", nil)
	assert.ErrorIs(t, err, ErrInvalidParticipant)

	_, err = f.svc.GetOrCreate(context.Background(), "alice", "  ", nil)
	assert.ErrorIs(t, err, ErrInvalidParticipant)

	_, err = f.svc.GetOrCreate(context.Background(), "alice", "mallory", nil)
	assert.ErrorIs(t, err, ErrInvalidParticipant)
}

func TestGetOrCreateDirectoryFailure(t *testing.T) {
	f := newFixture(t)
	svc := New(f.store, f.store, failingDirectory{}, nil, nil, nil, DefaultOptions())

	_, err := svc.GetOrCreate(context.Background(), "alice", "bob", nil)
	assert.ErrorIs(t, err, ErrTransport)
}

func TestListForUserOrdersByActivity(t *testing.T) {
	f := newFixture(t)
	withBob := f.conversation(t, "alice", "bob")
	withCarol := f.conversation(t, "alice", "carol")

	f.sendText(t, withCarol.ID, "carol", "first")
	f.sendText(t, withBob.ID, "bob", "second")

	page, err := f.svc.ListForUser(context.Background(), "alice", ListOptions{})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, withBob.ID, page.Items[0].ID)
	assert.Equal(t, withCarol.ID, page.Items[1].ID)
	assert.Equal(t, 2, page.Total)
	require.NotNil(t, page.Items[0].LastMessage)
	assert.Equal(t, models.TextContent{Text: "second"}, page.Items[0].LastMessage.Content)
}

func TestArchiveIsPerParticipant(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, "alice", "bob")

	updated, err := f.svc.SetStatus(context.Background(), conv.ID, "alice", ActionArchive)
	require.NoError(t, err)
	assert.Equal(t, models.ConversationArchived, updated.StatusFor("alice"))
	assert.Equal(t, models.ConversationActive, updated.StatusFor("bob"))

	page, err := f.svc.ListForUser(context.Background(), "alice", ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, page.Items)

	page, err = f.svc.ListForUser(context.Background(), "alice", ListOptions{IncludeArchived: true})
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)

	page, err = f.svc.ListForUser(context.Background(), "bob", ListOptions{})
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)

	assert.Len(t, f.gateway.ofType(models.EventConversationUpdated), 1)
}

func TestSetStatusRejectsOutsiders(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, "alice", "bob")

	_, err := f.svc.SetStatus(context.Background(), conv.ID, "carol", ActionBlock)
	assert.ErrorIs(t, err, ErrNotParticipant)

	_, err = f.svc.SetStatus(context.Background(), conv.ID, "alice", ConversationAction("mute"))
	assert.ErrorIs(t, err, ErrInvalidContent)

	_, err = f.svc.SetStatus(context.Background(), "missing", "alice", ActionBlock)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHideUntilNextMessage(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, "alice", "bob")

	require.NoError(t, f.svc.Hide(context.Background(), conv.ID, "alice"))
	page, err := f.svc.ListForUser(context.Background(), "alice", ListOptions{IncludeArchived: true})
	require.NoError(t, err)
	assert.Empty(t, page.Items)

	f.sendText(t, conv.ID, "bob", "are you there?")
	page, err = f.svc.ListForUser(context.Background(), "alice", ListOptions{})
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)
}

func TestGetOrCreateUnhidesForRequester(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, "alice", "bob")
	require.NoError(t, f.svc.Hide(context.Background(), conv.ID, "alice"))

	again := f.conversation(t, "alice", "bob")
	assert.Equal(t, conv.ID, again.ID)
	m, ok := again.Member("alice")
	require.True(t, ok)
	assert.False(t, m.Hidden)
}
