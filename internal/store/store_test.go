package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheus3301/palaver/internal/chat"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.db")
	db, err := Open(path)
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

var t0 = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)

	result, err := db.Migrate()
	require.NoError(t, err)
	assert.False(t, result.Changed(), "second Migrate() should not change anything")
	assert.EqualValues(t, 2, result.To, "init + fts")
}

func TestMigrateFromEmpty(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "fresh.db"))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	result, err := db.Migrate()
	require.NoError(t, err)
	assert.True(t, result.Changed())
	assert.Zero(t, result.From)
	assert.EqualValues(t, 2, result.To)
}

func TestFriendsRoundTrip(t *testing.T) {
	db := testDB(t)

	require.NoError(t, db.ReplaceFriends([]chat.Friend{
		{ID: "f2", Name: "Bruno", UnreadCount: 3, LastMessage: &chat.Preview{Text: "yo", CreatedAt: t0}},
		{ID: "f1", Name: "Ana", Email: "ana@example.com", Online: true},
	}))

	friends, err := db.ListFriends()
	require.NoError(t, err)
	require.Len(t, friends, 2)
	assert.Equal(t, chat.UserID("f2"), friends[0].ID, "server order is kept")
	assert.Equal(t, 3, friends[0].UnreadCount)
	require.NotNil(t, friends[0].LastMessage)
	assert.True(t, t0.Equal(friends[0].LastMessage.CreatedAt))
	assert.False(t, friends[1].Online, "presence is not cached")
	assert.Nil(t, friends[1].LastMessage)

	require.NoError(t, db.UpsertFriend(chat.Friend{ID: "f1", Name: "Ana B", UnreadCount: 1}))
	require.NoError(t, db.ReplaceFriends([]chat.Friend{{ID: "f1", Name: "Ana B"}}))

	f, err := db.GetFriend("f1")
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, "Ana B", f.Name)

	f, err = db.GetFriend("f2")
	require.NoError(t, err)
	assert.Nil(t, f, "dropped from the roster")
}

func TestUpsertMessageIdempotent(t *testing.T) {
	db := testDB(t)

	m := chat.Message{ID: "m1", Sender: "f1", Receiver: "me", Text: "hello", CreatedAt: t0}
	require.NoError(t, db.UpsertMessage("f1", m, ""))
	m.Text = "hello updated"
	require.NoError(t, db.UpsertMessage("f1", m, ""))

	msgs, err := db.ListMessages("f1", time.Time{}, 100)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello updated", msgs[0].Text)
	assert.Equal(t, chat.StateConfirmed, msgs[0].State)
}

func TestUpsertMessageRenamesProvisionalRow(t *testing.T) {
	db := testDB(t)

	pending := chat.Message{
		ID: "temp-1", ClientTempID: "temp-1", Sender: "me", Receiver: "f1", Text: "hi",
		Attachments: []chat.Attachment{{Name: "a.png", Kind: chat.MediaImage}},
		CreatedAt:   t0, State: chat.StatePending,
	}
	require.NoError(t, db.UpsertMessage("f1", pending, ""))

	confirmed := chat.Message{ID: "m100", Sender: "me", Receiver: "f1", CreatedAt: t0.Add(time.Second), State: chat.StateConfirmed}
	require.NoError(t, db.UpsertMessage("f1", confirmed, "temp-1"))

	msgs, err := db.ListMessages("f1", time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m100", msgs[0].ID)
	assert.Equal(t, "temp-1", msgs[0].ClientTempID)
	assert.Equal(t, "hi", msgs[0].Text, "body survives a confirmation without text")
	assert.Equal(t, "a.png", msgs[0].Attachments[0].Name)
	assert.Equal(t, chat.StateConfirmed, msgs[0].State)
}

func TestUpsertMessageRenameWhenConfirmedRowExists(t *testing.T) {
	db := testDB(t)

	require.NoError(t, db.UpsertMessage("f1", chat.Message{ID: "temp-1", ClientTempID: "temp-1", Sender: "me", Receiver: "f1", Text: "hi", CreatedAt: t0}, ""))
	require.NoError(t, db.UpsertMessage("f1", chat.Message{ID: "m1", Sender: "me", Receiver: "f1", Text: "hi", CreatedAt: t0}, ""))
	require.NoError(t, db.UpsertMessage("f1", chat.Message{ID: "m1", Sender: "me", Receiver: "f1", CreatedAt: t0}, "temp-1"))

	msgs, err := db.ListMessages("f1", time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
}

func TestListMessagesPaginatesOldestFirst(t *testing.T) {
	db := testDB(t)

	var page []chat.Message
	for i := range 5 {
		page = append(page, chat.Message{
			ID: string(rune('a' + i)), Sender: "f1", Receiver: "me",
			Text: "n", CreatedAt: t0.Add(time.Duration(i) * time.Minute),
		})
	}
	page = append(page, chat.Message{Sender: "f1", Receiver: "me", Text: "no id"})
	require.NoError(t, db.SaveHistory("f1", page))

	msgs, err := db.ListMessages("f1", time.Time{}, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "d", msgs[0].ID)
	assert.Equal(t, "e", msgs[1].ID)

	older, err := db.ListMessages("f1", msgs[0].CreatedAt, 10)
	require.NoError(t, err)
	assert.Len(t, older, 3)

	require.NoError(t, db.DeleteMessage("f1", "e"))
	msgs, err = db.ListMessages("f1", time.Time{}, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 4)
}

func TestSearchMessages(t *testing.T) {
	db := testDB(t)

	require.NoError(t, db.SaveHistory("f1", []chat.Message{
		{ID: "m1", Sender: "f1", Receiver: "me", Text: "hello world", CreatedAt: t0},
		{ID: "m2", Sender: "me", Receiver: "f1", Text: "goodbye world", CreatedAt: t0.Add(time.Second)},
	}))
	require.NoError(t, db.SaveHistory("f2", []chat.Message{
		{ID: "m3", Sender: "f2", Receiver: "me", Text: "hello again", CreatedAt: t0},
	}))

	results, err := db.SearchMessages("hello", "", 10)
	require.NoError(t, err)
	assert.Len(t, results, 2)

	results, err = db.SearchMessages("hello", "f1", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "m1", results[0].Message.ID)
	assert.Equal(t, chat.UserID("f1"), results[0].Partner)
	assert.Contains(t, results[0].Snippet, "<<hello>>")

	// Updated bodies are reindexed.
	require.NoError(t, db.UpsertMessage("f1", chat.Message{ID: "m1", Sender: "f1", Receiver: "me", Text: "edited", CreatedAt: t0}, ""))
	results, err = db.SearchMessages("hello", "f1", 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestOutboxLifecycle(t *testing.T) {
	db := testDB(t)

	require.NoError(t, db.QueueOutbox(OutboxEntry{ClientTempID: "temp-1", Receiver: "f1", Body: "hi", Attachments: []string{"/tmp/a.png"}}))

	pending, err := db.PendingOutbox()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "temp-1", pending[0].ClientTempID)
	assert.Equal(t, []string{"/tmp/a.png"}, pending[0].Attachments)

	require.NoError(t, db.MarkOutboxSending("temp-1"))
	require.NoError(t, db.MarkOutboxFailed("temp-1", "ack timed out"))
	require.NoError(t, db.MarkOutboxSending("temp-1"))
	require.NoError(t, db.MarkOutboxSent("temp-1", "m1"))

	e, err := db.GetOutbox("temp-1")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, OutboxSent, e.Status)
	assert.Equal(t, 2, e.Attempts)
	assert.Equal(t, "m1", e.ServerMsgID)
	assert.Empty(t, e.ErrorMessage, "a new attempt clears the previous error")

	missing, err := db.GetOutbox("nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestFailInterrupted(t *testing.T) {
	db := testDB(t)

	require.NoError(t, db.QueueOutbox(OutboxEntry{ClientTempID: "a", Receiver: "f1", Body: "1"}))
	require.NoError(t, db.QueueOutbox(OutboxEntry{ClientTempID: "b", Receiver: "f1", Body: "2"}))
	require.NoError(t, db.QueueOutbox(OutboxEntry{ClientTempID: "c", Receiver: "f1", Body: "3"}))
	require.NoError(t, db.MarkOutboxSending("b"))
	require.NoError(t, db.MarkOutboxSent("c", "m3"))

	n, err := db.FailInterrupted("daemon restarted")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	failed, err := db.ListOutbox(OutboxFailed)
	require.NoError(t, err)
	require.Len(t, failed, 2)
	assert.Equal(t, "daemon restarted", failed[0].ErrorMessage)
}

func TestSyncStateAndWipe(t *testing.T) {
	db := testDB(t)

	_, ok, err := db.GetState(StateSelfID)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, db.SetState(StateSelfID, "me"))
	require.NoError(t, db.SetState(StateSelfID, "me2"))
	v, ok, err := db.GetState(StateSelfID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "me2", v)

	require.NoError(t, db.ReplaceFriends([]chat.Friend{{ID: "f1"}}))
	require.NoError(t, db.Wipe())
	friends, err := db.ListFriends()
	require.NoError(t, err)
	assert.Empty(t, friends)
	_, ok, err = db.GetState(StateSelfID)
	require.NoError(t, err)
	assert.False(t, ok)
}
