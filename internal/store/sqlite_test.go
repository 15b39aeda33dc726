// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers message history, memory search, and scheduled job persistence

package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	return store
}

func testMessage(conversationKey, role, content string, at time.Time) *Message {
	return &Message{
		ID:              fmt.Sprintf("msg-%s-%d", content, at.UnixNano()),
		ConversationKey: conversationKey,
		Role:            role,
		Sender:          "user-1",
		Content:         content,
		CreatedAt:       at,
	}
}

func TestNewSQLiteStore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	// Verify the database file was created
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestAppendAndRecentMessages(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	base := time.Now().UTC()

	for i := 0; i < 5; i++ {
		msg := testMessage("http:dm:u1", RoleUser, fmt.Sprintf("m%d", i), base.Add(time.Duration(i)*time.Second))
		if err := store.AppendMessage(ctx, msg); err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
	}

	msgs, err := store.RecentMessages(ctx, "http:dm:u1", 3)
	if err != nil {
		t.Fatalf("RecentMessages failed: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("RecentMessages returned %d messages, want 3", len(msgs))
	}

	// Oldest first, and only the most recent 3
	want := []string{"m2", "m3", "m4"}
	for i, msg := range msgs {
		if msg.Content != want[i] {
			t.Errorf("message %d content = %q, want %q", i, msg.Content, want[i])
		}
	}
}

func TestRecentMessages_IsolatedByConversation(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC()

	if err := store.AppendMessage(ctx, testMessage("conv-a", RoleUser, "in a", now)); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}
	if err := store.AppendMessage(ctx, testMessage("conv-b", RoleUser, "in b", now)); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}

	msgs, err := store.RecentMessages(ctx, "conv-a", 10)
	if err != nil {
		t.Fatalf("RecentMessages failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "in a" {
		t.Errorf("RecentMessages(conv-a) = %+v, want single 'in a'", msgs)
	}
}

func TestAppendMessage_ToolFields(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	msg := &Message{
		ID:              "msg-tool-1",
		ConversationKey: "conv-a",
		Role:            RoleTool,
		Sender:          "hearth",
		Content:         `{"ok":true}`,
		ToolName:        "remember",
		ToolCallID:      "call-9",
		CreatedAt:       time.Now().UTC(),
	}
	if err := store.AppendMessage(ctx, msg); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}

	msgs, err := store.RecentMessages(ctx, "conv-a", 1)
	if err != nil {
		t.Fatalf("RecentMessages failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].ToolName != "remember" || msgs[0].ToolCallID != "call-9" {
		t.Errorf("tool fields = %q/%q, want remember/call-9", msgs[0].ToolName, msgs[0].ToolCallID)
	}
}

func TestAppendMessage_DuplicateID(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	msg := testMessage("conv-a", RoleUser, "hello", time.Now().UTC())

	if err := store.AppendMessage(ctx, msg); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}
	if err := store.AppendMessage(ctx, msg); !errors.Is(err, ErrDuplicateID) {
		t.Errorf("AppendMessage duplicate = %v, want ErrDuplicateID", err)
	}
}

func TestRecentMessages_CacheStaysConsistentAcrossAppends(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	base := time.Now().UTC()

	if err := store.AppendMessage(ctx, testMessage("conv-a", RoleUser, "m0", base)); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}

	// Populate the cache, then append more and re-read.
	if _, err := store.RecentMessages(ctx, "conv-a", 10); err != nil {
		t.Fatalf("RecentMessages failed: %v", err)
	}
	if err := store.AppendMessage(ctx, testMessage("conv-a", RoleAssistant, "m1", base.Add(time.Second))); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}

	msgs, err := store.RecentMessages(ctx, "conv-a", 10)
	if err != nil {
		t.Fatalf("RecentMessages failed: %v", err)
	}
	if len(msgs) != 2 || msgs[1].Content != "m1" {
		t.Errorf("RecentMessages after append = %d messages, want 2 ending with m1", len(msgs))
	}
}

func TestClearMessages(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	base := time.Now().UTC()

	for i := 0; i < 3; i++ {
		msg := testMessage("http:dm:u1", RoleUser, fmt.Sprintf("m%d", i), base.Add(time.Duration(i)*time.Second))
		if err := store.AppendMessage(ctx, msg); err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
	}
	if err := store.AppendMessage(ctx, testMessage("http:dm:u2", RoleUser, "keep", base)); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}

	// Prime the cache so the clear has to invalidate it too.
	if _, err := store.RecentMessages(ctx, "http:dm:u1", 10); err != nil {
		t.Fatalf("RecentMessages failed: %v", err)
	}

	if err := store.ClearMessages(ctx, "http:dm:u1"); err != nil {
		t.Fatalf("ClearMessages failed: %v", err)
	}

	msgs, err := store.RecentMessages(ctx, "http:dm:u1", 10)
	if err != nil {
		t.Fatalf("RecentMessages failed: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("RecentMessages returned %d messages after clear, want 0", len(msgs))
	}

	other, err := store.RecentMessages(ctx, "http:dm:u2", 10)
	if err != nil {
		t.Fatalf("RecentMessages failed: %v", err)
	}
	if len(other) != 1 {
		t.Fatalf("other conversation has %d messages, want 1", len(other))
	}
}

func TestListConversations(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	base := time.Now().UTC()

	if err := store.AppendMessage(ctx, testMessage("old-conv", RoleUser, "old", base)); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}
	if err := store.AppendMessage(ctx, testMessage("new-conv", RoleUser, "new", base.Add(time.Minute))); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}

	keys, err := store.ListConversations(ctx, 10)
	if err != nil {
		t.Fatalf("ListConversations failed: %v", err)
	}
	if len(keys) != 2 || keys[0] != "new-conv" || keys[1] != "old-conv" {
		t.Errorf("ListConversations = %v, want [new-conv old-conv]", keys)
	}
}

func TestSaveAndSearchMemories(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC()

	memories := []*Memory{
		{ID: "mem-1", ConversationKey: "", Content: "The owner prefers short answers", CreatedAt: now},
		{ID: "mem-2", ConversationKey: "conv-a", Content: "Dentist appointment on Friday", CreatedAt: now.Add(time.Second)},
		{ID: "mem-3", ConversationKey: "conv-b", Content: "Friday standup moved to 10am", CreatedAt: now.Add(2 * time.Second)},
	}
	for _, mem := range memories {
		if err := store.SaveMemory(ctx, mem); err != nil {
			t.Fatalf("SaveMemory(%s) failed: %v", mem.ID, err)
		}
	}

	// conv-a sees its own memory plus globals, never conv-b's.
	results, err := store.SearchMemories(ctx, "conv-a", "friday", 10)
	if err != nil {
		t.Fatalf("SearchMemories failed: %v", err)
	}
	if len(results) != 1 || results[0].ID != "mem-2" {
		t.Errorf("SearchMemories(friday) = %+v, want [mem-2]", results)
	}

	// Multi-term queries require all terms.
	results, err = store.SearchMemories(ctx, "conv-a", "friday dentist", 10)
	if err != nil {
		t.Fatalf("SearchMemories failed: %v", err)
	}
	if len(results) != 1 || results[0].ID != "mem-2" {
		t.Errorf("SearchMemories(friday dentist) = %+v, want [mem-2]", results)
	}

	// Global memories match regardless of conversation.
	results, err = store.SearchMemories(ctx, "conv-b", "owner", 10)
	if err != nil {
		t.Fatalf("SearchMemories failed: %v", err)
	}
	if len(results) != 1 || results[0].ID != "mem-1" {
		t.Errorf("SearchMemories(owner) = %+v, want [mem-1]", results)
	}
}

func TestListMemories_NewestFirst(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		mem := &Memory{
			ID:        fmt.Sprintf("mem-%d", i),
			Content:   fmt.Sprintf("fact %d", i),
			CreatedAt: now.Add(time.Duration(i) * time.Second),
		}
		if err := store.SaveMemory(ctx, mem); err != nil {
			t.Fatalf("SaveMemory failed: %v", err)
		}
	}

	mems, err := store.ListMemories(ctx, "any-conv", 2)
	if err != nil {
		t.Fatalf("ListMemories failed: %v", err)
	}
	if len(mems) != 2 || mems[0].ID != "mem-2" || mems[1].ID != "mem-1" {
		t.Errorf("ListMemories = %+v, want [mem-2 mem-1]", mems)
	}
}

func TestDeleteMemory(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	mem := &Memory{ID: "mem-1", Content: "to delete", CreatedAt: time.Now().UTC()}
	if err := store.SaveMemory(ctx, mem); err != nil {
		t.Fatalf("SaveMemory failed: %v", err)
	}

	if err := store.DeleteMemory(ctx, "mem-1"); err != nil {
		t.Fatalf("DeleteMemory failed: %v", err)
	}
	if err := store.DeleteMemory(ctx, "mem-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeleteMemory missing = %v, want ErrNotFound", err)
	}
}

func TestJobLifecycle(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	job := &Job{
		ID:              "job-1",
		Kind:            JobKindReminder,
		ConversationKey: "http:dm:u1",
		ConnectorID:     "http",
		ParticipantID:   "u1",
		Payload:         "water the plants",
		FireAt:          now.Add(time.Hour),
		CreatedAt:       now,
	}
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	got, err := store.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.Payload != "water the plants" || !got.FireAt.Equal(job.FireAt) {
		t.Errorf("GetJob = %+v, want %+v", got, job)
	}

	if err := store.RescheduleJob(ctx, "job-1", now.Add(2*time.Hour)); err != nil {
		t.Fatalf("RescheduleJob failed: %v", err)
	}
	got, err = store.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if !got.FireAt.Equal(now.Add(2 * time.Hour)) {
		t.Errorf("FireAt after reschedule = %v, want %v", got.FireAt, now.Add(2*time.Hour))
	}

	if err := store.DeleteJob(ctx, "job-1"); err != nil {
		t.Fatalf("DeleteJob failed: %v", err)
	}
	if _, err := store.GetJob(ctx, "job-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetJob after delete = %v, want ErrNotFound", err)
	}
}

func TestDueJobs(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC()

	jobs := []*Job{
		{ID: "past", Kind: JobKindReminder, ConversationKey: "c", ConnectorID: "http", Payload: "p", FireAt: now.Add(-time.Minute), CreatedAt: now},
		{ID: "due-now", Kind: JobKindWake, ConversationKey: "c", ConnectorID: "http", Payload: "w", FireAt: now, CreatedAt: now},
		{ID: "future", Kind: JobKindReminder, ConversationKey: "c", ConnectorID: "http", Payload: "f", FireAt: now.Add(time.Hour), CreatedAt: now},
	}
	for _, job := range jobs {
		if err := store.CreateJob(ctx, job); err != nil {
			t.Fatalf("CreateJob(%s) failed: %v", job.ID, err)
		}
	}

	due, err := store.DueJobs(ctx, now)
	if err != nil {
		t.Fatalf("DueJobs failed: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("DueJobs returned %d jobs, want 2", len(due))
	}
	if due[0].ID != "past" || due[1].ID != "due-now" {
		t.Errorf("DueJobs order = [%s %s], want [past due-now]", due[0].ID, due[1].ID)
	}
}

func TestRecurringJobRoundTrip(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC()

	job := &Job{
		ID:              "wake-1",
		Kind:            JobKindWake,
		ConversationKey: "http:dm:owner",
		ConnectorID:     "http",
		Payload:         "check in",
		FireAt:          now.Add(30 * time.Minute),
		Every:           30 * time.Minute,
		CreatedAt:       now,
	}
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	got, err := store.GetJob(ctx, "wake-1")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.Every != 30*time.Minute {
		t.Errorf("Every = %v, want 30m", got.Every)
	}
}
