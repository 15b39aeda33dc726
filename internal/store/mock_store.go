// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	messages map[string][]*Message // keyed by conversation key
	memories map[string]*Memory    // keyed by memory ID
	jobs     map[string]*Job       // keyed by job ID
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		messages: make(map[string][]*Message),
		memories: make(map[string]*Memory),
		jobs:     make(map[string]*Job),
	}
}

// AppendMessage stores a message in conversation order.
func (m *MockStore) AppendMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Make a copy to avoid external modification
	cp := *msg
	m.messages[msg.ConversationKey] = append(m.messages[msg.ConversationKey], &cp)
	return nil
}

// RecentMessages returns the last limit messages for a conversation.
func (m *MockStore) RecentMessages(ctx context.Context, conversationKey string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[conversationKey]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]*Message, len(msgs))
	for i, msg := range msgs {
		cp := *msg
		out[i] = &cp
	}
	return out, nil
}

// ClearMessages removes a conversation's history.
func (m *MockStore) ClearMessages(ctx context.Context, conversationKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.messages, conversationKey)
	return nil
}

// ListConversations returns conversation keys sorted by most recent message.
func (m *MockStore) ListConversations(ctx context.Context, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	type entry struct {
		key  string
		last time.Time
	}
	var entries []entry
	for key, msgs := range m.messages {
		if len(msgs) == 0 {
			continue
		}
		entries = append(entries, entry{key, msgs[len(msgs)-1].CreatedAt})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].last.After(entries[j].last) })

	var keys []string
	for _, e := range entries {
		if limit > 0 && len(keys) >= limit {
			break
		}
		keys = append(keys, e.key)
	}
	return keys, nil
}

// SaveMemory stores a memory item.
func (m *MockStore) SaveMemory(ctx context.Context, mem *Memory) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.memories[mem.ID]; exists {
		return ErrDuplicateID
	}
	cp := *mem
	m.memories[mem.ID] = &cp
	return nil
}

// SearchMemories performs the same keyword matching as the SQLite store.
func (m *MockStore) SearchMemories(ctx context.Context, conversationKey, query string, limit int) ([]*Memory, error) {
	terms := strings.Fields(strings.ToLower(query))

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Memory
	for _, mem := range m.memories {
		if mem.ConversationKey != "" && mem.ConversationKey != conversationKey {
			continue
		}
		content := strings.ToLower(mem.Content)
		matched := true
		for _, term := range terms {
			if !strings.Contains(content, term) {
				matched = false
				break
			}
		}
		if matched {
			cp := *mem
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListMemories returns memories visible to a conversation, newest first.
func (m *MockStore) ListMemories(ctx context.Context, conversationKey string, limit int) ([]*Memory, error) {
	return m.SearchMemories(ctx, conversationKey, "", limit)
}

// DeleteMemory removes a memory by ID.
func (m *MockStore) DeleteMemory(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.memories[id]; !ok {
		return ErrNotFound
	}
	delete(m.memories, id)
	return nil
}

// CreateJob stores a scheduled job.
func (m *MockStore) CreateJob(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[job.ID]; exists {
		return ErrDuplicateID
	}
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

// GetJob retrieves a job by ID.
func (m *MockStore) GetJob(ctx context.Context, id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *job
	return &cp, nil
}

// ListJobs returns all jobs ordered by fire time.
func (m *MockStore) ListJobs(ctx context.Context) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var jobs []*Job
	for _, job := range m.jobs {
		cp := *job
		jobs = append(jobs, &cp)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].FireAt.Before(jobs[j].FireAt) })
	return jobs, nil
}

// DueJobs returns jobs due at or before now.
func (m *MockStore) DueJobs(ctx context.Context, now time.Time) ([]*Job, error) {
	all, err := m.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	var due []*Job
	for _, job := range all {
		if !job.FireAt.After(now) {
			due = append(due, job)
		}
	}
	return due, nil
}

// RescheduleJob moves a job's fire time.
func (m *MockStore) RescheduleJob(ctx context.Context, id string, fireAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	job.FireAt = fireAt
	return nil
}

// DeleteJob removes a job by ID.
func (m *MockStore) DeleteJob(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[id]; !ok {
		return ErrNotFound
	}
	delete(m.jobs, id)
	return nil
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}
