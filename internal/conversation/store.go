// Package conversation maps chat conversations to the agent's conversation
// ids so that follow-up messages continue the same dialogue.
package conversation

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

// Scope decides which participants share one agent conversation.
type Scope string

const (
	// ScopeUser gives every user in a chat their own conversation.
	ScopeUser Scope = "user"
	// ScopeChat shares one conversation between everyone in a chat.
	ScopeChat Scope = "chat"
)

// ParseScope accepts "user" or "chat"; empty means ScopeUser.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case "", ScopeUser:
		return ScopeUser, nil
	case ScopeChat:
		return ScopeChat, nil
	}
	return "", fmt.Errorf("unknown conversation scope %q (want user or chat)", s)
}

// Key identifies a conversation slot for a chat and sender.
func Key(scope Scope, chatID, userID int64) string {
	if scope == ScopeChat {
		return "tg:" + strconv.FormatInt(chatID, 10)
	}
	return "tg:" + strconv.FormatInt(chatID, 10) + ":" + strconv.FormatInt(userID, 10)
}

// Store remembers the agent conversation id issued for each key.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, conversationID string) error
	Delete(ctx context.Context, key string) error
}

// MemoryStore is an in-process Store. Ids are lost on restart.
type MemoryStore struct {
	mu    sync.RWMutex
	convs map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{convs: make(map[string]string)}
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.convs[key]
	return id, ok, nil
}

// Set records the id. An empty id is ignored so a known id is never lost to
// an exchange that did not report one.
func (m *MemoryStore) Set(_ context.Context, key, conversationID string) error {
	if conversationID == "" {
		return nil
	}
	m.mu.Lock()
	m.convs[key] = conversationID
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.convs, key)
	m.mu.Unlock()
	return nil
}

// Len returns the number of remembered conversations.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.convs)
}
