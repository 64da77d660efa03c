package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sandrasocial/agent-bridge/internal/persistence"
	"github.com/sandrasocial/agent-bridge/internal/task"
)

// Store keeps an append-only, bounded history of context snapshots per
// conversation. Concurrent updates to the same conversation are serialized
// so every message appends on top of the snapshot it actually observed.
type Store struct {
	db         *persistence.Store
	logger     *slog.Logger
	historyCap int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore wires the snapshot store. historyCap bounds retained snapshots
// per conversation; zero or negative falls back to a sane default.
func NewStore(db *persistence.Store, logger *slog.Logger, historyCap int) *Store {
	if historyCap <= 0 {
		historyCap = 20
	}
	return &Store{
		db:         db,
		logger:     logger,
		historyCap: historyCap,
		locks:      map[string]*sync.Mutex{},
	}
}

// conversationLock returns the mutex owning a conversation's append path.
func (s *Store) conversationLock(conversationID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[conversationID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[conversationID] = lock
	}
	return lock
}

// Initialize creates an empty snapshot for the conversation. A conversation
// that already has history is left untouched.
func (s *Store) Initialize(ctx context.Context, conversationID, agentID string) error {
	lock := s.conversationLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	existing, err := s.db.ListSnapshots(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("check conversation %s: %w", conversationID, err)
	}
	if len(existing) > 0 {
		return nil
	}

	now := time.Now().UTC()
	snap := persistence.ContextSnapshot{
		ConversationID: conversationID,
		AgentID:        agentID,
		Summary:        "",
		KeyPoints:      []string{},
		Entities:       []string{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.db.AppendSnapshot(ctx, snap, s.historyCap); err != nil {
		return fmt.Errorf("initialize conversation %s: %w", conversationID, err)
	}
	s.logger.Debug("conversation initialized", "conversation_id", conversationID, "agent", agentID)
	return nil
}

// Update derives a new snapshot from the latest one plus the message and
// appends it. Eviction beyond the cap happens in the same transaction.
func (s *Store) Update(ctx context.Context, conversationID, agentID, message string) error {
	lock := s.conversationLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	history, err := s.db.ListSnapshots(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("load conversation %s: %w", conversationID, err)
	}

	var prev persistence.ContextSnapshot
	if len(history) > 0 {
		prev = history[len(history)-1]
	} else {
		prev.ConversationID = conversationID
		prev.AgentID = agentID
	}

	now := time.Now().UTC()
	next := persistence.ContextSnapshot{
		ConversationID: conversationID,
		AgentID:        agentID,
		Summary:        RollSummary(prev.Summary, message),
		KeyPoints:      mergeKeyPoints(prev.KeyPoints, KeyPoint(message)),
		Entities:       mergeEntities(prev.Entities, ExtractEntities(message)),
		Metadata:       prev.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.db.AppendSnapshot(ctx, next, s.historyCap); err != nil {
		return fmt.Errorf("update conversation %s: %w", conversationID, err)
	}
	return nil
}

// Get returns the current snapshot for a conversation.
func (s *Store) Get(ctx context.Context, conversationID string) (persistence.ContextSnapshot, error) {
	history, err := s.db.ListSnapshots(ctx, conversationID)
	if err != nil {
		return persistence.ContextSnapshot{}, fmt.Errorf("load conversation %s: %w", conversationID, err)
	}
	if len(history) == 0 {
		return persistence.ContextSnapshot{}, fmt.Errorf("conversation %s: %w", conversationID, task.ErrNotFound)
	}
	return history[len(history)-1], nil
}

// GetHistory returns the retained snapshots oldest first, bounded by the cap.
func (s *Store) GetHistory(ctx context.Context, conversationID string) ([]persistence.ContextSnapshot, error) {
	history, err := s.db.ListSnapshots(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", conversationID, err)
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, task.ErrNotFound)
	}
	return history, nil
}
