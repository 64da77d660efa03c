package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ContextSnapshot is one point-in-time summary of a conversation's state.
// Snapshots form an append-only history per conversation, bounded by a cap.
type ContextSnapshot struct {
	ConversationID string            `json:"conversation_id"`
	AgentID        string            `json:"agent_id"`
	Summary        string            `json:"summary"`
	KeyPoints      []string          `json:"key_points"`
	Entities       []string          `json:"entities"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// AppendSnapshot appends a snapshot to the conversation's history and evicts
// the oldest rows beyond cap in the same transaction.
func (s *Store) AppendSnapshot(ctx context.Context, snap ContextSnapshot, cap int) error {
	keyPoints, err := json.Marshal(emptyIfNil(snap.KeyPoints))
	if err != nil {
		return fmt.Errorf("marshal key points: %w", err)
	}
	entities, err := json.Marshal(emptyIfNil(snap.Entities))
	if err != nil {
		return fmt.Errorf("marshal entities: %w", err)
	}
	metadata := snap.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin snapshot tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO context_snapshots (conversation_id, agent_id, summary, key_points, entities, metadata)
			VALUES (?, ?, ?, ?, ?, ?);
		`, snap.ConversationID, snap.AgentID, snap.Summary, string(keyPoints), string(entities), string(meta)); err != nil {
			return fmt.Errorf("insert snapshot: %w", err)
		}
		if cap > 0 {
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM context_snapshots
				WHERE conversation_id = ?
				AND id NOT IN (
					SELECT id FROM context_snapshots
					WHERE conversation_id = ?
					ORDER BY id DESC
					LIMIT ?
				);
			`, snap.ConversationID, snap.ConversationID, cap); err != nil {
				return fmt.Errorf("evict snapshots: %w", err)
			}
		}
		return tx.Commit()
	})
}

// ListSnapshots returns the retained history for a conversation, oldest first.
func (s *Store) ListSnapshots(ctx context.Context, conversationID string) ([]ContextSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, agent_id, summary, key_points, entities, metadata, created_at, updated_at
		FROM context_snapshots
		WHERE conversation_id = ?
		ORDER BY id ASC;
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []ContextSnapshot
	for rows.Next() {
		var snap ContextSnapshot
		var keyPoints, entities, metadata string
		if err := rows.Scan(&snap.ConversationID, &snap.AgentID, &snap.Summary,
			&keyPoints, &entities, &metadata, &snap.CreatedAt, &snap.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		if err := json.Unmarshal([]byte(keyPoints), &snap.KeyPoints); err != nil {
			return nil, fmt.Errorf("unmarshal key points: %w", err)
		}
		if err := json.Unmarshal([]byte(entities), &snap.Entities); err != nil {
			return nil, fmt.Errorf("unmarshal entities: %w", err)
		}
		if err := json.Unmarshal([]byte(metadata), &snap.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("snapshot rows: %w", err)
	}
	return out, nil
}
