package store

import (
	"context"
	"fmt"

	"agent-dispatch/internal/models"
)

// InsertNotification persists a user-visible notification record.
func (s *Store) InsertNotification(ctx context.Context, n models.Notification) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO notifications (team, notification_type, document_type, document_name,
			title, message, traceback, is_actionable, assistance_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`, n.Team, n.Type, n.DocumentType, n.DocumentName,
		n.Title, n.Message, n.Traceback, n.IsActionable, n.AssistanceURL).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert notification: %w", err)
	}
	return id, nil
}
