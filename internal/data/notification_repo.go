package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/buildingvitals/timeseries-api/internal/domain/model"
	"github.com/google/uuid"
)

// NotificationRepo stores user-facing failure notifications.
type NotificationRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewNotificationRepo creates a new NotificationRepo.
func NewNotificationRepo(db *sql.DB, cfg RepoConfig) *NotificationRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	return &NotificationRepo{DB: db, timeProvider: tp}
}

// Create stores one notification.
func (r *NotificationRepo) Create(ctx context.Context, n *model.UserNotification) error {
	if n == nil {
		return errors.New("notification is required")
	}
	if n.UserID == "" {
		return errors.New("user id is required")
	}

	id := n.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO user_notifications(id, user_id, job_id, title, message, read, created_at)
		VALUES ($1,$2,$3,$4,$5,false,$6)
	`, id, n.UserID, n.JobID, n.Title, n.Message, r.timeProvider.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// ListForUser returns the newest notifications for a user, most recent first.
func (r *NotificationRepo) ListForUser(ctx context.Context, userID string, limit int) ([]*model.UserNotification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, user_id, job_id, title, message, read, created_at
		FROM user_notifications
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*model.UserNotification
	for rows.Next() {
		n := &model.UserNotification{}
		if scanErr := rows.Scan(
			&n.ID, &n.UserID, &n.JobID, &n.Title, &n.Message, &n.Read, &n.CreatedAt,
		); scanErr != nil {
			return nil, fmt.Errorf("scan notification: %w", scanErr)
		}
		notifications = append(notifications, n)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}
	return notifications, nil
}
