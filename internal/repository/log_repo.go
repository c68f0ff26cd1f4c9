package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/wenwu/saas-platform/vps-service/internal/models"
)

type LogRepository struct {
	pool *pgxpool.Pool
}

func NewLogRepository(pool *pgxpool.Pool) *LogRepository {
	return &LogRepository{pool: pool}
}

// Create creates a new instance log entry
func (r *LogRepository) Create(ctx context.Context, entry *models.InstanceLog) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	query := `
		INSERT INTO instance_logs (id, instance_id, action, status, message, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.pool.Exec(ctx, query,
		entry.ID, entry.InstanceID, entry.Action, entry.Status, entry.Message, entry.Metadata,
	)
	if err != nil {
		return fmt.Errorf("insert instance log: %w", err)
	}

	return nil
}

// GetByInstanceID retrieves the newest log entries for an instance
func (r *LogRepository) GetByInstanceID(ctx context.Context, instanceID string, limit int) ([]*models.InstanceLog, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, instance_id, action, status, message, metadata, created_at
		FROM instance_logs
		WHERE instance_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, instanceID, limit)
	if err != nil {
		return nil, fmt.Errorf("query instance logs: %w", err)
	}
	defer rows.Close()

	var entries []*models.InstanceLog
	for rows.Next() {
		entry := &models.InstanceLog{}
		err := rows.Scan(
			&entry.ID, &entry.InstanceID, &entry.Action, &entry.Status,
			&entry.Message, &entry.Metadata, &entry.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan instance log: %w", err)
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// LogAction records an audit entry. A failed write is logged and dropped so
// it never fails the operation being audited.
func (r *LogRepository) LogAction(ctx context.Context, instanceID, action, status, message string) {
	entry := &models.InstanceLog{
		InstanceID: instanceID,
		Action:     action,
		Status:     status,
		Message:    message,
	}
	if err := r.Create(ctx, entry); err != nil {
		log.Warn().Err(err).Str("instance_id", instanceID).Str("action", action).Msg("Failed to write audit log")
	}
}
