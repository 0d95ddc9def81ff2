package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore implements the repository interfaces on the shared
// relational database owned by the REST backend. Schema and migrations
// live with that collaborator; this side only reads and updates.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens the connection pool and verifies connectivity.
func NewPostgresStore(url string, maxOpen, maxIdle int) (*PostgresStore, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open Postgres connection: %w", err)
	}

	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping Postgres: %w", err)
	}

	log.Printf("✅ Postgres store connected")
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreWithDB wraps an existing handle (tests).
func NewPostgresStoreWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// LoadActiveAlerts returns every active alert ordered by id.
func (ps *PostgresStore) LoadActiveAlerts(ctx context.Context) ([]Alert, error) {
	rows, err := ps.db.QueryContext(ctx, `
		SELECT id, user_id, stock_code, alert_type, condition_value,
		       is_active, is_recurring, triggered_at, triggered_value, created_at
		FROM alerts
		WHERE is_active = true
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to load active alerts: %w", err)
	}
	defer rows.Close()

	var alerts []Alert
	for rows.Next() {
		var a Alert
		var triggeredAt sql.NullTime
		var triggeredValue sql.NullFloat64
		if err := rows.Scan(&a.ID, &a.UserID, &a.StockCode, &a.Type, &a.ConditionValue,
			&a.IsActive, &a.IsRecurring, &triggeredAt, &triggeredValue, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan alert row: %w", err)
		}
		if triggeredAt.Valid {
			a.TriggeredAt = &triggeredAt.Time
		}
		if triggeredValue.Valid {
			a.TriggeredValue = &triggeredValue.Float64
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// SaveAlertTrigger records the trigger and optionally deactivates the alert
// in a single statement so the active flag and trigger timestamp can never
// be observed apart.
func (ps *PostgresStore) SaveAlertTrigger(ctx context.Context, alertID int64, value float64, at time.Time, deactivate bool) error {
	res, err := ps.db.ExecContext(ctx, `
		UPDATE alerts
		SET triggered_at = $2,
		    triggered_value = $3,
		    is_active = CASE WHEN $4 THEN false ELSE is_active END
		WHERE id = $1`,
		alertID, at, value, deactivate)
	if err != nil {
		return fmt.Errorf("failed to save alert trigger: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateNotification inserts the notification row and returns its id.
func (ps *PostgresStore) CreateNotification(ctx context.Context, n *Notification) (int64, error) {
	var alertID sql.NullInt64
	if n.AlertID != nil {
		alertID = sql.NullInt64{Int64: *n.AlertID, Valid: true}
	}

	var id int64
	err := ps.db.QueryRowContext(ctx, `
		INSERT INTO notifications (user_id, alert_id, type, title, message, priority, is_read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, false, NOW())
		RETURNING id`,
		n.UserID, alertID, n.Type, n.Title, n.Message, n.Priority).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create notification: %w", err)
	}
	n.ID = id
	return id, nil
}

// MarkRead flips is_read and stamps read_at together.
func (ps *PostgresStore) MarkRead(ctx context.Context, notificationID int64, userID string) error {
	res, err := ps.db.ExecContext(ctx, `
		UPDATE notifications
		SET is_read = true, read_at = NOW()
		WHERE id = $1 AND user_id = $2 AND is_read = false`,
		notificationID, userID)
	if err != nil {
		return fmt.Errorf("failed to mark notification read: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetPreferences returns the user's delivery preferences; a missing row
// yields the defaults.
func (ps *PostgresStore) GetPreferences(ctx context.Context, userID string) (*Preferences, error) {
	var p Preferences
	var quietStart, quietEnd, timezone sql.NullString
	err := ps.db.QueryRowContext(ctx, `
		SELECT user_id, in_app_enabled, email_enabled, push_enabled,
		       quiet_hours_start, quiet_hours_end, timezone
		FROM notification_preferences
		WHERE user_id = $1`,
		userID).Scan(&p.UserID, &p.InAppEnabled, &p.EmailEnabled, &p.PushEnabled,
		&quietStart, &quietEnd, &timezone)
	if err == sql.ErrNoRows {
		return DefaultPreferences(userID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load preferences: %w", err)
	}
	p.QuietHoursStart = quietStart.String
	p.QuietHoursEnd = quietEnd.String
	p.Timezone = timezone.String
	return &p, nil
}

// Close closes the pool.
func (ps *PostgresStore) Close() error {
	return ps.db.Close()
}
