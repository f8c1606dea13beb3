package repository

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/apishield/admission-control/models"
)

// BreachEventRepository is the durable tail of the breach history:
// the Kafka consumer drains the topic into Postgres here, backing
// audit queries beyond the store's bounded retention.
type BreachEventRepository struct {
	db *sql.DB
}

func NewBreachEventRepository(db *sql.DB) *BreachEventRepository {
	return &BreachEventRepository{db: db}
}

func (r *BreachEventRepository) Insert(ctx context.Context, event *models.BreachEvent) error {
	var details []byte
	if event.Details != nil {
		var err error
		details, err = json.Marshal(event.Details)
		if err != nil {
			return err
		}
	}
	query := `INSERT INTO breach_events (id, ip, endpoint, breach_type, severity, occurred_at, details, resolved)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			  ON CONFLICT (id) DO NOTHING`
	_, err := r.db.ExecContext(ctx, query, event.ID, event.IP, event.Endpoint,
		event.BreachType, event.Severity, event.Timestamp, details, event.Resolved)
	return err
}

func (r *BreachEventRepository) ListRecent(ctx context.Context, limit, offset int) ([]*models.BreachEvent, error) {
	query := `SELECT id, ip, endpoint, breach_type, severity, occurred_at, details, resolved
			  FROM breach_events ORDER BY occurred_at DESC LIMIT $1 OFFSET $2`
	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*models.BreachEvent
	for rows.Next() {
		event := &models.BreachEvent{}
		var endpoint sql.NullString
		var details []byte
		if err := rows.Scan(&event.ID, &event.IP, &endpoint, &event.BreachType,
			&event.Severity, &event.Timestamp, &details, &event.Resolved); err != nil {
			return nil, err
		}
		event.Endpoint = endpoint.String
		if len(details) > 0 {
			if err := json.Unmarshal(details, &event.Details); err != nil {
				return nil, err
			}
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (r *BreachEventRepository) CountByIPSince(ctx context.Context, ip string, minutes int) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM breach_events WHERE ip = $1 AND occurred_at > NOW() - INTERVAL '1 minute' * $2`
	err := r.db.QueryRowContext(ctx, query, ip, minutes).Scan(&count)
	return count, err
}

func (r *BreachEventRepository) MarkResolved(ctx context.Context, id string) error {
	query := `UPDATE breach_events SET resolved = true WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id)
	return err
}

// HandleBreachEvent lets the repository sit directly behind the Kafka
// consumer as its event handler.
func (r *BreachEventRepository) HandleBreachEvent(ctx context.Context, event *models.BreachEvent) error {
	return r.Insert(ctx, event)
}
