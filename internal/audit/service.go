package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Service persists audit events to Postgres and serves the operator
// query API. It implements Sink.
type Service struct {
	db *sql.DB
}

// NewService creates an audit service over db.
func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// Append writes one event to audit_logs.
func (s *Service) Append(ctx context.Context, event Event) error {
	var detailsJSON []byte
	var err error
	if event.Details != nil {
		detailsJSON, err = json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("marshal details: %w", err)
		}
	}

	query := `
		INSERT INTO audit_logs (
			id, timestamp, action, resource_type, resource_id,
			severity, status, details
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err = s.db.ExecContext(ctx, query,
		event.ID,
		event.Timestamp,
		event.Action,
		event.ResourceType,
		nullString(event.ResourceID),
		event.Severity,
		event.Status,
		nullBytes(detailsJSON),
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// Events retrieves audit events matching q, newest first.
func (s *Service) Events(ctx context.Context, q *Query) ([]*Event, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 1000 {
		q.Limit = 1000
	}

	sqlQuery := `
		SELECT id, timestamp, action, resource_type, resource_id,
		       severity, status, details
		FROM audit_logs
		WHERE 1=1
	`
	args := []interface{}{}
	argIdx := 1

	if q.Action != "" {
		sqlQuery += fmt.Sprintf(" AND action = $%d", argIdx)
		args = append(args, q.Action)
		argIdx++
	}
	if q.ResourceType != "" {
		sqlQuery += fmt.Sprintf(" AND resource_type = $%d", argIdx)
		args = append(args, q.ResourceType)
		argIdx++
	}
	if q.ResourceID != "" {
		sqlQuery += fmt.Sprintf(" AND resource_id = $%d", argIdx)
		args = append(args, q.ResourceID)
		argIdx++
	}
	if q.Severity != "" {
		sqlQuery += fmt.Sprintf(" AND severity = $%d", argIdx)
		args = append(args, q.Severity)
		argIdx++
	}
	if q.Since != nil {
		sqlQuery += fmt.Sprintf(" AND timestamp >= $%d", argIdx)
		args = append(args, *q.Since)
		argIdx++
	}
	if q.Until != nil {
		sqlQuery += fmt.Sprintf(" AND timestamp <= $%d", argIdx)
		args = append(args, *q.Until)
		argIdx++
	}

	sqlQuery += " ORDER BY timestamp DESC"
	sqlQuery += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, q.Limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*Event
	for rows.Next() {
		event := &Event{}
		var resourceID sql.NullString
		var detailsJSON []byte

		err := rows.Scan(
			&event.ID,
			&event.Timestamp,
			&event.Action,
			&event.ResourceType,
			&resourceID,
			&event.Severity,
			&event.Status,
			&detailsJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}

		event.ResourceID = resourceID.String
		if detailsJSON != nil {
			if err := json.Unmarshal(detailsJSON, &event.Details); err != nil {
				event.Details = nil
			}
		}

		events = append(events, event)
	}

	return events, rows.Err()
}

// Helper functions for NULL handling
func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullBytes(b []byte) interface{} {
	if b == nil {
		return nil
	}
	return b
}
