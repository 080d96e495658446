package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/nexuscore/autopilot/internal/errs"
	"github.com/nexuscore/autopilot/internal/models"
)

// RoutingMappingRow is the durable row backing a routing key.
type RoutingMappingRow struct {
	RoutingKey      string
	SessionID       string
	Title           string
	DeliveryContext models.DeliveryContext
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// GetRoutingMapping looks up the mapping for a routing key, or (nil, nil)
// if absent.
func (s *Store) GetRoutingMapping(ctx context.Context, routingKey string) (*RoutingMappingRow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT routing_key, session_id, title, delivery_json, created_at, updated_at FROM routing_mappings WHERE routing_key = ?`,
		routingKey,
	)
	return scanRoutingMapping(row)
}

// CreateRoutingMapping inserts a new mapping for routingKey pointing at
// sessionID.
func (s *Store) CreateRoutingMapping(ctx context.Context, routingKey, sessionID, title string, delivery models.DeliveryContext) error {
	deliveryJSON, err := json.Marshal(delivery)
	if err != nil {
		return &errs.StoreError{Op: "store.create_mapping_marshal", Err: err}
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO routing_mappings (routing_key, session_id, title, delivery_json, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		routingKey, sessionID, title, string(deliveryJSON), now, now,
	); err != nil {
		return &errs.StoreError{Op: "store.create_mapping", Err: err}
	}
	return nil
}

// RenameRoutingMapping updates a mapping's display title, honoring the
// Gateway HTTP surface's POST /send "title?" override (Section 6).
func (s *Store) RenameRoutingMapping(ctx context.Context, routingKey, title string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := s.db.ExecContext(ctx,
		`UPDATE routing_mappings SET title = ?, updated_at = ? WHERE routing_key = ?`,
		title, now, routingKey,
	); err != nil {
		return &errs.StoreError{Op: "store.rename_mapping", Err: err}
	}
	return nil
}

// RefreshDeliveryContext updates the delivery context and updated_at for an
// existing mapping.
func (s *Store) RefreshDeliveryContext(ctx context.Context, routingKey string, delivery models.DeliveryContext) error {
	deliveryJSON, err := json.Marshal(delivery)
	if err != nil {
		return &errs.StoreError{Op: "store.refresh_mapping_marshal", Err: err}
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := s.db.ExecContext(ctx,
		`UPDATE routing_mappings SET delivery_json = ?, updated_at = ? WHERE routing_key = ?`,
		string(deliveryJSON), now, routingKey,
	); err != nil {
		return &errs.StoreError{Op: "store.refresh_mapping", Err: err}
	}
	return nil
}

// ListRoutingMappings returns every routing mapping, newest-updated first,
// backing the Gateway HTTP surface's `GET /sessions` listing (Section 6).
func (s *Store) ListRoutingMappings(ctx context.Context) ([]RoutingMappingRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT routing_key, session_id, title, delivery_json, created_at, updated_at FROM routing_mappings ORDER BY updated_at DESC`,
	)
	if err != nil {
		return nil, &errs.StoreError{Op: "store.list_mappings", Err: err}
	}
	defer rows.Close()

	var out []RoutingMappingRow
	for rows.Next() {
		var m RoutingMappingRow
		var deliveryJSON, createdAt, updatedAt string
		if err := rows.Scan(&m.RoutingKey, &m.SessionID, &m.Title, &deliveryJSON, &createdAt, &updatedAt); err != nil {
			return nil, &errs.StoreError{Op: "store.list_mappings_scan", Err: err}
		}
		if err := json.Unmarshal([]byte(deliveryJSON), &m.DeliveryContext); err != nil {
			return nil, &errs.StoreError{Op: "store.list_mappings_unmarshal", Err: err}
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		m.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, &errs.StoreError{Op: "store.list_mappings_rows", Err: err}
	}
	return out, nil
}

func scanRoutingMapping(row *sql.Row) (*RoutingMappingRow, error) {
	var m RoutingMappingRow
	var deliveryJSON, createdAt, updatedAt string
	err := row.Scan(&m.RoutingKey, &m.SessionID, &m.Title, &deliveryJSON, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &errs.StoreError{Op: "store.scan_mapping", Err: err}
	}
	if err := json.Unmarshal([]byte(deliveryJSON), &m.DeliveryContext); err != nil {
		return nil, &errs.StoreError{Op: "store.scan_mapping_unmarshal", Err: err}
	}
	m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	m.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &m, nil
}

// DefaultDeliveryContextTTL is the default lifetime of a cached delivery
// context entry (Section 6: "TTL (default 4 hours)").
const DefaultDeliveryContextTTL = 4 * time.Hour

// PutDeliveryContext caches a delivery context JSON blob for (channel,
// targetKey), expiring after ttl.
func (s *Store) PutDeliveryContext(ctx context.Context, channel, targetKey string, contextJSON json.RawMessage, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultDeliveryContextTTL
	}
	expiresAt := time.Now().Add(ttl).UTC().Format(time.RFC3339Nano)
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO delivery_context_cache (channel, target_key, context_json, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(channel, target_key) DO UPDATE SET context_json = excluded.context_json, expires_at = excluded.expires_at`,
		channel, targetKey, string(contextJSON), expiresAt,
	); err != nil {
		return &errs.StoreError{Op: "store.put_delivery_context", Err: err}
	}
	return nil
}

// PopDeliveryContext reads and deletes any unexpired cached delivery
// context for (channel, targetKey); lazy eviction happens here, and a
// caller may additionally run SweepExpiredDeliveryContext periodically.
func (s *Store) PopDeliveryContext(ctx context.Context, channel, targetKey string) (json.RawMessage, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &errs.StoreError{Op: "store.pop_delivery_context_begin", Err: err}
	}
	defer tx.Rollback()

	var contextJSON, expiresAt string
	err = tx.QueryRowContext(ctx,
		`SELECT context_json, expires_at FROM delivery_context_cache WHERE channel = ? AND target_key = ?`,
		channel, targetKey,
	).Scan(&contextJSON, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &errs.StoreError{Op: "store.pop_delivery_context_scan", Err: err}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM delivery_context_cache WHERE channel = ? AND target_key = ?`, channel, targetKey); err != nil {
		return nil, &errs.StoreError{Op: "store.pop_delivery_context_delete", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return nil, &errs.StoreError{Op: "store.pop_delivery_context_commit", Err: err}
	}

	expiry, _ := time.Parse(time.RFC3339Nano, expiresAt)
	if time.Now().After(expiry) {
		return nil, nil
	}
	return json.RawMessage(contextJSON), nil
}

// SweepExpiredDeliveryContext deletes every cache entry past its expiry,
// the periodic half of the lazy-eviction-on-read-plus-sweep strategy.
func (s *Store) SweepExpiredDeliveryContext(ctx context.Context) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `DELETE FROM delivery_context_cache WHERE expires_at < ?`, now)
	if err != nil {
		return 0, &errs.StoreError{Op: "store.sweep_delivery_context", Err: err}
	}
	return res.RowsAffected()
}
