package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists and queries audit events.
type Store interface {
	Append(ctx context.Context, event Event) error
	Timeline(ctx context.Context, filters TimelineFilters) (Timeline, error)
	Export(ctx context.Context, filters TimelineFilters) ([]Event, error)
}

// exportRowCap bounds an unpaged export query.
const exportRowCap = 10_000

// PGStore is the Postgres-backed Store. The audit_events table is
// append-only; rows are never updated or deleted by this layer.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Append inserts one event. Missing ID and timestamp are filled here so
// every persisted row is complete.
func (s *PGStore) Append(ctx context.Context, event Event) error {
	if event.Kind == "" {
		return fmt.Errorf("audit: event requires a kind")
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	meta, err := json.Marshal(event.Metadata)
	if err != nil {
		return fmt.Errorf("audit: marshal metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO audit_events (id, kind, actor_id, target_id, ip_address, user_agent, meta, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.ID, string(event.Kind), event.ActorID, event.TargetID,
		optionalText(event.IPAddress), optionalText(event.UserAgent), meta, event.At)
	if err != nil {
		return fmt.Errorf("audit: append: %w", err)
	}
	return nil
}

// Timeline returns one page of events, newest first. It fetches one row
// past the page size to detect whether a next page exists.
func (s *PGStore) Timeline(ctx context.Context, filters TimelineFilters) (Timeline, error) {
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 50 {
		pageSize = 50
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * pageSize

	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, actor_id, target_id, ip_address, user_agent, meta, occurred_at
		 FROM audit_events
		 WHERE ($1::timestamptz IS NULL OR occurred_at >= $1)
		   AND ($2::timestamptz IS NULL OR occurred_at <= $2)
		   AND ($3::text IS NULL OR actor_id = $3)
		   AND ($4::text IS NULL OR kind = $4)
		 ORDER BY occurred_at DESC
		 OFFSET $5 LIMIT $6`,
		toPgTime(filters.From), toPgTime(filters.To),
		optionalText(filters.ActorID), optionalText(filters.Kind),
		offset, pageSize+1)
	if err != nil {
		return Timeline{}, fmt.Errorf("audit: timeline: %w", err)
	}
	defer rows.Close()

	events, err := scanEvents(rows, pageSize)
	if err != nil {
		return Timeline{}, err
	}

	hasNext := len(events) > pageSize
	if hasNext {
		events = events[:pageSize]
	}
	paging := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if hasNext {
		paging.NextPage = page + 1
	}
	return Timeline{Events: events, Paging: paging}, nil
}

// Export returns every matching event, newest first, without paging.
// The result is capped so a broad filter cannot drag the whole table
// through one request.
func (s *PGStore) Export(ctx context.Context, filters TimelineFilters) ([]Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, actor_id, target_id, ip_address, user_agent, meta, occurred_at
		 FROM audit_events
		 WHERE ($1::timestamptz IS NULL OR occurred_at >= $1)
		   AND ($2::timestamptz IS NULL OR occurred_at <= $2)
		   AND ($3::text IS NULL OR actor_id = $3)
		   AND ($4::text IS NULL OR kind = $4)
		 ORDER BY occurred_at DESC
		 LIMIT $5`,
		toPgTime(filters.From), toPgTime(filters.To),
		optionalText(filters.ActorID), optionalText(filters.Kind),
		exportRowCap)
	if err != nil {
		return nil, fmt.Errorf("audit: export: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows, 64)
}

func scanEvents(rows pgx.Rows, sizeHint int) ([]Event, error) {
	events := make([]Event, 0, sizeHint)
	for rows.Next() {
		var (
			ev   Event
			kind string
			ip   pgtype.Text
			ua   pgtype.Text
			meta []byte
		)
		if err := rows.Scan(&ev.ID, &kind, &ev.ActorID, &ev.TargetID, &ip, &ua, &meta, &ev.At); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		ev.Kind = Kind(kind)
		ev.IPAddress = ip.String
		ev.UserAgent = ua.String
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &ev.Metadata); err != nil {
				return nil, fmt.Errorf("audit: unmarshal metadata: %w", err)
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: rows: %w", err)
	}
	return events, nil
}

func toPgTime(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}

func optionalText(value string) pgtype.Text {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: trimmed, Valid: true}
}

var _ Store = (*PGStore)(nil)
