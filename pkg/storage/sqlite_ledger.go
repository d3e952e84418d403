package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"zerotrust-dns/pkg/pattern"
)

// RecordQuery appends a dns_logs row and updates domain_stats and
// client_stats in one transaction, so domain_stats.count always equals the
// number of log rows for that domain.
func (s *SQLiteStore) RecordQuery(ctx context.Context, e *LogEntry) error {
	if e == nil {
		return fmt.Errorf("%w: nil log entry", ErrInvalidEntry)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	domain := pattern.Normalize(e.Domain)

	var trace string
	if len(e.Trace) > 0 {
		data, err := json.Marshal(e.Trace)
		if err != nil {
			return fmt.Errorf("failed to encode decision trace: %w", err)
		}
		trace = string(data)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = tx.Rollback() }()

	ts := formatTime(e.Timestamp)
	res, err := tx.ExecContext(ctx, `
		INSERT INTO dns_logs
		(timestamp, query_id, client_ip, country, city, domain, query_type, action,
		 block_reason, response_code, response_time_ms, decision_trace)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ts, e.QueryID, e.ClientIP, e.Country, e.City, domain, e.QueryType, e.Action,
		e.BlockReason, e.ResponseCode, e.ResponseTimeMs, trace)
	if err != nil {
		return fmt.Errorf("%w: insert log: %v", ErrQueryFailed, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO domain_stats (domain, count) VALUES (?, 1)
		ON CONFLICT(domain) DO UPDATE SET count = count + 1`, domain); err != nil {
		return fmt.Errorf("%w: update domain stats: %v", ErrQueryFailed, err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO client_stats (client_ip, first_seen) VALUES (?, ?)`,
		e.ClientIP, ts); err != nil {
		return fmt.Errorf("%w: update client stats: %v", ErrQueryFailed, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrQueryFailed, err)
	}

	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	e.Domain = domain
	return nil
}

const logColumns = `id, timestamp, query_id, client_ip, country, city, domain, query_type,
	action, block_reason, response_code, response_time_ms, decision_trace`

// RecentLogs returns the newest log rows first
func (s *SQLiteStore) RecentLogs(ctx context.Context, limit, offset int) ([]*LogEntry, error) {
	return s.queryLogs(ctx,
		`SELECT `+logColumns+` FROM dns_logs ORDER BY id DESC LIMIT ? OFFSET ?`, limit, offset)
}

// LogsByDomain returns the newest log rows for one domain
func (s *SQLiteStore) LogsByDomain(ctx context.Context, domain string, limit int) ([]*LogEntry, error) {
	return s.queryLogs(ctx,
		`SELECT `+logColumns+` FROM dns_logs WHERE domain = ? ORDER BY id DESC LIMIT ?`,
		pattern.Normalize(domain), limit)
}

// BlockedLogs returns the newest blocked queries
func (s *SQLiteStore) BlockedLogs(ctx context.Context, limit int) ([]*LogEntry, error) {
	return s.queryLogs(ctx,
		`SELECT `+logColumns+` FROM dns_logs WHERE action = ? ORDER BY id DESC LIMIT ?`,
		ActionBlocked, limit)
}

func (s *SQLiteStore) queryLogs(ctx context.Context, query string, args ...any) ([]*LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	out := []*LogEntry{}
	for rows.Next() {
		var (
			e     LogEntry
			ts    string
			trace string
		)
		if err := rows.Scan(&e.ID, &ts, &e.QueryID, &e.ClientIP, &e.Country, &e.City, &e.Domain,
			&e.QueryType, &e.Action, &e.BlockReason, &e.ResponseCode, &e.ResponseTimeMs, &trace); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
		e.Timestamp = parseSQLiteTime(ts)
		if trace != "" {
			// a malformed trace written by another tool is not worth failing the read
			_ = json.Unmarshal([]byte(trace), &e.Trace)
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return out, nil
}

// DomainCount returns domain_stats.count for domain, 0 if never queried
func (s *SQLiteStore) DomainCount(ctx context.Context, domain string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT count FROM domain_stats WHERE domain = ?`, pattern.Normalize(domain)).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return n, nil
}

// TopDomains returns the most queried domains
func (s *SQLiteStore) TopDomains(ctx context.Context, limit int) ([]*DomainStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT domain, count FROM domain_stats ORDER BY count DESC, domain ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	out := []*DomainStat{}
	for rows.Next() {
		d := &DomainStat{}
		if err := rows.Scan(&d.Domain, &d.Count); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return out, nil
}

// Clients returns every distinct client in first-seen order
func (s *SQLiteStore) Clients(ctx context.Context) ([]*ClientStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT client_ip, first_seen FROM client_stats ORDER BY first_seen, client_ip`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	out := []*ClientStat{}
	for rows.Next() {
		var (
			c  ClientStat
			ts string
		)
		if err := rows.Scan(&c.ClientIP, &ts); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
		c.FirstSeen = parseSQLiteTime(ts)
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return out, nil
}

// Statistics aggregates the whole ledger
func (s *SQLiteStore) Statistics(ctx context.Context) (*Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	st := &Statistics{}
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN action = ? THEN 1 ELSE 0 END), 0),
			(SELECT COUNT(*) FROM domain_stats),
			(SELECT COUNT(*) FROM client_stats)
		FROM dns_logs`, ActionBlocked).
		Scan(&st.TotalQueries, &st.BlockedQueries, &st.UniqueDomains, &st.UniqueClients)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	if st.TotalQueries > 0 {
		st.BlockRate = float64(st.BlockedQueries) / float64(st.TotalQueries) * 100
	}
	return st, nil
}
