package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"zerotrust-dns/pkg/pattern"
)

// SentinelCountries are placeholder codes returned for unknown locations.
// They are never stored as blocked and never match a country block.
var SentinelCountries = map[string]bool{
	"":   true,
	"UN": true,
	"XX": true,
	"ZZ": true,
	"--": true,
}

// sentinel list repeated in SQL so externally written rows are ignored too
const sentinelFilter = `upper(trim(country_code)) NOT IN ('', 'UN', 'XX', 'ZZ', '--')`

// MatchBlockedDomain returns the most specific blocked_domains entry covering domain
func (s *SQLiteStore) MatchBlockedDomain(ctx context.Context, domain string) (string, bool, error) {
	candidates := pattern.Suffixes(domain)
	if len(candidates) == 0 {
		return "", false, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return "", false, err
	}

	args := make([]any, len(candidates))
	for i, c := range candidates {
		args[i] = c
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT lower(rtrim(domain, '.')) FROM blocked_domains
		 WHERE lower(rtrim(domain, '.')) IN (`+placeholders(len(args))+`)`,
		args...)
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	best := ""
	for rows.Next() {
		var entry string
		if err := rows.Scan(&entry); err != nil {
			return "", false, fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
		if len(entry) > len(best) {
			best = entry
		}
	}
	if err := rows.Err(); err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return best, best != "", nil
}

// HasBlockedCountries reports whether any non-sentinel country is blocked
func (s *SQLiteStore) HasBlockedCountries(ctx context.Context) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return false, err
	}

	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM blocked_countries WHERE `+sentinelFilter+` LIMIT 1`).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return true, nil
}

// IsCountryBlocked reports whether code is in blocked_countries. Sentinels are never blocked.
func (s *SQLiteStore) IsCountryBlocked(ctx context.Context, countryCode string) (bool, error) {
	code := normalizeCountry(countryCode)
	if SentinelCountries[code] {
		return false, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return false, err
	}

	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM blocked_countries WHERE upper(trim(country_code)) = ? LIMIT 1`, code).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return true, nil
}

// AccessPoliciesForDomain returns every policy whose domain covers domain,
// regardless of client or time window.
func (s *SQLiteStore) AccessPoliciesForDomain(ctx context.Context, domain string) ([]*AccessPolicy, error) {
	candidates := pattern.Suffixes(domain)
	if len(candidates) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	args := make([]any, len(candidates))
	for i, c := range candidates {
		args[i] = c
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, client_ip, domain, start_time, end_time, allowed FROM access_policies
		 WHERE lower(rtrim(domain, '.')) IN (`+placeholders(len(args))+`)
		 ORDER BY id`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	return scanPolicies(rows)
}

// ListAccessPolicies returns all access policies
func (s *SQLiteStore) ListAccessPolicies(ctx context.Context) ([]*AccessPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, client_ip, domain, start_time, end_time, allowed FROM access_policies ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	return scanPolicies(rows)
}

func scanPolicies(rows *sql.Rows) ([]*AccessPolicy, error) {
	var out []*AccessPolicy
	for rows.Next() {
		p := &AccessPolicy{}
		if err := rows.Scan(&p.ID, &p.ClientIP, &p.Domain, &p.StartTime, &p.EndTime, &p.Allowed); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return out, nil
}

// AddAccessPolicy inserts p and sets p.ID. Time strings are validated by
// the caller; client must be an IP address or CIDR prefix.
func (s *SQLiteStore) AddAccessPolicy(ctx context.Context, p *AccessPolicy) error {
	if !validClient(p.ClientIP) {
		return fmt.Errorf("%w: client %q is not an IP or CIDR", ErrInvalidEntry, p.ClientIP)
	}
	domain := pattern.Normalize(p.Domain)
	if domain == "" {
		return fmt.Errorf("%w: empty domain", ErrInvalidEntry)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO access_policies (client_ip, domain, start_time, end_time, allowed) VALUES (?, ?, ?, ?, ?)`,
		strings.TrimSpace(p.ClientIP), domain, strings.TrimSpace(p.StartTime), strings.TrimSpace(p.EndTime), p.Allowed)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	p.ID = id
	p.Domain = domain
	return nil
}

// RemoveAccessPolicy deletes the policy with id
func (s *SQLiteStore) RemoveAccessPolicy(ctx context.Context, id int64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM access_policies WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// BlockDomain adds domain to the blocklist. Adding an existing entry is a no-op.
func (s *SQLiteStore) BlockDomain(ctx context.Context, domain string) error {
	d := pattern.Normalize(domain)
	if d == "" {
		return fmt.Errorf("%w: empty domain", ErrInvalidEntry)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO blocked_domains (domain) VALUES (?)`, d); err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return nil
}

// UnblockDomain removes every stored spelling of domain
func (s *SQLiteStore) UnblockDomain(ctx context.Context, domain string) error {
	d := pattern.Normalize(domain)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM blocked_domains WHERE lower(rtrim(domain, '.')) = ?`, d)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListBlockedDomains returns normalized blocklist entries in order
func (s *SQLiteStore) ListBlockedDomains(ctx context.Context) ([]string, error) {
	return s.listStrings(ctx, `SELECT DISTINCT lower(rtrim(domain, '.')) AS d FROM blocked_domains ORDER BY d`)
}

// BlockCountry adds an ISO alpha-2 code. Sentinel codes are rejected.
func (s *SQLiteStore) BlockCountry(ctx context.Context, countryCode string) error {
	code := normalizeCountry(countryCode)
	if SentinelCountries[code] || len(code) != 2 {
		return fmt.Errorf("%w: country code %q", ErrInvalidEntry, countryCode)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO blocked_countries (country_code) VALUES (?)`, code); err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return nil
}

// UnblockCountry removes a country code
func (s *SQLiteStore) UnblockCountry(ctx context.Context, countryCode string) error {
	code := normalizeCountry(countryCode)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM blocked_countries WHERE upper(trim(country_code)) = ?`, code)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListBlockedCountries returns blocked codes, sentinels excluded
func (s *SQLiteStore) ListBlockedCountries(ctx context.Context) ([]string, error) {
	return s.listStrings(ctx,
		`SELECT DISTINCT upper(trim(country_code)) AS c FROM blocked_countries WHERE `+sentinelFilter+` ORDER BY c`)
}

// Seed inserts domains and countries that are not already present.
// Nothing is updated or removed. Invalid entries are skipped and reported.
func (s *SQLiteStore) Seed(ctx context.Context, domains, countries []string) error {
	var errs []error
	for _, d := range domains {
		if err := s.BlockDomain(ctx, d); err != nil {
			errs = append(errs, fmt.Errorf("domain %q: %w", d, err))
		}
	}
	for _, c := range countries {
		if err := s.BlockCountry(ctx, c); err != nil {
			errs = append(errs, fmt.Errorf("country %q: %w", c, err))
		}
	}
	return errors.Join(errs...)
}

func (s *SQLiteStore) listStrings(ctx context.Context, query string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	out := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return out, nil
}

func normalizeCountry(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func validClient(client string) bool {
	client = strings.TrimSpace(client)
	if _, err := netip.ParseAddr(client); err == nil {
		return true
	}
	_, err := netip.ParsePrefix(client)
	return err == nil
}
