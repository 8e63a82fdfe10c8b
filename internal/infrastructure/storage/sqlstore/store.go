package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"quoterelay/internal/application/port"
	"quoterelay/internal/domain"
)

const settingDelayMs = "delay_ms"

// Dialect captures what differs between the supported SQL drivers.
type Dialect struct {
	Name string
	// Numbered reports whether placeholders are $1, $2 instead of ?.
	Numbered bool
}

var (
	SQLite   = Dialect{Name: "sqlite"}
	Postgres = Dialect{Name: "postgres", Numbered: true}
)

// Store implements the config store and ticker cache on database/sql.
// Schema creation belongs to the driver packages.
type Store struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

func New(db *sql.DB, d Dialect) *Store {
	return &Store{db: db, dialect: d, now: time.Now}
}


func (s *Store) Close() error { return s.db.Close() }

// q rewrites ? placeholders for dialects using numbered parameters.
func (s *Store) q(query string) string {
	if !s.dialect.Numbered {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteByte(query[i])
	}
	return sb.String()
}

func (s *Store) ListInstruments(ctx context.Context) ([]domain.Instrument, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, category, is_custom, paused, removed
		FROM instruments
		ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Instrument
	for rows.Next() {
		inst, err := scanInstrument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *Store) GetInstrument(ctx context.Context, name string) (domain.Instrument, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT name, category, is_custom, paused, removed
		FROM instruments
		WHERE name = ?`), name)
	inst, err := scanInstrument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Instrument{}, port.ErrNotFound
	}
	return inst, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInstrument(r scanner) (domain.Instrument, error) {
	var (
		inst                    domain.Instrument
		category                string
		custom, paused, removed int
	)
	if err := r.Scan(&inst.Name, &category, &custom, &paused, &removed); err != nil {
		return domain.Instrument{}, err
	}
	inst.Category = domain.Category(category)
	inst.IsCustom = custom != 0
	inst.Paused = paused != 0
	inst.Removed = removed != 0
	return inst, nil
}

func (s *Store) UpsertInstrument(ctx context.Context, inst domain.Instrument) error {
	now := s.now().UnixMilli()
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO instruments(name, category, is_custom, paused, removed, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
		category=excluded.category, is_custom=excluded.is_custom, paused=excluded.paused,
		removed=excluded.removed, updated_at=excluded.updated_at
	`), domain.NormalizeName(inst.Name), string(inst.Category), boolInt(inst.IsCustom),
		boolInt(inst.Paused), boolInt(inst.Removed), now, now)
	return err
}

func (s *Store) DeleteInstrument(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM instruments WHERE name = ?`), name)
	return affected(res, err)
}

func (s *Store) ListOverrides(ctx context.Context) ([]domain.PriceOverride, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, kind, value, expires_at
		FROM price_overrides
		ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PriceOverride
	for rows.Next() {
		var (
			o       domain.PriceOverride
			kind    string
			expires sql.NullInt64
		)
		if err := rows.Scan(&o.Name, &kind, &o.Value, &expires); err != nil {
			return nil, err
		}
		o.Type = domain.OverrideType(kind)
		if expires.Valid {
			t := time.UnixMilli(expires.Int64).UTC()
			o.ExpiresAt = &t
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Store) SetOverride(ctx context.Context, o domain.PriceOverride) error {
	var expires sql.NullInt64
	if o.ExpiresAt != nil {
		expires = sql.NullInt64{Int64: o.ExpiresAt.UnixMilli(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO price_overrides(name, kind, value, expires_at, updated_at)
		VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
		kind=excluded.kind, value=excluded.value, expires_at=excluded.expires_at, updated_at=excluded.updated_at
	`), domain.NormalizeName(o.Name), string(o.Type), o.Value, expires, s.now().UnixMilli())
	return err
}

func (s *Store) DeleteOverride(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM price_overrides WHERE name = ?`), name)
	return affected(res, err)
}

// GetDelay returns zero when no delay was ever stored.
func (s *Store) GetDelay(ctx context.Context) (time.Duration, error) {
	var v string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT value FROM settings WHERE key = ?`), settingDelayMs).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("stored delay %q: %w", v, err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func (s *Store) SetDelay(ctx context.Context, d time.Duration) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO settings(key, value, updated_at) VALUES(?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at
	`), settingDelayMs, strconv.FormatInt(d.Milliseconds(), 10), s.now().UnixMilli())
	return err
}

func (s *Store) GetMapping(ctx context.Context, name string) (domain.TickerMapping, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT name, ticker, exchange, description, type, currency, manual, resolved_at
		FROM ticker_cache
		WHERE name = ?`), name)
	m, err := scanMapping(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TickerMapping{}, port.ErrNotFound
	}
	return m, err
}

func scanMapping(r scanner) (domain.TickerMapping, error) {
	var (
		m          domain.TickerMapping
		manual     int
		resolvedMs int64
	)
	if err := r.Scan(&m.Name, &m.Ticker, &m.Exchange, &m.Description, &m.Type, &m.Currency, &manual, &resolvedMs); err != nil {
		return domain.TickerMapping{}, err
	}
	m.Manual = manual != 0
	m.ResolvedAt = time.UnixMilli(resolvedMs).UTC()
	return m, nil
}

func (s *Store) PutMapping(ctx context.Context, m domain.TickerMapping) error {
	resolved := m.ResolvedAt
	if resolved.IsZero() {
		resolved = s.now()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO ticker_cache(name, ticker, exchange, description, type, currency, manual, resolved_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
		ticker=excluded.ticker, exchange=excluded.exchange, description=excluded.description,
		type=excluded.type, currency=excluded.currency, manual=excluded.manual, resolved_at=excluded.resolved_at
	`), domain.NormalizeName(m.Name), m.Ticker, m.Exchange, m.Description, m.Type, m.Currency,
		boolInt(m.Manual), resolved.UnixMilli())
	return err
}

// ListMappings returns the cache newest first.
func (s *Store) ListMappings(ctx context.Context) ([]domain.TickerMapping, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, ticker, exchange, description, type, currency, manual, resolved_at
		FROM ticker_cache
		ORDER BY resolved_at DESC, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TickerMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) DeleteMapping(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM ticker_cache WHERE name = ?`), name)
	return affected(res, err)
}

func (s *Store) ClearMappings(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM ticker_cache`)
	return err
}

func affected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return port.ErrNotFound
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var (
	_ port.ConfigStore = (*Store)(nil)
	_ port.TickerCache = (*Store)(nil)
)
