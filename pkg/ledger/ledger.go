// Package ledger implements the Cost Ledger (spec.md §4.5): an
// append-only usage store backed by modernc.org/sqlite (the pure-Go,
// cgo-free SQLite driver several pack repos such as zamorofthat-elida and
// nevindra-oasis depend on for the same reason — a durable embedded store
// with no C toolchain requirement), with in-memory counters for O(1)
// BudgetState reads.
package ledger

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Mode is the Router's budget-gated operating mode.
type Mode string

const (
	ModeNormal    Mode = "NORMAL"
	ModeThrifty   Mode = "THRIFTY"
	ModeLocalOnly Mode = "LOCAL_ONLY"
)

// BudgetState is an O(1) snapshot of current spend and mode.
type BudgetState struct {
	Mode            Mode
	MonthSpendCents int64
	DaySpendCents   int64
	Degraded        bool
}

// UsageRecord is one committed unit of generation cost (spec.md §3/§4.5).
type UsageRecord struct {
	UtteranceID  string
	Tier         string
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
	CommittedAt  time.Time
}

// Ledger persists UsageRecords and derives BudgetState. Writes go through a
// single writer lock; BudgetState returns a copy of the cached in-memory
// counters without querying the store, but it takes the same lock, so reads
// are not lock-free.
type Ledger struct {
	db *sql.DB

	monthlyCapCents int64
	dailyCapCents   int64
	softFraction    float64
	hardFraction    float64

	mu       sync.Mutex
	state    BudgetState
	seenIDs  map[string]struct{}
	degraded bool
}

// Open opens (creating if necessary) the embedded SQLite database at path
// and prepares the schema.
func Open(path string, monthlyCapUSD, dailyCapUSD, softFraction, hardFraction float64) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single writer; modernc.org/sqlite serializes otherwise anyway

	l := &Ledger{
		db:              db,
		monthlyCapCents: int64(monthlyCapUSD * 100),
		dailyCapCents:   int64(dailyCapUSD * 100),
		softFraction:    softFraction,
		hardFraction:    hardFraction,
		seenIDs:         make(map[string]struct{}),
	}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if err := l.loadCounters(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) migrate() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS usage (
			utterance_id TEXT PRIMARY KEY,
			tier TEXT NOT NULL,
			input_tokens INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL,
			cost_usd REAL NOT NULL,
			committed_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS counters (
			name TEXT PRIMARY KEY,
			value_cents INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS period_resets (
			period TEXT PRIMARY KEY,
			reset_at INTEGER NOT NULL
		);
	`)
	return err
}

func (l *Ledger) loadCounters() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	month, err := l.readCounter("month_spend_cents")
	if err != nil {
		return err
	}
	day, err := l.readCounter("day_spend_cents")
	if err != nil {
		return err
	}
	l.state = BudgetState{
		Mode:            modeFor(month, day, l.monthlyCapCents, l.dailyCapCents, l.softFraction, l.hardFraction),
		MonthSpendCents: month,
		DaySpendCents:   day,
	}

	rows, err := l.db.Query(`SELECT utterance_id FROM usage`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		l.seenIDs[id] = struct{}{}
	}
	return rows.Err()
}

func (l *Ledger) readCounter(name string) (int64, error) {
	var v int64
	err := l.db.QueryRow(`SELECT value_cents FROM counters WHERE name = ?`, name).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return v, err
}

// Record appends a UsageRecord and updates counters. It is idempotent:
// re-recording the same utterance_id is a no-op.
func (l *Ledger) Record(r UsageRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, seen := l.seenIDs[r.UtteranceID]; seen {
		return nil
	}

	costCents := int64(r.CostUSD * 100)

	tx, err := l.db.Begin()
	if err != nil {
		l.degradeLocked(r, costCents)
		return fmt.Errorf("ledger: begin tx: %w", err)
	}

	if _, err := tx.Exec(
		`INSERT INTO usage (utterance_id, tier, input_tokens, output_tokens, cost_usd, committed_at) VALUES (?,?,?,?,?,?)`,
		r.UtteranceID, r.Tier, r.InputTokens, r.OutputTokens, r.CostUSD, r.CommittedAt.Unix(),
	); err != nil {
		tx.Rollback()
		l.degradeLocked(r, costCents)
		return fmt.Errorf("ledger: insert usage: %w", err)
	}

	newMonth := l.state.MonthSpendCents + costCents
	newDay := l.state.DaySpendCents + costCents
	if err := upsertCounter(tx, "month_spend_cents", newMonth); err != nil {
		tx.Rollback()
		l.degradeLocked(r, costCents)
		return fmt.Errorf("ledger: update month counter: %w", err)
	}
	if err := upsertCounter(tx, "day_spend_cents", newDay); err != nil {
		tx.Rollback()
		l.degradeLocked(r, costCents)
		return fmt.Errorf("ledger: update day counter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		l.degradeLocked(r, costCents)
		return fmt.Errorf("ledger: commit: %w", err)
	}

	l.seenIDs[r.UtteranceID] = struct{}{}
	l.state.MonthSpendCents = newMonth
	l.state.DaySpendCents = newDay
	l.state.Mode = modeFor(newMonth, newDay, l.monthlyCapCents, l.dailyCapCents, l.softFraction, l.hardFraction)
	l.state.Degraded = l.degraded
	return nil
}

// degradeLocked enters degraded mode (spec.md §4.5/§4.10): store write
// failed, so track spend in memory and bias the Router toward THRIFTY.
// Caller already holds l.mu.
func (l *Ledger) degradeLocked(r UsageRecord, costCents int64) {
	l.degraded = true
	l.seenIDs[r.UtteranceID] = struct{}{}
	l.state.MonthSpendCents += costCents
	l.state.DaySpendCents += costCents
	l.state.Degraded = true
	if l.state.Mode == ModeNormal {
		l.state.Mode = ModeThrifty
	}
}

func upsertCounter(tx *sql.Tx, name string, value int64) error {
	_, err := tx.Exec(
		`INSERT INTO counters (name, value_cents) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET value_cents = excluded.value_cents`,
		name, value,
	)
	return err
}

func modeFor(monthCents, dayCents, monthlyCap, dailyCap int64, soft, hard float64) Mode {
	if monthlyCap > 0 && float64(monthCents) >= float64(monthlyCap)*hard {
		return ModeLocalOnly
	}
	if dailyCap > 0 && float64(dayCents) >= float64(dailyCap)*hard {
		return ModeLocalOnly
	}
	if monthlyCap > 0 && float64(monthCents) >= float64(monthlyCap)*soft {
		return ModeThrifty
	}
	if dailyCap > 0 && float64(dayCents) >= float64(dailyCap)*soft {
		return ModeThrifty
	}
	return ModeNormal
}

// BudgetState returns the current cached snapshot in O(1).
func (l *Ledger) BudgetState() BudgetState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// RecentRecords returns the n most recently committed UsageRecords, newest
// first. This is the read-only LedgerQuery view spec.md §6.2 requires and
// backs the `status` CLI verb's "last N UsageRecords" (spec.md §6.5).
func (l *Ledger) RecentRecords(n int) ([]UsageRecord, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := l.db.Query(
		`SELECT utterance_id, tier, input_tokens, output_tokens, cost_usd, committed_at
		 FROM usage ORDER BY committed_at DESC, rowid DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("ledger: query recent records: %w", err)
	}
	defer rows.Close()

	var out []UsageRecord
	for rows.Next() {
		var r UsageRecord
		var committedUnix int64
		if err := rows.Scan(&r.UtteranceID, &r.Tier, &r.InputTokens, &r.OutputTokens, &r.CostUSD, &committedUnix); err != nil {
			return nil, fmt.Errorf("ledger: scan recent record: %w", err)
		}
		r.CommittedAt = time.Unix(committedUnix, 0)
		out = append(out, r)
	}
	return out, rows.Err()
}

// OnPeriodBoundary resets the day or month counter. Nothing in this module
// calls it on a schedule: the caller picks the period and the moment, and
// this just performs the reset and records it.
func (l *Ledger) OnPeriodBoundary(period string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	counterName := "day_spend_cents"
	if period == "monthly" {
		counterName = "month_spend_cents"
	}

	tx, err := l.db.Begin()
	if err != nil {
		return err
	}
	if err := upsertCounter(tx, counterName, 0); err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.Exec(
		`INSERT INTO period_resets (period, reset_at) VALUES (?, ?)
		 ON CONFLICT(period) DO UPDATE SET reset_at = excluded.reset_at`,
		period, time.Now().Unix(),
	); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if period == "monthly" {
		l.state.MonthSpendCents = 0
	} else {
		l.state.DaySpendCents = 0
	}
	l.state.Mode = modeFor(l.state.MonthSpendCents, l.state.DaySpendCents, l.monthlyCapCents, l.dailyCapCents, l.softFraction, l.hardFraction)
	return nil
}

// Close releases the underlying database handle.
func (l *Ledger) Close() error {
	return l.db.Close()
}
