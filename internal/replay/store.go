package replay

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"

	_ "modernc.org/sqlite"
	"golang.org/x/sync/errgroup"

	"github.com/atomize-hq/substrate/internal/trace"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store persists replay results for later aggregation (non-determinism
// rates, per-command divergence history) across many replay runs.
type Store struct {
	db *sql.DB
}

// OpenStore opens (and migrates) a sqlite-backed replay result store at dsn.
// Pass ":memory:" for a throwaway store in tests.
func OpenStore(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("replay: open store: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("replay: set WAL mode: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("replay: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		var applied int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", f).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", f, err)
		}
		if applied > 0 {
			continue
		}
		content, err := migrationsFS.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", f, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", f, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", f); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", f, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", f, err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts or replaces one replay Result.
func (s *Store) Record(res Result) error {
	var dtype, dsev, ddesc *string
	if res.Divergence != nil {
		t := string(res.Divergence.Type)
		sev := string(res.Divergence.Severity)
		dtype, dsev, ddesc = &t, &sev, &res.Divergence.Description
	}
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO replay_spans
		 (span_id, command, matched, divergence_type, divergence_severity, divergence_description, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		res.SpanID, res.Command, boolToInt(res.Matched), dtype, dsev, ddesc, res.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("replay: record span %s: %w", res.SpanID, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// DivergenceBreakdown counts how many recorded divergences fall under one
// DivergenceType.
type DivergenceBreakdown struct {
	Type  string
	Count int
}

// SeverityBreakdown counts how many recorded divergences fall under one
// DivergenceSeverity.
type SeverityBreakdown struct {
	Severity string
	Count    int
}

// CommandFailureRate is one command's divergence rate across every recorded
// span run against it, for surfacing the commands most worth investigating.
type CommandFailureRate struct {
	Command     string
	Total       int
	Diverged    int
	FailureRate float64
}

// AggregateStats summarizes the stored replay history.
type AggregateStats struct {
	Total            int
	Matched          int
	Diverged         int
	NonDeterministic float64
	CriticalFailures int
	ByType           []DivergenceBreakdown
	BySeverity       []SeverityBreakdown
	TopProblematic   []CommandFailureRate
}

// Aggregate reports match/divergence statistics across every recorded span,
// including the non-deterministic rate (the share of divergences whose type
// is timing_drift or environment_change), a breakdown by divergence kind and
// severity, a count of
// critical-severity divergences, and the commands with the worst
// divergence rate (min 2 recorded runs, so a single bad run doesn't
// dominate the ranking).
func (s *Store) Aggregate() (AggregateStats, error) {
	var stats AggregateStats
	err := s.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(matched), 0) FROM replay_spans`).
		Scan(&stats.Total, &stats.Matched)
	if err != nil {
		return stats, fmt.Errorf("replay: aggregate: %w", err)
	}
	stats.Diverged = stats.Total - stats.Matched
	if stats.Diverged > 0 {
		var nonDet int
		if err := s.db.QueryRow(
			`SELECT COUNT(*) FROM replay_spans WHERE divergence_type IN ('timing_drift', 'environment_change')`,
		).Scan(&nonDet); err != nil {
			return stats, fmt.Errorf("replay: aggregate non-deterministic count: %w", err)
		}
		stats.NonDeterministic = float64(nonDet) / float64(stats.Diverged)
	}

	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM replay_spans WHERE divergence_severity = 'critical'`,
	).Scan(&stats.CriticalFailures); err != nil {
		return stats, fmt.Errorf("replay: aggregate critical count: %w", err)
	}

	typeRows, err := s.db.Query(
		`SELECT divergence_type, COUNT(*) FROM replay_spans
		 WHERE divergence_type IS NOT NULL GROUP BY divergence_type ORDER BY COUNT(*) DESC`,
	)
	if err != nil {
		return stats, fmt.Errorf("replay: aggregate by type: %w", err)
	}
	defer typeRows.Close()
	for typeRows.Next() {
		var b DivergenceBreakdown
		if err := typeRows.Scan(&b.Type, &b.Count); err != nil {
			return stats, fmt.Errorf("replay: scan type breakdown: %w", err)
		}
		stats.ByType = append(stats.ByType, b)
	}

	sevRows, err := s.db.Query(
		`SELECT divergence_severity, COUNT(*) FROM replay_spans
		 WHERE divergence_severity IS NOT NULL GROUP BY divergence_severity ORDER BY COUNT(*) DESC`,
	)
	if err != nil {
		return stats, fmt.Errorf("replay: aggregate by severity: %w", err)
	}
	defer sevRows.Close()
	for sevRows.Next() {
		var b SeverityBreakdown
		if err := sevRows.Scan(&b.Severity, &b.Count); err != nil {
			return stats, fmt.Errorf("replay: scan severity breakdown: %w", err)
		}
		stats.BySeverity = append(stats.BySeverity, b)
	}

	cmdRows, err := s.db.Query(
		`SELECT command, COUNT(*) AS total, SUM(1 - matched) AS diverged
		 FROM replay_spans GROUP BY command HAVING COUNT(*) >= 2
		 ORDER BY (CAST(diverged AS REAL) / total) DESC, total DESC LIMIT 10`,
	)
	if err != nil {
		return stats, fmt.Errorf("replay: aggregate top problematic: %w", err)
	}
	defer cmdRows.Close()
	for cmdRows.Next() {
		var c CommandFailureRate
		if err := cmdRows.Scan(&c.Command, &c.Total, &c.Diverged); err != nil {
			return stats, fmt.Errorf("replay: scan top problematic: %w", err)
		}
		if c.Total > 0 {
			c.FailureRate = float64(c.Diverged) / float64(c.Total)
		}
		stats.TopProblematic = append(stats.TopProblematic, c)
	}

	return stats, nil
}

// SequenceAndStore replays records concurrently (bounded by an errgroup, one
// goroutine per span) and persists every result, mirroring the original
// executor's practice of recording each replayed span independently of
// whether its siblings matched or diverged.
func SequenceAndStore(ctx context.Context, store *Store, records []trace.Record, opts Options) ([]Result, error) {
	results := make([]Result, len(records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)

	for i, r := range records {
		if r.EventType != trace.EventCommandStart && r.EventType != trace.EventCommandComplete {
			continue
		}
		i, r := i, r
		g.Go(func() error {
			res, err := Compare(gctx, r, opts)
			if err != nil {
				return fmt.Errorf("replay: span %s: %w", r.SpanID, err)
			}
			results[i] = res
			if store != nil {
				if err := store.Record(res); err != nil {
					return err
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]Result, 0, len(results))
	for _, r := range results {
		if r.SpanID != "" {
			out = append(out, r)
		}
	}
	return out, nil
}
