package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/a3tai/mcp-pdf-fields/internal/fields"
)

const schema = `
CREATE TABLE IF NOT EXISTS strategy_performance (
	template_id   TEXT NOT NULL,
	field_name    TEXT NOT NULL,
	strategy      TEXT NOT NULL,
	attempts      INTEGER NOT NULL DEFAULT 0,
	success_count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (template_id, field_name, strategy)
);
CREATE TABLE IF NOT EXISTS learned_patterns (
	template_id   TEXT NOT NULL,
	field_name    TEXT NOT NULL,
	pattern       TEXT NOT NULL,
	pattern_type  TEXT NOT NULL DEFAULT '',
	frequency     INTEGER NOT NULL DEFAULT 0,
	priority      INTEGER NOT NULL DEFAULT 0,
	match_rate    REAL NOT NULL DEFAULT 0,
	usage_count   INTEGER NOT NULL DEFAULT 0,
	success_count INTEGER NOT NULL DEFAULT 0,
	examples      TEXT NOT NULL DEFAULT '[]',
	PRIMARY KEY (template_id, field_name, pattern)
);
CREATE TABLE IF NOT EXISTS noise_profiles (
	template_id TEXT NOT NULL,
	field_name  TEXT NOT NULL,
	profile     TEXT NOT NULL,
	PRIMARY KEY (template_id, field_name)
);
CREATE TABLE IF NOT EXISTS training_examples (
	template_id TEXT NOT NULL,
	document_id TEXT NOT NULL,
	field_name  TEXT NOT NULL,
	example     TEXT NOT NULL,
	PRIMARY KEY (template_id, document_id, field_name)
);
`

// SQLite is a Store backed by a single SQLite database file.
// Counter updates are single statements; pattern merges run in a transaction.
type SQLite struct {
	db *sql.DB
	mu sync.Mutex // serialises read-merge-write pattern upserts
}

// OpenSQLite opens (creating if needed) the database at path and applies the schema
func OpenSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func perf(templateID, field string, st fields.StrategyType, attempts, success int) fields.StrategyPerformance {
	p := fields.StrategyPerformance{
		TemplateID:   templateID,
		FieldName:    field,
		Strategy:     st,
		Attempts:     attempts,
		SuccessCount: success,
	}
	if attempts > 0 {
		p.Accuracy = float64(success) / float64(attempts)
	}
	return p
}

func (s *SQLite) Performance(ctx context.Context, templateID, field string, st fields.StrategyType) (fields.StrategyPerformance, error) {
	var attempts, success int
	err := s.db.QueryRowContext(ctx,
		`SELECT attempts, success_count FROM strategy_performance
		 WHERE template_id = ? AND field_name = ? AND strategy = ?`,
		templateID, field, string(st)).Scan(&attempts, &success)
	if errors.Is(err, sql.ErrNoRows) {
		return perf(templateID, field, st, 0, 0), nil
	}
	if err != nil {
		return fields.StrategyPerformance{}, fmt.Errorf("query performance: %w", err)
	}
	return perf(templateID, field, st, attempts, success), nil
}

func (s *SQLite) RecordOutcome(ctx context.Context, templateID, field string, st fields.StrategyType, success bool) (fields.StrategyPerformance, error) {
	inc := 0
	if success {
		inc = 1
	}
	var attempts, successes int
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO strategy_performance (template_id, field_name, strategy, attempts, success_count)
		 VALUES (?, ?, ?, 1, ?)
		 ON CONFLICT (template_id, field_name, strategy) DO UPDATE SET
		   attempts = attempts + 1,
		   success_count = success_count + excluded.success_count
		 RETURNING attempts, success_count`,
		templateID, field, string(st), inc).Scan(&attempts, &successes)
	if err != nil {
		return fields.StrategyPerformance{}, fmt.Errorf("record outcome: %w", err)
	}
	return perf(templateID, field, st, attempts, successes), nil
}

func (s *SQLite) TemplatePerformance(ctx context.Context, templateID string) ([]fields.StrategyPerformance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT field_name, strategy, attempts, success_count FROM strategy_performance WHERE template_id = ?`,
		templateID)
	if err != nil {
		return nil, fmt.Errorf("query template performance: %w", err)
	}
	defer rows.Close()

	var out []fields.StrategyPerformance
	for rows.Next() {
		var field, st string
		var attempts, success int
		if err := rows.Scan(&field, &st, &attempts, &success); err != nil {
			return nil, fmt.Errorf("scan performance: %w", err)
		}
		out = append(out, perf(templateID, field, fields.StrategyType(st), attempts, success))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortPerformance(out)
	return out, nil
}

func scanPattern(scan func(dest ...any) error) (fields.LearnedPattern, error) {
	var p fields.LearnedPattern
	var examples string
	if err := scan(&p.Pattern, &p.PatternType, &p.Frequency, &p.Priority, &p.MatchRate,
		&p.UsageCount, &p.SuccessCount, &examples); err != nil {
		return p, err
	}
	if err := json.Unmarshal([]byte(examples), &p.Examples); err != nil {
		return p, fmt.Errorf("decode examples: %w", err)
	}
	return p, nil
}

const patternColumns = `pattern, pattern_type, frequency, priority, match_rate, usage_count, success_count, examples`

func (s *SQLite) UpsertPattern(ctx context.Context, templateID, field string, p fields.LearnedPattern) (fields.LearnedPattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return p, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	row := tx.QueryRowContext(ctx,
		`SELECT `+patternColumns+` FROM learned_patterns WHERE template_id = ? AND field_name = ? AND pattern = ?`,
		templateID, field, p.Pattern)
	existing, err := scanPattern(row.Scan)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		existing = p
		if len(existing.Examples) > fields.MaxPatternExamples {
			existing.Examples = existing.Examples[:fields.MaxPatternExamples]
		}
	case err != nil:
		return p, fmt.Errorf("load pattern: %w", err)
	default:
		existing.Merge(p)
	}

	examples := existing.Examples
	if examples == nil {
		examples = []string{}
	}
	data, err := json.Marshal(examples)
	if err != nil {
		return p, fmt.Errorf("encode examples: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO learned_patterns (template_id, field_name, `+patternColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (template_id, field_name, pattern) DO UPDATE SET
		   pattern_type = excluded.pattern_type,
		   frequency = excluded.frequency,
		   priority = excluded.priority,
		   match_rate = excluded.match_rate,
		   usage_count = excluded.usage_count,
		   success_count = excluded.success_count,
		   examples = excluded.examples`,
		templateID, field, existing.Pattern, existing.PatternType, existing.Frequency, existing.Priority,
		existing.MatchRate, existing.UsageCount, existing.SuccessCount, string(data)); err != nil {
		return p, fmt.Errorf("upsert pattern: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return p, fmt.Errorf("commit: %w", err)
	}
	return existing, nil
}

func (s *SQLite) Patterns(ctx context.Context, templateID, field string) ([]fields.LearnedPattern, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+patternColumns+` FROM learned_patterns WHERE template_id = ? AND field_name = ? ORDER BY rowid`,
		templateID, field)
	if err != nil {
		return nil, fmt.Errorf("query patterns: %w", err)
	}
	defer rows.Close()

	var out []fields.LearnedPattern
	for rows.Next() {
		p, err := scanPattern(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLite) RecordPatternUsage(ctx context.Context, templateID, field, pattern string, success bool) error {
	inc := 0
	if success {
		inc = 1
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE learned_patterns SET usage_count = usage_count + 1, success_count = success_count + ?
		 WHERE template_id = ? AND field_name = ? AND pattern = ?`,
		inc, templateID, field, pattern)
	if err != nil {
		return fmt.Errorf("record pattern usage: %w", err)
	}
	return nil
}

func (s *SQLite) SaveNoise(ctx context.Context, templateID, field string, profile fields.NoiseProfile) error {
	data, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("encode noise profile: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO noise_profiles (template_id, field_name, profile) VALUES (?, ?, ?)
		 ON CONFLICT (template_id, field_name) DO UPDATE SET profile = excluded.profile`,
		templateID, field, string(data))
	if err != nil {
		return fmt.Errorf("save noise profile: %w", err)
	}
	return nil
}

func (s *SQLite) Noise(ctx context.Context, templateID, field string) (*fields.NoiseProfile, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT profile FROM noise_profiles WHERE template_id = ? AND field_name = ?`,
		templateID, field).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query noise profile: %w", err)
	}
	var p fields.NoiseProfile
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("decode noise profile: %w", err)
	}
	return &p, nil
}

func (s *SQLite) AppendExamples(ctx context.Context, examples []fields.TrainingExample) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO training_examples (template_id, document_id, field_name, example) VALUES (?, ?, ?, ?)
		 ON CONFLICT (template_id, document_id, field_name) DO UPDATE SET example = excluded.example`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, ex := range examples {
		data, err := json.Marshal(ex)
		if err != nil {
			return fmt.Errorf("encode example: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, ex.TemplateID, ex.DocumentID, ex.FieldName, string(data)); err != nil {
			return fmt.Errorf("append example: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) Examples(ctx context.Context, templateID string) ([]fields.TrainingExample, error) {
	query := `SELECT example FROM training_examples ORDER BY rowid`
	args := []any{}
	if templateID != "" {
		query = `SELECT example FROM training_examples WHERE template_id = ? ORDER BY rowid`
		args = append(args, templateID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query examples: %w", err)
	}
	defer rows.Close()

	var out []fields.TrainingExample
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan example: %w", err)
		}
		var ex fields.TrainingExample
		if err := json.Unmarshal([]byte(data), &ex); err != nil {
			return nil, fmt.Errorf("decode example: %w", err)
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}
