// Package learning persists learned (natural input → command) patterns and
// updates their confidence from user feedback. Lookup is semantic when an
// embedding provider is configured and falls back to exact matching when it
// is not.
package learning

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	"github.com/northriverfence/orbit/pkg/learning/embedding"
)

// Scoring constants for the semantic lookup: combined score is
// 0.7·similarity + 0.3·confidence, returned only above 0.6.
const (
	similarityWeight = 0.7
	confidenceWeight = 0.3
	matchCutoff      = 0.6
)

type Pattern struct {
	ID           int64
	NaturalInput string
	LearnedCmd   string
	Confidence   float64
	SuccessCount int64
	FailureCount int64
}

type TemporalPattern struct {
	Command      string
	HourOfDay    int
	DayOfWeek    int
	Frequency    int64
	LastExecuted time.Time
}

type Stats struct {
	TotalPatterns        int64
	TotalExecutions      int64
	SuccessfulExecutions int64
	SuccessRate          float64
}

// Store owns the learning database. Writers are serialized internally; no
// external locking is required.
type Store struct {
	db       *dbutil.Database
	embedder *embedding.Provider

	writeMu sync.Mutex
	log     zerolog.Logger
}

func NewStore(ctx context.Context, db *dbutil.Database, embedder *embedding.Provider, log zerolog.Logger) (*Store, error) {
	s := &Store{
		db:       db,
		embedder: embedder,
		log:      log.With().Str("component", "learning").Logger(),
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("learning schema: %w", err)
	}
	if embedder != nil {
		s.log.Info().Str("model", embedder.Model()).Int("dimension", embedder.Dimension()).
			Msg("Embedding provider initialized")
	} else {
		s.log.Info().Msg("No embedding provider, using exact matching")
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS command_patterns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			natural_input TEXT NOT NULL,
			learned_command TEXT NOT NULL,
			success_count INTEGER NOT NULL DEFAULT 0,
			failure_count INTEGER NOT NULL DEFAULT 0,
			confidence REAL NOT NULL DEFAULT 0.5,
			embedding BLOB,
			last_used INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			UNIQUE (natural_input, learned_command)
		)`,
		`CREATE TABLE IF NOT EXISTS corrections (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			original_input TEXT NOT NULL,
			ai_suggestion TEXT NOT NULL,
			user_correction TEXT NOT NULL,
			context TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS execution_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			input TEXT NOT NULL,
			executed_command TEXT NOT NULL,
			exit_code INTEGER,
			duration_ms INTEGER,
			context TEXT,
			timestamp INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS temporal_patterns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			command TEXT NOT NULL,
			hour_of_day INTEGER NOT NULL,
			day_of_week INTEGER NOT NULL,
			frequency INTEGER NOT NULL DEFAULT 1,
			last_executed INTEGER NOT NULL,
			UNIQUE (command, hour_of_day, day_of_week)
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// EmbeddingsEnabled reports whether semantic lookup is active.
func (s *Store) EmbeddingsEnabled() bool {
	return s.embedder != nil
}

// FindSimilar returns the best learned pattern for input, or nil when
// nothing scores above the cutoff. Embedding failures downgrade to exact
// matching rather than failing the lookup.
func (s *Store) FindSimilar(ctx context.Context, input string) (*Pattern, error) {
	if s.embedder != nil {
		match, err := s.findByEmbedding(ctx, input)
		if err == nil {
			return match, nil
		}
		s.log.Warn().Err(err).Msg("Semantic lookup failed, falling back to exact match")
	}
	return s.findExact(ctx, input)
}

func (s *Store) findByEmbedding(ctx context.Context, input string) (*Pattern, error) {
	inputVec, err := s.embedder.EmbedQuery(ctx, input)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx,
		`SELECT id, natural_input, learned_command, confidence, success_count, failure_count, embedding
		 FROM command_patterns WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var best *Pattern
	bestScore := math.Inf(-1)
	for rows.Next() {
		var p Pattern
		var blob []byte
		if err := rows.Scan(&p.ID, &p.NaturalInput, &p.LearnedCmd, &p.Confidence, &p.SuccessCount, &p.FailureCount, &blob); err != nil {
			return nil, err
		}
		patternVec := DeserializeEmbedding(blob)
		score := similarityWeight*embedding.CosineSimilarity(inputVec, patternVec) + confidenceWeight*p.Confidence
		if score > bestScore {
			bestScore = score
			matched := p
			best = &matched
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if best == nil || bestScore <= matchCutoff {
		return nil, nil
	}
	s.log.Debug().
		Str("input", input).
		Str("command", best.LearnedCmd).
		Float64("score", bestScore).
		Msg("Found similar command")
	return best, nil
}

func (s *Store) findExact(ctx context.Context, input string) (*Pattern, error) {
	var p Pattern
	err := s.db.QueryRow(ctx,
		`SELECT id, natural_input, learned_command, confidence, success_count, failure_count
		 FROM command_patterns
		 WHERE natural_input=$1
		 ORDER BY confidence DESC, last_used DESC
		 LIMIT 1`, input).
		Scan(&p.ID, &p.NaturalInput, &p.LearnedCmd, &p.Confidence, &p.SuccessCount, &p.FailureCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// RecordSuccess reinforces (input → executed). Existing patterns move
// confidence toward 1 by a tenth of the remaining gap; new patterns start at
// 0.6 with one success.
func (s *Store) RecordSuccess(ctx context.Context, input, executed string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var blob []byte
	if s.embedder != nil {
		vec, err := s.embedder.EmbedQuery(ctx, input)
		if err != nil {
			s.log.Warn().Err(err).Msg("Failed to generate embedding for pattern")
		} else if dim := s.embedder.Dimension(); dim > 0 && len(vec) != dim {
			s.log.Warn().Int("got", len(vec)).Int("want", dim).
				Msg("Embedding has the wrong dimension, not storing it")
		} else {
			blob = SerializeEmbedding(vec)
		}
	}
	now := time.Now().UnixMilli()
	result, err := s.db.Exec(ctx,
		`UPDATE command_patterns
		 SET success_count = success_count + 1,
		     confidence = confidence + 0.1 * (1.0 - confidence),
		     embedding = COALESCE($1, embedding),
		     last_used = $2
		 WHERE natural_input=$3 AND learned_command=$4`,
		blob, now, input, executed)
	if err != nil {
		return fmt.Errorf("update pattern: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO command_patterns
		   (natural_input, learned_command, success_count, failure_count, confidence, embedding, last_used, created_at)
		 VALUES ($1, $2, 1, 0, 0.6, $3, $4, $4)`,
		input, executed, blob, now)
	if err != nil {
		return fmt.Errorf("insert pattern: %w", err)
	}
	return nil
}

// RecordFailure penalizes (input → executed) when the pattern exists.
func (s *Store) RecordFailure(ctx context.Context, input, executed string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.Exec(ctx,
		`UPDATE command_patterns
		 SET failure_count = failure_count + 1,
		     confidence = confidence * 0.8,
		     last_used = $1
		 WHERE natural_input=$2 AND learned_command=$3`,
		time.Now().UnixMilli(), input, executed)
	if err != nil {
		return fmt.Errorf("penalize pattern: %w", err)
	}
	return nil
}

// RecordCorrection stores the correction, demotes every pattern that learned
// the wrong suggestion, and reinforces the corrected command.
func (s *Store) RecordCorrection(ctx context.Context, input, aiSuggestion, userCorrection string, contextBlob any) error {
	s.writeMu.Lock()
	contextJSON, err := json.Marshal(contextBlob)
	if err != nil {
		s.writeMu.Unlock()
		return fmt.Errorf("marshal correction context: %w", err)
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO corrections (original_input, ai_suggestion, user_correction, context, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		input, aiSuggestion, userCorrection, string(contextJSON), time.Now().UnixMilli())
	if err != nil {
		s.writeMu.Unlock()
		return fmt.Errorf("insert correction: %w", err)
	}
	_, err = s.db.Exec(ctx,
		`UPDATE command_patterns
		 SET confidence = confidence * 0.7,
		     failure_count = failure_count + 1
		 WHERE learned_command=$1`,
		aiSuggestion)
	s.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("demote wrong suggestion: %w", err)
	}
	return s.RecordSuccess(ctx, input, userCorrection)
}

// RecordExecution appends to the execution history.
func (s *Store) RecordExecution(ctx context.Context, input, executed string, exitCode int, duration time.Duration, contextBlob any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	contextJSON, err := json.Marshal(contextBlob)
	if err != nil {
		return fmt.Errorf("marshal execution context: %w", err)
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO execution_history (input, executed_command, exit_code, duration_ms, context, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		input, executed, exitCode, duration.Milliseconds(), string(contextJSON), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// RecordTemporal upserts (command, hour, day), bumping the frequency.
func (s *Store) RecordTemporal(ctx context.Context, command string, hour, day int) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.Exec(ctx,
		`INSERT INTO temporal_patterns (command, hour_of_day, day_of_week, frequency, last_executed)
		 VALUES ($1, $2, $3, 1, $4)
		 ON CONFLICT (command, hour_of_day, day_of_week)
		 DO UPDATE SET frequency = frequency + 1, last_executed = excluded.last_executed`,
		command, hour, day, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert temporal pattern: %w", err)
	}
	return nil
}

// GetTemporalPatterns returns the five most frequent commands for an
// (hour, day) slot.
func (s *Store) GetTemporalPatterns(ctx context.Context, hour, day int) ([]TemporalPattern, error) {
	rows, err := s.db.Query(ctx,
		`SELECT command, hour_of_day, day_of_week, frequency, last_executed
		 FROM temporal_patterns
		 WHERE hour_of_day=$1 AND day_of_week=$2
		 ORDER BY frequency DESC
		 LIMIT 5`, hour, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var patterns []TemporalPattern
	for rows.Next() {
		var p TemporalPattern
		var lastExecuted int64
		if err := rows.Scan(&p.Command, &p.HourOfDay, &p.DayOfWeek, &p.Frequency, &lastExecuted); err != nil {
			return nil, err
		}
		p.LastExecuted = time.UnixMilli(lastExecuted)
		patterns = append(patterns, p)
	}
	return patterns, rows.Err()
}

// Stats aggregates pattern and execution counts.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM command_patterns`).Scan(&stats.TotalPatterns); err != nil {
		return stats, err
	}
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM execution_history`).Scan(&stats.TotalExecutions); err != nil {
		return stats, err
	}
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM execution_history WHERE exit_code = 0`).Scan(&stats.SuccessfulExecutions); err != nil {
		return stats, err
	}
	if stats.TotalExecutions > 0 {
		stats.SuccessRate = float64(stats.SuccessfulExecutions) / float64(stats.TotalExecutions) * 100
	}
	return stats, nil
}

// GetPattern fetches one pattern by its pair; nil when absent.
func (s *Store) GetPattern(ctx context.Context, input, command string) (*Pattern, error) {
	var p Pattern
	err := s.db.QueryRow(ctx,
		`SELECT id, natural_input, learned_command, confidence, success_count, failure_count
		 FROM command_patterns WHERE natural_input=$1 AND learned_command=$2`,
		input, command).
		Scan(&p.ID, &p.NaturalInput, &p.LearnedCmd, &p.Confidence, &p.SuccessCount, &p.FailureCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// SerializeEmbedding encodes a vector as IEEE-754 32-bit little-endian
// floats.
func SerializeEmbedding(vec []float64) []byte {
	if len(vec) == 0 {
		return nil
	}
	out := make([]byte, 0, len(vec)*4)
	var buf [4]byte
	for _, v := range vec {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(float32(v)))
		out = append(out, buf[:]...)
	}
	return out
}

// DeserializeEmbedding decodes a blob written by SerializeEmbedding.
func DeserializeEmbedding(blob []byte) []float64 {
	vec := make([]float64, 0, len(blob)/4)
	for i := 0; i+4 <= len(blob); i += 4 {
		bits := binary.LittleEndian.Uint32(blob[i : i+4])
		vec = append(vec, float64(math.Float32frombits(bits)))
	}
	return vec
}
