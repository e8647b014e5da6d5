package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Answers is the Postgres-backed answer store. The coordinator core only
// sees the commit.AnswerStore interface; this adapter owns the schema
// details.
type Answers struct {
	pool *pgxpool.Pool
}

func NewAnswers(pool *pgxpool.Pool) *Answers {
	return &Answers{pool: pool}
}

// Persist upserts one answer. A student re-submitting the same question
// overwrites the previous answer; submission time and time spent accumulate
// on the latest attempt.
func (s *Answers) Persist(ctx context.Context, sessionID, studentID, questionID string, answer json.RawMessage, timeSpentSec int) error {
	const q = `
		INSERT INTO exam_answers (session_id, student_id, question_id, answer, time_spent_sec, submitted_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (session_id, student_id, question_id)
		DO UPDATE SET answer = EXCLUDED.answer,
		              time_spent_sec = exam_answers.time_spent_sec + EXCLUDED.time_spent_sec,
		              submitted_at = now()`

	if _, err := s.pool.Exec(ctx, q, sessionID, studentID, questionID, answer, timeSpentSec); err != nil {
		return fmt.Errorf("failed to persist answer: %w", err)
	}

	log.Debug().
		Str("session_id", sessionID).
		Str("student_id", studentID).
		Str("question_id", questionID).
		Msg("answer persisted")
	return nil
}
