package postgres

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openradx/exammatch/internal/domain/validation"
	apperrors "github.com/openradx/exammatch/pkg/errors"
)

// Store is the PostgreSQL implementation of validation.Store.  Hint and
// history are stored as JSONB so the review trail travels with the row.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wraps an existing pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const recordColumns = `unique_input_id, raw_text, exam_code, modality_code, data_source,
	concept_id, clean_name, confidence, status, hint, history, created_at, updated_at`

func (s *Store) Get(ctx context.Context, uniqueInputID string) (*validation.Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM validation_records WHERE unique_input_id = $1`,
		uniqueInputID)
	return scanRecord(row, uniqueInputID)
}

func (s *Store) Put(ctx context.Context, record *validation.Record) error {
	if record == nil || record.UniqueInputID == "" {
		return apperrors.New(apperrors.ErrCodeBadRequest, "validation record has no unique input id")
	}
	hint, history, err := encodeJSON(record)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO validation_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (unique_input_id) DO UPDATE SET
			raw_text = EXCLUDED.raw_text,
			exam_code = EXCLUDED.exam_code,
			modality_code = EXCLUDED.modality_code,
			data_source = EXCLUDED.data_source,
			concept_id = EXCLUDED.concept_id,
			clean_name = EXCLUDED.clean_name,
			confidence = EXCLUDED.confidence,
			status = EXCLUDED.status,
			hint = EXCLUDED.hint,
			history = EXCLUDED.history,
			updated_at = EXCLUDED.updated_at`,
		record.UniqueInputID, record.RawText, record.ExamCode, record.ModalityCode,
		record.DataSource, record.ConceptID, record.CleanName, record.Confidence,
		string(record.Status), hint, history, record.CreatedAt, record.UpdatedAt)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeDatabaseError, "upsert validation record")
	}
	return nil
}

func (s *Store) ListByStatus(ctx context.Context, status validation.Status) ([]*validation.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM validation_records
		 WHERE status = $1 ORDER BY unique_input_id`,
		string(status))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeDatabaseError, "list validation records")
	}
	defer rows.Close()

	var out []*validation.Record
	for rows.Next() {
		r, err := scanRecord(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeDatabaseError, "iterate validation records")
	}
	return out, nil
}

// Update serializes concurrent decisions on one record with a row lock.
func (s *Store) Update(ctx context.Context, uniqueInputID string, fn func(*validation.Record) error) (*validation.Record, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeDatabaseError, "begin update transaction")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM validation_records
		 WHERE unique_input_id = $1 FOR UPDATE`,
		uniqueInputID)
	record, err := scanRecord(row, uniqueInputID)
	if err != nil {
		return nil, err
	}
	if err := fn(record); err != nil {
		return nil, err
	}

	hint, history, err := encodeJSON(record)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(ctx, `
		UPDATE validation_records SET
			concept_id = $2, clean_name = $3, confidence = $4, status = $5,
			hint = $6, history = $7, updated_at = $8
		WHERE unique_input_id = $1`,
		record.UniqueInputID, record.ConceptID, record.CleanName, record.Confidence,
		string(record.Status), hint, history, record.UpdatedAt)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeDatabaseError, "write validation record")
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeDatabaseError, "commit validation record")
	}
	return record, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(row scannable, uniqueInputID string) (*validation.Record, error) {
	var (
		r       validation.Record
		status  string
		hint    []byte
		history []byte
	)
	err := row.Scan(&r.UniqueInputID, &r.RawText, &r.ExamCode, &r.ModalityCode,
		&r.DataSource, &r.ConceptID, &r.CleanName, &r.Confidence, &status,
		&hint, &history, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrCodeValidationRecordNotFound,
			"no validation record for input %s", uniqueInputID)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeDatabaseError, "scan validation record")
	}

	r.Status = validation.Status(status)
	if len(hint) > 0 {
		if err := json.Unmarshal(hint, &r.Hint); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeSerialization, "decode reprocessing hint")
		}
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &r.History); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeSerialization, "decode decision history")
		}
	}
	return &r, nil
}

func encodeJSON(record *validation.Record) (hint, history []byte, err error) {
	if record.Hint != nil {
		hint, err = json.Marshal(record.Hint)
		if err != nil {
			return nil, nil, apperrors.Wrap(err, apperrors.ErrCodeSerialization, "encode reprocessing hint")
		}
	}
	if len(record.History) > 0 {
		history, err = json.Marshal(record.History)
		if err != nil {
			return nil, nil, apperrors.Wrap(err, apperrors.ErrCodeSerialization, "encode decision history")
		}
	}
	return hint, history, nil
}
