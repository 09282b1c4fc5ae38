package store

import (
	"context"
	"database/sql"
	"time"
)

// ApiLogEntry is one recorded exchange with the intake service. The table is
// append-only; rows age out through the retention job.
type ApiLogEntry struct {
	ID           int64     `json:"id"`
	Method       string    `json:"method"`
	Endpoint     string    `json:"endpoint"`
	RequestBody  string    `json:"request_body"`
	ResponseCode int       `json:"response_code"`
	ResponseBody string    `json:"response_body"`
	Success      bool      `json:"success"`
	CreatedAt    time.Time `json:"created_at"`
}

type ApiLogStore interface {
	Append(ctx context.Context, e *ApiLogEntry) error
	List(ctx context.Context, limit, offset int) ([]ApiLogEntry, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type apiLogStore struct {
	db *sql.DB
}

func NewApiLogStore(db *sql.DB) ApiLogStore {
	return &apiLogStore{db: db}
}

func (s *apiLogStore) Append(ctx context.Context, e *ApiLogEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO api_log(method, endpoint, request_body, response_code, response_body, success, created_at)
		VALUES(?,?,?,?,?,?,?)`,
		e.Method, e.Endpoint, e.RequestBody, e.ResponseCode, e.ResponseBody, boolToInt(e.Success), e.CreatedAt)
	if err != nil {
		return err
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

func (s *apiLogStore) List(ctx context.Context, limit, offset int) ([]ApiLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, method, endpoint, request_body, response_code, response_body, success, created_at
		FROM api_log ORDER BY id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []ApiLogEntry
	for rows.Next() {
		var e ApiLogEntry
		var success int
		if err := rows.Scan(&e.ID, &e.Method, &e.Endpoint, &e.RequestBody, &e.ResponseCode, &e.ResponseBody, &success, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Success = success == 1
		res = append(res, e)
	}
	return res, rows.Err()
}

func (s *apiLogStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM api_log WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
