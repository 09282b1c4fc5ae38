package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrFinalized is returned when an association is attempted against an
// incident that has already entered case finalization.
var ErrFinalized = errors.New("incident is finalized")

type Incident struct {
	ID              int64     `json:"id"`
	Title           string    `json:"title"`
	CreatorUserID   int64     `json:"creator_user_id"`
	CreatorUsername string    `json:"creator_username"`
	CaseID          int64     `json:"case_id"`
	IsFinalized     bool      `json:"is_finalized"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type IncidentUser struct {
	IncidentID int64  `json:"incident_id"`
	UserID     int64  `json:"user_id"`
	Username   string `json:"username"`
}

type IncidentContent struct {
	IncidentID  int64  `json:"incident_id"`
	ContentKind string `json:"content_kind"`
	ContentID   int64  `json:"content_id"`
	UserID      int64  `json:"user_id"`
	Username    string `json:"username"`
}

type IncidentAttachment struct {
	IncidentID int64  `json:"incident_id"`
	DataID     int64  `json:"data_id"`
	UserID     int64  `json:"user_id"`
	Username   string `json:"username"`
}

// ContentKey addresses one content item. It is the only wire shape the store
// accepts for content references.
type ContentKey struct {
	Kind string `json:"kind"`
	ID   int64  `json:"id"`
}

func (k ContentKey) String() string {
	return fmt.Sprintf("%s-%d", k.Kind, k.ID)
}

type IncidentFilter struct {
	CaseID    int64
	Finalized *bool
	Limit     int
	Offset    int
}

type IncidentsStore interface {
	Create(ctx context.Context, inc *Incident) (int64, error)
	Get(ctx context.Context, id int64) (*Incident, error)
	List(ctx context.Context, filter IncidentFilter) ([]Incident, error)
	Delete(ctx context.Context, id int64) error
	Update(ctx context.Context, inc *Incident) error
	SetCase(ctx context.Context, incidentID, caseID int64) error
	ListByCase(ctx context.Context, caseID int64) ([]Incident, error)
	MarkCaseIncidentsFinalized(ctx context.Context, caseID int64) error
	ClearCaseIncidentsFinalized(ctx context.Context, caseID int64) error

	AddUser(ctx context.Context, incidentID, userID int64, username string) (bool, error)
	AddContent(ctx context.Context, incidentID int64, key ContentKey, ownerID int64, username string) (bool, error)
	AddAttachment(ctx context.Context, incidentID, dataID, ownerID int64, username string) (bool, error)
	RemoveUsers(ctx context.Context, incidentID int64, userIDs []int64) ([]int64, error)
	RemoveContentBatch(ctx context.Context, incidentID int64, keys []ContentKey) error
	RemoveAttachment(ctx context.Context, incidentID, dataID int64) error

	ListUsers(ctx context.Context, incidentID int64) ([]IncidentUser, error)
	ListContents(ctx context.Context, incidentID int64) ([]IncidentContent, error)
	ListAttachments(ctx context.Context, incidentID int64) ([]IncidentAttachment, error)
	ListUserContentInCase(ctx context.Context, caseID, userID int64) ([]IncidentContent, error)
	ListUserAttachmentsInCase(ctx context.Context, caseID, userID int64) ([]IncidentAttachment, error)
	UserIDsForCase(ctx context.Context, caseID int64) ([]int64, error)

	RecomputeAttachmentCount(ctx context.Context, dataID int64) (int64, error)
	RecomputeUserFlag(ctx context.Context, userID int64) (bool, error)
}

type incidentsStore struct {
	db *sql.DB
}

func NewIncidentsStore(db *sql.DB) IncidentsStore {
	return &incidentsStore{db: db}
}

func (s *incidentsStore) Create(ctx context.Context, inc *Incident) (int64, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO incidents(title, creator_user_id, creator_username, case_id, is_finalized, created_at, updated_at)
		VALUES(?,?,?,?,0,?,?)`,
		strings.TrimSpace(inc.Title), inc.CreatorUserID, strings.TrimSpace(inc.CreatorUsername), inc.CaseID, now, now)
	if err != nil {
		return 0, err
	}
	id, _ := res.LastInsertId()
	inc.ID = id
	inc.CreatedAt = now
	inc.UpdatedAt = now
	return id, nil
}

func (s *incidentsStore) Get(ctx context.Context, id int64) (*Incident, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, creator_user_id, creator_username, case_id, is_finalized, created_at, updated_at
		FROM incidents WHERE id=?`, id)
	return scanIncident(row)
}

func (s *incidentsStore) List(ctx context.Context, filter IncidentFilter) ([]Incident, error) {
	var clauses []string
	var args []any
	if filter.CaseID > 0 {
		clauses = append(clauses, "case_id=?")
		args = append(args, filter.CaseID)
	}
	if filter.Finalized != nil {
		clauses = append(clauses, "is_finalized=?")
		args = append(args, boolToInt(*filter.Finalized))
	}
	query := `SELECT id, title, creator_user_id, creator_username, case_id, is_finalized, created_at, updated_at FROM incidents`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Incident
	for rows.Next() {
		inc, err := scanIncidentRow(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, inc)
	}
	return res, rows.Err()
}

func (s *incidentsStore) Update(ctx context.Context, inc *Incident) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE incidents SET title=?, updated_at=? WHERE id=?`,
		strings.TrimSpace(inc.Title), now, inc.ID)
	if err == nil {
		inc.UpdatedAt = now
	}
	return err
}

// Delete removes an incident and its join rows. The caller lists the joins
// beforehand and re-derives the affected flags and counters afterwards, the
// way the incidents service does.
func (s *incidentsStore) Delete(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, stmt := range []string{
		`DELETE FROM incident_users WHERE incident_id=?`,
		`DELETE FROM incident_contents WHERE incident_id=?`,
		`DELETE FROM incident_attachments WHERE incident_id=?`,
		`DELETE FROM incidents WHERE id=?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *incidentsStore) SetCase(ctx context.Context, incidentID, caseID int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE incidents SET case_id=?, updated_at=? WHERE id=? AND is_finalized=0`,
		caseID, time.Now().UTC(), incidentID)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrFinalized
	}
	return nil
}

func (s *incidentsStore) ListByCase(ctx context.Context, caseID int64) ([]Incident, error) {
	return s.List(ctx, IncidentFilter{CaseID: caseID})
}

func (s *incidentsStore) MarkCaseIncidentsFinalized(ctx context.Context, caseID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE incidents SET is_finalized=1, updated_at=? WHERE case_id=?`, time.Now().UTC(), caseID)
	return err
}

func (s *incidentsStore) ClearCaseIncidentsFinalized(ctx context.Context, caseID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE incidents SET is_finalized=0, updated_at=? WHERE case_id=?`, time.Now().UTC(), caseID)
	return err
}

func (s *incidentsStore) guardOpen(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, incidentID int64) error {
	var finalized int
	if err := q.QueryRowContext(ctx, `SELECT is_finalized FROM incidents WHERE id=?`, incidentID).Scan(&finalized); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("incident %d not found", incidentID)
		}
		return err
	}
	if finalized == 1 {
		return ErrFinalized
	}
	return nil
}

func (s *incidentsStore) AddUser(ctx context.Context, incidentID, userID int64, username string) (bool, error) {
	if err := s.guardOpen(ctx, s.db, incidentID); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO incident_users(incident_id, user_id, username)
		VALUES(?,?,?)
		ON CONFLICT (incident_id, user_id) DO NOTHING`,
		incidentID, userID, strings.TrimSpace(username))
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (s *incidentsStore) AddContent(ctx context.Context, incidentID int64, key ContentKey, ownerID int64, username string) (bool, error) {
	if err := s.guardOpen(ctx, s.db, incidentID); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO incident_contents(incident_id, content_kind, content_id, user_id, username)
		VALUES(?,?,?,?,?)
		ON CONFLICT (incident_id, content_kind, content_id) DO NOTHING`,
		incidentID, key.Kind, key.ID, ownerID, strings.TrimSpace(username))
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (s *incidentsStore) AddAttachment(ctx context.Context, incidentID, dataID, ownerID int64, username string) (bool, error) {
	if err := s.guardOpen(ctx, s.db, incidentID); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO incident_attachments(incident_id, data_id, user_id, username)
		VALUES(?,?,?,?)
		ON CONFLICT (incident_id, data_id) DO NOTHING`,
		incidentID, dataID, ownerID, strings.TrimSpace(username))
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	if affected > 0 {
		if _, err := s.RecomputeAttachmentCount(ctx, dataID); err != nil {
			return true, err
		}
	}
	return affected > 0, nil
}

// RemoveUsers drops the listed users from the incident along with their
// content and attachment rows for that incident only. It returns the data
// ids whose counters need recomputing.
func (s *incidentsStore) RemoveUsers(ctx context.Context, incidentID int64, userIDs []int64) ([]int64, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	ph := placeholders(len(userIDs))
	args := append([]any{incidentID}, int64Args(userIDs)...)

	dataIDs, err := s.collectDataIDs(ctx, `
		SELECT data_id FROM incident_attachments WHERE incident_id=? AND user_id IN (`+ph+`)`, args...)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	for _, stmt := range []string{
		`DELETE FROM incident_attachments WHERE incident_id=? AND user_id IN (` + ph + `)`,
		`DELETE FROM incident_contents WHERE incident_id=? AND user_id IN (` + ph + `)`,
		`DELETE FROM incident_users WHERE incident_id=? AND user_id IN (` + ph + `)`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			tx.Rollback()
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	for _, dataID := range dataIDs {
		if _, err := s.RecomputeAttachmentCount(ctx, dataID); err != nil {
			return dataIDs, err
		}
	}
	return dataIDs, nil
}

func (s *incidentsStore) RemoveContentBatch(ctx context.Context, incidentID int64, keys []ContentKey) error {
	if len(keys) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM incident_contents WHERE incident_id=? AND content_kind=? AND content_id=?`,
			incidentID, key.Kind, key.ID); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *incidentsStore) RemoveAttachment(ctx context.Context, incidentID, dataID int64) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM incident_attachments WHERE incident_id=? AND data_id=?`, incidentID, dataID); err != nil {
		return err
	}
	_, err := s.RecomputeAttachmentCount(ctx, dataID)
	return err
}

func (s *incidentsStore) ListUsers(ctx context.Context, incidentID int64) ([]IncidentUser, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT incident_id, user_id, username
		FROM incident_users WHERE incident_id=? ORDER BY user_id ASC`, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []IncidentUser
	for rows.Next() {
		var u IncidentUser
		if err := rows.Scan(&u.IncidentID, &u.UserID, &u.Username); err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

func (s *incidentsStore) ListContents(ctx context.Context, incidentID int64) ([]IncidentContent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT incident_id, content_kind, content_id, user_id, username
		FROM incident_contents WHERE incident_id=? ORDER BY content_kind ASC, content_id ASC`, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIncidentContents(rows)
}

func (s *incidentsStore) ListAttachments(ctx context.Context, incidentID int64) ([]IncidentAttachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT incident_id, data_id, user_id, username
		FROM incident_attachments WHERE incident_id=? ORDER BY data_id ASC`, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIncidentAttachments(rows)
}

func (s *incidentsStore) ListUserContentInCase(ctx context.Context, caseID, userID int64) ([]IncidentContent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ic.incident_id, ic.content_kind, ic.content_id, ic.user_id, ic.username
		FROM incident_contents ic
		JOIN incidents i ON i.id = ic.incident_id
		WHERE i.case_id=? AND ic.user_id=?
		ORDER BY ic.content_kind ASC, ic.content_id ASC`, caseID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIncidentContents(rows)
}

func (s *incidentsStore) ListUserAttachmentsInCase(ctx context.Context, caseID, userID int64) ([]IncidentAttachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ia.incident_id, ia.data_id, ia.user_id, ia.username
		FROM incident_attachments ia
		JOIN incidents i ON i.id = ia.incident_id
		WHERE i.case_id=? AND ia.user_id=?
		ORDER BY ia.data_id ASC`, caseID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIncidentAttachments(rows)
}

func (s *incidentsStore) UserIDsForCase(ctx context.Context, caseID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT iu.user_id
		FROM incident_users iu
		JOIN incidents i ON i.id = iu.incident_id
		WHERE i.case_id=?
		ORDER BY iu.user_id ASC`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res = append(res, id)
	}
	return res, rows.Err()
}

// RecomputeAttachmentCount counts the live join rows for the blob and writes
// the result to its denormalized counter. Always a full recount, never an
// increment: the counter must not drift.
func (s *incidentsStore) RecomputeAttachmentCount(ctx context.Context, dataID int64) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM incident_attachments WHERE data_id=?`, dataID).Scan(&count); err != nil {
		return 0, err
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE attachment_data SET incident_count=? WHERE id=?`, count, dataID); err != nil {
		return 0, err
	}
	return count, nil
}

// RecomputeUserFlag re-derives the "user is in an open incident" marker from
// the live join rows. Finalized incidents no longer count: once their case
// is filed the user's account is free to be deleted.
func (s *incidentsStore) RecomputeUserFlag(ctx context.Context, userID int64) (bool, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM incident_users iu
		JOIN incidents i ON i.id = iu.incident_id
		WHERE iu.user_id=? AND i.is_finalized=0`, userID).Scan(&count); err != nil {
		return false, err
	}
	inIncident := count > 0
	if _, err := s.db.ExecContext(ctx, `
		UPDATE users SET in_csam_incident=? WHERE id=?`, boolToInt(inIncident), userID); err != nil {
		return inIncident, err
	}
	return inIncident, nil
}

func (s *incidentsStore) collectDataIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res = append(res, id)
	}
	return res, rows.Err()
}

func scanIncident(row *sql.Row) (*Incident, error) {
	var inc Incident
	var finalized int
	if err := row.Scan(&inc.ID, &inc.Title, &inc.CreatorUserID, &inc.CreatorUsername, &inc.CaseID, &finalized, &inc.CreatedAt, &inc.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	inc.IsFinalized = finalized == 1
	return &inc, nil
}

func scanIncidentRow(rows *sql.Rows) (Incident, error) {
	var inc Incident
	var finalized int
	if err := rows.Scan(&inc.ID, &inc.Title, &inc.CreatorUserID, &inc.CreatorUsername, &inc.CaseID, &finalized, &inc.CreatedAt, &inc.UpdatedAt); err != nil {
		return inc, err
	}
	inc.IsFinalized = finalized == 1
	return inc, nil
}

func scanIncidentContents(rows *sql.Rows) ([]IncidentContent, error) {
	var res []IncidentContent
	for rows.Next() {
		var c IncidentContent
		if err := rows.Scan(&c.IncidentID, &c.ContentKind, &c.ContentID, &c.UserID, &c.Username); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func scanIncidentAttachments(rows *sql.Rows) ([]IncidentAttachment, error) {
	var res []IncidentAttachment
	for rows.Next() {
		var a IncidentAttachment
		if err := rows.Scan(&a.IncidentID, &a.DataID, &a.UserID, &a.Username); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
