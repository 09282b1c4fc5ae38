package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Annotation is a free-form note pinned to a case, kept as a JSON array on
// the row so the whole case still travels as one record.
type Annotation struct {
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

type CaseFile struct {
	ID               int64        `json:"id"`
	Title            string       `json:"title"`
	CreatorUserID    int64        `json:"creator_user_id"`
	CreatorUsername  string       `json:"creator_username"`
	IncidentType     string       `json:"incident_type"`
	Annotations      []Annotation `json:"annotations"`
	Notes            string       `json:"notes"`
	ReporterPersonID int64        `json:"reporter_person_id"`
	ReportedPersonID int64        `json:"reported_person_id"`
	IsFinalized      bool         `json:"is_finalized"`
	IsFinished       bool         `json:"is_finished"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// Person holds out-of-band identity details attached to a case, either the
// staff member filing it or a known real-world subject.
type Person struct {
	ID          int64     `json:"id"`
	FirstName   string    `json:"first_name"`
	LastName    string    `json:"last_name"`
	BirthDate   string    `json:"birth_date"`
	Age         int       `json:"age"`
	Phones      []string  `json:"phones"`
	Emails      []string  `json:"emails"`
	AddressLine string    `json:"address_line"`
	City        string    `json:"city"`
	Region      string    `json:"region"`
	PostalCode  string    `json:"postal_code"`
	Country     string    `json:"country"`
	CreatedAt   time.Time `json:"created_at"`
}

type CasesStore interface {
	Create(ctx context.Context, c *CaseFile) (int64, error)
	Get(ctx context.Context, id int64) (*CaseFile, error)
	List(ctx context.Context, limit, offset int) ([]CaseFile, error)
	Update(ctx context.Context, c *CaseFile) error
	AddAnnotation(ctx context.Context, caseID int64, a Annotation) error
	SetFinalized(ctx context.Context, caseID int64) error
	SetFinished(ctx context.Context, caseID int64) error
	ClearFinalized(ctx context.Context, caseID int64) error

	CreatePerson(ctx context.Context, p *Person) (int64, error)
	GetPerson(ctx context.Context, id int64) (*Person, error)
}

type casesStore struct {
	db *sql.DB
}

func NewCasesStore(db *sql.DB) CasesStore {
	return &casesStore{db: db}
}

const caseCols = `id, title, creator_user_id, creator_username, incident_type, annotations_json, notes,
	reporter_person_id, reported_person_id, is_finalized, is_finished, created_at, updated_at`

func (s *casesStore) Create(ctx context.Context, c *CaseFile) (int64, error) {
	now := time.Now().UTC()
	annotations, err := marshalAnnotations(c.Annotations)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO case_files(title, creator_user_id, creator_username, incident_type, annotations_json, notes,
			reporter_person_id, reported_person_id, is_finalized, is_finished, created_at, updated_at)
		VALUES(?,?,?,?,?,?,?,?,0,0,?,?)`,
		strings.TrimSpace(c.Title), c.CreatorUserID, strings.TrimSpace(c.CreatorUsername),
		c.IncidentType, annotations, c.Notes, c.ReporterPersonID, c.ReportedPersonID, now, now)
	if err != nil {
		return 0, err
	}
	c.ID, _ = res.LastInsertId()
	c.CreatedAt = now
	c.UpdatedAt = now
	return c.ID, nil
}

func (s *casesStore) Get(ctx context.Context, id int64) (*CaseFile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+caseCols+` FROM case_files WHERE id=?`, id)
	return scanCaseFile(row.Scan)
}

func (s *casesStore) List(ctx context.Context, limit, offset int) ([]CaseFile, error) {
	query := `SELECT ` + caseCols + ` FROM case_files ORDER BY created_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []CaseFile
	for rows.Next() {
		c, err := scanCaseFile(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, *c)
	}
	return res, rows.Err()
}

// Update rewrites the editable fields. It refuses to touch a finalized case;
// by that point the row feeds an outbound report and must stay stable.
func (s *casesStore) Update(ctx context.Context, c *CaseFile) error {
	annotations, err := marshalAnnotations(c.Annotations)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE case_files SET title=?, incident_type=?, annotations_json=?, notes=?,
			reporter_person_id=?, reported_person_id=?, updated_at=?
		WHERE id=? AND is_finalized=0`,
		strings.TrimSpace(c.Title), c.IncidentType, annotations, c.Notes,
		c.ReporterPersonID, c.ReportedPersonID, time.Now().UTC(), c.ID)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrFinalized
	}
	return nil
}

func (s *casesStore) AddAnnotation(ctx context.Context, caseID int64, a Annotation) error {
	c, err := s.Get(ctx, caseID)
	if err != nil {
		return err
	}
	if c == nil {
		return sql.ErrNoRows
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	annotations, err := marshalAnnotations(append(c.Annotations, a))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE case_files SET annotations_json=?, updated_at=? WHERE id=?`,
		annotations, time.Now().UTC(), caseID)
	return err
}

func (s *casesStore) SetFinalized(ctx context.Context, caseID int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE case_files SET is_finalized=1, updated_at=? WHERE id=? AND is_finalized=0`,
		time.Now().UTC(), caseID)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrFinalized
	}
	return nil
}

func (s *casesStore) SetFinished(ctx context.Context, caseID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE case_files SET is_finished=1, updated_at=? WHERE id=?`, time.Now().UTC(), caseID)
	return err
}

// ClearFinalized reopens a case after a retraction so it can be amended and
// re-filed.
func (s *casesStore) ClearFinalized(ctx context.Context, caseID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE case_files SET is_finalized=0, is_finished=0, updated_at=? WHERE id=?`, time.Now().UTC(), caseID)
	return err
}

func (s *casesStore) CreatePerson(ctx context.Context, p *Person) (int64, error) {
	now := time.Now().UTC()
	phones, err := json.Marshal(orEmpty(p.Phones))
	if err != nil {
		return 0, err
	}
	emails, err := json.Marshal(orEmpty(p.Emails))
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO persons(first_name, last_name, birth_date, age, phones_json, emails_json,
			address_line, city, region, postal_code, country, created_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.FirstName, p.LastName, p.BirthDate, p.Age, string(phones), string(emails),
		p.AddressLine, p.City, p.Region, p.PostalCode, p.Country, now)
	if err != nil {
		return 0, err
	}
	p.ID, _ = res.LastInsertId()
	p.CreatedAt = now
	return p.ID, nil
}

func (s *casesStore) GetPerson(ctx context.Context, id int64) (*Person, error) {
	if id == 0 {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, first_name, last_name, birth_date, age, phones_json, emails_json,
			address_line, city, region, postal_code, country, created_at
		FROM persons WHERE id=?`, id)
	var p Person
	var phones, emails string
	if err := row.Scan(&p.ID, &p.FirstName, &p.LastName, &p.BirthDate, &p.Age, &phones, &emails,
		&p.AddressLine, &p.City, &p.Region, &p.PostalCode, &p.Country, &p.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(phones), &p.Phones); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(emails), &p.Emails); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanCaseFile(scan func(dest ...any) error) (*CaseFile, error) {
	var c CaseFile
	var annotations string
	var finalized, finished int
	if err := scan(&c.ID, &c.Title, &c.CreatorUserID, &c.CreatorUsername, &c.IncidentType, &annotations, &c.Notes,
		&c.ReporterPersonID, &c.ReportedPersonID, &finalized, &finished, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(annotations), &c.Annotations); err != nil {
		return nil, err
	}
	c.IsFinalized = finalized == 1
	c.IsFinished = finished == 1
	return &c, nil
}

func marshalAnnotations(list []Annotation) (string, error) {
	if list == nil {
		list = []Annotation{}
	}
	raw, err := json.Marshal(list)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func orEmpty(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}
