package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type Report struct {
	ID            int64      `json:"id"`
	CaseID        int64      `json:"case_id"`
	UserID        int64      `json:"user_id"`
	NcmecReportID int64      `json:"ncmec_report_id"`
	FinishedOn    *time.Time `json:"finished_on,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

type ReportFile struct {
	ID               int64     `json:"id"`
	ReportID         int64     `json:"report_id"`
	DataID           int64     `json:"data_id"`
	OriginalFilename string    `json:"original_filename"`
	NcmecFileID      string    `json:"ncmec_file_id"`
	IP               string    `json:"ip"`
	StoragePath      string    `json:"storage_path"`
	CreatedAt        time.Time `json:"created_at"`
}

type ReportsStore interface {
	// GetOrCreate returns the report row for (caseID, userID), creating it if
	// missing. The second return is true when a new row was inserted.
	GetOrCreate(ctx context.Context, caseID, userID int64) (*Report, bool, error)
	Get(ctx context.Context, id int64) (*Report, error)
	GetByCaseUser(ctx context.Context, caseID, userID int64) (*Report, error)
	ListByCase(ctx context.Context, caseID int64) ([]Report, error)
	SetRemoteID(ctx context.Context, reportID, remoteID int64) error
	MarkFinished(ctx context.Context, reportID int64) error
	ClearForRetract(ctx context.Context, caseID int64) error

	AddFile(ctx context.Context, f *ReportFile) (*ReportFile, bool, error)
	ListFiles(ctx context.Context, reportID int64) ([]ReportFile, error)
	SetFileRemoteID(ctx context.Context, fileID int64, ncmecFileID string) error
}

type reportsStore struct {
	db *sql.DB
}

func NewReportsStore(db *sql.DB) ReportsStore {
	return &reportsStore{db: db}
}

const reportCols = `id, case_id, user_id, ncmec_report_id, finished_on, created_at`

func (s *reportsStore) GetOrCreate(ctx context.Context, caseID, userID int64) (*Report, bool, error) {
	existing, err := s.GetByCaseUser(ctx, caseID, userID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO reports(case_id, user_id, ncmec_report_id, created_at)
		VALUES(?,?,0,?)
		ON CONFLICT (case_id, user_id) DO NOTHING`, caseID, userID, now)
	if err != nil {
		return nil, false, err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		// lost the race, fetch the winner
		r, err := s.GetByCaseUser(ctx, caseID, userID)
		return r, false, err
	}
	id, _ := res.LastInsertId()
	return &Report{ID: id, CaseID: caseID, UserID: userID, CreatedAt: now}, true, nil
}

func (s *reportsStore) Get(ctx context.Context, id int64) (*Report, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+reportCols+` FROM reports WHERE id=?`, id)
	return scanReport(row.Scan)
}

func (s *reportsStore) GetByCaseUser(ctx context.Context, caseID, userID int64) (*Report, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+reportCols+` FROM reports WHERE case_id=? AND user_id=?`, caseID, userID)
	return scanReport(row.Scan)
}

func (s *reportsStore) ListByCase(ctx context.Context, caseID int64) ([]Report, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+reportCols+` FROM reports WHERE case_id=? ORDER BY user_id ASC`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Report
	for rows.Next() {
		r, err := scanReport(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, *r)
	}
	return res, rows.Err()
}

// SetRemoteID records the id the intake service assigned. The remote id is
// written once; overwriting it would orphan an already-open submission.
func (s *reportsStore) SetRemoteID(ctx context.Context, reportID, remoteID int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reports SET ncmec_report_id=? WHERE id=? AND ncmec_report_id=0`, remoteID, reportID)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("report %d already has a remote id", reportID)
	}
	return nil
}

func (s *reportsStore) MarkFinished(ctx context.Context, reportID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE reports SET finished_on=? WHERE id=?`, time.Now().UTC(), reportID)
	return err
}

// ClearForRetract drops the report rows for a case after its submissions
// were retracted upstream, so a re-finalize starts from scratch.
func (s *reportsStore) ClearForRetract(ctx context.Context, caseID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM reports WHERE case_id=?`, caseID)
	return err
}

// AddFile is idempotent on (report_id, original_filename): re-adding the
// same name returns the existing row, so a resumed run never double-books an
// upload. The bool is true when the row is new.
func (s *reportsStore) AddFile(ctx context.Context, f *ReportFile) (*ReportFile, bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO report_files(report_id, data_id, original_filename, ncmec_file_id, ip, storage_path, created_at)
		VALUES(?,?,?,?,?,?,?)
		ON CONFLICT (report_id, original_filename) DO NOTHING`,
		f.ReportID, f.DataID, f.OriginalFilename, f.NcmecFileID, f.IP, f.StoragePath, now)
	if err != nil {
		return nil, false, err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		existing, err := s.getFileByName(ctx, f.ReportID, f.OriginalFilename)
		return existing, false, err
	}
	f.ID, _ = res.LastInsertId()
	f.CreatedAt = now
	return f, true, nil
}

func (s *reportsStore) getFileByName(ctx context.Context, reportID int64, name string) (*ReportFile, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, report_id, data_id, original_filename, ncmec_file_id, ip, storage_path, created_at
		FROM report_files WHERE report_id=? AND original_filename=?`, reportID, name)
	var f ReportFile
	if err := row.Scan(&f.ID, &f.ReportID, &f.DataID, &f.OriginalFilename, &f.NcmecFileID, &f.IP, &f.StoragePath, &f.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &f, nil
}

func (s *reportsStore) ListFiles(ctx context.Context, reportID int64) ([]ReportFile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, report_id, data_id, original_filename, ncmec_file_id, ip, storage_path, created_at
		FROM report_files WHERE report_id=? ORDER BY id ASC`, reportID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []ReportFile
	for rows.Next() {
		var f ReportFile
		if err := rows.Scan(&f.ID, &f.ReportID, &f.DataID, &f.OriginalFilename, &f.NcmecFileID, &f.IP, &f.StoragePath, &f.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

func (s *reportsStore) SetFileRemoteID(ctx context.Context, fileID int64, ncmecFileID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE report_files SET ncmec_file_id=? WHERE id=?`, ncmecFileID, fileID)
	return err
}

func scanReport(scan func(dest ...any) error) (*Report, error) {
	var r Report
	var finished sql.NullTime
	if err := scan(&r.ID, &r.CaseID, &r.UserID, &r.NcmecReportID, &finished, &r.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	r.FinishedOn = timePtr(finished)
	return &r, nil
}
