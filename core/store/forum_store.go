package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

type Post struct {
	ID           int64      `json:"id"`
	ThreadID     int64      `json:"thread_id"`
	UserID       int64      `json:"user_id"`
	Username     string     `json:"username"`
	Body         string     `json:"body"`
	IP           string     `json:"ip"`
	CreatedAt    time.Time  `json:"created_at"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
	DeleteReason string     `json:"delete_reason,omitempty"`
}

type Thread struct {
	ID           int64      `json:"id"`
	UserID       int64      `json:"user_id"`
	Username     string     `json:"username"`
	Title        string     `json:"title"`
	FirstPostID  int64      `json:"first_post_id"`
	CreatedAt    time.Time  `json:"created_at"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
	DeleteReason string     `json:"delete_reason,omitempty"`
}

type ProfilePost struct {
	ID            int64      `json:"id"`
	ProfileUserID int64      `json:"profile_user_id"`
	UserID        int64      `json:"user_id"`
	Username      string     `json:"username"`
	Body          string     `json:"body"`
	IP            string     `json:"ip"`
	CreatedAt     time.Time  `json:"created_at"`
	DeletedAt     *time.Time `json:"deleted_at,omitempty"`
	DeleteReason  string     `json:"delete_reason,omitempty"`
}

type ProfilePostComment struct {
	ID            int64      `json:"id"`
	ProfilePostID int64      `json:"profile_post_id"`
	UserID        int64      `json:"user_id"`
	Username      string     `json:"username"`
	Body          string     `json:"body"`
	IP            string     `json:"ip"`
	CreatedAt     time.Time  `json:"created_at"`
	DeletedAt     *time.Time `json:"deleted_at,omitempty"`
	DeleteReason  string     `json:"delete_reason,omitempty"`
}

type ConversationMessage struct {
	ID             int64      `json:"id"`
	ConversationID int64      `json:"conversation_id"`
	UserID         int64      `json:"user_id"`
	Username       string     `json:"username"`
	Body           string     `json:"body"`
	IP             string     `json:"ip"`
	CreatedAt      time.Time  `json:"created_at"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
	DeleteReason   string     `json:"delete_reason,omitempty"`
}

// AttachmentData is one stored upload blob. A blob can hang off several
// incidents at once; incident_count mirrors the live join rows.
type AttachmentData struct {
	ID            int64     `json:"id"`
	Filename      string    `json:"filename"`
	FilePath      string    `json:"file_path"`
	IP            string    `json:"ip"`
	UserID        int64     `json:"user_id"`
	ContentKind   string    `json:"content_kind"`
	ContentID     int64     `json:"content_id"`
	IncidentCount int64     `json:"incident_count"`
	UploadedAt    time.Time `json:"uploaded_at"`
}

// ForumStore is the read/tombstone surface over mirrored forum content. The
// forum itself owns this data; we keep a local copy so reports survive the
// content being purged upstream.
type ForumStore interface {
	GetPost(ctx context.Context, id int64) (*Post, error)
	AddPost(ctx context.Context, p *Post) (int64, error)
	ListPostsByUserSince(ctx context.Context, userID int64, since time.Time) ([]Post, error)
	SoftDeletePost(ctx context.Context, id int64, reason string) error

	GetThread(ctx context.Context, id int64) (*Thread, error)
	AddThread(ctx context.Context, t *Thread) (int64, error)
	ListThreadsByUserSince(ctx context.Context, userID int64, since time.Time) ([]Thread, error)
	SoftDeleteThread(ctx context.Context, id int64, reason string) error

	GetProfilePost(ctx context.Context, id int64) (*ProfilePost, error)
	AddProfilePost(ctx context.Context, p *ProfilePost) (int64, error)
	ListProfilePostsByUserSince(ctx context.Context, userID int64, since time.Time) ([]ProfilePost, error)
	SoftDeleteProfilePost(ctx context.Context, id int64, reason string) error

	GetProfilePostComment(ctx context.Context, id int64) (*ProfilePostComment, error)
	AddProfilePostComment(ctx context.Context, c *ProfilePostComment) (int64, error)
	ListProfilePostCommentsByUserSince(ctx context.Context, userID int64, since time.Time) ([]ProfilePostComment, error)
	SoftDeleteProfilePostComment(ctx context.Context, id int64, reason string) error

	GetConversationMessage(ctx context.Context, id int64) (*ConversationMessage, error)
	AddConversationMessage(ctx context.Context, m *ConversationMessage) (int64, error)
	ListConversationMessagesByUserSince(ctx context.Context, userID int64, since time.Time) ([]ConversationMessage, error)
	SoftDeleteConversationMessage(ctx context.Context, id int64, reason string) error

	GetAttachmentData(ctx context.Context, id int64) (*AttachmentData, error)
	AddAttachmentData(ctx context.Context, a *AttachmentData) (int64, error)
	ListAttachmentDataByUserSince(ctx context.Context, userID int64, since time.Time) ([]AttachmentData, error)
	ListAttachmentDataByContent(ctx context.Context, kind string, contentID int64) ([]AttachmentData, error)
	DeleteAttachmentData(ctx context.Context, id int64) error
}

type forumStore struct {
	db *sql.DB
}

func NewForumStore(db *sql.DB) ForumStore {
	return &forumStore{db: db}
}

const postCols = `id, thread_id, user_id, username, body, ip, created_at, deleted_at, delete_reason`

func (s *forumStore) GetPost(ctx context.Context, id int64) (*Post, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+postCols+` FROM posts WHERE id=?`, id)
	var p Post
	var deleted sql.NullTime
	if err := row.Scan(&p.ID, &p.ThreadID, &p.UserID, &p.Username, &p.Body, &p.IP, &p.CreatedAt, &deleted, &p.DeleteReason); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	p.DeletedAt = timePtr(deleted)
	return &p, nil
}

func (s *forumStore) AddPost(ctx context.Context, p *Post) (int64, error) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO posts(thread_id, user_id, username, body, ip, created_at)
		VALUES(?,?,?,?,?,?)`,
		p.ThreadID, p.UserID, p.Username, p.Body, p.IP, p.CreatedAt)
	if err != nil {
		return 0, err
	}
	p.ID, _ = res.LastInsertId()
	return p.ID, nil
}

func (s *forumStore) ListPostsByUserSince(ctx context.Context, userID int64, since time.Time) ([]Post, error) {
	query := `SELECT ` + postCols + ` FROM posts WHERE user_id=? AND deleted_at IS NULL`
	args := []any{userID}
	if !since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, since)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Post
	for rows.Next() {
		var p Post
		var deleted sql.NullTime
		if err := rows.Scan(&p.ID, &p.ThreadID, &p.UserID, &p.Username, &p.Body, &p.IP, &p.CreatedAt, &deleted, &p.DeleteReason); err != nil {
			return nil, err
		}
		p.DeletedAt = timePtr(deleted)
		res = append(res, p)
	}
	return res, rows.Err()
}

func (s *forumStore) SoftDeletePost(ctx context.Context, id int64, reason string) error {
	return s.softDelete(ctx, "posts", id, reason)
}

const threadCols = `id, user_id, username, title, first_post_id, created_at, deleted_at, delete_reason`

func (s *forumStore) GetThread(ctx context.Context, id int64) (*Thread, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+threadCols+` FROM threads WHERE id=?`, id)
	var t Thread
	var deleted sql.NullTime
	if err := row.Scan(&t.ID, &t.UserID, &t.Username, &t.Title, &t.FirstPostID, &t.CreatedAt, &deleted, &t.DeleteReason); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	t.DeletedAt = timePtr(deleted)
	return &t, nil
}

func (s *forumStore) AddThread(ctx context.Context, t *Thread) (int64, error) {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO threads(user_id, username, title, first_post_id, created_at)
		VALUES(?,?,?,?,?)`,
		t.UserID, t.Username, t.Title, t.FirstPostID, t.CreatedAt)
	if err != nil {
		return 0, err
	}
	t.ID, _ = res.LastInsertId()
	return t.ID, nil
}

func (s *forumStore) ListThreadsByUserSince(ctx context.Context, userID int64, since time.Time) ([]Thread, error) {
	query := `SELECT ` + threadCols + ` FROM threads WHERE user_id=? AND deleted_at IS NULL`
	args := []any{userID}
	if !since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, since)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Thread
	for rows.Next() {
		var t Thread
		var deleted sql.NullTime
		if err := rows.Scan(&t.ID, &t.UserID, &t.Username, &t.Title, &t.FirstPostID, &t.CreatedAt, &deleted, &t.DeleteReason); err != nil {
			return nil, err
		}
		t.DeletedAt = timePtr(deleted)
		res = append(res, t)
	}
	return res, rows.Err()
}

func (s *forumStore) SoftDeleteThread(ctx context.Context, id int64, reason string) error {
	return s.softDelete(ctx, "threads", id, reason)
}

const profilePostCols = `id, profile_user_id, user_id, username, body, ip, created_at, deleted_at, delete_reason`

func (s *forumStore) GetProfilePost(ctx context.Context, id int64) (*ProfilePost, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+profilePostCols+` FROM profile_posts WHERE id=?`, id)
	var p ProfilePost
	var deleted sql.NullTime
	if err := row.Scan(&p.ID, &p.ProfileUserID, &p.UserID, &p.Username, &p.Body, &p.IP, &p.CreatedAt, &deleted, &p.DeleteReason); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	p.DeletedAt = timePtr(deleted)
	return &p, nil
}

func (s *forumStore) AddProfilePost(ctx context.Context, p *ProfilePost) (int64, error) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO profile_posts(profile_user_id, user_id, username, body, ip, created_at)
		VALUES(?,?,?,?,?,?)`,
		p.ProfileUserID, p.UserID, p.Username, p.Body, p.IP, p.CreatedAt)
	if err != nil {
		return 0, err
	}
	p.ID, _ = res.LastInsertId()
	return p.ID, nil
}

func (s *forumStore) ListProfilePostsByUserSince(ctx context.Context, userID int64, since time.Time) ([]ProfilePost, error) {
	query := `SELECT ` + profilePostCols + ` FROM profile_posts WHERE user_id=? AND deleted_at IS NULL`
	args := []any{userID}
	if !since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, since)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []ProfilePost
	for rows.Next() {
		var p ProfilePost
		var deleted sql.NullTime
		if err := rows.Scan(&p.ID, &p.ProfileUserID, &p.UserID, &p.Username, &p.Body, &p.IP, &p.CreatedAt, &deleted, &p.DeleteReason); err != nil {
			return nil, err
		}
		p.DeletedAt = timePtr(deleted)
		res = append(res, p)
	}
	return res, rows.Err()
}

func (s *forumStore) SoftDeleteProfilePost(ctx context.Context, id int64, reason string) error {
	return s.softDelete(ctx, "profile_posts", id, reason)
}

const commentCols = `id, profile_post_id, user_id, username, body, ip, created_at, deleted_at, delete_reason`

func (s *forumStore) GetProfilePostComment(ctx context.Context, id int64) (*ProfilePostComment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+commentCols+` FROM profile_post_comments WHERE id=?`, id)
	var c ProfilePostComment
	var deleted sql.NullTime
	if err := row.Scan(&c.ID, &c.ProfilePostID, &c.UserID, &c.Username, &c.Body, &c.IP, &c.CreatedAt, &deleted, &c.DeleteReason); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	c.DeletedAt = timePtr(deleted)
	return &c, nil
}

func (s *forumStore) AddProfilePostComment(ctx context.Context, c *ProfilePostComment) (int64, error) {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO profile_post_comments(profile_post_id, user_id, username, body, ip, created_at)
		VALUES(?,?,?,?,?,?)`,
		c.ProfilePostID, c.UserID, c.Username, c.Body, c.IP, c.CreatedAt)
	if err != nil {
		return 0, err
	}
	c.ID, _ = res.LastInsertId()
	return c.ID, nil
}

func (s *forumStore) ListProfilePostCommentsByUserSince(ctx context.Context, userID int64, since time.Time) ([]ProfilePostComment, error) {
	query := `SELECT ` + commentCols + ` FROM profile_post_comments WHERE user_id=? AND deleted_at IS NULL`
	args := []any{userID}
	if !since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, since)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []ProfilePostComment
	for rows.Next() {
		var c ProfilePostComment
		var deleted sql.NullTime
		if err := rows.Scan(&c.ID, &c.ProfilePostID, &c.UserID, &c.Username, &c.Body, &c.IP, &c.CreatedAt, &deleted, &c.DeleteReason); err != nil {
			return nil, err
		}
		c.DeletedAt = timePtr(deleted)
		res = append(res, c)
	}
	return res, rows.Err()
}

func (s *forumStore) SoftDeleteProfilePostComment(ctx context.Context, id int64, reason string) error {
	return s.softDelete(ctx, "profile_post_comments", id, reason)
}

const messageCols = `id, conversation_id, user_id, username, body, ip, created_at, deleted_at, delete_reason`

func (s *forumStore) GetConversationMessage(ctx context.Context, id int64) (*ConversationMessage, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageCols+` FROM conversation_messages WHERE id=?`, id)
	var m ConversationMessage
	var deleted sql.NullTime
	if err := row.Scan(&m.ID, &m.ConversationID, &m.UserID, &m.Username, &m.Body, &m.IP, &m.CreatedAt, &deleted, &m.DeleteReason); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	m.DeletedAt = timePtr(deleted)
	return &m, nil
}

func (s *forumStore) AddConversationMessage(ctx context.Context, m *ConversationMessage) (int64, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_messages(conversation_id, user_id, username, body, ip, created_at)
		VALUES(?,?,?,?,?,?)`,
		m.ConversationID, m.UserID, m.Username, m.Body, m.IP, m.CreatedAt)
	if err != nil {
		return 0, err
	}
	m.ID, _ = res.LastInsertId()
	return m.ID, nil
}

func (s *forumStore) ListConversationMessagesByUserSince(ctx context.Context, userID int64, since time.Time) ([]ConversationMessage, error) {
	query := `SELECT ` + messageCols + ` FROM conversation_messages WHERE user_id=? AND deleted_at IS NULL`
	args := []any{userID}
	if !since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, since)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []ConversationMessage
	for rows.Next() {
		var m ConversationMessage
		var deleted sql.NullTime
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.UserID, &m.Username, &m.Body, &m.IP, &m.CreatedAt, &deleted, &m.DeleteReason); err != nil {
			return nil, err
		}
		m.DeletedAt = timePtr(deleted)
		res = append(res, m)
	}
	return res, rows.Err()
}

func (s *forumStore) SoftDeleteConversationMessage(ctx context.Context, id int64, reason string) error {
	return s.softDelete(ctx, "conversation_messages", id, reason)
}

func (s *forumStore) softDelete(ctx context.Context, table string, id int64, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE `+table+` SET deleted_at=?, delete_reason=? WHERE id=? AND deleted_at IS NULL`,
		time.Now().UTC(), strings.TrimSpace(reason), id)
	return err
}

const attachmentCols = `id, filename, file_path, ip, user_id, content_kind, content_id, incident_count, uploaded_at`

func (s *forumStore) GetAttachmentData(ctx context.Context, id int64) (*AttachmentData, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+attachmentCols+` FROM attachment_data WHERE id=?`, id)
	var a AttachmentData
	if err := row.Scan(&a.ID, &a.Filename, &a.FilePath, &a.IP, &a.UserID, &a.ContentKind, &a.ContentID, &a.IncidentCount, &a.UploadedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

func (s *forumStore) AddAttachmentData(ctx context.Context, a *AttachmentData) (int64, error) {
	if a.UploadedAt.IsZero() {
		a.UploadedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO attachment_data(filename, file_path, ip, user_id, content_kind, content_id, incident_count, uploaded_at)
		VALUES(?,?,?,?,?,?,0,?)`,
		a.Filename, a.FilePath, a.IP, a.UserID, a.ContentKind, a.ContentID, a.UploadedAt)
	if err != nil {
		return 0, err
	}
	a.ID, _ = res.LastInsertId()
	return a.ID, nil
}

func (s *forumStore) ListAttachmentDataByUserSince(ctx context.Context, userID int64, since time.Time) ([]AttachmentData, error) {
	query := `SELECT ` + attachmentCols + ` FROM attachment_data WHERE user_id=?`
	args := []any{userID}
	if !since.IsZero() {
		query += ` AND uploaded_at >= ?`
		args = append(args, since)
	}
	query += ` ORDER BY uploaded_at ASC, id ASC`
	return s.listAttachments(ctx, query, args...)
}

func (s *forumStore) ListAttachmentDataByContent(ctx context.Context, kind string, contentID int64) ([]AttachmentData, error) {
	return s.listAttachments(ctx, `
		SELECT `+attachmentCols+` FROM attachment_data
		WHERE content_kind=? AND content_id=? ORDER BY id ASC`, kind, contentID)
}

func (s *forumStore) DeleteAttachmentData(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM attachment_data WHERE id=?`, id)
	return err
}

func (s *forumStore) listAttachments(ctx context.Context, query string, args ...any) ([]AttachmentData, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []AttachmentData
	for rows.Next() {
		var a AttachmentData
		if err := rows.Scan(&a.ID, &a.Filename, &a.FilePath, &a.IP, &a.UserID, &a.ContentKind, &a.ContentID, &a.IncidentCount, &a.UploadedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
