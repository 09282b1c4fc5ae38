package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// User is the local mirror of a forum account: only the fields the reporting
// pipeline needs. Account management itself lives in the forum, not here.
type User struct {
	ID             int64      `json:"id"`
	Username       string     `json:"username"`
	Email          string     `json:"email,omitempty"`
	DisplayName    string     `json:"display_name,omitempty"`
	ProfileURL     string     `json:"profile_url,omitempty"`
	About          string     `json:"about,omitempty"`
	LastKnownIP    string     `json:"last_known_ip,omitempty"`
	IsBanned       bool       `json:"is_banned"`
	BanPermanent   bool       `json:"ban_permanent"`
	InCsamIncident bool       `json:"in_csam_incident"`
	RegisteredAt   *time.Time `json:"registered_at,omitempty"`
}

// UserIPEvent is one captured (ip, action) observation for a user.
type UserIPEvent struct {
	UserID     int64     `json:"user_id"`
	IP         string    `json:"ip"`
	Action     string    `json:"action"`
	CapturedAt time.Time `json:"captured_at"`
}

// ConnectedAccount is an external account linked to a forum user.
type ConnectedAccount struct {
	UserID   int64  `json:"user_id"`
	Provider string `json:"provider"`
	Handle   string `json:"handle"`
}

type UsersStore interface {
	Get(ctx context.Context, id int64) (*User, error)
	Upsert(ctx context.Context, u *User) error
	Ban(ctx context.Context, id int64, permanent bool) error
	SetInIncidentFlag(ctx context.Context, id int64, inIncident bool) error
	AddIPEvent(ctx context.Context, ev *UserIPEvent) error
	ListIPEvents(ctx context.Context, userID int64) ([]UserIPEvent, error)
	ListConnectedAccounts(ctx context.Context, userID int64) ([]ConnectedAccount, error)
	AddConnectedAccount(ctx context.Context, acc *ConnectedAccount) error
}

type usersStore struct {
	db *sql.DB
}

func NewUsersStore(db *sql.DB) UsersStore {
	return &usersStore{db: db}
}

func (s *usersStore) Get(ctx context.Context, id int64) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, username, email, display_name, profile_url, about, last_known_ip, is_banned, ban_permanent, in_csam_incident, registered_at
		FROM users WHERE id=?`, id)
	var u User
	var banned, permanent, inIncident int
	var registered sql.NullTime
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.DisplayName, &u.ProfileURL, &u.About, &u.LastKnownIP, &banned, &permanent, &inIncident, &registered); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	u.IsBanned = banned == 1
	u.BanPermanent = permanent == 1
	u.InCsamIncident = inIncident == 1
	if registered.Valid {
		u.RegisteredAt = &registered.Time
	}
	return &u, nil
}

func (s *usersStore) Upsert(ctx context.Context, u *User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users(id, username, email, display_name, profile_url, about, last_known_ip, is_banned, ban_permanent, in_csam_incident, registered_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (id)
		DO UPDATE SET
			username=excluded.username,
			email=excluded.email,
			display_name=excluded.display_name,
			profile_url=excluded.profile_url,
			about=excluded.about,
			last_known_ip=excluded.last_known_ip`,
		u.ID, strings.TrimSpace(u.Username), strings.TrimSpace(u.Email), strings.TrimSpace(u.DisplayName),
		strings.TrimSpace(u.ProfileURL), u.About, strings.TrimSpace(u.LastKnownIP),
		boolToInt(u.IsBanned), boolToInt(u.BanPermanent), boolToInt(u.InCsamIncident), nullableTime(u.RegisteredAt))
	return err
}

func (s *usersStore) Ban(ctx context.Context, id int64, permanent bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET is_banned=1, ban_permanent=? WHERE id=?`, boolToInt(permanent), id)
	return err
}

func (s *usersStore) SetInIncidentFlag(ctx context.Context, id int64, inIncident bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET in_csam_incident=? WHERE id=?`, boolToInt(inIncident), id)
	return err
}

func (s *usersStore) AddIPEvent(ctx context.Context, ev *UserIPEvent) error {
	if strings.TrimSpace(ev.IP) == "" {
		return nil
	}
	when := ev.CapturedAt
	if when.IsZero() {
		when = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_ips(user_id, ip, action, captured_at)
		VALUES(?,?,?,?)`, ev.UserID, strings.TrimSpace(ev.IP), strings.TrimSpace(ev.Action), when)
	return err
}

func (s *usersStore) ListIPEvents(ctx context.Context, userID int64) ([]UserIPEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, ip, action, captured_at
		FROM user_ips WHERE user_id=? ORDER BY captured_at ASC, id ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []UserIPEvent
	for rows.Next() {
		var ev UserIPEvent
		if err := rows.Scan(&ev.UserID, &ev.IP, &ev.Action, &ev.CapturedAt); err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

func (s *usersStore) ListConnectedAccounts(ctx context.Context, userID int64) ([]ConnectedAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, provider, handle
		FROM user_connected_accounts WHERE user_id=? ORDER BY id ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []ConnectedAccount
	for rows.Next() {
		var acc ConnectedAccount
		if err := rows.Scan(&acc.UserID, &acc.Provider, &acc.Handle); err != nil {
			return nil, err
		}
		res = append(res, acc)
	}
	return res, rows.Err()
}

func (s *usersStore) AddConnectedAccount(ctx context.Context, acc *ConnectedAccount) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_connected_accounts(user_id, provider, handle)
		VALUES(?,?,?)`, acc.UserID, strings.TrimSpace(acc.Provider), strings.TrimSpace(acc.Handle))
	return err
}
