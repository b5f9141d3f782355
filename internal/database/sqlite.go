package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"refsync/entity"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const schema = `
CREATE TABLE IF NOT EXISTS members (
	member_id            TEXT PRIMARY KEY,
	display_name         TEXT NOT NULL DEFAULT '',
	invite_code          TEXT NOT NULL DEFAULT '',
	inviter_id           TEXT NOT NULL DEFAULT '',
	joined_via           TEXT NOT NULL DEFAULT '',
	joined_at            INTEGER NOT NULL DEFAULT 0,
	last_notified_period TEXT NOT NULL DEFAULT '',
	created_at           INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS invites (
	code       TEXT PRIMARY KEY,
	group_id   INTEGER NOT NULL,
	owner_id   TEXT NOT NULL DEFAULT '',
	use_count  INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL DEFAULT 0,
	UNIQUE (group_id, owner_id)
);
CREATE TABLE IF NOT EXISTS attribution_events (
	id           TEXT PRIMARY KEY,
	seq          INTEGER NOT NULL,
	invitee_id   TEXT NOT NULL UNIQUE,
	inviter_id   TEXT NOT NULL,
	invite_code  TEXT NOT NULL,
	group_id     INTEGER NOT NULL,
	period       TEXT NOT NULL,
	joined_at    INTEGER NOT NULL DEFAULT 0,
	qualified    INTEGER NOT NULL DEFAULT 0,
	qualified_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS attribution_events_period ON attribution_events (period, seq);
CREATE TABLE IF NOT EXISTS applications (
	member_id    TEXT PRIMARY KEY,
	group_id     INTEGER NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	attempts     INTEGER NOT NULL DEFAULT 0,
	last_error   TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL DEFAULT 0,
	approved_at  INTEGER NOT NULL DEFAULT 0,
	granted_at   INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS publications (
	title      TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	period     TEXT NOT NULL,
	chat_id    INTEGER NOT NULL,
	message_id INTEGER NOT NULL,
	updated_at INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS users (
	token             TEXT PRIMARY KEY,
	username          TEXT NOT NULL,
	name              TEXT NOT NULL DEFAULT '',
	telegram_id       INTEGER NOT NULL DEFAULT 0,
	telegram_username TEXT NOT NULL DEFAULT '',
	telegram_role     TEXT NOT NULL DEFAULT '',
	alert_level       INTEGER NOT NULL DEFAULT 0,
	alert_topics      TEXT NOT NULL DEFAULT '',
	registered_at     INTEGER NOT NULL DEFAULT 0
);
`

// SQLite is the embedded record store used for local runs and tests.
// It applies the same write rules as MongoDB.
type SQLite struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err = db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err = db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func (s *SQLite) SaveUser(ctx context.Context, user *entity.User) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO users (token, username, name, telegram_id, telegram_username, telegram_role, alert_level, alert_topics, registered_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(token) DO UPDATE SET
	username = excluded.username,
	name = excluded.name,
	telegram_id = excluded.telegram_id,
	telegram_username = excluded.telegram_username,
	telegram_role = excluded.telegram_role,
	alert_level = excluded.alert_level,
	alert_topics = excluded.alert_topics
`,
		user.Token, user.Username, user.Name, user.TelegramId, user.TelegramUsername,
		string(user.TelegramRole), user.AlertLevel, strings.Join(user.AlertTopics, ","), toMillis(user.RegisteredAt),
	)
	if err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	return nil
}

const userColumns = `username, name, token, telegram_id, telegram_username, telegram_role, alert_level, alert_topics, registered_at`

func scanUser(row interface{ Scan(...any) error }) (*entity.User, error) {
	var (
		user       entity.User
		role       string
		topics     string
		registered int64
	)
	err := row.Scan(&user.Username, &user.Name, &user.Token, &user.TelegramId, &user.TelegramUsername,
		&role, &user.AlertLevel, &topics, &registered)
	if err != nil {
		return nil, err
	}
	user.TelegramRole = entity.TelegramRole(role)
	if topics != "" {
		user.AlertTopics = strings.Split(topics, ",")
	}
	user.RegisteredAt = fromMillis(registered)
	return &user, nil
}

func (s *SQLite) GetUser(token string) (*entity.User, error) {
	row := s.db.QueryRow(`SELECT `+userColumns+` FROM users WHERE token = ?`, token)
	user, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

func (s *SQLite) GetTelegramUsers() ([]*entity.User, error) {
	rows, err := s.db.Query(`SELECT ` + userColumns + ` FROM users WHERE telegram_id > 0`)
	if err != nil {
		return nil, fmt.Errorf("list telegram users: %w", err)
	}
	defer rows.Close()
	var users []*entity.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *SQLite) FindMember(ctx context.Context, memberID string) (*entity.Member, error) {
	var (
		m                   entity.Member
		joinedAt, createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT member_id, display_name, invite_code, inviter_id, joined_via, joined_at, last_notified_period, created_at
FROM members WHERE member_id = ?`, memberID).Scan(
		&m.MemberID, &m.DisplayName, &m.InviteCode, &m.InviterID, &m.JoinedVia, &joinedAt, &m.LastNotifiedPeriod, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find member: %w", err)
	}
	m.JoinedAt = fromMillis(joinedAt)
	m.CreatedAt = fromMillis(createdAt)
	return &m, nil
}

func (s *SQLite) UpsertMember(ctx context.Context, memberID string, upd entity.MemberUpdate) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO members (member_id, display_name, joined_at, last_notified_period, created_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(member_id) DO UPDATE SET
	display_name = CASE WHEN excluded.display_name <> '' THEN excluded.display_name ELSE members.display_name END,
	joined_at = CASE WHEN excluded.joined_at <> 0 THEN excluded.joined_at ELSE members.joined_at END,
	last_notified_period = CASE WHEN excluded.last_notified_period <> '' THEN excluded.last_notified_period ELSE members.last_notified_period END
`, memberID, upd.DisplayName, toMillis(upd.JoinedAt), upd.LastNotifiedPeriod, toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("upsert member: %w", err)
	}
	return nil
}

func (s *SQLite) SetInviter(ctx context.Context, memberID, inviterID, code string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO members (member_id, inviter_id, joined_via, created_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(member_id) DO UPDATE SET
	inviter_id = excluded.inviter_id,
	joined_via = excluded.joined_via
WHERE members.inviter_id = ''
`, memberID, inviterID, code, toMillis(time.Now()))
	if err != nil {
		return false, fmt.Errorf("set inviter: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLite) SetInviteCode(ctx context.Context, memberID, code string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO members (member_id, invite_code, created_at)
VALUES (?, ?, ?)
ON CONFLICT(member_id) DO UPDATE SET invite_code = excluded.invite_code
WHERE members.invite_code = ''
`, memberID, code, toMillis(time.Now()))
	if err != nil {
		return false, fmt.Errorf("set invite code: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLite) AppendEvent(ctx context.Context, evt *entity.AttributionEvent) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO attribution_events (id, seq, invitee_id, inviter_id, invite_code, group_id, period, joined_at, qualified, qualified_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, evt.ID, evt.Seq, evt.InviteeID, evt.InviterID, evt.InviteCode, evt.GroupID, evt.Period,
		toMillis(evt.JoinedAt), evt.Qualified, toMillis(evt.QualifiedAt))
	if isConstraintError(err) {
		return entity.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (s *SQLite) QueryByPeriod(ctx context.Context, key string) ([]*entity.AttributionEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+eventColumns+`
FROM attribution_events
WHERE period = ?
ORDER BY seq, rowid
`, key)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []*entity.AttributionEvent
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

func (s *SQLite) FindEventByInvitee(ctx context.Context, inviteeID string) (*entity.AttributionEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM attribution_events WHERE invitee_id = ?`, inviteeID)
	evt, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return evt, err
}

const eventColumns = `id, seq, invitee_id, inviter_id, invite_code, group_id, period, joined_at, qualified, qualified_at`

func scanEvent(row interface{ Scan(dest ...any) error }) (*entity.AttributionEvent, error) {
	var (
		evt                   entity.AttributionEvent
		joinedAt, qualifiedAt int64
	)
	err := row.Scan(&evt.ID, &evt.Seq, &evt.InviteeID, &evt.InviterID, &evt.InviteCode, &evt.GroupID,
		&evt.Period, &joinedAt, &evt.Qualified, &qualifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}
	evt.JoinedAt = fromMillis(joinedAt)
	evt.QualifiedAt = fromMillis(qualifiedAt)
	return &evt, nil
}

func (s *SQLite) MarkQualified(ctx context.Context, inviteeID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE attribution_events SET qualified = 1, qualified_at = ?
WHERE invitee_id = ? AND qualified = 0
`, toMillis(at), inviteeID)
	if err != nil {
		return false, fmt.Errorf("mark qualified: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

const inviteColumns = `code, group_id, owner_id, use_count, created_at`

func (s *SQLite) findInvite(ctx context.Context, where string, args ...any) (*entity.Invite, error) {
	var (
		inv       entity.Invite
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT `+inviteColumns+` FROM invites WHERE `+where, args...).Scan(
		&inv.Code, &inv.GroupID, &inv.OwnerID, &inv.UseCount, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find invite: %w", err)
	}
	inv.CreatedAt = fromMillis(createdAt)
	return &inv, nil
}

func (s *SQLite) FindInvite(ctx context.Context, code string) (*entity.Invite, error) {
	return s.findInvite(ctx, `code = ?`, code)
}

func (s *SQLite) FindInviteByOwner(ctx context.Context, groupID int64, ownerID string) (*entity.Invite, error) {
	return s.findInvite(ctx, `group_id = ? AND owner_id = ?`, groupID, ownerID)
}

func (s *SQLite) CreateInvite(ctx context.Context, inv *entity.Invite) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO invites (`+inviteColumns+`) VALUES (?, ?, ?, ?, ?)`,
		inv.Code, inv.GroupID, inv.OwnerID, inv.UseCount, toMillis(inv.CreatedAt))
	if isConstraintError(err) {
		return entity.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("create invite: %w", err)
	}
	return nil
}

func (s *SQLite) IncrementInviteUse(ctx context.Context, code string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE invites SET use_count = use_count + 1 WHERE code = ?`, code)
	if err != nil {
		return false, fmt.Errorf("increment invite use: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLite) InviteCounts(ctx context.Context, groupID int64) (entity.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT code, use_count FROM invites WHERE group_id = ?`, groupID)
	if err != nil {
		return nil, fmt.Errorf("invite counts: %w", err)
	}
	defer rows.Close()

	snap := entity.Snapshot{}
	for rows.Next() {
		var (
			code  string
			count int
		)
		if err = rows.Scan(&code, &count); err != nil {
			return nil, err
		}
		snap[code] = count
	}
	return snap, rows.Err()
}

const applicationColumns = `member_id, group_id, display_name, status, attempts, last_error, created_at, approved_at, granted_at`

func scanApplications(rows *sql.Rows) ([]*entity.Application, error) {
	defer rows.Close()
	var apps []*entity.Application
	for rows.Next() {
		var (
			app                            entity.Application
			status                         string
			createdAt, approvedAt, granted int64
		)
		err := rows.Scan(&app.MemberID, &app.GroupID, &app.DisplayName, &status, &app.Attempts, &app.LastError,
			&createdAt, &approvedAt, &granted)
		if err != nil {
			return nil, err
		}
		app.Status = entity.ApplicationStatus(status)
		app.CreatedAt = fromMillis(createdAt)
		app.ApprovedAt = fromMillis(approvedAt)
		app.GrantedAt = fromMillis(granted)
		apps = append(apps, &app)
	}
	return apps, rows.Err()
}

func (s *SQLite) CreateApplication(ctx context.Context, app *entity.Application) error {
	if app.Status == "" {
		app.Status = entity.ApplicationPending
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO applications (`+applicationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		app.MemberID, app.GroupID, app.DisplayName, string(app.Status), app.Attempts, app.LastError,
		toMillis(app.CreatedAt), toMillis(app.ApprovedAt), toMillis(app.GrantedAt))
	if isConstraintError(err) {
		return entity.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("create application: %w", err)
	}
	return nil
}

func (s *SQLite) ApproveApplication(ctx context.Context, memberID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE applications SET status = ?, approved_at = ?
WHERE member_id = ? AND status = ?
`, string(entity.ApplicationApproved), toMillis(at), memberID, string(entity.ApplicationPending))
	if err != nil {
		return false, fmt.Errorf("approve application: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLite) QueryApprovedUngranted(ctx context.Context, limit, maxAttempts int) ([]*entity.Application, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+applicationColumns+` FROM applications
WHERE status = ? AND attempts < ?
ORDER BY approved_at, rowid
LIMIT ?
`, string(entity.ApplicationApproved), maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("query approved applications: %w", err)
	}
	return scanApplications(rows)
}

func (s *SQLite) MarkGranted(ctx context.Context, memberID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE applications SET status = ?, granted_at = ?
WHERE member_id = ? AND status = ?
`, string(entity.ApplicationGranted), toMillis(at), memberID, string(entity.ApplicationApproved))
	if err != nil {
		return fmt.Errorf("mark granted: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return entity.ErrNotFound
	}
	return nil
}

func (s *SQLite) MarkGrantFailed(ctx context.Context, memberID, reason string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE applications SET attempts = attempts + 1, last_error = ?
WHERE member_id = ?
`, reason, memberID)
	if err != nil {
		return fmt.Errorf("mark grant failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return entity.ErrNotFound
	}
	return nil
}

func (s *SQLite) ListApplications(ctx context.Context, status entity.ApplicationStatus) ([]*entity.Application, error) {
	query := `SELECT ` + applicationColumns + ` FROM applications`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at, rowid`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list applications: %w", err)
	}
	return scanApplications(rows)
}

func (s *SQLite) FindPublication(ctx context.Context, title string) (*entity.Publication, error) {
	var (
		pub       entity.Publication
		kind      string
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT title, kind, period, chat_id, message_id, updated_at FROM publications WHERE title = ?
`, title).Scan(&pub.Title, &kind, &pub.Period, &pub.ChatID, &pub.MessageID, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find publication: %w", err)
	}
	pub.Kind = entity.PublicationKind(kind)
	pub.UpdatedAt = fromMillis(updatedAt)
	return &pub, nil
}

func (s *SQLite) SavePublication(ctx context.Context, pub *entity.Publication) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO publications (title, kind, period, chat_id, message_id, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(title) DO UPDATE SET
	kind = excluded.kind,
	period = excluded.period,
	chat_id = excluded.chat_id,
	message_id = excluded.message_id,
	updated_at = excluded.updated_at
`, pub.Title, string(pub.Kind), pub.Period, pub.ChatID, pub.MessageID, toMillis(pub.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save publication: %w", err)
	}
	return nil
}
