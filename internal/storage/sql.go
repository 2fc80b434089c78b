package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	logx "mentionbot/pkg/logx"
)

//go:embed schema_sqlite.sql schema_postgres.sql
var schemaFS embed.FS

const deleteChunk = 500

func init() {
	// modernc registers as "sqlite", which sqlx does not know by name.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// sqlStore serves both SQL dialects. Queries are written with '?' and
// rebound for the driver.
type sqlStore struct {
	db      *sqlx.DB
	log     logx.Logger
	dialect string // "sqlite" | "postgres"
}

type mentionRow struct {
	ID             int64  `db:"id"`
	TargetID       string `db:"target_id"`
	SenderID       string `db:"sender_id"`
	Nickname       string `db:"nickname"`
	GuildID        string `db:"guild_id"`
	GuildName      string `db:"guild_name"`
	ChannelID      string `db:"channel_id"`
	Content        string `db:"content"`
	CapturedAt     int64  `db:"captured_at"`
	QuoteMessageID string `db:"quote_message_id"`
}

func (r mentionRow) record() MentionRecord {
	return MentionRecord{
		ID:             r.ID,
		TargetID:       r.TargetID,
		SenderID:       r.SenderID,
		Nickname:       r.Nickname,
		GuildID:        r.GuildID,
		GuildName:      r.GuildName,
		ChannelID:      r.ChannelID,
		Content:        r.Content,
		Time:           time.UnixMilli(r.CapturedAt),
		QuoteMessageID: r.QuoteMessageID,
	}
}

type userRow struct {
	ID          string `db:"id"`
	Username    string `db:"username"`
	DisplayName string `db:"display_name"`
	SeenAt      int64  `db:"seen_at"`
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	for _, p := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(p); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}
	return newSQLStore(db, "sqlite", log)
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return newSQLStore(db, "postgres", log)
}

func newSQLStore(db *sqlx.DB, dialect string, log logx.Logger) (*sqlStore, error) {
	s := &sqlStore{db: db, log: log, dialect: dialect}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", dialect, err)
	}
	return s, nil
}

func (s *sqlStore) migrate(ctx context.Context) error {
	b, err := schemaFS.ReadFile("schema_" + s.dialect + ".sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Maintain refreshes planner statistics.
func (s *sqlStore) Maintain(ctx context.Context) error {
	q := "ANALYZE"
	if s.dialect == "sqlite" {
		q = "PRAGMA optimize"
	}
	_, err := s.db.ExecContext(ctx, q)
	return err
}

func (s *sqlStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO audit(at, actor_id, actor_username, chat_id, plugin, action, target, item_count, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`),
		e.At.UnixMilli(), e.ActorID, nullStr(e.ActorUsername), e.ChatID,
		e.Plugin, e.Action, e.Target, e.Count, nullStr(e.Error), e.TookMS,
	)
	return err
}

func (s *sqlStore) CreateMentions(ctx context.Context, recs []MentionRecord) ([]MentionRecord, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	q := tx.Rebind(`INSERT INTO mention_records
		(target_id, sender_id, nickname, guild_id, guild_name, channel_id, content, captured_at, quote_message_id)
		VALUES(?,?,?,?,?,?,?,?,?) RETURNING id`)
	out := make([]MentionRecord, len(recs))
	for i, r := range recs {
		if err := tx.QueryRowxContext(ctx, q,
			r.TargetID, r.SenderID, r.Nickname, r.GuildID, r.GuildName, r.ChannelID, r.Content,
			r.Time.UnixMilli(), r.QuoteMessageID,
		).Scan(&r.ID); err != nil {
			return nil, fmt.Errorf("insert mention for %s: %w", r.TargetID, err)
		}
		out[i] = r
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *sqlStore) CountMentions(ctx context.Context, targetID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.db.Rebind(`SELECT COUNT(*) FROM mention_records WHERE target_id = ?`), targetID)
	return n, err
}

func (s *sqlStore) FetchMentions(ctx context.Context, targetID string, limit int, order Order) ([]MentionRecord, error) {
	dir := "ASC"
	if order == OrderDesc {
		dir = "DESC"
	}
	q := `SELECT id, target_id, sender_id, nickname, guild_id, guild_name, channel_id, content, captured_at, quote_message_id
		FROM mention_records WHERE target_id = ? ORDER BY id ` + dir
	args := []any{targetID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	var rows []mentionRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("fetch mentions: %w", err)
	}
	out := make([]MentionRecord, len(rows))
	for i, r := range rows {
		out[i] = r.record()
	}
	return out, nil
}

func (s *sqlStore) DeleteMentions(ctx context.Context, ids []int64) (int, error) {
	total := 0
	for start := 0; start < len(ids); start += deleteChunk {
		chunk := ids[start:min(start+deleteChunk, len(ids))]
		q, args, err := sqlx.In(`DELETE FROM mention_records WHERE id IN (?)`, chunk)
		if err != nil {
			return total, err
		}
		res, err := s.db.ExecContext(ctx, s.db.Rebind(q), args...)
		if err != nil {
			return total, fmt.Errorf("delete mentions: %w", err)
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}
	return total, nil
}

func (s *sqlStore) EnsureChannel(ctx context.Context, ch Channel) (bool, error) {
	if ch.SeenAt.IsZero() {
		ch.SeenAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO channels(id, title, seen_at) VALUES(?,?,?) ON CONFLICT(id) DO NOTHING`),
		ch.ID, ch.Title, ch.SeenAt.UnixMilli())
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqlStore) ChannelExists(ctx context.Context, channelID string) (bool, error) {
	var one int
	err := s.db.GetContext(ctx, &one, s.db.Rebind(`SELECT 1 FROM channels WHERE id = ?`), channelID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *sqlStore) Subscribers(ctx context.Context, channelID string) ([]string, error) {
	var out []string
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(
		`SELECT target_id FROM channel_subscribers WHERE channel_id = ? ORDER BY created_at, target_id`), channelID)
	return out, err
}

func (s *sqlStore) AddSubscriber(ctx context.Context, channelID, targetID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO channel_subscribers(channel_id, target_id, created_at) VALUES(?,?,?)
		 ON CONFLICT(channel_id, target_id) DO NOTHING`),
		channelID, targetID, time.Now().UnixMilli())
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqlStore) RemoveSubscriber(ctx context.Context, channelID, targetID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM channel_subscribers WHERE channel_id = ? AND target_id = ?`), channelID, targetID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqlStore) SubscribedChannels(ctx context.Context, targetID string) ([]string, error) {
	var out []string
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(
		`SELECT channel_id FROM channel_subscribers WHERE target_id = ? ORDER BY channel_id`), targetID)
	return out, err
}

func (s *sqlStore) RememberUser(ctx context.Context, u UserEntry) error {
	if u.SeenAt.IsZero() {
		u.SeenAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO user_directory(id, username, username_lc, display_name, seen_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET username = excluded.username, username_lc = excluded.username_lc,
		 display_name = excluded.display_name, seen_at = excluded.seen_at`),
		u.ID, u.Username, normUsername(u.Username), u.DisplayName, u.SeenAt.UnixMilli())
	return err
}

func (s *sqlStore) LookupUsername(ctx context.Context, username string) (UserEntry, error) {
	key := normUsername(username)
	if key == "" {
		return UserEntry{}, ErrNotFound
	}
	var r userRow
	err := s.db.GetContext(ctx, &r, s.db.Rebind(
		`SELECT id, username, display_name, seen_at FROM user_directory
		 WHERE username_lc = ? ORDER BY seen_at DESC LIMIT 1`), key)
	if errors.Is(err, sql.ErrNoRows) {
		return UserEntry{}, ErrNotFound
	}
	if err != nil {
		return UserEntry{}, err
	}
	return UserEntry{ID: r.ID, Username: r.Username, DisplayName: r.DisplayName, SeenAt: time.UnixMilli(r.SeenAt)}, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
