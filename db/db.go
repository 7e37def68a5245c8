package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/ferri/domain"
	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

// timeLayout keeps stored timestamps lexicographically ordered.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const maxBusyRetries = 5

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// store holds every Data Store operation. It runs against the pool or
// against a single leased connection.
type store struct {
	q querier
}

// DB is the database struct.
type DB struct {
	store
	db *sql.DB
}

// Lease is one connection taken out of the pool and owned by a single
// consumer until Release.
type Lease struct {
	store
	conn *sql.Conn
	once sync.Once
	err  error
}

// Open opens the sqlite database at path and migrates it.
func Open(ctx context.Context, path string) (*DB, error) {
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database %s: %w", path, err)
	}

	db := &DB{store: store{q: sqlDB}, db: sqlDB}
	if err := db.RunMigrations(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}

	log.Info("Database initialized", "path", path, "maxConns", 25)
	return db, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

// Acquire detaches one connection from the pool.
func (db *DB) Acquire(ctx context.Context) (*Lease, error) {
	conn, err := db.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	return &Lease{store: store{q: conn}, conn: conn}, nil
}

// Release returns the connection to the pool. Calling it again is a no-op.
func (l *Lease) Release() error {
	l.once.Do(func() {
		l.err = l.conn.Close()
	})
	return l.err
}

// wrapTransaction runs f within a transaction, retrying the whole
// transaction a few times while the database is busy.
func (s *store) wrapTransaction(ctx context.Context, f func(tx *sql.Tx) error) error {
	var err error
	for attempt := 0; attempt <= maxBusyRetries; attempt++ {
		err = s.runTransaction(ctx, f)
		if err == nil || !isBusy(err) {
			return err
		}
		log.Debug("Database busy, retrying transaction", "attempt", attempt+1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		}
	}
	log.Error("Transaction failed", "err", err)
	return err
}

func (s *store) runTransaction(ctx context.Context, f func(tx *sql.Tx) error) error {
	tx, err := s.q.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}
	if err := f(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}
	return nil
}

func isBusy(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		code := serr.Code() & 0xff
		return code == sqlitelib.SQLITE_BUSY || code == sqlitelib.SQLITE_LOCKED
	}
	return false
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func inserted(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Actors and users
const (
	sqlInsertActor = `INSERT OR IGNORE INTO actors(id, inbox, outbox) VALUES (?, ?, ?)`
	sqlInsertUser  = `INSERT OR IGNORE INTO users(id, actor_id, username, display_name, acct, remote, url, created_at, icon_url, key_id)
	                  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectUser = `SELECT users.id, actors.id, actors.inbox, actors.outbox, users.username, users.display_name,
	                        users.acct, users.remote, users.url, users.created_at, users.icon_url, users.key_id
	                 FROM users INNER JOIN actors ON actors.id = users.actor_id`
	sqlSelectUserById            = sqlSelectUser + ` WHERE users.id = ?`
	sqlSelectUserByActorURI      = sqlSelectUser + ` WHERE users.actor_id = ?`
	sqlSelectLocalUserByUsername = sqlSelectUser + ` WHERE users.username = ? AND users.remote = 0`
)

// NewActor inserts the actor unless its id is already known.
func (s *store) NewActor(ctx context.Context, actor domain.Actor) (bool, error) {
	res, err := s.q.ExecContext(ctx, sqlInsertActor, actor.Id, actor.Inbox, actor.Outbox)
	if err != nil {
		return false, fmt.Errorf("failed to insert actor %s: %w", actor.Id, err)
	}
	return inserted(res)
}

// NewUser inserts the user unless one already exists for its actor. The
// actor row must exist.
func (s *store) NewUser(ctx context.Context, user *domain.User) (bool, error) {
	if user.Id == uuid.Nil {
		user.Id = uuid.New()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}
	res, err := s.q.ExecContext(ctx, sqlInsertUser,
		user.Id.String(),
		user.Actor.Id,
		user.Username,
		user.DisplayName,
		user.Acct,
		boolToInt(user.Remote),
		user.URL,
		formatTime(user.CreatedAt),
		user.IconURL,
		user.KeyId,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert user for %s: %w", user.Actor.Id, err)
	}
	return inserted(res)
}

func (s *store) UserByID(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	return s.readUser(ctx, sqlSelectUserById, id.String())
}

func (s *store) UserByActorURI(ctx context.Context, actorURI string) (*domain.User, error) {
	return s.readUser(ctx, sqlSelectUserByActorURI, actorURI)
}

// UserByUsername looks up a local user.
func (s *store) UserByUsername(ctx context.Context, username string) (*domain.User, error) {
	return s.readUser(ctx, sqlSelectLocalUserByUsername, username)
}

func (s *store) readUser(ctx context.Context, query string, arg any) (*domain.User, error) {
	row := s.q.QueryRowContext(ctx, query, arg)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read user: %w", err)
	}
	return user, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (*domain.User, error) {
	var user domain.User
	var idStr, createdAt string
	var remote int
	err := row.Scan(&idStr, &user.Actor.Id, &user.Actor.Inbox, &user.Actor.Outbox, &user.Username, &user.DisplayName,
		&user.Acct, &remote, &user.URL, &createdAt, &user.IconURL, &user.KeyId)
	if err != nil {
		return nil, err
	}
	if user.Id, err = uuid.Parse(idStr); err != nil {
		return nil, err
	}
	if user.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	user.Remote = remote != 0
	return &user, nil
}

// Follows
const (
	sqlInsertFollow      = `INSERT OR IGNORE INTO follows(id, follower_id, followed_id, created_at) VALUES (?, ?, ?, ?)`
	sqlSelectFollowersOf = `SELECT actors.id, actors.inbox, actors.outbox FROM follows
	                        INNER JOIN actors ON actors.id = follows.follower_id
	                        WHERE follows.followed_id = ?
	                        ORDER BY follows.created_at ASC`
)

// NewFollow records the edge. Both actors must exist.
func (s *store) NewFollow(ctx context.Context, follow *domain.Follow) (bool, error) {
	if follow.CreatedAt.IsZero() {
		follow.CreatedAt = time.Now()
	}
	res, err := s.q.ExecContext(ctx, sqlInsertFollow, follow.Id, follow.Follower, follow.Followed, formatTime(follow.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("failed to insert follow %s: %w", follow.Id, err)
	}
	return inserted(res)
}

// FollowersOf returns the actors following actorURI, oldest first.
func (s *store) FollowersOf(ctx context.Context, actorURI string) ([]domain.Actor, error) {
	rows, err := s.q.QueryContext(ctx, sqlSelectFollowersOf, actorURI)
	if err != nil {
		return nil, fmt.Errorf("failed to read followers of %s: %w", actorURI, err)
	}
	defer rows.Close()

	var actors []domain.Actor
	for rows.Next() {
		var a domain.Actor
		if err := rows.Scan(&a.Id, &a.Inbox, &a.Outbox); err != nil {
			return nil, err
		}
		actors = append(actors, a)
	}
	return actors, rows.Err()
}

// Posts and attachments
const (
	sqlInsertPost                = `INSERT OR IGNORE INTO posts(id, uri, user_id, content, created_at, boosted_post_id) VALUES (?, ?, ?, ?, ?, ?)`
	sqlInsertAttachment          = `INSERT OR IGNORE INTO attachments(id, post_id, url, media_type, marked_sensitive, alt) VALUES (?, ?, ?, ?, ?, ?)`
	sqlSelectPostIdByURI         = `SELECT id FROM posts WHERE uri = ?`
	sqlSelectPostByURI           = `SELECT id, uri, user_id, content, created_at, boosted_post_id FROM posts WHERE uri = ?`
	sqlSelectPostById            = `SELECT id, uri, user_id, content, created_at, boosted_post_id FROM posts WHERE id = ?`
	sqlSelectPostURIsByUser      = `SELECT uri FROM posts WHERE user_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`
	sqlSelectAttachmentsByPostId = `SELECT id, post_id, url, media_type, marked_sensitive, alt FROM attachments WHERE post_id = ? ORDER BY rowid`
)

// NewPost inserts the post and its attachments in one transaction. When a
// post with the same uri exists nothing is written and post.Id is set to the
// stored id.
func (s *store) NewPost(ctx context.Context, post *domain.Post) (bool, error) {
	if post.User == nil {
		return false, fmt.Errorf("post %s has no user", post.URI)
	}
	if post.Id == uuid.Nil {
		post.Id = uuid.New()
	}
	if post.CreatedAt.IsZero() {
		post.CreatedAt = time.Now()
	}
	var boosted any
	if post.BoostedPost != nil {
		boosted = post.BoostedPost.Id.String()
	}

	var created bool
	err := s.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlInsertPost,
			post.Id.String(),
			post.URI,
			post.User.Id.String(),
			post.Content,
			formatTime(post.CreatedAt),
			boosted,
		)
		if err != nil {
			return err
		}
		if created, err = inserted(res); err != nil {
			return err
		}
		if !created {
			var idStr string
			if err := tx.QueryRowContext(ctx, sqlSelectPostIdByURI, post.URI).Scan(&idStr); err != nil {
				return err
			}
			post.Id, err = uuid.Parse(idStr)
			return err
		}
		for i := range post.Attachments {
			if err := insertAttachment(ctx, tx, post.Id, &post.Attachments[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to insert post %s: %w", post.URI, err)
	}
	return created, nil
}

// NewAttachment adds an attachment to an existing post.
func (s *store) NewAttachment(ctx context.Context, postID uuid.UUID, att *domain.Attachment) error {
	if att.Id == uuid.Nil {
		att.Id = uuid.New()
	}
	att.PostId = postID
	_, err := s.q.ExecContext(ctx, sqlInsertAttachment,
		att.Id.String(), postID.String(), att.URL, att.MediaType, boolToInt(att.Sensitive), att.Alt)
	if err != nil {
		return fmt.Errorf("failed to insert attachment for post %s: %w", postID, err)
	}
	return nil
}

func insertAttachment(ctx context.Context, tx *sql.Tx, postID uuid.UUID, att *domain.Attachment) error {
	if att.Id == uuid.Nil {
		att.Id = uuid.New()
	}
	att.PostId = postID
	_, err := tx.ExecContext(ctx, sqlInsertAttachment,
		att.Id.String(), postID.String(), att.URL, att.MediaType, boolToInt(att.Sensitive), att.Alt)
	return err
}

// PostByURI loads a post with its author, attachments and boosted post.
func (s *store) PostByURI(ctx context.Context, uri string) (*domain.Post, error) {
	return s.readPost(ctx, sqlSelectPostByURI, uri, 0)
}

// PostsByUser returns the newest posts of a user, boosts included.
func (s *store) PostsByUser(ctx context.Context, userID uuid.UUID, limit int) ([]domain.Post, error) {
	rows, err := s.q.QueryContext(ctx, sqlSelectPostURIsByUser, userID.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list posts of %s: %w", userID, err)
	}
	var uris []string
	for rows.Next() {
		var uri string
		if err := rows.Scan(&uri); err != nil {
			rows.Close()
			return nil, err
		}
		uris = append(uris, uri)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Rows are closed first so this also works on a single leased connection.
	posts := make([]domain.Post, 0, len(uris))
	for _, uri := range uris {
		post, err := s.PostByURI(ctx, uri)
		if err != nil {
			return nil, err
		}
		posts = append(posts, *post)
	}
	return posts, nil
}

func (s *store) readPost(ctx context.Context, query string, arg any, depth int) (*domain.Post, error) {
	var post domain.Post
	var idStr, userIdStr, createdAt string
	var boostedId sql.NullString
	err := s.q.QueryRowContext(ctx, query, arg).Scan(&idStr, &post.URI, &userIdStr, &post.Content, &createdAt, &boostedId)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read post: %w", err)
	}
	if post.Id, err = uuid.Parse(idStr); err != nil {
		return nil, err
	}
	if post.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	userId, err := uuid.Parse(userIdStr)
	if err != nil {
		return nil, err
	}
	if post.User, err = s.UserByID(ctx, userId); err != nil {
		return nil, err
	}
	if post.Attachments, err = s.readAttachments(ctx, post.Id); err != nil {
		return nil, err
	}
	if boostedId.Valid && depth < 8 {
		if post.BoostedPost, err = s.readPost(ctx, sqlSelectPostById, boostedId.String, depth+1); err != nil {
			return nil, err
		}
	}
	return &post, nil
}

func (s *store) readAttachments(ctx context.Context, postID uuid.UUID) ([]domain.Attachment, error) {
	rows, err := s.q.QueryContext(ctx, sqlSelectAttachmentsByPostId, postID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var atts []domain.Attachment
	for rows.Next() {
		var att domain.Attachment
		var idStr, postIdStr string
		var sensitive int
		if err := rows.Scan(&idStr, &postIdStr, &att.URL, &att.MediaType, &sensitive, &att.Alt); err != nil {
			return nil, err
		}
		att.Id, _ = uuid.Parse(idStr)
		att.PostId, _ = uuid.Parse(postIdStr)
		att.Sensitive = sensitive != 0
		atts = append(atts, att)
	}
	return atts, rows.Err()
}

// Counts
const sqlSelectCounts = `SELECT
	(SELECT COUNT(*) FROM actors),
	(SELECT COUNT(*) FROM users),
	(SELECT COUNT(*) FROM follows),
	(SELECT COUNT(*) FROM posts),
	(SELECT COUNT(*) FROM attachments),
	(SELECT COUNT(*) FROM delivery_queue),
	(SELECT COUNT(*) FROM dead_letters)`

func (s *store) Counts(ctx context.Context) (domain.Counts, error) {
	var c domain.Counts
	err := s.q.QueryRowContext(ctx, sqlSelectCounts).Scan(
		&c.Actors, &c.Users, &c.Follows, &c.Posts, &c.Attachments, &c.Pending, &c.DeadLetters)
	if err != nil {
		return c, fmt.Errorf("failed to read counts: %w", err)
	}
	return c, nil
}
