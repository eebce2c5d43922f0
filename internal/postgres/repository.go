package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chat-identity/internal/config"
	"github.com/chat-identity/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX abstracts pgx.Tx and pgxpool.Pool so the repository works with both
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Repository is the durable profile store. Every statement is independently
// atomic; there are no cross-field transactions.
type Repository struct {
	db     DBTX
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRepository creates a new PostgreSQL repository
func NewRepository(cfg *config.PostgresConfig, logger *slog.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	repo := NewRepositoryWithDB(pool, logger)
	repo.pool = pool
	return repo, nil
}

// NewRepositoryWithDB wraps an existing pool or transaction
func NewRepositoryWithDB(db DBTX, logger *slog.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Close closes the database connection pool
func (r *Repository) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
}

// Ping checks the database is reachable
func (r *Repository) Ping(ctx context.Context) error {
	if r.pool == nil {
		return nil
	}
	if err := r.pool.Ping(ctx); err != nil {
		return domain.Transient("pinging database", err)
	}
	return nil
}

// RunMigrations executes database migrations
func (r *Repository) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS chat_users (
			id UUID PRIMARY KEY,
			username VARCHAR(64) NOT NULL,
			displayname TEXT,
			muted BOOLEAN NOT NULL DEFAULT FALSE,
			deafened BOOLEAN NOT NULL DEFAULT FALSE,
			spying BOOLEAN NOT NULL DEFAULT FALSE,
			selectedchannel VARCHAR(128),
			lastwhispertarget UUID,
			whisperreplytarget UUID,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS chat_ignores (
			id UUID NOT NULL,
			ignoredplayer UUID NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (id, ignoredplayer),
			CHECK (id <> ignoredplayer)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_users_username ON chat_users(LOWER(username))`,
	}

	for _, migration := range migrations {
		_, err := r.db.Exec(ctx, migration)
		if err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	r.logger.Info("database migrations completed")
	return nil
}

// GetProfile returns the full row plus ignore set, or ErrProfileNotFound
func (r *Repository) GetProfile(ctx context.Context, id uuid.UUID) (*domain.ProfileSnapshot, error) {
	query := `
		SELECT id, username, displayname, muted, deafened, spying,
		       selectedchannel, lastwhispertarget, whisperreplytarget, updated_at
		FROM chat_users
		WHERE id = $1
	`
	var (
		snap        domain.ProfileSnapshot
		displayName pgtype.Text
		channel     pgtype.Text
		lastTarget  pgtype.UUID
		replyTarget pgtype.UUID
		updatedAt   pgtype.Timestamp
	)
	err := r.db.QueryRow(ctx, query, id).Scan(
		&snap.ID,
		&snap.Name,
		&displayName,
		&snap.Muted,
		&snap.Deafened,
		&snap.Spying,
		&channel,
		&lastTarget,
		&replyTarget,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrProfileNotFound
		}
		return nil, storeError("getting profile", err)
	}
	snap.DisplayName = displayName.String
	snap.SelectedChannel = channel.String
	snap.LastWhisperTarget = fromPgUUID(lastTarget)
	snap.WhisperReplyTarget = fromPgUUID(replyTarget)
	if updatedAt.Valid {
		snap.UpdatedAt = updatedAt.Time
	}

	ignored, err := r.ListIgnores(ctx, id)
	if err != nil {
		return nil, err
	}
	snap.IgnoredPlayers = ignored

	return &snap, nil
}

// FindIDByName looks up the most recently updated row for a name, case-insensitively
func (r *Repository) FindIDByName(ctx context.Context, name string) (uuid.UUID, error) {
	query := `
		SELECT id FROM chat_users
		WHERE LOWER(username) = LOWER($1)
		ORDER BY updated_at DESC
		LIMIT 1
	`
	var id uuid.UUID
	err := r.db.QueryRow(ctx, query, name).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, domain.ErrProfileNotFound
		}
		return uuid.Nil, storeError("finding profile by name", err)
	}
	return id, nil
}

// InsertProfile creates the row for a newly seen identity. An existing row is
// left untouched.
func (r *Repository) InsertProfile(ctx context.Context, snap domain.ProfileSnapshot) error {
	query := `
		INSERT INTO chat_users (id, username, displayname, muted, deafened, spying,
			selectedchannel, lastwhispertarget, whisperreplytarget, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		ON CONFLICT (id) DO NOTHING
	`
	now := time.Now()
	_, err := r.db.Exec(ctx, query,
		snap.ID,
		snap.Name,
		toPgText(snap.DisplayName),
		snap.Muted,
		snap.Deafened,
		snap.Spying,
		toPgText(snap.SelectedChannel),
		toPgUUID(snap.LastWhisperTarget),
		toPgUUID(snap.WhisperReplyTarget),
		now,
	)
	if err != nil {
		return storeError("inserting profile", err)
	}
	return nil
}

// updateField runs a single-column update and returns the rows affected;
// zero means the identity row does not exist yet
func (r *Repository) updateField(ctx context.Context, column string, id uuid.UUID, value interface{}) (int64, error) {
	query := fmt.Sprintf(`UPDATE chat_users SET %s = $2, updated_at = $3 WHERE id = $1`, column)
	result, err := r.db.Exec(ctx, query, id, value, time.Now())
	if err != nil {
		return 0, storeError("saving "+column, err)
	}
	return result.RowsAffected(), nil
}

// SaveName stores the last known name
func (r *Repository) SaveName(ctx context.Context, id uuid.UUID, name string) (int64, error) {
	return r.updateField(ctx, "username", id, name)
}

// SaveDisplayName stores the display name; empty stores NULL
func (r *Repository) SaveDisplayName(ctx context.Context, id uuid.UUID, displayName string) (int64, error) {
	return r.updateField(ctx, "displayname", id, toPgText(displayName))
}

func (r *Repository) SaveMuted(ctx context.Context, id uuid.UUID, muted bool) (int64, error) {
	return r.updateField(ctx, "muted", id, muted)
}

func (r *Repository) SaveDeafened(ctx context.Context, id uuid.UUID, deafened bool) (int64, error) {
	return r.updateField(ctx, "deafened", id, deafened)
}

func (r *Repository) SaveSpying(ctx context.Context, id uuid.UUID, spying bool) (int64, error) {
	return r.updateField(ctx, "spying", id, spying)
}

// SaveSelectedChannel stores the channel key; empty stores NULL (default channel)
func (r *Repository) SaveSelectedChannel(ctx context.Context, id uuid.UUID, channel string) (int64, error) {
	return r.updateField(ctx, "selectedchannel", id, toPgText(channel))
}

// SaveLastWhisperTarget stores the target; uuid.Nil stores NULL
func (r *Repository) SaveLastWhisperTarget(ctx context.Context, id, target uuid.UUID) (int64, error) {
	return r.updateField(ctx, "lastwhispertarget", id, toPgUUID(target))
}

// SaveWhisperReplyTarget stores the target; uuid.Nil stores NULL
func (r *Repository) SaveWhisperReplyTarget(ctx context.Context, id, target uuid.UUID) (int64, error) {
	return r.updateField(ctx, "whisperreplytarget", id, toPgUUID(target))
}

// AddIgnore records that id ignores other. Adding twice keeps a single row.
func (r *Repository) AddIgnore(ctx context.Context, id, other uuid.UUID) error {
	if id == other {
		return domain.ErrSelfIgnore
	}
	query := `
		INSERT INTO chat_ignores (id, ignoredplayer, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id, ignoredplayer) DO NOTHING
	`
	if _, err := r.db.Exec(ctx, query, id, other, time.Now()); err != nil {
		return storeError("adding ignore", err)
	}
	return nil
}

// RemoveIgnore deletes the relation; removing an absent one is not an error
func (r *Repository) RemoveIgnore(ctx context.Context, id, other uuid.UUID) error {
	query := `DELETE FROM chat_ignores WHERE id = $1 AND ignoredplayer = $2`
	if _, err := r.db.Exec(ctx, query, id, other); err != nil {
		return storeError("removing ignore", err)
	}
	return nil
}

// ListIgnores returns everyone id ignores
func (r *Repository) ListIgnores(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	query := `SELECT ignoredplayer FROM chat_ignores WHERE id = $1 ORDER BY ignoredplayer`
	rows, err := r.db.Query(ctx, query, id)
	if err != nil {
		return nil, storeError("listing ignores", err)
	}
	defer rows.Close()

	ignored := make([]uuid.UUID, 0)
	for rows.Next() {
		var other uuid.UUID
		if err := rows.Scan(&other); err != nil {
			return nil, storeError("scanning ignore", err)
		}
		ignored = append(ignored, other)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("listing ignores", err)
	}
	return ignored, nil
}

// storeError classifies a driver error. Data exceptions and integrity
// violations (SQLSTATE classes 22 and 23) fail the same way on every retry, so
// they are reported as invalid requests; anything else is transient.
func storeError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (strings.HasPrefix(pgErr.Code, "22") || strings.HasPrefix(pgErr.Code, "23")) {
		return fmt.Errorf("%s: %w: %w", op, domain.ErrInvalidRequest, err)
	}
	return domain.Transient(op, err)
}

func toPgText(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}

func toPgUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: id != uuid.Nil}
}

func fromPgUUID(id pgtype.UUID) uuid.UUID {
	if !id.Valid {
		return uuid.Nil
	}
	return uuid.UUID(id.Bytes)
}
