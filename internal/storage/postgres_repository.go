package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"liveroom/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	roomColumns = "id, owner_id, title, stream_key, status, start_time, end_time, has_active_media, last_media_at, viewer_count, created_at, updated_at"

	uniqueViolation        = "23505"
	ownerOpenRoomIndex     = "rooms_owner_open_idx"
	streamKeyUniqueIndex   = "rooms_stream_key_key"
	statusOrderingFragment = "CASE status WHEN 'live' THEN 0 WHEN 'pending' THEN 1 ELSE 2 END, created_at DESC"
)

type postgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
	now  func() time.Time
}

func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// NewPostgresRepository opens a Postgres-backed RoomStore. Migrations are
// applied only when WithPostgresMigrations(true) is supplied.
func NewPostgresRepository(dsn string, opts ...Option) (RoomStore, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	repo := &postgresRepository{pool: pool, cfg: cfg, now: cfg.Clock}
	if cfg.ApplyMigrations {
		if err := repo.migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return repo, nil
}

func (r *postgresRepository) withConn(ctx context.Context, fn func(context.Context, *pgxpool.Conn) error) error {
	if r == nil || r.pool == nil {
		return ErrPostgresUnavailable
	}
	if r.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.AcquireTimeout)
		defer cancel()
	}
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire postgres connection: %w", err)
	}
	defer conn.Release()
	return fn(ctx, conn)
}

func rollbackTx(ctx context.Context, tx pgx.Tx) {
	_ = tx.Rollback(ctx)
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		return conn.Ping(ctx)
	})
}

func (r *postgresRepository) InsertRoom(ctx context.Context, draft RoomDraft) (models.Room, error) {
	var room models.Room
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		for attempt := 0; attempt < maxStreamKeyAttempts; attempt++ {
			key, err := generateStreamKey()
			if err != nil {
				return err
			}
			now := r.now()
			row := conn.QueryRow(ctx, `
				INSERT INTO rooms (id, owner_id, title, stream_key, status, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $6)
				RETURNING `+roomColumns,
				generateID(), draft.OwnerID, draft.Title, key, string(models.RoomPending), now,
			)
			room, err = scanRoom(row)
			if err == nil {
				return nil
			}
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				if pgErr.ConstraintName == ownerOpenRoomIndex {
					return ErrOpenRoomExists
				}
				continue
			}
			return fmt.Errorf("insert room: %w", err)
		}
		return ErrStreamKeyTaken
	})
	return room, err
}

func (r *postgresRepository) GetRoom(ctx context.Context, id string) (models.Room, error) {
	return r.getOne(ctx, "SELECT "+roomColumns+" FROM rooms WHERE id = $1", id)
}

func (r *postgresRepository) GetRoomByStreamKey(ctx context.Context, streamKey string) (models.Room, error) {
	if streamKey == "" {
		return models.Room{}, ErrNotFound
	}
	return r.getOne(ctx, "SELECT "+roomColumns+" FROM rooms WHERE stream_key = $1", streamKey)
}

func (r *postgresRepository) getOne(ctx context.Context, query string, arg any) (models.Room, error) {
	var room models.Room
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		var err error
		room, err = scanRoom(conn.QueryRow(ctx, query, arg))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load room: %w", err)
		}
		return nil
	})
	return room, err
}

func (r *postgresRepository) ListRooms(ctx context.Context, filter RoomFilter) ([]models.Room, error) {
	clauses := make([]string, 0, 4)
	args := make([]any, 0, 4)
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			statuses = append(statuses, string(status))
		}
		args = append(args, statuses)
		clauses = append(clauses, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if filter.OwnerID != "" {
		args = append(args, filter.OwnerID)
		clauses = append(clauses, fmt.Sprintf("owner_id = $%d", len(args)))
	}
	clauses, args = filter.Where.appendSQL(clauses, args)

	query := "SELECT " + roomColumns + " FROM rooms"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY " + statusOrderingFragment
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var rooms []models.Room
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("list rooms: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			room, err := scanRoom(rows)
			if err != nil {
				return fmt.Errorf("scan room: %w", err)
			}
			rooms = append(rooms, room)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	if rooms == nil {
		rooms = []models.Room{}
	}
	return rooms, nil
}

func (r *postgresRepository) UpdateRoomIf(ctx context.Context, id string, cond Condition, patch RoomPatch) (models.Room, error) {
	args := []any{id}
	sets := make([]string, 0, 6)
	set := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if patch.Status != nil {
		set("status", string(*patch.Status))
	}
	if patch.StartTime != nil {
		set("start_time", *patch.StartTime)
	}
	if patch.EndTime != nil {
		set("end_time", *patch.EndTime)
	} else if patch.ClearEndTime {
		sets = append(sets, "end_time = NULL")
	}
	if patch.HasActiveMedia != nil {
		set("has_active_media", *patch.HasActiveMedia)
	}
	if patch.LastMediaAt != nil {
		set("last_media_at", *patch.LastMediaAt)
	} else if patch.ClearLastMediaAt {
		sets = append(sets, "last_media_at = NULL")
	}
	set("updated_at", r.now())

	clauses, args := cond.appendSQL([]string{"id = $1"}, args)
	query := "UPDATE rooms SET " + strings.Join(sets, ", ") +
		" WHERE " + strings.Join(clauses, " AND ") +
		" RETURNING " + roomColumns
	return r.conditionalRow(ctx, id, query, args)
}

func (r *postgresRepository) DeleteRoomIf(ctx context.Context, id string, cond Condition) (models.Room, error) {
	clauses, args := cond.appendSQL([]string{"id = $1"}, []any{id})
	query := "DELETE FROM rooms WHERE " + strings.Join(clauses, " AND ") + " RETURNING " + roomColumns
	return r.conditionalRow(ctx, id, query, args)
}

// conditionalRow runs a guarded write and tells a missing room apart from
// one that lost the race.
func (r *postgresRepository) conditionalRow(ctx context.Context, id, query string, args []any) (models.Room, error) {
	var room models.Room
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		var err error
		room, err = scanRoom(conn.QueryRow(ctx, query, args...))
		if err == nil {
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("conditional room write: %w", err)
		}
		var exists bool
		if err := conn.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM rooms WHERE id = $1)", id).Scan(&exists); err != nil {
			return fmt.Errorf("check room existence: %w", err)
		}
		if exists {
			return ErrConditionFailed
		}
		return ErrNotFound
	})
	return room, err
}

func (r *postgresRepository) AdjustViewerCount(ctx context.Context, streamKey string, delta int) (models.Room, error) {
	var room models.Room
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		var err error
		room, err = scanRoom(conn.QueryRow(ctx, `
			UPDATE rooms
			SET viewer_count = GREATEST(viewer_count + $2, 0), updated_at = $3
			WHERE stream_key = $1
			RETURNING `+roomColumns,
			streamKey, delta, r.now(),
		))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("adjust viewer count: %w", err)
		}
		return nil
	})
	return room, err
}

func (c Condition) appendSQL(clauses []string, args []any) ([]string, []any) {
	if c.Status != "" {
		args = append(args, string(c.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if c.MediaInactive {
		clauses = append(clauses, "has_active_media = FALSE")
	}
	if c.NeverConfirmed {
		clauses = append(clauses, "last_media_at IS NULL")
	}
	if !c.CreatedBefore.IsZero() {
		args = append(args, c.CreatedBefore)
		clauses = append(clauses, fmt.Sprintf("created_at < $%d", len(args)))
	}
	if c.Silent != nil {
		args = append(args, c.Silent.LastMediaBefore, c.Silent.StartedBefore)
		clauses = append(clauses, fmt.Sprintf(
			"((last_media_at IS NOT NULL AND last_media_at < $%d) OR (last_media_at IS NULL AND start_time < $%d))",
			len(args)-1, len(args),
		))
	}
	return clauses, args
}

func scanRoom(row pgx.Row) (models.Room, error) {
	var (
		room   models.Room
		status string
	)
	err := row.Scan(
		&room.ID,
		&room.OwnerID,
		&room.Title,
		&room.StreamKey,
		&status,
		&room.StartTime,
		&room.EndTime,
		&room.HasActiveMedia,
		&room.LastMediaAt,
		&room.ViewerCount,
		&room.CreatedAt,
		&room.UpdatedAt,
	)
	if err != nil {
		return models.Room{}, err
	}
	room.Status = models.RoomStatus(status)
	room.CreatedAt = room.CreatedAt.UTC()
	room.UpdatedAt = room.UpdatedAt.UTC()
	return room, nil
}
