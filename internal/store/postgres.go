package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/voyagen/loopcaster/internal/models"
)

// Postgres implements Store using PostgreSQL.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a Postgres store from a DSN. Caller must call Close when done.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close closes the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// ListChannels returns all channels ordered by creation time, newest first.
func (p *Postgres) ListChannels(ctx context.Context) ([]models.Channel, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+channelColumns+` FROM channels ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("ListChannels: %w", err)
	}
	defer rows.Close()
	return collectChannels(rows)
}

// GetChannel returns a single channel by id.
func (p *Postgres) GetChannel(ctx context.Context, channelID int64) (*models.Channel, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = $1`, channelID)
	ch, err := scanChannel(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("GetChannel: %w", err)
	}
	return &ch, nil
}

// CreateChannel inserts a new channel and returns the stored row.
func (p *Postgres) CreateChannel(ctx context.Context, ch *models.Channel) (*models.Channel, error) {
	row := p.pool.QueryRow(ctx,
		`INSERT INTO channels (name, rtmp_url, rtmp_key, looping_enabled, download_status, is_active)
		 VALUES ($1, $2, $3, $4, $5, false)
		 RETURNING `+channelColumns,
		ch.Name, ch.RTMPURL, ch.RTMPKey, ch.LoopingEnabled, string(models.DownloadIdle),
	)
	created, err := scanChannel(row)
	if err != nil {
		return nil, fmt.Errorf("CreateChannel: %w", err)
	}
	return &created, nil
}

// UpdateChannel applies the non-nil fields of u.
func (p *Postgres) UpdateChannel(ctx context.Context, channelID int64, u ChannelUpdate) error {
	if u.Empty() {
		_, err := p.GetChannel(ctx, channelID)
		return err
	}
	sets, args := u.setClauses(func(n int) string { return fmt.Sprintf("$%d", n) })
	args = append(args, channelID)
	tag, err := p.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE channels SET %s WHERE id = $%d`, sets, len(args)), args...)
	if err != nil {
		return fmt.Errorf("UpdateChannel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteChannel removes a channel row.
func (p *Postgres) DeleteChannel(ctx context.Context, channelID int64) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM channels WHERE id = $1`, channelID)
	if err != nil {
		return fmt.Errorf("DeleteChannel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListScheduledChannels returns READY channels with a complete schedule window.
func (p *Postgres) ListScheduledChannels(ctx context.Context) ([]models.Channel, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+channelColumns+` FROM channels
		 WHERE schedule_start_time IS NOT NULL AND schedule_stop_time IS NOT NULL
		   AND download_status = $1
		 ORDER BY id`,
		string(models.DownloadReady),
	)
	if err != nil {
		return nil, fmt.Errorf("ListScheduledChannels: %w", err)
	}
	defer rows.Close()
	return collectChannels(rows)
}

// ResetActive clears is_active on every channel.
func (p *Postgres) ResetActive(ctx context.Context) (int64, error) {
	tag, err := p.pool.Exec(ctx, `UPDATE channels SET is_active = false WHERE is_active`)
	if err != nil {
		return 0, fmt.Errorf("ResetActive: %w", err)
	}
	return tag.RowsAffected(), nil
}

func collectChannels(rows pgx.Rows) ([]models.Channel, error) {
	var out []models.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		out = append(out, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
