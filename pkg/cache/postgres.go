// Copyright 2025 The fleetcore Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/gmbnd/fleetcore/pkg/errors"
	"github.com/gmbnd/fleetcore/pkg/lock"
	"github.com/gmbnd/fleetcore/pkg/model"
)

// PostgresConfig holds the connection settings for the durable cache
// backend.
type PostgresConfig struct {
	Host            string        `json:"host" yaml:"host"`
	Port            int           `json:"port" yaml:"port"`
	Username        string        `json:"username" yaml:"username"`
	Password        string        `json:"password" yaml:"password"`
	Database        string        `json:"database" yaml:"database"`
	SSLMode         string        `json:"ssl_mode" yaml:"ssl_mode"`
	MaxOpenConns    int           `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// DefaultPostgresConfig returns the local-development defaults.
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		Host:            "localhost",
		Port:            5432,
		Username:        "postgres",
		Database:        "fleetcore",
		SSLMode:         "disable",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	}
}

// PostgresCache is the durable Cache implementation. Identity records and
// registrations are stored as JSONB; pending messages keep FIFO order via a
// serial id. The source locks are in-process: running multiple dispatchers
// against one PostgresCache additionally needs a shared lock service.
type PostgresCache struct {
	db    *sql.DB
	locks map[model.Source]lock.Locker
}

// NewPostgresCache opens the connection pool, verifies connectivity, and
// bootstraps the schema.
func NewPostgresCache(cfg PostgresConfig) (*PostgresCache, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Database, cfg.SSLMode)
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(errors.KindCacheError, "cache.NewPostgresCache", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(errors.KindCacheError, "cache.NewPostgresCache", err)
	}
	c := &PostgresCache{
		db: db,
		locks: map[model.Source]lock.Locker{
			model.SourceSystem: lock.New(),
			model.SourceApp:    lock.New(),
		},
	}
	if err := c.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *PostgresCache) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS fleet_components (
			cid TEXT PRIMARY KEY,
			api_version INTEGER,
			system_info JSONB,
			app_info JSONB,
			system_registered BOOLEAN NOT NULL DEFAULT FALSE,
			app_registered BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE TABLE IF NOT EXISTS fleet_properties (
			cid TEXT NOT NULL,
			source TEXT NOT NULL,
			path TEXT NOT NULL,
			registration JSONB NOT NULL,
			position BIGSERIAL,
			PRIMARY KEY (cid, source, path)
		)`,
		`CREATE TABLE IF NOT EXISTS fleet_pending (
			id BIGSERIAL PRIMARY KEY,
			cid TEXT NOT NULL,
			topic TEXT NOT NULL,
			payload BYTEA NOT NULL
		)`,
	}
	for _, s := range stmts {
		if _, err := c.db.Exec(s); err != nil {
			return errors.Wrap(errors.KindCacheError, "cache.ensureSchema", err)
		}
	}
	return nil
}

// Close releases the connection pool.
func (c *PostgresCache) Close() error { return c.db.Close() }

// Lock implements Cache.
func (c *PostgresCache) Lock(source model.Source) lock.Locker { return c.locks[source] }

// ensureRow creates the component row if it does not exist yet.
func (c *PostgresCache) ensureRow(ctx context.Context, cid string) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO fleet_components (cid) VALUES ($1) ON CONFLICT (cid) DO NOTHING`, cid)
	return errors.Wrap(errors.KindCacheError, "cache.ensureRow", err)
}

// CacheAPIVersion implements Cache.
func (c *PostgresCache) CacheAPIVersion(ctx context.Context, cid string, v model.APIVersion) error {
	if err := c.ensureRow(ctx, cid); err != nil {
		return err
	}
	_, err := c.db.ExecContext(ctx,
		`UPDATE fleet_components SET api_version = $2 WHERE cid = $1`, cid, int(v))
	return errors.Wrap(errors.KindCacheError, "cache.CacheAPIVersion", err)
}

// GetAPIVersion implements Cache.
func (c *PostgresCache) GetAPIVersion(ctx context.Context, cid string) (model.APIVersion, bool, error) {
	var v sql.NullInt64
	err := c.db.QueryRowContext(ctx,
		`SELECT api_version FROM fleet_components WHERE cid = $1`, cid).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(errors.KindCacheError, "cache.GetAPIVersion", err)
	}
	if !v.Valid {
		return 0, false, nil
	}
	return model.APIVersion(v.Int64), true, nil
}

// ClearAPIVersion implements Cache.
func (c *PostgresCache) ClearAPIVersion(ctx context.Context, cid string) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE fleet_components SET api_version = NULL WHERE cid = $1`, cid)
	return errors.Wrap(errors.KindCacheError, "cache.ClearAPIVersion", err)
}

func (c *PostgresCache) cacheInfo(ctx context.Context, op, cid, column string, info any) error {
	if err := c.ensureRow(ctx, cid); err != nil {
		return err
	}
	raw, err := json.Marshal(info)
	if err != nil {
		return errors.Wrap(errors.KindCacheError, op, err)
	}
	_, err = c.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE fleet_components SET %s = $2 WHERE cid = $1`, column), cid, raw)
	return errors.Wrap(errors.KindCacheError, op, err)
}

func (c *PostgresCache) getInfo(ctx context.Context, op, cid, column string, out any) (bool, error) {
	var raw []byte
	err := c.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM fleet_components WHERE cid = $1`, column), cid).Scan(&raw)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(errors.KindCacheError, op, err)
	}
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, errors.Wrap(errors.KindCacheError, op, err)
	}
	return true, nil
}

// CacheSystemInfo implements Cache.
func (c *PostgresCache) CacheSystemInfo(ctx context.Context, cid string, info *model.SystemInfo) error {
	return c.cacheInfo(ctx, "cache.CacheSystemInfo", cid, "system_info", info)
}

// GetSystemInfo implements Cache.
func (c *PostgresCache) GetSystemInfo(ctx context.Context, cid string) (*model.SystemInfo, error) {
	info := &model.SystemInfo{}
	ok, err := c.getInfo(ctx, "cache.GetSystemInfo", cid, "system_info", info)
	if err != nil || !ok {
		return nil, err
	}
	return info, nil
}

// ClearSystemInfo implements Cache.
func (c *PostgresCache) ClearSystemInfo(ctx context.Context, cid string) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE fleet_components SET system_info = NULL WHERE cid = $1`, cid)
	return errors.Wrap(errors.KindCacheError, "cache.ClearSystemInfo", err)
}

// CacheAppInfo implements Cache.
func (c *PostgresCache) CacheAppInfo(ctx context.Context, cid string, info *model.ApplicationInfo) error {
	return c.cacheInfo(ctx, "cache.CacheAppInfo", cid, "app_info", info)
}

// GetAppInfo implements Cache.
func (c *PostgresCache) GetAppInfo(ctx context.Context, cid string) (*model.ApplicationInfo, error) {
	info := &model.ApplicationInfo{}
	ok, err := c.getInfo(ctx, "cache.GetAppInfo", cid, "app_info", info)
	if err != nil || !ok {
		return nil, err
	}
	return info, nil
}

// CacheProperty implements Cache.
func (c *PostgresCache) CacheProperty(ctx context.Context, cid string, source model.Source, path string, reg *model.PropertyRegistration) error {
	raw, err := json.Marshal(reg)
	if err != nil {
		return errors.Wrap(errors.KindCacheError, "cache.CacheProperty", err)
	}
	_, err = c.db.ExecContext(ctx,
		`INSERT INTO fleet_properties (cid, source, path, registration) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (cid, source, path) DO UPDATE SET registration = EXCLUDED.registration`,
		cid, string(source), path, raw)
	return errors.Wrap(errors.KindCacheError, "cache.CacheProperty", err)
}

// GetProperty implements Cache.
func (c *PostgresCache) GetProperty(ctx context.Context, cid string, source model.Source, path string) (*model.PropertyRegistration, error) {
	var raw []byte
	err := c.db.QueryRowContext(ctx,
		`SELECT registration FROM fleet_properties WHERE cid = $1 AND source = $2 AND path = $3`,
		cid, string(source), path).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindCacheError, "cache.GetProperty", err)
	}
	reg := &model.PropertyRegistration{}
	if err := json.Unmarshal(raw, reg); err != nil {
		return nil, errors.Wrap(errors.KindCacheError, "cache.GetProperty", err)
	}
	return reg, nil
}

// GetAllProperties implements Cache.
func (c *PostgresCache) GetAllProperties(ctx context.Context, cid string, source model.Source) ([]*model.PropertyRegistration, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT registration FROM fleet_properties WHERE cid = $1 AND source = $2 ORDER BY position`,
		cid, string(source))
	if err != nil {
		return nil, errors.Wrap(errors.KindCacheError, "cache.GetAllProperties", err)
	}
	defer rows.Close()
	var out []*model.PropertyRegistration
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, errors.Wrap(errors.KindCacheError, "cache.GetAllProperties", err)
		}
		reg := &model.PropertyRegistration{}
		if err := json.Unmarshal(raw, reg); err != nil {
			return nil, errors.Wrap(errors.KindCacheError, "cache.GetAllProperties", err)
		}
		out = append(out, reg)
	}
	return out, errors.Wrap(errors.KindCacheError, "cache.GetAllProperties", rows.Err())
}

// ClearProperties implements Cache.
func (c *PostgresCache) ClearProperties(ctx context.Context, cid string, source model.Source) error {
	_, err := c.db.ExecContext(ctx,
		`DELETE FROM fleet_properties WHERE cid = $1 AND source = $2`, cid, string(source))
	return errors.Wrap(errors.KindCacheError, "cache.ClearProperties", err)
}

func (c *PostgresCache) registeredColumn(source model.Source) string {
	if source == model.SourceApp {
		return "app_registered"
	}
	return "system_registered"
}

// SetRegistered implements Cache.
func (c *PostgresCache) SetRegistered(ctx context.Context, cid string, source model.Source, flag bool) error {
	if err := c.ensureRow(ctx, cid); err != nil {
		return err
	}
	_, err := c.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE fleet_components SET %s = $2 WHERE cid = $1`, c.registeredColumn(source)),
		cid, flag)
	return errors.Wrap(errors.KindCacheError, "cache.SetRegistered", err)
}

// IsRegistered implements Cache.
func (c *PostgresCache) IsRegistered(ctx context.Context, cid string, source model.Source) (bool, error) {
	var flag bool
	err := c.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM fleet_components WHERE cid = $1`, c.registeredColumn(source)),
		cid).Scan(&flag)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(errors.KindCacheError, "cache.IsRegistered", err)
	}
	return flag, nil
}

// ClearInfoAndRegistered implements Cache.
func (c *PostgresCache) ClearInfoAndRegistered(ctx context.Context, cid string, source model.Source) error {
	column := "system_info"
	if source == model.SourceApp {
		column = "app_info"
	}
	_, err := c.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE fleet_components SET %s = NULL, %s = FALSE WHERE cid = $1`,
			column, c.registeredColumn(source)), cid)
	return errors.Wrap(errors.KindCacheError, "cache.ClearInfoAndRegistered", err)
}

// ClearCachedValues implements Cache.
func (c *PostgresCache) ClearCachedValues(ctx context.Context, cid string, source model.Source) error {
	if err := c.ClearProperties(ctx, cid, source); err != nil {
		return err
	}
	return c.SetRegistered(ctx, cid, source, false)
}

// ClearAll implements Cache.
func (c *PostgresCache) ClearAll(ctx context.Context, cid string) error {
	for _, stmt := range []string{
		`DELETE FROM fleet_pending WHERE cid = $1`,
		`DELETE FROM fleet_properties WHERE cid = $1`,
		`DELETE FROM fleet_components WHERE cid = $1`,
	} {
		if _, err := c.db.ExecContext(ctx, stmt, cid); err != nil {
			return errors.Wrap(errors.KindCacheError, "cache.ClearAll", err)
		}
	}
	return nil
}

// CachePendingMessage implements Cache.
func (c *PostgresCache) CachePendingMessage(ctx context.Context, cid, topic string, payload []byte) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO fleet_pending (cid, topic, payload) VALUES ($1, $2, $3)`, cid, topic, payload)
	return errors.Wrap(errors.KindCacheError, "cache.CachePendingMessage", err)
}

// GetNextPendingMessage implements Cache.
func (c *PostgresCache) GetNextPendingMessage(ctx context.Context, cid string) (*model.PendingMessage, error) {
	row := c.db.QueryRowContext(ctx,
		`DELETE FROM fleet_pending WHERE id = (
			SELECT id FROM fleet_pending WHERE cid = $1 ORDER BY id LIMIT 1
		) RETURNING topic, payload`, cid)
	msg := &model.PendingMessage{}
	err := row.Scan(&msg.Topic, &msg.Payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindCacheError, "cache.GetNextPendingMessage", err)
	}
	return msg, nil
}
