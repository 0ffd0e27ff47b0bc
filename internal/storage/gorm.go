package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"safetradelab/collector/internal/models"
)

// Pool sizing mirrors the deployment this replaced: 10 warm connections with
// room to grow under the concurrent per-symbol writers.
const (
	maxIdleConns    = 10
	maxOpenConns    = 30
	connMaxLifetime = time.Hour
)

// upsertSQL inserts a candle or overwrites the non-key fields of the existing
// row with the same (timestamp_local, symbol, timeframe) key. The conflict is
// resolved inside Postgres, so concurrent writers racing on one key can never
// produce a duplicate row or a visible uniqueness violation.
//
// xmax = 0 only holds for freshly inserted tuples, which is how a new row is
// told apart from a corrected one.
const upsertSQL = `
INSERT INTO ohlcv_data
    (timestamp_utc, timestamp_local, symbol, timeframe, open, high, low, close, volume, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, now())
ON CONFLICT (timestamp_local, symbol, timeframe) DO UPDATE SET
    timestamp_utc = EXCLUDED.timestamp_utc,
    open = EXCLUDED.open,
    high = EXCLUDED.high,
    low = EXCLUDED.low,
    close = EXCLUDED.close,
    volume = EXCLUDED.volume
RETURNING (xmax = 0) AS inserted`

// gormStore implements Store on top of gorm with the Postgres driver.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore opens a pooled Postgres connection and returns the candle store.
func NewGormStore(dsn string) (Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, classify(err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, classify(err)
	}
	sqlDB.SetMaxIdleConns(maxIdleConns)
	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetConnMaxLifetime(connMaxLifetime)

	return &gormStore{db: db}, nil
}

func (s *gormStore) Upsert(ctx context.Context, c *models.Candle) (bool, error) {
	var inserted bool
	err := s.db.WithContext(ctx).Raw(upsertSQL,
		c.TimestampUTC, c.TimestampLocal, c.Symbol, c.Timeframe,
		c.Open, c.High, c.Low, c.Close, c.Volume,
	).Scan(&inserted).Error
	if err != nil {
		return false, classify(err)
	}
	return inserted, nil
}

func (s *gormStore) LatestBoundary(ctx context.Context, symbol, timeframe string) (time.Time, bool, error) {
	return s.boundary(ctx, symbol, timeframe, "max")
}

func (s *gormStore) FirstBoundary(ctx context.Context, symbol, timeframe string) (time.Time, bool, error) {
	return s.boundary(ctx, symbol, timeframe, "min")
}

func (s *gormStore) boundary(ctx context.Context, symbol, timeframe, fn string) (time.Time, bool, error) {
	var ts sql.NullTime
	err := s.db.WithContext(ctx).
		Model(&models.Candle{}).
		Select(fn+"(timestamp_local)").
		Where("symbol = ? AND timeframe = ?", symbol, timeframe).
		Scan(&ts).Error
	if err != nil {
		return time.Time{}, false, classify(err)
	}
	if !ts.Valid {
		return time.Time{}, false, nil
	}
	return ts.Time, true, nil
}

func (s *gormStore) Count(ctx context.Context, symbol string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&models.Candle{}).
		Where("symbol = ?", symbol).
		Count(&n).Error
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

func (s *gormStore) CountAll(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Candle{}).Count(&n).Error
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

func (s *gormStore) Symbols(ctx context.Context) ([]string, error) {
	var symbols []string
	err := s.db.WithContext(ctx).
		Model(&models.Candle{}).
		Distinct("symbol").
		Order("symbol").
		Pluck("symbol", &symbols).Error
	if err != nil {
		return nil, classify(err)
	}
	return symbols, nil
}

func (s *gormStore) Recent(ctx context.Context, symbol string, limit int) ([]models.Candle, error) {
	var candles []models.Candle
	err := s.db.WithContext(ctx).
		Where("symbol = ?", symbol).
		Order("timestamp_local DESC").
		Limit(limit).
		Find(&candles).Error
	if err != nil {
		return nil, classify(err)
	}
	return candles, nil
}

func (s *gormStore) DeleteBySymbol(ctx context.Context, symbol string) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("symbol = ?", symbol).
		Delete(&models.Candle{})
	if res.Error != nil {
		return 0, classify(res.Error)
	}
	return res.RowsAffected, nil
}

func (s *gormStore) DeleteAll(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).
		Session(&gorm.Session{AllowGlobalUpdate: true}).
		Delete(&models.Candle{})
	if res.Error != nil {
		return 0, classify(res.Error)
	}
	return res.RowsAffected, nil
}

func (s *gormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return classify(err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	return nil
}

func (s *gormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return classify(err)
	}
	return sqlDB.Close()
}

// classify maps driver errors onto the package error kinds so callers can
// branch on errors.Is without importing pgx.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "08", "53", "57": // connection exception, insufficient resources, operator intervention
			return fmt.Errorf("%w: %v", ErrConnection, err)
		case "23": // integrity constraint violation
			return fmt.Errorf("%w: %v", ErrConstraint, err)
		}
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) || strings.Contains(err.Error(), "connection refused") {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	return err
}
