// Package models defines the persisted entities.
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Candle is one OHLCV row in the ohlcv_data table.
//
// A candle is identified by (timestamp_local, symbol, timeframe); the store
// enforces this with a composite unique constraint. TimestampUTC is the
// exchange-native open time, TimestampLocal the same instant shifted by the
// configured display offset. Prices and volume use numeric columns so that
// repeated upserts never lose precision to binary floats.
type Candle struct {
	ID uint `gorm:"primaryKey;autoIncrement"`

	TimestampUTC   time.Time `gorm:"column:timestamp_utc;not null;index"`
	TimestampLocal time.Time `gorm:"column:timestamp_local;not null;index;uniqueIndex:uix_timestamp_symbol_timeframe,priority:1"`

	Symbol    string `gorm:"size:20;not null;index;uniqueIndex:uix_timestamp_symbol_timeframe,priority:2"`
	Timeframe string `gorm:"size:5;not null;default:5m;uniqueIndex:uix_timestamp_symbol_timeframe,priority:3"`

	Open   decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	High   decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	Low    decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	Close  decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	Volume decimal.Decimal `gorm:"type:numeric(20,8);not null"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
}

// TableName overrides the gorm default.
func (Candle) TableName() string {
	return "ohlcv_data"
}
