package main

import (
	"context"
	"fmt"
	"time"

	"trading-alertsv1/internal/alerts"
	"trading-alertsv1/internal/markethours"
	"trading-alertsv1/pkg/smartconnect"
)

// dailyCandles is the slice of the SmartAPI client level generation needs.
type dailyCandles interface {
	PreviousDayCandle(ctx context.Context, exchange, token string, day time.Time) (smartconnect.Candle, error)
}

// candleSource serves the previous trading day's candle for a date.
type candleSource struct {
	api dailyCandles
	now func() time.Time
}

// ReferenceCandle returns the last daily bar before date ("2006-01-02",
// IST). An empty date means today.
func (c candleSource) ReferenceCandle(ctx context.Context, exchange, token, date string) (alerts.OHLC, error) {
	day := c.now().In(markethours.IST)
	if date != "" {
		d, err := time.ParseInLocation("2006-01-02", date, markethours.IST)
		if err != nil {
			return alerts.OHLC{}, fmt.Errorf("invalid date %q: %w", date, err)
		}
		day = d
	}
	if exchange == "" {
		exchange = "NSE"
	}
	bar, err := c.api.PreviousDayCandle(ctx, exchange, token, day)
	if err != nil {
		return alerts.OHLC{}, err
	}
	return alerts.OHLC{Open: bar.Open, High: bar.High, Low: bar.Low, Close: bar.Close}, nil
}
