// Package expiry maps a signal to the duration of the binary contract that
// follows it.
package expiry

import (
	"strconv"
	"strings"
)

const (
	// Synthetic indices move too fast for candle based expiries.
	Synthetic = 15
	Default   = 30
	Min       = 21
	Max       = 1440
)

var synthetics = []string{
	"VOLATILITY",
	"CRASH",
	"BOOM",
	"JUMP",
	"STEP INDEX",
	"RANGE BREAK",
}

var breakouts = []string{"wedge", "triangle", "pennant"}

// Minutes returns the contract duration for the given asset, timeframe
// (M15, H4, D1...) and chart pattern. The result is always within [Min, Max]
// except for synthetic indices, which return Synthetic.
func Minutes(asset, timeframe, pattern string) int {
	if IsSynthetic(asset) {
		return Synthetic
	}
	minutes := float64(base(timeframe))
	pattern = strings.ToLower(pattern)
	for _, b := range breakouts {
		if strings.Contains(pattern, b) {
			minutes *= 2.5
			break
		}
	}
	switch {
	case minutes < Min:
		return Min
	case minutes > Max:
		return Max
	}
	return int(minutes)
}

func IsSynthetic(asset string) bool {
	asset = strings.ToUpper(asset)
	for _, s := range synthetics {
		if strings.Contains(asset, s) {
			return true
		}
	}
	// Venue symbols: R_25, 1HZ75V
	return strings.HasPrefix(asset, "R_") || strings.HasPrefix(asset, "1HZ")
}

// base waits two candles on intraday timeframes and half a day on daily ones.
func base(timeframe string) int {
	timeframe = strings.ToUpper(strings.TrimSpace(timeframe))
	if len(timeframe) < 2 {
		return Default
	}
	unit := timeframe[0]
	n, err := strconv.Atoi(timeframe[1:])
	if err != nil {
		// 15M, 4H
		unit = timeframe[len(timeframe)-1]
		n, err = strconv.Atoi(timeframe[:len(timeframe)-1])
	}
	if err != nil || n <= 0 {
		return Default
	}
	var per int
	switch unit {
	case 'M':
		per = 2
	case 'H':
		per = 60 * 2
	case 'D':
		per = 1440 / 2
	default:
		return Default
	}
	if n > Max/per {
		return Max
	}
	return n * per
}
