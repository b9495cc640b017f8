package indicators

import (
	"fmt"
	"math"
	"time"

	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/trend"
	"github.com/cinar/indicator/v2/volatility"
	"github.com/rs/zerolog/log"
)

// Indicator periods. These match the tuning the advisor prompts were trained
// against; changing them invalidates the learned rules.
const (
	rsiPeriod      = 14
	macdFast       = 12
	macdSlow       = 26
	macdSignalLen  = 9
	smaShortPeriod = 20
	smaLongPeriod  = 50
	emaFastPeriod  = 9
	emaSlowPeriod  = 21
	bbPeriod       = 20

	volumeWindow = 20
	wideWidth    = 0.10
)

// Service computes indicator snapshots from candle series
type Service struct {
	rsiOversold   float64
	rsiOverbought float64
	bbSqueeze     float64
}

// NewService creates an indicator service with the given categorical boundaries
func NewService(rsiOversold, rsiOverbought, bbSqueeze float64) *Service {
	return &Service{
		rsiOversold:   rsiOversold,
		rsiOverbought: rsiOverbought,
		bbSqueeze:     bbSqueeze,
	}
}

// Compute builds a full snapshot for one symbol from its candle series.
// It needs at least smaLongPeriod candles; fewer is an error.
func (s *Service) Compute(symbol string, candles []Candle) (*Snapshot, error) {
	if len(candles) < smaLongPeriod {
		return nil, fmt.Errorf("not enough candles for %s: have %d, need %d", symbol, len(candles), smaLongPeriod)
	}

	closes := make([]float64, len(candles))
	volumes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
		volumes[i] = c.Volume
	}
	price := closes[len(closes)-1]

	rsi := lastN(computeSeries(momentum.NewRsiWithPeriod[float64](rsiPeriod).Compute, closes), 1)
	macdLine, signalLine := computePair(trend.NewMacdWithPeriod[float64](macdFast, macdSlow, macdSignalLen), closes)
	smaShort := lastN(computeSeries(trend.NewSmaWithPeriod[float64](smaShortPeriod).Compute, closes), 1)
	smaLong := lastN(computeSeries(trend.NewSmaWithPeriod[float64](smaLongPeriod).Compute, closes), 1)
	ema9 := lastN(computeSeries(trend.NewEmaWithPeriod[float64](emaFastPeriod).Compute, closes), 2)
	ema21 := lastN(computeSeries(trend.NewEmaWithPeriod[float64](emaSlowPeriod).Compute, closes), 2)
	bbLower, bbMiddle, bbUpper := computeBollinger(closes)

	if len(rsi) == 0 || len(macdLine) < 2 || len(signalLine) < 2 ||
		len(smaShort) == 0 || len(smaLong) == 0 ||
		len(ema9) < 2 || len(ema21) < 2 ||
		len(bbLower) == 0 || len(bbMiddle) == 0 || len(bbUpper) == 0 {
		return nil, fmt.Errorf("indicator series too short for %s", symbol)
	}

	snap := &Snapshot{
		Symbol:     symbol,
		Price:      price,
		RSIValue:   rsi[len(rsi)-1],
		MACDValue:  macdLine[len(macdLine)-1],
		MACDSignal: signalLine[len(signalLine)-1],
		SMAShort:   smaShort[len(smaShort)-1],
		SMALong:    smaLong[len(smaLong)-1],
		EMA9:       ema9[len(ema9)-1],
		EMA21:      ema21[len(ema21)-1],
		BBUpper:    bbUpper[len(bbUpper)-1],
		BBMiddle:   bbMiddle[len(bbMiddle)-1],
		BBLower:    bbLower[len(bbLower)-1],
		TakenAt:    time.Now().UTC(),
	}
	snap.Histogram = snap.MACDValue - snap.MACDSignal

	snap.RSISignal = s.classifyRSI(snap.RSIValue)
	snap.Crossover = classifyCrossover(macdLine, signalLine)
	snap.EMASignal = classifyEMA(ema9, ema21)
	snap.BBPosition, snap.BBWidth = s.classifyBollinger(price, snap.BBUpper, snap.BBMiddle, snap.BBLower)
	snap.VolumeRatio, snap.VolumeTrend = classifyVolume(volumes)
	snap.Support, snap.Resistance = findLevels(candles, price)
	snap.TrendDirection, snap.TrendStrength = classifyTrend(price, snap.SMAShort, snap.SMALong)

	log.Debug().
		Str("symbol", symbol).
		Float64("price", price).
		Float64("rsi", snap.RSIValue).
		Str("crossover", string(snap.Crossover)).
		Msg("Snapshot computed")

	return snap, nil
}

func (s *Service) classifyRSI(value float64) RSISignal {
	switch {
	case value < s.rsiOversold:
		return RSIOversold
	case value > s.rsiOverbought:
		return RSIOverbought
	default:
		return RSINeutral
	}
}

// classifyCrossover distinguishes a cross that happened on the latest bar
// (BULLISH/BEARISH) from an established separation (the _TREND states).
func classifyCrossover(macdLine, signalLine []float64) CrossoverState {
	n := len(macdLine)
	m := len(signalLine)
	curDiff := macdLine[n-1] - signalLine[m-1]
	prevDiff := macdLine[n-2] - signalLine[m-2]

	switch {
	case prevDiff <= 0 && curDiff > 0:
		return CrossoverBullish
	case prevDiff >= 0 && curDiff < 0:
		return CrossoverBearish
	case curDiff > 0:
		return CrossoverBullishTrend
	case curDiff < 0:
		return CrossoverBearishTrend
	default:
		return CrossoverNeutral
	}
}

func classifyEMA(ema9, ema21 []float64) EMASignal {
	curFast := ema9[len(ema9)-1]
	curSlow := ema21[len(ema21)-1]

	switch {
	case curFast > curSlow:
		return EMABullish
	case curFast < curSlow:
		return EMABearish
	default:
		return EMANeutral
	}
}

func (s *Service) classifyBollinger(price, upper, middle, lower float64) (BBPosition, BBWidth) {
	pos := BBMiddle
	if price >= upper {
		pos = BBUpper
	} else if price <= lower {
		pos = BBLower
	}

	width := BBNormal
	if middle > 0 {
		rel := (upper - lower) / middle
		if rel < s.bbSqueeze {
			width = BBNarrow
		} else if rel > wideWidth {
			width = BBWide
		}
	}

	return pos, width
}

func classifyVolume(volumes []float64) (float64, VolumeTrend) {
	n := len(volumes)
	window := volumeWindow
	if n < window+1 {
		window = n - 1
	}
	if window <= 0 {
		return 1.0, VolumeStable
	}

	var sum float64
	for _, v := range volumes[n-1-window : n-1] {
		sum += v
	}
	avg := sum / float64(window)

	ratio := 1.0
	if avg > 0 {
		ratio = volumes[n-1] / avg
	}

	// Compare the last 5 bars against the preceding window for the tendency
	recent := 5
	if n < recent*2 {
		return ratio, VolumeStable
	}
	var recentSum, priorSum float64
	for _, v := range volumes[n-recent:] {
		recentSum += v
	}
	for _, v := range volumes[n-recent*2 : n-recent] {
		priorSum += v
	}

	tr := VolumeStable
	if priorSum > 0 {
		change := (recentSum - priorSum) / priorSum
		if change > 0.15 {
			tr = VolumeIncreasing
		} else if change < -0.15 {
			tr = VolumeDecreasing
		}
	}

	return ratio, tr
}

func classifyTrend(price, smaShort, smaLong float64) (TrendDirection, float64) {
	strength := 0.0
	if smaLong > 0 {
		strength = math.Min(math.Abs(smaShort-smaLong)/smaLong*10, 1.0)
	}

	switch {
	case price > smaShort && smaShort > smaLong:
		return TrendBullish, strength
	case price < smaShort && smaShort < smaLong:
		return TrendBearish, strength
	default:
		return TrendSideways, strength
	}
}

// findLevels extracts up to three support and resistance levels from swing
// lows and highs, nearest to the current price first.
func findLevels(candles []Candle, price float64) ([]float64, []float64) {
	var support, resistance []float64

	for i := 2; i < len(candles)-2; i++ {
		low := candles[i].Low
		if low < candles[i-1].Low && low < candles[i-2].Low &&
			low < candles[i+1].Low && low < candles[i+2].Low && low < price {
			support = append(support, low)
		}
		high := candles[i].High
		if high > candles[i-1].High && high > candles[i-2].High &&
			high > candles[i+1].High && high > candles[i+2].High && high > price {
			resistance = append(resistance, high)
		}
	}

	sortByDistance(support, price)
	sortByDistance(resistance, price)

	if len(support) > 3 {
		support = support[:3]
	}
	if len(resistance) > 3 {
		resistance = resistance[:3]
	}

	return support, resistance
}

func sortByDistance(levels []float64, price float64) {
	for i := 1; i < len(levels); i++ {
		for j := i; j > 0 && math.Abs(levels[j]-price) < math.Abs(levels[j-1]-price); j-- {
			levels[j], levels[j-1] = levels[j-1], levels[j]
		}
	}
}

// computeSeries feeds a price slice through a channel-based indicator
func computeSeries(compute func(<-chan float64) <-chan float64, prices []float64) []float64 {
	in := make(chan float64, len(prices))
	for _, p := range prices {
		in <- p
	}
	close(in)

	var out []float64
	for v := range compute(in) {
		out = append(out, v)
	}
	return out
}

func computePair(macd *trend.Macd[float64], prices []float64) ([]float64, []float64) {
	in := make(chan float64, len(prices))
	for _, p := range prices {
		in <- p
	}
	close(in)

	macdChan, signalChan := macd.Compute(in)

	var macdLine, signalLine []float64
	for {
		m, mok := <-macdChan
		s, sok := <-signalChan
		if !mok || !sok {
			break
		}
		macdLine = append(macdLine, m)
		signalLine = append(signalLine, s)
	}

	return macdLine, signalLine
}

func computeBollinger(prices []float64) ([]float64, []float64, []float64) {
	in := make(chan float64, len(prices))
	for _, p := range prices {
		in <- p
	}
	close(in)

	bb := volatility.NewBollingerBandsWithPeriod[float64](bbPeriod)
	lowerChan, middleChan, upperChan := bb.Compute(in)

	var lower, middle, upper []float64
	for {
		l, lok := <-lowerChan
		m, mok := <-middleChan
		u, uok := <-upperChan
		if !lok || !mok || !uok {
			break
		}
		lower = append(lower, l)
		middle = append(middle, m)
		upper = append(upper, u)
	}

	return lower, middle, upper
}

func lastN(series []float64, n int) []float64 {
	if len(series) <= n {
		return series
	}
	return series[len(series)-n:]
}
