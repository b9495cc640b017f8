package indicators

import "time"

// CrossoverState classifies the MACD line relative to its signal line
type CrossoverState string

const (
	CrossoverBullish      CrossoverState = "BULLISH"
	CrossoverBearish      CrossoverState = "BEARISH"
	CrossoverBullishTrend CrossoverState = "BULLISH_TREND"
	CrossoverBearishTrend CrossoverState = "BEARISH_TREND"
	CrossoverNeutral      CrossoverState = "NEUTRAL"
)

// EMASignal classifies the EMA9 line relative to EMA21
type EMASignal string

const (
	EMABullish EMASignal = "BULLISH"
	EMABearish EMASignal = "BEARISH"
	EMANeutral EMASignal = "NEUTRAL"
)

// RSISignal is the categorical reading of the RSI value
type RSISignal string

const (
	RSIOversold   RSISignal = "OVERSOLD"
	RSIOverbought RSISignal = "OVERBOUGHT"
	RSINeutral    RSISignal = "NEUTRAL"
)

// BBPosition locates the price within the Bollinger bands
type BBPosition string

const (
	BBUpper  BBPosition = "UPPER"
	BBMiddle BBPosition = "MIDDLE"
	BBLower  BBPosition = "LOWER"
)

// BBWidth classifies the band width relative to the middle band
type BBWidth string

const (
	BBNarrow BBWidth = "NARROW"
	BBNormal BBWidth = "NORMAL"
	BBWide   BBWidth = "WIDE"
)

// TrendDirection is the coarse trend classification
type TrendDirection string

const (
	TrendBullish  TrendDirection = "BULLISH"
	TrendBearish  TrendDirection = "BEARISH"
	TrendSideways TrendDirection = "SIDEWAYS"
)

// VolumeTrend describes the short-term volume tendency
type VolumeTrend string

const (
	VolumeIncreasing VolumeTrend = "INCREASING"
	VolumeDecreasing VolumeTrend = "DECREASING"
	VolumeStable     VolumeTrend = "STABLE"
)

// Candle is a single OHLCV bar
type Candle struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// Snapshot holds point-in-time indicator values for one symbol.
// Snapshots are append-only and retained for a configurable window.
type Snapshot struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`

	RSIValue  float64   `json:"rsi_value"`
	RSISignal RSISignal `json:"rsi_signal"`

	MACDValue  float64        `json:"macd_value"`
	MACDSignal float64        `json:"macd_signal"`
	Histogram  float64        `json:"histogram"`
	Crossover  CrossoverState `json:"crossover"`

	SMAShort float64 `json:"sma_short"`
	SMALong  float64 `json:"sma_long"`

	EMA9      float64   `json:"ema9"`
	EMA21     float64   `json:"ema21"`
	EMASignal EMASignal `json:"ema_signal"`

	BBUpper    float64    `json:"bb_upper"`
	BBMiddle   float64    `json:"bb_middle"`
	BBLower    float64    `json:"bb_lower"`
	BBPosition BBPosition `json:"bb_position"`
	BBWidth    BBWidth    `json:"bb_width"`

	VolumeRatio float64     `json:"volume_ratio"`
	VolumeTrend VolumeTrend `json:"volume_trend"`

	Support    []float64 `json:"support"`
	Resistance []float64 `json:"resistance"`

	TrendDirection TrendDirection `json:"trend_direction"`
	TrendStrength  float64        `json:"trend_strength"`

	TakenAt time.Time `json:"taken_at"`
}
