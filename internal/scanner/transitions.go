package scanner

import (
	"github.com/quantfold/tradepilot/internal/config"
	"github.com/quantfold/tradepilot/internal/indicators"
)

// Trigger kinds emitted when a monitored indicator crosses into a state it
// was not in on the previous cycle.
const (
	TriggerRSIOversold         = "RSI_OVERSOLD"
	TriggerRSIOverbought       = "RSI_OVERBOUGHT"
	TriggerMACDBullishCross    = "MACD_BULLISH_CROSSOVER"
	TriggerMACDBearishCross    = "MACD_BEARISH_CROSSOVER"
	TriggerEMABullishCross     = "EMA_BULLISH_CROSSOVER"
	TriggerEMABearishCross     = "EMA_BEARISH_CROSSOVER"
	TriggerVolumeSpike         = "VOLUME_SPIKE"
	TriggerBBSqueeze           = "BB_SQUEEZE"
	TriggerBBLowerTouch        = "BB_LOWER_TOUCH"
	TriggerBBUpperTouch        = "BB_UPPER_TOUCH"
	TriggerTrendTurnedBullish  = "TREND_TURNED_BULLISH"
	TriggerTrendTurnedBearish  = "TREND_TURNED_BEARISH"
)

// detectTransitions compares two consecutive snapshots and returns every
// trigger kind whose condition became true between them. Continuously being
// in a state does not fire; only the crossing does.
func detectTransitions(prev, cur *indicators.Snapshot, th config.ThresholdsConfig) []string {
	var kinds []string

	if prev.RSIValue >= th.RSIOversold && cur.RSIValue < th.RSIOversold {
		kinds = append(kinds, TriggerRSIOversold)
	}
	if prev.RSIValue <= th.RSIOverbought && cur.RSIValue > th.RSIOverbought {
		kinds = append(kinds, TriggerRSIOverbought)
	}

	if cur.Crossover == indicators.CrossoverBullish && prev.Crossover != indicators.CrossoverBullish {
		kinds = append(kinds, TriggerMACDBullishCross)
	}
	if cur.Crossover == indicators.CrossoverBearish && prev.Crossover != indicators.CrossoverBearish {
		kinds = append(kinds, TriggerMACDBearishCross)
	}

	if cur.EMASignal == indicators.EMABullish && prev.EMASignal != indicators.EMABullish {
		kinds = append(kinds, TriggerEMABullishCross)
	}
	if cur.EMASignal == indicators.EMABearish && prev.EMASignal != indicators.EMABearish {
		kinds = append(kinds, TriggerEMABearishCross)
	}

	if prev.VolumeRatio < th.VolumeSpikeRatio && cur.VolumeRatio >= th.VolumeSpikeRatio {
		kinds = append(kinds, TriggerVolumeSpike)
	}

	if prev.BBWidth != indicators.BBNarrow && cur.BBWidth == indicators.BBNarrow {
		kinds = append(kinds, TriggerBBSqueeze)
	}
	if prev.BBPosition != indicators.BBLower && cur.BBPosition == indicators.BBLower {
		kinds = append(kinds, TriggerBBLowerTouch)
	}
	if prev.BBPosition != indicators.BBUpper && cur.BBPosition == indicators.BBUpper {
		kinds = append(kinds, TriggerBBUpperTouch)
	}

	if cur.TrendDirection == indicators.TrendBullish && prev.TrendDirection != indicators.TrendBullish {
		kinds = append(kinds, TriggerTrendTurnedBullish)
	}
	if cur.TrendDirection == indicators.TrendBearish && prev.TrendDirection != indicators.TrendBearish {
		kinds = append(kinds, TriggerTrendTurnedBearish)
	}

	return kinds
}
