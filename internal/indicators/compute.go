package indicators

import (
	"math"

	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/trend"
	"github.com/cinar/indicator/v2/volatility"

	"github.com/quantfold/agentsim/pkg/ohlcv"
)

// computeStandard dispatches a catalog name to its series computation.
// Every returned series has the same length as candles; positions that
// cannot be computed hold NaN.
func computeStandard(name string, candles []ohlcv.Candle) []float64 {
	switch name {
	case NameRSI:
		return cinarSeries(closes(candles), func(ch <-chan float64) <-chan float64 {
			return momentum.NewRsiWithPeriod[float64](14).Compute(ch)
		})
	case NameMACD:
		return macdLine(closes(candles))
	case NameEMA20:
		return cinarSeries(closes(candles), func(ch <-chan float64) <-chan float64 {
			return trend.NewEmaWithPeriod[float64](20).Compute(ch)
		})
	case NameEMA50:
		return cinarSeries(closes(candles), func(ch <-chan float64) <-chan float64 {
			return trend.NewEmaWithPeriod[float64](50).Compute(ch)
		})
	case NameEMA200:
		return cinarSeries(closes(candles), func(ch <-chan float64) <-chan float64 {
			return trend.NewEmaWithPeriod[float64](200).Compute(ch)
		})
	case NameBollinger:
		return bollingerMiddle(closes(candles))
	case NameSMA20:
		return sma(closes(candles), 20)
	case NameSMA50:
		return sma(closes(candles), 50)
	case NameSMA200:
		return sma(closes(candles), 200)
	case NameStochastic:
		return stochasticK(candles, 14)
	case NameCCI:
		return cci(candles, 20)
	case NameROC:
		return roc(closes(candles), 10)
	case NameAwesome:
		return awesomeOscillator(candles)
	case NameADX:
		return adx(candles, 14)
	case NamePSAR:
		return parabolicSAR(candles)
	case NameATR:
		return atr(candles, 14)
	case NameKeltner:
		return ema(closes(candles), 20)
	case NameDonchian:
		return donchianMiddle(candles, 20)
	case NameOBV:
		return obv(candles)
	case NameVWAP:
		return vwap(candles)
	case NameMFI:
		return mfi(candles, 14)
	case NameCMF:
		return cmf(candles, 20)
	case NameAD:
		return accumulationDistribution(candles)
	case NameSupertrend:
		return supertrendLower(candles, 10, 3.0)
	case NameIchimoku:
		return ichimokuConversion(candles, 9)
	case NameZScore:
		return zscore(closes(candles), 20)
	}
	return nanSeries(len(candles))
}

// ============================================================================
// SERIES HELPERS
// ============================================================================

func closes(candles []ohlcv.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

func nanSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// cinarSeries feeds values through a channel-based cinar indicator and
// left-pads the shortened output with NaN so the result stays aligned to
// the input index.
func cinarSeries(values []float64, compute func(<-chan float64) <-chan float64) []float64 {
	in := make(chan float64, len(values))
	for _, v := range values {
		in <- v
	}
	close(in)

	var collected []float64
	for v := range compute(in) {
		collected = append(collected, v)
	}
	return padLeft(collected, len(values))
}

// padLeft prepends NaN until the series reaches length n.
func padLeft(values []float64, n int) []float64 {
	if len(values) >= n {
		return values[len(values)-n:]
	}
	out := nanSeries(n)
	copy(out[n-len(values):], values)
	return out
}

func macdLine(values []float64) []float64 {
	in := make(chan float64, len(values))
	for _, v := range values {
		in <- v
	}
	close(in)

	macdChan, signalChan := trend.NewMacdWithPeriod[float64](12, 26, 9).Compute(in)

	var collected []float64
	for {
		m, mok := <-macdChan
		_, sok := <-signalChan
		if !mok || !sok {
			break
		}
		collected = append(collected, m)
	}
	return padLeft(collected, len(values))
}

func bollingerMiddle(values []float64) []float64 {
	in := make(chan float64, len(values))
	for _, v := range values {
		in <- v
	}
	close(in)

	lowerChan, middleChan, upperChan := volatility.NewBollingerBandsWithPeriod[float64](20).Compute(in)

	var collected []float64
	for {
		_, lok := <-lowerChan
		m, mok := <-middleChan
		_, uok := <-upperChan
		if !lok || !mok || !uok {
			break
		}
		collected = append(collected, m)
	}
	return padLeft(collected, len(values))
}

// ============================================================================
// HAND-ROLLED INDICATORS
// ============================================================================

func sma(values []float64, period int) []float64 {
	out := nanSeries(len(values))
	if len(values) < period {
		return out
	}

	sum := 0.0
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

func ema(values []float64, period int) []float64 {
	out := nanSeries(len(values))
	if len(values) < period {
		return out
	}

	seed := 0.0
	for i := 0; i < period; i++ {
		seed += values[i]
	}
	out[period-1] = seed / float64(period)

	k := 2.0 / float64(period+1)
	for i := period; i < len(values); i++ {
		out[i] = values[i]*k + out[i-1]*(1-k)
	}
	return out
}

func stochasticK(candles []ohlcv.Candle, period int) []float64 {
	out := nanSeries(len(candles))
	for i := period - 1; i < len(candles); i++ {
		hh, ll := math.Inf(-1), math.Inf(1)
		for j := i - period + 1; j <= i; j++ {
			hh = math.Max(hh, candles[j].High)
			ll = math.Min(ll, candles[j].Low)
		}
		if hh == ll {
			continue
		}
		out[i] = (candles[i].Close - ll) / (hh - ll) * 100
	}
	return out
}

func cci(candles []ohlcv.Candle, period int) []float64 {
	out := nanSeries(len(candles))
	tp := make([]float64, len(candles))
	for i, c := range candles {
		tp[i] = (c.High + c.Low + c.Close) / 3
	}

	for i := period - 1; i < len(candles); i++ {
		sum := 0.0
		for j := i - period + 1; j <= i; j++ {
			sum += tp[j]
		}
		mean := sum / float64(period)

		dev := 0.0
		for j := i - period + 1; j <= i; j++ {
			dev += math.Abs(tp[j] - mean)
		}
		dev /= float64(period)
		if dev == 0 {
			continue
		}
		out[i] = (tp[i] - mean) / (0.015 * dev)
	}
	return out
}

func roc(values []float64, period int) []float64 {
	out := nanSeries(len(values))
	for i := period; i < len(values); i++ {
		if values[i-period] == 0 {
			continue
		}
		out[i] = (values[i]/values[i-period] - 1) * 100
	}
	return out
}

func awesomeOscillator(candles []ohlcv.Candle) []float64 {
	median := make([]float64, len(candles))
	for i, c := range candles {
		median[i] = (c.High + c.Low) / 2
	}

	fast := sma(median, 5)
	slow := sma(median, 34)

	out := nanSeries(len(candles))
	for i := range out {
		if !math.IsNaN(fast[i]) && !math.IsNaN(slow[i]) {
			out[i] = fast[i] - slow[i]
		}
	}
	return out
}

func trueRange(candles []ohlcv.Candle) []float64 {
	tr := make([]float64, len(candles))
	for i, c := range candles {
		if i == 0 {
			tr[i] = c.High - c.Low
			continue
		}
		prevClose := candles[i-1].Close
		tr[i] = math.Max(c.High-c.Low, math.Max(math.Abs(c.High-prevClose), math.Abs(c.Low-prevClose)))
	}
	return tr
}

func atr(candles []ohlcv.Candle, period int) []float64 {
	return smoothWilder(trueRange(candles), period)
}

// smoothWilder applies Wilder's smoothing: the first value is a simple
// average, later values decay with factor (period-1)/period. Positions
// before the first full window are NaN.
func smoothWilder(values []float64, period int) []float64 {
	out := nanSeries(len(values))
	if len(values) < period {
		return out
	}

	sum := 0.0
	for i := 0; i < period; i++ {
		sum += values[i]
	}
	out[period-1] = sum / float64(period)

	for i := period; i < len(values); i++ {
		out[i] = (out[i-1]*float64(period-1) + values[i]) / float64(period)
	}
	return out
}

func adx(candles []ohlcv.Candle, period int) []float64 {
	n := len(candles)
	out := nanSeries(n)
	if n < 2*period {
		return out
	}

	tr := trueRange(candles)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	for i := 1; i < n; i++ {
		up := candles[i].High - candles[i-1].High
		down := candles[i-1].Low - candles[i].Low
		if up > down && up > 0 {
			plusDM[i] = up
		}
		if down > up && down > 0 {
			minusDM[i] = down
		}
	}

	smoothTR := smoothWilder(tr, period)
	smoothPlus := smoothWilder(plusDM, period)
	smoothMinus := smoothWilder(minusDM, period)

	dx := make([]float64, n)
	for i := period - 1; i < n; i++ {
		if math.IsNaN(smoothTR[i]) || smoothTR[i] == 0 {
			continue
		}
		plusDI := 100 * smoothPlus[i] / smoothTR[i]
		minusDI := 100 * smoothMinus[i] / smoothTR[i]
		if sum := plusDI + minusDI; sum != 0 {
			dx[i] = 100 * math.Abs(plusDI-minusDI) / sum
		}
	}

	// ADX is the Wilder smoothing of DX, which only starts once DX itself
	// has a full window behind it.
	adxVals := smoothWilder(dx[period-1:], period)
	for i := range adxVals {
		out[period-1+i] = adxVals[i]
	}
	return out
}

func parabolicSAR(candles []ohlcv.Candle) []float64 {
	const (
		afStart = 0.02
		afStep  = 0.02
		afMax   = 0.2
	)

	n := len(candles)
	out := nanSeries(n)
	if n < 2 {
		return out
	}

	uptrend := candles[1].Close >= candles[0].Close
	sar := candles[0].Low
	extreme := candles[0].High
	if !uptrend {
		sar = candles[0].High
		extreme = candles[0].Low
	}
	af := afStart

	for i := 1; i < n; i++ {
		sar = sar + af*(extreme-sar)

		if uptrend {
			if candles[i].Low < sar {
				uptrend = false
				sar = extreme
				extreme = candles[i].Low
				af = afStart
			} else if candles[i].High > extreme {
				extreme = candles[i].High
				af = math.Min(af+afStep, afMax)
			}
		} else {
			if candles[i].High > sar {
				uptrend = true
				sar = extreme
				extreme = candles[i].High
				af = afStart
			} else if candles[i].Low < extreme {
				extreme = candles[i].Low
				af = math.Min(af+afStep, afMax)
			}
		}

		out[i] = sar
	}
	return out
}

func donchianMiddle(candles []ohlcv.Candle, period int) []float64 {
	out := nanSeries(len(candles))
	for i := period - 1; i < len(candles); i++ {
		hh, ll := math.Inf(-1), math.Inf(1)
		for j := i - period + 1; j <= i; j++ {
			hh = math.Max(hh, candles[j].High)
			ll = math.Min(ll, candles[j].Low)
		}
		out[i] = (hh + ll) / 2
	}
	return out
}

func obv(candles []ohlcv.Candle) []float64 {
	out := make([]float64, len(candles))
	for i := 1; i < len(candles); i++ {
		switch {
		case candles[i].Close > candles[i-1].Close:
			out[i] = out[i-1] + candles[i].Volume
		case candles[i].Close < candles[i-1].Close:
			out[i] = out[i-1] - candles[i].Volume
		default:
			out[i] = out[i-1]
		}
	}
	return out
}

func vwap(candles []ohlcv.Candle) []float64 {
	out := nanSeries(len(candles))
	cumPV, cumVol := 0.0, 0.0
	for i, c := range candles {
		tp := (c.High + c.Low + c.Close) / 3
		cumPV += tp * c.Volume
		cumVol += c.Volume
		if cumVol > 0 {
			out[i] = cumPV / cumVol
		}
	}
	return out
}

func mfi(candles []ohlcv.Candle, period int) []float64 {
	n := len(candles)
	out := nanSeries(n)
	if n < period+1 {
		return out
	}

	tp := make([]float64, n)
	for i, c := range candles {
		tp[i] = (c.High + c.Low + c.Close) / 3
	}

	posFlow := make([]float64, n)
	negFlow := make([]float64, n)
	for i := 1; i < n; i++ {
		flow := tp[i] * candles[i].Volume
		if tp[i] > tp[i-1] {
			posFlow[i] = flow
		} else if tp[i] < tp[i-1] {
			negFlow[i] = flow
		}
	}

	for i := period; i < n; i++ {
		var pos, neg float64
		for j := i - period + 1; j <= i; j++ {
			pos += posFlow[j]
			neg += negFlow[j]
		}
		if neg == 0 {
			out[i] = 100
			continue
		}
		out[i] = 100 - 100/(1+pos/neg)
	}
	return out
}

// moneyFlowVolume is the CLV-weighted volume shared by CMF and A/D.
func moneyFlowVolume(c ohlcv.Candle) float64 {
	if c.High == c.Low {
		return 0
	}
	clv := ((c.Close - c.Low) - (c.High - c.Close)) / (c.High - c.Low)
	return clv * c.Volume
}

func cmf(candles []ohlcv.Candle, period int) []float64 {
	out := nanSeries(len(candles))
	for i := period - 1; i < len(candles); i++ {
		var mfv, vol float64
		for j := i - period + 1; j <= i; j++ {
			mfv += moneyFlowVolume(candles[j])
			vol += candles[j].Volume
		}
		if vol == 0 {
			continue
		}
		out[i] = mfv / vol
	}
	return out
}

func accumulationDistribution(candles []ohlcv.Candle) []float64 {
	out := make([]float64, len(candles))
	running := 0.0
	for i, c := range candles {
		running += moneyFlowVolume(c)
		out[i] = running
	}
	return out
}

// supertrendLower produces the ratcheted lower band: (high+low)/2 minus
// multiplier times ATR, never loosening while price stays above it.
func supertrendLower(candles []ohlcv.Candle, atrPeriod int, multiplier float64) []float64 {
	out := nanSeries(len(candles))
	atrVals := atr(candles, atrPeriod)

	for i := range candles {
		if math.IsNaN(atrVals[i]) {
			continue
		}
		basis := (candles[i].High + candles[i].Low) / 2
		lower := basis - multiplier*atrVals[i]

		if i > 0 && !math.IsNaN(out[i-1]) && candles[i-1].Close > out[i-1] {
			lower = math.Max(lower, out[i-1])
		}
		out[i] = lower
	}
	return out
}

func ichimokuConversion(candles []ohlcv.Candle, period int) []float64 {
	out := nanSeries(len(candles))
	for i := period - 1; i < len(candles); i++ {
		hh, ll := math.Inf(-1), math.Inf(1)
		for j := i - period + 1; j <= i; j++ {
			hh = math.Max(hh, candles[j].High)
			ll = math.Min(ll, candles[j].Low)
		}
		out[i] = (hh + ll) / 2
	}
	return out
}

func zscore(values []float64, period int) []float64 {
	out := nanSeries(len(values))
	means := sma(values, period)

	for i := period - 1; i < len(values); i++ {
		variance := 0.0
		for j := i - period + 1; j <= i; j++ {
			d := values[j] - means[i]
			variance += d * d
		}
		std := math.Sqrt(variance / float64(period))
		if std == 0 {
			continue
		}
		out[i] = (values[i] - means[i]) / std
	}
	return out
}
