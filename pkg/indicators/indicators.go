// Package indicators provides stateless technical-analysis primitives.
// All functions operate on slices ordered oldest-first and return an error
// when the input is shorter than the requested period.
package indicators

import (
	"fmt"
	"math"

	"github.com/twquant/autotrader/pkg/types"
)

// ErrShortSeries is returned wrapped when a series is too short for a period.
func errShort(name string, need, have int) error {
	return fmt.Errorf("%s: need %d values, have %d", name, need, have)
}

// Closes extracts the close series from bars.
func Closes(bars []types.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// SMA returns the simple moving average of the last period values.
func SMA(values []float64, period int) (float64, error) {
	if len(values) < period || period <= 0 {
		return 0, errShort("sma", period, len(values))
	}
	sum := 0.0
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period), nil
}

// EMA returns the exponential moving average over the whole series, seeded
// with an SMA of the first period values.
func EMA(values []float64, period int) (float64, error) {
	if len(values) < period || period <= 0 {
		return 0, errShort("ema", period, len(values))
	}
	seed, _ := SMA(values[:period], period)
	mult := 2.0 / float64(period+1)
	ema := seed
	for _, v := range values[period:] {
		ema = (v-ema)*mult + ema
	}
	return ema, nil
}

// EMASeries returns the full EMA series aligned with values[period-1:].
func EMASeries(values []float64, period int) ([]float64, error) {
	if len(values) < period || period <= 0 {
		return nil, errShort("ema", period, len(values))
	}
	out := make([]float64, 0, len(values)-period+1)
	seed, _ := SMA(values[:period], period)
	mult := 2.0 / float64(period+1)
	ema := seed
	out = append(out, ema)
	for _, v := range values[period:] {
		ema = (v-ema)*mult + ema
		out = append(out, ema)
	}
	return out, nil
}

// WMA returns the linearly weighted moving average of the last period values.
func WMA(values []float64, period int) (float64, error) {
	if len(values) < period || period <= 0 {
		return 0, errShort("wma", period, len(values))
	}
	window := values[len(values)-period:]
	var num, den float64
	for i, v := range window {
		w := float64(i + 1)
		num += v * w
		den += w
	}
	return num / den, nil
}

// StdDev returns the sample standard deviation of the last period values.
func StdDev(values []float64, period int) (float64, error) {
	if len(values) < period || period < 2 {
		return 0, errShort("stddev", period, len(values))
	}
	window := values[len(values)-period:]
	mean := 0.0
	for _, v := range window {
		mean += v
	}
	mean /= float64(period)
	variance := 0.0
	for _, v := range window {
		d := v - mean
		variance += d * d
	}
	return math.Sqrt(variance / float64(period-1)), nil
}

// RSI returns Wilder's relative strength index over the last period changes.
func RSI(values []float64, period int) (float64, error) {
	if len(values) < period+1 || period <= 0 {
		return 0, errShort("rsi", period+1, len(values))
	}
	var avgGain, avgLoss float64
	start := len(values) - period - 1
	for i := start + 1; i <= start+period; i++ {
		change := values[i] - values[i-1]
		if change > 0 {
			avgGain += change
		} else {
			avgLoss -= change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	for i := start + period + 1; i < len(values); i++ {
		change := values[i] - values[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}
	if avgLoss == 0 {
		return 100, nil
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), nil
}

// MACDResult holds the MACD line, signal line and histogram.
type MACDResult struct {
	MACD      float64
	Signal    float64
	Histogram float64
}

// MACD computes MACD(fast,slow,signal) over the series.
func MACD(values []float64, fast, slow, signal int) (MACDResult, error) {
	need := slow + signal
	if len(values) < need {
		return MACDResult{}, errShort("macd", need, len(values))
	}
	fastSeries, err := EMASeries(values, fast)
	if err != nil {
		return MACDResult{}, err
	}
	slowSeries, err := EMASeries(values, slow)
	if err != nil {
		return MACDResult{}, err
	}
	// Align: slowSeries starts slow-fast bars later than fastSeries.
	offset := slow - fast
	macdLine := make([]float64, len(slowSeries))
	for i := range slowSeries {
		macdLine[i] = fastSeries[i+offset] - slowSeries[i]
	}
	sigSeries, err := EMASeries(macdLine, signal)
	if err != nil {
		return MACDResult{}, err
	}
	m := macdLine[len(macdLine)-1]
	s := sigSeries[len(sigSeries)-1]
	return MACDResult{MACD: m, Signal: s, Histogram: m - s}, nil
}

// Bands holds Bollinger/Keltner style envelope values.
type Bands struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// Bollinger computes Bollinger Bands over the last period closes.
func Bollinger(values []float64, period int, mult float64) (Bands, error) {
	mid, err := SMA(values, period)
	if err != nil {
		return Bands{}, err
	}
	sd, err := StdDev(values, period)
	if err != nil {
		return Bands{}, err
	}
	return Bands{Upper: mid + mult*sd, Middle: mid, Lower: mid - mult*sd}, nil
}

// TrueRange returns the true range of bar given the previous close.
func TrueRange(bar types.Bar, prevClose float64) float64 {
	hl := bar.High - bar.Low
	hc := math.Abs(bar.High - prevClose)
	lc := math.Abs(bar.Low - prevClose)
	return math.Max(hl, math.Max(hc, lc))
}

// ATR returns Wilder's average true range over the last period bars.
func ATR(bars []types.Bar, period int) (float64, error) {
	if len(bars) < period+1 || period <= 0 {
		return 0, errShort("atr", period+1, len(bars))
	}
	start := len(bars) - period - 1
	atr := 0.0
	for i := start + 1; i <= start+period; i++ {
		atr += TrueRange(bars[i], bars[i-1].Close)
	}
	atr /= float64(period)
	for i := start + period + 1; i < len(bars); i++ {
		atr = (atr*float64(period-1) + TrueRange(bars[i], bars[i-1].Close)) / float64(period)
	}
	return atr, nil
}

// Keltner computes a Keltner channel: EMA(period) center with ATR bands.
func Keltner(bars []types.Bar, period int, atrPeriod int, mult float64) (Bands, error) {
	mid, err := EMA(Closes(bars), period)
	if err != nil {
		return Bands{}, err
	}
	atr, err := ATR(bars, atrPeriod)
	if err != nil {
		return Bands{}, err
	}
	return Bands{Upper: mid + mult*atr, Middle: mid, Lower: mid - mult*atr}, nil
}

// DMIResult holds ADX with directional indicators.
type DMIResult struct {
	ADX     float64
	PlusDI  float64
	MinusDI float64
}

// ADX computes Wilder's ADX(period) with +DI/-DI over the bars.
func ADX(bars []types.Bar, period int) (DMIResult, error) {
	need := 2*period + 1
	if len(bars) < need || period <= 0 {
		return DMIResult{}, errShort("adx", need, len(bars))
	}
	var trSum, plusSum, minusSum float64
	dxValues := make([]float64, 0, len(bars))
	var trS, plusS, minusS float64
	for i := 1; i < len(bars); i++ {
		upMove := bars[i].High - bars[i-1].High
		downMove := bars[i-1].Low - bars[i].Low
		plusDM, minusDM := 0.0, 0.0
		if upMove > downMove && upMove > 0 {
			plusDM = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM = downMove
		}
		tr := TrueRange(bars[i], bars[i-1].Close)

		if i <= period {
			trSum += tr
			plusSum += plusDM
			minusSum += minusDM
			if i == period {
				trS, plusS, minusS = trSum, plusSum, minusSum
			}
		} else {
			trS = trS - trS/float64(period) + tr
			plusS = plusS - plusS/float64(period) + plusDM
			minusS = minusS - minusS/float64(period) + minusDM
		}
		if i >= period && trS > 0 {
			pdi := 100 * plusS / trS
			mdi := 100 * minusS / trS
			if pdi+mdi > 0 {
				dxValues = append(dxValues, 100*math.Abs(pdi-mdi)/(pdi+mdi))
			} else {
				dxValues = append(dxValues, 0)
			}
		}
	}
	if len(dxValues) < period {
		return DMIResult{}, errShort("adx", need, len(bars))
	}
	adx := 0.0
	for _, dx := range dxValues[:period] {
		adx += dx
	}
	adx /= float64(period)
	for _, dx := range dxValues[period:] {
		adx = (adx*float64(period-1) + dx) / float64(period)
	}
	pdi := 100 * plusS / trS
	mdi := 100 * minusS / trS
	return DMIResult{ADX: adx, PlusDI: pdi, MinusDI: mdi}, nil
}

// Stochastic returns %K and %D (SMA-3 of %K) over the last period bars.
func Stochastic(bars []types.Bar, period int) (k, d float64, err error) {
	if len(bars) < period+2 || period <= 0 {
		return 0, 0, errShort("stochastic", period+2, len(bars))
	}
	kv := func(end int) float64 {
		window := bars[end-period : end]
		hi, lo := window[0].High, window[0].Low
		for _, b := range window[1:] {
			hi = math.Max(hi, b.High)
			lo = math.Min(lo, b.Low)
		}
		if hi == lo {
			return 50
		}
		return 100 * (bars[end-1].Close - lo) / (hi - lo)
	}
	n := len(bars)
	k = kv(n)
	d = (kv(n) + kv(n-1) + kv(n-2)) / 3
	return k, d, nil
}

// Aroon returns Aroon up/down over the last period bars.
func Aroon(bars []types.Bar, period int) (up, down float64, err error) {
	if len(bars) < period+1 || period <= 0 {
		return 0, 0, errShort("aroon", period+1, len(bars))
	}
	window := bars[len(bars)-period-1:]
	hiIdx, loIdx := 0, 0
	for i, b := range window {
		if b.High >= window[hiIdx].High {
			hiIdx = i
		}
		if b.Low <= window[loIdx].Low {
			loIdx = i
		}
	}
	last := len(window) - 1
	up = 100 * float64(period-(last-hiIdx)) / float64(period)
	down = 100 * float64(period-(last-loIdx)) / float64(period)
	return up, down, nil
}

// CCI returns the commodity channel index over the last period bars.
func CCI(bars []types.Bar, period int) (float64, error) {
	if len(bars) < period || period <= 0 {
		return 0, errShort("cci", period, len(bars))
	}
	window := bars[len(bars)-period:]
	tps := make([]float64, period)
	mean := 0.0
	for i, b := range window {
		tps[i] = (b.High + b.Low + b.Close) / 3
		mean += tps[i]
	}
	mean /= float64(period)
	dev := 0.0
	for _, tp := range tps {
		dev += math.Abs(tp - mean)
	}
	dev /= float64(period)
	if dev == 0 {
		return 0, nil
	}
	return (tps[period-1] - mean) / (0.015 * dev), nil
}

// Donchian returns the highest high and lowest low of the last period bars,
// excluding the most recent bar so breakouts can be tested against it.
func Donchian(bars []types.Bar, period int) (high, low float64, err error) {
	if len(bars) < period+1 || period <= 0 {
		return 0, 0, errShort("donchian", period+1, len(bars))
	}
	window := bars[len(bars)-period-1 : len(bars)-1]
	high, low = window[0].High, window[0].Low
	for _, b := range window[1:] {
		high = math.Max(high, b.High)
		low = math.Min(low, b.Low)
	}
	return high, low, nil
}

// PivotLevels holds classic floor-trader pivot levels.
type PivotLevels struct {
	Pivot float64
	R1    float64
	R2    float64
	S1    float64
	S2    float64
}

// Pivots computes classic pivots from a reference bar (normally prior day).
func Pivots(ref types.Bar) PivotLevels {
	p := (ref.High + ref.Low + ref.Close) / 3
	return PivotLevels{
		Pivot: p,
		R1:    2*p - ref.Low,
		R2:    p + (ref.High - ref.Low),
		S1:    2*p - ref.High,
		S2:    p - (ref.High - ref.Low),
	}
}

// IchimokuResult holds the conversion/base lines and leading spans.
type IchimokuResult struct {
	Tenkan  float64
	Kijun   float64
	SpanA   float64
	SpanB   float64
	Bullish bool
}

// Ichimoku computes Ichimoku levels with the standard 9/26/52 periods.
func Ichimoku(bars []types.Bar) (IchimokuResult, error) {
	const tenkanP, kijunP, spanBP = 9, 26, 52
	if len(bars) < spanBP {
		return IchimokuResult{}, errShort("ichimoku", spanBP, len(bars))
	}
	midpoint := func(period int) float64 {
		window := bars[len(bars)-period:]
		hi, lo := window[0].High, window[0].Low
		for _, b := range window[1:] {
			hi = math.Max(hi, b.High)
			lo = math.Min(lo, b.Low)
		}
		return (hi + lo) / 2
	}
	res := IchimokuResult{
		Tenkan: midpoint(tenkanP),
		Kijun:  midpoint(kijunP),
		SpanB:  midpoint(spanBP),
	}
	res.SpanA = (res.Tenkan + res.Kijun) / 2
	close := bars[len(bars)-1].Close
	res.Bullish = close > res.SpanA && close > res.SpanB && res.Tenkan > res.Kijun
	return res, nil
}

// VWAP returns the volume-weighted average price over the bars using the
// typical price of each bar.
func VWAP(bars []types.Bar) (float64, error) {
	if len(bars) == 0 {
		return 0, errShort("vwap", 1, 0)
	}
	var pv, vol float64
	for _, b := range bars {
		tp := (b.High + b.Low + b.Close) / 3
		pv += tp * float64(b.Volume)
		vol += float64(b.Volume)
	}
	if vol == 0 {
		return bars[len(bars)-1].Close, nil
	}
	return pv / vol, nil
}

// ROC returns the rate of change in percent over period bars.
func ROC(values []float64, period int) (float64, error) {
	if len(values) < period+1 || period <= 0 {
		return 0, errShort("roc", period+1, len(values))
	}
	past := values[len(values)-period-1]
	if past == 0 {
		return 0, nil
	}
	return 100 * (values[len(values)-1] - past) / past, nil
}

// BalanceOfPower returns the mean balance-of-power over the last period bars.
func BalanceOfPower(bars []types.Bar, period int) (float64, error) {
	if len(bars) < period || period <= 0 {
		return 0, errShort("bop", period, len(bars))
	}
	sum := 0.0
	for _, b := range bars[len(bars)-period:] {
		if rng := b.High - b.Low; rng > 0 {
			sum += (b.Close - b.Open) / rng
		}
	}
	return sum / float64(period), nil
}
