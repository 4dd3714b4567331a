// Package monitor implements the weighted-regression performance analyzer
// spec.md §4.6 describes: it records (time, bytes, speed, concurrency)
// samples, ages them with exponential time decay, weights them further by
// how outlier the sample's concurrency was, and fits a weighted linear
// regression to classify the speed trend and predict the next sample's
// speed. Ported from original_source/src/concurrency/analysis.rs's
// PerformanceAnalyzer/SpeedDataPoint, the one algorithm in this repository
// with no idiomatic-Go library equivalent worth reaching for (see DESIGN.md).
package monitor

import "time"

// Trend classifies the fitted regression slope.
type Trend int

const (
	TrendUnknown Trend = iota
	TrendIncreasing
	TrendDecreasing
	TrendStable
)

func (t Trend) String() string {
	switch t {
	case TrendIncreasing:
		return "increasing"
	case TrendDecreasing:
		return "decreasing"
	case TrendStable:
		return "stable"
	default:
		return "unknown"
	}
}

// Sample is the Speed Sample of spec.md §3: one completed time window's
// observation.
type Sample struct {
	Timestamp         time.Time
	BytesTransferred  int64
	SpeedMbps         float64
	ConcurrentCount   int
}

// timeWeight returns the exponential decay weight 1/(1 + age/decayRate),
// evaluated against now rather than time.Now() so tests can pin it.
func (s Sample) timeWeight(now time.Time, decayRate float64) float64 {
	age := now.Sub(s.Timestamp).Seconds()
	if age < 0 {
		age = 0
	}
	return 1.0 / (1.0 + age/decayRate)
}

// Analysis is the outcome of Analyzer.Analyze.
type Analysis struct {
	PredictedSpeed float64
	Confidence     float64
	Trend          Trend
}

// Analyzer fits a weighted linear regression over recent Samples to predict
// the next transfer's speed and classify the current trend, used by the
// scheduler to decide whether to grow or shrink concurrency.
type Analyzer struct {
	MaxHistorySize         int
	TimeDecayRate          float64
	MinConfidenceThreshold float64
	TrendSlopeThreshold    float64

	// Now lets tests freeze "the current time"; defaults to time.Now.
	Now func() time.Time
}

// NewAnalyzer returns an Analyzer with the reference defaults: 20-sample
// history, 60s decay, 0.3 minimum confidence, 0.5 slope threshold.
func NewAnalyzer() *Analyzer {
	return &Analyzer{
		MaxHistorySize:         20,
		TimeDecayRate:          60.0,
		MinConfidenceThreshold: 0.3,
		TrendSlopeThreshold:    0.5,
		Now:                    time.Now,
	}
}

type linearRegressionResult struct {
	slope     float64
	intercept float64
	rSquared  float64
}

// weightedPoint is one (index, speed, combined-weight) triple fed to
// weightedLinearRegression.
type weightedPoint struct {
	x, y, w float64
}

// Analyze fits the weighted regression over history (already trimmed to at
// most MaxHistorySize by the caller) against maxConcurrent, the configured
// ceiling used to discount samples taken under outlier concurrency.
func (a *Analyzer) Analyze(history []Sample, maxConcurrent int) Analysis {
	if len(history) < 3 {
		return Analysis{Trend: TrendUnknown}
	}

	now := a.now()
	points := make([]weightedPoint, len(history))
	for i, s := range history {
		tw := s.timeWeight(now, a.TimeDecayRate)
		concurrentFactor := float64(s.ConcurrentCount) / float64(maxConcurrent)
		points[i] = weightedPoint{x: float64(i), y: s.SpeedMbps, w: tw * concurrentFactor}
	}

	reg := weightedLinearRegression(points)
	reliability := dataReliability(history)
	sampleSizeFactor := min1(float64(len(history)) / 10.0)

	confidence := clamp01(reg.rSquared * reliability * sampleSizeFactor)
	trend := a.classifyTrend(reg.slope)

	nextX := float64(len(history))
	predicted := reg.slope*nextX + reg.intercept
	if predicted < 0 {
		predicted = 0
	}

	return Analysis{PredictedSpeed: predicted, Confidence: confidence, Trend: trend}
}

func weightedLinearRegression(points []weightedPoint) linearRegressionResult {
	var weightSum float64
	for _, p := range points {
		weightSum += p.w
	}
	if weightSum == 0 {
		return linearRegressionResult{}
	}

	var xMean, yMean float64
	for _, p := range points {
		xMean += p.x * p.w
		yMean += p.y * p.w
	}
	xMean /= weightSum
	yMean /= weightSum

	var numerator, denominator float64
	for _, p := range points {
		numerator += p.w * (p.x - xMean) * (p.y - yMean)
		denominator += p.w * (p.x - xMean) * (p.x - xMean)
	}

	var slope float64
	if denominator != 0 {
		slope = numerator / denominator
	}
	intercept := yMean - slope*xMean

	var ssRes, ssTot float64
	for _, p := range points {
		predicted := slope*p.x + intercept
		ssRes += p.w * (p.y - predicted) * (p.y - predicted)
		ssTot += p.w * (p.y - yMean) * (p.y - yMean)
	}

	var rSquared float64
	if ssTot != 0 {
		rSquared = 1.0 - (ssRes / ssTot)
	}

	return linearRegressionResult{slope: slope, intercept: intercept, rSquared: clamp01(rSquared)}
}

func dataReliability(history []Sample) float64 {
	if len(history) == 0 {
		return 0
	}
	var totalBytes int64
	for _, s := range history {
		totalBytes += s.BytesTransferred
	}
	avgBytesPerPoint := float64(totalBytes) / float64(len(history))
	return min1(avgBytesPerPoint / (1024.0 * 1024.0))
}

func (a *Analyzer) classifyTrend(slope float64) Trend {
	switch {
	case slope > a.TrendSlopeThreshold:
		return TrendIncreasing
	case slope < -a.TrendSlopeThreshold:
		return TrendDecreasing
	default:
		return TrendStable
	}
}

func (a *Analyzer) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

func min1(v float64) float64 {
	if v > 1.0 {
		return 1.0
	}
	return v
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// History is a bounded ring of recent Samples capped at maxSize, used by the
// scheduler to feed Analyzer.Analyze without unbounded growth.
type History struct {
	maxSize int
	samples []Sample
}

// NewHistory returns a History capped at maxSize entries.
func NewHistory(maxSize int) *History {
	return &History{maxSize: maxSize}
}

// Record appends s, dropping the oldest sample once maxSize is exceeded.
func (h *History) Record(s Sample) {
	h.samples = append(h.samples, s)
	if len(h.samples) > h.maxSize {
		h.samples = h.samples[len(h.samples)-h.maxSize:]
	}
}

// Samples returns the current history, oldest first.
func (h *History) Samples() []Sample {
	return h.samples
}
