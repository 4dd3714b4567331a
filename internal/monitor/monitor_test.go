package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAnalyzer_IncreasingTrend(t *testing.T) {
	a := NewAnalyzer()
	fixed := time.Date(2026, 1, 1, 0, 0, 10, 0, time.UTC)
	a.Now = func() time.Time { return fixed }

	var history []Sample
	for i := 1; i <= 10; i++ {
		history = append(history, Sample{
			Timestamp:        fixed.Add(-time.Duration(10-i) * time.Second),
			BytesTransferred: int64(i) * 1024 * 1024,
			SpeedMbps:        float64(i),
			ConcurrentCount:  2,
		})
	}

	analysis := a.Analyze(history, 4)
	require.Greater(t, analysis.Confidence, 0.0)
	require.Equal(t, TrendIncreasing, analysis.Trend)
	require.Greater(t, analysis.PredictedSpeed, 0.0)
}

func TestAnalyzer_InsufficientData(t *testing.T) {
	a := NewAnalyzer()
	history := []Sample{
		{SpeedMbps: 1.0, BytesTransferred: 1024, ConcurrentCount: 1, Timestamp: time.Now()},
		{SpeedMbps: 1.0, BytesTransferred: 1024, ConcurrentCount: 1, Timestamp: time.Now()},
	}

	analysis := a.Analyze(history, 4)
	require.Equal(t, 0.0, analysis.Confidence)
	require.Equal(t, TrendUnknown, analysis.Trend)
}

func TestAnalyzer_TrendClassification(t *testing.T) {
	a := NewAnalyzer()
	require.Equal(t, TrendIncreasing, a.classifyTrend(1.0))
	require.Equal(t, TrendDecreasing, a.classifyTrend(-1.0))
	require.Equal(t, TrendStable, a.classifyTrend(0.1))
}

func TestDataReliability_HigherVolumeIsMoreReliable(t *testing.T) {
	now := time.Now()
	highVolume := []Sample{
		{BytesTransferred: 10 * 1024 * 1024, SpeedMbps: 5.0, ConcurrentCount: 2, Timestamp: now},
		{BytesTransferred: 10 * 1024 * 1024, SpeedMbps: 6.0, ConcurrentCount: 2, Timestamp: now},
	}
	lowVolume := []Sample{
		{BytesTransferred: 1024, SpeedMbps: 5.0, ConcurrentCount: 2, Timestamp: now},
		{BytesTransferred: 1024, SpeedMbps: 6.0, ConcurrentCount: 2, Timestamp: now},
	}

	require.Greater(t, dataReliability(highVolume), dataReliability(lowVolume))
}

func TestSample_TimeWeight_DecaysWithAge(t *testing.T) {
	s := Sample{Timestamp: time.Now(), SpeedMbps: 5.0, ConcurrentCount: 1}
	w1 := s.timeWeight(s.Timestamp, 60.0)
	w2 := s.timeWeight(s.Timestamp.Add(30*time.Second), 60.0)
	require.Greater(t, w1, w2)
}

func TestHistory_BoundsToMaxSize(t *testing.T) {
	h := NewHistory(3)
	for i := 0; i < 5; i++ {
		h.Record(Sample{SpeedMbps: float64(i)})
	}
	require.Len(t, h.Samples(), 3)
	require.Equal(t, 2.0, h.Samples()[0].SpeedMbps)
	require.Equal(t, 4.0, h.Samples()[2].SpeedMbps)
}
