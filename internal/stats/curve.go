package stats

import (
	"sort"

	"causalrl/internal/model"
	"causalrl/internal/nn"
)

type CurvePoint struct {
	Episode int     `json:"episode"`
	Value   float64 `json:"value"`
}

// StreamSeries groups episode summaries by stream, orders each stream by
// episode number, and projects every summary through value. Streams are
// returned in ascending stream order.
func StreamSeries(episodes []model.EpisodeSummary, value func(model.EpisodeSummary) float64) [][]float64 {
	byStream := map[int][]model.EpisodeSummary{}
	for _, ep := range episodes {
		byStream[ep.Stream] = append(byStream[ep.Stream], ep)
	}
	streams := make([]int, 0, len(byStream))
	for stream := range byStream {
		streams = append(streams, stream)
	}
	sort.Ints(streams)

	out := make([][]float64, 0, len(streams))
	for _, stream := range streams {
		eps := byStream[stream]
		sort.SliceStable(eps, func(i, j int) bool { return eps[i].Episode < eps[j].Episode })
		series := make([]float64, len(eps))
		for i, ep := range eps {
			series[i] = value(ep)
		}
		out = append(out, series)
	}
	return out
}

// AverageCurve averages the i-th value of every list. Lists may differ in
// length; each point averages only the lists long enough to contribute.
func AverageCurve(lists [][]float64) []CurvePoint {
	points := make([]CurvePoint, 0, 128)
	for i := 0; ; i++ {
		values := make([]float64, 0, len(lists))
		for _, list := range lists {
			if i < len(list) {
				values = append(values, list[i])
			}
		}
		if len(values) == 0 {
			break
		}
		avg, _ := nn.Avg(values)
		points = append(points, CurvePoint{Episode: i + 1, Value: avg})
	}
	return points
}

// MovingAverage smooths a series with a trailing window. The first points
// average over however many values are available.
func MovingAverage(series []float64, window int) []CurvePoint {
	if window <= 0 {
		window = 1
	}
	points := make([]CurvePoint, 0, len(series))
	roll := NewRolling(window)
	for i, v := range series {
		roll.Push(v)
		points = append(points, CurvePoint{Episode: i + 1, Value: roll.Mean()})
	}
	return points
}
