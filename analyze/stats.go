package analyze

import (
	"math"
	"sort"

	"github.com/iti/trafgen/record"
	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// DelaySummary describes the one-way delay of one workload's tagged packets
// as seen at one trace point. Throughput is in bits/sec over the interval
// from the first to the last observation.
type DelaySummary struct {
	Workload   uint32  `json:"workload" yaml:"workload"`
	Count      int     `json:"count" yaml:"count"`
	Bytes      int     `json:"bytes" yaml:"bytes"`
	Mean       float64 `json:"mean" yaml:"mean"`
	StdDev     float64 `json:"stddev" yaml:"stddev"`
	Min        float64 `json:"min" yaml:"min"`
	P50        float64 `json:"p50" yaml:"p50"`
	P99        float64 `json:"p99" yaml:"p99"`
	Max        float64 `json:"max" yaml:"max"`
	Throughput float64 `json:"throughput" yaml:"throughput"`
}

// byWorkload groups tagged records by workload id, keeping stream order
func byWorkload(recs []record.PacketObserved) map[uint32][]record.PacketObserved {
	groups := make(map[uint32][]record.PacketObserved)
	for _, po := range recs {
		if !po.Tags.Present {
			continue
		}
		groups[po.Tags.Workload] = append(groups[po.Tags.Workload], po)
	}
	return groups
}

// DelayStats summarizes the tagged packets of recs per workload, in
// increasing workload order. Untagged packets are ignored.
func DelayStats(recs []record.PacketObserved) []DelaySummary {
	groups := byWorkload(recs)
	wlIDs := make([]uint32, 0, len(groups))
	for wlID := range groups {
		wlIDs = append(wlIDs, wlID)
	}
	slices.Sort(wlIDs)

	summaries := make([]DelaySummary, 0, len(wlIDs))
	for _, wlID := range wlIDs {
		grp := groups[wlID]
		delays := make([]float64, len(grp))
		first, last := math.Inf(1), math.Inf(-1)
		bytes := 0
		for idx, po := range grp {
			delays[idx] = po.Tags.Delay
			bytes += po.Size
			first = math.Min(first, po.Time)
			last = math.Max(last, po.Time)
		}
		sort.Float64s(delays)

		ds := DelaySummary{
			Workload: wlID,
			Count:    len(delays),
			Bytes:    bytes,
			Mean:     stat.Mean(delays, nil),
			Min:      floats.Min(delays),
			P50:      stat.Quantile(0.5, stat.Empirical, delays, nil),
			P99:      stat.Quantile(0.99, stat.Empirical, delays, nil),
			Max:      floats.Max(delays),
		}
		if len(delays) > 1 {
			ds.StdDev = stat.StdDev(delays, nil)
		}
		if last > first {
			ds.Throughput = float64(8*bytes) / (last - first)
		}
		summaries = append(summaries, ds)
	}
	return summaries
}

// QueueSummary describes the depth history of one queue location.
// MeanDepth weights each depth by how long the queue held it.
type QueueSummary struct {
	Location  string  `json:"location" yaml:"location"`
	Samples   int     `json:"samples" yaml:"samples"`
	MaxDepth  int     `json:"maxdepth" yaml:"maxdepth"`
	MeanDepth float64 `json:"meandepth" yaml:"meandepth"`
	Span      float64 `json:"span" yaml:"span"`
}

// byLocation groups samples by location, keeping stream order
func byLocation(samples []record.QueueSample) map[string][]record.QueueSample {
	groups := make(map[string][]record.QueueSample)
	for _, qs := range samples {
		groups[qs.Location] = append(groups[qs.Location], qs)
	}
	return groups
}

// QueueStats summarizes queue samples per location in name order. A depth
// holds from its sample until the next sample at the same location; the
// last depth holds until end when end lies beyond it.
func QueueStats(samples []record.QueueSample, end float64) []QueueSummary {
	groups := byLocation(samples)
	locations := make([]string, 0, len(groups))
	for loc := range groups {
		locations = append(locations, loc)
	}
	slices.Sort(locations)

	summaries := make([]QueueSummary, 0, len(locations))
	for _, loc := range locations {
		grp := groups[loc]
		sort.SliceStable(grp, func(i, j int) bool { return grp[i].Time < grp[j].Time })

		depths := make([]float64, len(grp))
		weights := make([]float64, len(grp))
		qs := QueueSummary{Location: loc, Samples: len(grp)}
		for idx, sample := range grp {
			depths[idx] = float64(sample.Depth)
			qs.MaxDepth = max(qs.MaxDepth, sample.Depth)
			until := end
			if idx+1 < len(grp) {
				until = grp[idx+1].Time
			}
			weights[idx] = math.Max(0, until-sample.Time)
		}
		qs.Span = floats.Sum(weights)
		if qs.Span > 0 {
			qs.MeanDepth = stat.Mean(depths, weights)
		} else {
			qs.MeanDepth = stat.Mean(depths, nil)
		}
		summaries = append(summaries, qs)
	}
	return summaries
}
