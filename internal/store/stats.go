package store

import (
	"math"
	"sort"
)

// LatencyStats 延迟统计，百分位采用 nearest-rank。
type LatencyStats struct {
	Min   int64   `json:"min"`
	Max   int64   `json:"max"`
	Avg   float64 `json:"avg"`
	P50   int64   `json:"p50"`
	P95   int64   `json:"p95"`
	P99   int64   `json:"p99"`
	Count int     `json:"count"`
}

// ComputeLatencyStats 会对 values 原地排序，调用方应传入副本。
func ComputeLatencyStats(values []int64) LatencyStats {
	n := len(values)
	if n == 0 {
		return LatencyStats{}
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })

	var sum float64
	for _, v := range values {
		sum += float64(v)
	}
	return LatencyStats{
		Min:   values[0],
		Max:   values[n-1],
		Avg:   sum / float64(n),
		P50:   nearestRank(values, 0.50),
		P95:   nearestRank(values, 0.95),
		P99:   nearestRank(values, 0.99),
		Count: n,
	}
}

// nearestRank 取排序后第 ceil(p*n) 个值（1-based）。
func nearestRank(sorted []int64, p float64) int64 {
	n := len(sorted)
	// 减去极小量，避免 0.95*20 这类浮点误差把秩推高一位
	rank := int(math.Ceil(p*float64(n) - 1e-9))
	if rank < 1 {
		rank = 1
	}
	if rank > n {
		rank = n
	}
	return sorted[rank-1]
}
