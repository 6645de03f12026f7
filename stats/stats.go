package stats

import (
	mstats "github.com/montanaflynn/stats"

	iface "RicePestDetect/interface"
)

// Aggregate 将单帧检测结果汇总为统计数据。
// 不修改入参, 空输入返回零值统计 (AvgConfidence 为 0 而不是 NaN)。
// FPS 由调用方按处理周期另行填充。
func Aggregate(dets []iface.Detection) iface.FrameStats {
	out := iface.FrameStats{
		ClassDistribution: make(map[string]int),
	}
	if len(dets) == 0 {
		return out
	}
	confs := make([]float64, 0, len(dets))
	for _, d := range dets {
		out.ClassDistribution[d.Label]++
		confs = append(confs, float64(d.Confidence))
	}
	out.TotalObjects = len(dets)
	mean, err := mstats.Mean(confs)
	if err == nil {
		out.AvgConfidence = mean
	}
	return out
}
