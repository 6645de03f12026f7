package recommend

import (
	"math"
	"strconv"
	"strings"
	"sync"

	iface "RicePestDetect/interface"
)

// Engine 聚合检测结果并生成施药建议。
// 上一次聚合结果会被保留, 以便在不重新检测的情况下按新亩数重算。
type Engine struct {
	mu      sync.Mutex
	tables  Tables
	records []iface.PestRecord
}

func New(tables Tables) *Engine {
	if tables.Pests == nil {
		tables = Default()
	}
	return &Engine{tables: tables}
}

// ParseArea 解析亩数输入, 空值/非法/非正数一律回退为 1
func ParseArea(text string) float64 {
	s := strings.TrimSpace(text)
	if s == "" {
		return 1
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 1
	}
	return v
}

// BuildReport 按标签聚合检测结果并计算推荐, 聚合保持标签首次出现的顺序
func (e *Engine) BuildReport(dets []iface.Detection, areaText string) Report {
	records := groupDetections(dets, e.tables)
	e.mu.Lock()
	e.records = records
	e.mu.Unlock()
	return buildReport(records, ParseArea(areaText))
}

// Recompute 使用上一次的聚合结果按新亩数重算, 不触发检测
func (e *Engine) Recompute(areaText string) Report {
	e.mu.Lock()
	records := make([]iface.PestRecord, len(e.records))
	copy(records, e.records)
	e.mu.Unlock()
	return buildReport(records, ParseArea(areaText))
}

// Records 返回上一次聚合结果的副本
func (e *Engine) Records() []iface.PestRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]iface.PestRecord, len(e.records))
	copy(out, e.records)
	return out
}

func buildReport(records []iface.PestRecord, area float64) Report {
	if len(records) == 0 {
		return Report{Area: area, NoPests: true}
	}
	lines := make([]iface.RecommendationLine, 0, len(records))
	for _, rec := range records {
		lines = append(lines, iface.RecommendationLine{
			PestRecord:  rec,
			TotalDosage: rec.BaseDosage * area,
		})
	}
	return Report{Records: records, Lines: lines, Area: area}
}

func groupDetections(dets []iface.Detection, t Tables) []iface.PestRecord {
	var records []iface.PestRecord
	index := make(map[string]int)
	for _, d := range dets {
		if i, ok := index[d.Label]; ok {
			records[i].Count++
			continue
		}
		entry := t.Lookup(d.Label)
		index[d.Label] = len(records)
		records = append(records, iface.PestRecord{
			Label:       d.Label,
			DisplayName: entry.DisplayName,
			Pesticide:   entry.Pesticide,
			BaseDosage:  entry.BaseDosage,
			Count:       1,
		})
	}
	return records
}
