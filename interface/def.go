package iface

import (
	"fmt"
	"image"
)

type NamesConf struct {
	IsFile bool
	Data   any
}

type EngineConfig struct {
	UseGPU    bool
	ModelPath string
	Names     NamesConf
	Conf      float32
	Iou       float32
	InputSize int
}

// Detection 单个检测框, 坐标为原图像素坐标
type Detection struct {
	Label      string          `json:"label"`
	Confidence float32         `json:"confidence"`
	Box        image.Rectangle `json:"box"`
}

// FrameStats 单帧统计结果, TotalObjects 恒等于 ClassDistribution 计数之和
type FrameStats struct {
	TotalObjects      int            `json:"total_objects"`
	ClassDistribution map[string]int `json:"class_distribution"`
	AvgConfidence     float64        `json:"avg_confidence"`
	FPS               float64        `json:"fps"`
}

// PestRecord 按类别聚合后的害虫记录, Count 为该类别累计检出数
type PestRecord struct {
	Label       string  `json:"label"`
	DisplayName string  `json:"display_name"`
	Pesticide   string  `json:"pesticide"`
	BaseDosage  float64 `json:"base_dosage"`
	Count       int     `json:"count"`
}

// RecommendationLine 单条施药建议, TotalDosage 保留完整精度
type RecommendationLine struct {
	PestRecord
	TotalDosage float64 `json:"total_dosage"`
}

// DisplayDosage 仅在展示时四舍五入到一位小数
func (l RecommendationLine) DisplayDosage() string {
	return fmt.Sprintf("%.1f", l.TotalDosage)
}
