package recommend

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	iface "RicePestDetect/interface"
)

// NoPestsText 检测结果为空时的固定提示
const NoPestsText = "未检测到害虫"

// UnknownPesticide 标签不在药剂库中时的占位名称, 对应用量恒为 0
const UnknownPesticide = "未知"

// Entry 单个害虫类别的参考条目, BaseDosage 单位为 ml/亩
type Entry struct {
	DisplayName string  `yaml:"display_name"`
	Pesticide   string  `yaml:"pesticide"`
	BaseDosage  float64 `yaml:"base_dosage"`
}

// Tables 标签到中文名与药剂条目的参考表
type Tables struct {
	Pests map[string]Entry `yaml:"pests"`
}

// Default 返回内置参考表
func Default() Tables {
	return Tables{Pests: map[string]Entry{
		"green-leafhopper": {DisplayName: "绿色叶蝉", Pesticide: "吡虫啉", BaseDosage: 30},
		"rice-bug":         {DisplayName: "稻蝽", Pesticide: "氯氰菊酯", BaseDosage: 50},
		"leaf-folder":      {DisplayName: "卷叶虫", Pesticide: "甲维盐", BaseDosage: 40},
		"stem-borer":       {DisplayName: "茎螟", Pesticide: "氯虫苯甲酰胺", BaseDosage: 60},
		"whorl-maggot":     {DisplayName: "叶鞘蛆", Pesticide: "吡蚜酮", BaseDosage: 35},
	}}
}

// LoadTables 从 yaml 文件载入参考表, path 为空时返回内置表
func LoadTables(path string) (Tables, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Tables{}, fmt.Errorf("read tables %s: %w", path, err)
	}
	var t Tables
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Tables{}, fmt.Errorf("parse tables %s: %w", path, err)
	}
	if len(t.Pests) == 0 {
		return Tables{}, fmt.Errorf("tables %s: no pest entries", path)
	}
	for label, e := range t.Pests {
		if e.Pesticide == "" || e.BaseDosage < 0 {
			return Tables{}, fmt.Errorf("tables %s: invalid entry for %s", path, label)
		}
	}
	return t, nil
}

// Lookup 查表, 未知标签按原标签展示并给出 (未知, 0) 药剂
func (t Tables) Lookup(label string) Entry {
	if e, ok := t.Pests[label]; ok {
		if e.DisplayName == "" {
			e.DisplayName = label
		}
		return e
	}
	return Entry{DisplayName: label, Pesticide: UnknownPesticide, BaseDosage: 0}
}

// Report 一次推荐计算的完整结果
type Report struct {
	Records []iface.PestRecord         `json:"records"`
	Lines   []iface.RecommendationLine `json:"lines"`
	Area    float64                    `json:"area"`
	NoPests bool                       `json:"no_pests"`
}

// Text 渲染为多行文本, 与各行展示格式保持一致
func (r Report) Text() string {
	if r.NoPests {
		return NoPestsText
	}
	var b strings.Builder
	for _, line := range r.Lines {
		fmt.Fprintf(&b, "【%s】\n", line.DisplayName)
		fmt.Fprintf(&b, "推荐农药：%s\n", line.Pesticide)
		fmt.Fprintf(&b, "基础用量：%vml/亩\n", line.BaseDosage)
		fmt.Fprintf(&b, "总用量：%sml\n", line.DisplayDosage())
		b.WriteString(strings.Repeat("-", 20))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
