package engine

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gocv.io/x/gocv"

	iface "RicePestDetect/interface"
)

const UNREGISTERED = 0x0001
const REGISTERED = 0x0002
const IDLE = 0x0003
const BUSY = 0x0004

const BackendDNN = "dnn"
const BackendORT = "ort"

// StateName 引擎状态可读名称
func StateName(s int) string {
	switch s {
	case UNREGISTERED:
		return "unregistered"
	case REGISTERED:
		return "registered"
	case IDLE:
		return "idle"
	case BUSY:
		return "busy"
	}
	return "unknown"
}

const DefaultConf = 0.3
const DefaultIou = 0.45
const DefaultInputSize = 640

var (
	ErrModelLoad      = errors.New("model load failed")
	ErrModelNotLoaded = errors.New("model not loaded")
	ErrInference      = errors.New("inference failed")
)

// inferer 底层推理实现, 输入为 letterbox 后的正方形 BGR 图像
type inferer interface {
	load(modelPath string, inputSize int, useGPU bool) error
	forward(square gocv.Mat, inputSize int) (rawOutput, error)
	close() error
}

// rawOutput 网络原始输出, dims 形如 [1 C N] (v8) 或 [1 N C] (v5)
type rawOutput struct {
	data []float32
	dims []int
}

func ReadLinesReadFile(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	// 支持 Windows CRLF，去掉尾部的 '\r'
	raw := strings.Split(string(b), "\n")
	for i := range raw {
		raw[i] = strings.TrimRight(raw[i], "\r")
	}
	var lines []string
	for _, l := range raw {
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines, nil
}

// resolveNames 解析类别名配置, 支持文件路径或字符串切片两种来源
func resolveNames(names iface.NamesConf) ([]string, error) {
	if names.IsFile {
		path, ok := names.Data.(string)
		if !ok {
			return nil, fmt.Errorf("names file path must be a string, got %T", names.Data)
		}
		lines, err := ReadLinesReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read names file %s: %w", path, err)
		}
		if len(lines) == 0 {
			return nil, fmt.Errorf("names file %s is empty", path)
		}
		return lines, nil
	}
	switch v := names.Data.(type) {
	case []string:
		if len(v) == 0 {
			return nil, errors.New("names list is empty")
		}
		out := make([]string, len(v))
		copy(out, v)
		return out, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("names list item must be a string, got %T", item)
			}
			out = append(out, s)
		}
		if len(out) == 0 {
			return nil, errors.New("names list is empty")
		}
		return out, nil
	default:
		return nil, fmt.Errorf("names must be a file path or a string list, got %T", names.Data)
	}
}
