package pipeline

import (
	"errors"

	"gocv.io/x/gocv"

	iface "RicePestDetect/interface"
	"RicePestDetect/source"
)

const Idle = 0x2001
const Running = 0x2002
const Stopped = 0x2003
const Finished = 0x2004

var ErrAlreadyRunning = errors.New("pipeline already running")

const DefaultQueueSize = 16

// StateName 状态名, 用于日志与接口返回
func StateName(s int) string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

// Snapshot 一帧的发布结果。Frame 为 jpg 编码, JSON 序列化时自动转 base64。
// 解码失败的帧只带 Err 不带 Frame; Final 表示本次运行的最后一条消息。
type Snapshot struct {
	Seq   uint64           `json:"seq"`
	Frame []byte           `json:"frame,omitempty"`
	Stats iface.FrameStats `json:"stats"`
	Err   string           `json:"err,omitempty"`
	Final bool             `json:"final,omitempty"`
}

// FrameSource 运行循环消费的帧来源, *source.Source 为标准实现
type FrameSource interface {
	Next(dst *gocv.Mat) error
	Describe() source.Descriptor
	Close() error
}
