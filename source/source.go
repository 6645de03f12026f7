package source

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"gocv.io/x/gocv"
)

type Kind int

const (
	KindCamera Kind = 0x4001
	KindVideo  Kind = 0x4002
	KindImage  Kind = 0x4003
)

var (
	ErrSourceUnavailable = errors.New("source unavailable")
	ErrDecode            = errors.New("frame decode failed")
	ErrWrite             = errors.New("artifact write failed")
)

func (k Kind) String() string {
	switch k {
	case KindCamera:
		return "camera"
	case KindVideo:
		return "video"
	case KindImage:
		return "image"
	default:
		return "unknown"
	}
}

func ParseKind(s string) (Kind, error) {
	switch s {
	case "camera":
		return KindCamera, nil
	case "video":
		return KindVideo, nil
	case "image":
		return KindImage, nil
	default:
		return 0, fmt.Errorf("unknown source kind %q", s)
	}
}

// Descriptor 描述一个帧来源, Device 仅摄像头模式使用, Path 仅文件模式使用。
// Reconnect 控制摄像头断流后是否重开设备, 默认断流即终止。
type Descriptor struct {
	Kind      Kind   `json:"kind"`
	Device    int    `json:"device"`
	Path      string `json:"path"`
	Reconnect bool   `json:"reconnect,omitempty"`
}

func (d Descriptor) String() string {
	if d.Kind == KindCamera {
		return fmt.Sprintf("camera:%d", d.Device)
	}
	return fmt.Sprintf("%s:%s", d.Kind, d.Path)
}

// Source 统一封装摄像头/视频文件/单张图片三种帧来源。
// Next 持续产出帧, 流结束返回 io.EOF, 单帧解码失败返回 ErrDecode。
type Source struct {
	mu     sync.Mutex
	desc   Descriptor
	cap    *gocv.VideoCapture
	served bool
	closed bool
}

// Open 校验并占用帧来源, 失败时包装 ErrSourceUnavailable
func Open(desc Descriptor) (*Source, error) {
	s := &Source{desc: desc}
	switch desc.Kind {
	case KindCamera:
		cap, err := gocv.VideoCaptureDevice(desc.Device)
		if err != nil {
			return nil, fmt.Errorf("%w: camera %d: %v", ErrSourceUnavailable, desc.Device, err)
		}
		if !cap.IsOpened() {
			_ = cap.Close()
			return nil, fmt.Errorf("%w: camera %d not opened", ErrSourceUnavailable, desc.Device)
		}
		s.cap = cap
	case KindVideo:
		if _, err := os.Stat(desc.Path); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
		}
		cap, err := gocv.VideoCaptureFile(desc.Path)
		if err != nil {
			return nil, fmt.Errorf("%w: video %s: %v", ErrSourceUnavailable, desc.Path, err)
		}
		if !cap.IsOpened() {
			_ = cap.Close()
			return nil, fmt.Errorf("%w: video %s not opened", ErrSourceUnavailable, desc.Path)
		}
		s.cap = cap
	case KindImage:
		if _, err := os.Stat(desc.Path); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown kind %d", ErrSourceUnavailable, desc.Kind)
	}
	return s, nil
}

// Next 读取下一帧到 dst。
// 摄像头/视频读取失败视为流结束返回 io.EOF, 读到空帧返回 ErrDecode。
// 图片模式只产出一帧, 之后恒返回 io.EOF。
func (s *Source) Next(dst *gocv.Mat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return io.EOF
	}
	if s.desc.Kind == KindImage {
		if s.served {
			return io.EOF
		}
		s.served = true
		img := gocv.IMRead(s.desc.Path, gocv.IMReadColor)
		defer img.Close()
		if img.Empty() {
			return fmt.Errorf("%w: %s", ErrDecode, s.desc.Path)
		}
		img.CopyTo(dst)
		return nil
	}
	if ok := s.cap.Read(dst); !ok {
		if !s.reopen() || !s.cap.Read(dst) {
			return io.EOF
		}
	}
	if dst.Empty() {
		return ErrDecode
	}
	return nil
}

// reopen 摄像头断流后重开设备, 每次读取失败只尝试一次。
// 重开失败后来源进入关闭态, 后续 Next 恒返回 io.EOF。
func (s *Source) reopen() bool {
	if s.desc.Kind != KindCamera || !s.desc.Reconnect {
		return false
	}
	_ = s.cap.Close()
	cap, err := gocv.VideoCaptureDevice(s.desc.Device)
	if err != nil {
		s.closed = true
		return false
	}
	if !cap.IsOpened() {
		_ = cap.Close()
		s.closed = true
		return false
	}
	s.cap = cap
	return true
}

func (s *Source) Describe() Descriptor {
	return s.desc
}

// Close 释放底层资源, 重复调用无副作用
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.cap != nil {
		return s.cap.Close()
	}
	return nil
}

// DecodeImage 解码内存中的图片数据 (jpg/png 等)
func DecodeImage(data []byte) (gocv.Mat, error) {
	img, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if img.Empty() {
		img.Close()
		return gocv.Mat{}, ErrDecode
	}
	return img, nil
}

// SaveImage 将图像写入 path, 必要时创建目录
func SaveImage(path string, img gocv.Mat) error {
	if img.Empty() {
		return fmt.Errorf("%w: empty image", ErrWrite)
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%w: %v", ErrWrite, err)
		}
	}
	if ok := gocv.IMWrite(path, img); !ok {
		return fmt.Errorf("%w: %s", ErrWrite, path)
	}
	return nil
}
