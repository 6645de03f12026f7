package engine

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gocv.io/x/gocv"

	iface "RicePestDetect/interface"
	"RicePestDetect/logger"
)

// Detector 统一的检测器封装, 同一实例的推理调用串行执行
type Detector struct {
	mu      sync.Mutex // 串行化 LoadModel/Detect/Destroy
	stateMu sync.RWMutex
	state   int

	ModelPath string
	names     []string
	Conf      float32
	Iou       float32
	UseGPU    bool
	InputSize int

	backend string
	inf     inferer
}

// New 按后端名创建检测器, 支持 dnn (OpenCV) 与 ort (onnxruntime)
func New(backend string) (*Detector, error) {
	d := &Detector{state: UNREGISTERED}
	switch backend {
	case BackendDNN, "":
		d.backend = BackendDNN
		d.inf = &dnnInferer{}
	case BackendORT:
		d.backend = BackendORT
		d.inf = &ortInferer{}
	default:
		return nil, fmt.Errorf("unsupported backend: %s", backend)
	}
	d.state = REGISTERED
	return d, nil
}

func (d *Detector) setState(s int) {
	d.stateMu.Lock()
	d.state = s
	d.stateMu.Unlock()
}

// State 返回当前状态 (UNREGISTERED/REGISTERED/IDLE/BUSY)
func (d *Detector) State() int {
	d.stateMu.RLock()
	defer d.stateMu.RUnlock()
	return d.state
}

func (d *Detector) Backend() string {
	return d.backend
}

func (d *Detector) CheckConfig() iface.EngineConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	retConfig := iface.EngineConfig{}
	retConfig.ModelPath = d.ModelPath
	retConfig.Conf = d.Conf
	retConfig.Iou = d.Iou
	retConfig.UseGPU = d.UseGPU
	retConfig.InputSize = d.InputSize
	retConfig.Names = iface.NamesConf{
		IsFile: false,
		Data:   append([]string(nil), d.names...),
	}
	return retConfig
}

// LoadModel 载入 onnx 模型并切换到 IDLE, 重复调用会替换已载入的模型
func (d *Detector) LoadModel(modelPath string, names iface.NamesConf, conf float32, iou float32, useGPU bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !strings.HasSuffix(modelPath, ".onnx") {
		return fmt.Errorf("%w: only .onnx models are supported, got %s", ErrModelLoad, modelPath)
	}
	if _, err := os.Stat(modelPath); err != nil {
		return fmt.Errorf("%w: %v", ErrModelLoad, err)
	}
	resolved, err := resolveNames(names)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrModelLoad, err)
	}
	if conf <= 0 || conf >= 1 {
		conf = DefaultConf
	}
	if iou <= 0 || iou >= 1 {
		iou = DefaultIou
	}
	if d.InputSize <= 0 {
		d.InputSize = DefaultInputSize
	}

	if err := d.inf.load(modelPath, d.InputSize, useGPU); err != nil {
		d.setState(REGISTERED)
		return fmt.Errorf("%w: %v", ErrModelLoad, err)
	}

	d.ModelPath = modelPath
	d.names = resolved
	d.Conf = conf
	d.Iou = iou
	d.UseGPU = useGPU
	d.setState(IDLE)
	logger.S().Infow("model loaded",
		"backend", d.backend,
		"model", modelPath,
		"classes", len(resolved),
		"conf", conf,
		"iou", iou,
	)
	return nil
}

// SetInputSize 必须在 LoadModel 之前调用才会生效
func (d *Detector) SetInputSize(size int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if size > 0 {
		d.InputSize = size
	}
}

// Detect 对整帧执行一次推理, conf <= 0 时使用载入模型时的默认阈值。
// 返回的检测框为原图像素坐标, 按置信度降序排列。
func (d *Detector) Detect(img gocv.Mat, conf float32) ([]iface.Detection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.State() {
	case UNREGISTERED:
		return nil, fmt.Errorf("%w: detector not registered", ErrModelNotLoaded)
	case REGISTERED:
		return nil, ErrModelNotLoaded
	}
	if img.Empty() {
		return nil, fmt.Errorf("%w: empty image", ErrInference)
	}
	if conf <= 0 || conf >= 1 {
		conf = d.Conf
	}

	d.setState(BUSY)
	defer d.setState(IDLE)

	square, lb := applyLetterbox(img, d.InputSize)
	defer square.Close()

	raw, err := d.inf.forward(square, d.InputSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}
	dets, err := decodeOutput(raw, d.names, conf, d.Iou, lb)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}
	return dets, nil
}

// Annotate 在图像上绘制检测框与标签
func (d *Detector) Annotate(img *gocv.Mat, dets []iface.Detection) {
	annotate(img, dets)
}

// Warmup 用全零图像跑 n 次推理, 摊平首次推理的初始化开销
func (d *Detector) Warmup(n int) {
	if d.State() < IDLE || n <= 0 {
		return
	}
	size := d.InputSize
	if size <= 0 {
		size = DefaultInputSize
	}
	blank := gocv.NewMatWithSize(size, size, gocv.MatTypeCV8UC3)
	defer blank.Close()
	for i := 0; i < n; i++ {
		if _, err := d.Detect(blank, 0); err != nil {
			logger.S().Warnw("warmup inference failed", "err", err)
			return
		}
	}
}

// Names 返回类别名列表的副本
func (d *Detector) Names() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.names...)
}

// Destroy 释放底层推理资源并回到 UNREGISTERED
func (d *Detector) Destroy() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	err := d.inf.close()
	d.ModelPath = ""
	d.names = nil
	d.Conf = 0
	d.Iou = 0
	d.UseGPU = false
	d.setState(UNREGISTERED)
	return err
}
