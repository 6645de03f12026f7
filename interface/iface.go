package iface

import "gocv.io/x/gocv"

// Backend 检测后端统一接口, engine.Detector 为标准实现
type Backend interface {
	LoadModel(modelPath string, names NamesConf, conf float32, iou float32, useGPU bool) error
	Detect(img gocv.Mat, conf float32) ([]Detection, error)
	Annotate(img *gocv.Mat, dets []Detection)
	Names() []string
	CheckConfig() EngineConfig
	Destroy() error
}
