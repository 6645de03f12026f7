package engine

import (
	"errors"
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// dnnInferer 基于 OpenCV DNN 的推理后端, 不依赖额外运行库
type dnnInferer struct {
	net    gocv.Net
	loaded bool
}

func (b *dnnInferer) load(modelPath string, inputSize int, useGPU bool) error {
	net := gocv.ReadNetFromONNX(modelPath)
	if net.Empty() {
		return fmt.Errorf("read onnx network %s failed", modelPath)
	}
	if useGPU {
		if err := net.SetPreferableBackend(gocv.NetBackendCUDA); err != nil {
			_ = net.Close()
			return fmt.Errorf("enable cuda backend: %w", err)
		}
		if err := net.SetPreferableTarget(gocv.NetTargetCUDA); err != nil {
			_ = net.Close()
			return fmt.Errorf("enable cuda target: %w", err)
		}
	}
	if b.loaded {
		_ = b.net.Close()
	}
	b.net = net
	b.loaded = true
	return nil
}

func (b *dnnInferer) forward(square gocv.Mat, inputSize int) (rawOutput, error) {
	if !b.loaded {
		return rawOutput{}, errors.New("network not loaded")
	}
	blob := gocv.BlobFromImage(square, 1.0/255.0, image.Pt(inputSize, inputSize),
		gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	b.net.SetInput(blob, "")
	out := b.net.Forward("")
	defer out.Close()

	dims := out.Size()
	data, err := out.DataPtrFloat32()
	if err != nil {
		return rawOutput{}, fmt.Errorf("read network output: %w", err)
	}
	cp := make([]float32, len(data))
	copy(cp, data)
	return rawOutput{data: cp, dims: append([]int(nil), dims...)}, nil
}

func (b *dnnInferer) close() error {
	if !b.loaded {
		return nil
	}
	b.loaded = false
	return b.net.Close()
}
