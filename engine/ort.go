package engine

import (
	"errors"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"gocv.io/x/gocv"
)

var (
	ortInitMu  sync.Mutex
	ortLibPath string
	ortReady   bool
)

// SetORTLibrary 指定 onnxruntime 动态库路径, 需在首次 LoadModel 之前调用
func SetORTLibrary(path string) {
	ortInitMu.Lock()
	ortLibPath = path
	ortInitMu.Unlock()
}

// ort 环境进程级初始化一次, Destroy 单个检测器不回收环境
func ensureORTEnv() error {
	ortInitMu.Lock()
	defer ortInitMu.Unlock()
	if ortReady {
		return nil
	}
	if ortLibPath != "" {
		ort.SetSharedLibraryPath(ortLibPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initialize onnxruntime: %w", err)
	}
	ortReady = true
	return nil
}

// ortInferer 基于 onnxruntime 的推理后端, 输入输出名从模型里读取
type ortInferer struct {
	session    *ort.DynamicAdvancedSession
	inputName  string
	outputName string
}

func (b *ortInferer) load(modelPath string, inputSize int, useGPU bool) error {
	if err := ensureORTEnv(); err != nil {
		return err
	}
	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return fmt.Errorf("inspect model io: %w", err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return fmt.Errorf("model %s has no usable inputs or outputs", modelPath)
	}
	b.inputName = inputs[0].Name
	b.outputName = outputs[0].Name

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return fmt.Errorf("session options: %w", err)
	}
	defer opts.Destroy()
	if useGPU {
		cudaOpts, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return fmt.Errorf("cuda provider: %w", err)
		}
		defer cudaOpts.Destroy()
		if err := opts.AppendExecutionProviderCUDA(cudaOpts); err != nil {
			return fmt.Errorf("append cuda provider: %w", err)
		}
	}

	sess, err := ort.NewDynamicAdvancedSession(modelPath,
		[]string{b.inputName}, []string{b.outputName}, opts)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if b.session != nil {
		_ = b.session.Destroy()
	}
	b.session = sess
	return nil
}

func (b *ortInferer) forward(square gocv.Mat, inputSize int) (rawOutput, error) {
	if b.session == nil {
		return rawOutput{}, errors.New("session not loaded")
	}
	data, err := chwFloats(square, inputSize)
	if err != nil {
		return rawOutput{}, err
	}
	input, err := ort.NewTensor(ort.NewShape(1, 3, int64(inputSize), int64(inputSize)), data)
	if err != nil {
		return rawOutput{}, fmt.Errorf("build input tensor: %w", err)
	}
	defer input.Destroy()

	outputs := []ort.Value{nil}
	if err := b.session.Run([]ort.Value{input}, outputs); err != nil {
		return rawOutput{}, fmt.Errorf("session run: %w", err)
	}
	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		_ = outputs[0].Destroy()
		return rawOutput{}, fmt.Errorf("unexpected output tensor type %T", outputs[0])
	}
	defer out.Destroy()

	shape := out.GetShape()
	dims := make([]int, len(shape))
	for i, v := range shape {
		dims[i] = int(v)
	}
	src := out.GetData()
	cp := make([]float32, len(src))
	copy(cp, src)
	return rawOutput{data: cp, dims: dims}, nil
}

func (b *ortInferer) close() error {
	if b.session == nil {
		return nil
	}
	err := b.session.Destroy()
	b.session = nil
	return err
}

// chwFloats 把 letterbox 后的 BGR 图像转成 1x3xSxS 的 RGB 归一化张量数据
func chwFloats(square gocv.Mat, size int) ([]float32, error) {
	raw, err := square.DataPtrUint8()
	if err != nil {
		return nil, fmt.Errorf("read image data: %w", err)
	}
	n := size * size
	if len(raw) < 3*n {
		return nil, fmt.Errorf("image data too short: %d < %d", len(raw), 3*n)
	}
	out := make([]float32, 3*n)
	for i := 0; i < n; i++ {
		px := raw[i*3 : i*3+3]
		out[i] = float32(px[2]) / 255.0
		out[n+i] = float32(px[1]) / 255.0
		out[2*n+i] = float32(px[0]) / 255.0
	}
	return out, nil
}
