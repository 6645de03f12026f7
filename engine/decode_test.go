package engine

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMakeLetterbox(t *testing.T) {
	t.Run("Test Wide Image", func(t *testing.T) {
		lb := makeLetterbox(1280, 720, 640)
		assert.InDelta(t, 0.5, float64(lb.scale), 0.0001)
		assert.Equal(t, 640, lb.newW)
		assert.Equal(t, 360, lb.newH)
		assert.Equal(t, 0, lb.padX)
		assert.Equal(t, 140, lb.padY)
	})

	t.Run("Test Tall Image", func(t *testing.T) {
		lb := makeLetterbox(480, 960, 640)
		assert.InDelta(t, 2.0/3.0, float64(lb.scale), 0.0001)
		assert.Equal(t, 320, lb.newW)
		assert.Equal(t, 640, lb.newH)
		assert.Equal(t, 160, lb.padX)
		assert.Equal(t, 0, lb.padY)
	})

	t.Run("Test Exact Fit", func(t *testing.T) {
		lb := makeLetterbox(640, 640, 640)
		assert.InDelta(t, 1.0, float64(lb.scale), 0.0001)
		assert.Equal(t, 0, lb.padX)
		assert.Equal(t, 0, lb.padY)
	})
}

func TestUnmapClamps(t *testing.T) {
	lb := makeLetterbox(640, 480, 640)
	// 框超出原图边界时收敛到图内
	r := lb.unmap(5, 85, 40, 40)
	assert.GreaterOrEqual(t, r.Min.X, 0)
	assert.GreaterOrEqual(t, r.Min.Y, 0)
	r = lb.unmap(635, 555, 40, 40)
	assert.LessOrEqual(t, r.Max.X, 640)
	assert.LessOrEqual(t, r.Max.Y, 480)
}

// v8Tensor 构造 [1 4+nc N] 布局的测试输出
func v8Tensor(nc, n int, fill func(row, col int) float32) rawOutput {
	rows := 4 + nc
	data := make([]float32, rows*n)
	for r := 0; r < rows; r++ {
		for c := 0; c < n; c++ {
			data[r*n+c] = fill(r, c)
		}
	}
	return rawOutput{data: data, dims: []int{1, rows, n}}
}

func TestDecodeOutputV8(t *testing.T) {
	names := []string{"rice-bug", "stem-borer"}
	// 640x480 原图, letterbox 到 640: scale=1, padY=80
	lb := makeLetterbox(640, 480, 640)

	t.Run("Test Single Box", func(t *testing.T) {
		raw := v8Tensor(2, 2, func(row, col int) float32 {
			if col == 0 {
				switch row {
				case 0:
					return 320 // cx
				case 1:
					return 320 // cy
				case 2:
					return 100 // w
				case 3:
					return 50 // h
				case 4:
					return 0.9
				case 5:
					return 0.1
				}
			}
			// 第二个候选整体低于阈值
			if row == 2 || row == 3 {
				return 10
			}
			return 0.05
		})
		dets, err := decodeOutput(raw, names, 0.3, 0.45, lb)
		assert.NoError(t, err)
		if assert.Len(t, dets, 1) {
			assert.Equal(t, "rice-bug", dets[0].Label)
			assert.InDelta(t, 0.9, float64(dets[0].Confidence), 0.0001)
			assert.Equal(t, image.Rect(270, 215, 370, 265), dets[0].Box)
		}
	})

	t.Run("Test NMS Collapses Overlaps", func(t *testing.T) {
		// 两个几乎重合的同类候选, NMS 后只留得分高的
		raw := v8Tensor(2, 2, func(row, col int) float32 {
			switch row {
			case 0:
				return 320
			case 1:
				return 320 + float32(col) // 近乎重合
			case 2:
				return 100
			case 3:
				return 50
			case 4:
				if col == 0 {
					return 0.9
				}
				return 0.8
			default:
				return 0.0
			}
		})
		dets, err := decodeOutput(raw, names, 0.3, 0.45, lb)
		assert.NoError(t, err)
		if assert.Len(t, dets, 1) {
			assert.InDelta(t, 0.9, float64(dets[0].Confidence), 0.0001)
		}
	})

	t.Run("Test Sorted By Confidence", func(t *testing.T) {
		// 两个互不重叠不同类的候选
		raw := v8Tensor(2, 2, func(row, col int) float32 {
			switch row {
			case 0:
				return 100 + float32(col)*300
			case 1:
				return 320
			case 2:
				return 60
			case 3:
				return 60
			case 4:
				if col == 0 {
					return 0.5
				}
				return 0
			case 5:
				if col == 1 {
					return 0.95
				}
				return 0
			}
			return 0
		})
		dets, err := decodeOutput(raw, names, 0.3, 0.45, lb)
		assert.NoError(t, err)
		if assert.Len(t, dets, 2) {
			assert.Equal(t, "stem-borer", dets[0].Label)
			assert.Equal(t, "rice-bug", dets[1].Label)
			assert.True(t, dets[0].Confidence >= dets[1].Confidence)
		}
	})
}

func TestDecodeOutputV5(t *testing.T) {
	names := []string{"leaf-folder"}
	lb := makeLetterbox(640, 640, 640)
	// [1 2 6] 两行候选, 每行 cx cy w h obj cls
	data := []float32{
		320, 320, 100, 100, 0.9, 0.9, // score 0.81
		100, 100, 50, 50, 0.2, 0.9, // score 0.18, 低于阈值
	}
	raw := rawOutput{data: data, dims: []int{1, 2, 6}}
	dets, err := decodeOutput(raw, names, 0.3, 0.45, lb)
	assert.NoError(t, err)
	if assert.Len(t, dets, 1) {
		assert.Equal(t, "leaf-folder", dets[0].Label)
		assert.InDelta(t, 0.81, float64(dets[0].Confidence), 0.001)
		assert.Equal(t, image.Rect(270, 270, 370, 370), dets[0].Box)
	}
}

func TestDecodeOutputErrors(t *testing.T) {
	lb := makeLetterbox(640, 640, 640)

	t.Run("Test Shape Mismatch", func(t *testing.T) {
		raw := rawOutput{data: make([]float32, 12), dims: []int{1, 3, 4}}
		_, err := decodeOutput(raw, []string{"a", "b", "c"}, 0.3, 0.45, lb)
		assert.Error(t, err)
	})

	t.Run("Test No Names", func(t *testing.T) {
		raw := rawOutput{data: make([]float32, 10), dims: []int{1, 5, 2}}
		_, err := decodeOutput(raw, nil, 0.3, 0.45, lb)
		assert.Error(t, err)
	})

	t.Run("Test Short Data", func(t *testing.T) {
		raw := rawOutput{data: make([]float32, 3), dims: []int{1, 6, 100}}
		_, err := decodeOutput(raw, []string{"a", "b"}, 0.3, 0.45, lb)
		assert.Error(t, err)
	})
}
