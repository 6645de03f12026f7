package engine

import (
	"fmt"
	"image"
	"math"
	"sort"

	"gocv.io/x/gocv"

	iface "RicePestDetect/interface"
)

// letterbox 记录等比缩放加灰边的前处理参数, 用于把检测框映射回原图
type letterbox struct {
	scale        float32
	padX, padY   int
	newW, newH   int
	origW, origH int
}

func makeLetterbox(w, h, size int) letterbox {
	lb := letterbox{scale: 1, origW: w, origH: h, newW: w, newH: h}
	if w <= 0 || h <= 0 || size <= 0 {
		return lb
	}
	sw := float32(size) / float32(w)
	sh := float32(size) / float32(h)
	if sw < sh {
		lb.scale = sw
	} else {
		lb.scale = sh
	}
	lb.newW = int(math.Round(float64(float32(w) * lb.scale)))
	lb.newH = int(math.Round(float64(float32(h) * lb.scale)))
	if lb.newW > size {
		lb.newW = size
	}
	if lb.newH > size {
		lb.newH = size
	}
	lb.padX = (size - lb.newW) / 2
	lb.padY = (size - lb.newH) / 2
	return lb
}

// applyLetterbox 生成 size x size 的灰边正方形输入, 返回的 Mat 由调用方关闭
func applyLetterbox(img gocv.Mat, size int) (gocv.Mat, letterbox) {
	lb := makeLetterbox(img.Cols(), img.Rows(), size)
	square := gocv.NewMatWithSizeFromScalar(
		gocv.NewScalar(114, 114, 114, 0), size, size, gocv.MatTypeCV8UC3)

	resized := gocv.NewMat()
	gocv.Resize(img, &resized, image.Pt(lb.newW, lb.newH), 0, 0, gocv.InterpolationLinear)
	roi := square.Region(image.Rect(lb.padX, lb.padY, lb.padX+lb.newW, lb.padY+lb.newH))
	resized.CopyTo(&roi)
	roi.Close()
	resized.Close()
	return square, lb
}

func clampRound(v float32, max int) int {
	if v < 0 {
		v = 0
	}
	if v > float32(max) {
		v = float32(max)
	}
	return int(math.Round(float64(v)))
}

// unmap 把网络输入坐标系的中心框映射回原图像素矩形
func (lb letterbox) unmap(cx, cy, w, h float32) image.Rectangle {
	x1 := (cx - w/2 - float32(lb.padX)) / lb.scale
	y1 := (cy - h/2 - float32(lb.padY)) / lb.scale
	x2 := (cx + w/2 - float32(lb.padX)) / lb.scale
	y2 := (cy + h/2 - float32(lb.padY)) / lb.scale
	return image.Rect(
		clampRound(x1, lb.origW),
		clampRound(y1, lb.origH),
		clampRound(x2, lb.origW),
		clampRound(y2, lb.origH),
	)
}

type candidate struct {
	rect  image.Rectangle
	score float32
	class int
}

// decodeOutput 解析 YOLO 输出张量并做按类别 NMS。
// 兼容两种布局: [1 4+nc N] (v8, 列为候选框) 与 [1 N 5+nc] (v5, 行为候选框)。
func decodeOutput(raw rawOutput, names []string, conf, iou float32, lb letterbox) ([]iface.Detection, error) {
	nc := len(names)
	if nc == 0 {
		return nil, fmt.Errorf("no class names configured")
	}
	dims := raw.dims
	if len(dims) == 3 && dims[0] == 1 {
		dims = dims[1:]
	}
	if len(dims) != 2 {
		return nil, fmt.Errorf("unexpected output dims %v", raw.dims)
	}
	rows, cols := dims[0], dims[1]
	if len(raw.data) < rows*cols {
		return nil, fmt.Errorf("output data too short: %d < %d", len(raw.data), rows*cols)
	}

	var cands []candidate
	switch {
	case rows == nc+4:
		// v8: data[r*cols+j], 前 4 行是 cx cy w h, 其余行是各类别得分
		for j := 0; j < cols; j++ {
			best := float32(0)
			bestIdx := -1
			for c := 0; c < nc; c++ {
				if s := raw.data[(4+c)*cols+j]; s > best {
					best = s
					bestIdx = c
				}
			}
			if bestIdx < 0 || best < conf {
				continue
			}
			rect := lb.unmap(raw.data[j], raw.data[cols+j], raw.data[2*cols+j], raw.data[3*cols+j])
			if rect.Empty() {
				continue
			}
			cands = append(cands, candidate{rect: rect, score: best, class: bestIdx})
		}
	case cols == nc+5:
		// v5: data[i*cols+k], 每行 cx cy w h obj 加各类别得分
		for i := 0; i < rows; i++ {
			off := i * cols
			obj := raw.data[off+4]
			best := float32(0)
			bestIdx := -1
			for c := 0; c < nc; c++ {
				if s := raw.data[off+5+c]; s > best {
					best = s
					bestIdx = c
				}
			}
			score := obj * best
			if bestIdx < 0 || score < conf {
				continue
			}
			rect := lb.unmap(raw.data[off], raw.data[off+1], raw.data[off+2], raw.data[off+3])
			if rect.Empty() {
				continue
			}
			cands = append(cands, candidate{rect: rect, score: score, class: bestIdx})
		}
	default:
		return nil, fmt.Errorf("output shape %v does not match %d classes", raw.dims, nc)
	}

	kept := nmsPerClass(cands, conf, iou)
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].score > kept[j].score })

	dets := make([]iface.Detection, 0, len(kept))
	for _, c := range kept {
		dets = append(dets, iface.Detection{
			Label:      names[c.class],
			Confidence: c.score,
			Box:        c.rect,
		})
	}
	return dets, nil
}

func nmsPerClass(cands []candidate, conf, iou float32) []candidate {
	byClass := make(map[int][]candidate)
	for _, c := range cands {
		byClass[c.class] = append(byClass[c.class], c)
	}
	classes := make([]int, 0, len(byClass))
	for cls := range byClass {
		classes = append(classes, cls)
	}
	sort.Ints(classes)
	var kept []candidate
	for _, cls := range classes {
		group := byClass[cls]
		rects := make([]image.Rectangle, len(group))
		scores := make([]float32, len(group))
		for i, c := range group {
			rects[i] = c.rect
			scores[i] = c.score
		}
		for _, idx := range gocv.NMSBoxes(rects, scores, conf, iou) {
			kept = append(kept, group[idx])
		}
	}
	return kept
}
