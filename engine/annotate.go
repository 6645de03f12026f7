package engine

import (
	"fmt"
	"hash/fnv"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	iface "RicePestDetect/interface"
)

var palette = []color.RGBA{
	{R: 255, G: 56, B: 56, A: 255},
	{R: 255, G: 157, B: 151, A: 255},
	{R: 255, G: 112, B: 31, A: 255},
	{R: 255, G: 178, B: 29, A: 255},
	{R: 207, G: 210, B: 49, A: 255},
	{R: 72, G: 249, B: 10, A: 255},
	{R: 61, G: 219, B: 134, A: 255},
	{R: 26, G: 147, B: 52, A: 255},
	{R: 0, G: 212, B: 187, A: 255},
	{R: 44, G: 153, B: 168, A: 255},
	{R: 0, G: 194, B: 255, A: 255},
	{R: 52, G: 69, B: 147, A: 255},
}

func colorFor(label string) color.RGBA {
	h := fnv.New32a()
	_, _ = h.Write([]byte(label))
	return palette[int(h.Sum32())%len(palette)]
}

// annotate 按类别配色画框, 标签条默认画在框上方, 贴边时落到框内
func annotate(img *gocv.Mat, dets []iface.Detection) {
	for _, det := range dets {
		c := colorFor(det.Label)
		gocv.Rectangle(img, det.Box, c, 2)

		caption := fmt.Sprintf("%s %.2f", det.Label, det.Confidence)
		size := gocv.GetTextSize(caption, gocv.FontHersheySimplex, 0.5, 1)
		org := image.Pt(det.Box.Min.X, det.Box.Min.Y-4)
		if org.Y-size.Y < 0 {
			org.Y = det.Box.Min.Y + size.Y + 4
		}
		bg := image.Rect(org.X, org.Y-size.Y-2, org.X+size.X+2, org.Y+2)
		gocv.Rectangle(img, bg, c, -1)
		gocv.PutText(img, caption, org, gocv.FontHersheySimplex, 0.5,
			color.RGBA{R: 255, G: 255, B: 255, A: 255}, 1)
	}
}
