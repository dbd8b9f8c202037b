package classifier

import (
	"bytes"
	"fmt"
	"image"
	"math"

	// Decoders for the formats the corpus and screenshots use.
	_ "image/jpeg"
	_ "image/png"
)

const (
	// GridSide is the edge of the grayscale thumbnail.
	GridSide = 24
	// HistBins is the number of bins per color channel.
	HistBins = 16
	// FeatureSize is the length of every feature vector.
	FeatureSize = GridSide*GridSide + 3*HistBins + 1

	edgeThreshold = 0.08
)

// Decode reads a PNG or JPEG image.
func Decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("classifier: decode image: %w", err)
	}
	return img, nil
}

// Features turns an image into an L2-normalized vector: a box-resampled
// grayscale thumbnail, per-channel color histograms and an edge density.
func Features(img image.Image) []float64 {
	out := make([]float64, FeatureSize)
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return out
	}

	// 1. Grayscale thumbnail and color histograms in one pass over the source.
	var (
		sums   [GridSide * GridSide]float64
		counts [GridSide * GridSide]float64
		hist   = out[GridSide*GridSide : GridSide*GridSide+3*HistBins]
	)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		gy := (y - b.Min.Y) * GridSide / h
		for x := b.Min.X; x < b.Max.X; x++ {
			gx := (x - b.Min.X) * GridSide / w
			r, g, bl, _ := img.At(x, y).RGBA()
			gray := (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(bl)) / 0xffff
			cell := gy*GridSide + gx
			sums[cell] += gray
			counts[cell]++

			hist[bin(r)]++
			hist[HistBins+bin(g)]++
			hist[2*HistBins+bin(bl)]++
		}
	}
	pixels := float64(w * h)
	for i := range hist {
		hist[i] /= pixels
	}

	// 2. Cells a tiny image never reached inherit their nearest filled neighbor on the left.
	thumb := out[:GridSide*GridSide]
	for i := range thumb {
		switch {
		case counts[i] > 0:
			thumb[i] = sums[i] / counts[i]
		case i%GridSide > 0:
			thumb[i] = thumb[i-1]
		case i >= GridSide:
			thumb[i] = thumb[i-GridSide]
		}
	}

	// 3. Edge density over the thumbnail.
	var edges, pairs float64
	for y := 0; y < GridSide; y++ {
		for x := 0; x < GridSide; x++ {
			v := thumb[y*GridSide+x]
			if x+1 < GridSide {
				pairs++
				if math.Abs(v-thumb[y*GridSide+x+1]) > edgeThreshold {
					edges++
				}
			}
			if y+1 < GridSide {
				pairs++
				if math.Abs(v-thumb[(y+1)*GridSide+x]) > edgeThreshold {
					edges++
				}
			}
		}
	}
	out[FeatureSize-1] = edges / pairs

	normalize(out)
	return out
}

func bin(c uint32) int {
	i := int(c) * HistBins / 0x10000
	if i >= HistBins {
		i = HistBins - 1
	}
	return i
}

func normalize(v []float64) {
	var sq float64
	for _, x := range v {
		sq += x * x
	}
	if sq == 0 {
		return
	}
	n := math.Sqrt(sq)
	for i := range v {
		v[i] /= n
	}
}
