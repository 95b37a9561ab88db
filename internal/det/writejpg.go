// Copyright (C) 2021 Laurenz Kremeyer
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package det

import (
	"bufio"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"math"
	"os"

	colorful "github.com/lucasb-eyer/go-colorful"
)

// Write a 2D float32 image to a false-color JPG preview, using the given
// min, max and gamma.
func (b *Buffer) WriteFalseColorJPGToFile(fileName string, min, max, gamma float32, quality int) error {
	file, err := os.Create(fileName)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	defer writer.Flush()

	return b.WriteFalseColorJPG(writer, min, max, gamma, quality)
}

// Write a 2D float32 image to a false-color JPG preview, using the given
// min, max and gamma. Intensities map onto a perceptual ramp from dark
// blue via red to yellow, like the live view of the acquisition UI.
func (b *Buffer) WriteFalseColorJPG(writer io.Writer, min, max, gamma float32, quality int) error {
	if b.DType != Float32 || b.NDim() != 2 {
		return fmt.Errorf("cannot export %s %s buffer as JPG", b.DType, b.DimensionsToString())
	}

	ramp := falseColorRamp(256)

	// convert pixels into Golang Image
	height, width := int(b.Dims[0]), int(b.Dims[1])
	img := image.NewRGBA(image.Rectangle{image.Point{0, 0}, image.Point{width, height}})
	scale := 1.0 / (max - min)
	gammaInv := float64(1.0 / gamma)
	for y := 0; y < height; y++ {
		yoffset := y * width
		for x := 0; x < width; x++ {
			v := b.f32[yoffset+x]
			v = (v - min) * scale
			// replace NaNs with zeros for export, else JPG output breaks
			if math.IsNaN(float64(v)) || v < 0 {
				v = 0
			}
			if v > 1 {
				v = 1
			}
			if gammaInv != 1.0 {
				v = float32(math.Pow(float64(v), gammaInv))
			}
			img.SetRGBA(x, y, ramp[int(v*float32(len(ramp)-1))])
		}
	}

	return jpeg.Encode(writer, img, &jpeg.Options{Quality: quality})
}

// Precompute the false-color lookup table by blending in the perceptually
// uniform Luv space.
func falseColorRamp(steps int) []color.RGBA {
	anchors := []colorful.Color{
		{R: 0.00, G: 0.00, B: 0.15}, // background
		{R: 0.10, G: 0.15, B: 0.55},
		{R: 0.75, G: 0.15, B: 0.10},
		{R: 0.95, G: 0.75, B: 0.10},
		{R: 1.00, G: 1.00, B: 0.85}, // saturated pixels
	}
	ramp := make([]color.RGBA, steps)
	for i := range ramp {
		pos := float64(i) / float64(steps-1) * float64(len(anchors)-1)
		seg := int(pos)
		if seg >= len(anchors)-1 {
			seg = len(anchors) - 2
		}
		c := anchors[seg].BlendLuv(anchors[seg+1], pos-float64(seg)).Clamped()
		r, g, b := c.RGB255()
		ramp[i] = color.RGBA{r, g, b, 255}
	}
	return ramp
}
