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

// Package proc processes single-shot datasets: stacks of alternating
// pump-on/pump-off detector frames, one .npy stack per file. It tells the
// two halves apart via the laser reflections on the detector border,
// reduces each half with the compute kernels, and writes per-dataset
// sidecar results. Parallelism is across files only; the kernels
// themselves run single-threaded.
package proc

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/pbnjay/memory"

	"github.com/kremeyer/DectrisTools/internal/compute"
	"github.com/kremeyer/DectrisTools/internal/det"
	"github.com/kremeyer/DectrisTools/internal/npy"
	"github.com/kremeyer/DectrisTools/internal/stats"
)

// Width of the detector border carrying the pump laser reflections.
const BorderSize = 8

// Column sampled for the broken-image check.
const brokenCheckColumn = 150

// Confidence below which the pump on/off distinction is reported as
// doubtful.
const minConfidence = 100

type WarningKind int

const (
	AlreadyProcessed WarningKind = iota
	Undistinguishable
	BrokenImage
)

func (k WarningKind) String() string {
	switch k {
	case AlreadyProcessed:
		return "AlreadyProcessed"
	case Undistinguishable:
		return "Undistinguishable"
	case BrokenImage:
		return "BrokenImage"
	}
	return fmt.Sprintf("warning(%d)", int(k))
}

// A non-fatal observation made while processing one dataset.
type Warning struct {
	Kind    WarningKind
	Message string
}

// The outcome of processing one dataset file.
type Result struct {
	File       string
	Skipped    bool
	Confidence float32 // ratio of border intensities, higher is better
	Background float32 // fitted dark peak location of the pump-off half
	Noise      float32 // fitted dark peak sigma of the pump-off half
	Warnings   []Warning
	Err        error
}

type Options struct {
	Mask           *det.Buffer // uint16, one frame's dimensions; nil = all pixels
	DiscardEnds    bool        // drop the first and last frame of every stack
	IgnoreExisting bool        // reprocess datasets with existing outputs
	MaxWorkers     int         // 0 = derive from free memory and dataset size
}

// Processes single-shot dataset files with a bounded worker pool.
type Processor struct {
	opts Options
	ctx  *compute.Context

	logMutex sync.Mutex
	log      io.Writer
}

func NewProcessor(opts Options, log io.Writer) *Processor {
	return &Processor{opts: opts, ctx: compute.NewContext(), log: log}
}

func (p *Processor) logf(format string, args ...interface{}) {
	p.logMutex.Lock()
	fmt.Fprintf(p.log, format, args...)
	p.logMutex.Unlock()
}

// Expands glob patterns into a sorted file list.
func ExpandPatterns(patterns []string) (files []string, err error) {
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, err
		}
		files = append(files, matches...)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no files to process for patterns %v", patterns)
	}
	return files, nil
}

// Picks the worker count: how many datasets of the given size fit into
// free physical memory at once, at least one, at most NumCPU.
func workersForDatasets(fileSize uint64) int {
	free := memory.FreeMemory()
	if free == 0 { // not available on this platform
		return runtime.NumCPU()
	}
	if fileSize == 0 { // truncated file, sizing is meaningless
		return 1
	}
	// each worker holds the stack plus the two split halves
	workers := int(free / (3 * fileSize))
	if workers < 1 {
		workers = 1
	}
	if workers > runtime.NumCPU() {
		workers = runtime.NumCPU()
	}
	return workers
}

// Run processes all files and returns one result per file, in input
// order. Uses the semaphore pattern to bound concurrency.
func (p *Processor) Run(files []string) []Result {
	maxWorkers := p.opts.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 1
		if info, err := os.Stat(files[0]); err == nil {
			maxWorkers = workersForDatasets(uint64(info.Size()))
		}
	}
	p.logf("Processing %d datasets with %d workers\n", len(files), maxWorkers)

	results := make([]Result, len(files))
	sem := make(chan bool, maxWorkers)
	for i, file := range files {
		sem <- true
		go func(i int, file string) {
			defer func() { <-sem }()
			results[i] = p.ProcessFile(file)
			res := &results[i]
			if res.Err != nil {
				p.logf("%s: error: %s\n", file, res.Err.Error())
			} else if res.Skipped {
				p.logf("%s: skipped\n", file)
			} else {
				p.logf("%s: confidence %.1f background %.1f noise %.1f [%d%%]\n",
					file, res.Confidence, res.Background, res.Noise, 100*(i+1)/len(files))
			}
			for _, w := range res.Warnings {
				p.logf("%s: %s: %s\n", file, w.Kind, w.Message)
			}
		}(i, file)
	}
	for i := 0; i < cap(sem); i++ { // wait for goroutines to finish
		sem <- true
	}
	return results
}

// ProcessFile reduces a single dataset file and writes its sidecar
// outputs next to it.
func (p *Processor) ProcessFile(file string) (res Result) {
	res.File = file

	outDir := strings.TrimSuffix(file, filepath.Ext(file)) + "_processed"
	if _, err := os.Stat(outDir); err == nil && !p.opts.IgnoreExisting {
		res.Skipped = true
		res.Warnings = append(res.Warnings, Warning{AlreadyProcessed, outDir + " already exists"})
		return res
	}

	images, err := npy.ReadFile(file)
	if err != nil {
		res.Err = err
		return res
	}
	if images.DType != det.Uint16 || images.NDim() != 3 {
		res.Err = fmt.Errorf("expected uint16 image stack, got %s %s", images.DType, images.DimensionsToString())
		return res
	}
	if p.opts.DiscardEnds {
		images = dropEndFrames(images)
	}
	frames, height, width := images.Dims[0], images.Dims[1], images.Dims[2]
	if frames < 2 {
		res.Err = fmt.Errorf("stack of %d frames cannot be split into pump on/off", frames)
		return res
	}

	mask := p.opts.Mask
	if mask == nil {
		mask = OnesMask(height, width)
	} else if !det.EqualInt32Slice(mask.Dims, images.Dims[1:]) {
		res.Err = fmt.Errorf("mask is %s, dataset frames are %dx%d", mask.DimensionsToString(), height, width)
		return res
	}

	// rarely the detector produces frames with vertical stripes stuck at
	// 65535; one broken frame invalidates the whole dataset
	if broken, count := hasBrokenImages(images, mask); broken {
		res.Skipped = true
		res.Warnings = append(res.Warnings,
			Warning{BrokenImage, fmt.Sprintf("%d saturated pixels in column %d, dropping dataset", count, brokenCheckColumn)})
		return res
	}

	even, odd := splitAlternating(images)

	// the pump laser leaves reflections on the detector border, the
	// brighter half is pump-on
	border := BorderMask(height, width)
	evenBorder, err := borderIntensity(even, border, p.ctx)
	if err != nil {
		res.Err = err
		return res
	}
	oddBorder, err := borderIntensity(odd, border, p.ctx)
	if err != nil {
		res.Err = err
		return res
	}

	pumpOn, pumpOff := even, odd
	res.Confidence = ratio(evenBorder, oddBorder)
	if oddBorder > evenBorder {
		pumpOn, pumpOff = odd, even
		res.Confidence = ratio(oddBorder, evenBorder)
	}
	if res.Confidence < minConfidence {
		res.Warnings = append(res.Warnings,
			Warning{Undistinguishable, fmt.Sprintf("low confidence %.2f in pump on/off distinction", res.Confidence)})
	}

	out, err := p.reduce(pumpOn, pumpOff, mask)
	if err != nil {
		res.Err = err
		return res
	}
	out["confidence.npy"] = det.NewFloat32([]int32{1}, []float32{res.Confidence})

	// background statistics from the pump-off histogram
	if mode, sigma, err := stats.ModeStdDevFromHistogram(out["histogram_pump_off.npy"].Uint64s()); err == nil {
		res.Background, res.Noise = mode, sigma
	}

	if err := writeOutputs(outDir, out); err != nil {
		res.Err = err
	}
	return res
}

// Reduces the two stack halves into the sidecar result buffers.
func (p *Processor) reduce(pumpOn, pumpOff, mask *det.Buffer) (map[string]*det.Buffer, error) {
	out := map[string]*det.Buffer{}
	for name, stack := range map[string]*det.Buffer{"pump_on": pumpOn, "pump_off": pumpOff} {
		mean, err := meanImage(stack, p.ctx)
		if err != nil {
			return nil, err
		}
		out[name+".npy"] = mean

		intensities, err := compute.MaskedSum(stack, mask, p.ctx)
		if err != nil {
			return nil, err
		}
		out[name+"_sum_intensities.npy"] = intensities

		histo, err := compute.MaskedHistogram(stack, mask, p.ctx)
		if err != nil {
			return nil, err
		}
		out["histogram_"+name+".npy"] = histo
	}

	diff := det.NewFloat32(pumpOn.Dims[1:], nil)
	on, off := out["pump_on.npy"].Float32s(), out["pump_off.npy"].Float32s()
	for i := range diff.Float32s() {
		diff.Float32s()[i] = on[i] - off[i]
	}
	out["difference.npy"] = diff
	return out, nil
}

func writeOutputs(outDir string, out map[string]*det.Buffer) error {
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return err
	}
	for name, b := range out {
		if err := npy.WriteFile(filepath.Join(outDir, name), b); err != nil {
			return err
		}
	}
	return nil
}

// The mean image over all frames equals the normalized sum with every
// frame's divisor set to the frame count.
func meanImage(stack *det.Buffer, c *compute.Context) (*det.Buffer, error) {
	norms := make([]float32, stack.Dims[0])
	for i := range norms {
		norms[i] = float32(stack.Dims[0])
	}
	return compute.NormalizedSum(stack, det.NewFloat32([]int32{stack.Dims[0]}, norms), c)
}

// Total intensity on the detector border across all frames.
func borderIntensity(stack, border *det.Buffer, c *compute.Context) (float64, error) {
	sums, err := compute.MaskedSum(stack, border, c)
	if err != nil {
		return 0, err
	}
	total := uint64(0)
	for _, s := range sums.Uint64s() {
		total += s
	}
	return float64(total), nil
}

func ratio(big, small float64) float32 {
	if small < 1e-10 {
		small = 1e-10
	}
	return float32(big / small)
}

// Returns a copy of the stack without its first and last frame.
func dropEndFrames(images *det.Buffer) *det.Buffer {
	frames, height, width := images.Dims[0], images.Dims[1], images.Dims[2]
	if frames <= 2 {
		return images
	}
	frameSize := height * width
	data := append([]uint16(nil), images.Uint16s()[frameSize:(frames-1)*frameSize]...)
	return det.NewUint16([]int32{frames - 2, height, width}, data)
}

// Splits a stack into the even-indexed and odd-indexed frames.
func splitAlternating(images *det.Buffer) (even, odd *det.Buffer) {
	frames, height, width := images.Dims[0], images.Dims[1], images.Dims[2]
	frameSize := height * width
	nEven := (frames + 1) / 2
	nOdd := frames / 2
	even = det.NewUint16([]int32{nEven, height, width}, nil)
	odd = det.NewUint16([]int32{nOdd, height, width}, nil)
	for i := int32(0); i < frames; i++ {
		src := images.Uint16s()[i*frameSize : (i+1)*frameSize]
		if i%2 == 0 {
			copy(even.Uint16s()[(i/2)*frameSize:], src)
		} else {
			copy(odd.Uint16s()[(i/2)*frameSize:], src)
		}
	}
	return even, odd
}

// Checks the sample column of every frame for pixels stuck at 65535.
// More than three masked-in hits condemn the dataset.
func hasBrokenImages(images, mask *det.Buffer) (broken bool, count int) {
	frames, height, width := images.Dims[0], images.Dims[1], images.Dims[2]
	col := int32(brokenCheckColumn)
	if col >= width {
		col = width / 2
	}
	for i := int32(0); i < frames; i++ {
		for j := int32(0); j < height; j++ {
			if mask.Uint16s()[j*width+col] == 0 {
				continue
			}
			if images.Uint16s()[(i*height+j)*width+col] == 65535 {
				count++
			}
		}
	}
	return count > 3, count
}

// OnesMask returns a mask selecting every pixel.
func OnesMask(height, width int32) *det.Buffer {
	mask := det.NewUint16([]int32{height, width}, nil)
	for i := range mask.Uint16s() {
		mask.Uint16s()[i] = 1
	}
	return mask
}

// BorderMask returns a mask selecting only the outermost BorderSize
// pixels of a frame, where the pump laser reflections land.
func BorderMask(height, width int32) *det.Buffer {
	mask := OnesMask(height, width)
	for j := int32(BorderSize); j < height-BorderSize; j++ {
		for k := int32(BorderSize); k < width-BorderSize; k++ {
			mask.Uint16s()[j*width+k] = 0
		}
	}
	return mask
}
