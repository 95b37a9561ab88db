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

package proc

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/kremeyer/DectrisTools/internal/det"
	"github.com/kremeyer/DectrisTools/internal/npy"
)

func TestSplitAlternating(t *testing.T) {
	data := make([]uint16, 5*2*2)
	for i := range data {
		data[i] = uint16(i / 4) // frame index as pixel value
	}
	images := det.NewUint16([]int32{5, 2, 2}, data)

	even, odd := splitAlternating(images)
	if even.Dims[0] != 3 || odd.Dims[0] != 2 {
		t.Fatalf("split frames=%d/%d; want 3/2", even.Dims[0], odd.Dims[0])
	}
	for i, want := range []uint16{0, 2, 4} {
		if got := even.Uint16s()[i*4]; got != want {
			t.Errorf("even frame %d=%d; want %d", i, got, want)
		}
	}
	for i, want := range []uint16{1, 3} {
		if got := odd.Uint16s()[i*4]; got != want {
			t.Errorf("odd frame %d=%d; want %d", i, got, want)
		}
	}
}

func TestDropEndFrames(t *testing.T) {
	data := make([]uint16, 4*1*2)
	for i := range data {
		data[i] = uint16(i / 2)
	}
	images := det.NewUint16([]int32{4, 1, 2}, data)

	trimmed := dropEndFrames(images)
	if trimmed.Dims[0] != 2 {
		t.Fatalf("frames=%d; want 2", trimmed.Dims[0])
	}
	if trimmed.Uint16s()[0] != 1 || trimmed.Uint16s()[2] != 2 {
		t.Errorf("frames=%v; want values 1 and 2", trimmed.Uint16s())
	}
}

func TestBorderMask(t *testing.T) {
	mask := BorderMask(20, 20)
	if mask.Uint16s()[0] != 1 {
		t.Error("corner pixel not in border mask")
	}
	if mask.Uint16s()[10*20+10] != 0 {
		t.Error("center pixel in border mask")
	}
	if mask.Uint16s()[7*20+10] != 1 || mask.Uint16s()[8*20+10] != 0 {
		t.Error("border mask edge misplaced")
	}
}

func TestHasBrokenImages(t *testing.T) {
	images := det.NewUint16([]int32{2, 4, 4}, nil)
	mask := OnesMask(4, 4)
	if broken, _ := hasBrokenImages(images, mask); broken {
		t.Error("clean stack reported broken")
	}

	// saturate the sampled column in both frames
	col := int32(2) // brokenCheckColumn falls back to width/2
	for i := int32(0); i < 2; i++ {
		for j := int32(0); j < 4; j++ {
			images.Uint16s()[(i*4+j)*4+col] = 65535
		}
	}
	broken, count := hasBrokenImages(images, mask)
	if !broken || count != 8 {
		t.Errorf("broken=%v count=%d; want true 8", broken, count)
	}

	// masked-out pixels must not count
	for i := range mask.Uint16s() {
		mask.Uint16s()[i] = 0
	}
	if broken, _ := hasBrokenImages(images, mask); broken {
		t.Error("fully masked stack reported broken")
	}
}

// synthetic dataset: even frames are pump-on at 10 counts, odd frames
// pump-off at 1 count
func writeTestDataset(t *testing.T, dir, name string) string {
	t.Helper()
	frames, height, width := int32(4), int32(4), int32(4)
	data := make([]uint16, frames*height*width)
	for i := int32(0); i < frames; i++ {
		v := uint16(10)
		if i%2 == 1 {
			v = 1
		}
		for p := int32(0); p < height*width; p++ {
			data[i*height*width+p] = v
		}
	}
	file := filepath.Join(dir, name)
	if err := npy.WriteFile(file, det.NewUint16([]int32{frames, height, width}, data)); err != nil {
		t.Fatalf("writing dataset: %s", err.Error())
	}
	return file
}

func TestProcessFile(t *testing.T) {
	dir := t.TempDir()
	file := writeTestDataset(t, dir, "scan_pumpon.npy")

	p := NewProcessor(Options{}, io.Discard)
	res := p.ProcessFile(file)
	if res.Err != nil {
		t.Fatalf("process: %s", res.Err.Error())
	}
	if res.Skipped {
		t.Fatal("dataset skipped")
	}
	if res.Confidence != 10 {
		t.Errorf("confidence=%f; want 10", res.Confidence)
	}
	// confidence 10 is below the threshold of 100
	found := false
	for _, w := range res.Warnings {
		if w.Kind == Undistinguishable {
			found = true
		}
	}
	if !found {
		t.Error("missing low-confidence warning")
	}

	outDir := filepath.Join(dir, "scan_pumpon_processed")
	pumpOn, err := npy.ReadFile(filepath.Join(outDir, "pump_on.npy"))
	if err != nil {
		t.Fatalf("reading pump_on.npy: %s", err.Error())
	}
	if pumpOn.Float32s()[0] != 10 {
		t.Errorf("pump_on mean=%f; want 10", pumpOn.Float32s()[0])
	}
	diff, err := npy.ReadFile(filepath.Join(outDir, "difference.npy"))
	if err != nil {
		t.Fatalf("reading difference.npy: %s", err.Error())
	}
	if diff.Float32s()[0] != 9 {
		t.Errorf("difference=%f; want 9", diff.Float32s()[0])
	}
	intensities, err := npy.ReadFile(filepath.Join(outDir, "pump_off_sum_intensities.npy"))
	if err != nil {
		t.Fatalf("reading intensities: %s", err.Error())
	}
	if intensities.Uint64s()[0] != 16 { // 4x4 pixels at 1 count
		t.Errorf("pump_off intensity=%d; want 16", intensities.Uint64s()[0])
	}
	histo, err := npy.ReadFile(filepath.Join(outDir, "histogram_pump_on.npy"))
	if err != nil {
		t.Fatalf("reading histogram: %s", err.Error())
	}
	if histo.Uint64s()[10] != 32 { // 2 frames x 16 pixels at 10 counts
		t.Errorf("histogram bin 10=%d; want 32", histo.Uint64s()[10])
	}

	// second run must skip the processed dataset
	res = p.ProcessFile(file)
	if !res.Skipped || len(res.Warnings) != 1 || res.Warnings[0].Kind != AlreadyProcessed {
		t.Errorf("rerun result=%+v; want AlreadyProcessed skip", res)
	}
}

func TestProcessFileBrokenDataset(t *testing.T) {
	dir := t.TempDir()
	frames, height, width := int32(2), int32(4), int32(4)
	data := make([]uint16, frames*height*width)
	for i := int32(0); i < frames; i++ {
		for j := int32(0); j < height; j++ {
			data[(i*height+j)*width+2] = 65535 // stuck column
		}
	}
	file := filepath.Join(dir, "broken.npy")
	if err := npy.WriteFile(file, det.NewUint16([]int32{frames, height, width}, data)); err != nil {
		t.Fatalf("writing dataset: %s", err.Error())
	}

	p := NewProcessor(Options{}, io.Discard)
	res := p.ProcessFile(file)
	if res.Err != nil {
		t.Fatalf("process: %s", res.Err.Error())
	}
	if !res.Skipped {
		t.Fatal("broken dataset not skipped")
	}
	if len(res.Warnings) != 1 || res.Warnings[0].Kind != BrokenImage {
		t.Errorf("warnings=%v; want one BrokenImage", res.Warnings)
	}
	if _, err := os.Stat(filepath.Join(dir, "broken_processed")); !os.IsNotExist(err) {
		t.Error("outputs written for broken dataset")
	}
}

func TestRun(t *testing.T) {
	dir := t.TempDir()
	fileA := writeTestDataset(t, dir, "run_a_pumpon.npy")
	fileB := writeTestDataset(t, dir, "run_b_pumpon.npy")

	p := NewProcessor(Options{MaxWorkers: 2, IgnoreExisting: true}, io.Discard)
	results := p.Run([]string{fileA, fileB})
	if len(results) != 2 {
		t.Fatalf("results=%d; want 2", len(results))
	}
	for _, res := range results {
		if res.Err != nil {
			t.Errorf("%s: %s", res.File, res.Err.Error())
		}
	}
}

func TestWorkersForDatasets(t *testing.T) {
	for _, fileSize := range []uint64{0, 1, 1 << 20, 1 << 40} {
		workers := workersForDatasets(fileSize)
		if workers < 1 || workers > runtime.NumCPU() {
			t.Errorf("workersForDatasets(%d)=%d; want within [1, %d]", fileSize, workers, runtime.NumCPU())
		}
	}
}

func TestRunEmptyDataset(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "empty.npy")
	if err := os.WriteFile(file, nil, 0644); err != nil {
		t.Fatal(err)
	}

	// worker sizing derives from the first file's size; a truncated
	// dataset must fail per-file, not take down the whole run
	p := NewProcessor(Options{}, io.Discard)
	results := p.Run([]string{file})
	if len(results) != 1 {
		t.Fatalf("results=%d; want 1", len(results))
	}
	if results[0].Err == nil {
		t.Error("no error for empty dataset file")
	}
}

func TestExpandPatterns(t *testing.T) {
	dir := t.TempDir()
	writeTestDataset(t, dir, "scan_pumpon.npy")

	files, err := ExpandPatterns([]string{filepath.Join(dir, "*.npy")})
	if err != nil {
		t.Fatalf("expand: %s", err.Error())
	}
	if len(files) != 1 {
		t.Errorf("files=%d; want 1", len(files))
	}

	if _, err := ExpandPatterns([]string{filepath.Join(dir, "*.h5")}); err == nil {
		t.Error("expected error for empty pattern match")
	}
}
