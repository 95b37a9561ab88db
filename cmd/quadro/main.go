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

package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/klauspost/cpuid"
	"github.com/pbnjay/memory"

	"github.com/kremeyer/DectrisTools/internal/compute"
	"github.com/kremeyer/DectrisTools/internal/det"
	"github.com/kremeyer/DectrisTools/internal/npy"
	"github.com/kremeyer/DectrisTools/internal/proc"
	"github.com/kremeyer/DectrisTools/internal/rest"
	"github.com/kremeyer/DectrisTools/internal/stats"
)

const version = "0.3.0"

var cpuprofile = flag.String("cpuprofile", "", "write cpu profile to `file`")
var memprofile = flag.String("memprofile", "", "write memory profile to `file`")

var out = flag.String("out", "", "save result to .npy `file`")
var jpg = flag.String("jpg", "%auto", "save false-color preview of 2d results as JPEG to `file`. `%auto` replaces suffix of output file with .jpg")
var tif = flag.String("tiff", "", "save 16-bit grayscale TIFF of 2d results to `file`")
var log = flag.String("log", "%auto", "save log output to `file`. `%auto` replaces suffix of output file with .log")
var gamma = flag.Float64("gamma", 1, "apply preview gamma, 1: keep linear data")

var maskFile = flag.String("mask", "", "apply detector mask from .npy `file` (uint16, nonzero=pixel included)")
var normFile = flag.String("norm", "", "per-frame normalization values from .npy `file` (float32, one per frame)")

var discardEnds = flag.Bool("discardEnds", true, "drop the first and last frame of every dataset before processing")
var overwrite = flag.Bool("overwrite", false, "reprocess datasets whose outputs already exist")
var workers = flag.Int("workers", 0, "number of parallel dataset workers, 0=derive from free memory")

var httpAddr = flag.String("http", ":8080", "address to serve the REST API on")
var chroot = flag.String("chroot", "", "directory to chroot into before serving (requires root)")
var setuid = flag.Int("setuid", -1, "user id to switch to before serving, -1=no change")

func main() {
	debug.SetGCPercent(10)
	start := time.Now()
	flag.Usage = func() {
		fmt.Fprintf(logWriter, `Quadro detector tools Copyright (c) 2021 Laurenz Kremeyer
This program comes with ABSOLUTELY NO WARRANTY.
This is free software, and you are welcome to redistribute it under certain conditions.
Refer to https://www.gnu.org/licenses/gpl-3.0.en.html for details.

Usage: %s [-flag value] (sum|histogram|normstack|composite|process|serve) (data0.npy ... datan.npy)

Commands:
  sum       Per-frame masked intensity sums of an image stack
  histogram Masked pixel-value histogram of an image stack
  normstack Per-frame normalized copy of an image stack
  composite Normalized sum of all frames into one image
  process   Process single-shot pump-probe datasets
  serve     Serve the REST API
  version   Show version information

Flags:
`, os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	// Initialize logging to file in addition to stdout, if selected
	if *log == "%auto" {
		if *out != "" {
			*log = strings.TrimSuffix(*out, filepath.Ext(*out)) + ".log"
		} else {
			*log = ""
		}
	}
	if *log != "" {
		if err := logAlsoToFile(*log); err != nil {
			logFatalf("Unable to open logfile '%s'\n", *log)
		}
	}

	// Also auto-select JPEG output target
	if *jpg == "%auto" {
		if *out != "" {
			*jpg = strings.TrimSuffix(*out, filepath.Ext(*out)) + ".jpg"
		} else {
			*jpg = ""
		}
	}

	// Enable CPU profiling if flagged
	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			logFatalf("Could not create CPU profile: %s\n", err.Error())
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			logFatalf("Could not start CPU profile: %s\n", err.Error())
		}
		defer pprof.StopCPUProfile()
	}

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		return
	}

	var err error
	switch args[0] {
	case "sum", "histogram", "normstack", "composite", "process":
		fmt.Fprintf(logWriter, "Running on %s with %d cores and %d MiB physical memory\n",
			cpuid.CPU.BrandName, runtime.NumCPU(), memory.TotalMemory()/1024/1024)
	}

	switch args[0] {
	case "sum":
		err = cmdSum(args[1:])

	case "histogram":
		err = cmdHistogram(args[1:])

	case "normstack":
		err = cmdNormStack(args[1:])

	case "composite":
		err = cmdComposite(args[1:])

	case "process":
		err = cmdProcess(args[1:])

	case "serve":
		rest.MakeSandbox(*chroot, *setuid)
		err = rest.Serve(*httpAddr)

	case "version":
		fmt.Fprintf(logWriter, "Version %s\n", version)

	case "help", "?":
		flag.Usage()

	default:
		fmt.Fprintf(logWriter, "Unknown command '%s'\n\n", args[0])
		flag.Usage()
		return
	}

	elapsed := time.Now().Sub(start)
	fmt.Fprintf(logWriter, "\nDone after %v\n", elapsed)

	// Store memory profile if flagged
	if *memprofile != "" {
		f, err := os.Create(*memprofile)
		if err != nil {
			logFatalf("Could not create memory profile: %s\n", err.Error())
		}
		defer f.Close()
		runtime.GC() // get up-to-date statistics
		if err := pprof.Lookup("allocs").WriteTo(f, 0); err != nil {
			logFatalf("Could not write allocation profile: %s\n", err.Error())
		}
	}

	if err != nil {
		fmt.Fprintf(logWriter, "Error: %s\n", err.Error())
		logSync()
		os.Exit(-1)
	}
	logSync()
}

// Loads the one image stack a reduction command operates on.
func loadSingleStack(args []string) (*det.Buffer, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("expected exactly one image stack, got %d arguments", len(args))
	}
	images, err := npy.ReadFile(args[0])
	if err != nil {
		return nil, err
	}
	if images.NDim() != 3 {
		return nil, fmt.Errorf("%s: expected a 3d image stack, got %s", args[0], images.DimensionsToString())
	}
	fmt.Fprintf(logWriter, "Loaded %s %s stack from %s\n", images.DimensionsToString(), images.DType, args[0])
	return images, nil
}

// Loads the detector mask, or selects every pixel if no mask is given.
func loadMask(images *det.Buffer) (*det.Buffer, error) {
	if *maskFile == "" {
		return proc.OnesMask(images.Dims[1], images.Dims[2]), nil
	}
	mask, err := npy.ReadFile(*maskFile)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(logWriter, "Loaded %s mask from %s\n", mask.DimensionsToString(), *maskFile)
	return mask, nil
}

// Loads per-frame normalization values, or defaults to no rescaling.
func loadNormValues(images *det.Buffer) (*det.Buffer, error) {
	if *normFile == "" {
		norms := make([]float32, images.Dims[0])
		for i := range norms {
			norms[i] = 1
		}
		return det.NewFloat32([]int32{images.Dims[0]}, norms), nil
	}
	normValues, err := npy.ReadFile(*normFile)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(logWriter, "Loaded %d normalization values from %s\n", normValues.Pixels, *normFile)
	return normValues, nil
}

func saveResult(result *det.Buffer) error {
	if *out != "" {
		if err := npy.WriteFile(*out, result); err != nil {
			return err
		}
		fmt.Fprintf(logWriter, "Wrote %s %s to %s\n", result.DimensionsToString(), result.DType, *out)
	}
	if result.DType == det.Float32 && result.NDim() == 2 {
		min, max := minMaxFloat32(result.Float32s())
		if *jpg != "" {
			if err := result.WriteFalseColorJPGToFile(*jpg, min, max, float32(*gamma), 95); err != nil {
				return err
			}
			fmt.Fprintf(logWriter, "Wrote preview JPEG to %s\n", *jpg)
		}
		if *tif != "" {
			if err := result.WriteMonoTIFF16ToFile(*tif, min, max, float32(*gamma)); err != nil {
				return err
			}
			fmt.Fprintf(logWriter, "Wrote 16-bit TIFF to %s\n", *tif)
		}
	}
	return nil
}

func minMaxFloat32(data []float32) (min, max float32) {
	if len(data) == 0 {
		return 0, 0
	}
	min, max = data[0], data[0]
	for _, v := range data {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return min, max
}

func cmdSum(args []string) error {
	images, err := loadSingleStack(args)
	if err != nil {
		return err
	}
	mask, err := loadMask(images)
	if err != nil {
		return err
	}
	sums, err := compute.MaskedSum(images, mask, compute.NewContext())
	if err != nil {
		return err
	}
	total := uint64(0)
	for _, s := range sums.Uint64s() {
		total += s
	}
	fmt.Fprintf(logWriter, "Summed %d frames, total masked intensity %d\n", sums.Pixels, total)
	return saveResult(sums)
}

func cmdHistogram(args []string) error {
	images, err := loadSingleStack(args)
	if err != nil {
		return err
	}
	mask, err := loadMask(images)
	if err != nil {
		return err
	}
	histo, err := compute.MaskedHistogram(images, mask, compute.NewContext())
	if err != nil {
		return err
	}
	peak, count := stats.Peak(histo.Uint64s())
	fmt.Fprintf(logWriter, "Counted %d pixels, histogram peak at %d counts (%d pixels)\n",
		stats.Total(histo.Uint64s()), peak, count)
	if mode, sigma, err := stats.ModeStdDevFromHistogram(histo.Uint64s()); err == nil {
		fmt.Fprintf(logWriter, "Fitted background %.2f noise %.2f counts\n", mode, sigma)
	}
	return saveResult(histo)
}

func cmdNormStack(args []string) error {
	images, err := loadSingleStack(args)
	if err != nil {
		return err
	}
	normValues, err := loadNormValues(images)
	if err != nil {
		return err
	}
	normed, err := compute.NormalizedStack(images, normValues, compute.NewContext())
	if err != nil {
		return err
	}
	return saveResult(normed)
}

func cmdComposite(args []string) error {
	images, err := loadSingleStack(args)
	if err != nil {
		return err
	}
	normValues, err := loadNormValues(images)
	if err != nil {
		return err
	}
	composite, err := compute.NormalizedSum(images, normValues, compute.NewContext())
	if err != nil {
		return err
	}
	min, max := minMaxFloat32(composite.Float32s())
	fmt.Fprintf(logWriter, "Composite range [%g, %g]\n", min, max)
	return saveResult(composite)
}

func cmdProcess(args []string) error {
	files, err := proc.ExpandPatterns(args)
	if err != nil {
		return err
	}

	var mask *det.Buffer
	if *maskFile != "" {
		if mask, err = npy.ReadFile(*maskFile); err != nil {
			return err
		}
		fmt.Fprintf(logWriter, "Loaded %s mask from %s\n", mask.DimensionsToString(), *maskFile)
	}

	p := proc.NewProcessor(proc.Options{
		Mask:           mask,
		DiscardEnds:    *discardEnds,
		IgnoreExisting: *overwrite,
		MaxWorkers:     *workers,
	}, logWriter)
	results := p.Run(files)

	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d datasets failed", failed, len(results))
	}
	return nil
}
