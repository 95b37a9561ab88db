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

// Package rest exposes the reduction operations over HTTP, for driving
// processing on the beamline analysis machine from the acquisition
// computer. Responses stream plain-text progress logs.
package rest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/kremeyer/DectrisTools/internal/compute"
	"github.com/kremeyer/DectrisTools/internal/det"
	"github.com/kremeyer/DectrisTools/internal/npy"
	"github.com/kremeyer/DectrisTools/internal/proc"
	"github.com/kremeyer/DectrisTools/internal/stats"
	"github.com/kremeyer/DectrisTools/web"
)

func Serve(addr string) error {
	r := gin.Default()
	r.GET("/", getIndex)
	api := r.Group("/api")
	{
		v1 := api.Group("/v1")
		{
			v1.GET("/ping", getPing)
			v1.POST("/sum", postSum)
			v1.POST("/histogram", postHistogram)
			v1.POST("/composite", postComposite)
			v1.POST("/process", postProcess)
		}
	}
	return r.Run(addr)
}

func getIndex(c *gin.Context) {
	c.Data(200, "text/html; charset=utf-8", web.IndexHTML)
}

func getPing(c *gin.Context) {
	c.JSON(200, gin.H{
		"message": "pong",
	})
}

func printArgs(logWriter io.Writer, prefix, suffix string, args interface{}) error {
	m, err := json.MarshalIndent(args, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(logWriter, "%s%s%s", prefix, string(m), suffix)
	return nil
}

// Returns true if a path is considered safe, i.e. not an absolute path,
// and doesn't contain the ".." characters to change to a parent directory
func isPathAllowed(p string) bool {
	if filepath.IsAbs(p) {
		return false
	}
	if strings.Contains(p, "..") {
		return false
	}
	return true
}

// Binds the request arguments, switches the response to a streamed
// plain-text log, and checks all referenced paths stay inside the
// working tree. Returns nil if the request was already answered.
func beginStreaming(c *gin.Context, args interface{}, pathsOf func() []string) io.Writer {
	if err := c.ShouldBind(args); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil
	}
	for _, p := range pathsOf() {
		if p != "" && !isPathAllowed(p) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "path outside current directory tree"})
			return nil
		}
	}

	logWriter := c.Writer
	logWriter.Header().Set("Content-Type", "text/plain")
	logWriter.WriteHeader(http.StatusOK)

	if err := printArgs(logWriter, "Arguments:\n", "\n", args); err != nil {
		fmt.Fprintf(logWriter, "Error printing arguments: %s\n", err.Error())
		return nil
	}
	return logWriter
}

func loadInputs(logWriter io.Writer, imagesFile, otherFile string) (images, other *det.Buffer, ok bool) {
	images, err := npy.ReadFile(imagesFile)
	if err != nil {
		fmt.Fprintf(logWriter, "Error loading %s: %s\n", imagesFile, err.Error())
		return nil, nil, false
	}
	fmt.Fprintf(logWriter, "Loaded %s %s stack from %s\n", images.DimensionsToString(), images.DType, imagesFile)
	other, err = npy.ReadFile(otherFile)
	if err != nil {
		fmt.Fprintf(logWriter, "Error loading %s: %s\n", otherFile, err.Error())
		return nil, nil, false
	}
	return images, other, true
}

func finish(logWriter io.Writer, c *gin.Context, outFile string, result *det.Buffer) {
	if outFile != "" {
		if err := npy.WriteFile(outFile, result); err != nil {
			fmt.Fprintf(logWriter, "Error writing %s: %s\n", outFile, err.Error())
		} else {
			fmt.Fprintf(logWriter, "Wrote %s %s to %s\n", result.DimensionsToString(), result.DType, outFile)
		}
	}
	c.Writer.(http.Flusher).Flush()
}

type postSumArgs struct {
	ImagesFile string `json:"imagesFile"`
	MaskFile   string `json:"maskFile"`
	OutFile    string `json:"outFile"`
}

func postSum(c *gin.Context) {
	var args postSumArgs
	logWriter := beginStreaming(c, &args, func() []string { return []string{args.ImagesFile, args.MaskFile, args.OutFile} })
	if logWriter == nil {
		return
	}

	images, mask, ok := loadInputs(logWriter, args.ImagesFile, args.MaskFile)
	if !ok {
		return
	}
	sums, err := compute.MaskedSum(images, mask, compute.NewContext())
	if err != nil {
		fmt.Fprintf(logWriter, "error: %s\n", err.Error())
		return
	}
	total := uint64(0)
	for _, s := range sums.Uint64s() {
		total += s
	}
	fmt.Fprintf(logWriter, "Summed %d frames, total masked intensity %d\n", sums.Pixels, total)
	finish(logWriter, c, args.OutFile, sums)
}

type postHistogramArgs struct {
	ImagesFile string `json:"imagesFile"`
	MaskFile   string `json:"maskFile"`
	OutFile    string `json:"outFile"`
}

func postHistogram(c *gin.Context) {
	var args postHistogramArgs
	logWriter := beginStreaming(c, &args, func() []string { return []string{args.ImagesFile, args.MaskFile, args.OutFile} })
	if logWriter == nil {
		return
	}

	images, mask, ok := loadInputs(logWriter, args.ImagesFile, args.MaskFile)
	if !ok {
		return
	}
	histo, err := compute.MaskedHistogram(images, mask, compute.NewContext())
	if err != nil {
		fmt.Fprintf(logWriter, "error: %s\n", err.Error())
		return
	}
	peak, count := stats.Peak(histo.Uint64s())
	fmt.Fprintf(logWriter, "Histogram peak at %d counts (%d pixels)\n", peak, count)
	if mode, sigma, err := stats.ModeStdDevFromHistogram(histo.Uint64s()); err == nil {
		fmt.Fprintf(logWriter, "Fitted background %.2f noise %.2f counts\n", mode, sigma)
	}
	finish(logWriter, c, args.OutFile, histo)
}

type postCompositeArgs struct {
	ImagesFile string  `json:"imagesFile"`
	NormFile   string  `json:"normFile"`
	OutFile    string  `json:"outFile"`
	JpgFile    string  `json:"jpgFile"`
	TiffFile   string  `json:"tiffFile"`
	Gamma      float32 `json:"gamma"`
}

func postComposite(c *gin.Context) {
	var args postCompositeArgs
	logWriter := beginStreaming(c, &args, func() []string {
		return []string{args.ImagesFile, args.NormFile, args.OutFile, args.JpgFile, args.TiffFile}
	})
	if logWriter == nil {
		return
	}
	if args.Gamma == 0 {
		args.Gamma = 1
	}

	images, normValues, ok := loadInputs(logWriter, args.ImagesFile, args.NormFile)
	if !ok {
		return
	}
	composite, err := compute.NormalizedSum(images, normValues, compute.NewContext())
	if err != nil {
		fmt.Fprintf(logWriter, "error: %s\n", err.Error())
		return
	}

	min, max := minMax(composite.Float32s())
	fmt.Fprintf(logWriter, "Composite range [%g, %g]\n", min, max)
	if args.JpgFile != "" {
		if err := composite.WriteFalseColorJPGToFile(args.JpgFile, min, max, args.Gamma, 95); err != nil {
			fmt.Fprintf(logWriter, "Error writing %s: %s\n", args.JpgFile, err.Error())
		}
	}
	if args.TiffFile != "" {
		if err := composite.WriteMonoTIFF16ToFile(args.TiffFile, min, max, args.Gamma); err != nil {
			fmt.Fprintf(logWriter, "Error writing %s: %s\n", args.TiffFile, err.Error())
		}
	}
	finish(logWriter, c, args.OutFile, composite)
}

func minMax(data []float32) (min, max float32) {
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

type postProcessArgs struct {
	FilePatterns   []string `json:"filePatterns"`
	MaskFile       string   `json:"maskFile"`
	DiscardEnds    bool     `json:"discardEnds"`
	IgnoreExisting bool     `json:"ignoreExisting"`
	MaxWorkers     int      `json:"maxWorkers"`
}

func postProcess(c *gin.Context) {
	var args postProcessArgs
	logWriter := beginStreaming(c, &args, func() []string { return []string{args.MaskFile} })
	if logWriter == nil {
		return
	}

	var mask *det.Buffer
	if args.MaskFile != "" {
		var err error
		if mask, err = npy.ReadFile(args.MaskFile); err != nil {
			fmt.Fprintf(logWriter, "Error loading mask: %s\n", err.Error())
			return
		}
	}

	files := []string{}
	for _, pattern := range args.FilePatterns {
		if !isPathAllowed(pattern) {
			fmt.Fprintf(logWriter, "Pattern outside current directory tree, skipping\n")
			continue
		}
		matches, err := proc.ExpandPatterns([]string{pattern})
		if err != nil {
			fmt.Fprintf(logWriter, "%s\n", err.Error())
			continue
		}
		files = append(files, matches...)
	}
	if len(files) == 0 {
		fmt.Fprintf(logWriter, "No files to process\n")
		return
	}

	p := proc.NewProcessor(proc.Options{
		Mask:           mask,
		DiscardEnds:    args.DiscardEnds,
		IgnoreExisting: args.IgnoreExisting,
		MaxWorkers:     args.MaxWorkers,
	}, logWriter)
	p.Run(files)
	c.Writer.(http.Flusher).Flush()
}
