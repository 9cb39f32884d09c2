package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/lumatools/rawexr"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	switch os.Args[1] {
	case "convert":
		if err := runConvert(os.Args[2:]); err != nil {
			fail(err)
		}
	case "probe":
		if err := runProbe(os.Args[2:]); err != nil {
			fail(err)
		}
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: rawexr <command> [args]")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  convert -in input.dng -out output.exr [-preset normal] [-colorspace sRGB-linear]")
	fmt.Fprintln(os.Stderr, "          [-whitebalance camera] [-exposure 2.6] [-compression zip] [-overwrite]")
	fmt.Fprintln(os.Stderr, "          [-hdr] [-proof proof.jpg] [-exiftool path] [-v]")
	fmt.Fprintln(os.Stderr, "          -in may be a directory; every .dng inside is converted.")
	fmt.Fprintln(os.Stderr, "          -out may contain the tokens {input_filestem},{colorspace},{preset},{whitebalance}.")
	fmt.Fprintln(os.Stderr, "  probe   -in input.dng [-exiftool path]")
	fmt.Fprintln(os.Stderr, "Presets:     "+strings.Join(rawexr.PresetNames(), ", "))
	fmt.Fprintln(os.Stderr, "Colorspaces: "+rawexr.ColorspaceNative+", "+strings.Join(rawexr.AvailableColorspaces(), ", "))
}

func runConvert(args []string) error {
	fs := flag.NewFlagSet("convert", flag.ContinueOnError)
	inPath := fs.String("in", "", "input raw file or directory")
	outPath := fs.String("out", "", "output EXR path, may contain tokens")
	preset := fs.String("preset", rawexr.DefaultPreset, "conversion preset")
	colorspace := fs.String("colorspace", "", "target colorspace, "+rawexr.ColorspaceNative+" to skip the transform")
	whitebalance := fs.String("whitebalance", "", "white balance: camera, daylight, auto or e.g. 5600K")
	exposure := fs.Float64("exposure", 2.6, "exposure shift in stops, 0 for none")
	compression := fs.String("compression", "", "override preset compression, name[:amount]")
	overwrite := fs.Bool("overwrite", false, "overwrite existing destination files")
	hdr := fs.Bool("hdr", false, "merge a simulated exposure stack")
	proof := fs.String("proof", "", "additionally write an 8-bit sRGB proof JPEG")
	proofEdge := fs.Int("proof-edge", 2048, "bound the proof's longer edge, 0 for full size")
	exiftool := fs.String("exiftool", "", "path to the exiftool executable (default: EXIFTOOL env, then PATH)")
	workers := fs.Int("workers", 0, "exposure stack decode concurrency, 0 for GOMAXPROCS")
	verbose := fs.Bool("v", false, "verbose logging")
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *inPath == "" || *outPath == "" {
		return errors.New("missing required arguments")
	}

	log, err := newLogger(*verbose)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	conv := &rawexr.Converter{
		Log:     log,
		Meta:    &rawexr.ExifTool{Path: *exiftool},
		Workers: *workers,
	}
	req := rawexr.ConvertRequest{
		DestPath:      *outPath,
		Preset:        *preset,
		Colorspace:    *colorspace,
		WhiteBalance:  *whitebalance,
		ExposureStops: *exposure,
		Compression:   *compression,
		Overwrite:     *overwrite,
		HDR:           *hdr,
		ProofPath:     *proof,
		ProofMaxEdge:  *proofEdge,
	}

	info, err := os.Stat(*inPath)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		req.SourcePath = *inPath
		res, err := conv.Convert(context.Background(), req)
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, res.DestPath)
		return nil
	}

	return convertDir(conv, req, *inPath)
}

// convertDir converts every raw file in dir, continuing past per-file
// failures and reporting an aggregate error at the end.
func convertDir(conv *rawexr.Converter, base rawexr.ConvertRequest, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.EqualFold(filepath.Ext(e.Name()), ".dng") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if len(names) == 0 {
		return fmt.Errorf("no raw files found in %s", dir)
	}

	failed := 0
	for _, name := range names {
		req := base
		req.SourcePath = filepath.Join(dir, name)
		res, err := conv.Convert(context.Background(), req)
		if err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "error: %s: %v\n", req.SourcePath, err)
			continue
		}
		fmt.Fprintln(os.Stdout, res.DestPath)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(names))
	}
	return nil
}

func runProbe(args []string) error {
	fs := flag.NewFlagSet("probe", flag.ContinueOnError)
	inPath := fs.String("in", "", "input raw file")
	exiftool := fs.String("exiftool", "", "path to the exiftool executable")
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *inPath == "" {
		return errors.New("missing required arguments")
	}

	session, err := rawexr.OpenSession(*inPath)
	if err != nil {
		return err
	}
	defer session.Close()

	cal, err := session.Calibration()
	if err != nil {
		return err
	}
	for key, value := range sorted(rawexr.MergeCalibration(cal)) {
		fmt.Fprintf(os.Stdout, "%s = %s\n", key, value)
	}

	tool := &rawexr.ExifTool{Path: *exiftool}
	groups, err := tool.ReadImageMetadata(context.Background(), *inPath)
	if err != nil {
		// Calibration alone is still useful when exiftool is absent.
		fmt.Fprintln(os.Stderr, "warning:", err)
		return nil
	}
	for group, tags := range sorted2(groups) {
		for tag, value := range sorted(tags) {
			fmt.Fprintf(os.Stdout, "%s:%s = %s\n", group, tag, value)
		}
	}
	return nil
}

func sorted(m map[string]string) func(func(string, string) bool) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return func(yield func(string, string) bool) {
		for _, k := range keys {
			if !yield(k, m[k]) {
				return
			}
		}
	}
}

func sorted2(m map[string]map[string]string) func(func(string, map[string]string) bool) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return func(yield func(string, map[string]string) bool) {
		for _, k := range keys {
			if !yield(k, m[k]) {
				return
			}
		}
	}
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.DisableCaller = true
	cfg.DisableStacktrace = true
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
