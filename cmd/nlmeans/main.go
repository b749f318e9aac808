// Command nlmeans denoises an image with the non-local means filter, or
// serves the filter over HTTP.
//
//	nlmeans -in noisy.png -out clean.png -s 3
//	nlmeans -in clean.png -addnoise 0.05 -out clean_denoised.png -report
//	nlmeans -serve :8080
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"

	"github.com/gogpu/nlmeans"
	"github.com/gogpu/nlmeans/backend"
	_ "github.com/gogpu/nlmeans/backend/native"
	_ "github.com/gogpu/nlmeans/backend/software"
	"github.com/gogpu/nlmeans/frame"
	"github.com/gogpu/nlmeans/gpucore"
	"github.com/gogpu/nlmeans/internal/quality"
	"github.com/gogpu/nlmeans/internal/server"
)

func main() {
	def := nlmeans.DefaultOptions()
	var (
		input    = flag.String("in", "", "input image (png, jpeg, tiff, bmp)")
		output   = flag.String("out", "denoised.png", "output image")
		optStr   = flag.String("opts", "", `option string, e.g. "r=15:p=7:s=2:t=36:s2=4"`)
		radius   = flag.Int("r", def.Radius, "research window size (odd, 0-99)")
		patch    = flag.Int("p", def.Patch, "patch size (odd, 0-99)")
		strength = flag.Float64("s", def.Strength, "denoise strength (1-100)")
		threads  = flag.Int("t", def.Parallelism, "offset batches in flight (1-168)")
		dev      = flag.String("backend", "", "backend name (default: best available)")
		budget   = flag.Uint64("budget", 0, "scratch buffer budget in bytes (0: a quarter of RAM)")
		sigma    = flag.Float64("addnoise", 0, "add Gaussian noise of this sigma before denoising")
		seed     = flag.Uint("seed", 1, "noise seed")
		report   = flag.Bool("report", false, "print noise statistics and PSNR")
		serve    = flag.String("serve", "", "serve HTTP on this address instead of processing -in")
		verbose  = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	nlmeans.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	opts, err := options(*optStr, *radius, *patch, *strength, *threads)
	if err != nil {
		log.Fatal(err)
	}

	d, name, err := openDevice(*dev)
	if err != nil {
		log.Fatalf("open device: %v", err)
	}
	defer d.Close()
	log.Printf("backend %s: %s", name, d.Name())

	if *serve != "" {
		s := server.New(d, opts, nlmeans.WithPoolBudget(*budget))
		if err := s.Run(*serve); err != nil {
			log.Fatal(err)
		}
		return
	}
	if *input == "" {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := denoise(ctx, d, opts, *budget, *input, *output, *sigma, uint32(*seed), *report); err != nil {
		log.Fatal(err)
	}
	log.Printf("saved %s", *output)
}

// options applies the individual flags that were set on top of -opts.
func options(s string, r, p int, str float64, t int) (nlmeans.Options, error) {
	opts, err := nlmeans.ParseOptions(s)
	if err != nil {
		return opts, err
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "r":
			opts.Radius = r
		case "p":
			opts.Patch = p
		case "s":
			opts.Strength = str
		case "t":
			opts.Parallelism = t
		}
	})
	return opts, opts.Validate()
}

func openDevice(name string) (gpucore.Device, string, error) {
	if name == "" {
		return backend.Default()
	}
	d, err := backend.Open(name)
	return d, name, err
}

func denoise(ctx context.Context, d gpucore.Device, opts nlmeans.Options, budget uint64,
	input, output string, sigma float64, seed uint32, report bool) error {
	in, err := readFrame(input)
	if err != nil {
		return err
	}
	var clean *frame.Frame
	if sigma > 0 {
		clean = in.Clone()
		quality.AddNoise(in, sigma, seed)
	}
	if report {
		printStats("input", in)
	}

	f, err := nlmeans.New(d, opts, nlmeans.WithPoolBudget(budget))
	if err != nil {
		return err
	}
	defer f.Close()

	// Process releases in; keep a copy for the PSNR of the noisy input.
	var noisy *frame.Frame
	if report && clean != nil {
		noisy = in.Clone()
	}
	out, err := f.Process(ctx, in)
	if err != nil {
		return err
	}
	if cfg, ok := f.Config(); ok {
		log.Printf("%dx%d %s: %d offsets in %d dispatches, parallelism %d, atomic %v",
			cfg.Width, cfg.Height, cfg.Format, cfg.Offsets, cfg.Dispatches, cfg.Parallelism, cfg.Atomic)
	}
	if report {
		printStats("output", out)
		if clean != nil {
			before, _ := quality.PSNR(clean, noisy)
			after, _ := quality.PSNR(clean, out)
			fmt.Printf("PSNR: %.2f dB -> %.2f dB\n", before, after)
		}
	}
	return writeFrame(output, out)
}

func readFrame(path string) (*frame.Frame, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	f, _, err := frame.Decode(file)
	return f, err
}

func writeFrame(path string, f *frame.Frame) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := frame.Encode(file, f, frame.ContainerFromPath(path)); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func printStats(label string, f *frame.Frame) {
	for c := range f.Format.Components {
		fmt.Printf("%s component %d: %s\n", label, c, quality.ComponentStats(f, c))
	}
}
