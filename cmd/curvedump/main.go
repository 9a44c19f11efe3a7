// Command curvedump extracts the engagement curve from a graphics snapshot and
// prints it as YAML, optionally with the speed chosen at given positions.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"kinewatchd/internal/config"
	"kinewatchd/internal/heatmap"
	"kinewatchd/internal/logger"
	"kinewatchd/internal/models"
	"kinewatchd/internal/rate"
	"kinewatchd/internal/source"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type lookup struct {
	Position  float64  `yaml:"position"`
	Intensity float64  `yaml:"intensity"`
	Raw       float64  `yaml:"raw"`
	RawRatio  *float64 `yaml:"rawRatio,omitempty"`
	Speed     *float64 `yaml:"speed,omitempty"`
}

type dump struct {
	MediaID  string       `yaml:"mediaId,omitempty"`
	Samples  int          `yaml:"samples"`
	RawRange *rawRange    `yaml:"rawRange,omitempty"`
	Config   rate.Config  `yaml:"config"`
	Lookups  []lookup     `yaml:"lookups,omitempty"`
	Curve    models.Curve `yaml:"curve"`
}

type rawRange struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "curvedump: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("curvedump", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configFile := fs.String("c", "", "Daemon YAML config to take calibration, speed range and user agent from")
	file := fs.String("f", "", "Snapshot JSON file ('-' for stdin)")
	url := fs.String("url", "", "Fetch the snapshot from this URL instead of a file")
	userAgent := fs.String("ua", "kinewatchd/1.0", "User agent for -url")
	workers := fs.Int("workers", 4, "Concurrent path parsers")
	minSpeed := fs.Float64("min", rate.Default.MinSpeed, "Minimum playback speed")
	maxSpeed := fs.Float64("max", rate.Default.MaxSpeed, "Maximum playback speed")
	at := fs.String("at", "", "Comma-separated positions in [0,1] to look up")
	logLevel := fs.String("L", "warn", "Log level")
	if err := fs.Parse(args); err != nil {
		return err
	}

	positions, err := parsePositions(*at)
	if err != nil {
		return err
	}

	daemonCfg := config.Default()
	if *configFile != "" {
		if daemonCfg, err = config.LoadConfig(*configFile); err != nil {
			return err
		}
	}
	// Flags given explicitly win over the config file.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	speeds := daemonCfg.Rate
	if set["min"] {
		speeds.MinSpeed = *minSpeed
	}
	if set["max"] {
		speeds.MaxSpeed = *maxSpeed
	}
	if set["ua"] {
		daemonCfg.UserAgent = *userAgent
	}
	if set["workers"] {
		daemonCfg.ExtractWorkers = *workers
	}

	log := logger.New(stderr, *logLevel, "text")
	snap, err := loadSnapshot(ctx, *file, *url, daemonCfg.UserAgent, log)
	if err != nil {
		return err
	}

	extractor := heatmap.NewExtractor(daemonCfg.Calibration, daemonCfg.ExtractWorkers)
	curve, err := extractor.Extract(ctx, snap.ToGraphics())
	if err != nil {
		return err
	}

	cfg := rate.Normalize(speeds)
	out := dump{
		MediaID: snap.MediaID,
		Samples: len(curve),
		Config:  cfg,
		Curve:   curve,
	}
	rng := heatmap.RawRangeOf(curve)
	if rng.Valid() {
		out.RawRange = &rawRange{Min: rng.Min, Max: rng.Max}
	}

	for _, pos := range positions {
		m, _ := heatmap.Sample(curve, pos)
		p := lookup{Position: pos, Intensity: m.NormalizedIntensity, Raw: m.RawValue}
		if ratio, ok := rate.RawRatio(m.RawValue, rng); ok {
			speed := rate.Map(ratio, cfg)
			p.RawRatio = &ratio
			p.Speed = &speed
		}
		out.Lookups = append(out.Lookups, p)
	}

	enc := yaml.NewEncoder(stdout)
	enc.SetIndent(2)
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("failed to encode curve: %w", err)
	}
	return enc.Close()
}

func loadSnapshot(ctx context.Context, file, url, userAgent string, log logger.Logger) (source.Snapshot, error) {
	switch {
	case url != "":
		ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		return source.NewRemoteSource(url, userAgent, log).Fetch(ctx)
	case file == "-":
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return source.Snapshot{}, fmt.Errorf("failed to read stdin: %w", err)
		}
		return source.DecodeSnapshot(data)
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return source.Snapshot{}, fmt.Errorf("failed to read snapshot file: %w", err)
		}
		return source.DecodeSnapshot(data)
	default:
		return source.Snapshot{}, errors.New("one of -f or -url is required")
	}
}

func parsePositions(s string) ([]float64, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var positions []float64
	for _, part := range strings.Split(s, ",") {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil || v < 0 || v > 1 {
			return nil, fmt.Errorf("invalid position %q", part)
		}
		positions = append(positions, v)
	}
	return positions, nil
}
