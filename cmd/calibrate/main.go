// The calibrate binary sweeps the style-guard threshold over a labeled
// dataset and writes the winning value to the guard config file. Run it
// offline whenever the reference corpus changes; the service only ever reads
// the resulting file.
//
// Layout of the dataset directory:
//
//	references/  reference images the guard protects
//	copies/      known near-copies that must be flagged
//	originals/   acceptable generations that must pass
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"stylebatch/internal/guard"
	"stylebatch/internal/infra"
)

func main() {
	_ = godotenv.Load()

	dataset := flag.String("dataset", "", "directory with references/, copies/ and originals/ subdirectories")
	out := flag.String("out", "./guard.json", "path of the guard config to write")
	flag.Parse()

	logger := infra.NewLogger(os.Getenv("APP_ENV"))
	if *dataset == "" {
		logger.Fatal().Msg("-dataset is required")
	}

	references, err := readImages(filepath.Join(*dataset, "references"))
	if err != nil {
		logger.Fatal().Err(err).Msg("could not read references")
	}
	samples, err := readSamples(*dataset)
	if err != nil {
		logger.Fatal().Err(err).Msg("could not read samples")
	}

	report, err := guard.Calibrate(references, samples)
	if err != nil {
		logger.Fatal().Err(err).Msg("calibration failed")
	}
	logger.Info().
		Int("threshold", report.Threshold).
		Float64("score", report.Score).
		Float64("accuracy", report.Accuracy).
		Float64("fpr", report.FPR).
		Float64("fnr", report.FNR).
		Msg("calibration complete")

	if err := guard.SaveConfig(*out, guard.Config{HammingMaxThreshold: report.Threshold}); err != nil {
		logger.Fatal().Err(err).Msg("could not write guard config")
	}
	logger.Info().Str("path", *out).Msg("guard config written")
}

func readImages(dir string) ([][]byte, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var images [][]byte
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		images = append(images, data)
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("no images in %s", dir)
	}
	return images, nil
}

func readSamples(dataset string) ([]guard.Sample, error) {
	var samples []guard.Sample
	for _, group := range []struct {
		dir  string
		copy bool
	}{
		{"copies", true},
		{"originals", false},
	} {
		dir := filepath.Join(dataset, group.dir)
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			data, err := os.ReadFile(filepath.Join(dir, e.Name()))
			if err != nil {
				return nil, err
			}
			samples = append(samples, guard.Sample{
				Name: filepath.Join(group.dir, e.Name()),
				Data: data,
				Copy: group.copy,
			})
		}
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("no labeled samples under %s", dataset)
	}
	return samples, nil
}
