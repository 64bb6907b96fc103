package guard

import (
	"errors"
	"fmt"
)

// Sample is one labeled calibration image: a known copy of some reference or
// an acceptable original.
type Sample struct {
	Name string
	Data []byte
	Copy bool
}

// CalibrationReport describes the winning threshold of a sweep.
type CalibrationReport struct {
	Threshold int
	Score     float64
	Accuracy  float64
	FPR       float64
	FNR       float64
}

// calibrationMaxThreshold bounds the sweep; thresholds beyond 32 flag nearly
// everything and are never useful in practice.
const calibrationMaxThreshold = 32

// Calibrate sweeps thresholds 0..32 over the labeled dataset and scores each
// by 0.6*accuracy + 0.3*(1-FPR) + 0.1*(1-FNR). The weighting deliberately
// biases toward fewer false rejections of good generations. Ties keep the
// lower threshold.
func Calibrate(references [][]byte, samples []Sample) (CalibrationReport, error) {
	if len(references) == 0 {
		return CalibrationReport{}, errors.New("guard: calibration needs at least one reference")
	}
	if len(samples) == 0 {
		return CalibrationReport{}, errors.New("guard: calibration needs at least one labeled sample")
	}

	refFPs := make([]Fingerprint, 0, len(references))
	for i, ref := range references {
		fp, err := ComputeFingerprint(ref)
		if err != nil {
			return CalibrationReport{}, fmt.Errorf("guard: reference %d: %w", i, err)
		}
		refFPs = append(refFPs, fp)
	}

	// Each sample's minimum distance to any reference decides its predicted
	// label at every threshold, so compute distances once.
	minDists := make([]int, len(samples))
	for i, sample := range samples {
		fp, err := ComputeFingerprint(sample.Data)
		if err != nil {
			return CalibrationReport{}, fmt.Errorf("guard: sample %s: %w", sample.Name, err)
		}
		min := 65
		for _, refFP := range refFPs {
			if d := Distance(fp, refFP); d < min {
				min = d
			}
		}
		minDists[i] = min
	}

	var best CalibrationReport
	bestSet := false
	for threshold := 0; threshold <= calibrationMaxThreshold; threshold++ {
		var tp, tn, fp, fn int
		for i, sample := range samples {
			flagged := minDists[i] <= threshold
			switch {
			case flagged && sample.Copy:
				tp++
			case flagged && !sample.Copy:
				fp++
			case !flagged && sample.Copy:
				fn++
			default:
				tn++
			}
		}

		accuracy := float64(tp+tn) / float64(len(samples))
		fpr := rate(fp, fp+tn)
		fnr := rate(fn, fn+tp)
		score := 0.6*accuracy + 0.3*(1-fpr) + 0.1*(1-fnr)

		if !bestSet || score > best.Score {
			best = CalibrationReport{
				Threshold: threshold,
				Score:     score,
				Accuracy:  accuracy,
				FPR:       fpr,
				FNR:       fnr,
			}
			bestSet = true
		}
	}
	return best, nil
}

func rate(numerator, denominator int) float64 {
	if denominator == 0 {
		return 0
	}
	return float64(numerator) / float64(denominator)
}
