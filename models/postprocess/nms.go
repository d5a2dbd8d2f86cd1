// Package postprocess - provides Non-Maximum Suppression for detection results.
package postprocess

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
)

// NMSConfig defines parameters for classwise Non-Maximum Suppression.
type NMSConfig struct {
	// Minimum score (exclusive) for an anchor to become a candidate of a class.
	ConfidenceThreshold float32 `json:"confidenceThreshold" yaml:"confidence_threshold"`
	// Score floor applied again during suppression. Candidates below it are dropped.
	SuppressionThreshold float32 `json:"suppressionThreshold" yaml:"suppression_threshold"`
	// Overlap threshold for suppression.
	IoUThreshold float32 `json:"iouThreshold" yaml:"iou_threshold"`
	// Candidates kept per class before suppression.
	TopK int `json:"topK" yaml:"top_k"`
	// Detections kept across all classes after suppression.
	KeepTopK int `json:"keepTopK" yaml:"keep_top_k"`
	// Number of goroutines suppressing classes in parallel. 0 or 1 runs sequentially.
	NumWorkers int `json:"numWorkers" yaml:"num_workers"`
}

// DefaultNMSConfig returns the thresholds the YOLACT COCO model is tuned for.
func DefaultNMSConfig() NMSConfig {
	return NMSConfig{
		ConfidenceThreshold:  0.6,
		SuppressionThreshold: 0.6,
		IoUThreshold:         0.2,
		TopK:                 200,
		KeepTopK:             15,
		NumWorkers:           1,
	}
}

// Validate checks the configuration ranges.
func (c *NMSConfig) Validate() error {
	for name, v := range map[string]float32{
		"confidence threshold":  c.ConfidenceThreshold,
		"suppression threshold": c.SuppressionThreshold,
		"iou threshold":         c.IoUThreshold,
	} {
		if !(v >= 0 && v <= 1) {
			return errors.Errorf("nms: %s must be within [0, 1], got %v", name, v)
		}
	}
	if c.TopK <= 0 {
		return errors.Errorf("nms: top k must be positive, got %d", c.TopK)
	}
	if c.KeepTopK <= 0 {
		return errors.Errorf("nms: keep top k must be positive, got %d", c.KeepTopK)
	}
	if c.NumWorkers < 0 {
		return errors.Errorf("nms: num workers must not be negative, got %d", c.NumWorkers)
	}
	return nil
}

// Candidate is an anchor proposed for one class.
type Candidate struct {
	// Index of the anchor.
	Index int
	// Score of the anchor for the class.
	Score float32
}

// IoU computes the intersection over union of two center-size boxes.
//
// Disjoint boxes and degenerate (zero-area) pairs yield 0.
func IoU(a, b Box) float32 {
	w := overlap(a.X, a.W, b.X, b.W)
	h := overlap(a.Y, a.H, b.Y, b.H)
	if w < 0 || h < 0 {
		return 0
	}
	inter := w * h
	union := a.W*a.H + b.W*b.H - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// overlap returns the signed length shared by two 1-D segments given as center and length.
func overlap(c1, l1, c2, l2 float32) float32 {
	left := math32.Max(c1-l1/2, c2-l2/2)
	right := math32.Min(c1+l1/2, c2+l2/2)
	return right - left
}

// ApplyGreedyNMS performs standard greedy Non-Maximum Suppression.
//
// Arguments:
//   - candidates: Candidates sorted by descending score.
//   - boxes: Decoded box of each candidate, same order.
//   - config: IoUThreshold suppresses overlaps strictly above it; SuppressionThreshold drops
//     candidates scoring below it.
//
// Returns:
//   - The surviving candidates, in input order.
func ApplyGreedyNMS(candidates []Candidate, boxes []Box, config *NMSConfig) []Candidate {
	n := len(candidates)
	if n == 0 {
		return nil
	}

	filtered := make([]Candidate, 0, n)
	used := make([]bool, n)

	for i := 0; i < n; i++ {
		if used[i] {
			continue
		}
		used[i] = true

		if candidates[i].Score < config.SuppressionThreshold {
			continue
		}
		filtered = append(filtered, candidates[i])

		for j := i + 1; j < n; j++ {
			if used[j] {
				continue
			}
			// Suppress if IoU exceeds threshold.
			if IoU(boxes[i], boxes[j]) > config.IoUThreshold {
				used[j] = true
			}
		}
	}

	return filtered
}
