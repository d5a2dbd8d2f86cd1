package postprocess

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Suppressor runs classwise NMS followed by a single global top-K re-rank.
type Suppressor struct {
	config NMSConfig
}

// NewSuppressor validates config and returns a Suppressor.
func NewSuppressor(config NMSConfig) (*Suppressor, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Suppressor{config: config}, nil
}

// Config returns the suppressor's configuration.
func (s *Suppressor) Config() NMSConfig {
	return s.config
}

// Run produces the frame's detections.
//
// Every non-background class is thresholded, top-K truncated and suppressed independently; boxes
// and coefficients are pulled from cache on demand. If more than KeepTopK detections survive
// across all classes, only the KeepTopK highest-scored remain.
//
// Arguments:
//   - confidence: Flat [anchor][class] scores.
//   - numClasses: Class count including background at index 0.
//   - cache: The frame's decode cache.
//
// Returns:
//   - []Detection: Ordered by ascending label, then descending score within a label.
//   - error: If confidence does not match the cache size.
func (s *Suppressor) Run(confidence []float32, numClasses int, cache *FrameCache) ([]Detection, error) {
	if numClasses < 2 {
		return nil, errors.Errorf("suppress: need at least one foreground class, got %d classes", numClasses)
	}
	if len(confidence) != cache.Len()*numClasses {
		return nil, errors.Errorf("suppress: confidence has %d values, want %d", len(confidence), cache.Len()*numClasses)
	}

	perClass := make([][]Candidate, numClasses)

	if s.config.NumWorkers > 1 {
		jobs := make(chan int, numClasses)
		var wg sync.WaitGroup
		for w := 0; w < s.config.NumWorkers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for class := range jobs {
					perClass[class] = s.suppressClass(class, confidence, numClasses, cache)
				}
			}()
		}
		for class := 1; class < numClasses; class++ {
			jobs <- class
		}
		close(jobs)
		wg.Wait()
	} else {
		for class := 1; class < numClasses; class++ {
			perClass[class] = s.suppressClass(class, confidence, numClasses, cache)
		}
	}

	total := 0
	for _, kept := range perClass {
		total += len(kept)
	}
	if total > s.config.KeepTopK {
		perClass = rerank(perClass, s.config.KeepTopK)
		total = s.config.KeepTopK
	}

	detections := make([]Detection, 0, total)
	for class := 1; class < numClasses; class++ {
		for _, c := range perClass[class] {
			detections = append(detections, Detection{
				Label:            class,
				Score:            c.Score,
				Box:              cache.MustBox(c.Index).TopLeft(),
				AnchorIndex:      c.Index,
				MaskCoefficients: cache.MustCoefficients(c.Index),
			})
		}
	}

	return detections, nil
}

// suppressClass returns the surviving candidates of one class in descending score order.
func (s *Suppressor) suppressClass(class int, confidence []float32, numClasses int, cache *FrameCache) []Candidate {
	var candidates []Candidate
	for i, n := 0, cache.Len(); i < n; i++ {
		score := confidence[i*numClasses+class]
		if score > s.config.ConfidenceThreshold {
			candidates = append(candidates, Candidate{Index: i, Score: score})
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	// Stable: equal scores keep ascending anchor order.
	sort.SliceStable(candidates, func(a, b int) bool {
		return candidates[a].Score > candidates[b].Score
	})
	if len(candidates) > s.config.TopK {
		candidates = candidates[:s.config.TopK]
	}

	boxes := make([]Box, len(candidates))
	for k, c := range candidates {
		// Loads the coefficients alongside the box.
		boxes[k] = cache.Box(c.Index)
	}

	return ApplyGreedyNMS(candidates, boxes, &s.config)
}

type ranked struct {
	class int
	Candidate
}

// rerank keeps the keep highest-scored detections across classes and regroups them by class.
// Ties keep class order, then per-class order.
func rerank(perClass [][]Candidate, keep int) [][]Candidate {
	var all []ranked
	for class, kept := range perClass {
		for _, c := range kept {
			all = append(all, ranked{class: class, Candidate: c})
		}
	}

	sort.SliceStable(all, func(a, b int) bool {
		return all[a].Score > all[b].Score
	})
	if len(all) > keep {
		all = all[:keep]
	}

	out := make([][]Candidate, len(perClass))
	for _, r := range all {
		out[r.class] = append(out[r.class], r.Candidate)
	}
	return out
}
