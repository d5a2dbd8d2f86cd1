package postprocess

import (
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-yolact/anchors"
)

const (
	testClasses  = 81
	testChannels = 32
)

var (
	tableOnce    sync.Once
	defaultTable *anchors.Table
)

func testTable(t *testing.T) *anchors.Table {
	t.Helper()
	tableOnce.Do(func() {
		var err error
		defaultTable, err = anchors.NewTable(anchors.DefaultLayout())
		if err != nil {
			panic(err)
		}
	})
	return defaultTable
}

// anchorIndex returns the level 0 anchor at row j, column i, ratio r.
func anchorIndex(j, i, r int) int {
	return (j*69+i)*3 + r
}

type testFrame struct {
	table      *anchors.Table
	location   []float32
	maskCoeff  []float32
	confidence []float32
}

func newTestFrame(t *testing.T) *testFrame {
	table := testTable(t)
	n := table.Len()
	return &testFrame{
		table:      table,
		location:   make([]float32, n*4),
		maskCoeff:  make([]float32, n*testChannels),
		confidence: make([]float32, n*testClasses),
	}
}

func (f *testFrame) score(anchor, class int, score float32) {
	f.confidence[anchor*testClasses+class] = score
}

func (f *testFrame) offset(anchor int, o [4]float32) {
	copy(f.location[anchor*4:], o[:])
}

func (f *testFrame) cache(t *testing.T) *FrameCache {
	t.Helper()
	c, err := NewFrameCache(f.table, f.location, f.maskCoeff, testChannels)
	require.NoError(t, err)
	return c
}

func (f *testFrame) run(t *testing.T, config NMSConfig) ([]Detection, *FrameCache) {
	t.Helper()
	s, err := NewSuppressor(config)
	require.NoError(t, err)
	c := f.cache(t)
	dets, err := s.Run(f.confidence, testClasses, c)
	require.NoError(t, err)
	return dets, c
}

func TestDecodeIdentity(t *testing.T) {
	table := testTable(t)
	idx := anchorIndex(34, 34, 0)
	a := table.At(idx)

	got := Decode(a, []float32{0, 0, 0, 0})

	assert.InDelta(t, a.X, got.X, 1e-6)
	assert.InDelta(t, a.Y, got.Y, 1e-6)
	assert.InDelta(t, a.W, got.W, 1e-6)
	assert.InDelta(t, a.H, got.H, 1e-6)
}

func TestDecodeApplyVariances(t *testing.T) {
	a := anchors.Box{X: 0.5, Y: 0.5, W: 0.2, H: 0.1}

	got := Decode(a, []float32{1, -2, 0, float32(math.Log(2) / 0.2)})

	assert.InDelta(t, 0.5+0.1*0.2, got.X, 1e-6, "center x moves by offset*0.1*w")
	assert.InDelta(t, 0.5-2*0.1*0.1, got.Y, 1e-6, "center y moves by offset*0.1*h")
	assert.InDelta(t, 0.2, got.W, 1e-6)
	assert.InDelta(t, 0.2, got.H, 1e-5, "height doubles")
}

func TestDecodeClampsInCornerSpace(t *testing.T) {
	// Extends 0.1 past the left edge.
	a := anchors.Box{X: 0.1, Y: 0.5, W: 0.4, H: 0.2}

	got := Decode(a, []float32{0, 0, 0, 0})

	// Corners [-0.1, 0.3] clamp to [0, 0.3].
	assert.InDelta(t, 0.15, got.X, 1e-6, "center re-derived from clamped corners")
	assert.InDelta(t, 0.3, got.W, 1e-6, "width re-derived from clamped corners")
	assert.InDelta(t, 0.5, got.Y, 1e-6)
	assert.InDelta(t, 0.2, got.H, 1e-6)
}

func TestDecodeStaysInUnitRange(t *testing.T) {
	table := testTable(t)
	rng := rand.New(rand.NewSource(42))
	magnitudes := []float64{1, 10, 100, 1e4, 1e10, 1e38}

	for n := 0; n < 20000; n++ {
		a := table.At(rng.Intn(table.Len()))
		var off [4]float32
		for k := range off {
			m := magnitudes[rng.Intn(len(magnitudes))]
			off[k] = float32((rng.Float64()*2 - 1) * m)
		}

		b := Decode(a, off[:])

		for name, v := range map[string]float32{"x": b.X, "y": b.Y, "w": b.W, "h": b.H} {
			require.Truef(t, v >= 0 && v <= 1, "%s=%v out of range for anchor %+v offset %v", name, v, a, off)
		}
		require.GreaterOrEqual(t, b.X-b.W/2, float32(-1e-6))
		require.LessOrEqual(t, b.X+b.W/2, float32(1+1e-6))
		require.GreaterOrEqual(t, b.Y-b.H/2, float32(-1e-6))
		require.LessOrEqual(t, b.Y+b.H/2, float32(1+1e-6))
	}
}

func TestIoU(t *testing.T) {
	tests := []struct {
		name string
		a, b Box
		want float32
	}{
		{"identical", Box{0.5, 0.5, 0.2, 0.2}, Box{0.5, 0.5, 0.2, 0.2}, 1},
		{"disjoint", Box{0.2, 0.2, 0.1, 0.1}, Box{0.8, 0.8, 0.1, 0.1}, 0},
		{"half shifted", Box{0.5, 0.5, 0.2, 0.2}, Box{0.6, 0.5, 0.2, 0.2}, 1.0 / 3.0},
		{"contained", Box{0.5, 0.5, 0.4, 0.4}, Box{0.5, 0.5, 0.2, 0.2}, 0.25},
		{"touching", Box{0.2, 0.5, 0.2, 0.2}, Box{0.4, 0.5, 0.2, 0.2}, 0},
		{"degenerate", Box{0.5, 0.5, 0, 0}, Box{0.5, 0.5, 0, 0}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, IoU(tt.a, tt.b), 1e-6)
			assert.InDelta(t, tt.want, IoU(tt.b, tt.a), 1e-6, "IoU should be symmetric")
		})
	}
}

func TestApplyGreedyNMS(t *testing.T) {
	config := DefaultNMSConfig()

	t.Run("identical boxes keep the higher score", func(t *testing.T) {
		box := Box{0.5, 0.5, 0.2, 0.2}
		kept := ApplyGreedyNMS(
			[]Candidate{{Index: 7, Score: 0.9}, {Index: 3, Score: 0.8}},
			[]Box{box, box},
			&config,
		)
		assert.Equal(t, []Candidate{{Index: 7, Score: 0.9}}, kept)
	})

	t.Run("low overlap survives", func(t *testing.T) {
		kept := ApplyGreedyNMS(
			[]Candidate{{Index: 1, Score: 0.9}, {Index: 2, Score: 0.8}},
			[]Box{{0.5, 0.5, 0.2, 0.2}, {0.68, 0.5, 0.2, 0.2}},
			&config,
		)
		assert.Len(t, kept, 2)
	})

	t.Run("suppressed box does not suppress others", func(t *testing.T) {
		// b overlaps a and c; a and c are disjoint. Only a suppresses b, so c survives.
		kept := ApplyGreedyNMS(
			[]Candidate{{Index: 1, Score: 0.9}, {Index: 2, Score: 0.8}, {Index: 3, Score: 0.7}},
			[]Box{{0.3, 0.5, 0.2, 0.2}, {0.4, 0.5, 0.2, 0.2}, {0.5, 0.5, 0.2, 0.2}},
			&config,
		)
		assert.Equal(t, []Candidate{{Index: 1, Score: 0.9}, {Index: 3, Score: 0.7}}, kept)
	})

	t.Run("score floor", func(t *testing.T) {
		floor := config
		floor.SuppressionThreshold = 0.85
		kept := ApplyGreedyNMS(
			[]Candidate{{Index: 1, Score: 0.9}, {Index: 2, Score: 0.8}},
			[]Box{{0.2, 0.2, 0.1, 0.1}, {0.8, 0.8, 0.1, 0.1}},
			&floor,
		)
		assert.Equal(t, []Candidate{{Index: 1, Score: 0.9}}, kept)
	})

	t.Run("empty", func(t *testing.T) {
		assert.Nil(t, ApplyGreedyNMS(nil, nil, &config))
	})
}

func TestSuppressorSingleAnchor(t *testing.T) {
	f := newTestFrame(t)
	idx := anchorIndex(34, 34, 0)
	f.score(idx, 5, 0.9)

	dets, cache := f.run(t, DefaultNMSConfig())

	require.Len(t, dets, 1)
	d := dets[0]
	assert.Equal(t, 5, d.Label)
	assert.Equal(t, float32(0.9), d.Score)
	assert.Equal(t, idx, d.AnchorIndex)

	a := f.table.At(idx)
	assert.InDelta(t, a.X-a.W/2, d.Box.X, 1e-6, "box is reported top-left")
	assert.InDelta(t, a.Y-a.H/2, d.Box.Y, 1e-6)
	assert.InDelta(t, a.W, d.Box.W, 1e-6)
	assert.InDelta(t, a.H, d.Box.H, 1e-6)

	assert.Equal(t, make([]float32, testChannels), d.MaskCoefficients)
	assert.Equal(t, 1, cache.Decoded(), "only the candidate anchor is decoded")
}

func TestSuppressorThresholdIsExclusive(t *testing.T) {
	f := newTestFrame(t)
	f.score(anchorIndex(34, 34, 0), 2, 0.6)

	dets, cache := f.run(t, DefaultNMSConfig())

	assert.Empty(t, dets, "a score equal to the confidence threshold is not a candidate")
	assert.Equal(t, 0, cache.Decoded())
}

func TestSuppressorIdenticalBoxes(t *testing.T) {
	f := newTestFrame(t)
	big := anchorIndex(34, 34, 0)
	small := anchorIndex(34, 34, 1)
	// Scale the half-size anchor up to the same box.
	grow := float32(math.Log(2) / 0.2)
	f.offset(small, [4]float32{0, 0, grow, grow})
	f.score(big, 3, 0.8)
	f.score(small, 3, 0.9)

	dets, _ := f.run(t, DefaultNMSConfig())

	require.Len(t, dets, 1)
	assert.Equal(t, small, dets[0].AnchorIndex)
	assert.Equal(t, float32(0.9), dets[0].Score)
}

func TestSuppressorStableTies(t *testing.T) {
	t.Run("disjoint keep anchor order", func(t *testing.T) {
		f := newTestFrame(t)
		far := anchorIndex(10, 10, 0)
		near := anchorIndex(34, 34, 0)
		f.score(near, 9, 0.7)
		f.score(far, 9, 0.7)

		dets, _ := f.run(t, DefaultNMSConfig())

		require.Len(t, dets, 2)
		assert.Equal(t, far, dets[0].AnchorIndex)
		assert.Equal(t, near, dets[1].AnchorIndex)
	})

	t.Run("overlapping keep lower anchor", func(t *testing.T) {
		f := newTestFrame(t)
		left := anchorIndex(34, 34, 0)
		right := anchorIndex(34, 35, 0)
		f.score(right, 9, 0.7)
		f.score(left, 9, 0.7)

		dets, _ := f.run(t, DefaultNMSConfig())

		require.Len(t, dets, 1)
		assert.Equal(t, left, dets[0].AnchorIndex)
	})
}

func TestSuppressorGlobalRerank(t *testing.T) {
	f := newTestFrame(t)
	idx := anchorIndex(34, 34, 0)
	for k := 0; k < 20; k++ {
		f.score(idx, k+1, 0.61+0.01*float32(k))
	}

	dets, cache := f.run(t, DefaultNMSConfig())

	require.Len(t, dets, 15)
	for i, d := range dets {
		assert.Equal(t, i+6, d.Label, "top 15 scores belong to classes 6..20, emitted by label")
	}
	assert.Equal(t, 1, cache.Decoded(), "an anchor shared by classes is decoded once")
}

func TestSuppressorRerankKeepsClassOrder(t *testing.T) {
	f := newTestFrame(t)
	a := anchorIndex(10, 10, 0)
	b := anchorIndex(50, 50, 0)
	// Class 4 holds two detections, the rest one each.
	f.score(a, 4, 0.95)
	f.score(b, 4, 0.99)
	for k := 0; k < 20; k++ {
		f.score(anchorIndex(34, 34, 0), 10+k, 0.62+0.01*float32(k))
	}

	dets, _ := f.run(t, DefaultNMSConfig())

	require.Len(t, dets, 15)
	require.Equal(t, 4, dets[0].Label)
	require.Equal(t, 4, dets[1].Label)
	assert.Equal(t, b, dets[0].AnchorIndex, "higher score first within a class")
	assert.Equal(t, a, dets[1].AnchorIndex)
	for i := 1; i < len(dets); i++ {
		assert.LessOrEqual(t, dets[i-1].Label, dets[i].Label)
	}
}

func TestSuppressorPerClassCap(t *testing.T) {
	f := newTestFrame(t)
	for i := 0; i < 300; i++ {
		f.score(i, 1, 0.7)
	}
	config := DefaultNMSConfig()
	config.IoUThreshold = 1
	config.KeepTopK = 1000

	dets, cache := f.run(t, config)

	require.Len(t, dets, 200)
	for i, d := range dets {
		assert.Equal(t, i, d.AnchorIndex, "ties truncate in anchor order")
	}
	assert.Equal(t, 200, cache.Decoded(), "truncated candidates are never decoded")
}

func TestSuppressorRandomFrameInvariants(t *testing.T) {
	f := newTestFrame(t)
	rng := rand.New(rand.NewSource(7))
	for i := range f.confidence {
		if rng.Float32() < 0.01 {
			f.confidence[i] = 0.5 + rng.Float32()/2
		}
	}
	for i := range f.location {
		f.location[i] = rng.Float32()*4 - 2
	}
	for i := range f.maskCoeff {
		f.maskCoeff[i] = rng.Float32()
	}

	sequential, _ := f.run(t, DefaultNMSConfig())

	require.NotEmpty(t, sequential)
	assert.LessOrEqual(t, len(sequential), 15)
	for i := range sequential {
		for j := i + 1; j < len(sequential); j++ {
			a, b := sequential[i], sequential[j]
			if a.Label != b.Label {
				continue
			}
			ab := Box{a.Box.X + a.Box.W/2, a.Box.Y + a.Box.H/2, a.Box.W, a.Box.H}
			bb := Box{b.Box.X + b.Box.W/2, b.Box.Y + b.Box.H/2, b.Box.W, b.Box.H}
			assert.LessOrEqual(t, IoU(ab, bb), float32(0.2)+1e-6, "same-class survivors must not overlap")
		}
	}

	parallel := DefaultNMSConfig()
	parallel.NumWorkers = 8
	got, _ := f.run(t, parallel)
	assert.Equal(t, sequential, got, "parallel classes must match the sequential result")
}

func TestSuppressorRejectsMismatchedConfidence(t *testing.T) {
	f := newTestFrame(t)
	s, err := NewSuppressor(DefaultNMSConfig())
	require.NoError(t, err)

	_, err = s.Run(f.confidence[:10], testClasses, f.cache(t))
	assert.Error(t, err)
}

func TestFrameCache(t *testing.T) {
	f := newTestFrame(t)
	idx := anchorIndex(20, 20, 2)
	f.maskCoeff[idx*testChannels] = 3

	c := f.cache(t)
	assert.False(t, c.Cached(idx))
	assert.Panics(t, func() { c.MustBox(idx) }, "reading an unloaded anchor is an invariant violation")
	assert.Panics(t, func() { c.MustCoefficients(idx) })

	coeffs := c.Coefficients(idx)
	assert.True(t, c.Cached(idx))
	assert.Equal(t, float32(3), coeffs[0])

	f.maskCoeff[idx*testChannels] = 5
	assert.Equal(t, float32(3), c.MustCoefficients(idx)[0], "coefficients are copied, not aliased")
	assert.Equal(t, c.Box(idx), c.MustBox(idx))
	assert.Equal(t, 1, c.Decoded())

	_, err := NewFrameCache(f.table, f.location[:8], f.maskCoeff, testChannels)
	assert.Error(t, err)
	_, err = NewFrameCache(f.table, f.location, f.maskCoeff, 16)
	assert.Error(t, err)
}

func TestFrameCacheConcurrentLoad(t *testing.T) {
	f := newTestFrame(t)
	c := f.cache(t)

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				c.Load(i)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, c.Decoded())
}

func TestValidateScoreThreshold(t *testing.T) {
	for _, v := range []float32{0, 0.5, 1} {
		assert.NoError(t, ValidateScoreThreshold(v))
	}
	for _, v := range []float32{-0.01, 1.01, float32(math.NaN())} {
		err := ValidateScoreThreshold(v)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidThreshold))
	}
}

func TestNMSConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *NMSConfig)
	}{
		{"confidence", func(c *NMSConfig) { c.ConfidenceThreshold = 1.5 }},
		{"suppression", func(c *NMSConfig) { c.SuppressionThreshold = -1 }},
		{"iou", func(c *NMSConfig) { c.IoUThreshold = 2 }},
		{"top k", func(c *NMSConfig) { c.TopK = 0 }},
		{"keep top k", func(c *NMSConfig) { c.KeepTopK = -3 }},
		{"workers", func(c *NMSConfig) { c.NumWorkers = -1 }},
	}

	def := DefaultNMSConfig()
	require.NoError(t, def.Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultNMSConfig()
			tt.mutate(&c)
			assert.Error(t, c.Validate())
			_, err := NewSuppressor(c)
			assert.Error(t, err)
		})
	}
}
