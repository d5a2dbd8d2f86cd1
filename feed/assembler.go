package feed

import (
	"sort"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-yolact/anchors"
)

// Report describes what one Assemble call did with its buffers.
type Report struct {
	// Filled lists the names copied into the flat arrays.
	Filled []string
	// Unknown lists the names that matched no binding and were skipped.
	Unknown []string
}

// Assembler copies named per-level buffers into flat anchor-indexed arrays.
//
// The arrays are allocated once and overwritten by every Assemble call. They are only valid until
// the next call.
type Assembler struct {
	layout  anchors.Layout
	offsets []int
	dims    Dims
	mapping Mapping
	log     *zap.Logger

	location   []float32
	confidence []float32
	maskCoeff  []float32
	prototype  []float32

	unknown atomic.Int64
}

// NewAssembler validates the mapping against the layout and allocates the flat arrays.
//
// Arguments:
//   - layout: The anchor layout shared with the anchor table.
//   - dims: The channel counts and prototype resolution.
//   - mapping: The tensor name table. Every (role, level) must be bound exactly once.
//   - log: Logger for skipped tensors. Nil disables logging.
//
// Returns:
//   - *Assembler: The assembler.
//   - error: ErrInvalidMapping or anchors.ErrInvalidLayout (wrapped).
func NewAssembler(layout anchors.Layout, dims Dims, mapping Mapping, log *zap.Logger) (*Assembler, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	if err := dims.Validate(); err != nil {
		return nil, err
	}
	if err := validateMapping(mapping, len(layout.Levels)); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}

	n := layout.Count()
	return &Assembler{
		layout:     layout,
		offsets:    layout.Offsets(),
		dims:       dims,
		mapping:    mapping,
		log:        log,
		location:   make([]float32, n*dims.Channels(RoleLocation)),
		confidence: make([]float32, n*dims.Channels(RoleConfidence)),
		maskCoeff:  make([]float32, n*dims.Channels(RoleMaskCoeff)),
		prototype:  make([]float32, dims.ProtoHeight*dims.ProtoWidth*dims.MaskChannels),
	}, nil
}

// Validate checks that m binds every role of every level exactly once, plus one prototype.
func (m Mapping) Validate(levels int) error {
	return validateMapping(m, levels)
}

func validateMapping(mapping Mapping, levels int) error {
	seen := make(map[Binding]string, len(mapping))
	for name, b := range mapping {
		if _, ok := roleNames[b.Role]; !ok {
			return errors.Wrapf(ErrInvalidMapping, "tensor %q: unknown role %d", name, int(b.Role))
		}
		if b.Role == RolePrototype && b.Level != 0 {
			return errors.Wrapf(ErrInvalidMapping, "tensor %q: prototype has no level", name)
		}
		if b.Level < 0 || b.Level >= levels {
			return errors.Wrapf(ErrInvalidMapping, "tensor %q: level %d out of range", name, b.Level)
		}
		if other, dup := seen[b]; dup {
			return errors.Wrapf(ErrInvalidMapping, "tensors %q and %q both fill %s level %d", other, name, b.Role, b.Level)
		}
		seen[b] = name
	}

	for _, role := range []Role{RoleLocation, RoleConfidence, RoleMaskCoeff} {
		for k := 0; k < levels; k++ {
			if _, ok := seen[Binding{Role: role, Level: k}]; !ok {
				return errors.Wrapf(ErrInvalidMapping, "no tensor fills %s level %d", role, k)
			}
		}
	}
	if _, ok := seen[Binding{Role: RolePrototype}]; !ok {
		return errors.Wrap(ErrInvalidMapping, "no tensor fills the prototype basis")
	}
	return nil
}

// Assemble copies one batch slot of every bound buffer into the flat arrays.
//
// Buffers whose name is not in the mapping are skipped with a warning and reported. Every
// binding must be filled by the call, otherwise the previous frame's data would leak into this one.
//
// Arguments:
//   - buffers: The network outputs for one run.
//   - batchSlot: The batch element to process.
//
// Returns:
//   - Report: The filled and skipped tensor names.
//   - error: ErrMalformedFeed (wrapped) on a shape mismatch, a short buffer, a bad slot, or a
//     missing tensor.
func (a *Assembler) Assemble(buffers []Buffer, batchSlot int) (Report, error) {
	var report Report
	filled := make(map[Binding]bool, len(a.mapping))

	for _, buf := range buffers {
		binding, ok := a.mapping[buf.Name]
		if !ok {
			a.unknown.Add(1)
			report.Unknown = append(report.Unknown, buf.Name)
			a.log.Warn("skipping unrecognized output tensor",
				zap.String("tensor", buf.Name),
				zap.Int64s("shape", buf.Shape),
			)
			continue
		}
		if filled[binding] {
			return report, errors.Wrapf(ErrMalformedFeed, "tensor %q supplied twice", buf.Name)
		}
		if err := a.fill(binding, buf, batchSlot); err != nil {
			return report, err
		}
		filled[binding] = true
		report.Filled = append(report.Filled, buf.Name)
	}

	if len(filled) != len(a.mapping) {
		var missing []string
		for name, b := range a.mapping {
			if !filled[b] {
				missing = append(missing, name)
			}
		}
		sort.Strings(missing)
		return report, errors.Wrapf(ErrMalformedFeed, "missing tensors %v", missing)
	}

	return report, nil
}

// fill validates buf against its binding and copies the selected batch slot.
//
// Per-level tensors may be shaped [batch, anchors, C] or [batch, H, W, A*C]; both are anchor-major
// with C innermost, so only the per-slot element count and the innermost dimension are checked.
func (a *Assembler) fill(b Binding, buf Buffer, batchSlot int) error {
	channels := a.dims.Channels(b.Role)

	var dst []float32
	switch b.Role {
	case RolePrototype:
		dst = a.prototype
	default:
		start := a.offsets[b.Level] * channels
		end := a.offsets[b.Level+1] * channels
		dst = a.array(b.Role)[start:end]
	}

	if len(buf.Shape) < 2 {
		return errors.Wrapf(ErrMalformedFeed, "tensor %q: shape %v has no batch dimension", buf.Name, buf.Shape)
	}
	batch := int(buf.Shape[0])
	if batchSlot < 0 || batchSlot >= batch {
		return errors.Wrapf(ErrMalformedFeed, "tensor %q: batch slot %d outside batch of %d", buf.Name, batchSlot, batch)
	}

	perSlot := 1
	for _, d := range buf.Shape[1:] {
		if d <= 0 {
			return errors.Wrapf(ErrMalformedFeed, "tensor %q: shape %v", buf.Name, buf.Shape)
		}
		perSlot *= int(d)
	}
	if perSlot != len(dst) {
		return errors.Wrapf(ErrMalformedFeed, "tensor %q (%s level %d): %d values per image, want %d",
			buf.Name, b.Role, b.Level, perSlot, len(dst))
	}

	last := int(buf.Shape[len(buf.Shape)-1])
	if (b.Role == RolePrototype && last != channels) || last%channels != 0 {
		return errors.Wrapf(ErrMalformedFeed, "tensor %q: innermost dimension %d incompatible with %d channels",
			buf.Name, last, channels)
	}

	if len(buf.Data) < batch*perSlot {
		return errors.Wrapf(ErrMalformedFeed, "tensor %q: %d values for shape %v", buf.Name, len(buf.Data), buf.Shape)
	}

	copy(dst, buf.Data[batchSlot*perSlot:(batchSlot+1)*perSlot])
	return nil
}

func (a *Assembler) array(r Role) []float32 {
	switch r {
	case RoleLocation:
		return a.location
	case RoleConfidence:
		return a.confidence
	case RoleMaskCoeff:
		return a.maskCoeff
	default:
		return a.prototype
	}
}

// Location returns the flat [anchor][4] offsets.
func (a *Assembler) Location() []float32 { return a.location }

// Confidence returns the flat [anchor][class] scores.
func (a *Assembler) Confidence() []float32 { return a.confidence }

// MaskCoeff returns the flat [anchor][channel] mask coefficients.
func (a *Assembler) MaskCoeff() []float32 { return a.maskCoeff }

// Prototype returns the [h][w][channel] mask basis.
func (a *Assembler) Prototype() []float32 { return a.prototype }

// Dims returns the assembler's dimensions.
func (a *Assembler) Dims() Dims { return a.dims }

// Layout returns the anchor layout.
func (a *Assembler) Layout() anchors.Layout { return a.layout }

// UnknownTotal returns how many unrecognized tensors have been skipped since construction.
func (a *Assembler) UnknownTotal() int64 { return a.unknown.Load() }
