// Package feed - Assembles named raw network outputs into flat, anchor-indexed arrays.
package feed

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrMalformedFeed is returned when a buffer disagrees with the anchor layout or dimensions.
	ErrMalformedFeed = errors.New("malformed feed")
	// ErrInvalidMapping is returned when a tensor mapping table cannot fill every array exactly once.
	ErrInvalidMapping = errors.New("invalid tensor mapping")
)

// Buffer is one named output tensor of the network.
type Buffer struct {
	// Name is the tensor identity reported by the inference engine.
	Name string
	// Shape is [batch, ..., channels].
	Shape []int64
	// Data holds the float values of every batch element, row-major.
	Data []float32
}

// Role is the kind of data a tensor carries.
type Role int

const (
	// RoleLocation carries 4 box offsets per anchor.
	RoleLocation Role = iota
	// RoleConfidence carries per-class scores per anchor.
	RoleConfidence
	// RoleMaskCoeff carries mask basis coefficients per anchor.
	RoleMaskCoeff
	// RolePrototype is the shared mask basis.
	RolePrototype
)

var roleNames = map[Role]string{
	RoleLocation:   "location",
	RoleConfidence: "confidence",
	RoleMaskCoeff:  "mask_coeff",
	RolePrototype:  "prototype",
}

// String implements fmt.Stringer.
func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

// ParseRole returns the Role named s (case-insensitive).
func ParseRole(s string) (Role, error) {
	for role, name := range roleNames {
		if strings.EqualFold(name, s) {
			return role, nil
		}
	}
	return 0, errors.Wrapf(ErrInvalidMapping, "unknown tensor role %q", s)
}

// Binding says which flat array, and which level band of it, a tensor fills.
type Binding struct {
	Role  Role
	Level int
}

// Mapping binds tensor names to the arrays they fill.
type Mapping map[string]Binding

// DefaultMapping returns the output names of the exported YOLACT graph.
func DefaultMapping() Mapping {
	return Mapping{
		"Yolact__Yolact_13058_fix_": {Role: RolePrototype},

		"Yolact__Yolact_PredictionModule_prediction_layers__ModuleList_0__13127_fix_": {Role: RoleLocation, Level: 0},
		"Yolact__Yolact_PredictionModule_prediction_layers__ModuleList_1__13263_fix_": {Role: RoleLocation, Level: 1},
		"Yolact__Yolact_PredictionModule_prediction_layers__ModuleList_2__13399_fix_": {Role: RoleLocation, Level: 2},
		"Yolact__Yolact_PredictionModule_prediction_layers__ModuleList_3__13535_fix_": {Role: RoleLocation, Level: 3},
		"Yolact__Yolact_PredictionModule_prediction_layers__ModuleList_4__13671_fix_": {Role: RoleLocation, Level: 4},

		"Yolact__Yolact_13749": {Role: RoleConfidence, Level: 0},
		"Yolact__Yolact_13752": {Role: RoleConfidence, Level: 1},
		"Yolact__Yolact_13755": {Role: RoleConfidence, Level: 2},
		"Yolact__Yolact_13758": {Role: RoleConfidence, Level: 3},
		"Yolact__Yolact_13761": {Role: RoleConfidence, Level: 4},

		"Yolact__Yolact_PredictionModule_prediction_layers__ModuleList_0__13198": {Role: RoleMaskCoeff, Level: 0},
		"Yolact__Yolact_PredictionModule_prediction_layers__ModuleList_1__13334": {Role: RoleMaskCoeff, Level: 1},
		"Yolact__Yolact_PredictionModule_prediction_layers__ModuleList_2__13470": {Role: RoleMaskCoeff, Level: 2},
		"Yolact__Yolact_PredictionModule_prediction_layers__ModuleList_3__13606": {Role: RoleMaskCoeff, Level: 3},
		"Yolact__Yolact_PredictionModule_prediction_layers__ModuleList_4__13742": {Role: RoleMaskCoeff, Level: 4},
	}
}

// Dims are the per-anchor channel counts and the prototype basis resolution.
type Dims struct {
	// NumClasses includes the background class at index 0.
	NumClasses   int `json:"numClasses" yaml:"num_classes"`
	MaskChannels int `json:"maskChannels" yaml:"mask_channels"`
	ProtoHeight  int `json:"protoHeight" yaml:"proto_height"`
	ProtoWidth   int `json:"protoWidth" yaml:"proto_width"`
}

// DefaultDims returns the COCO YOLACT dimensions.
func DefaultDims() Dims {
	return Dims{
		NumClasses:   81,
		MaskChannels: 32,
		ProtoHeight:  138,
		ProtoWidth:   138,
	}
}

// Validate checks that every dimension is usable.
func (d Dims) Validate() error {
	if d.NumClasses < 2 {
		return errors.Wrapf(ErrInvalidMapping, "num classes must include background and one class, got %d", d.NumClasses)
	}
	if d.MaskChannels <= 0 || d.ProtoHeight <= 0 || d.ProtoWidth <= 0 {
		return errors.Wrapf(ErrInvalidMapping, "mask dims %dx%dx%d", d.ProtoHeight, d.ProtoWidth, d.MaskChannels)
	}
	return nil
}

// Channels returns the per-anchor (or per-pixel, for the prototype) channel count of a role.
func (d Dims) Channels(r Role) int {
	switch r {
	case RoleLocation:
		return 4
	case RoleConfidence:
		return d.NumClasses
	default:
		return d.MaskChannels
	}
}
