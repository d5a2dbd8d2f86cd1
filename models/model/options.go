// Package model - Model options.
package model

import "github.com/pkg/errors"

// Precision is the numeric precision the exported weights were saved in.
//
// Every supported export keeps float32 input and output tensors, so post-processing is the same
// for each precision; the value is recorded for logging and model selection.
type Precision string

const (
	// PrecisionFP32 is a full-precision export.
	PrecisionFP32 Precision = "FP32"
	// PrecisionFP16 is a half-precision export with float32 inputs and outputs.
	PrecisionFP16 Precision = "FP16"
	// PrecisionINT8 is a quantized export with float32 inputs and outputs.
	PrecisionINT8 Precision = "INT8"
)

// Validate reports whether p is a known precision.
func (p Precision) Validate() error {
	switch p {
	case PrecisionFP32, PrecisionFP16, PrecisionINT8:
		return nil
	}
	return errors.Errorf("unknown precision %q", p)
}
