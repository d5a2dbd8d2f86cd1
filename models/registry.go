// Package models - registry for models.
package models

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/nvr-ai/go-yolact/models/model"
	"github.com/nvr-ai/go-yolact/models/yolact"
)

// NewModel creates a new model instance based on the specified model name.
//
// This factory is the single entry point for model creation: it fills in the family's class
// labels and routes to the model-specific constructor.
//
// Arguments:
//   - args: Configuration parameters specifying the model type and location.
//   - log: The logger handed to the model; nil disables logging.
//
// Returns:
//   - model.Model: A fully configured model instance implementing the Model interface.
//   - error: An error if model creation fails or the model name is unsupported.
//
// Example:
//
//	m, err := NewModel(model.NewModelArgs{
//	    Name: model.ModelNameYOLACT,
//	    Path: "/models/yolact_base_54_800000.onnx",
//	}, logger)
//	if err != nil {
//	    log.Fatalf("Failed to create model: %v", err)
//	}
func NewModel(args model.NewModelArgs, log *zap.Logger) (model.Model, error) {
	switch args.Name {
	case model.ModelNameYOLACT:
		opts := yolact.DefaultOptions()
		opts.Path = args.Path
		if args.Family != "" {
			opts.Family = args.Family
		}
		if args.InputSize > 0 {
			opts.InputSize = args.InputSize
		}
		if args.NMS != nil {
			opts.NMS = *args.NMS
		}
		if args.Tensors != nil {
			opts.Tensors = args.Tensors
		}
		opts.Labels = Labels(opts.Family)

		m, err := yolact.NewModel(opts, log)
		if err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unsupported model name: %s", args.Name)
	}
}
