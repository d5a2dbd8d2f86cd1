// Package model - Common model identity, options and interface definitions.
package model

import (
	"image"

	"github.com/nvr-ai/go-yolact/feed"
	"github.com/nvr-ai/go-yolact/models/postprocess"
)

// Family is the family of models.
type Family string

const (
	// ModelFamilyCOCO is the COCO model family (80 classes plus background).
	ModelFamilyCOCO Family = "coco"
	// ModelFamilyVOC is the Pascal VOC model family.
	ModelFamilyVOC Family = "voc"
)

// Name is the unique identifier of a model.
type Name string

const (
	// ModelNameYOLACT is the name of the YOLACT instance segmentation model.
	ModelNameYOLACT Name = "yolact"
)

// BaseModel is the base model for all models.
type BaseModel struct {
	Name   Name   `json:"name" yaml:"name"`
	Family Family `json:"family" yaml:"family"`
	Path   string `json:"path" yaml:"path"`
	// InputSize is the square network input resolution.
	InputSize int       `json:"inputSize" yaml:"input_size"`
	Precision Precision `json:"precision" yaml:"precision"`
}

// Options is a marker interface for model-specific options.
type Options interface {
	IsOptions()
}

// Model turns images into network input and raw network outputs into detections.
type Model interface {
	Options() BaseModel
	PreProcess(img image.Image) ([]float32, error)
	PostProcess(outputs []feed.Buffer, batchSlot int) ([]postprocess.Detection, error)
}

// NewModelArgs is the arguments for creating a new model.
type NewModelArgs struct {
	Name      Name                   `json:"name" yaml:"name"`
	Path      string                 `json:"path" yaml:"path"`
	Family    Family                 `json:"family" yaml:"family"`
	InputSize int                    `json:"inputSize" yaml:"input_size"`
	NMS       *postprocess.NMSConfig `json:"nms" yaml:"nms"`
	// Tensors binds output tensor names to roles; nil selects the default export names.
	Tensors feed.Mapping `json:"tensors" yaml:"tensors"`
}
