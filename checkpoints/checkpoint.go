// Package checkpoints loads and saves layer chains together with their
// trained parameters: JSON checkpoints written by this module and ONNX graphs
// exported by training frameworks.
package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/tsawler/go-rtl/layers"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatONNX
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatONNX:
		return "ONNX"
	default:
		return "Unknown"
	}
}

// FormatForPath picks the format from a file extension: .onnx is ONNX,
// anything else JSON.
func FormatForPath(path string) CheckpointFormat {
	if strings.EqualFold(filepath.Ext(path), ".onnx") {
		return FormatONNX
	}
	return FormatJSON
}

// Framework is recorded in the metadata of every checkpoint this package writes.
const Framework = "go-rtl"

// Checkpoint is a layer chain with its parameters kept apart from the
// descriptors, one WeightTensor per weight or bias.
type Checkpoint struct {
	ModelSpec *layers.ModelSpec  `json:"model_spec"`
	Weights   []WeightTensor     `json:"weights"`
	Metadata  CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a layer parameter with its data. Linear weights are
// [in_features, out_features], Conv1D weights [kernel_size].
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight" or "bias"
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// NewCheckpoint moves the parameters of every layer of ms into a weight list.
// ms itself is not modified.
func NewCheckpoint(ms *layers.ModelSpec) (*Checkpoint, error) {
	if ms == nil {
		return nil, fmt.Errorf("model spec is nil")
	}

	stripped := *ms
	stripped.Layers = make([]layers.LayerSpec, len(ms.Layers))

	var weights []WeightTensor
	for i, spec := range ms.Layers {
		if spec.Name == "" {
			return nil, fmt.Errorf("layer %d (%s) has no name to key its weights", i, spec.Type)
		}
		if spec.Weight != nil {
			weights = append(weights, newWeightTensor(spec.Name, "weight", spec.Weight))
		}
		if spec.Bias != nil {
			weights = append(weights, newWeightTensor(spec.Name, "bias", spec.Bias))
		}
		spec.Weight, spec.Bias = nil, nil
		stripped.Layers[i] = spec
	}

	return &Checkpoint{ModelSpec: &stripped, Weights: weights}, nil
}

func newWeightTensor(layer, kind string, t *layers.Tensor) WeightTensor {
	return WeightTensor{
		Name:  fmt.Sprintf("%s.%s", layer, kind),
		Shape: append([]int(nil), t.Shape...),
		Data:  append([]float64(nil), t.Data...),
		Layer: layer,
		Type:  kind,
	}
}

// LayerSpecs returns the descriptors with their weights attached. A
// descriptor that already carries a tensor keeps it.
func (c *Checkpoint) LayerSpecs() ([]layers.LayerSpec, error) {
	if c.ModelSpec == nil {
		return nil, fmt.Errorf("checkpoint has no model spec")
	}

	byLayer := make(map[string]map[string]WeightTensor)
	for _, w := range c.Weights {
		if byLayer[w.Layer] == nil {
			byLayer[w.Layer] = make(map[string]WeightTensor)
		}
		if _, dup := byLayer[w.Layer][w.Type]; dup {
			return nil, fmt.Errorf("duplicate %s tensor for layer %s", w.Type, w.Layer)
		}
		byLayer[w.Layer][w.Type] = w
	}

	specs := make([]layers.LayerSpec, len(c.ModelSpec.Layers))
	used := 0
	for i, spec := range c.ModelSpec.Layers {
		params := byLayer[spec.Name]
		if w, ok := params["weight"]; ok && spec.Weight == nil {
			spec.Weight = w.tensor()
			used++
		}
		if b, ok := params["bias"]; ok && spec.Bias == nil {
			spec.Bias = b.tensor()
			used++
		}
		specs[i] = spec
	}

	if used != len(c.Weights) {
		return nil, fmt.Errorf("%d of %d weight tensors do not belong to any layer", len(c.Weights)-used, len(c.Weights))
	}
	return specs, nil
}

func (w WeightTensor) tensor() *layers.Tensor {
	return &layers.Tensor{
		Shape: append([]int(nil), w.Shape...),
		Data:  append([]float64(nil), w.Data...),
	}
}

// Compile attaches the weights and compiles the chain.
func (c *Checkpoint) Compile() (*layers.ModelSpec, error) {
	specs, err := c.LayerSpecs()
	if err != nil {
		return nil, err
	}
	return layers.NewModelBuilder(c.ModelSpec.InputShape).AddLayers(specs).Compile()
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// SaveCheckpoint saves a complete model checkpoint
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	switch cs.format {
	case FormatJSON:
		return cs.saveJSON(checkpoint, path)
	case FormatONNX:
		return cs.saveONNX(checkpoint, path)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	switch cs.format {
	case FormatJSON:
		return cs.loadJSON(path)
	case FormatONNX:
		return cs.loadONNX(path)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// saveJSON saves checkpoint in JSON format
func (cs *CheckpointSaver) saveJSON(checkpoint *Checkpoint, path string) error {
	// Ensure metadata is set
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = Framework
		checkpoint.Metadata.Version = "1.0.0"
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	file, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "failed to create checkpoint file")
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ") // Pretty print JSON

	if err := encoder.Encode(checkpoint); err != nil {
		return errors.Wrap(err, "failed to encode checkpoint")
	}

	return nil
}

// loadJSON loads checkpoint from JSON format
func (cs *CheckpointSaver) loadJSON(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open checkpoint file")
	}
	defer file.Close()

	var checkpoint Checkpoint
	decoder := json.NewDecoder(file)
	decoder.UseNumber()

	if err := decoder.Decode(&checkpoint); err != nil {
		return nil, errors.Wrapf(err, "failed to decode checkpoint %s", path)
	}
	if checkpoint.ModelSpec == nil {
		return nil, errors.Errorf("checkpoint %s has no model_spec", path)
	}

	return &checkpoint, nil
}

// saveONNX saves checkpoint in ONNX format
func (cs *CheckpointSaver) saveONNX(checkpoint *Checkpoint, path string) error {
	exporter := NewONNXExporter()
	return exporter.ExportToONNX(checkpoint, path)
}

// loadONNX loads checkpoint from ONNX format
func (cs *CheckpointSaver) loadONNX(path string) (*Checkpoint, error) {
	importer := NewONNXImporter()
	return importer.ImportFromONNX(path)
}

// LoadModel loads a checkpoint in the format implied by its extension and
// compiles it.
func LoadModel(path string) (*layers.ModelSpec, error) {
	checkpoint, err := NewCheckpointSaver(FormatForPath(path)).LoadCheckpoint(path)
	if err != nil {
		return nil, err
	}
	ms, err := checkpoint.Compile()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to compile model from %s", path)
	}
	return ms, nil
}
