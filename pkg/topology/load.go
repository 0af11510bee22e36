package topology

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/govframe/pkg/config"
	"github.com/openfroyo/govframe/pkg/engine"
)

// Format is the encoding of a topology document.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatCUE  Format = "cue"
)

// FormatFromPath infers the document format from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".cue":
		return FormatCUE, nil
	default:
		return "", engine.NewConfigurationError("unsupported topology format: "+path, nil)
	}
}

// Load reads, decodes and validates a topology document. A directory is
// loaded as a CUE package.
func Load(path string) (*Topology, error) {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return loadCUEDir(path)
	}

	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewConfigurationError("failed to read topology", err).WithResource(path)
	}

	return parse(data, format, path)
}

func loadCUEDir(dir string) (*Topology, error) {
	ev := config.NewCUEEvaluator()
	val, err := ev.EvaluateDir(dir)
	if err != nil {
		return nil, engine.NewConfigurationError("failed to evaluate CUE topology", err).WithResource(dir)
	}

	var t Topology
	if err := ev.DecodeWithSchema(val, config.TopologySchema, &t); err != nil {
		return nil, engine.NewConfigurationError("CUE topology does not match schema", err).WithResource(dir)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Parse decodes and validates a topology document held in memory.
func Parse(data []byte, format Format) (*Topology, error) {
	return parse(data, format, "topology."+string(format))
}

func parse(data []byte, format Format, name string) (*Topology, error) {
	var t Topology

	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&t); err != nil {
			return nil, engine.NewConfigurationError("failed to parse YAML topology", err).WithResource(name)
		}
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&t); err != nil {
			return nil, engine.NewConfigurationError("failed to parse JSON topology", err).WithResource(name)
		}
	case FormatCUE:
		ev := config.NewCUEEvaluator()
		val, err := ev.EvaluateString(string(data), name)
		if err != nil {
			return nil, engine.NewConfigurationError("failed to evaluate CUE topology", err).WithResource(name)
		}
		if err := ev.DecodeWithSchema(val, config.TopologySchema, &t); err != nil {
			return nil, engine.NewConfigurationError("CUE topology does not match schema", err).WithResource(name)
		}
	default:
		return nil, engine.NewConfigurationError(fmt.Sprintf("unsupported topology format %q", format), nil)
	}

	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}
