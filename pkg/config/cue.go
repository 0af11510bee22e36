package config

import (
	"fmt"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
)

// ValidationError is a single CUE error with its source position.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	var sb strings.Builder
	if e.File != "" {
		sb.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&sb, ":%d:%d", e.Line, e.Column)
		}
		sb.WriteString(": ")
	}
	if e.Path != "" {
		sb.WriteString(e.Path)
		sb.WriteString(": ")
	}
	sb.WriteString(e.Message)
	return sb.String()
}

// ValidationErrors collects the errors of one evaluation.
type ValidationErrors []ValidationError

func (ve ValidationErrors) Error() string {
	msgs := make([]string, 0, len(ve))
	for _, e := range ve {
		msgs = append(msgs, e.String())
	}
	return strings.Join(msgs, "; ")
}

// CUEEvaluator compiles CUE sources and checks them against registered schemas.
type CUEEvaluator struct {
	ctx     *cue.Context
	schemas *SchemaRegistry
}

// NewCUEEvaluator creates an evaluator with the built-in schemas registered.
func NewCUEEvaluator() *CUEEvaluator {
	ctx := cuecontext.New()
	return &CUEEvaluator{
		ctx:     ctx,
		schemas: newSchemaRegistry(ctx),
	}
}

// Schemas returns the schema registry of the evaluator.
func (ce *CUEEvaluator) Schemas() *SchemaRegistry {
	return ce.schemas
}

// EvaluateString compiles inline CUE content. filename is used in error positions.
func (ce *CUEEvaluator) EvaluateString(content, filename string) (cue.Value, error) {
	val := ce.ctx.CompileString(content, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}
	return val, nil
}

// EvaluateFile compiles a single CUE file.
func (ce *CUEEvaluator) EvaluateFile(path string) (cue.Value, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return ce.EvaluateString(string(content), path)
}

// EvaluateDir loads a directory as a CUE package.
func (ce *CUEEvaluator) EvaluateDir(dir string) (cue.Value, error) {
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return cue.Value{}, ValidationErrors{{File: dir, Message: "no CUE files found"}}
	}

	inst := instances[0]
	if inst.Err != nil {
		return cue.Value{}, convertCUEErrors(inst.Err)
	}

	val := ce.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}
	return val, nil
}

// DecodeWithSchema unifies val with the definition registered as schemaName,
// requires the result to be concrete and decodes it into out. Decoding follows
// the json tags of out.
func (ce *CUEEvaluator) DecodeWithSchema(val cue.Value, schemaName string, out interface{}) error {
	def, err := ce.schemas.Definition(schemaName)
	if err != nil {
		return err
	}

	unified := def.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return convertCUEErrors(err)
	}

	if err := unified.Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", schemaName, err)
	}
	return nil
}

// convertCUEErrors flattens a CUE error into positioned ValidationErrors.
func convertCUEErrors(err error) ValidationErrors {
	var out ValidationErrors

	for _, e := range errors.Errors(err) {
		ve := ValidationError{
			Path:    strings.Join(e.Path(), "."),
			Message: strings.TrimSpace(errors.Details(e, nil)),
		}
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}

	if len(out) == 0 {
		out = append(out, ValidationError{Message: err.Error()})
	}
	return out
}
