// Package config loads partition configuration files.
//
// A file names the partitions of a simulation:
//
//	partitions:
//	  shared:
//	    type: remote_yjs
//	    recordName: rec
//	    inst: my-inst
//	    branch: shared
//	  tempLocal:
//	    type: memory
//
// Files are checked against an embedded CUE schema before decoding, and
// every invalid partition is reported.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"slices"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/roach88/botsync/internal/partition"
)

//go:embed schema.cue
var schemaSource string

// Error codes.
const (
	ErrCodeRead   = "C001" // file could not be read
	ErrCodeParse  = "C002" // YAML syntax error
	ErrCodeSchema = "C003" // partition violates the schema
	ErrCodeEmpty  = "C004" // no partitions
	ErrCodeDecode = "C005" // valid YAML that does not decode into a config
)

// Error is a configuration problem. Partition is empty for errors that
// concern the whole file.
type Error struct {
	Code      string
	Partition string
	Message   string
}

func (e *Error) Error() string {
	if e.Partition == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: partition %q: %s", e.Code, e.Partition, e.Message)
}

// File is a decoded configuration file.
type File struct {
	Partitions map[string]*partition.Config `yaml:"partitions"`
}

// IDs returns the partition ids, sorted.
func (f *File) IDs() []string {
	ids := make([]string, 0, len(f.Partitions))
	for id := range f.Partitions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Schema is the compiled configuration schema.
type Schema struct {
	ctx       *cue.Context
	partition cue.Value
}

// NewSchema compiles the embedded schema.
func NewSchema() (*Schema, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Schema{
		ctx:       ctx,
		partition: v.LookupPath(cue.ParsePath("#Partition")),
	}, nil
}

// Load reads and validates the file at path.
func Load(path string) (*File, []error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, []error{&Error{Code: ErrCodeRead, Message: err.Error()}}
	}
	return Parse(data)
}

// Parse validates and decodes a configuration document. It returns every
// problem found; the file is nil when there is any.
func Parse(data []byte) (*File, []error) {
	schema, err := NewSchema()
	if err != nil {
		return nil, []error{err}
	}
	return schema.Parse(data)
}

// Parse validates and decodes a configuration document against s.
func (s *Schema) Parse(data []byte) (*File, []error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, []error{&Error{Code: ErrCodeParse, Message: err.Error()}}
	}
	if errs := s.validate(raw); len(errs) > 0 {
		return nil, errs
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, []error{&Error{Code: ErrCodeDecode, Message: err.Error()}}
	}
	return &f, nil
}

func (s *Schema) validate(raw map[string]any) []error {
	parts, _ := raw["partitions"].(map[string]any)
	if len(parts) == 0 {
		return []error{&Error{Code: ErrCodeEmpty, Message: "no partitions configured"}}
	}

	var errs []error
	for key := range raw {
		if key != "partitions" {
			errs = append(errs, &Error{Code: ErrCodeSchema, Message: fmt.Sprintf("unknown field %q", key)})
		}
	}

	ids := make([]string, 0, len(parts))
	for id := range parts {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		v := s.partition.Unify(s.ctx.Encode(parts[id]))
		if err := v.Validate(cue.Concrete(true)); err != nil {
			errs = append(errs, &Error{Code: ErrCodeSchema, Partition: id, Message: describe(err)})
		}
	}
	return errs
}

// describe flattens a CUE error list into one line.
func describe(err error) string {
	var msgs []string
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		msg := fmt.Sprintf(format, args...)
		if path := e.Path(); len(path) > 0 {
			msg = strings.Join(path, ".") + ": " + msg
		}
		if !slices.Contains(msgs, msg) {
			msgs = append(msgs, msg)
		}
	}
	if len(msgs) == 0 {
		return err.Error()
	}
	return strings.Join(msgs, "; ")
}
