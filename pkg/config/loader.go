package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/format"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Loader parses medic configuration from CUE, YAML or JSON and validates
// it against the #Medic schema and the struct tags.
type Loader struct {
	// cue.Context is not safe for concurrent use.
	mu       sync.Mutex
	ctx      *cue.Context
	schema   cue.Value
	validate *validator.Validate
}

// NewLoader creates a loader with the built-in schema.
func NewLoader() *Loader {
	ctx := cuecontext.New()
	schema := ctx.CompileString(medicSchema, cue.Filename(schemaFilename))
	if err := schema.Err(); err != nil {
		panic(fmt.Sprintf("invalid built-in schema: %v", err))
	}
	return &Loader{
		ctx:      ctx,
		schema:   schema,
		validate: validator.New(),
	}
}

// Load reads and validates the configuration file at path. Fields absent
// from the file keep their Default values.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return l.LoadBytes(data, path)
}

// LoadBytes validates configuration content. filename selects the format
// by extension and is used in error positions.
func (l *Loader) LoadBytes(data []byte, filename string) (*Config, error) {
	raw, err := l.decode(data, filename, "#Medic")
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config %s: %w", filename, err)
	}
	if errs := l.check(&cfg); len(errs) > 0 {
		return nil, &LoadError{Source: filename, Errors: errs}
	}
	return &cfg, nil
}

// LoadStrategies reads a strategy file: a document with a single
// `strategies` list.
func (l *Loader) LoadStrategies(path string) ([]StrategyConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read strategy file %s: %w", path, err)
	}
	raw, err := l.decode(data, path, "#StrategyFile")
	if err != nil {
		return nil, err
	}

	var file struct {
		Strategies []StrategyConfig `json:"strategies" validate:"dive"`
	}
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to decode strategy file %s: %w", path, err)
	}

	errs := l.structErrors(file)
	errs = append(errs, strategyErrors(file.Strategies)...)
	if len(errs) > 0 {
		return nil, &LoadError{Source: path, Errors: errs}
	}
	return file.Strategies, nil
}

// LoadStrategyDir loads every strategy file in dir, in name order.
func (l *Loader) LoadStrategyDir(dir string) ([]StrategyConfig, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read strategy dir %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && isConfigFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var out []StrategyConfig
	for _, name := range names {
		strategies, err := l.LoadStrategies(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		out = append(out, strategies...)
	}
	return out, nil
}

// decode compiles content, unifies it with the named definition and
// returns the concrete value as JSON.
func (l *Loader) decode(data []byte, filename, definition string) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var val cue.Value
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		var doc interface{}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, &LoadError{Source: filename, Errors: []ValidationError{{File: filename, Message: err.Error()}}}
		}
		if doc == nil {
			doc = map[string]interface{}{}
		}
		val = l.ctx.Encode(doc)
	default:
		val = l.ctx.CompileBytes(data, cue.Filename(filename))
	}
	if err := val.Err(); err != nil {
		return nil, &LoadError{Source: filename, Errors: convertCUEErrors(err)}
	}

	unified := l.schema.LookupPath(cue.ParsePath(definition)).Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, &LoadError{Source: filename, Errors: convertCUEErrors(err)}
	}

	raw, err := unified.MarshalJSON()
	if err != nil {
		return nil, &LoadError{Source: filename, Errors: convertCUEErrors(err)}
	}
	return raw, nil
}

// check runs the struct tag validation and the cross-field checks.
func (l *Loader) check(cfg *Config) []ValidationError {
	errs := l.structErrors(cfg)
	errs = append(errs, strategyErrors(cfg.Strategies)...)

	seen := make(map[string]bool, len(cfg.Probes))
	for i, p := range cfg.Probes {
		if seen[p.Name] {
			errs = append(errs, ValidationError{
				Path:    fmt.Sprintf("probes[%d]", i),
				Message: fmt.Sprintf("duplicate probe %q", p.Name),
			})
		}
		seen[p.Name] = true
	}
	if cfg.Escalation.Rate > 0 && cfg.Escalation.Burst < 1 {
		errs = append(errs, ValidationError{Path: "escalation.burst", Message: "burst must be at least 1 when rate is set"})
	}
	return errs
}

func (l *Loader) structErrors(v interface{}) []ValidationError {
	err := l.validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return []ValidationError{{Message: err.Error()}}
	}
	out := make([]ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, ValidationError{
			Path:    fe.Namespace(),
			Message: fmt.Sprintf("failed on %q (value %v)", fe.Tag(), fe.Value()),
		})
	}
	return out
}

func strategyErrors(strategies []StrategyConfig) []ValidationError {
	var errs []ValidationError
	types := make(map[string]bool, len(strategies))
	for i, s := range strategies {
		path := fmt.Sprintf("strategies[%d]", i)
		if types[s.IssueType] {
			errs = append(errs, ValidationError{Path: path, Message: fmt.Sprintf("duplicate strategy for issue type %q", s.IssueType)})
		}
		types[s.IssueType] = true

		names := make(map[string]bool, len(s.Actions))
		for j, a := range s.Actions {
			apath := fmt.Sprintf("%s.actions[%d]", path, j)
			if names[a.Name] {
				errs = append(errs, ValidationError{Path: apath, Message: fmt.Sprintf("duplicate action %q", a.Name)})
			}
			names[a.Name] = true
			if err := a.Validate(); err != nil {
				errs = append(errs, ValidationError{Path: apath, Message: err.Error()})
			}
		}
	}
	return errs
}

// convertCUEErrors converts CUE errors to ValidationErrors with positions.
func convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{
			Path:    strings.Join(e.Path(), "."),
			Message: cueerrors.Details(e, nil),
		}
		// Report the user's position rather than the schema's when both are known.
		for _, pos := range cueerrors.Positions(e) {
			if ve.File == "" || ve.File == schemaFilename {
				ve.File = pos.Filename()
				ve.Line = pos.Line()
				ve.Column = pos.Column()
			}
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{Message: err.Error()})
	}
	return out
}

// Marshal renders cfg in the format selected by filename's extension.
func Marshal(cfg Config, filename string) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		return yaml.Marshal(cfg)
	case ".json":
		return json.MarshalIndent(cfg, "", "  ")
	case ".cue":
		data, err := json.Marshal(cfg)
		if err != nil {
			return nil, err
		}
		// JSON is valid CUE; format it in CUE style.
		return format.Source(data, format.Simplify())
	default:
		return nil, fmt.Errorf("unsupported config format %q", filepath.Ext(filename))
	}
}

func isConfigFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".cue", ".yaml", ".yml", ".json":
		return true
	}
	return false
}
