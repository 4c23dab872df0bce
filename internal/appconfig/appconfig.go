// Package appconfig loads the frontend configuration record: the build output
// mode, the compression switch and the ordered rewrite rules.
package appconfig

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/moonkev/flexrewrite/internal/rewrite"
	"go.yaml.in/yaml/v2"
)

// Output selects the deployment artifact layout.
type Output string

const (
	OutputDefault    Output = ""
	OutputStandalone Output = "standalone"
	OutputExport     Output = "export"
)

var (
	ErrInvalidOutput       = errors.New("invalid output mode")
	ErrRewritesUnsupported = errors.New("rewrites are not supported with output: export")
)

//go:embed default.yaml
var defaultYAML []byte

// AppConfig is the on-disk representation of the record.
type AppConfig struct {
	Output   Output         `yaml:"output,omitempty"`
	Compress *bool          `yaml:"compress,omitempty"`
	Rewrites []rewrite.Rule `yaml:"rewrites,omitempty"`
}

// Record is a validated AppConfig. It is built once at startup and never
// changes afterwards.
type Record struct {
	output   Output
	compress bool
	table    *rewrite.Table
}

func (r *Record) Output() Output {
	return r.output
}

// Compress reports whether the application compresses its own responses.
func (r *Record) Compress() bool {
	return r.compress
}

// Rewrites returns the ordered rewrite table.
func (r *Record) Rewrites() *rewrite.Table {
	return r.table
}

// AppConfig converts the record back to its on-disk form.
func (r *Record) AppConfig() AppConfig {
	compress := r.compress
	return AppConfig{
		Output:   r.output,
		Compress: &compress,
		Rewrites: r.table.Rules(),
	}
}

// Default returns the record shipped with the binary.
func Default() (*Record, error) {
	return Parse(defaultYAML, os.LookupEnv)
}

// Load reads a record from a YAML file, expanding ${VAR} references in its
// string values from the environment.
func Load(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	rec, err := Parse(data, os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return rec, nil
}

// Parse decodes and validates a record. ${VAR} references are expanded in
// decoded values only, so comments never need their variables set.
func Parse(data []byte, lookup func(string) (string, bool)) (*Record, error) {
	var cfg AppConfig
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	var missing []string
	expand := func(s string) string {
		out, unset := expandEnv(s, lookup)
		missing = append(missing, unset...)
		return out
	}
	cfg.Output = Output(expand(string(cfg.Output)))
	for i := range cfg.Rewrites {
		cfg.Rewrites[i].Source = expand(cfg.Rewrites[i].Source)
		cfg.Rewrites[i].Destination = expand(cfg.Rewrites[i].Destination)
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("unset environment variables: %s", strings.Join(missing, ", "))
	}
	return New(cfg)
}

// New validates an AppConfig. Compression defaults to enabled when omitted.
func New(cfg AppConfig) (*Record, error) {
	switch cfg.Output {
	case OutputDefault, OutputStandalone, OutputExport:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidOutput, cfg.Output)
	}
	if cfg.Output == OutputExport && len(cfg.Rewrites) > 0 {
		return nil, ErrRewritesUnsupported
	}

	table, err := rewrite.NewTable(cfg.Rewrites)
	if err != nil {
		return nil, err
	}

	compress := true
	if cfg.Compress != nil {
		compress = *cfg.Compress
	}
	return &Record{output: cfg.Output, compress: compress, table: table}, nil
}

var envRefRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} references and returns the names that are unset.
func expandEnv(s string, lookup func(string) (string, bool)) (string, []string) {
	var missing []string
	out := envRefRe.ReplaceAllStringFunc(s, func(ref string) string {
		name := ref[2 : len(ref)-1]
		v, ok := lookup(name)
		if !ok {
			missing = append(missing, name)
			return ref
		}
		return v
	})
	return out, missing
}
