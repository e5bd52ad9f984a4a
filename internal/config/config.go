// Package config defines the JSON ingestion configuration and its
// validation.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// IfExists selects behavior when the target table already exists.
type IfExists string

const (
	IfExistsFail    IfExists = "fail"
	IfExistsReplace IfExists = "replace"
	IfExistsAppend  IfExists = "append"
)

// ErrorStrategy selects behavior when validation finds bad rows.
type ErrorStrategy string

const (
	// FailFast aborts the run after the (complete) validation pass.
	FailFast ErrorStrategy = "fail_fast"
	// CollectErrors writes invalid rows to a side file and loads the rest.
	CollectErrors ErrorStrategy = "collect_errors"
)

// Storage selects and configures the database backend.
type Storage struct {
	// Kind: "postgres" | "sqlite" | "mssql".
	Kind string `json:"kind"`
	// DSN may reference environment variables as ${VAR}.
	DSN string `json:"dsn"`
}

// Ingestion is the full configuration of one ingestion run.
type Ingestion struct {
	// Path to the delimited input file.
	Path string `json:"path"`

	Schema string `json:"schema"`
	Table  string `json:"table"`

	IfExists      IfExists      `json:"if_exists"`
	ChunkSize     int           `json:"chunk_size"`
	ErrorStrategy ErrorStrategy `json:"error_strategy"`

	Delimiter string `json:"delimiter"`
	Encoding  string `json:"encoding"`

	AutoCreateTable bool     `json:"auto_create_table"`
	DedupColumns    []string `json:"dedup_columns"`

	// ValidateTypes is a pointer so an absent key defaults to true.
	ValidateTypes *bool `json:"validate_types"`

	Storage Storage `json:"storage"`
}

// Load reads and decodes a JSON config file and applies defaults.
func Load(path string) (*Ingestion, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Ingestion
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills zero values with the documented defaults.
func (c *Ingestion) ApplyDefaults() {
	if c.IfExists == "" {
		c.IfExists = IfExistsAppend
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = 10000
	}
	if c.ErrorStrategy == "" {
		c.ErrorStrategy = FailFast
	}
	if c.Delimiter == "" {
		c.Delimiter = ","
	}
	if c.Encoding == "" {
		c.Encoding = "utf-8"
	}
	if c.ValidateTypes == nil {
		t := true
		c.ValidateTypes = &t
	}
}

// ShouldValidate reports the effective validate_types setting.
func (c *Ingestion) ShouldValidate() bool {
	return c.ValidateTypes == nil || *c.ValidateTypes
}

// DelimiterRune returns the configured delimiter as a rune. Multi-rune
// values are rejected by Validate; here the first rune wins.
func (c *Ingestion) DelimiterRune() rune {
	for _, r := range c.Delimiter {
		return r
	}
	return ','
}

// Severity tags a validation issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one finding from config validation.
type Issue struct {
	Severity Severity
	Field    string
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s: %s", i.Severity, i.Field, i.Message)
}

// Validate checks the configuration and returns ordered issues. Callers
// abort on the first SeverityError; warnings are advisory.
func (c *Ingestion) Validate() []Issue {
	var issues []Issue

	errf := func(field, format string, args ...any) {
		issues = append(issues, Issue{SeverityError, field, fmt.Sprintf(format, args...)})
	}
	warnf := func(field, format string, args ...any) {
		issues = append(issues, Issue{SeverityWarning, field, fmt.Sprintf(format, args...)})
	}

	if strings.TrimSpace(c.Path) == "" {
		errf("path", "input file path is required")
	}
	if strings.TrimSpace(c.Table) == "" {
		errf("table", "target table is required")
	}
	if strings.TrimSpace(c.Schema) == "" {
		warnf("schema", "schema is empty; identifiers will be unqualified")
	}

	switch c.IfExists {
	case IfExistsFail, IfExistsReplace, IfExistsAppend:
	default:
		errf("if_exists", "must be fail, replace, or append (got %q)", c.IfExists)
	}

	switch c.ErrorStrategy {
	case FailFast, CollectErrors:
	default:
		errf("error_strategy", "must be fail_fast or collect_errors (got %q)", c.ErrorStrategy)
	}

	if c.ChunkSize <= 0 {
		errf("chunk_size", "must be > 0 (got %d)", c.ChunkSize)
	}

	if n := len([]rune(c.Delimiter)); n != 1 {
		errf("delimiter", "must be a single character (got %q)", c.Delimiter)
	}

	if strings.TrimSpace(c.Storage.Kind) == "" {
		errf("storage.kind", "storage backend kind is required")
	}
	if strings.TrimSpace(c.Storage.DSN) == "" {
		errf("storage.dsn", "storage DSN is required")
	}

	return issues
}

// HasErrors reports whether any issue is an error.
func HasErrors(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}
