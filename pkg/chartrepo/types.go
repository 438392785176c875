package chartrepo

import (
	"errors"
	"time"
)

var (
	// ErrRepositoryNotFound is returned when the chart repository answered with a non 2xx status
	ErrRepositoryNotFound = errors.New("chart repository not found")
	// ErrInvalidIndex is returned when the index is not an apiVersion v1 helm repository index
	ErrInvalidIndex = errors.New("invalid repository index")
	// ErrChartNotFound is returned when the index has no entries for the chart
	ErrChartNotFound = errors.New("chart not found in repository")
	// ErrNoVersion is returned when no usable version could be selected
	ErrNoVersion = errors.New("no chart version selected")
)

// variables used when evaluating url and header templates
type templateVars struct {
	Adapter   string
	ChartName string
}

type HTTPProxyConfig struct {
	HTTP    string `json:"http" yaml:"http"`
	HTTPS   string `json:"https" yaml:"https"`
	NoProxy string `json:"noProxy" yaml:"noProxy"`
	CGI     bool   `json:"cgi" yaml:"cgi"`
}

// Config of the chart repository access
type Config struct {
	// URLTemplate of the per adapter chart repository, index.yaml is fetched below it
	URLTemplate string `json:"url" yaml:"url"`

	// Headers added to index requests, values are templates
	Headers map[string]string `json:"headers" yaml:"headers"`

	Proxy *HTTPProxyConfig `json:"proxy" yaml:"proxy"`

	// Timeout of a single index request, 0 means no timeout
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	Version SelectorConfig `json:"version" yaml:"version"`
}

// SelectorConfig chooses the strategy to select a chart version from the index
type SelectorConfig struct {
	// Method is one of first, semver, jq
	Method string `json:"method" yaml:"method"`

	// Constraint for method semver, e.g. ">= 1.0.0, < 2"
	Constraint string `json:"constraint" yaml:"constraint"`

	// Query for method jq, evaluated against the entry list, must yield a version string
	Query string `json:"query" yaml:"query"`
}
