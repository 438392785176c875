package chartrepo

import (
	"encoding/json"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/itchyny/gojq"
	"helm.sh/helm/v3/pkg/repo"
)

const (
	SelectorFirst  = "first"
	SelectorSemver = "semver"
	SelectorJQ     = "jq"
)

// VersionSelector decides which entry of a chart's version list gets installed
type VersionSelector interface {
	Select(versions repo.ChartVersions) (*repo.ChartVersion, error)
}

func NewVersionSelector(config *SelectorConfig) (VersionSelector, error) {
	switch config.Method {
	case "", SelectorFirst:
		return FirstSelector{}, nil
	case SelectorSemver:
		c, err := semver.NewConstraint(config.Constraint)
		if err != nil {
			return nil, fmt.Errorf("invalid semver constraint %q: %w", config.Constraint, err)
		}
		return &SemverSelector{constraint: c}, nil
	case SelectorJQ:
		q, err := gojq.Parse(config.Query)
		if err != nil {
			return nil, fmt.Errorf("failed to parse query %q: %w", config.Query, err)
		}
		return &JQSelector{query: q}, nil
	default:
		return nil, fmt.Errorf("version selector %q not supported", config.Method)
	}
}

// FirstSelector always takes the first listed entry
type FirstSelector struct{}

func (FirstSelector) Select(versions repo.ChartVersions) (*repo.ChartVersion, error) {
	if len(versions) == 0 {
		return nil, ErrNoVersion
	}

	return versions[0], nil
}

// SemverSelector takes the highest version matching the constraint
type SemverSelector struct {
	constraint *semver.Constraints
}

func (s *SemverSelector) Select(versions repo.ChartVersions) (*repo.ChartVersion, error) {
	var (
		selected *repo.ChartVersion
		highest  *semver.Version
	)

	for _, cv := range versions {
		if cv == nil || cv.Metadata == nil {
			continue
		}

		v, err := semver.NewVersion(cv.Version)
		if err != nil {
			continue
		}

		if !s.constraint.Check(v) {
			continue
		}

		if highest == nil || v.GreaterThan(highest) {
			selected, highest = cv, v
		}
	}

	if selected == nil {
		return nil, fmt.Errorf("%w: no version matches %q", ErrNoVersion, s.constraint.String())
	}

	return selected, nil
}

// JQSelector runs a jq query against the entry list, the first result
// must be the chart version to install
type JQSelector struct {
	query *gojq.Query
}

func (s *JQSelector) Select(versions repo.ChartVersions) (*repo.ChartVersion, error) {
	data, err := json.Marshal(versions)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chart versions: %w", err)
	}

	var input []interface{}
	if err = json.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("failed to prepare jq input: %w", err)
	}

	result, ok := s.query.Run(input).Next()
	if !ok {
		return nil, fmt.Errorf("%w: query returned nothing", ErrNoVersion)
	}

	var version string
	switch r := result.(type) {
	case error:
		return nil, fmt.Errorf("failed to run query: %w", r)
	case string:
		version = r
	case map[string]interface{}:
		version, _ = r["version"].(string)
	}

	for _, cv := range versions {
		if cv != nil && cv.Metadata != nil && cv.Version == version {
			return cv, nil
		}
	}

	return nil, fmt.Errorf("%w: query result %v is not a listed version", ErrNoVersion, result)
}
