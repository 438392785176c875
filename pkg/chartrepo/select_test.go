package chartrepo

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"helm.sh/helm/v3/pkg/chart"
	"helm.sh/helm/v3/pkg/repo"
)

func testVersions(versions ...string) repo.ChartVersions {
	var ret repo.ChartVersions
	for _, v := range versions {
		ret = append(ret, &repo.ChartVersion{
			Metadata: &chart.Metadata{Name: "adapter-hue", Version: v, AppVersion: "app-" + v},
		})
	}
	return ret
}

func TestFirstSelector(t *testing.T) {
	s, err := NewVersionSelector(&SelectorConfig{})
	require.NoError(t, err)

	v, err := s.Select(testVersions("0.1.0", "0.3.0"))
	require.NoError(t, err)
	assert.Equal(t, "0.1.0", v.Version)

	_, err = s.Select(nil)
	assert.True(t, errors.Is(err, ErrNoVersion))
}

func TestSemverSelector(t *testing.T) {
	s, err := NewVersionSelector(&SelectorConfig{Method: SelectorSemver, Constraint: "< 1.0.0"})
	require.NoError(t, err)

	v, err := s.Select(testVersions("0.1.0", "1.2.0", "0.3.0", "invalid"))
	require.NoError(t, err)
	assert.Equal(t, "0.3.0", v.Version)

	_, err = s.Select(testVersions("1.0.0"))
	assert.True(t, errors.Is(err, ErrNoVersion))

	_, err = NewVersionSelector(&SelectorConfig{Method: SelectorSemver, Constraint: "not a constraint"})
	assert.Error(t, err)
}

func TestJQSelector(t *testing.T) {
	s, err := NewVersionSelector(&SelectorConfig{
		Method: SelectorJQ,
		Query:  `map(select(.appVersion == "app-0.3.0")) | .[0].version`,
	})
	require.NoError(t, err)

	v, err := s.Select(testVersions("0.1.0", "0.3.0"))
	require.NoError(t, err)
	assert.Equal(t, "0.3.0", v.Version)

	s, err = NewVersionSelector(&SelectorConfig{Method: SelectorJQ, Query: `.[1]`})
	require.NoError(t, err)
	v, err = s.Select(testVersions("0.1.0", "0.3.0"))
	require.NoError(t, err)
	assert.Equal(t, "0.3.0", v.Version)

	s, err = NewVersionSelector(&SelectorConfig{Method: SelectorJQ, Query: `"9.9.9"`})
	require.NoError(t, err)
	_, err = s.Select(testVersions("0.1.0"))
	assert.True(t, errors.Is(err, ErrNoVersion))
}
