package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildEnv(t *testing.T) {
	source := map[string]string{
		"SECRET_TOKEN": "s3cr3t",
		"EMPTY":        "",
	}
	lookup := func(k string) (string, bool) {
		v, ok := source[k]
		return v, ok
	}

	cases := []struct {
		name      string
		base      []string
		overrides []EnvVar
		exp       []string
	}{
		{
			name: "base is preserved in order",
			base: []string{"PATH=/bin", "HOME=/root"},
			exp:  []string{"PATH=/bin", "HOME=/root"},
		},
		{
			name:      "literal value overrides base in place",
			base:      []string{"PATH=/bin", "MODE=dev", "HOME=/root"},
			overrides: []EnvVar{{Name: "MODE", Value: "prod"}},
			exp:       []string{"PATH=/bin", "MODE=prod", "HOME=/root"},
		},
		{
			name:      "new literal is appended",
			base:      []string{"PATH=/bin"},
			overrides: []EnvVar{{Name: "MODE", Value: "prod"}},
			exp:       []string{"PATH=/bin", "MODE=prod"},
		},
		{
			name:      "value from env copies the source key",
			overrides: []EnvVar{{Name: "API_KEY", ValueFrom: "env:SECRET_TOKEN"}},
			exp:       []string{"API_KEY=s3cr3t"},
		},
		{
			name:      "missing source key is skipped",
			base:      []string{"PATH=/bin"},
			overrides: []EnvVar{{Name: "API_KEY", ValueFrom: "env:NOPE"}},
			exp:       []string{"PATH=/bin"},
		},
		{
			name:      "missing source key does not clobber base",
			base:      []string{"API_KEY=old"},
			overrides: []EnvVar{{Name: "API_KEY", ValueFrom: "env:NOPE"}},
			exp:       []string{"API_KEY=old"},
		},
		{
			name:      "present but empty source key is copied",
			overrides: []EnvVar{{Name: "E", ValueFrom: "env:EMPTY"}},
			exp:       []string{"E="},
		},
		{
			name:      "unsupported value source is skipped",
			overrides: []EnvVar{{Name: "X", ValueFrom: "secret:foo"}},
			exp:       []string{},
		},
		{
			name: "later override wins",
			overrides: []EnvVar{
				{Name: "MODE", Value: "a"},
				{Name: "MODE", Value: "b"},
			},
			exp: []string{"MODE=b"},
		},
		{
			name:      "literal wins over value from",
			overrides: []EnvVar{{Name: "K", Value: "lit", ValueFrom: "env:SECRET_TOKEN"}},
			exp:       []string{"K=lit"},
		},
		{
			name:      "empty literal clears a base variable",
			base:      []string{"PATH=/bin", "DEBUG=1"},
			overrides: []EnvVar{{Name: "DEBUG"}},
			exp:       []string{"PATH=/bin", "DEBUG="},
		},
		{
			name:      "empty literal is added",
			overrides: []EnvVar{{Name: "EMPTY_FLAG", Value: ""}},
			exp:       []string{"EMPTY_FLAG="},
		},
		{
			name: "malformed base entries are dropped",
			base: []string{"NOEQUALS", "=novalue", "A=1=2"},
			exp:  []string{"A=1=2"},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.exp, BuildEnv(c.base, c.overrides, lookup))
		})
	}
}

func TestBuildEnvDefaultLookup(t *testing.T) {
	t.Setenv("TOOLBRIDGE_TEST_SOURCE", "from-os")
	env := BuildEnv(nil, []EnvVar{{Name: "DEST", ValueFrom: "env:TOOLBRIDGE_TEST_SOURCE"}}, nil)
	assert.Equal(t, []string{"DEST=from-os"}, env)
}
