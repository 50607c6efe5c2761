package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/guseggert/toolbridge/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
server:
  port: 9090
bridge:
  callTimeout: 2s
envFiles:
  - test.env
services:
  - name: echo
    displayName: Echo
    description: Echoes its input
    command: python3
    args: [-m, echo_server]
    enabled: true
    autoStart: true
    env:
      - name: API_KEY
        valueFrom: env:TOOLBRIDGE_TEST_SOURCE_KEY
      - name: MODE
        value: prod
    tools:
      - name: echo
        description: Echo text
        inputSchema:
          type: object
        example:
          text: hello
  - name: disabled
    command: /bin/false
`

func writeFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, FileName, sampleConfig)
	writeFile(t, dir, "test.env", "TOOLBRIDGE_TEST_FROM_FILE=from-file\nTOOLBRIDGE_TEST_PRESET=from-file\n")

	t.Setenv("TOOLBRIDGE_TEST_PRESET", "preset")
	t.Setenv("TOOLBRIDGE_TEST_FROM_FILE", "")
	os.Unsetenv("TOOLBRIDGE_TEST_FROM_FILE")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, path, cfg.Path)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 2*time.Second, cfg.Bridge.CallTimeout)
	assert.Equal(t, 30*time.Second, cfg.Bridge.HandshakeTimeout)
	assert.Equal(t, worker.DefaultStopGrace, cfg.Bridge.StopGrace)

	require.Len(t, cfg.Services, 2)
	echo, ok := cfg.Service("echo")
	require.True(t, ok)
	assert.Equal(t, "Echo", echo.Title())
	assert.Equal(t, []string{"-m", "echo_server"}, echo.Args)
	assert.True(t, echo.Enabled)
	assert.True(t, echo.AutoStart)
	assert.Equal(t, []worker.EnvVar{
		{Name: "API_KEY", ValueFrom: "env:TOOLBRIDGE_TEST_SOURCE_KEY"},
		{Name: "MODE", Value: "prod"},
	}, echo.Env)
	require.Len(t, echo.Tools, 1)
	assert.Equal(t, "hello", echo.Tools[0].Example["text"])
	assert.Equal(t, "object", echo.Tools[0].InputSchema["type"])

	disabled, ok := cfg.Service("disabled")
	require.True(t, ok)
	assert.False(t, disabled.Enabled)
	assert.Equal(t, "disabled", disabled.Title())

	assert.Equal(t, "from-file", os.Getenv("TOOLBRIDGE_TEST_FROM_FILE"))
	assert.Equal(t, "preset", os.Getenv("TOOLBRIDGE_TEST_PRESET"))
}

func TestLoadKeepsToolKeyCase(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, FileName, `
services:
  - name: search
    command: search-server
    tools:
      - name: find
        inputSchema:
          type: object
          properties:
            userId: {type: string}
            maxResults: {type: integer, description: Upper bound}
          required: [userId]
        example:
          userId: "42"
          maxResults: 5
      - name: plain
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	svc, ok := cfg.Service("search")
	require.True(t, ok)
	require.Len(t, svc.Tools, 2)

	find := svc.Tools[0]
	assert.Equal(t, map[string]any{
		"type": "object",
		"properties": map[string]any{
			"userId":     map[string]any{"type": "string"},
			"maxResults": map[string]any{"type": "integer", "description": "Upper bound"},
		},
		"required": []any{"userId"},
	}, find.InputSchema)
	assert.Equal(t, map[string]any{"userId": "42", "maxResults": 5}, find.Example)

	assert.Equal(t, "plain", svc.Tools[1].Name)
	assert.Nil(t, svc.Tools[1].InputSchema)
}

func TestLoadEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, FileName, "server:\n  port: 9090\n")
	t.Setenv("TOOLBRIDGE_SERVER_PORT", "7070")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
}

func TestLoadDefaultsOnly(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Server, cfg.Server)
	assert.Equal(t, Default().Bridge, cfg.Bridge)
	assert.Empty(t, cfg.Services)
}

func TestLoadMissingEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, FileName, "envFiles: [missing.env]\n")

	_, err := Load(path)
	require.ErrorContains(t, err, "missing.env")
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name      string
		services  []ServiceConfig
		expErrors []string
	}{
		{
			name:     "valid",
			services: []ServiceConfig{{Name: "a", Command: "x"}, {Name: "b", Command: "y"}},
		},
		{
			name:      "missing name",
			services:  []ServiceConfig{{Command: "x"}},
			expErrors: []string{"services[0]: name is required"},
		},
		{
			name:      "duplicate and missing command",
			services:  []ServiceConfig{{Name: "a", Command: "x"}, {Name: "a"}},
			expErrors: []string{`service "a": duplicate name`, `service "a": command is required`},
		},
		{
			name:      "slash in name",
			services:  []ServiceConfig{{Name: "a/b", Command: "x"}},
			expErrors: []string{"must not contain"},
		},
		{
			name: "bad valueFrom",
			services: []ServiceConfig{{Name: "a", Command: "x", Env: []worker.EnvVar{
				{Name: "K", ValueFrom: "secret:k"},
			}}},
			expErrors: []string{`unsupported valueFrom "secret:k"`},
		},
		{
			name: "literal value wins over bad valueFrom",
			services: []ServiceConfig{{Name: "a", Command: "x", Env: []worker.EnvVar{
				{Name: "K", Value: "v", ValueFrom: "secret:k"},
			}}},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := Default()
			cfg.Services = c.services
			err := cfg.Validate()
			if len(c.expErrors) == 0 {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			for _, e := range c.expErrors {
				assert.ErrorContains(t, err, e)
			}
		})
	}
}

func TestResolve(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "sub")
	require.NoError(t, os.Mkdir(nested, 0o755))
	found := writeFile(t, dir, FileName, "services: []\n")

	t.Setenv(EnvConfigPath, "")
	p, err := Resolve("explicit.yaml", nested)
	require.NoError(t, err)
	assert.Equal(t, "explicit.yaml", p)

	p, err = Resolve("", nested)
	require.NoError(t, err)
	assert.Equal(t, found, p)

	t.Setenv(EnvConfigPath, "/etc/toolbridge.yaml")
	p, err = Resolve("", nested)
	require.NoError(t, err)
	assert.Equal(t, "/etc/toolbridge.yaml", p)
}
