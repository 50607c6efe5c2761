package worker

import (
	"os"
	"strings"
)

// ValueFromEnvPrefix marks an EnvVar.ValueFrom that copies a variable from the gateway's own environment.
const ValueFromEnvPrefix = "env:"

// EnvVar is a single environment override for a worker.
// Without ValueFrom, Value is used literally, and may be empty. With ValueFrom, a non-empty Value still wins;
// otherwise ValueFrom names a source, currently only "env:<KEY>".
type EnvVar struct {
	Name      string `mapstructure:"name" json:"name"`
	Value     string `mapstructure:"value" json:"value,omitempty"`
	ValueFrom string `mapstructure:"valueFrom" json:"valueFrom,omitempty"`
}

// BuildEnv overlays overrides onto base, which is a list of KEY=VALUE pairs such as os.Environ().
// Overrides whose source key is missing from lookup are skipped, so the worker never sees an empty placeholder.
// A nil lookup uses os.LookupEnv.
func BuildEnv(base []string, overrides []EnvVar, lookup func(string) (string, bool)) []string {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	env := make([]string, 0, len(base)+len(overrides))
	index := map[string]int{}
	set := func(name, value string) {
		kv := name + "=" + value
		if i, ok := index[name]; ok {
			env[i] = kv
			return
		}
		index[name] = len(env)
		env = append(env, kv)
	}

	for _, kv := range base {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			continue
		}
		set(name, value)
	}

	for _, o := range overrides {
		if o.Name == "" {
			continue
		}
		value, ok := o.resolve(lookup)
		if !ok {
			continue
		}
		set(o.Name, value)
	}
	return env
}

func (e EnvVar) resolve(lookup func(string) (string, bool)) (string, bool) {
	if e.Value != "" || e.ValueFrom == "" {
		return e.Value, true
	}
	key, ok := strings.CutPrefix(e.ValueFrom, ValueFromEnvPrefix)
	if !ok || key == "" {
		return "", false
	}
	return lookup(key)
}
