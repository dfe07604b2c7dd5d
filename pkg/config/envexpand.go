package config

import (
	"bytes"
	"os"
	"strings"
	"text/template"
)

// ExpandEnv substitutes {{.VAR}} references in config content with
// environment values. Shell-style $VAR and ${VAR} are left untouched so
// blocked-term patterns and passwords containing '$' survive.
//
// Missing variables expand to an empty string. Content that isn't a valid
// template is returned unchanged and left for the YAML parser to reject.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("askrelay").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			env[k] = v
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, env); err != nil {
		return data
	}
	return buf.Bytes()
}
