package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// Env prefixes passed through to agent subprocesses. Anything else in the
// parent environment is withheld from the variant that doesn't need it.
var passthroughPrefixes = []string{
	"ANTHROPIC_",
	"CLAUDE_CODE_",
	"OPENAI_",
	"GOOGLE_",
	"ZAI_",
	"SPRITES_",
	"GITHUB_",
	"API_TIMEOUT",
}

// ResolveToken resolves a named credential with the documented precedence:
// config.local.json env -> config.json env -> process environment -> user
// settings file (~/.config/wreckit/settings.json). Empty string on miss.
func (c *Config) ResolveToken(name string) string {
	if c != nil {
		if v, ok := c.localEnv[name]; ok && v != "" {
			return v
		}
		if v, ok := c.Env[name]; ok && v != "" {
			return v
		}
	}
	if v := os.Getenv(name); v != "" {
		return v
	}
	return userSettingsValue(name)
}

// PassthroughEnviron returns the parent environment filtered to the allowed
// prefixes, with config-supplied tokens appended (config wins on conflict).
func (c *Config) PassthroughEnviron() []string {
	out := []string{}
	fromConfig := map[string]bool{}
	appendKV := func(k, v string) {
		out = append(out, k+"="+v)
		fromConfig[k] = true
	}
	if c != nil {
		for k, v := range c.Env {
			if v != "" {
				appendKV(k, v)
			}
		}
		for k, v := range c.localEnv {
			if v != "" {
				appendKV(k, v)
			}
		}
	}
	for _, kv := range os.Environ() {
		eq := strings.IndexByte(kv, '=')
		if eq <= 0 {
			continue
		}
		k := kv[:eq]
		if fromConfig[k] {
			continue
		}
		for _, p := range passthroughPrefixes {
			if strings.HasPrefix(k, p) {
				out = append(out, kv)
				break
			}
		}
	}
	return out
}

func userSettingsValue(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	b, err := os.ReadFile(filepath.Join(home, ".config", "wreckit", "settings.json"))
	if err != nil {
		return ""
	}
	var m map[string]string
	if err := json.Unmarshal(b, &m); err != nil {
		return ""
	}
	return m[name]
}
