package mcp

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// userConfigPattern matches ${user_config.<key>} placeholders.
var userConfigPattern = regexp.MustCompile(`\$\{user_config\.([^}]+)\}`)

// InjectUserConfig resolves ${user_config.<key>} placeholders in the server's
// command, args, and env values against the supplied value map. Unknown keys
// (or a nil map) leave the placeholder text untouched; it never fails.
func InjectUserConfig(cfg ServerConfig, values map[string]any) ServerConfig {
	out := ServerConfig{
		Image:   cfg.Image,
		Command: injectString(cfg.Command, values),
	}
	if cfg.Args != nil {
		out.Args = make([]string, len(cfg.Args))
		for i, arg := range cfg.Args {
			out.Args[i] = injectString(arg, values)
		}
	}
	if cfg.Env != nil {
		out.Env = make(map[string]string, len(cfg.Env))
		for k, v := range cfg.Env {
			out.Env[k] = injectString(v, values)
		}
	}
	return out
}

func injectString(s string, values map[string]any) string {
	if values == nil || !strings.Contains(s, "${user_config.") {
		return s
	}
	return userConfigPattern.ReplaceAllStringFunc(s, func(match string) string {
		key := userConfigPattern.FindStringSubmatch(match)[1]
		value, ok := values[key]
		if !ok {
			return match
		}
		return renderValue(value)
	})
}

// renderValue converts a user config value to its string form: arrays join
// with commas, booleans and numbers render as their literal text.
func renderValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case []any:
		parts := make([]string, len(t))
		for i, item := range t {
			parts[i] = renderValue(item)
		}
		return strings.Join(parts, ",")
	case []string:
		return strings.Join(t, ",")
	default:
		return fmt.Sprintf("%v", t)
	}
}
