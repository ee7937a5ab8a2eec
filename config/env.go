// Package config provides configuration types and loading for the town
// simulation server. This file contains environment variable expansion for
// configuration values.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// ============================================================================
// ENVIRONMENT VARIABLE EXPANSION
// ============================================================================

// Supported formats, most specific first: ${VAR:-default}, ${VAR}, $VAR.
var (
	envWithDefault = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*):-(.*?)\}`)
	envBraced      = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`)
	envSimple      = regexp.MustCompile(`\$([A-Z_][A-Z0-9_]*)`)
)

// expandEnvVars expands environment variable references in a string.
func expandEnvVars(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}

	s = envWithDefault.ReplaceAllStringFunc(s, func(match string) string {
		parts := envWithDefault.FindStringSubmatch(match)
		if val := os.Getenv(parts[1]); val != "" {
			return val
		}
		return parts[2]
	})
	s = envBraced.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envBraced.FindStringSubmatch(match)[1])
	})
	s = envSimple.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envSimple.FindStringSubmatch(match)[1])
	})
	return s
}

// parseValue re-types an expanded string so numeric and boolean settings keep
// their YAML types.
func parseValue(value string) interface{} {
	switch strings.ToLower(value) {
	case "true":
		return true
	case "false":
		return false
	}
	if intVal, err := strconv.Atoi(value); err == nil {
		return intVal
	}
	if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
		return floatVal
	}
	return value
}

// ExpandEnvVarsInData recursively expands environment variables in every
// string leaf of a decoded YAML document.
func ExpandEnvVarsInData(data interface{}) interface{} {
	switch v := data.(type) {
	case string:
		expanded := expandEnvVars(v)
		if expanded != v {
			return parseValue(expanded)
		}
		return expanded
	case map[string]interface{}:
		result := make(map[string]interface{}, len(v))
		for key, value := range v {
			result[key] = ExpandEnvVarsInData(value)
		}
		return result
	case []interface{}:
		result := make([]interface{}, len(v))
		for i, item := range v {
			result[i] = ExpandEnvVarsInData(item)
		}
		return result
	default:
		return v
	}
}

// LoadDotEnv loads environment variables from .env files. Priority:
// .env.local over .env over the system environment.
func LoadDotEnv() error {
	for _, file := range []string{".env.local", ".env"} {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return nil
}
