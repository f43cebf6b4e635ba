// Package config loads the daemon configuration from a single YAML (or JSON)
// file, applies defaults relative to the file's directory and resolves
// secrets referenced through environment variables.
package config
