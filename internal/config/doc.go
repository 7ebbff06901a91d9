// Package config loads the agent configuration from a YAML or JSON file with
// viper, layering built-in defaults, EVMAGENT_ environment overrides and
// ${VAR} expansion, and validates the result before any component starts.
package config
