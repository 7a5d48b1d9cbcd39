// Package config loads all service configuration from environment variables.
package config
