// Package config loads the blossomd runtime configuration from a JSON file,
// fills in defaults relative to the file location, and resolves secrets that
// are referenced through *_env indirection.
package config
