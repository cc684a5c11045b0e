package config

import "errors"

// ErrConfigNotFound is returned when an explicitly requested config
// file does not exist.
var ErrConfigNotFound = errors.New("config file not found")
