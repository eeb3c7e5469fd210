package config

import (
	"errors"
	"time"
)

// MaxProbeTimeout caps a single health probe.
const MaxProbeTimeout = 2 * time.Second

// ErrInvalidConfig is returned when a loaded value fails validation.
var ErrInvalidConfig = errors.New("invalid config")
