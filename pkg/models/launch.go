package models

import "time"

// LaunchFailure is emitted by the process supervisor when the companion
// backend could not be started or died during startup.
type LaunchFailure struct {
	Diagnostic string    `json:"diagnostic"`
	At         time.Time `json:"at"`
}
