package core

// ConfigStore is the configuration collaborator.
//
// Values are strings addressed by dotted paths ("clock.cycle_time_ms").
// Typed access lives in package config.
type ConfigStore interface {
	GetValue(path string) (string, bool)
	SetValue(path, value string) error
}
