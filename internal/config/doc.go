// Package config implements the configuration store collaborator.
//
// Values are strings addressed by dotted paths. Tree is the in-process store
// every participant uses; it is filled from a YAML file (LoadFile, validated
// against an embedded CUE schema), from Redis (RedisStore.LoadInto), or by
// SetValue at runtime. Watcher re-applies a file when it changes so that
// subscribers (for example the standalone flag) see the new value.
//
// Typed reads go through Int, Float, Bool, Duration and String, which fall
// back to a default when the key is missing or malformed.
package config
