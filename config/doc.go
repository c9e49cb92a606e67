// Package config defines the orchestrator's immutable configuration.
//
// All recognized settings, their defaults, and their derived paths live
// here. The CLI layer (cmd/flags) translates flags and environment
// variables into one Config value at process start; every other package
// receives that value by pointer and never consults the environment.
package config
