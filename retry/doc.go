// Package retry provides bounded polling against endpoints that are
// expected to become ready, such as a guest VM that is still booting.
package retry
