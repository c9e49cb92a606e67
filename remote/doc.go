// Package remote executes commands and file transfers inside a running
// guest VM over SSH, reporting stdout, stderr and the remote exit code as a
// single result.
package remote
