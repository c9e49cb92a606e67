package bootparams

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Param is one launch option. Flag-only entries have an empty Value.
type Param struct {
	Flag  string `json:"flag"`
	Value string `json:"value,omitempty"`
}

// journal is the persisted form of a Set.
type journal struct {
	Executable string  `json:"executable"`
	Params     []Param `json:"params"`
}

// Set is an ordered, append-only list of launch parameters. Insertion order
// is significant: the measurement tooling recomputes the expected launch
// digest from a subset of these entries, so any ordering or formatting drift
// invalidates the comparison. Every Append persists the whole set to the
// journal file, making a partially built set inspectable after a crash.
type Set struct {
	exe         string
	journalPath string
	params      []Param
}

// New returns an empty Set and truncates any stale journal at journalPath.
// A Set is built fresh for every launch; it never extends a previous run's
// entries.
func New(exe, journalPath string) (*Set, error) {
	s := &Set{exe: exe, journalPath: journalPath}
	if err := s.persist(); err != nil {
		return nil, err
	}
	return s, nil
}

// Load reads a previously persisted Set, for auditing a past launch.
func Load(journalPath string) (*Set, error) {
	raw, err := os.ReadFile(journalPath)
	if err != nil {
		return nil, fmt.Errorf("read boot parameter journal: %w", err)
	}
	var j journal
	if err := json.Unmarshal(raw, &j); err != nil {
		return nil, fmt.Errorf("decode boot parameter journal %s: %w", journalPath, err)
	}
	return &Set{exe: j.Executable, journalPath: journalPath, params: j.Params}, nil
}

// Append adds one flag/value pair and persists the set.
func (s *Set) Append(flag, value string) error {
	s.params = append(s.params, Param{Flag: flag, Value: value})
	return s.persist()
}

// AppendFlag adds a value-less flag and persists the set.
func (s *Set) AppendFlag(flag string) error {
	return s.Append(flag, "")
}

func (s *Set) persist() error {
	raw, err := json.MarshalIndent(journal{Executable: s.exe, Params: s.params}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode boot parameter journal: %w", err)
	}
	if err := os.WriteFile(s.journalPath, raw, 0o644); err != nil {
		return fmt.Errorf("persist boot parameter journal: %w", err)
	}
	return nil
}

// Params returns the ordered entries.
func (s *Set) Params() []Param {
	out := make([]Param, len(s.params))
	copy(out, s.params)
	return out
}

// Value returns the value of the first entry with the given flag. The
// attestation flow uses it to recover the measured inputs from a journal.
func (s *Set) Value(flag string) (string, bool) {
	for _, p := range s.params {
		if p.Flag == flag {
			return p.Value, true
		}
	}
	return "", false
}

// Argv returns the executable and parameters as exec-ready tokens.
func (s *Set) Argv() []string {
	argv := []string{s.exe}
	for _, p := range s.params {
		argv = append(argv, p.Flag)
		if p.Value != "" {
			argv = append(argv, p.Value)
		}
	}
	return argv
}

// Materialize renders the literal launch invocation. Two calls on the same
// set produce byte-identical output.
func (s *Set) Materialize() string {
	var b strings.Builder
	b.WriteString(s.exe)
	for _, p := range s.params {
		b.WriteByte(' ')
		b.WriteString(p.Flag)
		if p.Value == "" {
			continue
		}
		b.WriteByte(' ')
		if strings.ContainsAny(p.Value, " \t") {
			b.WriteByte('"')
			b.WriteString(p.Value)
			b.WriteByte('"')
		} else {
			b.WriteString(p.Value)
		}
	}
	return b.String()
}

// WriteCommand writes the materialized invocation as an executable shell
// file. The file doubles as the audit record of the ordered parameter set.
func (s *Set) WriteCommand(path string) error {
	content := "#!/bin/sh\n" + s.Materialize() + "\n"
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		return fmt.Errorf("write launch command %s: %w", path, err)
	}
	return nil
}
