package measure

import (
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"
)

// Measurement is a hex-encoded SNP launch digest. Values arrive from
// different surfaces (local digest calculation, binary report fields,
// rendered report text captured over a guest console) and are normalized
// before comparison.
type Measurement string

// FromBytes encodes a raw digest.
func FromBytes(b []byte) Measurement {
	return Measurement(hex.EncodeToString(b))
}

// Normalize lowercases a measurement and strips whitespace and
// non-printable characters. Non-hex printable characters survive so a
// corrupted value fails comparison instead of silently shrinking.
func Normalize(raw string) Measurement {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return Measurement(b.String())
}

// MismatchError reports two measurements that differ after normalization.
// It is a verification verdict, not an infrastructure failure, and callers
// must surface it as such.
type MismatchError struct {
	Expected Measurement
	Actual   Measurement
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("measurements do not match: expected %s, got %s", e.Expected, e.Actual)
}

// Compare normalizes both measurements and returns a MismatchError when
// they differ. Either side being empty after normalization is a mismatch,
// never a silent pass.
func Compare(expected, actual Measurement) error {
	e := Normalize(string(expected))
	a := Normalize(string(actual))
	if e == "" || a == "" {
		return &MismatchError{Expected: e, Actual: a}
	}
	if e == a {
		return nil
	}
	return &MismatchError{Expected: e, Actual: a}
}
