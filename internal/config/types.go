package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Duration is a time.Duration that decodes from strings such as "250ms" or
// "1m30s". A bare integer is read as seconds, which keeps environment
// overrides like KNOWLEDGED_LOCK_TIMEOUT=15 working.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	s := string(text)
	var v time.Duration
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		v = time.Duration(n) * time.Second
	} else if v, err = time.ParseDuration(s); err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if v < 0 {
		return fmt.Errorf("invalid duration %q: negative", s)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d Duration) String() string { return time.Duration(d).String() }

// Duration converts back to time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// redactedValue stands in for a Secret whenever one is printed or encoded.
const redactedValue = "[REDACTED]"

var errRedactedSecret = errors.New("secret holds a redacted placeholder, not a credential")

// Secret holds a credential. Formatting and encoding never reveal it; only
// Value does.
type Secret string

func (s Secret) masked() string {
	if s == "" {
		return ""
	}
	return redactedValue
}

func (s Secret) String() string   { return s.masked() }
func (s Secret) GoString() string { return "Secret(" + redactedValue + ")" }

// Value returns the credential itself.
func (s Secret) Value() string { return string(s) }

// IsSet reports whether a credential was configured.
func (s Secret) IsSet() bool { return s != "" }

func (s Secret) MarshalText() ([]byte, error) { return []byte(s.masked()), nil }
func (s Secret) MarshalJSON() ([]byte, error) { return json.Marshal(s.masked()) }

// UnmarshalText accepts the raw credential. Koanf decodes environment
// variables and YAML scalars through it.
func (s *Secret) UnmarshalText(text []byte) error {
	if string(text) == redactedValue {
		return errRedactedSecret
	}
	*s = Secret(text)
	return nil
}

// UnmarshalJSON rejects the placeholder so a dumped config cannot be loaded
// back with a bogus credential.
func (s *Secret) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return s.UnmarshalText([]byte(raw))
}
