package protocol

import (
	"bytes"
	"encoding/json"
)

// Scope is the addressing mode of a message, typing event or client view.
// The zero value is Global; a non-empty Target addresses one connection.
type Scope struct {
	Target string
}

var Global = Scope{}

func Private(target string) Scope {
	return Scope{Target: target}
}

func (s Scope) IsGlobal() bool {
	return s.Target == ""
}

func (s Scope) String() string {
	if s.IsGlobal() {
		return "global"
	}
	return "private:" + s.Target
}

// MarshalJSON encodes Global as null and Private as the target connection id.
func (s Scope) MarshalJSON() ([]byte, error) {
	if s.IsGlobal() {
		return []byte("null"), nil
	}
	return json.Marshal(s.Target)
}

func (s *Scope) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*s = Global
		return nil
	}
	var target string
	if err := json.Unmarshal(data, &target); err != nil {
		return err
	}
	*s = Scope{Target: target}
	return nil
}
