package handlers

import (
	"encoding/hex"
	"time"

	"github.com/adred-codev/unmanageable-talk/internal/apierr"
)

func str(data Data, key string) (string, error) {
	v, ok := data[key]
	if !ok {
		return "", apierr.Malformed()
	}
	s, ok := v.(string)
	if !ok {
		return "", apierr.Malformed()
	}
	return s, nil
}

func number(data Data, key string) (float64, error) {
	v, ok := data[key]
	if !ok {
		return 0, apierr.Malformed()
	}
	n, ok := v.(float64)
	if !ok {
		return 0, apierr.Malformed()
	}
	return n, nil
}

func integer(data Data, key string) (int, error) {
	n, err := number(data, key)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func boolean(data Data, key string) (bool, error) {
	v, ok := data[key]
	if !ok {
		return false, apierr.Malformed()
	}
	b, ok := v.(bool)
	if !ok {
		return false, apierr.Malformed()
	}
	return b, nil
}

func stringSlice(data Data, key string) ([]string, error) {
	v, ok := data[key]
	if !ok {
		return nil, apierr.Malformed()
	}
	raw, ok := v.([]any)
	if !ok {
		return nil, apierr.Malformed()
	}
	out := make([]string, len(raw))
	for i, e := range raw {
		s, ok := e.(string)
		if !ok {
			return nil, apierr.Malformed()
		}
		out[i] = s
	}
	return out, nil
}

func objectSlice(data Data, key string) ([]Data, error) {
	v, ok := data[key]
	if !ok {
		return nil, apierr.Malformed()
	}
	raw, ok := v.([]any)
	if !ok {
		return nil, apierr.Malformed()
	}
	out := make([]Data, len(raw))
	for i, e := range raw {
		m, ok := e.(map[string]any)
		if !ok {
			return nil, apierr.Malformed()
		}
		out[i] = Data(m)
	}
	return out, nil
}

// hexKey decodes a 32-byte compressed Edwards point from a hex string into
// the fixed array cryptoutil expects.
func hexKey(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return out, apierr.Malformed()
	}
	copy(out[:], b)
	return out, nil
}

func hexBytes(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, apierr.Malformed()
	}
	return b, nil
}

// parseCursor parses the ISO-8601 UTC timestamp string used for message
// pagination cursors, mirroring get_message_history's strptime check.
func parseCursor(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, err = time.Parse("2006-01-02T15:04:05.999999", s)
		if err != nil {
			return time.Time{}, apierr.Malformed()
		}
	}
	return t.UTC(), nil
}
