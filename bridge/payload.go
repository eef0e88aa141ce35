package bridge

import (
	"encoding/json"
	"strings"
)

type payloadKind int

const (
	payloadEmpty payloadKind = iota
	payloadText              // not JSON
	payloadObject
	payloadNumber
	payloadBool
	payloadString
	payloadNull
	payloadArray
)

// payload is an inbound MQTT payload classified by shape. Only the field matching kind is set.
type payload struct {
	kind     payloadKind
	raw      string
	object   map[string]interface{}
	number   float64
	boolean  bool
	str      string
	parseErr error
}

func decodePayload(b []byte) payload {
	raw := strings.TrimSpace(string(b))
	if raw == "" {
		return payload{kind: payloadEmpty}
	}

	var v interface{}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return payload{kind: payloadText, raw: raw, parseErr: err}
	}

	p := valuePayload(v)
	p.raw = raw

	return p
}

// valuePayload classifies an already decoded JSON value, such as an object member.
func valuePayload(v interface{}) payload {
	switch v := v.(type) {
	case map[string]interface{}:
		return payload{kind: payloadObject, object: v}
	case float64:
		return payload{kind: payloadNumber, number: v}
	case bool:
		return payload{kind: payloadBool, boolean: v}
	case string:
		return payload{kind: payloadString, str: v}
	case []interface{}:
		return payload{kind: payloadArray}
	default:
		return payload{kind: payloadNull}
	}
}

// looksStructured reports whether unparseable text was meant to be a JSON object or array.
func (p payload) looksStructured() bool {
	return p.kind == payloadText && (strings.HasPrefix(p.raw, "{") || strings.HasPrefix(p.raw, "["))
}

// text returns the payload as a bare word, for shapes that have one.
func (p payload) text() (string, bool) {
	switch p.kind {
	case payloadString:
		return p.str, true
	case payloadText, payloadEmpty:
		return p.raw, true
	}
	return "", false
}
