package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// TypeField is the JSON key carrying the discriminant.
const TypeField = "type"

var (
	ErrMalformed   = errors.New("malformed message")
	ErrMissingType = errors.New("message has no type")
	ErrUnknownType = errors.New("unknown message type")
)

// MarshalEvent encodes ev as a JSON object: its fields plus "type".
func MarshalEvent(ev Event) ([]byte, error) {
	if ev == nil {
		return nil, fmt.Errorf("marshal event: %w", ErrMalformed)
	}
	return marshalTagged(ev, ev.Kind())
}

// MarshalRequest encodes req as a JSON object: its fields plus "type".
func MarshalRequest(req Request) ([]byte, error) {
	if req == nil {
		return nil, fmt.Errorf("marshal request: %w", ErrMalformed)
	}
	return marshalTagged(req, req.Kind())
}

func marshalTagged(v any, kind Kind) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return sjson.SetBytes(body, TypeField, string(kind))
}

// UnmarshalEvent decodes one JSON object produced by MarshalEvent.
func UnmarshalEvent(data []byte) (Event, error) {
	kind, err := peekKind(data)
	if err != nil {
		return nil, err
	}
	switch kind {
	case KindStarted:
		return decode[Started](data)
	case KindProgress:
		return decode[Progress](data)
	case KindCompleted:
		return decode[Completed](data)
	case KindCancelled:
		return decode[Cancelled](data)
	case KindKilled:
		return decode[Killed](data)
	case KindWarning:
		return decode[Warning](data)
	case KindError:
		return decode[Error](data)
	default:
		return nil, fmt.Errorf("event %q: %w", kind, ErrUnknownType)
	}
}

// UnmarshalRequest decodes one JSON object produced by MarshalRequest.
func UnmarshalRequest(data []byte) (Request, error) {
	kind, err := peekKind(data)
	if err != nil {
		return nil, err
	}
	switch kind {
	case KindSubmit:
		return decode[Submit](data)
	case KindCancel:
		return decode[Cancel](data)
	case KindKill:
		return decode[Kill](data)
	case KindRestart:
		return decode[Restart](data)
	case KindShutdown:
		return Shutdown{}, nil
	default:
		return nil, fmt.Errorf("request %q: %w", kind, ErrUnknownType)
	}
}

func peekKind(data []byte) (Kind, error) {
	if !gjson.ValidBytes(data) {
		return "", ErrMalformed
	}
	res := gjson.ParseBytes(data)
	if !res.IsObject() {
		return "", ErrMalformed
	}
	t := res.Get(TypeField)
	if !t.Exists() || t.String() == "" {
		return "", ErrMissingType
	}
	return Kind(t.String()), nil
}

func decode[T any](data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return v, nil
}
