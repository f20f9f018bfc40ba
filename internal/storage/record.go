package storage

import (
	"encoding/json"
	"errors"
	"fmt"
)

// RecordVersion is the current document schema version
const RecordVersion = 1

var ErrCorruptRecord = errors.New("corrupt record")

// RecordType identifies what a stored document holds
type RecordType string

const (
	RecordFixedListing RecordType = "fixed_listing"
	RecordAuction      RecordType = "auction"
	RecordHistory      RecordType = "history"
	RecordTimeouts     RecordType = "timeouts"
)

type envelope struct {
	Type    RecordType      `json:"type"`
	Version int             `json:"version"`
	Data    json.RawMessage `json:"data"`
}

// Encode wraps v in a self-describing document
func Encode(t RecordType, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", t, err)
	}
	return json.Marshal(envelope{Type: t, Version: RecordVersion, Data: data})
}

// Peek returns the type of a document without decoding its body
func Peek(doc []byte) (RecordType, json.RawMessage, error) {
	var env envelope
	if err := json.Unmarshal(doc, &env); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	if env.Type == "" || len(env.Data) == 0 {
		return "", nil, fmt.Errorf("%w: missing type or data", ErrCorruptRecord)
	}
	if env.Version < 1 || env.Version > RecordVersion {
		return "", nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptRecord, env.Version)
	}
	return env.Type, env.Data, nil
}

// Decode unmarshals a document that must be of type want into v
func Decode(doc []byte, want RecordType, v any) error {
	t, data, err := Peek(doc)
	if err != nil {
		return err
	}
	if t != want {
		return fmt.Errorf("%w: got %s, want %s", ErrCorruptRecord, t, want)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	return nil
}
