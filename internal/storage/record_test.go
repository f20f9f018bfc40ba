package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordEnvelope(t *testing.T) {
	type doc struct {
		Name string `json:"name"`
	}
	raw, err := Encode(RecordHistory, doc{Name: "alice"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"history","version":1,"data":{"name":"alice"}}`, string(raw))

	var got doc
	require.NoError(t, Decode(raw, RecordHistory, &got))
	assert.Equal(t, "alice", got.Name)

	tests := []struct {
		name string
		doc  string
		want RecordType
	}{
		{name: "Wrong type", doc: string(raw), want: RecordTimeouts},
		{name: "Not JSON", doc: `{{`, want: RecordHistory},
		{name: "Missing type", doc: `{"version":1,"data":{}}`, want: RecordHistory},
		{name: "Future version", doc: `{"type":"history","version":9,"data":{}}`, want: RecordHistory},
		{name: "Bad body", doc: `{"type":"history","version":1,"data":{"name":5}}`, want: RecordHistory},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v doc
			assert.ErrorIs(t, Decode([]byte(tt.doc), tt.want, &v), ErrCorruptRecord)
		})
	}
}
