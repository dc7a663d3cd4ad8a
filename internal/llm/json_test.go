package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{name: "bare", in: `{"a":1}`, want: `{"a":1}`, ok: true},
		{name: "fenced", in: "here:\n```json\n{\"a\":1}\n```\nthanks", want: `{"a":1}`, ok: true},
		{name: "prose", in: `Sure. {"a":{"b":2}} Done.`, want: `{"a":{"b":2}}`, ok: true},
		{name: "none", in: "no json here", ok: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, ok := ExtractJSON(tc.in)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDecodeJSON(t *testing.T) {
	type out struct {
		Case string `json:"case"`
	}
	got, err := DecodeJSON[out]("```\n{\"case\":\"2\"}\n```")
	require.NoError(t, err)
	assert.Equal(t, "2", got.Case)

	_, err = DecodeJSON[out]("{not json}")
	assert.Error(t, err)
}
