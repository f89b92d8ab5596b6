package llm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "clean JSON untouched",
			raw:  `{"pois":[],"relationships":[]}`,
			want: `{"pois":[],"relationships":[]}`,
		},
		{
			name: "surrounding whitespace trimmed",
			raw:  "\n\t  {\"a\":1}  \n",
			want: `{"a":1}`,
		},
		{
			name: "json code fence stripped",
			raw:  "```json\n{\"a\":1}\n```",
			want: `{"a":1}`,
		},
		{
			name: "bare code fence stripped",
			raw:  "```\n{\"a\":1}\n```",
			want: `{"a":1}`,
		},
		{
			name: "prose around object dropped",
			raw:  "Here is the analysis:\n{\"a\":1}\nLet me know if you need more.",
			want: `{"a":1}`,
		},
		{
			name: "trailing comma in object removed",
			raw:  `{"a":1,}`,
			want: `{"a":1}`,
		},
		{
			name: "trailing comma in array removed",
			raw:  `{"a":[1,2,]}`,
			want: `{"a":[1,2]}`,
		},
		{
			name: "trailing comma before newline removed",
			raw:  "{\"a\":1,\n}",
			want: "{\"a\":1\n}",
		},
		{
			name: "comma inside string kept",
			raw:  `{"a":"x,}"}`,
			want: `{"a":"x,}"}`,
		},
		{
			name: "truncated object closed",
			raw:  `{"a":{"b":[1,2`,
			want: `{"a":{"b":[1,2]}}`,
		},
		{
			name: "truncated string closed",
			raw:  `{"a":"unfinished`,
			want: `{"a":"unfinished"}`,
		},
		{
			name: "truncation after comma",
			raw:  `{"a":[1,`,
			want: `{"a":[1]}`,
		},
		{
			name: "truncation after colon",
			raw:  `{"a":`,
			want: `{"a": null}`,
		},
		{
			name: "fenced truncated response",
			raw:  "```json\n{\"relationships\":[{\"type\":\"CALLS\"",
			want: `{"relationships":[{"type":"CALLS"}]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Sanitize(tt.raw))
		})
	}
}

// TestSanitizeProducesValidJSON runs a battery of damaged inputs through
// Sanitize and asserts the output at least parses.
func TestSanitizeProducesValidJSON(t *testing.T) {
	inputs := []string{
		"Sure! ```json\n{\"pois\": [{\"kind\": \"function\", \"name\": \"init\"},], \"relationships\": []}\n``` Hope this helps.",
		`{"pois":[],"relationships":[{"source_name":"a","target_name":"b","type":"CALLS","confidence":0.9`,
		"{\"pois\": [\n  {\"kind\": \"class\", \"name\": \"Widget\", \"line\": 3},\n",
		`{"relationships": [{"reason": "calls b()","confidence":`,
	}

	for _, raw := range inputs {
		var v any

		err := json.Unmarshal([]byte(Sanitize(raw)), &v)
		require.NoError(t, err, "input: %q produced %q", raw, Sanitize(raw))
	}
}
