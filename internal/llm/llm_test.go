package llm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeClaim(t *testing.T) {
	c, err := decodeClaim([]byte(`{
		"subject": " alice ",
		"predicate": "lives_in",
		"object": "tokyo",
		"confidence": 0.85,
		"negated": false,
		"basis_descriptions": ["alice mentioned moving"],
		"supersedes_description": "alice lives_in paris"
	}`))
	require.NoError(t, err)
	require.Equal(t, "alice", c.Subject, "fields are trimmed")
	require.Equal(t, "lives_in", c.Predicate)
	require.Equal(t, "tokyo", c.Object)
	require.InDelta(t, 0.85, c.Confidence, 1e-9)
	require.Equal(t, []string{"alice mentioned moving"}, c.BasisDescriptions)
	require.Equal(t, "alice lives_in paris", c.SupersedesDescription)
}

func TestDecodeClaim_ConfidenceDefault(t *testing.T) {
	c, err := decodeClaim([]byte(`{"subject":"a","predicate":"p","object":"o"}`))
	require.NoError(t, err)
	require.InDelta(t, 0.7, c.Confidence, 1e-9, "absent confidence defaults")

	// An explicit zero is a legal confidence, not an absence.
	c, err = decodeClaim([]byte(`{"subject":"a","predicate":"p","object":"o","confidence":0}`))
	require.NoError(t, err)
	require.Zero(t, c.Confidence)
}

func TestDecodeClaim_Rejections(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"missing subject", `{"predicate":"p","object":"o"}`},
		{"blank predicate", `{"subject":"a","predicate":"  ","object":"o"}`},
		{"confidence too high", `{"subject":"a","predicate":"p","object":"o","confidence":1.5}`},
		{"confidence negative", `{"subject":"a","predicate":"p","object":"o","confidence":-0.1}`},
		{"not json", `the model rambled instead`},
	}
	for _, tc := range cases {
		if _, err := decodeClaim([]byte(tc.raw)); err == nil {
			t.Errorf("%s: accepted %s", tc.name, tc.raw)
		}
	}
}

func TestDecodeObservation(t *testing.T) {
	data, err := decodeObservation([]byte(`{
		"concepts": [
			{"name": "Alice", "kind": "person"},
			{"name": "  ", "kind": "entity"},
			{"name": "Acme Corp", "components": ["Acme"]}
		],
		"topics": ["work"]
	}`))
	require.NoError(t, err)
	require.Len(t, data.Concepts, 2, "nameless concepts are dropped")
	require.Equal(t, "Alice", data.Concepts[0].Name)
	require.Equal(t, "entity", data.Concepts[1].Kind, "kind defaults to entity")
	require.Equal(t, []string{"Acme"}, data.Concepts[1].Components)
	require.Equal(t, []string{"work"}, data.Topics)
}

func TestStripCodeFence(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"{\"a\":1}", `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n{\"a\":1}\n```", `{"a":1}`},
		{"Here you go:\n```json\n{\"a\":1}\n```\n", `{"a":1}`},
		{"  {\"a\":1}\n", `{"a":1}`},
	}
	for _, tc := range cases {
		if got := stripCodeFence(tc.in); got != tc.want {
			t.Errorf("stripCodeFence(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
