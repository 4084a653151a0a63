package advert

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncode_FlattensAttributes(t *testing.T) {
	ad := Advertisement{
		ID:   "p1",
		Kind: "service.queue",
		Attributes: map[string]any{
			"config": map[string]any{"host": "mq", "port": 5672},
		},
	}
	b, err := Encode(ad)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(b, &raw))
	require.Equal(t, "service.queue", raw["type"])
	require.Equal(t, "p1", raw["id"])
	require.Equal(t, false, raw["ready"])
	require.Contains(t, raw, "config")
}

func TestDecode_WireRecord(t *testing.T) {
	ad, err := Decode([]byte(`{"type":"service.web","port":3000,"ready":true}`))
	require.NoError(t, err)
	require.Equal(t, "service.web", ad.Kind)
	require.True(t, ad.Ready)
	require.Empty(t, ad.ID)

	port, ok := ad.IntAt("port")
	require.True(t, ok)
	require.Equal(t, 3000, port)
	require.Equal(t, "3000", ad.StringAt("port"))
}

func TestDecode_ReadyIsOptional(t *testing.T) {
	ad, err := Decode([]byte(`{"type":"svc.queue","config":{"host":"h"}}`))
	require.NoError(t, err)
	require.False(t, ad.Ready)
	require.Equal(t, "h", ad.StringAt("config", "host"))
}

func TestDecode_Malformed(t *testing.T) {
	cases := map[string]string{
		"not json":       `{{{`,
		"array":          `[1,2]`,
		"null":           `null`,
		"missing type":   `{"ready":true}`,
		"empty type":     `{"type":""}`,
		"numeric type":   `{"type":42}`,
		"ready not bool": `{"type":"a","ready":"yes"}`,
		"id not string":  `{"type":"a","id":7}`,
	}
	for name, payload := range cases {
		_, err := Decode([]byte(payload))
		if !errors.Is(err, ErrMalformedRecord) {
			t.Fatalf("%s: expected ErrMalformedRecord, got %v", name, err)
		}
	}
}

func TestEncode_RejectsReservedAttributes(t *testing.T) {
	_, err := Encode(Advertisement{Kind: "a", Attributes: map[string]any{"ready": 1}})
	require.ErrorIs(t, err, ErrMalformedRecord)

	_, err = Encode(Advertisement{})
	require.ErrorIs(t, err, ErrMalformedRecord)
}

func TestClone_DoesNotShareAttributes(t *testing.T) {
	orig := New("svc", map[string]any{"config": map[string]any{"host": "a"}})
	cp := orig.Clone()
	cp.Attributes["config"].(map[string]any)["host"] = "b"
	require.Equal(t, "a", orig.StringAt("config", "host"))
	require.NotEmpty(t, orig.ID)
	require.Equal(t, orig.ID, cp.ID)
}

func TestLookup_Missing(t *testing.T) {
	ad := Advertisement{Kind: "x", Attributes: map[string]any{"a": "b"}}
	_, ok := ad.Lookup("a", "deeper")
	require.False(t, ok)
	_, ok = ad.Lookup()
	require.False(t, ok)
	require.Equal(t, "", ad.StringAt("nope"))
}
