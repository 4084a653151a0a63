package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseAttrs(t *testing.T) {
	m, err := parseAttrs([]string{"config.host=mq", "config.port=5672", "auth=true", "name=web-1"})
	require.NoError(t, err)
	require.Equal(t, map[string]any{
		"config": map[string]any{"host": "mq", "port": float64(5672)},
		"auth":   true,
		"name":   "web-1",
	}, m)

	_, err = parseAttrs([]string{"novalue"})
	require.Error(t, err)
	_, err = parseAttrs([]string{"=x"})
	require.Error(t, err)
}
