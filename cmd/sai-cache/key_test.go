package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-cache/keycodec"
	"github.com/saiset-co/sai-cache/types"
)

func runRoot(args ...string) (string, error) {
	var out bytes.Buffer

	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)

	err := root.Execute()
	return out.String(), err
}

func TestKeyCmd_Query(t *testing.T) {
	out, err := runRoot("key", "voiceovers", `{"status":"ready","language":"en"}`)
	require.NoError(t, err)

	expected, err := keycodec.Encode("voiceovers", keycodec.Params{"language": "en", "status": "ready"})
	require.NoError(t, err)
	assert.Equal(t, expected+"\n", out)
}

func TestKeyCmd_QueryWithoutParams(t *testing.T) {
	out, err := runRoot("key", "voiceovers")
	require.NoError(t, err)
	assert.Equal(t, "voiceovers:{}\n", out)
}

func TestKeyCmd_Response(t *testing.T) {
	out, err := runRoot("key", "--response", "/api/voiceovers", "page=2&language=en")
	require.NoError(t, err)

	expected := keycodec.EncodeResponse("/api/voiceovers", map[string][]string{
		"language": {"en"},
		"page":     {"2"},
	})
	assert.Equal(t, expected+"\n", out)
}

func TestKeyCmd_Errors(t *testing.T) {
	_, err := runRoot("key", "voiceovers", "not json")
	assert.ErrorIs(t, err, types.ErrInvalidParameter)

	_, err = runRoot("key")
	assert.Error(t, err)

	_, err = runRoot("key", "", "{}")
	assert.ErrorIs(t, err, types.ErrCacheKeyEmpty)
}
