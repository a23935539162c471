package engine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageEnsureIDAssignsOnlyWhenAbsent(t *testing.T) {
	m := Message{}
	m.ensureID()
	require.NotEmpty(t, m.ID)

	id := m.ID
	m.ensureID()
	assert.Equal(t, id, m.ID)
}

func TestMessageRoundTripPreservesUnknownFields(t *testing.T) {
	in := []byte(`{"id":"m1","channel":"/m","data":{"text":"hi"},"clientId":"c1","ext":{"auth":"t"},"advice":"retry"}`)

	var m Message
	require.NoError(t, json.Unmarshal(in, &m))
	assert.Equal(t, "m1", m.ID)
	assert.Equal(t, "/m", m.Channel)
	assert.Equal(t, "c1", m.ClientID)
	assert.Contains(t, m.Extra, "ext")
	assert.Contains(t, m.Extra, "advice")

	out, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t, string(in), string(out))
}

func TestMessageRoundTripNonObjectData(t *testing.T) {
	in := []byte(`{"id":"m1","channel":"/m","data":"just a string"}`)

	var m Message
	require.NoError(t, json.Unmarshal(in, &m))
	assert.JSONEq(t, `"just a string"`, string(m.Data))

	out, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t, string(in), string(out))
}

func TestMessageUnmarshalRejectsMalformedJSON(t *testing.T) {
	var m Message
	assert.Error(t, json.Unmarshal([]byte(`{truncated`), &m))
}
