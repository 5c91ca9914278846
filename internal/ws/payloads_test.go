package ws

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, raw string) interface{} {
	t.Helper()
	var v interface{}
	require.NoError(t, json.Unmarshal([]byte(raw), &v))
	return v
}

func TestPayloadRegistryCompiles(t *testing.T) {
	reg, err := NewPayloadRegistry()
	require.NoError(t, err)

	for op := range opSchemas {
		assert.True(t, reg.Has(op), "schema missing for %s", op)
	}
	assert.False(t, reg.Has("noSuchOp"))
}

func TestSendMessagePayload(t *testing.T) {
	reg, err := NewPayloadRegistry()
	require.NoError(t, err)

	valid := decode(t, `{"conversationId": 1, "botId": 7, "question": "hi", "userCountry": "ES"}`)
	assert.NoError(t, reg.Validate("sendMessage", valid))

	missingQuestion := decode(t, `{"conversationId": 1, "botId": 7}`)
	assert.Error(t, reg.Validate("sendMessage", missingQuestion))

	emptyQuestion := decode(t, `{"conversationId": 1, "botId": 7, "question": ""}`)
	assert.Error(t, reg.Validate("sendMessage", emptyQuestion))

	unknownField := decode(t, `{"conversationId": 1, "botId": 7, "question": "hi", "extra": true}`)
	assert.Error(t, reg.Validate("sendMessage", unknownField))

	badType := decode(t, `{"conversationId": "one", "botId": 7, "question": "hi"}`)
	assert.Error(t, reg.Validate("sendMessage", badType))
}

func TestRoomAndPausePayloads(t *testing.T) {
	reg, err := NewPayloadRegistry()
	require.NoError(t, err)

	assert.NoError(t, reg.Validate("joinRoom", decode(t, `{"conversationId": 3}`)))
	assert.Error(t, reg.Validate("joinRoom", decode(t, `{"conversationId": 0}`)))
	assert.Error(t, reg.Validate("joinRoom", decode(t, `{}`)))

	assert.NoError(t, reg.Validate("setAiPaused", decode(t, `{"conversationId": 3, "paused": true}`)))
	assert.Error(t, reg.Validate("setAiPaused", decode(t, `{"conversationId": 3}`)))
	assert.Error(t, reg.Validate("setAiPaused", decode(t, `{"conversationId": 3, "paused": "yes"}`)))
}

func TestGroupedImagesPayload(t *testing.T) {
	reg, err := NewPayloadRegistry()
	require.NoError(t, err)

	valid := decode(t, `{"conversationId": 1, "images": [{"name": "a.png", "data": "aGk="}]}`)
	assert.NoError(t, reg.Validate("sendGroupedImages", valid))

	empty := decode(t, `{"conversationId": 1, "images": []}`)
	assert.Error(t, reg.Validate("sendGroupedImages", empty))

	missingData := decode(t, `{"conversationId": 1, "images": [{"name": "a.png"}]}`)
	assert.Error(t, reg.Validate("sendGroupedImages", missingData))
}

func TestSendFilePayload(t *testing.T) {
	reg, err := NewPayloadRegistry()
	require.NoError(t, err)

	assert.NoError(t, reg.Validate("sendFile", decode(t, `{"conversationId": 1, "name": "a.pdf", "url": "http://x/a.pdf"}`)))
	assert.Error(t, reg.Validate("sendFile", decode(t, `{"conversationId": 1}`)))
}
