package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScopeJSON(t *testing.T) {
	tests := []struct {
		name  string
		scope Scope
		wire  string
	}{
		{"global is null", Global, `{"isTyping":true,"scope":null}`},
		{"private is the target id", Private("c-42"), `{"isTyping":true,"scope":"c-42"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(TypingSet{IsTyping: true, Scope: tt.scope})
			require.NoError(t, err)
			assert.JSONEq(t, tt.wire, string(data))

			var back TypingSet
			require.NoError(t, json.Unmarshal(data, &back))
			assert.Equal(t, tt.scope, back.Scope)
		})
	}
}

func TestScopeMissingFieldIsGlobal(t *testing.T) {
	var ts TypingSet
	require.NoError(t, json.Unmarshal([]byte(`{"isTyping":false}`), &ts))
	assert.True(t, ts.Scope.IsGlobal())
}

func TestScopeRejectsNonString(t *testing.T) {
	var ts TypingSet
	assert.Error(t, json.Unmarshal([]byte(`{"isTyping":true,"scope":12}`), &ts))
}

func TestEncodeDecode(t *testing.T) {
	frame, err := Encode(MsgPeerJoined, Peer{ConnectionID: "c1", Nickname: "Alice"})
	require.NoError(t, err)

	env, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, MsgPeerJoined, env.Type)

	var p Peer
	require.NoError(t, env.DecodePayload(&p))
	assert.Equal(t, Peer{ConnectionID: "c1", Nickname: "Alice"}, p)
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"payload":{}}`))
	assert.Error(t, err, "envelope without a type")

	env, err := Decode([]byte(`{"type":"message.global"}`))
	require.NoError(t, err)
	var gs GlobalSend
	assert.Error(t, env.DecodePayload(&gs), "missing payload")
}

func TestCategoryNormalize(t *testing.T) {
	assert.Equal(t, CategoryText, Category("").Normalize())
	assert.Equal(t, CategoryText, Category("shout").Normalize())
	assert.Equal(t, CategoryEmote, CategoryEmote.Normalize())
}
