package wire_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renzhidao/m2/internal/wire"
)

func TestDecodeRejectsMissingKind(t *testing.T) {
	_, err := wire.Decode([]byte(`{"id":"x"}`))
	assert.ErrorIs(t, err, wire.ErrMalformed)

	_, err = wire.Decode([]byte(`not json`))
	assert.ErrorIs(t, err, wire.ErrMalformed)
}

func TestPeerExList(t *testing.T) {
	data, err := wire.Encode(wire.PeerEx([]string{"a", "b"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"t":"PEER_EX","list":["a","b"]}`, string(data))

	e, err := wire.Decode(data)
	require.NoError(t, err)
	ids, err := e.Peers()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestPeerExWrongShape(t *testing.T) {
	e, err := wire.Decode([]byte(`{"t":"PEER_EX","list":"nope"}`))
	require.NoError(t, err)
	_, err = e.Peers()
	assert.ErrorIs(t, err, wire.ErrMalformed)

	e, err = wire.Decode([]byte(`{"t":"PEER_EX"}`))
	require.NoError(t, err)
	_, err = e.Peers()
	assert.ErrorIs(t, err, wire.ErrMalformed)
}

func TestHelloUsesShortNameField(t *testing.T) {
	data, err := wire.Encode(wire.Hello("id-1", "alice"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"t":"HELLO","id":"id-1","n":"alice"}`, string(data))
}

func TestRepPubMessages(t *testing.T) {
	in := []wire.ChatMessage{{ID: "m1", SenderID: "a", Target: wire.TargetAll, Text: "hi", TS: 10}}
	e := wire.RepPub(in)
	out, err := e.Messages()
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.True(t, out[0].IsPublic())
}
