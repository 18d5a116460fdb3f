package transport_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/renzhidao/m2/internal/transport"
)

func TestPeerIDIsDerivedFromIdentity(t *testing.T) {
	a1, err := transport.PeerIDFor("p1-hub-v3-0")
	require.NoError(t, err)
	a2, err := transport.PeerIDFor("p1-hub-v3-0")
	require.NoError(t, err)
	b, err := transport.PeerIDFor("p1-hub-v3-1")
	require.NoError(t, err)

	assert.Equal(t, a1, a2)
	assert.NotEqual(t, a1, b)
}

func TestBindRejectsBadListenAddr(t *testing.T) {
	tr := transport.NewLibP2PTransport(transport.LibP2PConfig{
		ListenAddrs: []string{"not-a-multiaddr"},
		Protocol:    "/m2/overlay/1.0.0",
	}, zap.NewNop())

	_, err := tr.Bind(context.Background(), "alice")
	require.Error(t, err)
	assert.Equal(t, transport.KindIncompatible, transport.Classify(err))
}

func TestBindRejectsBadBootstrapPeer(t *testing.T) {
	tr := transport.NewLibP2PTransport(transport.LibP2PConfig{
		ListenAddrs:    []string{"/ip4/127.0.0.1/tcp/0"},
		BootstrapPeers: []string{"/ip4/127.0.0.1/tcp/4001"},
		Protocol:       "/m2/overlay/1.0.0",
	}, zap.NewNop())

	_, err := tr.Bind(context.Background(), "alice")
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrIncompatible)
}
