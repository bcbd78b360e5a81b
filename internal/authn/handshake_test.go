package authn

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xionghul/distcc/internal/protocol"
)

func TestHandshakeAuthenticateRoundTrip(t *testing.T) {
	id, err := GenerateIdentity("client.example.org")
	require.NoError(t, err)

	nonce, err := NewNonce()
	require.NoError(t, err)

	var recvBuf bytes.Buffer
	nonceWriter := protocol.NewStreamWriter(&recvBuf)
	require.NoError(t, nonceWriter.WriteBlob(tokenNonce, nonce))
	require.NoError(t, nonceWriter.Flush())

	var sendBuf bytes.Buffer
	sw := protocol.NewStreamWriter(&sendBuf)

	hs := NewHandshake(id)
	require.NoError(t, hs.Authenticate(&recvBuf, sw))
	require.NoError(t, sw.Flush())

	tag, n, err := protocol.ReadToken(&sendBuf)
	require.NoError(t, err)
	require.Equal(t, tokenAuth, tag)

	compact, err := protocol.ReadBlob(&sendBuf, n)
	require.NoError(t, err)

	require.NoError(t, VerifyResponse(string(compact), id.PublicKey(), nonce))
}

func TestHandshakeAuthenticateWrongToken(t *testing.T) {
	id, err := GenerateIdentity("client.example.org")
	require.NoError(t, err)

	var recvBuf bytes.Buffer
	badWriter := protocol.NewStreamWriter(&recvBuf)
	require.NoError(t, badWriter.WriteBlob("XXXX", []byte("whatever")))
	require.NoError(t, badWriter.Flush())

	hs := NewHandshake(id)
	err = hs.Authenticate(&recvBuf, protocol.NewStreamWriter(&bytes.Buffer{}))
	require.Error(t, err)
}

func TestVerifyResponseRejectsWrongNonce(t *testing.T) {
	id, err := GenerateIdentity("client.example.org")
	require.NoError(t, err)

	nonce, err := NewNonce()
	require.NoError(t, err)

	var recvBuf bytes.Buffer
	nonceWriter := protocol.NewStreamWriter(&recvBuf)
	require.NoError(t, nonceWriter.WriteBlob(tokenNonce, nonce))
	require.NoError(t, nonceWriter.Flush())

	var sendBuf bytes.Buffer
	sw := protocol.NewStreamWriter(&sendBuf)

	hs := NewHandshake(id)
	require.NoError(t, hs.Authenticate(&recvBuf, sw))
	require.NoError(t, sw.Flush())

	_, n, err := protocol.ReadToken(&sendBuf)
	require.NoError(t, err)
	compact, err := protocol.ReadBlob(&sendBuf, n)
	require.NoError(t, err)

	otherNonce, err := NewNonce()
	require.NoError(t, err)
	require.Error(t, VerifyResponse(string(compact), id.PublicKey(), otherNonce))
}
