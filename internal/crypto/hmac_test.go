package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestSignerKnownVector(t *testing.T) {
	// Example from the Binance signed-endpoint documentation.
	s := NewRequestSigner("NhqPtmdSJYdKjVHjA7PZj4Mge3R5YNiP1e3UZjInClVN65XAbvqqM6A7H5fATj0j")
	query := "symbol=LTCBTC&side=BUY&type=LIMIT&timeInForce=GTC&quantity=1&price=0.1&recvWindow=5000&timestamp=1499827319559"
	assert.Equal(t, "c8db56825ae71d6d79447849e617115f4a920fa2acdcab2b053c4b2838bd6b71", s.Sign(query))
}

func TestRequestSignerDeterministic(t *testing.T) {
	s := NewRequestSigner("secret")
	assert.Equal(t, s.Sign("a=1&b=2"), s.Sign("a=1&b=2"))
	assert.NotEqual(t, s.Sign("a=1&b=2"), s.Sign("a=1&b=3"))
}

func TestRequestSignerVerify(t *testing.T) {
	s := NewRequestSigner("secret")
	sig := s.Sign("a=1&b=2")

	assert.True(t, s.Verify("a=1&b=2", sig))
	assert.False(t, s.Verify("a=1&b=3", sig), "signature bound to the query")
	assert.False(t, s.Verify("a=1&b=2", sig[:len(sig)-2]+"00"), "tampered signature rejected")
	assert.False(t, s.Verify("a=1&b=2", "not-hex"))
}
