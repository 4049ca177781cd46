package wallet

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestSigningError(t *testing.T) {
	err := &SigningError{Op: "sign", Err: ErrUserDeclined}
	assert.Contains(t, err.Error(), "sign failed")
	assert.True(t, errors.Is(err, ErrUserDeclined))

	var se *SigningError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "sign", se.Op)
}

func TestStaticNetwork(t *testing.T) {
	n := StaticNetwork("testnet")
	assert.True(t, n.Valid("testnet"))
	assert.True(t, n.Valid("TESTNET"))
	assert.False(t, n.Valid("mainnet"))
	assert.False(t, n.Valid(""))
}

func TestRegistry_SetGet(t *testing.T) {
	r := NewRegistry(nil)

	assert.False(t, r.Get("GABC").Connected, "unknown address should be disconnected")

	r.Set("GABC", State{Connected: true, Network: "testnet"})
	st := r.Get("gabc")
	assert.True(t, st.Connected)
	assert.Equal(t, "GABC", st.PublicKey)
	assert.False(t, st.UpdatedAt.IsZero())

	r.Disconnect("GABC")
	st = r.Get("GABC")
	assert.False(t, st.Connected)
	assert.Equal(t, "GABC", st.PublicKey)
}

func TestProvider_ReadsLiveState(t *testing.T) {
	r := NewRegistry(nil)
	p := r.For("GXYZ")

	assert.False(t, p.State().Connected)
	r.Set("GXYZ", State{Connected: true, Network: "testnet"})
	assert.True(t, p.State().Connected, "provider must not cache state")
}

func TestProvider_SignRequiresConnectionAndSigner(t *testing.T) {
	r := NewRegistry(nil)
	p := r.For("GXYZ")
	ctx := context.Background()

	_, err := p.SignTransaction(ctx, []byte("x"), SignOptions{})
	assert.ErrorIs(t, err, ErrNotConnected)

	r.Set("GXYZ", State{Connected: true, Network: "testnet"})
	_, err = p.SignTransaction(ctx, []byte("x"), SignOptions{})
	assert.ErrorIs(t, err, ErrSignerUnavailable)
}

func TestNewLocalSigner_Validation(t *testing.T) {
	_, err := NewLocalSigner("tooshort", 1)
	assert.ErrorIs(t, err, ErrInvalidPrivateKey)

	_, err = NewLocalSigner("zz"+testKey[2:], 1)
	assert.ErrorIs(t, err, ErrInvalidPrivateKey)

	_, err = NewLocalSigner(testKey, 0)
	assert.Error(t, err)

	s, err := NewLocalSigner("0x"+testKey, 84532)
	require.NoError(t, err)
	assert.Len(t, s.Address(), 42)
}

func TestLocalSigner_SignsAndRecovers(t *testing.T) {
	s, err := NewLocalSigner(testKey, 84532)
	require.NoError(t, err)

	signed, err := s.SignTransaction(context.Background(), []byte(`{"op":"initializeEscrow"}`), SignOptions{})
	require.NoError(t, err)
	assert.Len(t, signed.Hash, 66)

	from, err := RecoverSender(signed.Raw)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), from)

	second, err := s.SignTransaction(context.Background(), []byte(`{"op":"initializeEscrow"}`), SignOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, signed.Hash, second.Hash, "nonce should advance")
}

func TestLocalSigner_InsufficientBalance(t *testing.T) {
	s, err := NewLocalSigner(testKey, 84532)
	require.NoError(t, err)
	s.WithBalance(100)

	_, err = s.SignTransaction(context.Background(), nil, SignOptions{Value: 60})
	require.NoError(t, err)

	_, err = s.SignTransaction(context.Background(), nil, SignOptions{Value: 60})
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestLocalSigner_CancelledContext(t *testing.T) {
	s, err := NewLocalSigner(testKey, 84532)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.SignTransaction(ctx, nil, SignOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}
