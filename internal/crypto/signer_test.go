package crypto

import (
	"math/big"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/fusionrelay/internal/domain"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func testOrder(maker string) domain.Order {
	return domain.Order{
		Maker:            maker,
		MakingAmount:     big.NewInt(1_000_000),
		MinTakingAmount:  big.NewInt(990_000),
		Deadline:         1_900_000_000,
		Receiver:         "algo:RECEIVER",
		Salt:             big.NewInt(42),
		SrcChain:         "eos",
		DstChain:         "algorand",
		AllowPartialFill: true,
		MinPartialFill:   big.NewInt(100_000),
	}
}

func TestOrderIDDeterministic(t *testing.T) {
	h := NewOrderHasher("FusionRelay", "1", 1)
	s, err := NewSigner(testKey)
	require.NoError(t, err)

	o := testOrder(s.Address())
	id1, err := h.OrderID(o)
	require.NoError(t, err)
	o.Signature = "0xdeadbeef"
	id2, err := h.OrderID(o)
	require.NoError(t, err)
	assert.Equal(t, id1, id2, "signature must not affect the id")
	assert.True(t, strings.HasPrefix(id1, "0x"))
	assert.Len(t, id1, 66)

	o.Salt = big.NewInt(43)
	id3, err := h.OrderID(o)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id3)

	other := NewOrderHasher("FusionRelay", "1", 2)
	id4, err := other.OrderID(testOrder(s.Address()))
	require.NoError(t, err)
	assert.NotEqual(t, id1, id4, "domain separates chain ids")
}

func TestVerifyOrder(t *testing.T) {
	h := NewOrderHasher("FusionRelay", "1", 1)
	maker, err := NewSigner(testKey)
	require.NoError(t, err)
	mallory, err := GenerateSigner()
	require.NoError(t, err)

	o := testOrder(maker.Address())
	o.Signature, err = maker.SignOrder(h, o)
	require.NoError(t, err)
	require.NoError(t, h.VerifyOrder(o))

	lower := o
	lower.Maker = strings.ToLower(o.Maker)
	require.NoError(t, h.VerifyOrder(lower), "address case must not matter")

	forged := o
	forged.Signature, err = mallory.SignOrder(h, o)
	require.NoError(t, err)
	assert.ErrorIs(t, h.VerifyOrder(forged), domain.ErrInvalidSignature)

	tampered := o
	tampered.MakingAmount = big.NewInt(2_000_000)
	assert.ErrorIs(t, h.VerifyOrder(tampered), domain.ErrInvalidSignature)

	garbage := o
	garbage.Signature = "0x1234"
	assert.ErrorIs(t, h.VerifyOrder(garbage), domain.ErrInvalidSignature)
}

func TestOrderDigestRejectsMalformed(t *testing.T) {
	h := NewOrderHasher("FusionRelay", "1", 1)
	o := testOrder("not-an-address")
	_, err := h.Digest(o)
	assert.ErrorIs(t, err, domain.ErrMalformedOrder)

	o = testOrder("0x2c7536E3605D9C16a7a3D7b1898e529396a65c23")
	o.MakingAmount = big.NewInt(0)
	_, err = h.Digest(o)
	assert.ErrorIs(t, err, domain.ErrMalformedOrder)
}

func TestVerifyCancel(t *testing.T) {
	maker, err := NewSigner(testKey)
	require.NoError(t, err)

	sig, err := maker.SignCancel("0xABCDEF")
	require.NoError(t, err)
	require.NoError(t, VerifyCancel("0xabcdef", maker.Address(), sig))
	assert.ErrorIs(t, VerifyCancel("0x123456", maker.Address(), sig), domain.ErrInvalidSignature)
}
