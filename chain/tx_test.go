package chain

import (
	"crypto/ed25519"
	"testing"

	"github.com/cosmos/btcutil/base58"
	"github.com/stretchr/testify/require"

	"github.com/Jerome2332/confidex-sub008/types"
)

func TestShortvec(t *testing.T) {
	cases := map[int][]byte{
		0:     {0x00},
		1:     {0x01},
		127:   {0x7f},
		128:   {0x80, 0x01},
		16383: {0xff, 0x7f},
		16384: {0x80, 0x80, 0x01},
	}
	for n, want := range cases {
		require.Equalf(t, want, shortvec(n), "shortvec(%d)", n)
	}
}

func TestTxBuilderProducesVerifiableSignature(t *testing.T) {
	wallet, err := NewWallet()
	require.NoError(t, err)

	blockhash := base58.Encode(make([]byte, 32))
	program := pda(9)
	ix := Instruction{
		ProgramID: program,
		Accounts: []AccountMeta{
			{Pubkey: wallet.Pubkey(), IsSigner: true, IsWritable: true},
			{Pubkey: pda(1), IsWritable: true},
			{Pubkey: pda(2)},
		},
		Data: []byte{1, 2, 3, 4},
	}

	wire, err := NewTxBuilder(wallet.Pubkey(), blockhash).Add(ix).Build(wallet)
	require.NoError(t, err)

	// Layout: shortvec(1) signature, 64-byte signature, then the message.
	require.Equal(t, byte(1), wire[0])
	sig := wire[1:65]
	msg := wire[65:]
	require.True(t, ed25519.Verify(ed25519.PublicKey(wallet.Pubkey().Bytes()), msg, sig))

	// Header: one signer, no readonly signed, two readonly unsigned
	// (the readonly meta and the program id).
	require.Equal(t, byte(1), msg[0])
	require.Equal(t, byte(0), msg[1])
	require.Equal(t, byte(2), msg[2])

	// Fee payer is always the first account key.
	require.Equal(t, byte(4), msg[3]) // four distinct keys
	var first types.Pubkey
	copy(first[:], msg[4:36])
	require.Equal(t, wallet.Pubkey(), first)
}

func TestTxBuilderRejectsForeignPayer(t *testing.T) {
	wallet, err := NewWallet()
	require.NoError(t, err)
	other, err := NewWallet()
	require.NoError(t, err)

	_, err = NewTxBuilder(other.Pubkey(), base58.Encode(make([]byte, 32))).Build(wallet)
	require.Error(t, err)
}

func TestTxBuilderRejectsBadBlockhash(t *testing.T) {
	wallet, err := NewWallet()
	require.NoError(t, err)
	_, err = NewTxBuilder(wallet.Pubkey(), "nothash").Build(wallet)
	require.Error(t, err)
}

func TestWalletSecretRoundTrip(t *testing.T) {
	wallet, err := NewWallet()
	require.NoError(t, err)

	// The same keypair loads back from base58.
	priv := make([]byte, ed25519.PrivateKeySize)
	copy(priv, wallet.priv)
	loaded, err := LoadWalletSecret(base58.Encode(priv))
	require.NoError(t, err)
	require.Equal(t, wallet.Pubkey(), loaded.Pubkey())
}

func TestLoadWalletSecretRejectsGarbage(t *testing.T) {
	_, err := LoadWalletSecret("tooshort")
	require.Error(t, err)
	_, err = LoadWalletSecret("[1,2,3]")
	require.Error(t, err)
}
