package chain

import (
	"fmt"

	"github.com/cosmos/btcutil/base58"

	"github.com/Jerome2332/confidex-sub008/types"
)

// AccountMeta describes one account referenced by an instruction.
type AccountMeta struct {
	Pubkey     types.Pubkey
	IsSigner   bool
	IsWritable bool
}

// Instruction is a program invocation with its account list and payload.
type Instruction struct {
	ProgramID types.Pubkey
	Accounts  []AccountMeta
	Data      []byte
}

// TxBuilder assembles and signs a single-signer legacy transaction.
type TxBuilder struct {
	payer        types.Pubkey
	blockhash    string
	instructions []Instruction
}

// NewTxBuilder starts a transaction paid and signed by payer.
func NewTxBuilder(payer types.Pubkey, blockhash string) *TxBuilder {
	return &TxBuilder{payer: payer, blockhash: blockhash}
}

// Add appends an instruction.
func (b *TxBuilder) Add(ix Instruction) *TxBuilder {
	b.instructions = append(b.instructions, ix)
	return b
}

// Build serializes the message and signs it with wallet, returning the wire
// bytes ready for sendTransaction.
func (b *TxBuilder) Build(wallet *Wallet) ([]byte, error) {
	if wallet.Pubkey() != b.payer {
		return nil, fmt.Errorf("wallet %s is not the fee payer %s", wallet.Pubkey(), b.payer)
	}
	msg, err := b.compileMessage()
	if err != nil {
		return nil, err
	}
	sig := wallet.Sign(msg)

	// signature count (shortvec) + signatures + message
	out := make([]byte, 0, 1+len(sig)+len(msg))
	out = append(out, shortvec(1)...)
	out = append(out, sig...)
	out = append(out, msg...)
	return out, nil
}

// compileMessage builds the legacy message: header, deduplicated account
// keys ordered signer-writable first, recent blockhash, compiled instructions.
func (b *TxBuilder) compileMessage() ([]byte, error) {
	type meta struct {
		signer   bool
		writable bool
	}
	metas := map[types.Pubkey]*meta{
		b.payer: {signer: true, writable: true},
	}
	order := []types.Pubkey{b.payer}

	note := func(pk types.Pubkey, m meta) {
		got, ok := metas[pk]
		if !ok {
			metas[pk] = &meta{signer: m.signer, writable: m.writable}
			order = append(order, pk)
			return
		}
		got.signer = got.signer || m.signer
		got.writable = got.writable || m.writable
	}

	for _, ix := range b.instructions {
		for _, a := range ix.Accounts {
			note(a.Pubkey, meta{signer: a.IsSigner, writable: a.IsWritable})
		}
		note(ix.ProgramID, meta{})
	}

	// Partition: signer+writable, signer+readonly, nonsigner+writable,
	// nonsigner+readonly, preserving first-seen order within each class.
	var keys []types.Pubkey
	classes := [4]func(*meta) bool{
		func(m *meta) bool { return m.signer && m.writable },
		func(m *meta) bool { return m.signer && !m.writable },
		func(m *meta) bool { return !m.signer && m.writable },
		func(m *meta) bool { return !m.signer && !m.writable },
	}
	for _, match := range classes {
		for _, pk := range order {
			if match(metas[pk]) {
				keys = append(keys, pk)
			}
		}
	}

	index := make(map[types.Pubkey]int, len(keys))
	var numSigners, numROSigned, numROUnsigned int
	for i, pk := range keys {
		index[pk] = i
		m := metas[pk]
		if m.signer {
			numSigners++
			if !m.writable {
				numROSigned++
			}
		} else if !m.writable {
			numROUnsigned++
		}
	}

	hash := base58.Decode(b.blockhash)
	if len(hash) != 32 {
		return nil, fmt.Errorf("invalid blockhash %q", b.blockhash)
	}

	var msg []byte
	msg = append(msg, byte(numSigners), byte(numROSigned), byte(numROUnsigned))
	msg = append(msg, shortvec(len(keys))...)
	for _, pk := range keys {
		msg = append(msg, pk[:]...)
	}
	msg = append(msg, hash...)
	msg = append(msg, shortvec(len(b.instructions))...)
	for _, ix := range b.instructions {
		msg = append(msg, byte(index[ix.ProgramID]))
		msg = append(msg, shortvec(len(ix.Accounts))...)
		for _, a := range ix.Accounts {
			msg = append(msg, byte(index[a.Pubkey]))
		}
		msg = append(msg, shortvec(len(ix.Data))...)
		msg = append(msg, ix.Data...)
	}
	return msg, nil
}

// shortvec encodes a length in the chain's compact-u16 format.
func shortvec(n int) []byte {
	var out []byte
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if n == 0 {
			out = append(out, b)
			return out
		}
		out = append(out, b|0x80)
	}
}
