package solana

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// Well-known Solana program IDs
var (
	// SystemProgramID is the native SOL transfer program
	SystemProgramID = solana.MustPublicKeyFromBase58("11111111111111111111111111111111")

	// TokenProgramID is the SPL Token program
	TokenProgramID = solana.MustPublicKeyFromBase58("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")

	// Token2022ProgramID is the Token Extensions program (Token-2022)
	Token2022ProgramID = solana.MustPublicKeyFromBase58("TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb")

	// AssociatedTokenProgramID creates associated token accounts
	AssociatedTokenProgramID = solana.MustPublicKeyFromBase58("ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL")

	// ComputeBudgetProgramID sets compute limits and priority fees
	ComputeBudgetProgramID = solana.MustPublicKeyFromBase58("ComputeBudget111111111111111111111111111111")
)

// System Program instruction types
const (
	SystemProgramTransferInstruction         = uint32(2)
	SystemProgramTransferWithSeedInstruction = uint32(11)
)

// ProtocolAddresses are program and sysvar accounts that show up in account key
// lists but never own user funds. They are never a debit destination.
var ProtocolAddresses = map[string]struct{}{
	SystemProgramID.String():                       {},
	TokenProgramID.String():                        {},
	Token2022ProgramID.String():                    {},
	AssociatedTokenProgramID.String():              {},
	ComputeBudgetProgramID.String():                {},
	"MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr":  {},
	"Memo1UhkJRfHyvLMcVucJwxXeuD728EqVDDwQDxFMNo":  {},
	"SysvarRent111111111111111111111111111111111":  {},
	"SysvarC1ock11111111111111111111111111111111":  {},
	"Sysvar1nstructions1111111111111111111111111":  {},
	"SysvarRecentB1ockHashes11111111111111111111":  {},
	"SysvarS1otHashes111111111111111111111111111":  {},
	"SysvarStakeHistory1111111111111111111111111":  {},
	"Stake11111111111111111111111111111111111111":  {},
	"Vote111111111111111111111111111111111111111":  {},
	"AddressLookupTab1e1111111111111111111111111":  {},
}

// IsProtocolAddress reports whether address is a program or sysvar account.
func IsProtocolAddress(address string) bool {
	_, ok := ProtocolAddresses[address]
	return ok
}

// parseRawTransaction reduces a GetTransactionResult to a RawTransaction.
// sig supplies the block time and failure status when the result lacks them.
func parseRawTransaction(sig *rpc.TransactionSignature, result *rpc.GetTransactionResult) (*RawTransaction, error) {
	if result == nil || result.Transaction == nil {
		return nil, fmt.Errorf("transaction %s not available", sig.Signature)
	}

	tx, err := result.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}

	raw := &RawTransaction{
		Signature: sig.Signature.String(),
		Slot:      result.Slot,
		Failed:    sig.Err != nil,
	}
	if raw.Slot == 0 {
		raw.Slot = sig.Slot
	}

	switch {
	case result.BlockTime != nil:
		t := result.BlockTime.Time()
		raw.BlockTime = &t
	case sig.BlockTime != nil:
		t := sig.BlockTime.Time()
		raw.BlockTime = &t
	}

	// Static keys first, then lookup-table addresses in writable/readonly order.
	keys := make(solana.PublicKeySlice, 0, len(tx.Message.AccountKeys))
	keys = append(keys, tx.Message.AccountKeys...)
	if result.Meta != nil {
		if result.Meta.Err != nil {
			raw.Failed = true
		}
		keys = append(keys, result.Meta.LoadedAddresses.Writable...)
		keys = append(keys, result.Meta.LoadedAddresses.ReadOnly...)
		raw.PreBalances = result.Meta.PreBalances
		raw.PostBalances = result.Meta.PostBalances
	}

	raw.AccountKeys = make([]string, len(keys))
	for i, k := range keys {
		raw.AccountKeys[i] = k.String()
	}

	if raw.Failed {
		return raw, nil
	}

	for _, instruction := range tx.Message.Instructions {
		if int(instruction.ProgramIDIndex) >= len(keys) {
			continue
		}
		if !keys[instruction.ProgramIDIndex].Equals(SystemProgramID) {
			continue
		}
		from, to, amount, err := parseSystemTransfer(instruction, keys)
		if err != nil {
			continue
		}
		raw.Transfers = append(raw.Transfers, Transfer{
			Signature: raw.Signature,
			Slot:      raw.Slot,
			BlockTime: raw.BlockTime,
			From:      from.String(),
			To:        to.String(),
			Amount:    amount,
		})
	}

	return raw, nil
}

// parseSystemTransfer extracts source, destination and lamports from a System
// Program Transfer or TransferWithSeed instruction.
func parseSystemTransfer(instruction solana.CompiledInstruction, accountKeys []solana.PublicKey) (from, to solana.PublicKey, amount uint64, err error) {
	// [0..4]  = instruction type (u32)
	// [4..12] = lamports (u64)
	if len(instruction.Data) < 12 {
		return from, to, 0, fmt.Errorf("instruction data too short: %d bytes", len(instruction.Data))
	}

	var fromPos, toPos int
	switch instructionType := binary.LittleEndian.Uint32(instruction.Data[0:4]); instructionType {
	case SystemProgramTransferInstruction:
		// accounts: [from, to]
		fromPos, toPos = 0, 1
	case SystemProgramTransferWithSeedInstruction:
		// accounts: [from, base, to]
		fromPos, toPos = 0, 2
	default:
		return from, to, 0, fmt.Errorf("not a transfer instruction: type %d", instructionType)
	}

	if len(instruction.Accounts) <= toPos {
		return from, to, 0, fmt.Errorf("transfer instruction has %d accounts", len(instruction.Accounts))
	}
	fromIdx, toIdx := int(instruction.Accounts[fromPos]), int(instruction.Accounts[toPos])
	if fromIdx >= len(accountKeys) || toIdx >= len(accountKeys) {
		return from, to, 0, fmt.Errorf("transfer account index out of bounds")
	}

	return accountKeys[fromIdx], accountKeys[toIdx], binary.LittleEndian.Uint64(instruction.Data[4:12]), nil
}

// signatureTime returns the block time of a signature entry, if present.
func signatureTime(sig *rpc.TransactionSignature) (time.Time, bool) {
	if sig.BlockTime == nil {
		return time.Time{}, false
	}
	return sig.BlockTime.Time(), true
}
