package chain

const (
	// EIP-3009 function name on the token contract.
	FunctionTransferWithAuthorization = "transferWithAuthorization"

	// ERC6492MagicSuffix is the 32-byte marker terminating a wrapped
	// smart-contract-wallet signature:
	// bytes32(uint256(keccak256("erc6492.invalid.signature")) - 1)
	ERC6492MagicSuffix = "0x6492649264926492649264926492649264926492649264926492649264926492"

	// UniversalSigValidatorAddress is the canonical ERC-6492 validator,
	// deployed at the same address on all EVM chains via CREATE2.
	UniversalSigValidatorAddress = "0x164af34fAF9879394370C7f09064127C043A35E9"

	// ZeroTransactionRef is the sentinel returned by a settler running
	// without an on-chain executor. Distinguishable from any real tx hash.
	ZeroTransactionRef = "0x0000000000000000000000000000000000000000000000000000000000000000"

	// TxStatusSuccess is the receipt status of a mined, successful tx.
	TxStatusSuccess = 1
)

var (
	// ERC20BalanceOfABI reads a token balance.
	ERC20BalanceOfABI = []byte(`[
		{
			"inputs": [
				{"name": "account", "type": "address"}
			],
			"name": "balanceOf",
			"outputs": [{"name": "", "type": "uint256"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)

	// TransferWithAuthorizationABI executes an EIP-3009 transfer with the
	// v,r,s split of an EOA signature.
	TransferWithAuthorizationABI = []byte(`[
		{
			"inputs": [
				{"name": "from", "type": "address"},
				{"name": "to", "type": "address"},
				{"name": "value", "type": "uint256"},
				{"name": "validAfter", "type": "uint256"},
				{"name": "validBefore", "type": "uint256"},
				{"name": "nonce", "type": "bytes32"},
				{"name": "v", "type": "uint8"},
				{"name": "r", "type": "bytes32"},
				{"name": "s", "type": "bytes32"}
			],
			"name": "transferWithAuthorization",
			"outputs": [],
			"stateMutability": "nonpayable",
			"type": "function"
		}
	]`)

	// UniversalSigValidatorABI verifies EOA, EIP-1271, and ERC-6492
	// signatures through one eth_call.
	UniversalSigValidatorABI = []byte(`[
		{
			"inputs": [
				{"name": "_signer", "type": "address"},
				{"name": "_hash", "type": "bytes32"},
				{"name": "_signature", "type": "bytes"}
			],
			"name": "isValidSig",
			"outputs": [{"name": "", "type": "bool"}],
			"stateMutability": "nonpayable",
			"type": "function"
		}
	]`)
)
