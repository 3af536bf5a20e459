// Package payments implements the payment side of the marketplace: the 402
// requirements builder, proof verification, and settlement. Verifier and
// Settler each have a local (chain RPC) and a remote (facilitator-delegated)
// implementation behind one interface, so the gate never knows which mode a
// deployment runs in.
package payments

// Rejection reasons surfaced in 402 responses and facilitator verify
// responses. These strings are part of the wire contract; clients branch on
// them.
const (
	ReasonResourceMismatch     = "ResourceMismatch"
	ReasonAmountMismatch       = "AmountMismatch"
	ReasonRecipientMismatch    = "RecipientMismatch"
	ReasonAuthorizationExpired = "AuthorizationExpired"
	ReasonInsufficientFunds    = "InsufficientFunds"
	ReasonInvalidSignature     = "InvalidSignature"

	// ReasonUnsupportedScheme rejects proofs for a scheme or network this
	// server does not speak. Checked before the proof contents are examined.
	ReasonUnsupportedScheme = "UnsupportedScheme"
)
