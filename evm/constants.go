package evm

const (
	// Default EIP-712 domain parameters of the settlement contract
	DefaultDomainName    = "GBMarketplace"
	DefaultDomainVersion = "1.0.0"

	// PrimaryTypeOrderItem is the EIP-712 primary type sellers sign
	PrimaryTypeOrderItem = "OrderItem"

	// SignatureLength is r (32) || s (32) || v (1)
	SignatureLength = 65

	// ERC-165 interface identifiers
	InterfaceIDERC721  = "0x80ac58cd"
	InterfaceIDERC1155 = "0xd9b67a26"
	InterfaceIDERC2981 = "0x2a55205a"
)

// OrderItemTypes returns the EIP-712 type definitions of an order item.
// Field names and order are part of the signed payload and must match every
// wallet and contract producing signatures.
func OrderItemTypes() map[string][]TypedDataField {
	return map[string][]TypedDataField{
		"EIP712Domain": {
			{Name: "name", Type: "string"},
			{Name: "version", Type: "string"},
			{Name: "chainId", Type: "uint256"},
			{Name: "verifyingContract", Type: "address"},
		},
		PrimaryTypeOrderItem: {
			{Name: "nftContract", Type: "address"},
			{Name: "seller", Type: "address"},
			{Name: "isMinted", Type: "bool"},
			{Name: "tokenId", Type: "uint256"},
			{Name: "tokenURI", Type: "string"},
			{Name: "quantity", Type: "uint256"},
			{Name: "itemAmount", Type: "uint256"},
			{Name: "charityAddress", Type: "address"},
			{Name: "charityShare", Type: "uint256"},
			{Name: "royaltyFee", Type: "uint96"},
			{Name: "deadline", Type: "uint256"},
			{Name: "salt", Type: "uint256"},
		},
	}
}
