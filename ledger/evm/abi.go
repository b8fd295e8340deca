package evm

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	mevm "github.com/givabit/marketplace/evm"
)

// CollectionABI covers the calls shared by every marketplace collection:
// ERC-165 detection, ERC-2981 royalties and minting by the marketplace operator.
const CollectionABI = `[
	{"type":"function","name":"supportsInterface","stateMutability":"view",
	 "inputs":[{"name":"interfaceId","type":"bytes4"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"royaltyInfo","stateMutability":"view",
	 "inputs":[{"name":"tokenId","type":"uint256"},{"name":"salePrice","type":"uint256"}],
	 "outputs":[{"name":"receiver","type":"address"},{"name":"royaltyAmount","type":"uint256"}]},
	{"type":"function","name":"mint","stateMutability":"nonpayable",
	 "inputs":[{"name":"to","type":"address"},{"name":"tokenId","type":"uint256"},{"name":"tokenURI","type":"string"},
	           {"name":"royaltyReceiver","type":"address"},{"name":"royaltyFee","type":"uint96"}],
	 "outputs":[]}
]`

// ERC721ABI is the single-token transfer used for ERC-721 collections
const ERC721ABI = `[
	{"type":"function","name":"safeTransferFrom","stateMutability":"nonpayable",
	 "inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"tokenId","type":"uint256"}],
	 "outputs":[]}
]`

// ERC1155ABI is the quantity transfer used for ERC-1155 collections
const ERC1155ABI = `[
	{"type":"function","name":"safeTransferFrom","stateMutability":"nonpayable",
	 "inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"id","type":"uint256"},
	           {"name":"amount","type":"uint256"},{"name":"data","type":"bytes"}],
	 "outputs":[]}
]`

var (
	collectionABI = mustParseABI(CollectionABI)
	erc721ABI     = mustParseABI(ERC721ABI)
	erc1155ABI    = mustParseABI(ERC1155ABI)

	interfaceERC721  = interfaceID(mevm.InterfaceIDERC721)
	interfaceERC1155 = interfaceID(mevm.InterfaceIDERC1155)
	interfaceERC2981 = interfaceID(mevm.InterfaceIDERC2981)
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

func interfaceID(hex string) [4]byte {
	var id [4]byte
	copy(id[:], common.FromHex(hex))
	return id
}
