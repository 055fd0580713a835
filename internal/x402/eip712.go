package x402

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const transferWithAuthorizationType = "TransferWithAuthorization"

var (
	transferAuthTypeHash = crypto.Keccak256Hash([]byte("TransferWithAuthorization(address from,address to,uint256 value,uint256 validAfter,uint256 validBefore,bytes32 nonce)"))
	domainTypeHash       = crypto.Keccak256Hash([]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))
)

// Domain is the EIP-712 domain of an EIP-3009 token.
type Domain struct {
	Name              string
	Version           string
	ChainID           int64
	VerifyingContract common.Address
}

// TypedData renders the authorization as eth_signTypedData_v4 input.
func TypedData(domain Domain, auth Authorization) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			transferWithAuthorizationType: {
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: transferWithAuthorizationType,
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           math.NewHexOrDecimal256(domain.ChainID),
			VerifyingContract: domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        auth.From,
			"to":          auth.To,
			"value":       auth.Value,
			"validAfter":  auth.ValidAfter,
			"validBefore": auth.ValidBefore,
			"nonce":       auth.Nonce,
		},
	}
}

// DomainSeparator is keccak256(abi.encode(typehash, name, version, chainId, verifyingContract)).
func DomainSeparator(domain Domain) (common.Hash, error) {
	if domain.Name == "" || domain.Version == "" || domain.ChainID <= 0 {
		return common.Hash{}, errors.New("incomplete EIP-712 domain")
	}
	return crypto.Keccak256Hash(
		domainTypeHash.Bytes(),
		crypto.Keccak256([]byte(domain.Name)),
		crypto.Keccak256([]byte(domain.Version)),
		common.LeftPadBytes(big.NewInt(domain.ChainID).Bytes(), 32),
		common.LeftPadBytes(domain.VerifyingContract.Bytes(), 32),
	), nil
}

// Digest is the EIP-712 hash of a transferWithAuthorization message.
func Digest(domain Domain, auth Authorization) (common.Hash, error) {
	separator, err := DomainSeparator(domain)
	if err != nil {
		return common.Hash{}, err
	}
	words := make([][]byte, 0, 7)
	words = append(words, transferAuthTypeHash.Bytes())
	for _, addr := range []string{auth.From, auth.To} {
		if !common.IsHexAddress(addr) {
			return common.Hash{}, fmt.Errorf("invalid address %q", addr)
		}
		words = append(words, common.LeftPadBytes(common.HexToAddress(addr).Bytes(), 32))
	}
	for _, field := range []string{auth.Value, auth.ValidAfter, auth.ValidBefore} {
		n, ok := new(big.Int).SetString(field, 10)
		if !ok || n.Sign() < 0 || n.BitLen() > 256 {
			return common.Hash{}, fmt.Errorf("invalid uint256 %q", field)
		}
		words = append(words, common.LeftPadBytes(n.Bytes(), 32))
	}
	nonce, err := hexutil.Decode(auth.Nonce)
	if err != nil || len(nonce) != 32 {
		return common.Hash{}, fmt.Errorf("nonce must be 32 bytes")
	}
	words = append(words, nonce)

	structHash := crypto.Keccak256Hash(words...)
	return crypto.Keccak256Hash([]byte{0x19, 0x01}, separator.Bytes(), structHash.Bytes()), nil
}

// RecoverSigner returns the address that produced sig over digest. V may be
// 0/1 or 27/28.
func RecoverSigner(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, errors.New("signature must be 65 bytes")
	}
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	pub, err := crypto.SigToPub(digest.Bytes(), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func sameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
