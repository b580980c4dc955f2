package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/fusionrelay/internal/domain"
)

// --------------------------------------------------------------------------
// EIP-712 type hashes (pre-computed keccak256 of the canonical type strings).
// --------------------------------------------------------------------------

var (
	// EIP712Domain(string name,string version,uint256 chainId)
	eip712DomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId)"),
	)

	orderTypeHash = ethcrypto.Keccak256(
		[]byte("Order(address maker,uint256 makingAmount,uint256 minTakingAmount,uint256 deadline,string receiver,uint256 salt,string srcChain,string dstChain,bool allowPartialFill,uint256 minPartialFill)"),
	)
)

// OrderHasher derives order identifiers and checks maker signatures under a
// fixed EIP-712 domain.
type OrderHasher struct {
	domainSep []byte
}

// NewOrderHasher builds a hasher for the given domain name, version and chain.
func NewOrderHasher(name, version string, chainID int64) *OrderHasher {
	return &OrderHasher{domainSep: buildDomainSeparator(name, version, chainID)}
}

// Digest returns the EIP-712 digest the maker signs.
func (h *OrderHasher) Digest(o domain.Order) ([]byte, error) {
	structHash, err := orderStructHash(o)
	if err != nil {
		return nil, err
	}
	return eip712Hash(h.domainSep, structHash), nil
}

// OrderID returns the 0x-hex digest identifying o.
func (h *OrderHasher) OrderID(o domain.Order) (string, error) {
	d, err := h.Digest(o)
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(d), nil
}

// VerifyOrder checks that o.Signature recovers to o.Maker.
func (h *OrderHasher) VerifyOrder(o domain.Order) error {
	digest, err := h.Digest(o)
	if err != nil {
		return err
	}
	return verifyDigest(digest, o.Signature, o.Maker)
}

// VerifyCancel checks a maker's EIP-191 signature over the cancel message for
// orderID.
func VerifyCancel(orderID, maker, signature string) error {
	return verifyDigest(cancelDigest(orderID), signature, maker)
}

// Signer produces maker signatures. The relayer never holds maker keys; the
// signer backs simulated makers and tests.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSigner creates a Signer from a hex-encoded secp256k1 private key.
func NewSigner(privateKeyHex string) (*Signer, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	pk, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return &Signer{privateKey: pk, address: ethcrypto.PubkeyToAddress(pk.PublicKey)}, nil
}

// GenerateSigner creates a Signer with a fresh random key.
func GenerateSigner() (*Signer, error) {
	pk, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: generate key: %w", err)
	}
	return &Signer{privateKey: pk, address: ethcrypto.PubkeyToAddress(pk.PublicKey)}, nil
}

// Address returns the hex address derived from the signer's key.
func (s *Signer) Address() string {
	return s.address.Hex()
}

// SignOrder returns the 65-byte hex signature over o's EIP-712 digest.
func (s *Signer) SignOrder(h *OrderHasher, o domain.Order) (string, error) {
	digest, err := h.Digest(o)
	if err != nil {
		return "", err
	}
	return s.signDigest(digest)
}

// SignCancel signs the cancel message for orderID.
func (s *Signer) SignCancel(orderID string) (string, error) {
	return s.signDigest(cancelDigest(orderID))
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// buildDomainSeparator returns keccak256(abi.encode(typeHash, nameHash, versionHash, chainId)).
func buildDomainSeparator(name, version string, chainID int64) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			eip712DomainTypeHash,
			ethcrypto.Keccak256([]byte(name)),
			ethcrypto.Keccak256([]byte(version)),
			bigIntTo32Bytes(big.NewInt(chainID)),
		),
	)
}

// eip712Hash computes the final EIP-712 digest:
//
//	keccak256("\x19\x01" || domainSeparator || structHash)
func eip712Hash(domainSep, structHash []byte) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			[]byte{0x19, 0x01},
			domainSep,
			structHash,
		),
	)
}

func cancelDigest(orderID string) []byte {
	return accounts.TextHash([]byte("cancel:" + strings.ToLower(orderID)))
}

// signDigest signs a 32-byte digest using secp256k1 and returns the
// hex-encoded signature (r || s || v, 65 bytes).
func (s *Signer) signDigest(digest []byte) (string, error) {
	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: signing: %w", err)
	}

	// go-ethereum returns v in {0,1}; EIP-712 expects v in {27,28}.
	if sig[64] < 27 {
		sig[64] += 27
	}

	return "0x" + hex.EncodeToString(sig), nil
}

// verifyDigest recovers the signer of digest and compares it to want.
func verifyDigest(digest []byte, signature, want string) error {
	if !common.IsHexAddress(want) {
		return fmt.Errorf("%w: maker %q is not an address", domain.ErrInvalidSignature, want)
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil || len(sig) != 65 {
		return fmt.Errorf("%w: malformed signature", domain.ErrInvalidSignature)
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidSignature, err)
	}
	if ethcrypto.PubkeyToAddress(*pub) != common.HexToAddress(want) {
		return domain.ErrInvalidSignature
	}
	return nil
}

// orderStructHash encodes and hashes an Order according to EIP-712.
func orderStructHash(o domain.Order) ([]byte, error) {
	if !common.IsHexAddress(o.Maker) {
		return nil, fmt.Errorf("%w: maker %q is not an address", domain.ErrMalformedOrder, o.Maker)
	}
	if err := o.CheckAmounts(); err != nil {
		return nil, err
	}
	if o.Deadline < 0 {
		return nil, fmt.Errorf("%w: negative deadline", domain.ErrMalformedOrder)
	}

	partial := big.NewInt(0)
	if o.AllowPartialFill {
		partial = big.NewInt(1)
	}

	return ethcrypto.Keccak256(
		concatBytes(
			orderTypeHash,
			common.LeftPadBytes(common.HexToAddress(o.Maker).Bytes(), 32),
			bigIntTo32Bytes(o.MakingAmount),
			bigIntTo32Bytes(o.MinTakingAmount),
			bigIntTo32Bytes(big.NewInt(o.Deadline)),
			ethcrypto.Keccak256([]byte(o.Receiver)),
			bigIntTo32Bytes(o.Salt),
			ethcrypto.Keccak256([]byte(o.SrcChain)),
			ethcrypto.Keccak256([]byte(o.DstChain)),
			bigIntTo32Bytes(partial),
			bigIntTo32Bytes(o.MinPartialFillOrZero()),
		),
	), nil
}

// bigIntTo32Bytes returns a 32-byte big-endian representation of n.
func bigIntTo32Bytes(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) >= 32 {
		return b[:32]
	}
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
}

// concatBytes concatenates multiple byte slices into one.
func concatBytes(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}
