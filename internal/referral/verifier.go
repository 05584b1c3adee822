package referral

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ReferralDomain is the domain separator baked into every code digest.
// Changing it invalidates all outstanding codes.
const ReferralDomain = "coverledger-referral-v1"

// CodeV1 is the signed payload of a referral code: the referrer binds
// their own address to the product's domain and strategy. The code is
// the 65-byte ECDSA signature over the payload digest.
type CodeV1 struct {
	Domain   string
	Strategy string
	Referrer common.Address
}

func (c CodeV1) Hash() ([]byte, error) {
	if c.Domain == "" {
		return nil, fmt.Errorf("domain required")
	}
	if c.Referrer == (common.Address{}) {
		return nil, fmt.Errorf("referrer required")
	}
	payload := fmt.Sprintf("%s|strategy=%s|referrer=%s",
		c.Domain,
		c.Strategy,
		strings.ToLower(c.Referrer.Hex()),
	)
	return ethcrypto.Keccak256([]byte(payload)), nil
}

// SignCode produces a referral code for the given referrer key.
func SignCode(strategy string, key *ecdsa.PrivateKey) ([]byte, error) {
	code := CodeV1{
		Domain:   ReferralDomain,
		Strategy: strategy,
		Referrer: ethcrypto.PubkeyToAddress(key.PublicKey),
	}
	hash, err := code.Hash()
	if err != nil {
		return nil, err
	}
	sig, err := ethcrypto.Sign(hash, key)
	if err != nil {
		return nil, fmt.Errorf("sign referral code: %w", err)
	}
	return sig, nil
}

// RecoverReferrer recovers the signer of a referral code and checks it
// matches the claimed referrer. Returns the recovered address.
func RecoverReferrer(strategy string, claimed common.Address, sig []byte) (common.Address, error) {
	code := CodeV1{
		Domain:   ReferralDomain,
		Strategy: strategy,
		Referrer: claimed,
	}
	hash, err := code.Hash()
	if err != nil {
		return common.Address{}, err
	}
	pub, err := ethcrypto.SigToPub(hash, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover pubkey: %w", err)
	}
	recovered := ethcrypto.PubkeyToAddress(*pub)
	if recovered == (common.Address{}) {
		return common.Address{}, fmt.Errorf("recovered zero address")
	}
	if recovered != claimed {
		return common.Address{}, fmt.Errorf("signature does not match referrer %s", claimed.Hex())
	}
	return recovered, nil
}
