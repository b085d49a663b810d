package crypto

import "strconv"

// personalPrefix is the EIP-191 version 0x45 prefix applied by wallets'
// personal_sign before hashing.
const personalPrefix = "\x19Ethereum Signed Message:\n"

// PersonalMessageHash returns the digest a wallet signs for personal_sign(msg).
func PersonalMessageHash(msg []byte) []byte {
	h := Keccak256([]byte(personalPrefix+strconv.Itoa(len(msg))), msg)
	return h[:]
}

// SignPersonal signs msg the way a browser wallet does for personal_sign.
func SignPersonal(s Signer, msg []byte) ([]byte, error) {
	return s.Sign(PersonalMessageHash(msg))
}
