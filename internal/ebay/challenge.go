package ebay

import (
	"crypto/sha256"
	"encoding/hex"
)

// ChallengeResponse answers eBay's endpoint-ownership handshake. The
// subscription is rejected unless the endpoint echoes exactly
// sha256(challengeCode + verificationToken + endpointURL) as hex.
func ChallengeResponse(challengeCode, verificationToken, endpointURL string) string {
	h := sha256.New()
	h.Write([]byte(challengeCode))
	h.Write([]byte(verificationToken))
	h.Write([]byte(endpointURL))
	return hex.EncodeToString(h.Sum(nil))
}
