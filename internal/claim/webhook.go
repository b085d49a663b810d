package claim

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/Klingon-tech/seafloor/pkg/types"
)

// WebhookHeader carries the hex HMAC-SHA256 of the raw webhook body,
// optionally prefixed with "sha256=".
const WebhookHeader = "X-Seafloor-Signature"

// WebhookEvent is a settlement notification from the indexer.
type WebhookEvent struct {
	Identity types.Address `json:"identity"`
	Nonce    uint64        `json:"nonce"`
	TxHash   types.Hash    `json:"tx_hash"`
}

// SignWebhook returns the header value for body under secret.
func SignWebhook(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhook checks header against the HMAC of the raw body.
// An empty secret verifies nothing.
func VerifyWebhook(secret, body []byte, header string) bool {
	if len(secret) == 0 || header == "" {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(header), "sha256="))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
