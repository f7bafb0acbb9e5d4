package orchestrator

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// RequestHash fingerprints a submission for deduplication. Fields are
// lowercased and whitespace-collapsed first so cosmetic differences in the
// brief do not defeat the dedupe window.
func RequestHash(req SubmitRequest) string {
	h := sha256.New()
	for _, field := range []string{req.TenantID, req.Platform, req.Topic, req.Audience, req.ScheduleKey} {
		h.Write([]byte(normalize(field)))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
