package approval

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Fingerprint derives a stable hash of (tool name, structured payload) used
// for equivalence matching in session memory. encoding/json marshals map keys
// in sorted order, so equal payloads always hash equal regardless of
// insertion order.
func Fingerprint(req Request) string {
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		// Non-serializable payloads fall back to their Go representation; the
		// hash stays stable within a process, which is all session memory needs.
		payload = []byte(fmt.Sprintf("%v", req.Payload))
	}

	h := sha256.New()
	h.Write([]byte(req.Tool))
	h.Write([]byte{0})
	h.Write(payload)

	return hex.EncodeToString(h.Sum(nil))
}
