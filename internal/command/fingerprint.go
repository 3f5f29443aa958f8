package command

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Fingerprint computes the deterministic identity of a command with id
// and idempotencyKey excluded (spec.md I4, P6). Two envelopes differing
// only in id/idempotencyKey must produce the same fingerprint.
//
// Canonicalization choice (spec.md §9 open question (b)): we marshal a
// copy of the raw payload map with "id" and "idempotencyKey" deleted,
// with the envelope's own type/sessionId/dependsOn/ifSessionVersion
// fields laid over it (so an envelope built in Go rather than decoded
// from JSON still fingerprints by its fields), and hash the result
// with sha256. encoding/json already sorts map[string]any keys
// alphabetically when marshaling, so this is sufficient for
// deterministic field ordering without a dedicated canonical-JSON
// library.
func Fingerprint(e *Envelope) string {
	raw := e.Raw()
	clean := make(map[string]any, len(raw)+4)
	for k, v := range raw {
		if k == "id" || k == "idempotencyKey" {
			continue
		}
		clean[k] = v
	}
	if e.Type != "" {
		clean["type"] = e.Type
	}
	if e.SessionID != "" {
		clean["sessionId"] = e.SessionID
	}
	if len(e.DependsOn) > 0 {
		clean["dependsOn"] = e.DependsOn
	}
	if e.IfSessionVersion != nil {
		clean["ifSessionVersion"] = *e.IfSessionVersion
	}
	// Belt-and-suspenders: explicitly sort keys before hashing rather
	// than relying solely on json.Marshal's map ordering, so the
	// contract is self-documenting if the payload ever stops being a
	// map[string]any.
	keys := make([]string, 0, len(clean))
	for k := range clean {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]byte, 0, 256)
	ordered = append(ordered, '{')
	for i, k := range keys {
		if i > 0 {
			ordered = append(ordered, ',')
		}
		kb, _ := json.Marshal(k)
		vb, _ := json.Marshal(clean[k])
		ordered = append(ordered, kb...)
		ordered = append(ordered, ':')
		ordered = append(ordered, vb...)
	}
	ordered = append(ordered, '}')

	sum := sha256.Sum256(ordered)
	return hex.EncodeToString(sum[:])
}
