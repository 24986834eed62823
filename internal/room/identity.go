// Package room derives canonical chat-room identities for account pairs and
// manages the per-pair room record. Exactly one room exists per unordered
// pair: the id is deterministic and creation is idempotent.
package room

// Separator joins the two sorted account ids into a room id.
const Separator = "_"

// DeriveID returns the canonical room id for two accounts. The ids are
// sorted lexicographically before joining, so both call orders derive the
// same key.
func DeriveID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + Separator + b
}

// Participants splits a room id back into its two member ids. The second
// return value is false for malformed ids.
func Participants(roomID string) (string, string, bool) {
	for i := 0; i < len(roomID); i++ {
		if roomID[i:i+1] == Separator {
			return roomID[:i], roomID[i+1:], i > 0 && i < len(roomID)-1
		}
	}
	return "", "", false
}
