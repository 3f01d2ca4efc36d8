package dedup

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"sort"
	"strconv"
	"strings"
)

// Fingerprint identifies a logically identical request. Collisions are
// treated as equality.
type Fingerprint [sha256.Size]byte

// String renders the fingerprint as lowercase hex, for logs and headers.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// Message is the normalized shape of one chat message for hashing.
type Message struct {
	Role    string
	Content string
}

// Tool is one tool definition: the function name for ordering plus the raw
// JSON for hashing.
type Tool struct {
	Name string
	Raw  []byte
}

// Compute hashes the canonical form of a request. Streaming and buffered
// sends of the same prompt share a fingerprint, so the stream flag is not an
// input. Tools are sorted by name: the tool set is semantically unordered.
func Compute(model string, msgs []Message, temperature *float64, maxTokens *int, tools []Tool) Fingerprint {
	h := sha256.New()

	writeField(h, "model", model)
	for _, m := range msgs {
		writeField(h, "role", strings.TrimSpace(m.Role))
		writeField(h, "content", strings.TrimSpace(m.Content))
	}
	if temperature != nil {
		writeField(h, "temperature", strconv.FormatFloat(*temperature, 'g', -1, 64))
	}
	if maxTokens != nil {
		writeField(h, "max_tokens", strconv.Itoa(*maxTokens))
	}
	if len(tools) > 0 {
		sorted := make([]Tool, len(tools))
		copy(sorted, tools)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
		for _, t := range sorted {
			writeField(h, "tool", string(t.Raw))
		}
	}

	var f Fingerprint
	h.Sum(f[:0])
	return f
}

// writeField length-prefixes key and value so adjacent fields cannot alias.
func writeField(h hash.Hash, key, value string) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(key)))
	h.Write(n[:])
	h.Write([]byte(key))
	binary.BigEndian.PutUint32(n[:], uint32(len(value)))
	h.Write(n[:])
	h.Write([]byte(value))
}
