package provider

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// Fingerprint derives the deterministic cache key for one logical request.
// It hashes the model id, the ordered messages, and the canonical parameter
// encoding with SHA-256. Computation is pure: no I/O and no time dependence,
// so two semantically identical requests always collide on the same key.
func Fingerprint(model string, messages []ChatMessage, params Parameters) string {
	var b strings.Builder
	b.WriteString("model:")
	b.WriteString(strings.TrimSpace(model))
	for _, m := range messages {
		b.WriteString("|")
		b.WriteString(m.Role)
		b.WriteString(":")
		b.WriteString(m.Content)
	}
	b.WriteString("|params:")
	b.WriteString(canonicalParams(params))

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// canonicalParams encodes the parameter set in a fixed field order with
// type-tagged values. The parameter set is closed and strongly typed, so a
// fixed order gives key-order independence without a recursive sort; unset
// fields are omitted entirely. Stream is excluded: streaming and blocking
// calls to the same model with the same tuning produce the same content and
// must share a cache entry.
func canonicalParams(p Parameters) string {
	var parts []string

	addF := func(name string, v *float64) {
		if v != nil {
			parts = append(parts, name+"=f:"+strconv.FormatFloat(*v, 'g', -1, 64))
		}
	}
	addI := func(name string, v *int) {
		if v != nil {
			parts = append(parts, name+"=i:"+strconv.Itoa(*v))
		}
	}

	addF("frequency_penalty", p.FrequencyPenalty)
	addI("max_tokens", p.MaxTokens)
	addF("presence_penalty", p.PresencePenalty)
	if p.Seed != nil {
		parts = append(parts, "seed=i:"+strconv.FormatInt(*p.Seed, 10))
	}
	if len(p.Stop) > 0 {
		// Stop sequences keep caller order: reordering them changes
		// generation semantics for some providers.
		parts = append(parts, "stop=l:"+strings.Join(p.Stop, "\x1f"))
	}
	addF("temperature", p.Temperature)
	addI("top_k", p.TopK)
	addF("top_p", p.TopP)

	return strings.Join(parts, ";")
}
