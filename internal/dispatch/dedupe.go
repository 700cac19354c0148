package dispatch

import "strings"

// Deduper decides whether a newly proposed task description duplicates one
// already queued or running for the same character. Production wiring calls
// an auxiliary LLM for this judgment; tests and the default wiring use
// [FingerprintDeduper] so behavior stays deterministic without a live model
// call on every dispatch.
type Deduper interface {
	// IsDuplicate reports whether description matches one of pending's
	// descriptions closely enough to be the same task, returning the
	// matched entry's id when it does.
	IsDuplicate(description string, pending []*Entry) (taskID string, duplicate bool)
}

// FingerprintDeduper flags a duplicate when the normalized description
// exactly matches a pending entry's last recorded description. It is a
// conservative stand-in for an LLM-based semantic deduper: it only catches
// verbatim repeats, never near-duplicates, by design — see the Open
// Question decision on non-deterministic dedup.
type FingerprintDeduper struct{}

func (FingerprintDeduper) IsDuplicate(description string, pending []*Entry) (string, bool) {
	fp := fingerprint(description)
	for _, e := range pending {
		if e.Result == nil {
			continue
		}
		if fingerprint(descriptionOf(e)) == fp {
			return e.ID, true
		}
	}
	return "", false
}

func descriptionOf(e *Entry) string {
	if e.Result == nil {
		return ""
	}
	return e.Result.Reason
}

func fingerprint(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
