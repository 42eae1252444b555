package disui

import "unicode/utf8"

// TruncRunes returns s truncated to at most n runes.
// It appends an ellipsis "…" when truncated.
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	// Single-pass implementation:
	//  - remember the byte index after the n-th rune
	//  - if there is an (n+1)-th rune, truncate + ellipsis
	count := 0
	cut := 0
	for i, r := range s {
		count++
		if count == n {
			cut = i + utf8.RuneLen(r)
			continue
		}
		if count > n {
			if cut <= 0 {
				cut = i
			}
			return s[:cut] + "…"
		}
	}
	return s
}

// JoinBudget joins parts with sep into as few strings as possible while
// keeping every output string within budget bytes. A single part longer than
// the budget gets its own output string (never split mid-part).
func JoinBudget(parts []string, sep string, budget int) []string {
	if budget <= 0 {
		budget = MaxMessageLen
	}
	var out []string
	cur := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		if cur == "" {
			cur = p
			continue
		}
		if len(cur)+len(sep)+len(p) > budget {
			out = append(out, cur)
			cur = p
			continue
		}
		cur += sep + p
	}
	if cur != "" {
		out = append(out, cur)
	}
	return out
}

// Mention formats a user id as a Discord user mention.
func Mention(userID string) string { return "<@" + userID + ">" }
