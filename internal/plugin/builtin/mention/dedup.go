package mention

import kit "mentionbot/internal/transport"

// Dedup keeps the first mention of each target and drops later ones.
// Non-mention elements and mentions without a target id pass through.
func Dedup(elems []kit.Element) []kit.Element {
	seen := make(map[string]struct{}, len(elems))
	out := make([]kit.Element, 0, len(elems))
	for _, e := range elems {
		if e.Kind == kit.ElemMention && e.TargetID != "" {
			if _, dup := seen[e.TargetID]; dup {
				continue
			}
			seen[e.TargetID] = struct{}{}
		}
		out = append(out, e)
	}
	return out
}
