package entity

import "sort"

type oldRange struct{ off, length int }

type occurrence struct {
	pos     int
	snippet string
}

// Relocate rebinds spans after oldText was rewritten into newText.
//
// The rewrite is expected to keep span content verbatim (link removal, word
// replacement elsewhere in the text, prepending). Each span's snippet is
// searched for in newText; spans whose snippet no longer occurs are dropped.
//
// Binding rules, applied to spans in offset order:
//   - a snippet found exactly where the running displacement predicts wins,
//     so an identity rewrite returns the spans unchanged;
//   - otherwise the first occurrence at or after the previous binding that
//     no other span with the same snippet already took;
//   - spans sharing the same old range share the same new position.
//
// The result keeps the input order of the surviving spans.
func Relocate(oldText string, spans []Entity, newText string) []Entity {
	if len(spans) == 0 {
		return nil
	}
	oldU := encode(oldText)
	newU := encode(newText)

	order := make([]int, len(spans))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return spans[order[a]].Offset < spans[order[b]].Offset })

	bound := make(map[oldRange]int, len(spans))
	consumed := make(map[occurrence]struct{}, len(spans))
	pos := make([]int, len(spans))
	lastStart := 0
	delta := 0

	for _, i := range order {
		sp := spans[i]
		pos[i] = -1
		if sp.Length <= 0 || sp.Offset < 0 || sp.End() > len(oldU) {
			continue
		}
		r := oldRange{sp.Offset, sp.Length}
		if p, ok := bound[r]; ok {
			pos[i] = p
			continue
		}
		needle := oldU[sp.Offset:sp.End()]
		key := decode(needle)
		p := locate(newU, needle, key, sp.Offset+delta, lastStart, consumed)
		bound[r] = p
		if p < 0 {
			continue
		}
		consumed[occurrence{p, key}] = struct{}{}
		pos[i] = p
		if p > lastStart {
			lastStart = p
		}
		delta = p - sp.Offset
	}

	out := make([]Entity, 0, len(spans))
	for i, sp := range spans {
		if pos[i] < 0 {
			continue
		}
		sp.Offset = pos[i]
		out = append(out, sp)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func locate(hay, needle []uint16, key string, expected, from int, consumed map[occurrence]struct{}) int {
	free := func(p int) bool {
		_, taken := consumed[occurrence{p, key}]
		return !taken
	}
	if equalAt(hay, needle, expected) && free(expected) {
		return expected
	}
	for p := indexFrom(hay, needle, from); p >= 0; p = indexFrom(hay, needle, p+1) {
		if free(p) {
			return p
		}
	}
	// The rewrite may have moved text backwards past the previous binding.
	for p := indexFrom(hay, needle, 0); p >= 0 && p < from; p = indexFrom(hay, needle, p+1) {
		if free(p) {
			return p
		}
	}
	return -1
}
