package entity

import "sort"

// Shift adds delta to every span's offset.
func Shift(spans []Entity, delta int) []Entity {
	if len(spans) == 0 {
		return nil
	}
	out := make([]Entity, len(spans))
	for i, e := range spans {
		e.Offset += delta
		out[i] = e
	}
	return out
}

// Merge concatenates a and b and stable-sorts the result by offset, so ties
// keep their original order (all of a before b).
func Merge(a, b []Entity) []Entity {
	if len(a)+len(b) == 0 {
		return nil
	}
	out := make([]Entity, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Offset < out[j].Offset })
	return out
}

// Valid reports whether every span satisfies the offset invariant for text.
func Valid(text string, spans []Entity) bool {
	n := UTF16Len(text)
	for _, e := range spans {
		if e.Offset < 0 || e.Length <= 0 || e.End() > n {
			return false
		}
	}
	return true
}

// Clamp trims spans to the bounds of text and drops the ones left empty.
// Inbound spans from remote platforms are clamped before any transform.
func Clamp(text string, spans []Entity) []Entity {
	if len(spans) == 0 {
		return nil
	}
	n := UTF16Len(text)
	out := make([]Entity, 0, len(spans))
	for _, e := range spans {
		if e.Offset < 0 {
			e.Length += e.Offset
			e.Offset = 0
		}
		if e.End() > n {
			e.Length = n - e.Offset
		}
		if e.Length <= 0 {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Filter returns the spans for which keep returns true.
func Filter(spans []Entity, keep func(Entity) bool) []Entity {
	var out []Entity
	for _, e := range spans {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}
