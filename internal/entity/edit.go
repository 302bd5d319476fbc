package entity

// ReplaceAll replaces every non-overlapping occurrence of from in text with
// to and remaps spans through the edits.
//
// Boundaries outside a replaced occurrence move by the accumulated length
// difference. A span boundary that falls inside an occurrence snaps to the
// edge of its replacement, so a span over "big world" keeps covering
// "big earth" after replacing "world". Spans that end up empty are dropped.
func ReplaceAll(text string, spans []Entity, from, to string) (string, []Entity) {
	if from == "" {
		return text, spans
	}
	u := encode(text)
	f := encode(from)
	p := indexFrom(u, f, 0)
	if p < 0 {
		return text, spans
	}
	r := encode(to)

	type edit struct{ at, oldEnd, newAt, newEnd int }
	var edits []edit
	out := make([]uint16, 0, len(u))
	last := 0
	for ; p >= 0; p = indexFrom(u, f, p+len(f)) {
		out = append(out, u[last:p]...)
		at := len(out)
		out = append(out, r...)
		edits = append(edits, edit{at: p, oldEnd: p + len(f), newAt: at, newEnd: len(out)})
		last = p + len(f)
	}
	out = append(out, u[last:]...)

	remap := func(pos int, end bool) int {
		delta := 0
		for _, e := range edits {
			switch {
			case pos <= e.at:
				return pos + delta
			case pos >= e.oldEnd:
				delta = e.newEnd - e.oldEnd
			default:
				if end {
					return e.newEnd
				}
				return e.newAt
			}
		}
		return pos + delta
	}

	var moved []Entity
	for _, e := range spans {
		start := remap(e.Offset, false)
		stop := remap(e.End(), true)
		if stop-start <= 0 {
			continue
		}
		e.Offset = start
		e.Length = stop - start
		moved = append(moved, e)
	}
	return decode(out), moved
}
