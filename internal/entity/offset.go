package entity

import (
	"unicode/utf16"
)

func runeUnits(r rune) int {
	if r >= 0x10000 {
		return 2
	}
	return 1
}

// UTF16Len returns the length of s in UTF-16 code units.
func UTF16Len(s string) int {
	n := 0
	for _, r := range s {
		n += runeUnits(r)
	}
	return n
}

// CodeUnitOffset converts a byte index into s to a UTF-16 offset.
// A byte index inside a multi-byte rune counts that whole rune.
func CodeUnitOffset(s string, byteIndex int) int {
	if byteIndex <= 0 {
		return 0
	}
	n := 0
	for i, r := range s {
		if i >= byteIndex {
			break
		}
		n += runeUnits(r)
	}
	return n
}

// NativeIndex converts a UTF-16 offset to a byte index into s.
// An offset that points between the two halves of a surrogate pair rounds
// up to the next rune boundary. Offsets past the end return len(s).
func NativeIndex(s string, units int) int {
	if units <= 0 {
		return 0
	}
	n := 0
	for i, r := range s {
		if n >= units {
			return i
		}
		n += runeUnits(r)
	}
	return len(s)
}

// Slice returns the text covered by units [off, off+length).
func Slice(s string, off, length int) string {
	start := NativeIndex(s, off)
	end := NativeIndex(s, off+length)
	if end < start {
		return ""
	}
	return s[start:end]
}

// Text returns the text covered by e.
func (e Entity) Text(s string) string { return Slice(s, e.Offset, e.Length) }

func encode(s string) []uint16 { return utf16.Encode([]rune(s)) }

func decode(u []uint16) string { return string(utf16.Decode(u)) }

func indexFrom(hay, needle []uint16, from int) int {
	if from < 0 {
		from = 0
	}
	n := len(needle)
	if n == 0 {
		return -1
	}
	for i := from; i+n <= len(hay); i++ {
		if hay[i] != needle[0] {
			continue
		}
		if equalAt(hay, needle, i) {
			return i
		}
	}
	return -1
}

func equalAt(hay, needle []uint16, at int) bool {
	if at < 0 || at+len(needle) > len(hay) {
		return false
	}
	for j, c := range needle {
		if hay[at+j] != c {
			return false
		}
	}
	return true
}
