package entity

import (
	"reflect"
	"testing"
	"unicode/utf8"
)

func TestUTF16Len(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"Hello", 5},
		{"Привет", 6},
		{"a😀b", 4},
		{"日本", 2},
		{"😀😀", 4},
	}
	for _, tt := range tests {
		if got := UTF16Len(tt.in); got != tt.want {
			t.Fatalf("UTF16Len(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestOffsetRoundTrip(t *testing.T) {
	t.Parallel()
	texts := []string{"", "plain ascii", "Привет, мир", "emoji 😀 in 🎉 the middle", "日本語テキスト", "áé"}
	for _, s := range texts {
		for i := 0; i <= len(s); {
			u := CodeUnitOffset(s, i)
			if got := NativeIndex(s, u); got != i {
				t.Fatalf("NativeIndex(%q, CodeUnitOffset(%d)=%d) = %d", s, i, u, got)
			}
			if i == len(s) {
				break
			}
			_, size := utf8.DecodeRuneInString(s[i:])
			i += size
		}
	}
}

func TestCodeUnitOffsetAstral(t *testing.T) {
	t.Parallel()
	s := "a😀b"
	// byte index of 'b' is 1 + 4.
	if got := CodeUnitOffset(s, 5); got != 3 {
		t.Fatalf("CodeUnitOffset = %d, want 3", got)
	}
	if got := NativeIndex(s, 3); got != 5 {
		t.Fatalf("NativeIndex = %d, want 5", got)
	}
	// Inside the surrogate pair rounds up.
	if got := NativeIndex(s, 2); got != 5 {
		t.Fatalf("NativeIndex(mid-pair) = %d, want 5", got)
	}
	if got := Slice(s, 1, 2); got != "😀" {
		t.Fatalf("Slice = %q", got)
	}
}

func TestShiftDoesNotMutateInput(t *testing.T) {
	t.Parallel()
	in := []Entity{{Kind: Bold, Offset: 0, Length: 2}}
	out := Shift(in, 6)
	if in[0].Offset != 0 {
		t.Fatalf("input mutated: %+v", in[0])
	}
	if out[0].Offset != 6 {
		t.Fatalf("offset = %d, want 6", out[0].Offset)
	}
}

func TestMergeIsStable(t *testing.T) {
	t.Parallel()
	a := []Entity{{Kind: Bold, Offset: 4, Length: 1}, {Kind: Italic, Offset: 0, Length: 1}}
	b := []Entity{{Kind: Underline, Offset: 4, Length: 1}, {Kind: Code, Offset: 2, Length: 1}}
	got := Merge(a, b)
	want := []Kind{Italic, Code, Bold, Underline}
	for i, k := range want {
		if got[i].Kind != k {
			t.Fatalf("Merge order[%d] = %s, want %s (%+v)", i, got[i].Kind, k, got)
		}
	}
}

func TestClampDropsEmpty(t *testing.T) {
	t.Parallel()
	got := Clamp("abc", []Entity{
		{Kind: Bold, Offset: 1, Length: 10},
		{Kind: Italic, Offset: 5, Length: 2},
		{Kind: Code, Offset: -1, Length: 2},
	})
	want := []Entity{{Kind: Bold, Offset: 1, Length: 2}, {Kind: Code, Offset: 0, Length: 1}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Clamp = %+v, want %+v", got, want)
	}
	if !Valid("abc", got) {
		t.Fatal("clamped spans are not valid")
	}
}

func TestRelocateIdentity(t *testing.T) {
	t.Parallel()
	cases := []struct {
		text  string
		spans []Entity
	}{
		{"Hello world", []Entity{{Kind: Bold, Offset: 0, Length: 11}, {Kind: Italic, Offset: 6, Length: 5}}},
		{"abcb", []Entity{{Kind: Bold, Offset: 0, Length: 2}, {Kind: Italic, Offset: 3, Length: 1}}},
		{"a a a", []Entity{{Kind: Bold, Offset: 4, Length: 1}, {Kind: Bold, Offset: 0, Length: 1}, {Kind: Italic, Offset: 2, Length: 1}}},
		{"😀 x 😀", []Entity{{Kind: Spoiler, Offset: 5, Length: 2}, {Kind: Spoiler, Offset: 0, Length: 2}}},
		{"same", []Entity{{Kind: Bold, Offset: 0, Length: 4}, {Kind: Italic, Offset: 0, Length: 4}}},
	}
	for _, c := range cases {
		got := Relocate(c.text, c.spans, c.text)
		if !reflect.DeepEqual(got, c.spans) {
			t.Fatalf("Relocate identity on %q = %+v, want %+v", c.text, got, c.spans)
		}
	}
}

func TestRelocateAfterRemoval(t *testing.T) {
	t.Parallel()
	old := "Read https://x.co and bold text"
	spans := []Entity{
		{Kind: URL, Offset: 5, Length: 12},
		{Kind: Bold, Offset: 22, Length: 4},
	}
	got := Relocate(old, spans, "Read and bold text")
	want := []Entity{{Kind: Bold, Offset: 9, Length: 4}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Relocate = %+v, want %+v", got, want)
	}
}

func TestRelocateRepeatedSnippetsBindOnce(t *testing.T) {
	t.Parallel()
	old := "a b a"
	spans := []Entity{{Kind: Bold, Offset: 0, Length: 1}, {Kind: Italic, Offset: 4, Length: 1}}
	got := Relocate(old, spans, "a a")
	want := []Entity{{Kind: Bold, Offset: 0, Length: 1}, {Kind: Italic, Offset: 2, Length: 1}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Relocate = %+v, want %+v", got, want)
	}
}

func TestRelocateDropsZeroAndMissing(t *testing.T) {
	t.Parallel()
	spans := []Entity{{Kind: Bold, Offset: 0, Length: 0}, {Kind: Italic, Offset: 0, Length: 3}}
	if got := Relocate("foo", spans, "bar"); got != nil {
		t.Fatalf("expected no spans, got %+v", got)
	}
}

func TestRenderEmptySpansEscapes(t *testing.T) {
	t.Parallel()
	for _, s := range []string{"", "plain", "a < b && c > d", "<b>not a tag</b>"} {
		if got, want := Render(s, nil), EscapeHTML(s); got != want {
			t.Fatalf("Render(%q, nil) = %q, want %q", s, got, want)
		}
	}
}

func TestRenderNesting(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		text  string
		spans []Entity
		want  string
	}{
		{
			name:  "adjacent closes before open",
			text:  "ab",
			spans: []Entity{{Kind: Bold, Offset: 0, Length: 1}, {Kind: Italic, Offset: 1, Length: 1}},
			want:  "<b>a</b><i>b</i>",
		},
		{
			name:  "nested same start",
			text:  "Hello",
			spans: []Entity{{Kind: Italic, Offset: 0, Length: 3}, {Kind: Bold, Offset: 0, Length: 5}},
			want:  "<b><i>Hel</i>lo</b>",
		},
		{
			name:  "interleaved reopens",
			text:  "abcd",
			spans: []Entity{{Kind: Bold, Offset: 0, Length: 3}, {Kind: Italic, Offset: 1, Length: 3}},
			want:  "<b>a<i>bc</i></b><i>d</i>",
		},
		{
			name:  "link and zero width",
			text:  "go https://x.co",
			spans: []Entity{{Kind: TextLink, Offset: 0, Length: 2, URL: "https://a.b/?q=1&r=\"2\""}, {Kind: URL, Offset: 3, Length: 12}},
			want:  `<a href="https://a.b/?q=1&amp;r=&quot;2&quot;">go</a> https://x.co`,
		},
		{
			name:  "pre with language",
			text:  "x<y",
			spans: []Entity{{Kind: Pre, Offset: 0, Length: 3, Language: "go"}},
			want:  `<pre><code class="language-go">x&lt;y</code></pre>`,
		},
		{
			name:  "astral offsets",
			text:  "😀 hi",
			spans: []Entity{{Kind: Bold, Offset: 3, Length: 2}},
			want:  "😀 <b>hi</b>",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Render(tt.text, tt.spans); got != tt.want {
				t.Fatalf("Render = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReplaceAllRemapsSpans(t *testing.T) {
	t.Parallel()
	text := "big world, small world"
	spans := []Entity{
		{Kind: Bold, Offset: 0, Length: 9},    // "big world"
		{Kind: Italic, Offset: 11, Length: 5}, // "small"
		{Kind: Code, Offset: 6, Length: 2},    // "rl"
	}
	got, moved := ReplaceAll(text, spans, "world", "earth!")
	if got != "big earth!, small earth!" {
		t.Fatalf("text = %q", got)
	}
	want := []Entity{
		{Kind: Bold, Offset: 0, Length: 10},
		{Kind: Italic, Offset: 12, Length: 5},
		{Kind: Code, Offset: 4, Length: 6},
	}
	if !reflect.DeepEqual(moved, want) {
		t.Fatalf("spans = %+v, want %+v", moved, want)
	}
	if Render(got, moved) != "<b>big <code>earth!</code></b>, <i>small</i> earth!" {
		t.Fatalf("render = %q", Render(got, moved))
	}
}

func TestReplaceAllDeletion(t *testing.T) {
	t.Parallel()
	got, moved := ReplaceAll("a [ad] b", []Entity{{Kind: Bold, Offset: 2, Length: 4}, {Kind: Italic, Offset: 7, Length: 1}}, "[ad] ", "")
	if got != "a b" {
		t.Fatalf("text = %q", got)
	}
	want := []Entity{{Kind: Italic, Offset: 2, Length: 1}}
	if !reflect.DeepEqual(moved, want) {
		t.Fatalf("spans = %+v, want %+v", moved, want)
	}
}
