package tgui

import "testing"

func TestTags(t *testing.T) {
	if got := B("a<b"); got != "<b>a&lt;b</b>" {
		t.Fatalf("B = %q", got)
	}
	if got := Code(`"x"`); got != "<code>&#34;x&#34;</code>" {
		t.Fatalf("Code = %q", got)
	}
	if got := Join(" ", B("x"), "", I("y")); got != "<b>x</b> <i>y</i>" {
		t.Fatalf("Join = %q", got)
	}
}

func TestTruncRunes(t *testing.T) {
	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello world", 6, "hello…"},
		{"你好世界", 3, "你好…"},
		{"x", 0, ""},
	}
	for _, c := range cases {
		if got := TruncRunes(c.in, c.n); got != c.want {
			t.Fatalf("TruncRunes(%q, %d) = %q, want %q", c.in, c.n, got, c.want)
		}
	}
}
