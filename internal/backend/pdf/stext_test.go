package pdf

import "testing"

func TestParseStextBuildsRuneLayout(t *testing.T) {
	src := `<div id="page0" style="width:200pt;height:100pt">` +
		`<p style="top:10.0pt;left:20.0pt;line-height:12.0pt"><span style="font-family:Times,serif;font-size:10.0pt">Hi &amp;</span></p>` +
		`<p style="top:30.0pt;left:20.0pt;line-height:12.0pt"><span style="font-size:10pt"><b>Yo</b></span></p>` +
		`</div>`

	pt := parseStext(src)
	if pt.text != "Hi &\nYo\n" {
		t.Fatalf("text = %q", pt.text)
	}
	if n := len([]rune(pt.text)); len(pt.layout) != n {
		t.Fatalf("layout has %d rects for %d runes", len(pt.layout), n)
	}
	first := pt.layout[0]
	if first.X1 != 20 || first.Y1 != 10 || first.X2 != 25 || first.Y2 != 22 {
		t.Fatalf("first rect = %+v", first)
	}
	// 空白は半分の送り幅
	space := pt.layout[2]
	if w := space.X2 - space.X1; w != 2.5 {
		t.Fatalf("space width = %v", w)
	}
	second := pt.layout[5]
	if second.X1 != 20 || second.Y1 != 30 {
		t.Fatalf("second line rect = %+v", second)
	}
}

func TestStripSubset(t *testing.T) {
	tests := map[string]string{
		"ABCDEF+Helvetica": "Helvetica",
		"Helvetica":        "Helvetica",
		"AB+Odd":           "AB+Odd",
	}
	for in, want := range tests {
		if got := stripSubset(in); got != want {
			t.Errorf("stripSubset(%q) = %q, want %q", in, got, want)
		}
	}
}
