package tier

import "testing"

func TestClassify(t *testing.T) {
	cases := []struct {
		vram float64
		want string
		ok   bool
	}{
		{24, "Large", true},
		{13, "Large", true},
		{12, "Large", true},
		{11.9, "Medium", true},
		{8, "Medium", true},
		{7, "Medium-Small", true},
		{4, "Medium-Small", true},
		{2, "Small", true},
		{1, "", false},
		{0, "", false},
	}
	for _, c := range cases {
		got, ok := Classify(c.vram)
		if ok != c.ok || got.Name != c.want {
			t.Errorf("Classify(%v)=%q,%v want %q,%v", c.vram, got.Name, ok, c.want, c.ok)
		}
	}
}

func TestRank(t *testing.T) {
	if Default.Rank("Large") != 0 || Default.Rank("Small") != 3 {
		t.Fatalf("unexpected ranks")
	}
	if Default.Rank("Huge") != len(Default) {
		t.Fatalf("unknown tier should rank last")
	}
}

func TestValidate(t *testing.T) {
	if err := Default.Validate(); err != nil {
		t.Fatalf("default table invalid: %v", err)
	}
	bad := []Table{
		nil,
		{{Name: "A", MinVRAMGB: 4, Model: "m"}, {Name: "B", MinVRAMGB: 8, Model: "m"}},
		{{Name: "A", MinVRAMGB: 4, Model: "m"}, {Name: "A", MinVRAMGB: 2, Model: "m"}},
		{{Name: "A", MinVRAMGB: 0, Model: "m"}},
		{{Name: "", MinVRAMGB: 4, Model: "m"}},
		{{Name: "A", MinVRAMGB: 4}},
	}
	for i, tb := range bad {
		if err := tb.Validate(); err == nil {
			t.Errorf("table %d: expected error", i)
		}
	}
	unsorted := Table{{Name: "S", MinVRAMGB: 2, Model: "s"}, {Name: "L", MinVRAMGB: 12, Model: "l"}}
	if err := unsorted.Sorted().Validate(); err != nil {
		t.Fatalf("sorted table invalid: %v", err)
	}
}
