package money

import "testing"

func TestParse(t *testing.T) {
	tests := []struct {
		in    string
		want  int64
		valid bool
	}{
		{"", 0, true},
		{"0", 0, true},
		{"1", 100, true},
		{"1.5", 150, true},
		{"95.00", 9500, true},
		{"0.01", 1, true},
		{"0.019", 1, true}, // truncated, not rounded
		{"-40.00", -4000, true},
		{"1.2.3", 0, false},
		{"abc", 0, false},
		{"-", 0, false},
	}

	for _, tt := range tests {
		got, ok := Parse(tt.in)
		if ok != tt.valid {
			t.Errorf("Parse(%q) valid = %v, want %v", tt.in, ok, tt.valid)
			continue
		}
		if ok && got.Int64() != tt.want {
			t.Errorf("Parse(%q) = %d, want %d", tt.in, got.Int64(), tt.want)
		}
	}
}

func TestFormatRoundTrip(t *testing.T) {
	for _, s := range []string{"0.00", "0.01", "1.00", "95.00", "1234.56", "-40.00"} {
		v, ok := Parse(s)
		if !ok {
			t.Fatalf("Parse(%q) failed", s)
		}
		if got := Format(v); got != s {
			t.Errorf("Format(Parse(%q)) = %q", s, got)
		}
	}
}

func TestArithmetic(t *testing.T) {
	if got := Add("40.00", "40.00"); got != "80.00" {
		t.Errorf("Add = %q, want 80.00", got)
	}
	if got := Sub("95.00", "80.00"); got != "15.00" {
		t.Errorf("Sub = %q, want 15.00", got)
	}
	if Cmp("100.00", "99.99") != 1 {
		t.Error("Cmp(100.00, 99.99) != 1")
	}
	if Cmp("10.00", "10.00") != 0 {
		t.Error("Cmp(10.00, 10.00) != 0")
	}
	if got := Neg("12.34"); got != "-12.34" {
		t.Errorf("Neg = %q, want -12.34", got)
	}
}

func TestValidatePositive(t *testing.T) {
	if err := ValidatePositive("10.00"); err != nil {
		t.Errorf("ValidatePositive(10.00) = %v", err)
	}
	for _, s := range []string{"", "0", "-1.00", "x"} {
		if err := ValidatePositive(s); err == nil {
			t.Errorf("ValidatePositive(%q) expected error", s)
		}
	}
}
