package cryptopay

import "testing"

func TestFormatAmount(t *testing.T) {
	cases := map[string]string{
		"10":            "10",
		"10.50":         "10.5",
		"0.000000015":   "0.00000002",
		"0.000000001":   "0",
		"123.456789012": "123.45678901",
		"-0.000000001":  "0",
		"100.00000000":  "100",
	}
	for in, want := range cases {
		if got := FormatAmount(dec(in)); got != want {
			t.Errorf("FormatAmount(%s) = %q, want %q", in, got, want)
		}
	}
}
