package provider

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestToMinor(t *testing.T) {
	cases := []struct {
		in   string
		want int64
		err  error
	}{
		{"1", 100000000, nil},
		{"0.1", 10000000, nil},
		{"4.9", 490000000, nil},
		{"0.00000001", 1, nil},
		{"12.345678900", 1234567890, nil},
		{"0.000000001", 0, ErrTooPrecise},
		{"-1", 0, ErrOutOfRange},
	}
	for _, c := range cases {
		got, err := ToMinor(decimal.RequireFromString(c.in))
		if !errors.Is(err, c.err) {
			t.Errorf("ToMinor(%s) error = %v, want %v", c.in, err, c.err)
			continue
		}
		if got != c.want {
			t.Errorf("ToMinor(%s) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestFromMinorRoundTrip(t *testing.T) {
	for _, s := range []string{"0.1", "5", "0.00000001", "123.45678901"} {
		d := decimal.RequireFromString(s)
		minor, err := ToMinor(d)
		if err != nil {
			t.Fatalf("ToMinor(%s): %v", s, err)
		}
		if back := FromMinor(minor); !back.Equal(d) {
			t.Fatalf("round trip %s -> %d -> %s", s, minor, back)
		}
	}
}
