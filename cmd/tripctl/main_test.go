package main

import "testing"

func TestParseCoord(t *testing.T) {
	c, err := parseCoord(" 12.97, 77.59")
	if err != nil {
		t.Fatal(err)
	}
	if c.Lat != 12.97 || c.Lon != 77.59 {
		t.Fatalf("got %+v", c)
	}
	for _, bad := range []string{"", "12.9", "a,b", "91,10", "0,0"} {
		if _, err := parseCoord(bad); err == nil {
			t.Errorf("%q: expected error", bad)
		}
	}
}
