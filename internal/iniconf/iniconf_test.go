package iniconf

import "testing"

const sample = `
[General]
Driver = QMYSQL
SizeThreshold = 4096

[QMYSQL]
Name = broker
Host = localhost
; comment
User = broker
`

func TestParse(t *testing.T) {
	f, err := ParseString(sample)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := f.GetDefault("General", "Driver", ""); got != "QMYSQL" {
		t.Fatalf("Driver = %q", got)
	}
	if got := f.GetDefault("QMYSQL", "Host", ""); got != "localhost" {
		t.Fatalf("Host = %q", got)
	}
	if _, ok := f.Get("QMYSQL", "Missing"); ok {
		t.Fatalf("expected Missing to be absent")
	}
}

func TestParseMalformedLine(t *testing.T) {
	if _, err := ParseString("[General]\nnotakeyvalue\n"); err == nil {
		t.Fatalf("expected an error for a line without '='")
	}
}
