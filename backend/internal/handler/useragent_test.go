package handler

import "testing"

func TestParseAgent(t *testing.T) {
	if parseAgent("") != nil {
		t.Fatalf("empty user agent should not produce a view")
	}

	cases := []struct {
		raw     string
		browser string
		os      string
		device  string
	}{
		{"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36", "Chrome", "Windows", "desktop"},
		{"Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1", "Safari", "iOS", "mobile"},
		{"Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)", "Googlebot", "", "bot"},
	}
	for _, tc := range cases {
		got := parseAgent(tc.raw)
		if got.Browser != tc.browser || got.Device != tc.device {
			t.Fatalf("parse %q: got %+v", tc.raw, got)
		}
		if tc.os != "" && got.OS != tc.os {
			t.Fatalf("parse %q: expected os %s, got %s", tc.raw, tc.os, got.OS)
		}
	}

	unknown := parseAgent("cron/1.0")
	if unknown.OS != "Unknown" || unknown.Device == "" {
		t.Fatalf("unexpected fallback: %+v", unknown)
	}
}
