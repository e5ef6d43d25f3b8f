package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	if crawlerItemsTotal == nil || crawlerPagesTotal == nil || crawlerFollowTotal == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveFetch(t *testing.T) {
	Init()
	before := testutil.ToFloat64(crawlerPagesTotal.WithLabelValues("fetch.test", "200"))
	bytesBefore := testutil.ToFloat64(crawlerBytesTotal.WithLabelValues("fetch.test"))

	ObserveFetch("https://Fetch.test/a", "200", 512, 20*time.Millisecond)

	if got := testutil.ToFloat64(crawlerPagesTotal.WithLabelValues("fetch.test", "200")); got != before+1 {
		t.Errorf("pages total = %f; want %f", got, before+1)
	}
	if got := testutil.ToFloat64(crawlerBytesTotal.WithLabelValues("fetch.test")); got != bytesBefore+512 {
		t.Errorf("bytes total = %f; want %f", got, bytesBefore+512)
	}
}

func TestObserveFollowAndItem(t *testing.T) {
	Init()
	follow := testutil.ToFloat64(crawlerFollowTotal.WithLabelValues("metrics-test"))
	item := testutil.ToFloat64(crawlerItemsTotal.WithLabelValues("download", "metrics-test"))

	ObserveFollow("metrics-test")
	ObserveItem("download", "metrics-test")
	ObserveItem("download", "metrics-test")

	if got := testutil.ToFloat64(crawlerFollowTotal.WithLabelValues("metrics-test")); got != follow+1 {
		t.Errorf("follow total = %f; want %f", got, follow+1)
	}
	if got := testutil.ToFloat64(crawlerItemsTotal.WithLabelValues("download", "metrics-test")); got != item+2 {
		t.Errorf("items total = %f; want %f", got, item+2)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
