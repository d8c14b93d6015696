package httpclient

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestValidateURLRejectsSchemes(t *testing.T) {
	c := NewSaferClient(5 * time.Second)

	cases := []struct {
		url     string
		blocked bool
	}{
		{"https://example.com/image.jpg", false},
		{"http://example.com/", false},
		{"file:///etc/passwd", true},
		{"ftp://example.com/", true},
		{"gopher://example.com/", true},
	}

	for _, tc := range cases {
		_, err := c.ValidateURL(tc.url)
		if tc.blocked && err == nil {
			t.Errorf("expected %q to be blocked", tc.url)
		}
		if !tc.blocked && err != nil {
			t.Errorf("expected %q to be allowed, got: %v", tc.url, err)
		}
	}
}

func TestValidateURLBlocksPrivateTargets(t *testing.T) {
	c := NewSaferClient(5 * time.Second)

	blocked := []string{
		"http://localhost/admin",
		"http://localhost.localdomain/",
		"http://foo.localhost/",
		"http://127.0.0.1/",
		"http://10.0.0.5/",
		"http://172.16.1.1/",
		"http://192.168.1.1/",
		"http://169.254.169.254/latest/meta-data/",
		"http://[::1]/",
		"http://[fc00::1]/",
		"http://user@example.com/",
	}

	for _, url := range blocked {
		if _, err := c.ValidateURL(url); err == nil {
			t.Errorf("expected %q to be blocked", url)
		}
	}
}

func TestIsPrivateIP(t *testing.T) {
	private := []string{
		"10.1.2.3", "172.20.0.1", "192.168.0.1", "127.0.0.1",
		"169.254.1.1", "0.0.0.0", "224.0.0.1",
		"::1", "fc00::1", "fd12::1", "fe80::1",
	}
	public := []string{"8.8.8.8", "1.1.1.1", "93.184.216.34", "2607:f8b0::1"}

	for _, s := range private {
		if !isPrivateIP(net.ParseIP(s)) {
			t.Errorf("expected %s to be private", s)
		}
	}
	for _, s := range public {
		if isPrivateIP(net.ParseIP(s)) {
			t.Errorf("expected %s to be public", s)
		}
	}
}

func TestWrapClientAllowsLocalhost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := WrapClient(srv.Client())
	resp, err := c.Get(srv.URL)
	if err != nil {
		t.Fatalf("wrapped client should reach httptest server: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestDoBlocksBeforeDialing(t *testing.T) {
	c := NewSaferClient(5 * time.Second)

	req, err := http.NewRequest(http.MethodGet, "http://192.168.1.10/secret", nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := c.Do(req); err == nil {
		t.Error("expected request to private IP to be blocked")
	}
}
