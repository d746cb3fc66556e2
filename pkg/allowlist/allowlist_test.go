package allowlist

import (
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"

	"agent_runtime/pkg/logging"
)

func TestAllows(t *testing.T) {
	tests := []struct {
		name  string
		value string
		ip    string
		want  bool
	}{
		{name: "empty allows all", value: "", ip: "203.0.113.9", want: true},
		{name: "single ip", value: "10.0.0.1", ip: "10.0.0.1", want: true},
		{name: "single ip miss", value: "10.0.0.1", ip: "10.0.0.2", want: false},
		{name: "cidr", value: "192.168.0.0/16, 10.0.0.1", ip: "192.168.4.20", want: true},
		{name: "unnormalized cidr", value: "192.168.1.7/24", ip: "192.168.1.200", want: true},
		{name: "ipv4 mapped", value: "127.0.0.1", ip: "::ffff:127.0.0.1", want: true},
		{name: "ipv6", value: "2001:db8::/32", ip: "2001:db8::1", want: true},
		{name: "invalid ip", value: "10.0.0.1", ip: "", want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			list, err := Parse(tc.value)
			if err != nil {
				t.Fatalf("Parse(%q) error = %v", tc.value, err)
			}
			addr, _ := netip.ParseAddr(tc.ip)
			if got := list.Allows(addr); got != tc.want {
				t.Errorf("Allows(%q) = %v, want %v", tc.ip, got, tc.want)
			}
		})
	}
}

func TestParseInvalid(t *testing.T) {
	for _, value := range []string{"not-an-ip", "10.0.0.0/99"} {
		if _, err := Parse(value); err == nil {
			t.Errorf("Parse(%q) error = nil", value)
		}
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name      string
		forwarded string
		remote    string
		want      string
	}{
		{name: "remote addr", remote: "10.1.2.3:5555", want: "10.1.2.3"},
		{name: "forwarded first", forwarded: "198.51.100.7, 10.0.0.1", remote: "10.1.2.3:5555", want: "198.51.100.7"},
		{name: "bad forwarded", forwarded: "garbage", remote: "10.1.2.3:5555", want: "10.1.2.3"},
		{name: "bare remote", remote: "10.1.2.3", want: "10.1.2.3"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tc.remote
			if tc.forwarded != "" {
				r.Header.Set("X-Forwarded-For", tc.forwarded)
			}
			if got := ClientIP(r).String(); got != tc.want {
				t.Errorf("ClientIP() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestGuard(t *testing.T) {
	list, err := Parse("10.0.0.0/8")
	if err != nil {
		t.Fatal(err)
	}
	h := list.Guard(logging.Discard(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	for _, tc := range []struct {
		remote string
		want   int
	}{
		{remote: "10.9.9.9:1", want: http.StatusNoContent},
		{remote: "172.16.0.1:1", want: http.StatusForbidden},
	} {
		r := httptest.NewRequest(http.MethodGet, "/sessions", nil)
		r.RemoteAddr = tc.remote
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		if w.Code != tc.want {
			t.Errorf("remote %s: status = %d, want %d", tc.remote, w.Code, tc.want)
		}
	}
}
