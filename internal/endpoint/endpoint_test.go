package endpoint

import (
	"strings"
	"testing"
)

func TestResolve(t *testing.T) {
	t.Parallel()

	fallback := Manager("demo")
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr string
	}{
		{name: "empty uses fallback", raw: "  ", want: "/run/io.containerd.demo.v1/manager.sock"},
		{name: "unix url", raw: "unix:///run/containerd/containerd.sock", want: "/run/containerd/containerd.sock"},
		{name: "absolute path", raw: "/tmp/manager.sock", want: "/tmp/manager.sock"},
		{name: "empty unix url", raw: "unix://", wantErr: "invalid unix endpoint"},
		{name: "tcp rejected", raw: "tcp://127.0.0.1:80", wantErr: "unsupported endpoint"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ep, err := Resolve(tc.raw, fallback)
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve returned error: %v", err)
			}
			if ep.Scheme != "unix" || ep.Address != tc.want || ep.BaseURL != "http://unix" {
				t.Fatalf("unexpected endpoint: %+v", ep)
			}
		})
	}
}

func TestResolveWithoutFallback(t *testing.T) {
	t.Parallel()

	if _, err := Resolve("", Endpoint{}); err == nil {
		t.Fatal("expected error without fallback")
	}
}

func TestEndpointString(t *testing.T) {
	t.Parallel()

	if got, want := Manager("demo").String(), "unix:///run/io.containerd.demo.v1/manager.sock"; got != want {
		t.Fatalf("unexpected string: got %q want %q", got, want)
	}
}
