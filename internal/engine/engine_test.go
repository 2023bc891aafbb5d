package engine

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/buildkite/sandboxshim/internal/completion"
)

type plainEngine struct{}

func (plainEngine) Name() string { return "plain" }

func (plainEngine) Run(context.Context, *RuntimeContext, Stdio) completion.Value {
	return completion.Unit{}
}

type pickyEngine struct {
	plainEngine
	accept bool
}

func (p pickyEngine) CanHandle(context.Context, *RuntimeContext) completion.Verdict {
	return completion.Accept(p.accept)
}

func (pickyEngine) SupportedLayerTypes() []string {
	return []string{"application/x-custom"}
}

func TestSupportedLayerTypes(t *testing.T) {
	t.Parallel()

	if got, want := SupportedLayerTypes(plainEngine{}), defaultLayerTypes; !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected default layer types: got %v want %v", got, want)
	}
	if got, want := SupportedLayerTypes(pickyEngine{}), []string{"application/x-custom"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected engine layer types: got %v want %v", got, want)
	}
}

func TestCanHandle(t *testing.T) {
	t.Parallel()

	rc := &RuntimeContext{Args: []string{"/app.wasm"}, RootFS: "/rootfs"}

	if err := CanHandle(context.Background(), plainEngine{}, rc); err != nil {
		t.Fatalf("plain engine should accept workload with entrypoint: %v", err)
	}
	if err := CanHandle(context.Background(), plainEngine{}, &RuntimeContext{}); !errors.Is(err, ErrNoEntrypoint) {
		t.Fatalf("expected ErrNoEntrypoint, got %v", err)
	}
	if err := CanHandle(context.Background(), pickyEngine{accept: false}, rc); !errors.Is(err, completion.ErrCannotHandle) {
		t.Fatalf("expected ErrCannotHandle, got %v", err)
	}
	if err := CanHandle(context.Background(), pickyEngine{accept: true}, rc); err != nil {
		t.Fatalf("picky engine should accept: %v", err)
	}
}

func TestEntrypoint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		rc       RuntimeContext
		wantFunc string
		wantName string
		wantFile string
		wantMod  bool
	}{
		{
			name:     "default func",
			rc:       RuntimeContext{Args: []string{"/bin/app.wasm"}, RootFS: "/rootfs"},
			wantFunc: "_start",
			wantName: "app",
			wantFile: "/rootfs/bin/app.wasm",
		},
		{
			name:     "explicit func",
			rc:       RuntimeContext{Args: []string{"/app.wasm#serve", "--port", "80"}, RootFS: "/r"},
			wantFunc: "serve",
			wantName: "app",
			wantFile: "/r/app.wasm",
		},
		{
			name:     "preloaded module",
			rc:       RuntimeContext{Args: []string{"ignored#run"}, Modules: []Module{{Digest: "sha256:aa", Path: "/cache/aa"}}},
			wantFunc: "run",
			wantName: "ignored",
			wantMod:  true,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ep, err := tc.rc.Entrypoint()
			if err != nil {
				t.Fatalf("Entrypoint returned error: %v", err)
			}
			if ep.Func != tc.wantFunc || ep.Name != tc.wantName || ep.File != tc.wantFile {
				t.Fatalf("unexpected entrypoint: got %+v", ep)
			}
			if (ep.Module != nil) != tc.wantMod {
				t.Fatalf("unexpected module presence: got %v want %v", ep.Module != nil, tc.wantMod)
			}
		})
	}
}
