package completion

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
)

func TestResolve(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		value Value
		want  int32
	}{
		{name: "nil", value: nil, want: 0},
		{name: "unit", value: Unit{}, want: 0},
		{name: "code", value: Code(42), want: 42},
		{name: "wide code", value: Code(1 << 20), want: 1 << 20},
		{name: "ok nested", value: Ok(Code(5)), want: 5},
		{name: "ok unit", value: Ok(Unit{}), want: 0},
		{name: "ok of ok", value: Ok(Ok(Code(9))), want: 9},
		{name: "err", value: Err(errors.New("boom")), want: FailureCode},
		{name: "ok of err", value: Ok(Err(errors.New("inner"))), want: FailureCode},
		{name: "deferred ok", value: Deferred(func(context.Context) Value { return Ok(Code(3)) }), want: 3},
		{name: "deferred nil", value: Deferred(nil), want: 0},
		{name: "from exit", value: FromExit(4, nil), want: 4},
		{name: "from exit error", value: FromExit(4, errors.New("x")), want: FailureCode},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			logger := log.NewWithOptions(&bytes.Buffer{}, log.Options{})
			if got := Resolve(context.Background(), tc.value, logger); got != tc.want {
				t.Fatalf("Resolve(%#v) = %d, want %d", tc.value, got, tc.want)
			}
		})
	}
}

func TestResolveLogsNestedFailure(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := log.NewWithOptions(&buf, log.Options{Formatter: log.LogfmtFormatter})

	got := Resolve(context.Background(), Err(errors.New("module trapped")), logger)
	if got != FailureCode {
		t.Fatalf("unexpected code: got %d want %d", got, FailureCode)
	}
	if !strings.Contains(buf.String(), "module trapped") {
		t.Fatalf("expected error to be logged, got %q", buf.String())
	}
}

func TestDeferredRunsOnceWithCallerContext(t *testing.T) {
	t.Parallel()

	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "caller")
	calls := 0
	value := Deferred(func(ctx context.Context) Value {
		calls++
		if ctx.Value(key{}) != "caller" {
			return Err(errors.New("missing caller context"))
		}
		return Code(11)
	})

	if got := Resolve(ctx, value, nil); got != 11 {
		t.Fatalf("unexpected code: got %d want 11", got)
	}
	if calls != 1 {
		t.Fatalf("expected deferred value to be driven once, got %d", calls)
	}
}

func TestExitPassesResolvedCode(t *testing.T) {
	var got int
	prev := exit
	exit = func(code int) { got = code }
	t.Cleanup(func() { exit = prev })

	Exit(context.Background(), Ok(Code(42)), nil)
	if got != 42 {
		t.Fatalf("unexpected exit code: got %d want 42", got)
	}
}

func TestFromNeverPanics(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Fatal("expected FromNever to panic")
		}
	}()
	var n Never
	_ = FromNever(n)
}

func TestCheck(t *testing.T) {
	t.Parallel()

	failure := errors.New("no entrypoint")
	tests := []struct {
		name    string
		verdict Verdict
		wantErr error
	}{
		{name: "nil", verdict: nil},
		{name: "unit", verdict: Unit{}},
		{name: "accept", verdict: Accept(true)},
		{name: "reject", verdict: Accept(false), wantErr: ErrCannotHandle},
		{name: "checked accept", verdict: Checked{Verdict: Accept(true)}},
		{name: "checked error", verdict: Checked{Err: failure}, wantErr: failure},
		{name: "deferred reject", verdict: DeferredVerdict(func(context.Context) Verdict { return Accept(false) }), wantErr: ErrCannotHandle},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := Check(context.Background(), tc.verdict)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("Check(%#v) = %v, want %v", tc.verdict, err, tc.wantErr)
			}
		})
	}
}
