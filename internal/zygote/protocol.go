package zygote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/buildkite/sandboxshim/internal/codec"
	"go.jetify.com/typeid"
)

type Kind string

const (
	// KindFailed is an in-band failure returned by the operation itself.
	KindFailed Kind = "failed"
	// KindUnavailable means the zygote cannot be reached. It is permanent for
	// the lifetime of the executor.
	KindUnavailable Kind = "unavailable"
	KindUnknownOp   Kind = "unknown-op"
	KindCodec       Kind = "codec"
)

// WireError is the only error shape that crosses the zygote boundary.
type WireError struct {
	Kind    Kind   `cbor:"kind"`
	Message string `cbor:"message,omitempty"`
}

func (e *WireError) Error() string {
	if e.Message == "" {
		return "zygote: " + string(e.Kind)
	}
	return fmt.Sprintf("zygote: %s: %s", e.Kind, e.Message)
}

// Is matches on Kind only, so errors.Is(err, ErrUnavailable) holds for any
// unavailable error regardless of message.
func (e *WireError) Is(target error) bool {
	t, ok := target.(*WireError)
	return ok && t.Kind == e.Kind
}

var (
	ErrUnavailable = &WireError{Kind: KindUnavailable}
	ErrUnknownOp   = &WireError{Kind: KindUnknownOp}
)

func toWireError(err error) *WireError {
	var wireErr *WireError
	if errors.As(err, &wireErr) {
		return wireErr
	}
	return &WireError{Kind: KindFailed, Message: err.Error()}
}

type request struct {
	ID   string           `cbor:"id"`
	Op   string           `cbor:"op"`
	Args codec.RawMessage `cbor:"args"`
}

type response struct {
	ID     string           `cbor:"id"`
	Result codec.RawMessage `cbor:"result,omitempty"`
	Error  *WireError       `cbor:"error,omitempty"`
}

// Executor runs registered operations somewhere other than the calling
// goroutine's process state. out may be nil when the result is not needed.
type Executor interface {
	Call(ctx context.Context, op string, args, out any) error
}

type handler func(ctx context.Context, args codec.RawMessage) (codec.RawMessage, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]handler{}
)

// Register makes fn callable as op on every executor. It must be called from
// package init so the zygote child, which runs the same binary, sees the same
// table.
func Register[Req, Resp any](op string, fn func(context.Context, Req) (Resp, error)) {
	op = strings.TrimSpace(op)
	if op == "" {
		panic("zygote: empty op name")
	}

	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[op]; dup {
		panic("zygote: duplicate op " + op)
	}
	registry[op] = func(ctx context.Context, raw codec.RawMessage) (codec.RawMessage, error) {
		var req Req
		if len(raw) > 0 {
			if err := codec.Unmarshal(raw, &req); err != nil {
				return nil, &WireError{Kind: KindCodec, Message: fmt.Sprintf("decode %s args: %v", op, err)}
			}
		}
		resp, err := fn(ctx, req)
		if err != nil {
			return nil, err
		}
		out, err := codec.Marshal(resp)
		if err != nil {
			return nil, &WireError{Kind: KindCodec, Message: fmt.Sprintf("encode %s result: %v", op, err)}
		}
		return out, nil
	}
}

// Ops lists registered operation names.
func Ops() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	ops := make([]string, 0, len(registry))
	for op := range registry {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

func dispatch(ctx context.Context, req request) (res response) {
	res.ID = req.ID

	registryMu.RLock()
	h, ok := registry[req.Op]
	registryMu.RUnlock()
	if !ok {
		res.Error = &WireError{Kind: KindUnknownOp, Message: req.Op}
		return res
	}

	defer func() {
		if r := recover(); r != nil {
			res.Result = nil
			res.Error = &WireError{Kind: KindFailed, Message: fmt.Sprintf("%s panicked: %v", req.Op, r)}
		}
	}()

	out, err := h(ctx, req.Args)
	if err != nil {
		res.Error = toWireError(err)
		return res
	}
	res.Result = out
	return res
}

// serve answers requests one at a time until the peer goes away.
func serve(ctx context.Context, rw io.ReadWriter) error {
	dec := codec.NewDecoder(rw)
	enc := codec.NewEncoder(rw)
	for {
		var req request
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("decode request: %w", err)
		}
		if err := enc.Encode(dispatch(ctx, req)); err != nil {
			return fmt.Errorf("encode response: %w", err)
		}
	}
}

func encodeArgs(op string, args any) (codec.RawMessage, error) {
	raw, err := codec.Marshal(args)
	if err != nil {
		return nil, &WireError{Kind: KindCodec, Message: fmt.Sprintf("encode %s args: %v", op, err)}
	}
	return raw, nil
}

func decodeResult(op string, res response, out any) error {
	if res.Error != nil {
		return res.Error
	}
	if out == nil || len(res.Result) == 0 {
		return nil
	}
	if err := codec.Unmarshal(res.Result, out); err != nil {
		return &WireError{Kind: KindCodec, Message: fmt.Sprintf("decode %s result: %v", op, err)}
	}
	return nil
}

var generateTypeID = func(prefix string) (string, error) {
	id, err := typeid.WithPrefix(prefix)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func newRequestID() string {
	id, err := generateTypeID("zreq")
	if err == nil && strings.TrimSpace(id) != "" {
		return id
	}
	return fmt.Sprintf("zreq-%d", time.Now().UTC().UnixNano())
}
