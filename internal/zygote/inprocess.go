package zygote

import "context"

// InProcess runs operations in the calling process. Arguments and results
// still go through the wire codec so behaviour matches Process.
type InProcess struct{}

func (InProcess) Call(ctx context.Context, op string, args, out any) error {
	raw, err := encodeArgs(op, args)
	if err != nil {
		return err
	}
	res := dispatch(ctx, request{ID: newRequestID(), Op: op, Args: raw})
	return decodeResult(op, res, out)
}
