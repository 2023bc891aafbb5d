package manager

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"connectrpc.com/connect"
	"github.com/buildkite/sandboxshim/internal/endpoint"
	"github.com/containerd/errdefs"
	"golang.org/x/net/http2"
)

type Client struct {
	create *connect.Client[CreateInstanceRequest, CreateInstanceResponse]
	start  *connect.Client[StartInstanceRequest, StartInstanceResponse]
	kill   *connect.Client[KillInstanceRequest, KillInstanceResponse]
	delete *connect.Client[DeleteInstanceRequest, DeleteInstanceResponse]
	wait   *connect.Client[WaitInstanceRequest, WaitInstanceResponse]
	list   *connect.Client[ListInstancesRequest, ListInstancesResponse]
}

func NewClient(ep endpoint.Endpoint) (*Client, error) {
	if ep.Scheme != "unix" {
		return nil, fmt.Errorf("unsupported endpoint scheme %q", ep.Scheme)
	}
	dialer := &net.Dialer{}
	httpClient := &http.Client{Transport: &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, _, _ string, _ *tls.Config) (net.Conn, error) {
			return dialer.DialContext(ctx, "unix", ep.Address)
		},
	}}

	baseURL := strings.TrimRight(ep.BaseURL, "/")
	codec := connect.WithCodec(jsonCodec{})
	return &Client{
		create: connect.NewClient[CreateInstanceRequest, CreateInstanceResponse](httpClient, baseURL+CreateInstanceProcedure, codec),
		start:  connect.NewClient[StartInstanceRequest, StartInstanceResponse](httpClient, baseURL+StartInstanceProcedure, codec),
		kill:   connect.NewClient[KillInstanceRequest, KillInstanceResponse](httpClient, baseURL+KillInstanceProcedure, codec),
		delete: connect.NewClient[DeleteInstanceRequest, DeleteInstanceResponse](httpClient, baseURL+DeleteInstanceProcedure, codec),
		wait:   connect.NewClient[WaitInstanceRequest, WaitInstanceResponse](httpClient, baseURL+WaitInstanceProcedure, codec),
		list:   connect.NewClient[ListInstancesRequest, ListInstancesResponse](httpClient, baseURL+ListInstancesProcedure, codec),
	}, nil
}

func (c *Client) CreateInstance(ctx context.Context, req *CreateInstanceRequest) (*CreateInstanceResponse, error) {
	return call(ctx, c.create, req)
}

func (c *Client) StartInstance(ctx context.Context, req *StartInstanceRequest) (*StartInstanceResponse, error) {
	return call(ctx, c.start, req)
}

func (c *Client) KillInstance(ctx context.Context, req *KillInstanceRequest) (*KillInstanceResponse, error) {
	return call(ctx, c.kill, req)
}

func (c *Client) DeleteInstance(ctx context.Context, req *DeleteInstanceRequest) (*DeleteInstanceResponse, error) {
	return call(ctx, c.delete, req)
}

func (c *Client) WaitInstance(ctx context.Context, req *WaitInstanceRequest) (*WaitInstanceResponse, error) {
	return call(ctx, c.wait, req)
}

func (c *Client) ListInstances(ctx context.Context, req *ListInstancesRequest) (*ListInstancesResponse, error) {
	return call(ctx, c.list, req)
}

func call[Req, Res any](ctx context.Context, client *connect.Client[Req, Res], req *Req) (*Res, error) {
	resp, err := client.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, fromConnectError(err)
	}
	return resp.Msg, nil
}

// fromConnectError restores the errdefs class of a server error so callers
// can use errors.Is on either side of the socket.
func fromConnectError(err error) error {
	var connectErr *connect.Error
	if !errors.As(err, &connectErr) {
		return err
	}

	var class error
	switch connectErr.Code() {
	case connect.CodeInvalidArgument:
		class = errdefs.ErrInvalidArgument
	case connect.CodeNotFound:
		class = errdefs.ErrNotFound
	case connect.CodeAlreadyExists:
		class = errdefs.ErrAlreadyExists
	case connect.CodeFailedPrecondition:
		class = errdefs.ErrFailedPrecondition
	case connect.CodeUnavailable:
		class = errdefs.ErrUnavailable
	case connect.CodeDeadlineExceeded:
		class = context.DeadlineExceeded
	case connect.CodeCanceled:
		class = context.Canceled
	default:
		return err
	}
	return fmt.Errorf("%s: %w", connectErr.Message(), class)
}
