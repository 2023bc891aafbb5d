package manager

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"connectrpc.com/connect"
	"github.com/buildkite/sandboxshim/internal/endpoint"
	"github.com/buildkite/sandboxshim/internal/zygote"
	"github.com/charmbracelet/log"
	"github.com/containerd/errdefs"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Lifecycle is the set of operations the daemon serves.
type Lifecycle interface {
	CreateInstance(context.Context, *CreateInstanceRequest) (*CreateInstanceResponse, error)
	StartInstance(context.Context, *StartInstanceRequest) (*StartInstanceResponse, error)
	KillInstance(context.Context, *KillInstanceRequest) (*KillInstanceResponse, error)
	DeleteInstance(context.Context, *DeleteInstanceRequest) (*DeleteInstanceResponse, error)
	WaitInstance(context.Context, *WaitInstanceRequest) (*WaitInstanceResponse, error)
	ListInstances(context.Context, *ListInstancesRequest) (*ListInstancesResponse, error)
}

type Server struct {
	service Lifecycle
	logger  *log.Logger
}

func NewServer(service Lifecycle, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{service: service, logger: logger}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	codec := connect.WithCodec(jsonCodec{})

	mux.Handle(CreateInstanceProcedure, connect.NewUnaryHandler(CreateInstanceProcedure, unary(s.service.CreateInstance), codec))
	mux.Handle(StartInstanceProcedure, connect.NewUnaryHandler(StartInstanceProcedure, unary(s.service.StartInstance), codec))
	mux.Handle(KillInstanceProcedure, connect.NewUnaryHandler(KillInstanceProcedure, unary(s.service.KillInstance), codec))
	mux.Handle(DeleteInstanceProcedure, connect.NewUnaryHandler(DeleteInstanceProcedure, unary(s.service.DeleteInstance), codec))
	mux.Handle(WaitInstanceProcedure, connect.NewUnaryHandler(WaitInstanceProcedure, unary(s.service.WaitInstance), codec))
	mux.Handle(ListInstancesProcedure, connect.NewUnaryHandler(ListInstancesProcedure, unary(s.service.ListInstances), codec))

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return h2c.NewHandler(mux, &http2.Server{})
}

func unary[Req, Res any](fn func(context.Context, *Req) (*Res, error)) func(context.Context, *connect.Request[Req]) (*connect.Response[Res], error) {
	return func(ctx context.Context, req *connect.Request[Req]) (*connect.Response[Res], error) {
		resp, err := fn(ctx, req.Msg)
		if err != nil {
			return nil, toConnectError(err)
		}
		return connect.NewResponse(resp), nil
	}
}

func toConnectError(err error) error {
	if err == nil {
		return nil
	}
	var connectErr *connect.Error
	if errors.As(err, &connectErr) {
		return err
	}

	code := connect.CodeInternal
	switch {
	case errors.Is(err, context.Canceled):
		code = connect.CodeCanceled
	case errors.Is(err, context.DeadlineExceeded):
		code = connect.CodeDeadlineExceeded
	case errors.Is(err, errdefs.ErrInvalidArgument):
		code = connect.CodeInvalidArgument
	case errors.Is(err, errdefs.ErrNotFound):
		code = connect.CodeNotFound
	case errors.Is(err, errdefs.ErrAlreadyExists):
		code = connect.CodeAlreadyExists
	case errors.Is(err, errdefs.ErrFailedPrecondition):
		code = connect.CodeFailedPrecondition
	case errors.Is(err, zygote.ErrUnavailable):
		code = connect.CodeUnavailable
	}
	return connect.NewError(code, err)
}

// Serve listens on the endpoint's unix socket until ctx is done. A bind
// failure is returned immediately.
func Serve(ctx context.Context, ep endpoint.Endpoint, handler http.Handler, logger *log.Logger, ready func()) error {
	listener, err := listen(ep)
	if err != nil {
		return err
	}
	defer listener.Close()
	if logger == nil {
		logger = log.Default()
	}
	logger.Info("serving manager API", "endpoint", ep.Address)

	httpServer := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(listener)
	}()
	if ready != nil {
		ready()
	}

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		_ = os.Remove(ep.Address)
		logger.Info("manager API shutdown complete", "endpoint", ep.Address)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		logger.Error("manager API serve failed", "error", err)
		return err
	}
}

func listen(ep endpoint.Endpoint) (net.Listener, error) {
	if ep.Scheme != "unix" {
		return nil, fmt.Errorf("unsupported endpoint scheme %q", ep.Scheme)
	}
	if err := os.MkdirAll(filepath.Dir(ep.Address), 0o755); err != nil {
		return nil, err
	}
	if err := os.Remove(ep.Address); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	listener, err := net.Listen("unix", ep.Address)
	if err != nil {
		return nil, fmt.Errorf("bind manager socket %q: %w", ep.Address, err)
	}
	if err := os.Chmod(ep.Address, 0o600); err != nil {
		_ = listener.Close()
		return nil, err
	}
	return listener, nil
}
