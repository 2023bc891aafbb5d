//go:build linux

package manager

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/buildkite/sandboxshim/internal/engine"
	"github.com/buildkite/sandboxshim/internal/instance"
	"github.com/buildkite/sandboxshim/internal/zygote"
	"github.com/charmbracelet/log"
	"github.com/containerd/errdefs"
)

// Service keeps every instance the daemon has created, keyed by id.
type Service struct {
	Engine   engine.Engine
	Executor zygote.Executor
	Loader   instance.ModuleLoader
	Logger   *log.Logger
	RootBase string

	mu        sync.Mutex
	instances map[string]*instanceState
}

type instanceState struct {
	inst      *instance.Instance
	config    instance.Config
	pid       uint32
	createdAt time.Time
}

func (s *Service) logger() *log.Logger {
	if s.Logger == nil {
		return log.Default()
	}
	return s.Logger
}

// reserve claims id before the slow build so concurrent creates of the same
// id fail fast.
func (s *Service) reserve(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.instances == nil {
		s.instances = map[string]*instanceState{}
	}
	if _, ok := s.instances[id]; ok {
		return fmt.Errorf("instance %s: %w", id, errdefs.ErrAlreadyExists)
	}
	s.instances[id] = nil
	return nil
}

func (s *Service) lookup(id string) (*instanceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.instances[id]
	if state == nil {
		return nil, fmt.Errorf("unknown instance %q: %w", id, errdefs.ErrNotFound)
	}
	return state, nil
}

func (s *Service) CreateInstance(ctx context.Context, req *CreateInstanceRequest) (*CreateInstanceResponse, error) {
	if strings.TrimSpace(req.Config.Bundle) == "" {
		return nil, instance.InvalidArgument("missing bundle")
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = newInstanceID()
	}
	if err := s.reserve(id); err != nil {
		return nil, err
	}

	inst, err := instance.New(ctx, id, req.Config, instance.Options{
		Engine:   s.Engine,
		Executor: s.Executor,
		Loader:   s.Loader,
		Logger:   s.logger(),
		RootBase: s.RootBase,
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		delete(s.instances, id)
		return nil, err
	}
	s.instances[id] = &instanceState{inst: inst, config: req.Config, createdAt: time.Now().UTC()}
	s.logger().Debug("instance registered", "instance", id, "bundle", req.Config.Bundle)
	return &CreateInstanceResponse{ID: id}, nil
}

func (s *Service) StartInstance(_ context.Context, req *StartInstanceRequest) (*StartInstanceResponse, error) {
	state, err := s.lookup(req.ID)
	if err != nil {
		return nil, err
	}
	pid, err := state.inst.Start()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	state.pid = pid
	s.mu.Unlock()
	return &StartInstanceResponse{Pid: pid}, nil
}

func (s *Service) KillInstance(_ context.Context, req *KillInstanceRequest) (*KillInstanceResponse, error) {
	state, err := s.lookup(req.ID)
	if err != nil {
		return nil, err
	}
	if err := state.inst.Kill(req.Signal); err != nil {
		return nil, err
	}
	return &KillInstanceResponse{}, nil
}

// DeleteInstance removes the container and forgets the instance. The exit
// record, if any, is returned.
func (s *Service) DeleteInstance(_ context.Context, req *DeleteInstanceRequest) (*DeleteInstanceResponse, error) {
	state, err := s.lookup(req.ID)
	if err != nil {
		return nil, err
	}
	if err := state.inst.Delete(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	delete(s.instances, req.ID)
	s.mu.Unlock()

	resp := &DeleteInstanceResponse{}
	if exit, ok := state.inst.WaitTimeout(0); ok {
		resp.Exited = true
		resp.ExitCode = exit.Code
		resp.ExitedAt = exit.At
	}
	return resp, nil
}

func (s *Service) WaitInstance(ctx context.Context, req *WaitInstanceRequest) (*WaitInstanceResponse, error) {
	state, err := s.lookup(req.ID)
	if err != nil {
		return nil, err
	}
	if exit, ok := state.inst.WaitTimeout(0); ok {
		return &WaitInstanceResponse{ExitCode: exit.Code, ExitedAt: exit.At}, nil
	}
	if req.TimeoutMillis >= 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMillis)*time.Millisecond)
		defer cancel()
	}
	exit, err := state.inst.WaitContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("wait for instance %s: %w", req.ID, err)
	}
	return &WaitInstanceResponse{ExitCode: exit.Code, ExitedAt: exit.At}, nil
}

func (s *Service) ListInstances(context.Context, *ListInstancesRequest) (*ListInstancesResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp := &ListInstancesResponse{Instances: []InstanceInfo{}}
	for id, state := range s.instances {
		if state == nil {
			continue
		}
		info := InstanceInfo{
			ID:        id,
			Namespace: state.config.Namespace,
			Bundle:    state.config.Bundle,
			State:     state.inst.State().String(),
			Pid:       state.pid,
			CreatedAt: state.createdAt,
		}
		if exit, ok := state.inst.WaitTimeout(0); ok {
			code := exit.Code
			info.ExitCode = &code
		}
		resp.Instances = append(resp.Instances, info)
	}
	sort.Slice(resp.Instances, func(i, j int) bool {
		return resp.Instances[i].ID < resp.Instances[j].ID
	})
	return resp, nil
}

var _ Lifecycle = (*Service)(nil)
