package server

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	runtimeapi "k8s.io/cri-api/pkg/apis/runtime/v1"

	"crius/pkg/config"
	"crius/pkg/image"
)

// streamURL is returned by the streaming calls until a streaming server
// exists.
const streamURL = "unix:///var/run/crius/crius.sock"

// RuntimeServer serves the CRI runtime service. Sandboxes and containers
// are only recorded; no process is started.
type RuntimeServer struct {
	runtimeapi.UnimplementedRuntimeServiceServer

	cfg    *config.Config
	images *image.Service

	mu         sync.Mutex
	sandboxes  map[string]*runtimeapi.PodSandbox
	containers map[string]*runtimeapi.Container
}

func NewRuntimeServer(cfg *config.Config, images *image.Service) *RuntimeServer {
	return &RuntimeServer{
		cfg:        cfg,
		images:     images,
		sandboxes:  make(map[string]*runtimeapi.PodSandbox),
		containers: make(map[string]*runtimeapi.Container),
	}
}

// Version returns the runtime name, runtime version and runtime API version.
func (s *RuntimeServer) Version(ctx context.Context, req *runtimeapi.VersionRequest) (*runtimeapi.VersionResponse, error) {
	return &runtimeapi.VersionResponse{
		Version:           kubeAPIVersion,
		RuntimeName:       RuntimeName,
		RuntimeVersion:    Version,
		RuntimeApiVersion: runtimeAPIVersion,
	}, nil
}

// Status reports the runtime and network as ready. Verbose requests also
// get the runtime configuration and pull counters.
func (s *RuntimeServer) Status(ctx context.Context, req *runtimeapi.StatusRequest) (*runtimeapi.StatusResponse, error) {
	logrus.Debugf("StatusRequest %+v", req)

	resp := &runtimeapi.StatusResponse{
		Status: &runtimeapi.RuntimeStatus{
			Conditions: []*runtimeapi.RuntimeCondition{
				{Type: runtimeapi.RuntimeReady, Status: true},
				{Type: runtimeapi.NetworkReady, Status: true},
			},
		},
	}
	if !req.GetVerbose() {
		return resp, nil
	}

	resp.Info = make(map[string]string)
	if data, err := json.Marshal(s.cfg); err == nil {
		resp.Info["config"] = string(data)
	}
	if data, err := json.Marshal(s.images.Metrics().Snapshot()); err == nil {
		resp.Info["metrics"] = string(data)
	}
	return resp, nil
}

// RunPodSandbox records a new sandbox and returns its id.
func (s *RuntimeServer) RunPodSandbox(ctx context.Context, req *runtimeapi.RunPodSandboxRequest) (*runtimeapi.RunPodSandboxResponse, error) {
	logrus.Debugf("RunPodSandboxRequest %+v", req)

	cfg := req.GetConfig()
	sb := &runtimeapi.PodSandbox{
		Id:          "pod-" + uuid.NewString(),
		Metadata:    cfg.GetMetadata(),
		State:       runtimeapi.PodSandboxState_SANDBOX_READY,
		CreatedAt:   time.Now().UnixNano(),
		Labels:      cfg.GetLabels(),
		Annotations: cfg.GetAnnotations(),
	}

	s.mu.Lock()
	s.sandboxes[sb.Id] = sb
	s.mu.Unlock()

	logrus.WithField("id", sb.Id).Info("Created pod sandbox")
	return &runtimeapi.RunPodSandboxResponse{PodSandboxId: sb.Id}, nil
}

// StopPodSandbox marks a sandbox as not ready. Unknown ids are ignored.
func (s *RuntimeServer) StopPodSandbox(ctx context.Context, req *runtimeapi.StopPodSandboxRequest) (*runtimeapi.StopPodSandboxResponse, error) {
	logrus.Debugf("StopPodSandboxRequest %+v", req)

	// Stored entries may be referenced by earlier responses, so replace
	// instead of mutating.
	s.mu.Lock()
	if sb, ok := s.sandboxes[req.GetPodSandboxId()]; ok {
		stopped := *sb
		stopped.State = runtimeapi.PodSandboxState_SANDBOX_NOTREADY
		s.sandboxes[sb.Id] = &stopped
	}
	s.mu.Unlock()
	return &runtimeapi.StopPodSandboxResponse{}, nil
}

// RemovePodSandbox forgets a sandbox and its containers.
func (s *RuntimeServer) RemovePodSandbox(ctx context.Context, req *runtimeapi.RemovePodSandboxRequest) (*runtimeapi.RemovePodSandboxResponse, error) {
	logrus.Debugf("RemovePodSandboxRequest %+v", req)

	id := req.GetPodSandboxId()
	s.mu.Lock()
	delete(s.sandboxes, id)
	for cid, c := range s.containers {
		if c.PodSandboxId == id {
			delete(s.containers, cid)
		}
	}
	s.mu.Unlock()
	return &runtimeapi.RemovePodSandboxResponse{}, nil
}

func (s *RuntimeServer) PodSandboxStatus(ctx context.Context, req *runtimeapi.PodSandboxStatusRequest) (*runtimeapi.PodSandboxStatusResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sb, ok := s.sandboxes[req.GetPodSandboxId()]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "pod sandbox %q not found", req.GetPodSandboxId())
	}
	return &runtimeapi.PodSandboxStatusResponse{
		Status: &runtimeapi.PodSandboxStatus{
			Id:          sb.Id,
			Metadata:    sb.Metadata,
			State:       sb.State,
			CreatedAt:   sb.CreatedAt,
			Labels:      sb.Labels,
			Annotations: sb.Annotations,
		},
		Timestamp: time.Now().UnixNano(),
	}, nil
}

func (s *RuntimeServer) ListPodSandbox(ctx context.Context, req *runtimeapi.ListPodSandboxRequest) (*runtimeapi.ListPodSandboxResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp := &runtimeapi.ListPodSandboxResponse{}
	for _, sb := range s.sandboxes {
		resp.Items = append(resp.Items, sb)
	}
	sort.Slice(resp.Items, func(i, j int) bool { return resp.Items[i].CreatedAt < resp.Items[j].CreatedAt })
	return resp, nil
}

// CreateContainer records a container in an existing sandbox. The image
// must have been pulled.
func (s *RuntimeServer) CreateContainer(ctx context.Context, req *runtimeapi.CreateContainerRequest) (*runtimeapi.CreateContainerResponse, error) {
	logrus.Debugf("CreateContainerRequest %+v", req)

	cfg := req.GetConfig()
	ref := cfg.GetImage().GetImage()
	if ref == "" {
		return nil, status.Error(codes.InvalidArgument, "container image is required")
	}
	rec, err := s.images.Status(ref)
	if err != nil {
		return nil, toGRPCError(err)
	}

	c := &runtimeapi.Container{
		Id:           uuid.NewString(),
		PodSandboxId: req.GetPodSandboxId(),
		Metadata:     cfg.GetMetadata(),
		Image:        cfg.GetImage(),
		ImageRef:     rec.ID,
		State:        runtimeapi.ContainerState_CONTAINER_CREATED,
		CreatedAt:    time.Now().UnixNano(),
		Labels:       cfg.GetLabels(),
		Annotations:  cfg.GetAnnotations(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sandboxes[c.PodSandboxId]; !ok {
		return nil, status.Errorf(codes.NotFound, "pod sandbox %q not found", c.PodSandboxId)
	}
	s.containers[c.Id] = c

	logrus.WithFields(logrus.Fields{
		"id":    c.Id,
		"image": rec.ID,
	}).Info("Created container")
	return &runtimeapi.CreateContainerResponse{ContainerId: c.Id}, nil
}

func (s *RuntimeServer) StartContainer(ctx context.Context, req *runtimeapi.StartContainerRequest) (*runtimeapi.StartContainerResponse, error) {
	return &runtimeapi.StartContainerResponse{}, nil
}

func (s *RuntimeServer) StopContainer(ctx context.Context, req *runtimeapi.StopContainerRequest) (*runtimeapi.StopContainerResponse, error) {
	return &runtimeapi.StopContainerResponse{}, nil
}

func (s *RuntimeServer) RemoveContainer(ctx context.Context, req *runtimeapi.RemoveContainerRequest) (*runtimeapi.RemoveContainerResponse, error) {
	s.mu.Lock()
	delete(s.containers, req.GetContainerId())
	s.mu.Unlock()
	return &runtimeapi.RemoveContainerResponse{}, nil
}

func (s *RuntimeServer) ListContainers(ctx context.Context, req *runtimeapi.ListContainersRequest) (*runtimeapi.ListContainersResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp := &runtimeapi.ListContainersResponse{}
	for _, c := range s.containers {
		resp.Containers = append(resp.Containers, c)
	}
	sort.Slice(resp.Containers, func(i, j int) bool { return resp.Containers[i].CreatedAt < resp.Containers[j].CreatedAt })
	return resp, nil
}

func (s *RuntimeServer) ContainerStatus(ctx context.Context, req *runtimeapi.ContainerStatusRequest) (*runtimeapi.ContainerStatusResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.containers[req.GetContainerId()]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "container %q not found", req.GetContainerId())
	}
	return &runtimeapi.ContainerStatusResponse{
		Status: &runtimeapi.ContainerStatus{
			Id:          c.Id,
			Metadata:    c.Metadata,
			State:       c.State,
			CreatedAt:   c.CreatedAt,
			Image:       c.Image,
			ImageRef:    c.ImageRef,
			Labels:      c.Labels,
			Annotations: c.Annotations,
		},
	}, nil
}

func (s *RuntimeServer) UpdateContainerResources(ctx context.Context, req *runtimeapi.UpdateContainerResourcesRequest) (*runtimeapi.UpdateContainerResourcesResponse, error) {
	return &runtimeapi.UpdateContainerResourcesResponse{}, nil
}

func (s *RuntimeServer) ReopenContainerLog(ctx context.Context, req *runtimeapi.ReopenContainerLogRequest) (*runtimeapi.ReopenContainerLogResponse, error) {
	return &runtimeapi.ReopenContainerLogResponse{}, nil
}

func (s *RuntimeServer) ExecSync(ctx context.Context, req *runtimeapi.ExecSyncRequest) (*runtimeapi.ExecSyncResponse, error) {
	return &runtimeapi.ExecSyncResponse{}, nil
}

func (s *RuntimeServer) Exec(ctx context.Context, req *runtimeapi.ExecRequest) (*runtimeapi.ExecResponse, error) {
	return &runtimeapi.ExecResponse{Url: streamURL}, nil
}

func (s *RuntimeServer) Attach(ctx context.Context, req *runtimeapi.AttachRequest) (*runtimeapi.AttachResponse, error) {
	return &runtimeapi.AttachResponse{Url: streamURL}, nil
}

func (s *RuntimeServer) PortForward(ctx context.Context, req *runtimeapi.PortForwardRequest) (*runtimeapi.PortForwardResponse, error) {
	return &runtimeapi.PortForwardResponse{Url: streamURL}, nil
}

func (s *RuntimeServer) ContainerStats(ctx context.Context, req *runtimeapi.ContainerStatsRequest) (*runtimeapi.ContainerStatsResponse, error) {
	return &runtimeapi.ContainerStatsResponse{}, nil
}

func (s *RuntimeServer) ListContainerStats(ctx context.Context, req *runtimeapi.ListContainerStatsRequest) (*runtimeapi.ListContainerStatsResponse, error) {
	return &runtimeapi.ListContainerStatsResponse{}, nil
}

func (s *RuntimeServer) PodSandboxStats(ctx context.Context, req *runtimeapi.PodSandboxStatsRequest) (*runtimeapi.PodSandboxStatsResponse, error) {
	return &runtimeapi.PodSandboxStatsResponse{}, nil
}

func (s *RuntimeServer) ListPodSandboxStats(ctx context.Context, req *runtimeapi.ListPodSandboxStatsRequest) (*runtimeapi.ListPodSandboxStatsResponse, error) {
	return &runtimeapi.ListPodSandboxStatsResponse{}, nil
}

func (s *RuntimeServer) UpdateRuntimeConfig(ctx context.Context, req *runtimeapi.UpdateRuntimeConfigRequest) (*runtimeapi.UpdateRuntimeConfigResponse, error) {
	return &runtimeapi.UpdateRuntimeConfigResponse{}, nil
}
