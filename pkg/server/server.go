package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mdlayher/vsock"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"
	runtimeapi "k8s.io/cri-api/pkg/apis/runtime/v1"
)

// Server is the CRI gRPC endpoint.
type Server struct {
	grpc *grpc.Server
}

// New registers the image and runtime services on a new gRPC server.
func New(images *ImageServer, runtime *RuntimeServer) *Server {
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(logRequests))
	runtimeapi.RegisterImageServiceServer(srv, images)
	runtimeapi.RegisterRuntimeServiceServer(srv, runtime)
	reflection.Register(srv)
	return &Server{grpc: srv}
}

// Serve accepts connections on l until ctx is cancelled, then stops
// gracefully.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		logrus.Info("Shutting down gRPC server")
		s.grpc.GracefulStop()
	}()

	logrus.WithField("address", l.Addr().String()).Info("CRI server is listening")
	err := s.grpc.Serve(l)
	if ctx.Err() != nil {
		<-stopped
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to serve gRPC: %w", err)
	}
	return nil
}

// Listen opens the listener for addr:
//
//	unix:///path/to.sock or /path/to.sock  Unix socket
//	vsock://<port>                         vsock on the local context id
//	tcp://host:port or host:port           TCP
func Listen(addr string) (net.Listener, error) {
	switch {
	case addr == "":
		return nil, errors.New("empty listen address")
	case strings.HasPrefix(addr, "unix://"):
		return listenUnix(strings.TrimPrefix(addr, "unix://"))
	case strings.HasPrefix(addr, "/"):
		return listenUnix(addr)
	case strings.HasPrefix(addr, "vsock://"):
		port, err := strconv.ParseUint(strings.TrimPrefix(addr, "vsock://"), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vsock port in %q: %w", addr, err)
		}
		l, err := vsock.Listen(uint32(port), nil)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on vsock port %d: %w", port, err)
		}
		return l, nil
	}

	hostport := strings.TrimPrefix(addr, "tcp://")
	if _, _, err := net.SplitHostPort(hostport); err != nil {
		return nil, fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	l, err := net.Listen("tcp", hostport)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", hostport, err)
	}
	return l, nil
}

func listenUnix(path string) (net.Listener, error) {
	if path == "" {
		return nil, errors.New("empty unix socket path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}
	// A socket left behind by a previous run.
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove stale socket %s: %w", path, err)
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", path, err)
	}
	return l, nil
}

func logRequests(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)

	entry := logrus.WithFields(logrus.Fields{
		"method":   info.FullMethod,
		"duration": time.Since(start),
	})
	if err != nil {
		entry.WithError(err).Warn("Request failed")
	} else {
		entry.Debug("Request completed")
	}
	return resp, err
}
