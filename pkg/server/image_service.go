package server

import (
	"context"
	"encoding/json"

	"github.com/containerd/errdefs"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	runtimeapi "k8s.io/cri-api/pkg/apis/runtime/v1"

	"crius/pkg/image"
	"crius/pkg/registry"
)

// ImageServer serves the CRI image service from an image.Service.
type ImageServer struct {
	runtimeapi.UnimplementedImageServiceServer

	images *image.Service
}

func NewImageServer(images *image.Service) *ImageServer {
	return &ImageServer{images: images}
}

// ListImages lists local images. A filter naming an image narrows the
// result to that image.
func (s *ImageServer) ListImages(ctx context.Context, req *runtimeapi.ListImagesRequest) (*runtimeapi.ListImagesResponse, error) {
	logrus.Debugf("ListImagesRequest %+v", req)

	if ref := req.GetFilter().GetImage().GetImage(); ref != "" {
		rec, err := s.images.Status(ref)
		if err != nil {
			if errdefs.IsNotFound(err) {
				return &runtimeapi.ListImagesResponse{}, nil
			}
			return nil, toGRPCError(err)
		}
		return &runtimeapi.ListImagesResponse{Images: []*runtimeapi.Image{toCRIImage(rec)}}, nil
	}

	records := s.images.List()
	resp := &runtimeapi.ListImagesResponse{
		Images: make([]*runtimeapi.Image, 0, len(records)),
	}
	for _, rec := range records {
		resp.Images = append(resp.Images, toCRIImage(rec))
	}
	logrus.Debugf("ListImagesResponse: %d images", len(resp.Images))
	return resp, nil
}

// ImageStatus returns the image named by tag or id prefix.
func (s *ImageServer) ImageStatus(ctx context.Context, req *runtimeapi.ImageStatusRequest) (*runtimeapi.ImageStatusResponse, error) {
	logrus.Debugf("ImageStatusRequest %+v", req)

	ref := req.GetImage().GetImage()
	if ref == "" {
		return nil, status.Error(codes.InvalidArgument, "image reference is required")
	}

	rec, err := s.images.Status(ref)
	if err != nil {
		return nil, toGRPCError(err)
	}

	resp := &runtimeapi.ImageStatusResponse{Image: toCRIImage(rec)}
	if req.GetVerbose() {
		info, err := json.Marshal(rec)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "failed to marshal image info: %v", err)
		}
		resp.Info = map[string]string{"info": string(info)}
	}
	logrus.Debugf("ImageStatusResponse: %+v", resp)
	return resp, nil
}

// PullImage pulls an image and returns its id.
func (s *ImageServer) PullImage(ctx context.Context, req *runtimeapi.PullImageRequest) (*runtimeapi.PullImageResponse, error) {
	ref := req.GetImage().GetImage()
	logrus.Debugf("PullImageRequest %s", ref)

	var auth registry.Auth
	if a := req.GetAuth(); a != nil {
		auth = registry.Auth{
			Username:      a.GetUsername(),
			Password:      a.GetPassword(),
			Auth:          a.GetAuth(),
			IdentityToken: a.GetIdentityToken(),
			RegistryToken: a.GetRegistryToken(),
		}
	}

	id, err := s.images.Pull(ctx, ref, auth)
	if err != nil {
		return nil, toGRPCError(err)
	}

	resp := &runtimeapi.PullImageResponse{ImageRef: id}
	logrus.Debugf("PullImageResponse: %+v", resp)
	return resp, nil
}

// RemoveImage removes a tag, or an image by id prefix.
func (s *ImageServer) RemoveImage(ctx context.Context, req *runtimeapi.RemoveImageRequest) (*runtimeapi.RemoveImageResponse, error) {
	ref := req.GetImage().GetImage()
	logrus.Debugf("RemoveImageRequest %s", ref)

	if ref == "" {
		return nil, status.Error(codes.InvalidArgument, "image reference is required")
	}
	if err := s.images.Remove(ctx, ref); err != nil {
		return nil, toGRPCError(err)
	}
	return &runtimeapi.RemoveImageResponse{}, nil
}

// ImageFsInfo reports the usage of the filesystem holding the images.
func (s *ImageServer) ImageFsInfo(ctx context.Context, req *runtimeapi.ImageFsInfoRequest) (*runtimeapi.ImageFsInfoResponse, error) {
	logrus.Debugf("ImageFsInfoRequest %+v", req)

	usages, err := s.images.FsInfo(ctx)
	if err != nil {
		return nil, toGRPCError(err)
	}

	resp := &runtimeapi.ImageFsInfoResponse{}
	for _, u := range usages {
		resp.ImageFilesystems = append(resp.ImageFilesystems, &runtimeapi.FilesystemUsage{
			Timestamp:  u.Timestamp.UnixNano(),
			FsId:       &runtimeapi.FilesystemIdentifier{Mountpoint: u.Mountpoint},
			UsedBytes:  &runtimeapi.UInt64Value{Value: u.UsedBytes},
			InodesUsed: &runtimeapi.UInt64Value{Value: u.InodesUsed},
		})
	}
	logrus.Debugf("ImageFsInfoResponse: %+v", resp)
	return resp, nil
}

func toCRIImage(rec image.Record) *runtimeapi.Image {
	img := &runtimeapi.Image{
		Id:       rec.ID,
		RepoTags: rec.RepoTags,
		Size_:    rec.Size,
		Spec:     &runtimeapi.ImageSpec{Image: rec.ID},
	}
	if rec.Digest == "" {
		return img
	}

	seen := make(map[string]bool)
	for _, tag := range rec.RepoTags {
		repo, err := registry.Repository(tag)
		if err != nil {
			continue
		}
		d := repo + "@" + rec.Digest
		if !seen[d] {
			seen[d] = true
			img.RepoDigests = append(img.RepoDigests, d)
		}
	}
	return img
}
