package grpc

import (
	"bufio"
	"context"
	"errors"
	"time"

	"github.com/dmitrijs2005/gophdrop/internal/common"
	"github.com/dmitrijs2005/gophdrop/internal/server/erasure"
	"github.com/dmitrijs2005/gophdrop/internal/server/models"
	"github.com/dmitrijs2005/gophdrop/internal/server/services"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	chunkSize = 64 << 10
	maxWait   = 30 * time.Second
)

func toJob(j *models.EraseJob) *Job {
	if j == nil {
		return nil
	}
	return &Job{
		ID:         j.ID,
		TargetPath: j.TargetPath,
		Status:     string(j.Status),
		Attempts:   j.Attempts,
		Error:      j.Error,
		CreatedAt:  j.CreatedAt,
		UpdatedAt:  j.UpdatedAt,
	}
}

func toStatus(err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, common.ErrorNotFound):
		code = codes.NotFound
	case errors.Is(err, common.ErrInvalidSelection):
		code = codes.InvalidArgument
	case errors.Is(err, erasure.ErrNotRetryable):
		code = codes.FailedPrecondition
	case errors.Is(err, common.ErrRecordStore):
		// also when the keypair went with a failed commit
		code = codes.Internal
	case errors.Is(err, common.ErrKeyStore), errors.Is(err, common.ErrIOFailure):
		code = codes.Unavailable
	}
	return status.Error(code, err.Error())
}

func (s *GRPCServer) DeleteCollection(ctx context.Context, req *DeleteCollectionRequest) (*DeleteCollectionResponse, error) {
	if req.FilesystemID == "" {
		return nil, status.Error(codes.InvalidArgument, "filesystem_id is required")
	}
	staffID, _ := StaffIDFromContext(ctx)

	job, err := s.collections.DeleteCollection(ctx, req.FilesystemID)
	if err != nil {
		if errors.Is(err, common.ErrPartialFailure) {
			s.logger.Warn(ctx, "collection deleted with partial failure",
				"staff_id", staffID, "filesystem_id", req.FilesystemID, "error", err)
			return &DeleteCollectionResponse{Job: toJob(job), PartialFailure: err.Error()}, nil
		}
		return nil, toStatus(err)
	}

	s.logger.Info(ctx, "collection deleted", "staff_id", staffID, "filesystem_id", req.FilesystemID, "job_id", job.ID)
	return &DeleteCollectionResponse{Job: toJob(job)}, nil
}

func (s *GRPCServer) DeleteSubmissions(ctx context.Context, req *DeleteSubmissionsRequest) (*DeleteSubmissionsResponse, error) {
	if req.FilesystemID == "" {
		return nil, status.Error(codes.InvalidArgument, "filesystem_id is required")
	}
	if len(req.Filenames) == 0 {
		return nil, status.Error(codes.InvalidArgument, "filenames are required")
	}
	staffID, _ := StaffIDFromContext(ctx)

	jobs, err := s.collections.DeleteSubmissions(ctx, req.FilesystemID, req.Filenames)
	out := &DeleteSubmissionsResponse{}
	for _, j := range jobs {
		out.Jobs = append(out.Jobs, toJob(j))
	}
	if err != nil {
		if errors.Is(err, common.ErrPartialFailure) {
			s.logger.Warn(ctx, "submissions deleted with partial failure",
				"staff_id", staffID, "filesystem_id", req.FilesystemID, "error", err)
			out.PartialFailure = err.Error()
			return out, nil
		}
		return nil, toStatus(err)
	}

	s.logger.Info(ctx, "submissions deleted", "staff_id", staffID, "filesystem_id", req.FilesystemID, "count", len(jobs))
	return out, nil
}

func (s *GRPCServer) GetJobStatus(ctx context.Context, req *GetJobStatusRequest) (*Job, error) {
	if req.JobID == "" {
		return nil, status.Error(codes.InvalidArgument, "job_id is required")
	}

	if req.WaitMillis <= 0 {
		job, err := s.collections.JobStatus(ctx, req.JobID)
		if err != nil {
			return nil, toStatus(err)
		}
		return toJob(job), nil
	}

	wait := min(time.Duration(req.WaitMillis)*time.Millisecond, maxWait)
	job, err := s.collections.AwaitJob(ctx, req.JobID, wait)
	if err != nil {
		// a wait that ran out still reports the last known state
		if errors.Is(err, context.DeadlineExceeded) && job != nil && ctx.Err() == nil {
			return toJob(job), nil
		}
		return nil, toStatus(err)
	}
	return toJob(job), nil
}

func (s *GRPCServer) RetryJob(ctx context.Context, req *RetryJobRequest) (*Job, error) {
	if req.JobID == "" {
		return nil, status.Error(codes.InvalidArgument, "job_id is required")
	}
	job, err := s.collections.RetryJob(ctx, req.JobID)
	if err != nil {
		return nil, toStatus(err)
	}
	return toJob(job), nil
}

type chunkWriter struct {
	stream grpc.ServerStreamingServer[ArchiveChunk]
}

func (c chunkWriter) Write(p []byte) (int, error) {
	if err := c.stream.Send(&ArchiveChunk{Data: p}); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *GRPCServer) BuildArchive(req *BuildArchiveRequest, stream grpc.ServerStreamingServer[ArchiveChunk]) error {
	ctx := stream.Context()
	staffID, _ := StaffIDFromContext(ctx)

	sel := services.Selection{
		Policy:    services.Policy(req.Policy),
		Sources:   req.Sources,
		Filenames: req.Filenames,
	}

	// the exporter flushes bw before marking anything downloaded
	bw := bufio.NewWriterSize(chunkWriter{stream: stream}, chunkSize)
	res, err := s.exports.BuildArchive(ctx, sel, bw)
	if err != nil {
		return toStatus(err)
	}

	s.logger.Info(ctx, "archive streamed", "staff_id", staffID, "policy", req.Policy,
		"entries", len(res.Entries), "bytes", res.Bytes)

	return stream.Send(&ArchiveChunk{
		Done:    true,
		Entries: res.Entries,
		Bytes:   res.Bytes,
		Marked:  len(res.Marked),
	})
}
