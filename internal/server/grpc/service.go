package grpc

import (
	"context"
	"errors"
	"io"
	"time"

	"google.golang.org/grpc"
)

const (
	AdminServiceName = "gophdrop.admin.v1.Admin"

	DeleteCollectionMethod  = "/" + AdminServiceName + "/DeleteCollection"
	DeleteSubmissionsMethod = "/" + AdminServiceName + "/DeleteSubmissions"
	GetJobStatusMethod      = "/" + AdminServiceName + "/GetJobStatus"
	RetryJobMethod          = "/" + AdminServiceName + "/RetryJob"
	BuildArchiveMethod      = "/" + AdminServiceName + "/BuildArchive"
)

type DeleteCollectionRequest struct {
	FilesystemID string `json:"filesystem_id"`
}

type DeleteCollectionResponse struct {
	Job *Job `json:"job,omitempty"`
	// PartialFailure is set when records are gone but the keypair or the
	// erase handoff failed.
	PartialFailure string `json:"partial_failure,omitempty"`
}

type DeleteSubmissionsRequest struct {
	FilesystemID string   `json:"filesystem_id"`
	Filenames    []string `json:"filenames"`
}

type DeleteSubmissionsResponse struct {
	// Jobs holds one erase job per removed document.
	Jobs           []*Job `json:"jobs,omitempty"`
	PartialFailure string `json:"partial_failure,omitempty"`
}

type GetJobStatusRequest struct {
	JobID string `json:"job_id"`
	// WaitMillis, when positive, blocks until the job is terminal or the
	// wait elapses.
	WaitMillis int64 `json:"wait_millis,omitempty"`
}

type RetryJobRequest struct {
	JobID string `json:"job_id"`
}

type Job struct {
	ID         string    `json:"id"`
	TargetPath string    `json:"target_path"`
	Status     string    `json:"status"`
	Attempts   int       `json:"attempts"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type BuildArchiveRequest struct {
	// Policy is one of "explicit", "unread", "all".
	Policy    string   `json:"policy"`
	Sources   []string `json:"sources"`
	Filenames []string `json:"filenames,omitempty"`
}

// ArchiveChunk carries a slice of the zip stream. The last message has Done
// set and no data.
type ArchiveChunk struct {
	Data    []byte   `json:"data,omitempty"`
	Done    bool     `json:"done,omitempty"`
	Entries []string `json:"entries,omitempty"`
	Bytes   int64    `json:"bytes,omitempty"`
	Marked  int      `json:"marked,omitempty"`
}

// AdminServer is the server API for the Admin service.
type AdminServer interface {
	DeleteCollection(context.Context, *DeleteCollectionRequest) (*DeleteCollectionResponse, error)
	DeleteSubmissions(context.Context, *DeleteSubmissionsRequest) (*DeleteSubmissionsResponse, error)
	GetJobStatus(context.Context, *GetJobStatusRequest) (*Job, error)
	RetryJob(context.Context, *RetryJobRequest) (*Job, error)
	BuildArchive(*BuildArchiveRequest, grpc.ServerStreamingServer[ArchiveChunk]) error
}

func RegisterAdminServer(s grpc.ServiceRegistrar, srv AdminServer) {
	s.RegisterService(&AdminServiceDesc, srv)
}

func deleteCollectionHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(DeleteCollectionRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).DeleteCollection(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: DeleteCollectionMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServer).DeleteCollection(ctx, req.(*DeleteCollectionRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func deleteSubmissionsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(DeleteSubmissionsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).DeleteSubmissions(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: DeleteSubmissionsMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServer).DeleteSubmissions(ctx, req.(*DeleteSubmissionsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getJobStatusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetJobStatusRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).GetJobStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GetJobStatusMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServer).GetJobStatus(ctx, req.(*GetJobStatusRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func retryJobHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RetryJobRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).RetryJob(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: RetryJobMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServer).RetryJob(ctx, req.(*RetryJobRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func buildArchiveHandler(srv any, stream grpc.ServerStream) error {
	in := new(BuildArchiveRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(AdminServer).BuildArchive(in, &grpc.GenericServerStream[BuildArchiveRequest, ArchiveChunk]{ServerStream: stream})
}

// AdminServiceDesc is the grpc.ServiceDesc for the Admin service.
var AdminServiceDesc = grpc.ServiceDesc{
	ServiceName: AdminServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "DeleteCollection", Handler: deleteCollectionHandler},
		{MethodName: "DeleteSubmissions", Handler: deleteSubmissionsHandler},
		{MethodName: "GetJobStatus", Handler: getJobStatusHandler},
		{MethodName: "RetryJob", Handler: retryJobHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "BuildArchive", Handler: buildArchiveHandler, ServerStreams: true},
	},
	Metadata: "gophdrop/admin/v1/admin",
}

// AdminClient calls the Admin service using the JSON codec.
type AdminClient struct {
	cc grpc.ClientConnInterface
}

func NewAdminClient(cc grpc.ClientConnInterface) *AdminClient {
	return &AdminClient{cc: cc}
}

func callOpts(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
}

func (c *AdminClient) DeleteCollection(ctx context.Context, in *DeleteCollectionRequest, opts ...grpc.CallOption) (*DeleteCollectionResponse, error) {
	out := new(DeleteCollectionResponse)
	if err := c.cc.Invoke(ctx, DeleteCollectionMethod, in, out, callOpts(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AdminClient) DeleteSubmissions(ctx context.Context, in *DeleteSubmissionsRequest, opts ...grpc.CallOption) (*DeleteSubmissionsResponse, error) {
	out := new(DeleteSubmissionsResponse)
	if err := c.cc.Invoke(ctx, DeleteSubmissionsMethod, in, out, callOpts(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AdminClient) GetJobStatus(ctx context.Context, in *GetJobStatusRequest, opts ...grpc.CallOption) (*Job, error) {
	out := new(Job)
	if err := c.cc.Invoke(ctx, GetJobStatusMethod, in, out, callOpts(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AdminClient) RetryJob(ctx context.Context, in *RetryJobRequest, opts ...grpc.CallOption) (*Job, error) {
	out := new(Job)
	if err := c.cc.Invoke(ctx, RetryJobMethod, in, out, callOpts(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AdminClient) BuildArchive(ctx context.Context, in *BuildArchiveRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[ArchiveChunk], error) {
	stream, err := c.cc.NewStream(ctx, &AdminServiceDesc.Streams[0], BuildArchiveMethod, callOpts(opts)...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[BuildArchiveRequest, ArchiveChunk]{ClientStream: stream}
	if err := x.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

// ErrArchiveTruncated is returned by ReceiveArchive when the stream ends
// without a final chunk.
var ErrArchiveTruncated = errors.New("archive stream ended early")

// ReceiveArchive copies the archive bytes to w and returns the final chunk.
// On error, whatever was written to w must be discarded.
func ReceiveArchive(stream grpc.ServerStreamingClient[ArchiveChunk], w io.Writer) (*ArchiveChunk, error) {
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			return nil, ErrArchiveTruncated
		}
		if err != nil {
			return nil, err
		}
		if chunk.Done {
			return chunk, nil
		}
		if _, err := w.Write(chunk.Data); err != nil {
			return nil, err
		}
	}
}
