package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/dmitrijs2005/gophdrop/internal/client/config"
	"github.com/dmitrijs2005/gophdrop/internal/common"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	gs "github.com/dmitrijs2005/gophdrop/internal/server/grpc"
)

// AdminAPI is the admin service client; *gs.AdminClient implements it.
type AdminAPI interface {
	DeleteCollection(ctx context.Context, in *gs.DeleteCollectionRequest, opts ...grpc.CallOption) (*gs.DeleteCollectionResponse, error)
	DeleteSubmissions(ctx context.Context, in *gs.DeleteSubmissionsRequest, opts ...grpc.CallOption) (*gs.DeleteSubmissionsResponse, error)
	GetJobStatus(ctx context.Context, in *gs.GetJobStatusRequest, opts ...grpc.CallOption) (*gs.Job, error)
	RetryJob(ctx context.Context, in *gs.RetryJobRequest, opts ...grpc.CallOption) (*gs.Job, error)
	BuildArchive(ctx context.Context, in *gs.BuildArchiveRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[gs.ArchiveChunk], error)
}

type App struct {
	config *config.Config
	api    AdminAPI
	conn   io.Closer
	token  []byte
	reader *bufio.Reader
	out    io.Writer
}

func NewApp(c *config.Config) (*App, error) {
	conn, err := grpc.NewClient(c.ServerEndpointAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.ServerEndpointAddr, err)
	}

	return &App{
		config: c,
		api:    gs.NewAdminClient(conn),
		conn:   conn,
		reader: bufio.NewReader(os.Stdin),
		out:    os.Stdout,
	}, nil
}

func (a *App) Run(ctx context.Context) {
	defer a.close()

	printlnFn("Welcome to gophdrop admin (type 'help' for commands)")
	runREPL(ctx, a, a.getStatus, bufio.NewScanner(a.reader))
}

func (a *App) close() {
	common.WipeByteArray(a.token)
	a.token = nil
	if a.conn != nil {
		_ = a.conn.Close()
	}
}

func (a *App) getStatus() string {
	if a.isLoggedIn() {
		return "(authenticated)"
	}
	return ""
}

func (a *App) isLoggedIn() bool {
	return len(a.token) > 0
}

// authContext attaches the access token to outgoing calls.
func (a *App) authContext(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx, common.AccessTokenHeaderName, string(a.token))
}
