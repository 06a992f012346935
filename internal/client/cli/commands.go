package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dmitrijs2005/gophdrop/internal/common"
	"github.com/dmitrijs2005/gophdrop/internal/filex"
	"google.golang.org/grpc/status"

	gs "github.com/dmitrijs2005/gophdrop/internal/server/grpc"
)

var errUsage = errors.New("usage")

// nowFn is a test seam for archive file naming.
var nowFn = time.Now

func (a *App) usage(text string) error {
	fmt.Fprintln(a.out, "Usage:", text)
	return errUsage
}

func (a *App) report(err error) error {
	st := status.Convert(err)
	fmt.Fprintf(a.out, "Error: %s (%s)\n", st.Message(), st.Code())
	return err
}

func (a *App) printJob(j *gs.Job) {
	fmt.Fprintf(a.out, "job %s: %s (attempts %d)\n", j.ID, j.Status, j.Attempts)
	if j.Error != "" {
		fmt.Fprintf(a.out, "  last error: %s\n", j.Error)
	}
}

func (a *App) Login(ctx context.Context) error {
	token, err := GetSecret(a.out, "Access token")
	if err != nil {
		fmt.Fprintln(a.out, "Error reading token:", err)
		return err
	}
	if len(token) == 0 {
		fmt.Fprintln(a.out, "Empty token")
		return errUsage
	}
	common.WipeByteArray(a.token)
	a.token = token
	return nil
}

func (a *App) Logout(ctx context.Context) error {
	common.WipeByteArray(a.token)
	a.token = nil
	fmt.Fprintln(a.out, "Logged out")
	return nil
}

func (a *App) Delete(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return a.usage("delete <filesystem-id>")
	}

	confirm, err := GetSimpleText(a.reader, fmt.Sprintf("Delete all records, keys and files of %s? Type the id to confirm", args[0]), a.out)
	if err != nil {
		return err
	}
	if confirm != args[0] {
		fmt.Fprintln(a.out, "Aborted")
		return nil
	}

	ctx, cancel := context.WithTimeout(a.authContext(ctx), a.config.RequestTimeout)
	defer cancel()

	resp, err := a.api.DeleteCollection(ctx, &gs.DeleteCollectionRequest{FilesystemID: args[0]})
	if err != nil {
		return a.report(err)
	}
	if resp.PartialFailure != "" {
		fmt.Fprintln(a.out, "Warning: records removed, but:", resp.PartialFailure)
	}
	if resp.Job != nil {
		a.printJob(resp.Job)
	}
	return nil
}

func (a *App) DeleteDocs(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return a.usage("delete-docs <filesystem-id> <file>...")
	}
	fsid, files := args[0], args[1:]

	confirm, err := GetSimpleText(a.reader, fmt.Sprintf("Delete %d document(s) of %s? Type yes to confirm", len(files), fsid), a.out)
	if err != nil {
		return err
	}
	if confirm != "yes" {
		fmt.Fprintln(a.out, "Aborted")
		return nil
	}

	ctx, cancel := context.WithTimeout(a.authContext(ctx), a.config.RequestTimeout)
	defer cancel()

	resp, err := a.api.DeleteSubmissions(ctx, &gs.DeleteSubmissionsRequest{FilesystemID: fsid, Filenames: files})
	if err != nil {
		return a.report(err)
	}
	if resp.PartialFailure != "" {
		fmt.Fprintln(a.out, "Warning: records removed, but:", resp.PartialFailure)
	}
	for _, j := range resp.Jobs {
		a.printJob(j)
	}
	return nil
}

func (a *App) Job(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return a.usage("job <id> [wait-ms]")
	}
	req := &gs.GetJobStatusRequest{JobID: args[0]}
	if len(args) == 2 {
		ms, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil || ms < 0 {
			return a.usage("job <id> [wait-ms]")
		}
		req.WaitMillis = ms
	}

	timeout := a.config.RequestTimeout + time.Duration(req.WaitMillis)*time.Millisecond
	ctx, cancel := context.WithTimeout(a.authContext(ctx), timeout)
	defer cancel()

	job, err := a.api.GetJobStatus(ctx, req)
	if err != nil {
		return a.report(err)
	}
	a.printJob(job)
	return nil
}

func (a *App) Retry(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return a.usage("retry <id>")
	}

	ctx, cancel := context.WithTimeout(a.authContext(ctx), a.config.RequestTimeout)
	defer cancel()

	job, err := a.api.RetryJob(ctx, &gs.RetryJobRequest{JobID: args[0]})
	if err != nil {
		return a.report(err)
	}
	a.printJob(job)
	return nil
}

// parseExportArgs splits "<policy> <fsid>... [-- <file>...]".
func parseExportArgs(args []string) (*gs.BuildArchiveRequest, bool) {
	if len(args) < 2 {
		return nil, false
	}
	req := &gs.BuildArchiveRequest{Policy: args[0]}
	rest := args[1:]
	for i, s := range rest {
		if s == "--" {
			req.Filenames = rest[i+1:]
			rest = rest[:i]
			break
		}
	}
	if len(rest) == 0 {
		return nil, false
	}
	req.Sources = rest
	return req, true
}

// Export streams an archive into ExportDir. The file only appears once the
// whole archive arrived.
func (a *App) Export(ctx context.Context, args []string) error {
	req, ok := parseExportArgs(args)
	if !ok {
		return a.usage("export <explicit|unread|all> <fsid>... [-- <file>...]")
	}

	dir, err := filex.EnsureDir(a.config.ExportDir, 0o700)
	if err != nil {
		return a.report(err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%s.zip", req.Policy, nowFn().UTC().Format("20060102T150405Z")))

	ctx, cancel := context.WithCancel(a.authContext(ctx))
	defer cancel()

	stream, err := a.api.BuildArchive(ctx, req)
	if err != nil {
		return a.report(err)
	}

	pr, pw := io.Pipe()
	var final *gs.ArchiveChunk
	go func() {
		var err error
		final, err = gs.ReceiveArchive(stream, pw)
		pw.CloseWithError(err)
	}()

	if _, err := filex.WriteAtomic(path, pr, 0o600); err != nil {
		cancel()
		_ = pr.CloseWithError(err)
		return a.report(err)
	}

	fmt.Fprintf(a.out, "Wrote %s: %d entries, %d bytes", path, len(final.Entries), final.Bytes)
	if final.Marked > 0 {
		fmt.Fprintf(a.out, ", %d marked downloaded", final.Marked)
	}
	fmt.Fprintln(a.out)
	return nil
}
