// Package cli provides the interactive gophdrop admin client.
//
// It reads a staff access token without echo, then runs a REPL whose
// commands call the admin gRPC service: deleting a source's collection,
// polling and retrying erase jobs, and downloading submission archives to
// ExportDir.
//
// The REPL is started via App.Run(ctx), which blocks until the user exits.
package cli
