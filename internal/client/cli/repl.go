package cli

import (
	"bufio"
	"context"
	"fmt"
	"strings"
)

// printlnFn is a test seam for user-facing output.
var printlnFn = fmt.Println

// execIface is the command surface the REPL dispatches to.
type execIface interface {
	isLoggedIn() bool
	Login(ctx context.Context) error
	Logout(ctx context.Context) error
	Delete(ctx context.Context, args []string) error
	DeleteDocs(ctx context.Context, args []string) error
	Job(ctx context.Context, args []string) error
	Retry(ctx context.Context, args []string) error
	Export(ctx context.Context, args []string) error
}

// runREPL reads commands from scanner until EOF, "exit" or "quit".
//
//	Not logged in:
//	  - login                       enter a staff access token
//	  - exit | quit
//
//	Logged in:
//	  - delete <fsid>               delete a source's collection
//	  - delete-docs <fsid> <file>...
//	                                delete selected documents of a source
//	  - job <id> [wait-ms]          show an erase job, optionally waiting
//	  - retry <id>                  requeue a failed erase job
//	  - export <policy> <fsid>... [-- <file>...]
//	                                download an archive (explicit, unread, all)
//	  - logout
//	  - exit | quit
//
// Handler errors are reported by the handlers themselves.
func runREPL(ctx context.Context, a execIface, statusFn func() string, scanner *bufio.Scanner) {
	for {
		printlnFn(fmt.Sprintf("gd %s> ", statusFn()))
		if !scanner.Scan() {
			return
		}
		parts := strings.Fields(scanner.Text())
		if len(parts) == 0 {
			continue
		}
		cmd, args := parts[0], parts[1:]

		if cmd == "exit" || cmd == "quit" {
			printlnFn("Bye!")
			return
		}
		if cmd == "help" {
			if a.isLoggedIn() {
				printlnFn("Available commands: delete, delete-docs, job, retry, export, logout, exit")
			} else {
				printlnFn("Available commands: login, exit")
			}
			continue
		}
		if cmd == "login" {
			_ = a.Login(ctx)
			continue
		}

		if !a.isLoggedIn() {
			printlnFn("Please login first")
			continue
		}

		switch cmd {
		case "delete":
			_ = a.Delete(ctx, args)
		case "delete-docs":
			_ = a.DeleteDocs(ctx, args)
		case "job":
			_ = a.Job(ctx, args)
		case "retry":
			_ = a.Retry(ctx, args)
		case "export":
			_ = a.Export(ctx, args)
		case "logout":
			_ = a.Logout(ctx)
		default:
			printlnFn("Unknown command:", cmd)
		}
	}
}
