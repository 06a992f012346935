package config

import (
	"flag"
	"os"

	"github.com/dmitrijs2005/gophdrop/internal/flagx"
)

var ownFlags = []string{
	"-a", "-m", "-driver", "-d", "-s", "-store", "-keys", "-backend",
	"-u", "-p", "-b", "-g", "-e",
	"-w", "-q", "-n", "-k", "-kb", "-policy", "-j", "-shutdown", "-l",
}

// parseFlags overlays command-line flags onto config.
//
// Supported flags:
//
//	-a string         gRPC bind address (e.g., ":50051")
//	-m string         metrics bind address, empty disables it
//	-driver string    database driver: pgx or sqlite
//	-d string         database DSN
//	-s string         JWT HMAC secret key
//	-store string     blob store directory
//	-keys string      keystore directory
//	-backend string   blob backend: disk or s3
//	-u, -p string     S3 root user and password
//	-b, -g, -e string S3 bucket, region and base endpoint
//	-w int            erase workers
//	-q int            erase queue buffer
//	-n int            overwrite passes per file
//	-k int            keypair deletion retries
//	-kb duration      base backoff between keypair deletion retries
//	-policy string    key failure policy: proceed or block
//	-j string         journalist age public key
//	-shutdown dur     graceful shutdown timeout
//	-l string         log level
//
// os.Args is filtered with flagx.FilterArgs first so flags owned by other
// parsers (such as -c) do not cause errors.
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], ownFlags)

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.EndpointAddrGRPC, "a", config.EndpointAddrGRPC, "address and port to run server")
	fs.StringVar(&config.MetricsAddr, "m", config.MetricsAddr, "address and port of the metrics endpoint")
	fs.StringVar(&config.DatabaseDriver, "driver", config.DatabaseDriver, "database driver (pgx, sqlite)")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.SecretKey, "s", config.SecretKey, "secret key")
	fs.StringVar(&config.StoreDir, "store", config.StoreDir, "blob store directory")
	fs.StringVar(&config.KeysDir, "keys", config.KeysDir, "keystore directory")
	fs.StringVar(&config.BlobBackend, "backend", config.BlobBackend, "blob backend (disk, s3)")

	fs.StringVar(&config.S3RootUser, "u", config.S3RootUser, "S3 root user")
	fs.StringVar(&config.S3RootPassword, "p", config.S3RootPassword, "S3 root password")
	fs.StringVar(&config.S3Bucket, "b", config.S3Bucket, "S3 bucket")
	fs.StringVar(&config.S3Region, "g", config.S3Region, "S3 region")
	fs.StringVar(&config.S3BaseEndpoint, "e", config.S3BaseEndpoint, "S3 base endpoint")

	fs.IntVar(&config.EraseWorkers, "w", config.EraseWorkers, "erase workers")
	fs.IntVar(&config.EraseQueueSize, "q", config.EraseQueueSize, "erase queue buffer")
	fs.IntVar(&config.ErasePasses, "n", config.ErasePasses, "overwrite passes")
	fs.IntVar(&config.KeyDeleteRetries, "k", config.KeyDeleteRetries, "keypair deletion retries")
	fs.DurationVar(&config.KeyRetryBase, "kb", config.KeyRetryBase, "keypair deletion backoff base")
	fs.StringVar(&config.KeyFailurePolicy, "policy", config.KeyFailurePolicy, "key failure policy (proceed, block)")
	fs.StringVar(&config.JournalistPublicKey, "j", config.JournalistPublicKey, "journalist age public key")
	fs.DurationVar(&config.ShutdownTimeout, "shutdown", config.ShutdownTimeout, "graceful shutdown timeout")
	fs.StringVar(&config.LogLevel, "l", config.LogLevel, "log level")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}
}
