package main

import (
	"context"
	"flag"
	"fmt"
	"io/ioutil"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"time"

	"github.com/xrg/akonadi/server"
)

func main() {
	log.SetFlags(0)

	flagDataDir := flag.String("data_dir", "", "per-instance data directory")
	flagSQLitePath := flag.String("sqlite", "", "sqlite database path (default: <data_dir>/akonadi.db)")
	flagMySQLDSN := flag.String("mysql_dsn", "", "MySQL DSN, mutually exclusive with -sqlite/-postgres_dsn")
	flagPostgresDSN := flag.String("postgres_dsn", "", "PostgreSQL DSN, mutually exclusive with -sqlite/-mysql_dsn")
	flag.Parse()

	dataDir := *flagDataDir
	if dataDir == "" {
		tempdir, err := ioutil.TempDir("", "akonadiserver-")
		if err != nil {
			log.Fatal(err)
		}
		dataDir = tempdir
		log.Printf("akonadiserver: no -data_dir given, using %s", dataDir)
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		log.Fatal(err)
	}

	cfg := server.Config{
		SQLitePath:  *flagSQLitePath,
		MySQLDSN:    *flagMySQLDSN,
		PostgresDSN: *flagPostgresDSN,
	}
	if cfg.SQLitePath == "" && cfg.MySQLDSN == "" && cfg.PostgresDSN == "" {
		cfg.SQLitePath = filepath.Join(dataDir, "akonadi.db")
	}

	s, err := server.New(cfg)
	if err != nil {
		log.Fatal(err)
	}
	s.SetLogf(log.Printf)

	socketPath := filepath.Join(dataDir, "akonadiserver.socket")
	os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		log.Fatal(err)
	}

	runtimeINIPath := filepath.Join(dataDir, "akonadiserver.ini")
	if err := writeRuntimeINI(runtimeINIPath, socketPath); err != nil {
		log.Fatal(err)
	}
	defer os.Remove(runtimeINIPath)

	log.Printf("akonadiserver: listening on %s", socketPath)

	go func() {
		if err := s.Serve(ln); err != nil {
			log.Printf("akonadiserver: serve error: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, os.Interrupt)
		<-interrupt
		cancel()
	}()
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.Shutdown(shutdownCtx); err != nil {
			log.Printf("akonadiserver: shutdown error: %v", err)
		}
	}()
	wg.Wait()

	log.Printf("akonadiserver: shut down")
}

// writeRuntimeINI writes the runtime connection INI a client reads to
// discover how to reach this instance (spec.md §5: "Data/Method ∈
// {UnixPath, NamedPipe}", the socket/pipe path under
// Data/UnixPath or Data/NamedPipe). It is removed on shutdown.
func writeRuntimeINI(path, socketPath string) error {
	contents := fmt.Sprintf("[Data]\nMethod=UnixPath\nUnixPath=%s\n", socketPath)
	return ioutil.WriteFile(path, []byte(contents), 0600)
}
