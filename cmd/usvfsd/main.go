package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"usvfscore/internal/hookcontext"
	"usvfscore/internal/logging"
	"usvfscore/internal/params"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"
)

var logger = logging.GetLogger()

func main() {
	mountPoint := flag.String("mount", "", "mount point for the virtual filesystem")
	sourcePath := flag.String("source", "", "real directory the virtual tree passes through to by default")
	overlayPath := flag.String("overlay", "", "real directory new files and redirected writes land in (defaults to <source>/.usvfs-overlay)")
	instance := flag.String("instance", "usvfs", "hook context instance name, shared by every process attaching to the same VFS")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	if *verbose {
		logger.SetLevel(logging.LevelDebug)
	}

	if *mountPoint == "" || *sourcePath == "" {
		logger.Error("-mount and -source are required")
		os.Exit(1)
	}

	cleanMount := filepath.Clean(*mountPoint)
	cleanSource := filepath.Clean(*sourcePath)
	cleanOverlay := *overlayPath
	if cleanOverlay == "" {
		cleanOverlay = filepath.Join(cleanSource, ".usvfs-overlay")
	}
	cleanOverlay = filepath.Clean(cleanOverlay)

	if _, err := os.ReadDir(cleanSource); err != nil {
		logger.Error("source directory not readable: %v", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(cleanOverlay, 0755); err != nil {
		logger.Error("failed to create overlay directory: %v", err)
		os.Exit(1)
	}

	logLevel := params.LogInfo
	if *verbose {
		logLevel = params.LogDebug
	}

	logger.Info("attaching hook context for instance %q", *instance)
	hc, err := hookcontext.CreateHookContext(params.Parameters{
		InstanceName: *instance,
		DebugMode:    *verbose,
		LogLevel:     logLevel,
	})
	if err != nil {
		logger.Error("failed to create hook context: %v", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := hc.AwaitDelayed(ctx); err != nil {
			logger.Warn("delayed work did not finish before teardown: %v", err)
		}
		if err := hc.Close(); err != nil {
			logger.Error("hook context close failed: %v", err)
		}
	}()

	fsys := &FS{
		hc:         hc,
		sourceDir:  cleanSource,
		overlayDir: cleanOverlay,
		uid:        uint32(os.Getuid()),
		gid:        uint32(os.Getgid()),
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("mounting %q (source=%q, overlay=%q)", cleanMount, cleanSource, cleanOverlay)
	c, err := fuse.Mount(cleanMount,
		fuse.FSName("usvfs"),
		fuse.Subtype("usvfs"),
		fuse.AllowOther(),
		fuse.DefaultPermissions(),
	)
	if err != nil {
		logger.Error("mount failed: %v", err)
		os.Exit(1)
	}
	defer c.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("serving filesystem")
		if err := fusefs.Serve(c, fsys); err != nil {
			logger.Error("FUSE server error: %v", err)
		}
	}()

	go func() {
		sig := <-sigChan
		logger.Info("received signal %v, unmounting", sig)
		if err := fuse.Unmount(cleanMount); err != nil {
			logger.Error("unmount error: %v", err)
		}
	}()

	wg.Wait()
	logger.Info("clean shutdown complete")
}
