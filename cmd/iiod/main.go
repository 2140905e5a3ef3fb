package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"

	"github.com/iiodproj/iiod"
	"github.com/iiodproj/iiod/internal/bufmux"
	"github.com/iiodproj/iiod/internal/constants"
	"github.com/iiodproj/iiod/internal/dispatch"
	"github.com/iiodproj/iiod/internal/evstream"
	"github.com/iiodproj/iiod/internal/iio"
	"github.com/iiodproj/iiod/internal/iotransport"
	"github.com/iiodproj/iiod/internal/logging"
	"github.com/iiodproj/iiod/internal/session"
)

const version = "0.1.0"

type options struct {
	debug   bool
	demux   bool
	port    int
	uri     string
	ffs     string
	nbPipes int
	serial  string
	version bool
}

func parseFlags(args []string) (*options, error) {
	opts := &options{}
	fs := flag.NewFlagSet("iiod", flag.ContinueOnError)
	fs.BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	fs.BoolVar(&opts.demux, "demux", false, "Demultiplex sample streams per client channel mask")
	fs.IntVar(&opts.port, "port", constants.DefaultPort, "TCP port to listen on")
	fs.StringVar(&opts.uri, "uri", "", "URI of the IIO context to expose")
	fs.StringVar(&opts.ffs, "ffs", "", "USB FunctionFS mountpoint to serve on")
	fs.IntVar(&opts.nbPipes, "nb-pipes", constants.DefaultNbPipes, "Number of USB endpoint pairs")
	fs.StringVar(&opts.serial, "serial", "", "Serial line: dev,baud,bits,parity,stop[,flow]")
	fs.BoolVar(&opts.version, "version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return opts, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
	if opts.version {
		fmt.Printf("iiod %s\n", version)
		os.Exit(0)
	}

	logConfig := logging.DefaultConfig()
	if opts.debug {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	for {
		restart, err := runDaemon(opts, logger)
		if err != nil {
			logger.Errorf("daemon: %v", err)
			os.Exit(1)
		}
		if !restart {
			return
		}
		// SIGUSR1: every session has been torn down; re-enter the
		// daemon loop with a clean slate.
		logger.Info("restarting daemon loop")
	}
}

// daemon aggregates the per-process state every transport carrier feeds
// sessions into.
type daemon struct {
	opts   *options
	logger *logging.Logger

	bufReg *bufmux.Registry
	evReg  *evstream.Registry

	mu       sync.Mutex
	sessions map[uint64]*session.Session

	closing chan struct{}
	wg      sync.WaitGroup
}

// runDaemon runs one full daemon lifetime. It returns restart=true when
// SIGUSR1 asked for a graceful re-exec of the loop.
func runDaemon(opts *options, logger *logging.Logger) (restart bool, err error) {
	// The session core multiplexes exactly one IIO context per daemon
	// instance. Without real hardware (no --uri backend compiled in),
	// an in-memory context keeps the daemon serveable end to end.
	iioCtx := iiod.NewTestContext(2, 4)
	if opts.uri != "" {
		logger.Warnf("uri %q: no hardware backend built in, serving in-memory context", opts.uri)
	}
	if opts.demux {
		logger.Info("per-client sample demux enabled")
	}

	d := &daemon{
		opts:     opts,
		logger:   logger,
		bufReg:   bufmux.NewRegistry(),
		evReg:    evstream.NewRegistry(),
		sessions: make(map[uint64]*session.Session),
		closing:  make(chan struct{}),
	}

	acceptor, err := listenTCP(d, iioCtx, opts.port)
	if err != nil {
		return false, err
	}

	go advertise(d, opts.port)

	if opts.serial != "" {
		if err := serveSerial(d, iioCtx, opts.serial); err != nil {
			acceptor.Close()
			return false, err
		}
	}
	if opts.ffs != "" {
		if err := serveFunctionFS(d, iioCtx, opts.ffs, opts.nbPipes); err != nil {
			acceptor.Close()
			return false, err
		}
	}

	logger.Infof("iiod listening port=%d pid=%d", opts.port, os.Getpid())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	defer signal.Stop(sigCh)

	dumpCh := make(chan os.Signal, 1)
	signal.Notify(dumpCh, syscall.SIGUSR2)
	defer signal.Stop(dumpCh)
	go func() {
		for range dumpCh {
			buf := make([]byte, 1<<20)
			n := runtime.Stack(buf, true)
			fmt.Fprintf(os.Stderr, "=== goroutine dump ===\n%s\n=== end dump ===\n", buf[:n])
		}
	}()

	sig := <-sigCh
	logger.Infof("received %v, draining sessions", sig)

	close(d.closing)
	acceptor.Close()
	d.teardownSessions()
	d.wg.Wait()
	// Sessions released their context handles during teardown; this
	// drops the daemon's own, letting the backend release last.
	if err := iioCtx.Close(); err != nil {
		logger.Warnf("context close: %v", err)
	}

	return sig == syscall.SIGUSR1, nil
}

// serve runs one accepted transport as a session until it disconnects.
func (d *daemon) serve(tr *iotransport.Transport, iioCtx *iio.Context) {
	sess := session.New(session.Config{
		Transport:   tr,
		Context:     iioCtx,
		BufRegistry: d.bufReg,
		EvRegistry:  d.evReg,
		Logger:      d.logger,
		NewHandler:  dispatch.NewHandler,
	})

	d.mu.Lock()
	d.sessions[sess.ID()] = sess
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		sess.Run()
		if tr.Closer != nil {
			_ = tr.Closer.Close()
		}
		d.mu.Lock()
		delete(d.sessions, sess.ID())
		d.mu.Unlock()
		snap := sess.Metrics().Snapshot()
		d.logger.Infof("session closed session=%d ops=%d bytes=%d", sess.ID(), snap.TotalOps, snap.TotalBytes)
	}()
}

// teardownSessions forces every live session through its disconnect
// path. Safe against sessions finishing on their own concurrently.
func (d *daemon) teardownSessions() {
	d.mu.Lock()
	sessions := make([]*session.Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		sessions = append(sessions, s)
	}
	d.mu.Unlock()
	for _, s := range sessions {
		s.Teardown()
	}
}
