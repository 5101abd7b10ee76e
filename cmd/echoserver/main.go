// Command echoserver is the demonstration server (SPEC_FULL.md component
// C8): it wires the object/weak-reference core, the deferred processor,
// the informer, the epoll poll group, and the connection-receiver stream
// adapters together into a runnable WebSocket echo service, so that the
// dispatch contracts in the core have a real, end-to-end consumer.
package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/sys/unix"

	"github.com/erdizz/libmary/internal/config"
	"github.com/erdizz/libmary/internal/deferred"
	"github.com/erdizz/libmary/internal/monitoring"
	"github.com/erdizz/libmary/internal/object"
	"github.com/erdizz/libmary/internal/pollgroup"
	"github.com/erdizz/libmary/internal/streams"
	"github.com/erdizz/libmary/internal/tcpserver"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config error: " + err.Error() + "\n")
		os.Exit(1)
	}
	if *debug {
		cfg.LogLevel = monitoring.LogLevelDebug
		cfg.LogFormat = monitoring.LogFormatPretty
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:     cfg.LogLevel,
		Format:    cfg.LogFormat,
		Component: "echoserver",
	})
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Fields(cfg.LogFields()).Msg("starting")

	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg)

	lc := object.NewLocalContext()
	proc := deferred.New(nil)

	group, err := pollgroup.Open(proc, lc)
	if err != nil {
		logger.Fatal().Err(err).Msg("opening poll group")
	}

	srvState := newEchoServer(group, proc, metrics, logger, cfg)

	srv, err := tcpserver.Listen(cfg.ListenAddr, group, srvState.onAccept)
	if err != nil {
		logger.Fatal().Err(err).Msg("listening")
	}
	logger.Info().Str("addr", srv.Addr().String()).Msg("listening")

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server")
		}
	}()

	sampleCtx, cancelSampler := context.WithCancel(context.Background())
	defer cancelSampler()
	if sampler, err := monitoring.NewProcessSampler(); err != nil {
		logger.Error().Err(err).Msg("process sampler unavailable")
	} else {
		sampler.Subscribe(func(s monitoring.ProcessSample) {
			logger.Debug().Float64("cpu_percent", s.CPUPercent).Uint64("rss_bytes", s.MemoryRSSByte).Msg("process sample")
		})
		go sampler.Run(sampleCtx, cfg.MetricsInterval)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		defer monitoring.RecoverPanic(logger, "poll-loop", nil)
		for ctx.Err() == nil {
			if err := group.Poll(200 * time.Millisecond); err != nil {
				logger.Error().Err(err).Msg("poll cycle failed")
			}
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()
	metricsServer.Shutdown(shutdownCtx)

	srv.Close()
	<-loopDone
	logger.Info().Msg("stopped")
}

// echoServer accepts raw TCP connections, performs the WebSocket handshake
// on a dedicated goroutine per connection, then hands the connection's
// steady-state traffic off to the shared poll group. Each connection's
// teardown runs through the object core: a connection is an *object.Object
// whose finalizer closes its file descriptor, guarded by the same
// weak-reference discipline the poll group itself relies on.
type echoServer struct {
	group   *pollgroup.PollGroup
	proc    *deferred.Processor
	metrics *monitoring.Metrics
	logger  zerolog.Logger
	cfg     *config.Config

	mu    sync.Mutex
	count int
}

func newEchoServer(group *pollgroup.PollGroup, proc *deferred.Processor, metrics *monitoring.Metrics, logger zerolog.Logger, cfg *config.Config) *echoServer {
	return &echoServer{group: group, proc: proc, metrics: metrics, logger: logger, cfg: cfg}
}

func (s *echoServer) onAccept(fd int, remote net.Addr) {
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return
	}

	s.mu.Lock()
	s.count++
	count := s.count
	s.mu.Unlock()
	if count > s.cfg.MaxConnections {
		s.mu.Lock()
		s.count--
		s.mu.Unlock()
		unix.Close(fd)
		return
	}

	go s.handshakeAndServe(fd, remote)
}

// handshakeAndServe performs the (blocking) WebSocket handshake on its own
// goroutine so the poll group's event loop is never stalled by a slow
// client, then registers the connection's steady-state traffic with the
// shared poll group.
func (s *echoServer) handshakeAndServe(fd int, remote net.Addr) {
	file := os.NewFile(uintptr(fd), remote.String())
	netConn, err := net.FileConn(file)
	if err != nil {
		s.connectionClosed()
		file.Close()
		return
	}

	if _, err := ws.Upgrade(netConn); err != nil {
		s.logger.Debug().Err(err).Str("remote", remote.String()).Msg("websocket handshake failed")
		s.connectionClosed()
		netConn.Close()
		file.Close()
		return
	}

	s.metrics.ObjectsCreated.Inc()
	s.metrics.ObjectsLive.Inc()

	owner := object.New(func() {
		netConn.Close()
		file.Close()
		s.metrics.ObjectsFinalized.Inc()
		s.metrics.ObjectsLive.Dec()
		s.connectionClosed()
	})

	out := streams.NewFdOutputStream(fd)
	recv := streams.NewConnectionReceiver(fd, &connReader{fd: fd}, s.cfg.ReceiveBufferBytes, s.proc)

	key, err := s.group.AddPollable(recv, owner)
	if err != nil {
		owner.Unref()
		return
	}
	s.metrics.PollablesRegistered.Inc()

	recv.SetInputFrontend(
		func(data []byte) int { return s.echo(data, out) },
		func(err error) {
			s.metrics.PollablesRegistered.Dec()
			s.group.RemovePollable(key)
			owner.Unref()
		},
	)
}

func (s *echoServer) connectionClosed() {
	s.mu.Lock()
	s.count--
	s.mu.Unlock()
}

// echo decodes as many complete WebSocket frames as are present in data and
// writes each text or binary payload straight back to the client, returning
// how many bytes of data it fully consumed.
func (s *echoServer) echo(data []byte, out streams.AsyncOutputStream) int {
	consumed := 0
	r := &byteReader{buf: data}
	for {
		msg, err := wsutil.ReadClientData(r)
		if err != nil {
			break
		}
		consumed = r.pos
		switch msg.OpCode {
		case ws.OpText, ws.OpBinary:
			if err := wsutil.WriteServerMessage(out, msg.OpCode, msg.Payload); err != nil {
				s.logger.Debug().Err(err).Msg("echo write failed")
			}
		case ws.OpClose:
			return len(data)
		}
	}
	return consumed
}

// connReader adapts a non-blocking raw file descriptor to streams.RawReader.
type connReader struct{ fd int }

func (c *connReader) Read(b []byte) (int, error) {
	n, err := unix.Read(c.fd, b)
	if err != nil {
		if err == unix.EAGAIN {
			return 0, streams.ErrWouldBlock
		}
		return n, err
	}
	if n == 0 {
		return 0, streams.ErrWouldBlock
	}
	return n, nil
}

// byteReader lets wsutil parse successive frames out of an in-memory slice
// while tracking how much of it has been consumed so far.
type byteReader struct {
	buf []byte
	pos int
}

func (r *byteReader) Read(b []byte) (int, error) {
	if r.pos >= len(r.buf) {
		return 0, os.ErrClosed
	}
	n := copy(b, r.buf[r.pos:])
	r.pos += n
	return n, nil
}
