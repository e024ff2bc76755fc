package cmd

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lumalabs/risq/client"
	"github.com/lumalabs/risq/internal/env"
	"github.com/lumalabs/risq/transport"
)

var (
	httpHost string
	httpPort string
	consume  string
)

func init() {
	flags := StartCmd.PersistentFlags()

	flags.StringVarP(&httpHost, "host", "a", "0.0.0.0", "The host to listen for HTTP status requests on")
	flags.StringVar(&httpPort, "http-port", "7362", "The port to listen for HTTP status requests on")
	flags.StringVarP(&consume, "consume", "c", "", "If set, subscribe to this queue and echo every request back as its reply")
}

var StartCmd = &cobra.Command{
	Use:   "start",
	Short: "Connect to the configured controllers and serve a status endpoint",
	Long: `Start connects to the controller pool named by RISQ_CONTROLLERS,
optionally subscribes to a queue, and serves a small HTTP status endpoint
(health, a JSON snapshot of client state, and Prometheus metrics) until
interrupted.

Usage
	risq start
	risq start --consume work.queue

`,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
		defer signalStop()

		log, err := env.MakeLogger()
		if err != nil {
			return err
		}

		fileLimit, err := setFileLimit()
		if err != nil {
			return err
		}
		log.Info("Set file limit", zap.Uint64("fileLimit", fileLimit))

		conf, err := env.LoadConfig(ctx)
		if err != nil {
			return err
		}
		if len(conf.Controllers) == 0 {
			return errors.New("RISQ_CONTROLLERS must name at least one controller")
		}

		reactor, err := transport.NewEpollReactor(log)
		if err != nil {
			return err
		}
		defer reactor.Close()

		risqClient := client.New(reactor, log)

		registry := prometheus.NewRegistry()
		metrics, err := client.NewMetrics(registry, conf.MetricsNamespace)
		if err != nil {
			return err
		}
		risqClient.SetMetrics(metrics)

		for _, h := range conf.Controllers {
			if _, err := risqClient.AddController(h, uint16(conf.DefaultPort)); err != nil {
				return err
			}
		}

		if consume != "" {
			if _, err := risqClient.Consume(consume, 0, client.PriorityNormal, false,
				func(msg *client.Message) {
					if err := risqClient.Reply(msg, msg.Data()); err != nil {
						log.Warn("reply failed", zap.Error(err))
					}
				},
				func(sub *client.Subscription) {
					log.Info("consuming", zap.String("queue", sub.Name()), zap.Int("queueID", sub.QueueID()))
				},
				func(sub *client.Subscription) {
					log.Info("dropped", zap.String("queue", sub.Name()))
				},
				nil,
			); err != nil {
				return err
			}
		}

		router := setupRouter(conf.DebugHTTP, log)
		router.GET("/health", func(c *gin.Context) {
			c.String(http.StatusOK, "ok")
		})
		router.GET("/snapshot", func(c *gin.Context) {
			snap, err := risqClient.Snapshot()
			if err != nil {
				c.String(http.StatusInternalServerError, err.Error())
				return
			}
			c.Data(http.StatusOK, "application/json", []byte(snap))
		})
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

		s := &http.Server{
			Addr:    net.JoinHostPort(httpHost, httpPort),
			Handler: router,
		}

		// Initializing the server in a goroutine so that it won't block the
		// graceful shutdown handling below.
		go func() {
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Http server errored", zap.Error(err))
			}
		}()

		reactorErr := make(chan error, 1)
		go func() { reactorErr <- reactor.Run(ctx) }()

		log.Info("Listening",
			zap.Strings("controllers", conf.Controllers),
			zap.String("httpHost", httpHost),
			zap.String("httpPort", httpPort))

		select {
		case <-ctx.Done():
		case rerr := <-reactorErr:
			if rerr != nil && !errors.Is(rerr, context.Canceled) {
				log.Error("reactor exited", zap.Error(rerr))
			}
		}

		// Restore default behavior on the interrupt signal and notify user of shutdown.
		signalStop()
		log.Info("Shutting down gracefully, press Ctrl+C again to force")

		// The context is used to inform the server it has 5 seconds to finish
		// the request it is currently handling.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		s.SetKeepAlivesEnabled(false)
		if err := s.Shutdown(shutdownCtx); err != nil {
			log.Error("Http server forced to shutdown", zap.Error(err))
		}

		risqClient.Shutdown()

		log.Info("Exiting")
		return nil
	},
}

func setupRouter(debugHTTP bool, log *zap.Logger) *gin.Engine {
	gin.DisableConsoleColor()
	if !debugHTTP {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// Add a ginzap middleware, which:
	//   - Logs all requests, like a combined access and error log.
	//   - Logs through the given zap logger.
	//   - RFC3339 with UTC time format.
	r.Use(ginzap.Ginzap(log, time.RFC3339, true))

	r.Use(ginzap.GinzapWithConfig(log, &ginzap.Config{
		TimeFormat: time.RFC3339,
		UTC:        true,
		SkipPaths:  []string{"/health"},
	}))

	// Logs all panic to error log
	//   - stack means whether output the stack info.
	r.Use(ginzap.RecoveryWithZap(log, true))

	return r
}

func setFileLimit() (uint64, error) {
	var rLimit syscall.Rlimit

	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	rLimit.Cur = rLimit.Max
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	return rLimit.Cur, nil
}
