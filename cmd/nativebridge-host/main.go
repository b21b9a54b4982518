// nativebridge-host runs the bridge core behind a unix socket. Browser-side
// proxies find it through the endpoint file in socket.dir and exchange
// command requests and envelopes with it.
//
// On startup the socket path and token are printed to stdout, one per line.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dropbox/nativebridge/bridge"
	"github.com/dropbox/nativebridge/carrier"
	"github.com/dropbox/nativebridge/config"
	"github.com/dropbox/nativebridge/errors"
	"github.com/dropbox/nativebridge/logging"
	"github.com/dropbox/nativebridge/nativemsg"
	"github.com/dropbox/nativebridge/stats"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file (defaults apply when empty)")
	metricsAddr := flag.String("metrics-addr", "", "serve Prometheus metrics on this address (disabled when empty)")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, errors.GetMessage(err))
			os.Exit(2)
		}
		cfg = loaded
	}
	logging.ConfigureWith(cfg.Log.Options())
	defer logging.Flush()

	if err := run(cfg, *metricsAddr); err != nil {
		log := logging.Logger("host")
		log.Error().Str("error", errors.GetMessage(err)).Msg("host failed")
		logging.Flush()
		os.Exit(1)
	}
}

// Sends every envelope back to the client whose id is the delivery context.
type replier struct {
	server *nativemsg.Server
}

func (r *replier) Receive(ctx bridge.Context, payload *carrier.Carrier) bool {
	msg := payload.Bytes()
	payload.Release()
	if r.server == nil {
		return false
	}
	return r.server.Send(uint32(ctx), msg) == nil
}

func run(cfg config.Config, metricsAddr string) error {
	log := logging.Logger("host")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	factory := stats.NewPrometheusFactory(cfg.Metrics.Namespace, registry)

	out := &replier{}
	b := bridge.New(out, bridge.WithStats(factory))

	server, err := nativemsg.NewServer(
		nativemsg.ServerOptions{
			Dir:            cfg.Socket.Dir,
			MaxMessageSize: cfg.Transport.MaxMessageSize,
			Stats:          factory,
		},
		func(server *nativemsg.Server, event nativemsg.Event) {
			switch event.Kind {
			case nativemsg.Connected, nativemsg.Disconnected:
				log.Info().Uint32("client", event.ClientID).Stringer("event", event.Kind).Msg("client")
			case nativemsg.Message:
				b.Run(ctx, bridge.Context(event.ClientID), string(event.Message))
			}
		})
	if err != nil {
		return err
	}
	out.server = server

	ep := nativemsg.Endpoint{Path: server.Path(), Token: server.Token()}
	if err := nativemsg.WriteEndpoint(cfg.Socket.Dir, ep); err != nil {
		_ = server.Close()
		return err
	}
	defer func() { _ = nativemsg.RemoveEndpoint(cfg.Socket.Dir, ep) }()

	if _, err := fmt.Fprintf(os.Stdout, "%s\n%s\n", ep.Path, ep.Token); err != nil {
		_ = server.Close()
		return errors.WrapKind(err, errors.Transport, "writing endpoint to stdout")
	}

	if metricsAddr != "" {
		metrics := &http.Server{
			Addr:              metricsAddr,
			Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Str("error", err.Error()).Msg("metrics server failed")
			}
		}()
		defer metrics.Close()
	}

	log.Info().Str("socket", ep.Path).Msg("serving")
	return server.Serve(ctx)
}
