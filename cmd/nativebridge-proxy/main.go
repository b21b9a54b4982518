// nativebridge-proxy is the native messaging host a browser starts. It
// relays frames between its stdin/stdout and a running nativebridge-host,
// reconnecting whenever the host goes away.
//
// stdout carries frames only; logs go to stderr.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dropbox/nativebridge/config"
	"github.com/dropbox/nativebridge/errors"
	"github.com/dropbox/nativebridge/logging"
	"github.com/dropbox/nativebridge/nativemsg"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file (defaults apply when empty)")
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
	opts := cfg.Log.Options()
	opts.Output = os.Stderr
	logging.ConfigureWith(opts)
	defer logging.Flush()

	log := logging.Logger("proxy")
	log.Info().Str("socket_dir", cfg.Socket.Dir).Msg("starting native messaging proxy")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	proxy := &nativemsg.Proxy{
		Dial: func() (*nativemsg.Conn, error) {
			ep, err := nativemsg.ReadEndpoint(cfg.Socket.Dir)
			if err != nil {
				return nil, err
			}
			return nativemsg.DialLimit(ep.Path, ep.Token, cfg.Transport.MaxMessageSize)
		},
		RetryInterval:  cfg.Transport.RetryInterval.Duration,
		MaxMessageSize: cfg.Transport.MaxMessageSize,
	}
	if err := proxy.Run(ctx, os.Stdin, os.Stdout); err != nil {
		log.Error().Str("error", errors.GetMessage(err)).Msg("proxy failed")
		logging.Flush()
		os.Exit(1)
	}
}
