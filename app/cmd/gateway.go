package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/dstorage/go-dstor/service/gateway"
	"github.com/dstorage/go-dstor/submodule/content"
)

const listenKwd = "listen"

var GatewayCmd = &cli.Command{
	Name:  "gateway",
	Usage: "Run the upload gateway",
	Subcommands: []*cli.Command{
		gatewayRunCmd,
	},
}

var gatewayRunCmd = &cli.Command{
	Name:  "run",
	Usage: "Accept uploads and add them to the content store",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  listenKwd,
			Usage: "listen multiaddr, overrides gateway.listenAddress",
		},
	},
	Action: func(cctx *cli.Context) error {
		rc, err := readRepoConfig(cctx)
		if err != nil {
			return err
		}
		cfg := rc.cfg

		opts := gateway.OptionsFrom(cfg)
		if opts.TempDir != "" {
			opts.TempDir = rc.resolve(opts.TempDir)
		}

		store := content.NewIPFS(cfg.Content.APIURL, cfg.Content.Timeout.Std())
		if !store.IsUp() {
			logger.Warnw("content daemon not reachable, uploads will fail until it is", "api", cfg.Content.APIURL)
		}

		listen := cfg.Gateway.ListenAddress
		if l := cctx.String(listenKwd); l != "" {
			listen = l
		}

		srv, err := gateway.Listen(gateway.New(store, opts), listen)
		if err != nil {
			return err
		}
		logger.Infow("gateway listening", "addr", srv.Addr().String())

		serveErr := make(chan error, 1)
		go func() {
			serveErr <- srv.Serve()
		}()

		sigCh := make(chan os.Signal, 2)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			logger.Infow("received signal, shutting down", "signal", sig.String())
		case err := <-serveErr:
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	},
}
