package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mgutz/ansi"
	"github.com/urfave/cli/v2"

	"github.com/dstorage/go-dstor/api/client"
	"github.com/dstorage/go-dstor/app/minit"
	"github.com/dstorage/go-dstor/lib/utils"
	netutils "github.com/dstorage/go-dstor/lib/utils/net"
	"github.com/dstorage/go-dstor/service/agent"
	"github.com/dstorage/go-dstor/submodule/content"
)

const (
	apiAddrKwd     = "api"
	endpointKwd    = "endpoint"
	stopTimeoutKwd = "stop-timeout"
)

var DaemonCmd = &cli.Command{
	Name:  "daemon",
	Usage: "Run a storage node agent.",

	Subcommands: []*cli.Command{
		daemonStartCmd,
		daemonStopCmd,
		daemonStatusCmd,
	},
}

var daemonStartCmd = &cli.Command{
	Name:  "start",
	Usage: "Start a dstor daemon",
	Flags: []cli.Flag{
		passwordFlag,
		&cli.StringFlag{
			Name:  apiAddrKwd,
			Usage: "set the api addr to use",
		},
		&cli.StringFlag{
			Name:  endpointKwd,
			Usage: "advertise this endpoint instead of detecting one",
		},
		&cli.DurationFlag{
			Name:  stopTimeoutKwd,
			Usage: "how long to wait for running pins on shutdown",
			Value: 30 * time.Second,
		},
	},
	Action: func(cctx *cli.Context) error {
		return daemonStartFunc(cctx)
	},
}

var daemonStopCmd = &cli.Command{
	Name:  "stop",
	Usage: "Stop a running dstor daemon",
	Action: func(cctx *cli.Context) error {
		return daemonStopFunc(cctx)
	},
}

var daemonStatusCmd = &cli.Command{
	Name:  "status",
	Usage: "Print the status of a running dstor daemon",
	Action: func(cctx *cli.Context) error {
		dir, err := repoDir(cctx)
		if err != nil {
			return err
		}
		addr, headers, err := client.GetAgentClientInfo(dir)
		if err != nil {
			return err
		}

		napi, closer, err := client.NewAgentClient(cctx.Context, addr, headers)
		if err != nil {
			return err
		}
		defer closer()

		st, err := napi.AgentStatus(cctx.Context)
		if err != nil {
			return err
		}

		fmt.Println(ansi.Color("----------- Agent Information -----------", "green"))
		fmt.Println("Identity:  ", st.Identity)
		fmt.Println("State:     ", st.State)
		fmt.Println("Endpoint:  ", st.Endpoint)
		if st.Node != nil {
			fmt.Println("Registered:", st.Node.IsRegistered)
			fmt.Printf("Capacity:   %s free / %s total\n", utils.FormatBytes(st.Node.FreeCapacity), utils.FormatBytes(st.Node.TotalCapacity))
			fmt.Println("Reputation:", st.Node.Reputation)
		}
		if st.LastHeartbeat > 0 {
			fmt.Println("Heartbeat: ", time.Unix(st.LastHeartbeat, 0).Format(time.RFC3339))
		}
		if st.LastHeartbeatErr != "" {
			fmt.Println("Heartbeat error:", ansi.Color(st.LastHeartbeatErr, "red"))
		}
		fmt.Printf("Pins:       %d ok, %d failed, %d in flight\n", st.PinsOK, st.PinsFailed, st.InFlight)
		return nil
	},
}

// daemonStartFunc builds the agent from the repo and runs it until a
// signal or a Shutdown call.
func daemonStartFunc(cctx *cli.Context) (_err error) {
	logger.Info("Initializing daemon...")

	ctx, cancel := context.WithCancel(cctx.Context)
	defer cancel()

	minit.PrintVersion()
	minit.RecordVersion(ctx)

	stopFunc, err := minit.ProfileIfEnabled()
	if err != nil {
		return err
	}
	defer stopFunc()

	rep, err := openRepo(cctx)
	if err != nil {
		return err
	}
	defer rep.Close()

	cfg := rep.Config()
	if apiAddr := cctx.String(apiAddrKwd); apiAddr != "" {
		cfg.API.APIAddress = apiAddr
	}
	if ep := cctx.String(endpointKwd); ep != "" {
		cfg.Identity.Endpoint = ep
	}

	ledger, err := signedLedger(cctx, &repoConfig{path: rep.Path(), cfg: cfg})
	if err != nil {
		return err
	}
	defer ledger.Close()

	store := content.NewIPFS(cfg.Content.APIURL, cfg.Content.Timeout.Std())
	if !store.IsUp() {
		logger.Warnw("content daemon not reachable, pins will fail until it is", "api", cfg.Content.APIURL)
	}

	capacity := cfg.Identity.Capacity
	if capacity == 0 {
		capacity, err = utils.DiskFree(rep.Path())
		if err != nil {
			return err
		}
		logger.Infow("declaring free disk space as capacity", "capacity", utils.FormatBytes(capacity))
	}

	det := &netutils.Detector{
		Exclude: cfg.Identity.ExcludeInterfaces,
		Scheme:  cfg.Identity.EndpointScheme,
		Port:    cfg.Identity.EndpointPort,
	}

	node, err := agent.New(agent.ConfigFrom(cfg, capacity), agent.LedgerDeps(ledger, store, det, rep.MetaStore()))
	if err != nil {
		return err
	}

	if err := node.Start(ctx); err != nil {
		return err
	}

	debug, err := minit.DebugHandlers()
	if err != nil {
		return err
	}

	var metricsSrv *http.Server
	if cfg.Metrics.ListenAddress != "" {
		metricsSrv, err = minit.ServeMetrics(cfg.Metrics.ListenAddress, debug)
		if err != nil {
			logger.Warnw("metrics server not started", "error", err)
		}
	}

	rpcSrv, err := agent.ListenRPC(node, cfg.API.APIAddress, rep.Path(), debug)
	if err != nil {
		node.Stop(context.Background())
		return err
	}

	rpcErr := make(chan error, 1)
	go func() {
		rpcErr <- rpcSrv.Serve()
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logger.Infow("received signal, shutting down", "signal", sig.String())
	case <-node.ShutdownChan():
		logger.Info("shutdown requested")
	case err := <-rpcErr:
		logger.Errorw("api server stopped", "error", err)
	}

	sctx, scancel := context.WithTimeout(context.Background(), cctx.Duration(stopTimeoutKwd))
	defer scancel()

	if err := node.Stop(sctx); err != nil {
		logger.Warnw("agent stop", "error", err)
	}
	if err := rpcSrv.Shutdown(sctx); err != nil {
		logger.Warnw("api server shutdown", "error", err)
	}
	if metricsSrv != nil {
		metricsSrv.Shutdown(sctx) // nolint:errcheck
	}

	logger.Info("daemon stopped")
	return nil
}

// stop a node
func daemonStopFunc(cctx *cli.Context) (_err error) {
	dir, err := repoDir(cctx)
	if err != nil {
		return err
	}
	addr, headers, err := client.GetAgentClientInfo(dir)
	if err != nil {
		return err
	}

	napi, closer, err := client.NewAgentClient(cctx.Context, addr, headers)
	if err != nil {
		return err
	}
	defer closer()

	return napi.Shutdown(cctx.Context)
}
