package cmd

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/dstorage/go-dstor/config"
	netutils "github.com/dstorage/go-dstor/lib/utils/net"
)

const (
	allowLoopbackKwd = "allow-loopback"
	publicKwd        = "public"
)

var NetCmd = &cli.Command{
	Name:  "net",
	Usage: "Inspect the network view of this host",
	Subcommands: []*cli.Command{
		netEndpointCmd,
	},
}

var netEndpointCmd = &cli.Command{
	Name:  "endpoint",
	Usage: "Print the endpoint the daemon would announce",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  allowLoopbackKwd,
			Usage: "print the loopback endpoint instead of failing when no address is usable",
		},
		&cli.BoolFlag{
			Name:  publicKwd,
			Usage: "also print the address this host is seen from",
		},
	},
	Action: func(cctx *cli.Context) error {
		// an uninitialized repo falls back to the defaults
		ic := config.NewDefaultConfig().Identity
		if rc, err := readRepoConfig(cctx); err == nil {
			ic = rc.cfg.Identity
		}

		det := &netutils.Detector{
			Exclude: ic.ExcludeInterfaces,
			Scheme:  ic.EndpointScheme,
			Port:    ic.EndpointPort,
		}

		ep, err := det.Detect()
		if err != nil {
			if !cctx.Bool(allowLoopbackKwd) {
				return err
			}
			logger.Warnw("no usable address, using loopback", "error", err)
			ep, err = netutils.FormatEndpoint(net.IPv4(127, 0, 0, 1), ic.EndpointScheme, ic.EndpointPort)
			if err != nil {
				return err
			}
		}
		fmt.Println(ep)

		if ic.Endpoint != "" && ic.Endpoint != ep {
			fmt.Println("configured:", ic.Endpoint)
		}

		if cctx.Bool(publicKwd) {
			ctx, cancel := context.WithTimeout(cctx.Context, 10*time.Second)
			defer cancel()
			ip, err := netutils.GetPublicIP(ctx)
			if err != nil {
				return xerrors.Errorf("public address: %w", err)
			}
			fmt.Println("public:", ip)
		}
		return nil
	},
}
