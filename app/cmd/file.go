package cmd

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mgutz/ansi"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/dstorage/go-dstor/lib/types"
	"github.com/dstorage/go-dstor/lib/utils"
	"github.com/dstorage/go-dstor/service/admin"
	"github.com/dstorage/go-dstor/service/gateway"
	"github.com/dstorage/go-dstor/submodule/connect/settle"
)

const (
	gatewayKwd     = "gateway"
	registerKwd    = "register"
	shareKwd       = "share"
	nameKwd        = "name"
	typeKwd        = "type"
	sizeKwd        = "size"
	hostKwd        = "host"
	replicationKwd = "replication"
)

var FileCmd = &cli.Command{
	Name:  "file",
	Usage: "Upload, register and share files",
	Subcommands: []*cli.Command{
		fileUploadCmd,
		fileRegisterCmd,
		fileShareCmd,
		fileGetCmd,
	},
}

var registrationFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  typeKwd,
		Usage: "file type, guessed from the name when empty",
	},
	&cli.StringSliceFlag{
		Name:  hostKwd,
		Usage: "identity of a hosting node, repeatable; defaults to registered nodes",
	},
	&cli.Uint64Flag{
		Name:  replicationKwd,
		Usage: "replication factor",
		Value: 1,
	},
}

var fileUploadCmd = &cli.Command{
	Name:      "upload",
	Usage:     "Upload a file to a gateway and print its content id",
	ArgsUsage: "<path>",
	Flags: append([]cli.Flag{
		passwordFlag,
		&cli.StringFlag{
			Name:  gatewayKwd,
			Usage: "gateway url",
			Value: "http://127.0.0.1:3000",
		},
		&cli.BoolFlag{
			Name:  registerKwd,
			Usage: "register the uploaded file on the ledger",
		},
		&cli.StringFlag{
			Name:  shareKwd,
			Usage: "after registering, share the file with this identity",
		},
	}, registrationFlags...),
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return xerrors.New("need the path of one file")
		}
		p := cctx.Args().First()

		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()

		fi, err := f.Stat()
		if err != nil {
			return err
		}
		if fi.IsDir() {
			return xerrors.Errorf("%s is a directory", p)
		}

		bar := progressbar.DefaultBytes(fi.Size(), "upload")
		pr := progressbar.NewReader(f, bar)

		cid, err := gateway.Upload(cctx.Context, cctx.String(gatewayKwd), fi.Name(), &pr)
		if err != nil {
			return err
		}
		bar.Finish() // nolint:errcheck
		fmt.Println()

		fmt.Println("cid:", ansi.Color(cid, "green"))

		if !cctx.Bool(registerKwd) {
			if cctx.String(shareKwd) != "" {
				return xerrors.New("--share needs --register")
			}
			return nil
		}

		return registerAndShare(cctx, &types.FileRegistration{
			ContentID: cid,
			FileName:  fi.Name(),
			Size:      uint64(fi.Size()),
		}, cctx.String(shareKwd))
	},
}

var fileRegisterCmd = &cli.Command{
	Name:      "register",
	Usage:     "Register content already in the content store",
	ArgsUsage: "<cid>",
	Flags: append([]cli.Flag{
		passwordFlag,
		&cli.StringFlag{
			Name:     nameKwd,
			Usage:    "file name",
			Required: true,
		},
		&cli.Uint64Flag{
			Name:  sizeKwd,
			Usage: "size in bytes",
		},
	}, registrationFlags...),
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return xerrors.New("need one content id")
		}
		return registerAndShare(cctx, &types.FileRegistration{
			ContentID: cctx.Args().First(),
			FileName:  cctx.String(nameKwd),
			Size:      cctx.Uint64(sizeKwd),
		}, "")
	},
}

var fileShareCmd = &cli.Command{
	Name:      "share",
	Usage:     "Grant an identity read access to a registered file",
	ArgsUsage: "<cid> <recipient>",
	Flags: []cli.Flag{
		passwordFlag,
	},
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 2 {
			return xerrors.New("need a content id and a recipient")
		}
		cid, recipient := cctx.Args().Get(0), cctx.Args().Get(1)
		if _, err := settle.ParseIdentity(recipient); err != nil {
			return err
		}

		rc, err := readRepoConfig(cctx)
		if err != nil {
			return err
		}
		ledger, err := signedLedger(cctx, rc)
		if err != nil {
			return err
		}
		defer ledger.Close()

		if err := ledger.ShareFile(cctx.Context, cid, recipient); err != nil {
			return err
		}
		fmt.Printf("shared %s with %s\n", cid, recipient)
		return nil
	},
}

var fileGetCmd = &cli.Command{
	Name:      "get",
	Usage:     "Print the ledger record of a file",
	ArgsUsage: "<cid>",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return xerrors.New("need one content id")
		}

		rc, err := readRepoConfig(cctx)
		if err != nil {
			return err
		}
		ledger, err := readLedger(cctx.Context, rc)
		if err != nil {
			return err
		}
		defer ledger.Close()

		f, err := ledger.GetFile(cctx.Context, cctx.Args().First())
		if err != nil {
			return err
		}

		fmt.Print(FormatFileRecord(f))
		return nil
	},
}

func FormatFileRecord(f *types.FileRecord) string {
	return fmt.Sprintf(
		`CID: %s
Name: %s
Type: %s
Size: %s
Owner: %s
Replication: %d
Hosts: %s
Shared With: %s
`,
		ansi.Color(f.ContentID, "green"),
		f.FileName,
		f.FileType,
		utils.FormatBytes(f.Size),
		f.Owner,
		f.ReplicationFactor,
		strings.Join(f.Hosts, ", "),
		strings.Join(f.SharedWith, ", "),
	)
}

// registerAndShare fills type, hosts and replication from the flags and
// signs the registration, then the share when recipient is set.
func registerAndShare(cctx *cli.Context, reg *types.FileRegistration, recipient string) error {
	if recipient != "" {
		if _, err := settle.ParseIdentity(recipient); err != nil {
			return err
		}
	}

	reg.FileType = cctx.String(typeKwd)
	if reg.FileType == "" {
		reg.FileType = mime.TypeByExtension(filepath.Ext(reg.FileName))
	}
	if reg.FileType == "" {
		reg.FileType = "application/octet-stream"
	}
	reg.ReplicationFactor = cctx.Uint64(replicationKwd)

	rc, err := readRepoConfig(cctx)
	if err != nil {
		return err
	}
	ledger, err := signedLedger(cctx, rc)
	if err != nil {
		return err
	}
	defer ledger.Close()

	reg.Hosts = cctx.StringSlice(hostKwd)
	for _, h := range reg.Hosts {
		if _, err := settle.ParseIdentity(h); err != nil {
			return err
		}
	}
	if len(reg.Hosts) == 0 {
		n, err := admin.FetchNetwork(cctx.Context, ledger, time.Now())
		if err != nil {
			return err
		}
		reg.Hosts = n.PickHosts(int(reg.ReplicationFactor))
		if len(reg.Hosts) == 0 {
			return xerrors.New("no registered node to host the file; pass --host")
		}
	}

	if err := reg.Validate(); err != nil {
		return err
	}

	if err := ledger.RegisterFile(cctx.Context, reg); err != nil {
		return err
	}
	fmt.Printf("registered %s (%s, %s) on %s\n", reg.ContentID, reg.FileName, reg.FileType, strings.Join(reg.Hosts, ", "))

	if recipient == "" {
		return nil
	}
	if err := ledger.ShareFile(cctx.Context, reg.ContentID, recipient); err != nil {
		return err
	}
	fmt.Printf("shared %s with %s\n", reg.ContentID, recipient)
	return nil
}
