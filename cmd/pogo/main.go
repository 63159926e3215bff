package main

import (
	"os"

	"github.com/hamba/cmd"
	"gopkg.in/urfave/cli.v2"

	_ "github.com/joho/godotenv/autoload"
)

// Flag names, grounded in the teacher's cmd/app layout.
const (
	flagConfig          = "config"
	flagForeground      = "foreground"
	flagBind            = "bind"
	flagID              = "id"
	flagName            = "name"
	flagDataDir         = "data-dir"
	flagSerfAddr        = "serf-addr"
	flagEncryptKey      = "encrypt"
	flagRaftAddr        = "raft-addr"
	flagRaftAdvertise   = "raft-advertise"
	flagBootstrap       = "bootstrap"
	flagBootstrapExpect = "bootstrap-expect"
	flagJoin            = "join"
	flagWorkerBind      = "worker-bind"
	flagWorkerCert      = "worker-cert"
	flagWorkerKey       = "worker-key"
	flagWorkerCA        = "worker-ca"
)

var version = "¯\\_(ツ)_/¯"

var commands = []*cli.Command{
	{
		Name:  "agent",
		Usage: "Run a pogo dispatcher",
		Flags: cmd.Flags{
			&cli.StringFlag{
				Name:    flagConfig,
				Usage:   "Path to a YAML file providing defaults for any flag below.",
				EnvVars: []string{"POGO_CONFIG"},
			},
			&cli.BoolFlag{
				Name:    flagForeground,
				Usage:   "Run without daemonizing (this binary never daemonizes; flag kept for operator scripts).",
				EnvVars: []string{"POGO_FOREGROUND"},
			},
			&cli.StringFlag{
				Name:    flagBind,
				Usage:   "The address for the JSON-over-HTTP front-end to bind on.",
				EnvVars: []string{"POGO_BIND"},
			},
			&cli.StringFlag{
				Name:    flagID,
				Usage:   "This dispatcher's unique raft server id. Defaults to the hostname.",
				EnvVars: []string{"POGO_ID"},
			},
			&cli.StringFlag{
				Name:    flagName,
				Usage:   "The node name advertised over Serf.",
				EnvVars: []string{"POGO_NAME"},
			},
			&cli.StringFlag{
				Name:    flagDataDir,
				Usage:   "The path under which to store raft logs and serf snapshots.",
				EnvVars: []string{"POGO_DATA_DIR"},
			},
			&cli.StringFlag{
				Name:    flagSerfAddr,
				Usage:   "The address for Serf to bind on.",
				EnvVars: []string{"POGO_SERF_ADDR"},
			},
			&cli.StringFlag{
				Name:    flagEncryptKey,
				Usage:   "The base64 encryption key securing Serf gossip.",
				EnvVars: []string{"POGO_ENCRYPTION_KEY"},
			},
			&cli.StringFlag{
				Name:    flagRaftAddr,
				Usage:   "The address for Raft to bind on.",
				EnvVars: []string{"POGO_RAFT_ADDR"},
			},
			&cli.StringFlag{
				Name:    flagRaftAdvertise,
				Usage:   "The address Raft advertises to peers, if different from raft-addr.",
				EnvVars: []string{"POGO_RAFT_ADVERTISE"},
			},
			&cli.BoolFlag{
				Name:    flagBootstrap,
				Usage:   "Bootstrap a new fleet with this dispatcher as the first voter.",
				EnvVars: []string{"POGO_BOOTSTRAP"},
			},
			&cli.IntFlag{
				Name:    flagBootstrapExpect,
				Usage:   "The number of dispatchers expected before auto-bootstrapping.",
				EnvVars: []string{"POGO_EXPECT"},
			},
			&cli.StringSliceFlag{
				Name:    flagJoin,
				Usage:   "Serf addresses of existing dispatchers to join at startup.",
				EnvVars: []string{"POGO_JOIN"},
			},
			&cli.StringFlag{
				Name:    flagWorkerBind,
				Usage:   "The address for the worker TLS listener to bind on.",
				EnvVars: []string{"POGO_WORKER_BIND"},
			},
			&cli.StringFlag{
				Name:    flagWorkerCert,
				Usage:   "Server certificate for the worker listener.",
				EnvVars: []string{"POGO_WORKER_CERT"},
			},
			&cli.StringFlag{
				Name:    flagWorkerKey,
				Usage:   "Server key for the worker listener.",
				EnvVars: []string{"POGO_WORKER_KEY"},
			},
			&cli.StringFlag{
				Name:    flagWorkerCA,
				Usage:   "CA bundle worker client certificates are verified against.",
				EnvVars: []string{"POGO_WORKER_CA"},
			},
		}.Merge(cmd.CommonFlags),
		Action: runAgent,
	},
	{
		Name:   "keygen",
		Usage:  "Generate a Serf gossip encryption key",
		Action: runKeyGen,
	},
}

func newApp() *cli.App {
	return &cli.App{
		Name:     "pogo",
		Usage:    "Fleet command-execution dispatcher",
		Version:  version,
		Commands: commands,
	}
}

func main() {
	app := newApp()

	if err := app.Run(os.Args); err != nil {
		os.Exit(exitCodeFor(err))
	}
}
