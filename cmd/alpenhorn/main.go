// Command alpenhorn is the daemon's process entry point (spec.md §1's "CLI
// (argument parsing, formatting, 'alpenhorn db init')" boundary).
//
// Grounded on original_source/alpenhorn/daemon/entry.py and
// original_source/alpenhorn/common/util.py's start_alpenhorn (config search,
// --conf, --once semantics) and cli/cli.py's "db init" subcommand, rebuilt
// on github.com/spf13/cobra (carried from rclone's subcommand trees; the
// teacher has no direct cobra dependency) with its flags declared via github.com/spf13/pflag
// instead of cobra's bundled copy, matching how rclone's own cobra commands
// build their flag sets directly on *pflag.FlagSet.
package main

import (
	"context"
	"fmt"
	"log/syslog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/radiocosmology/alpenhorn/autoimport"
	"github.com/radiocosmology/alpenhorn/cmn/config"
	"github.com/radiocosmology/alpenhorn/cmn/cos"
	"github.com/radiocosmology/alpenhorn/cmn/metrics"
	"github.com/radiocosmology/alpenhorn/cmn/nlog"
	"github.com/radiocosmology/alpenhorn/daemon"
	"github.com/radiocosmology/alpenhorn/extensions"
	"github.com/radiocosmology/alpenhorn/model"
	"github.com/radiocosmology/alpenhorn/queue"
	"github.com/radiocosmology/alpenhorn/update"
	"github.com/radiocosmology/alpenhorn/workerpool"
)

var version = "dev"

func main() {
	var confPath string
	var once bool

	root := &cobra.Command{
		Use:     "alpenhorn",
		Short:   "Alpenhorn distributed storage daemon",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(confPath, once)
		},
	}
	flags := pflag.NewFlagSet("alpenhorn", pflag.ExitOnError)
	flags.StringVarP(&confPath, "conf", "c", "", "path to an additional config file")
	flags.BoolVarP(&once, "once", "o", false, "run one update pass, drain the queue, then exit")
	root.Flags().AddFlagSet(flags)

	root.AddCommand(dbCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func dbCmd() *cobra.Command {
	db := &cobra.Command{Use: "db", Short: "Data index maintenance"}
	var confPath string
	init_ := &cobra.Command{
		Use:   "init",
		Short: "Create the data index schema on an empty database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(confPath)
			if err != nil {
				return err
			}
			gdb, err := model.Connect(cfg.Database.URL)
			if err != nil {
				return err
			}
			if err := model.Migrate(gdb); err != nil {
				return err
			}
			fmt.Println("alpenhorn: data index schema up to date")
			return nil
		},
	}
	init_.Flags().StringVarP(&confPath, "conf", "c", "", "path to an additional config file")
	db.AddCommand(init_)
	return db
}

func runDaemon(confPath string, once bool) error {
	cfg, err := config.Load(confPath)
	if err != nil {
		cos.Exitf("alpenhorn: config: %s", err)
	}

	host := cfg.Daemon.Host
	if host == "" {
		var herr error
		host, herr = os.Hostname()
		if herr != nil {
			return fmt.Errorf("alpenhorn: hostname: %w", herr)
		}
	}

	nlog.SetLevel(cfg.Logging.Level)
	if cfg.Logging.File.Name != "" {
		nlog.SetLogDirRole(filepath.Dir(cfg.Logging.File.Name), host)
		nlog.SetRotation(parseMaxBytes(cfg.Logging.File.MaxBytes), cfg.Logging.File.BackupCount)
	}
	if cfg.Logging.Syslog.Enable {
		network := "udp"
		if cfg.Logging.Syslog.UseTCP {
			network = "tcp"
		}
		addr := fmt.Sprintf("%s:%d", cfg.Logging.Syslog.Address, cfg.Logging.Syslog.Port)
		w, err := nlog.NewSyslog(network, addr, syslogFacility(cfg.Logging.Syslog.Facility), "alpenhorn")
		if err != nil {
			nlog.Warningf("alpenhorn: syslog: %s", err)
		} else {
			nlog.SetSyslog(w)
		}
	}

	gdb, err := model.Connect(cfg.Database.URL)
	if err != nil {
		return err
	}
	if err := model.Migrate(gdb); err != nil {
		return err
	}
	repo := model.NewRepository(gdb)

	reg, err := extensions.Load(nil)
	if err != nil {
		return err
	}

	ms := metrics.New()
	if cfg.Daemon.PromClientPort > 0 {
		addr := fmt.Sprintf(":%d", cfg.Daemon.PromClientPort)
		go func() {
			if err := ms.Serve(addr); err != nil {
				nlog.Errorf("alpenhorn: metrics server: %s", err)
			}
		}()
	}

	q := queue.New(ms)
	im := autoimport.New(repo, reg, ms)
	loop := update.NewLoop(repo, reg, q, im, ms, host)
	loop.AutoVerifyMinDays = cfg.Daemon.AutoVerifyMinDays
	loop.UpdateSkewThreshold = cfg.Daemon.UpdateSkewThreshold

	abort := workerpool.NewGlobalAbort()
	var pool daemon.Pool
	if cfg.Daemon.NumWorkers > 0 {
		pool = workerpool.New(cfg.Daemon.NumWorkers, q, abort, ms)
	} else {
		pool = workerpool.EmptyPool{}
	}

	d := daemon.New(loop, pool, q, abort, ms,
		secondsToDuration(cfg.Daemon.UpdateInterval),
		secondsToDuration(cfg.Daemon.SerialIOTimeout))

	mode := daemon.ExitContinuous
	if once {
		mode = daemon.ExitOnce
	}
	code := d.Run(context.Background(), mode)
	if code != 0 {
		os.Exit(code)
	}
	return nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func parseMaxBytes(s string) int64 {
	if s == "" {
		return 4 << 20
	}
	var n int64
	var unit byte
	if _, err := fmt.Sscanf(s, "%d%c", &n, &unit); err != nil {
		return 4 << 20
	}
	switch unit {
	case 'K', 'k':
		return n << 10
	case 'M', 'm':
		return n << 20
	case 'G', 'g':
		return n << 30
	default:
		return n
	}
}

func syslogFacility(name string) syslog.Priority {
	switch name {
	case "daemon":
		return syslog.LOG_DAEMON
	case "local0":
		return syslog.LOG_LOCAL0
	case "local1":
		return syslog.LOG_LOCAL1
	case "local2":
		return syslog.LOG_LOCAL2
	case "local3":
		return syslog.LOG_LOCAL3
	case "local4":
		return syslog.LOG_LOCAL4
	case "local5":
		return syslog.LOG_LOCAL5
	case "local6":
		return syslog.LOG_LOCAL6
	case "local7":
		return syslog.LOG_LOCAL7
	default:
		return syslog.LOG_USER
	}
}
