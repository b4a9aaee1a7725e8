package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/calder-io/frameserv/internal/a12"
	"github.com/calder-io/frameserv/internal/config"
	"github.com/calder-io/frameserv/internal/keystore"
	"github.com/calder-io/frameserv/internal/logger"
	"github.com/calder-io/frameserv/internal/proxy"
)

func main() {
	// -exec swallows the rest of the command line; split it off before
	// flag parsing sees it.
	rawArgs := os.Args[1:]
	var execPath string
	var execArgs []string
	cliArgs := rawArgs
	for i, a := range rawArgs {
		if a == "-exec" || a == "--exec" {
			if i+1 >= len(rawArgs) {
				fmt.Fprintln(os.Stderr, "-exec requires a binary")
				os.Exit(1)
			}
			execPath = rawArgs[i+1]
			execArgs = rawArgs[i+2:]
			cliArgs = rawArgs[:i]
			break
		}
	}

	root := rootCmd(rawArgs, execPath, execArgs)
	root.SetArgs(cliArgs)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd(rawArgs []string, execPath string, execArgs []string) *cobra.Command {
	var (
		srvPoint   string
		inheritFD  int
		listenPort string
		single     bool
		retry      int
		traceSpec  string
		noRedirect bool
		sessionFD  int
	)

	cmd := &cobra.Command{
		Use:   "fsrv-net",
		Short: "bridge shmif endpoints over an authenticated a12 stream",
		Long: "fsrv-net connects a local shmif server or client to a remote peer.\n" +
			"Modes:\n" +
			"  -s cp [tag@]host port    forward a local connpoint to a remote host\n" +
			"  -S fd host port          same, with an inherited shmif descriptor\n" +
			"  -l port [host]           accept inbound peers for a local connpoint\n" +
			"  -l port [host] -exec bin args...\n" +
			"                           spawn bin as the local client per connection\n" +
			"Trace groups: " + strings.Join(a12.TraceGroups(), ","),
		SilenceUsage: true,
		Args:         cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := logger.Init(cfg.Proxy.LogLevel, cfg.Proxy.LogFile); err != nil {
				return err
			}
			if err := cfg.EnsureCacheDir(); err != nil {
				return fmt.Errorf("blob cache: %w", err)
			}

			if traceSpec == "" {
				traceSpec = cfg.Proxy.Trace
			}
			if !cmd.Flags().Changed("retry") {
				retry = cfg.Proxy.RetryCount
			}
			trace, err := a12.ParseTrace(traceSpec)
			if err != nil {
				return err
			}

			opts := proxy.Options{
				InheritFD:     -1,
				Single:        single || cfg.Proxy.SingleClient,
				Retry:         retry,
				Trace:         trace,
				NoRedirect:    noRedirect || cfg.Proxy.NoRedirect,
				RedirectPoint: cfg.ConnPath,
				ExecPath:      execPath,
				ExecArgs:      execArgs,
				ChildArgs:     append([]string{"--session-fd", "3"}, rawArgs...),
			}
			if cfg.StatePath != "" {
				ks, err := keystore.Open(cfg.StatePath)
				if err != nil {
					return err
				}
				defer ks.Close()
				opts.Keystore = ks
			}

			switch {
			case srvPoint != "":
				if len(args) != 2 {
					return fmt.Errorf("-s needs [tag@]host port")
				}
				opts.Mode = proxy.ModeSrv
				opts.Connpoint = srvPoint
				opts.Tag, opts.Host = splitTagHost(args[0])
				opts.Port = args[1]
			case inheritFD >= 0:
				if len(args) != 2 {
					return fmt.Errorf("-S needs fd host port")
				}
				opts.Mode = proxy.ModeSrvInherit
				opts.InheritFD = inheritFD
				opts.Tag, opts.Host = splitTagHost(args[0])
				opts.Port = args[1]
			case listenPort != "":
				opts.Mode = proxy.ModeCl
				if execPath != "" {
					opts.Mode = proxy.ModeExec
				}
				opts.ListenPort = listenPort
				if len(args) > 1 {
					return fmt.Errorf("-l takes at most one host")
				}
				if len(args) == 1 {
					opts.ListenHost = args[0]
				}
				opts.Connpoint = cfg.ConnPath
				opts.InheritFD = sessionFD
			default:
				return cmd.Help()
			}

			ctx, stop := signal.NotifyContext(context.Background(),
				os.Interrupt, syscall.SIGTERM)
			defer stop()

			if ks := opts.Keystore; ks != nil {
				if err := ks.Watch(ctx); err != nil {
					logger.Warn("keystore watch unavailable", "err", err)
				}
			}
			return proxy.Run(ctx, opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&srvPoint, "source", "s", "", "forward-local server mode: connpoint")
	f.IntVarP(&inheritFD, "source-fd", "S", -1, "inherited-socket variant: descriptor")
	f.StringVarP(&listenPort, "listen", "l", "", "inbound server mode: port")
	f.BoolVarP(&single, "single", "t", false, "serve one client at a time, no fork")
	f.IntVarP(&retry, "retry", "r", 0, "retry-connect count, negative retries forever")
	f.StringVarP(&traceSpec, "trace", "d", "", "trace bitmap, decimal or group names")
	f.BoolVarP(&noRedirect, "no-redirect", "X", false, "disable exit-redirect to ARCAN_CONNPATH")
	f.IntVar(&sessionFD, "session-fd", -1, "")
	f.MarkHidden("session-fd")

	cmd.AddCommand(keystoreCmd())
	return cmd
}

func splitTagHost(s string) (tag, host string) {
	if i := strings.IndexByte(s, '@'); i >= 0 {
		return s[:i], s[i+1:]
	}
	return "", s
}

func keystoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keystore tag host [port]",
		Short: "Register a tag binding and print its public key",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.StatePath == "" {
				return fmt.Errorf("no state directory: set %s", config.EnvStatePath)
			}
			ks, err := keystore.Open(cfg.StatePath)
			if err != nil {
				return err
			}
			defer ks.Close()

			port := 6680
			if len(args) == 3 {
				port, err = strconv.Atoi(args[2])
				if err != nil || port < 1 || port > 65535 {
					return fmt.Errorf("invalid port %q", args[2])
				}
			}
			pub, err := ks.Register(args[0], args[1], port)
			if err != nil {
				return err
			}
			fmt.Printf("%s %s:%d\n%s\n", args[0], args[1], port,
				base64.StdEncoding.EncodeToString(pub))
			return nil
		},
	}
}
