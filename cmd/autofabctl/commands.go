package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/danmuck/autofab/internal/auth"
	"github.com/danmuck/autofab/internal/client"
	"github.com/danmuck/autofab/internal/config"
	"github.com/danmuck/autofab/internal/discovery"
)

var errUsage = errors.New("usage")

const usage = `usage: autofabctl <command> [flags]

commands:
  peers     [--watch]                    list discovered peer addresses
  hello                                  probe every peer for WORLD
  register                               send this identity's public key to every peer
  launch    [--register] [--swallow] -- <command...>
                                         sign and launch a command on every peer
  shutdown  [--force] [--swallow]        stop launched processes on every peer
  kill      [--swallow]                  shutdown --force
  config    init <path> [--force] | show write the template or print the effective config

common flags:
  -c, --config PATH        autofab.toml (default ~/.autofab/autofab.toml when present)
      --config-dir DIR     identity and trust store directory
      --discovery MODE     mdns|static|none
  -p, --peer HOST[:PORT]   explicit peer; repeatable; implies --discovery static
      --advertise ADDR     claimed local address
      --timeout DURATION   per-request timeout
`

type common struct {
	path      string
	configDir string
	mode      string
	peers     []string
	advertise string
	timeout   time.Duration
}

func bindCommon(fs *pflag.FlagSet) *common {
	c := &common{}
	fs.StringVarP(&c.path, "config", "c", "", "path to autofab.toml")
	fs.StringVar(&c.configDir, "config-dir", "", "identity and trust store directory")
	fs.StringVar(&c.mode, "discovery", "", "discovery mode: mdns|static|none")
	fs.StringSliceVarP(&c.peers, "peer", "p", nil, "explicit peer host[:port]; repeatable")
	fs.StringVar(&c.advertise, "advertise", "", "claimed local address")
	fs.DurationVar(&c.timeout, "timeout", 0, "per-request timeout")
	return c
}

func (c *common) resolve(fs *pflag.FlagSet) (config.Config, error) {
	cfg, err := config.Resolve(c.path)
	if err != nil {
		return config.Config{}, err
	}
	if fs.Changed("config-dir") {
		cfg.ConfigDir = config.ExpandHome(c.configDir)
	}
	if fs.Changed("discovery") {
		cfg.Discovery.Mode = config.DiscoveryMode(c.mode)
	}
	if len(c.peers) > 0 {
		cfg.Discovery.Mode = config.DiscoveryStatic
		cfg.Discovery.Peers = c.peers
	}
	if fs.Changed("advertise") {
		cfg.Client.AdvertiseAddr = c.advertise
	}
	if fs.Changed("timeout") {
		cfg.Client.RequestTimeout = c.timeout
	}
	return cfg, cfg.Validate()
}

func source(cfg config.Config) (discovery.Source, error) {
	switch cfg.Discovery.Mode {
	case config.DiscoveryMDNS:
		return discovery.NewBrowser(cfg.Discovery.Service, cfg.Discovery.Domain, discovery.DefaultBrowseTimeout), nil
	case config.DiscoveryStatic:
		return discovery.NewStatic(cfg.Discovery.Peers, cfg.Client.PeerPort)
	default:
		return nil, nil
	}
}

func newClient(cfg config.Config) (*client.Client, error) {
	if err := os.MkdirAll(cfg.ConfigDir, 0o700); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	id, err := auth.IssueOrLoadIdentity(cfg.ConfigDir)
	if err != nil {
		return nil, err
	}
	src, err := source(cfg)
	if err != nil {
		return nil, err
	}
	return client.New(id, src, cfg.ClientConfig()), nil
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: missing command", errUsage)
	}
	name, rest := args[0], args[1:]
	switch name {
	case "peers":
		return runPeers(ctx, rest, out)
	case "hello":
		return runHello(ctx, rest, out)
	case "register":
		return runRegister(ctx, rest, out)
	case "launch":
		return runLaunch(ctx, rest, out)
	case "shutdown":
		return runShutdown(ctx, rest, out, false)
	case "kill":
		return runShutdown(ctx, rest, out, true)
	case "config":
		return runConfig(rest, out)
	case "help", "-h", "--help":
		fmt.Fprint(out, usage)
		return nil
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, name)
	}
}

func setup(name string, args []string, extra func(fs *pflag.FlagSet)) (*client.Client, config.Config, *pflag.FlagSet, error) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	c := bindCommon(fs)
	if extra != nil {
		extra(fs)
	}
	if err := fs.Parse(args); err != nil {
		return nil, config.Config{}, nil, err
	}
	cfg, err := c.resolve(fs)
	if err != nil {
		return nil, config.Config{}, nil, err
	}
	cl, err := newClient(cfg)
	if err != nil {
		return nil, config.Config{}, nil, err
	}
	return cl, cfg, fs, nil
}

func runPeers(ctx context.Context, args []string, out io.Writer) error {
	var watch bool
	cl, cfg, _, err := setup("peers", args, func(fs *pflag.FlagSet) {
		fs.BoolVarP(&watch, "watch", "w", false, "follow mDNS peer changes until interrupted")
	})
	if err != nil {
		return err
	}
	if watch {
		if cfg.Discovery.Mode != config.DiscoveryMDNS {
			return fmt.Errorf("%w: --watch requires mdns discovery", errUsage)
		}
		return watchPeers(ctx, cfg, out)
	}
	addrs, err := cl.ListPeers(ctx)
	if err != nil {
		return err
	}
	for _, addr := range addrs {
		fmt.Fprintln(out, addr)
	}
	return nil
}

func watchPeers(ctx context.Context, cfg config.Config, out io.Writer) error {
	browser := discovery.NewBrowser(cfg.Discovery.Service, cfg.Discovery.Domain, discovery.DefaultBrowseTimeout)
	dir := discovery.NewDirectory()
	events := make(chan discovery.Event)
	go func() {
		browser.Watch(ctx, cfg.Discovery.Interval, events)
		close(events)
	}()
	for ev := range events {
		dir.Apply(ev)
		fmt.Fprintf(out, "%-8s %s %s known=%d\n", ev.Kind, ev.Peer.Name, strings.Join(ev.Peer.Addrs, ","), dir.Len())
	}
	return nil
}

func targets(ctx context.Context, cl *client.Client) ([]client.Target, error) {
	ts, err := cl.Targets(ctx)
	if err != nil {
		return nil, err
	}
	if len(ts) == 0 {
		return nil, client.ErrNoPeers
	}
	return ts, nil
}

func runHello(ctx context.Context, args []string, out io.Writer) error {
	cl, _, _, err := setup("hello", args, nil)
	if err != nil {
		return err
	}
	ts, err := targets(ctx, cl)
	if err != nil {
		return err
	}
	var failed int
	for _, t := range ts {
		if err := cl.Hello(ctx, t); err != nil {
			failed++
			fmt.Fprintf(out, "%s\tFAIL\t%v\n", t, err)
			continue
		}
		fmt.Fprintf(out, "%s\tWORLD\n", t)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d peers did not answer", failed, len(ts))
	}
	return nil
}

func runRegister(ctx context.Context, args []string, out io.Writer) error {
	cl, _, _, err := setup("register", args, nil)
	if err != nil {
		return err
	}
	ts, err := targets(ctx, cl)
	if err != nil {
		return err
	}
	var failed int
	for _, t := range ts {
		if err := cl.RegisterWith(ctx, t); err != nil {
			failed++
			fmt.Fprintf(out, "%s\tFAIL\t%v\n", t, err)
			continue
		}
		fmt.Fprintf(out, "%s\tREGISTERED as %s\n", t, cl.LocalAddress())
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d registrations failed", failed, len(ts))
	}
	return nil
}

func runLaunch(ctx context.Context, args []string, out io.Writer) error {
	var opts client.LaunchOptions
	cl, _, fs, err := setup("launch", args, func(fs *pflag.FlagSet) {
		fs.SetInterspersed(false)
		fs.BoolVar(&opts.RegisterFirst, "register", false, "register with each peer before launching")
		fs.BoolVar(&opts.SwallowErrors, "swallow", false, "continue past failing peers")
	})
	if err != nil {
		return err
	}
	command := strings.Join(fs.Args(), " ")
	if strings.TrimSpace(command) == "" {
		return fmt.Errorf("%w: launch needs a command", errUsage)
	}
	report, err := cl.LaunchOnAllPeers(ctx, command, opts)
	printReport(out, report)
	return err
}

func runShutdown(ctx context.Context, args []string, out io.Writer, force bool) error {
	var swallow bool
	cl, _, _, err := setup("shutdown", args, func(fs *pflag.FlagSet) {
		if !force {
			fs.BoolVarP(&force, "force", "f", false, "send KILL instead of SHUTDOWN")
		}
		fs.BoolVar(&swallow, "swallow", false, "continue past failing peers")
	})
	if err != nil {
		return err
	}
	report, err := cl.ShutdownAllPeers(ctx, force, swallow)
	printReport(out, report)
	return err
}

func printReport(out io.Writer, report *client.Report) {
	if report == nil {
		return
	}
	for _, res := range report.Results {
		switch {
		case res.Err != nil:
			fmt.Fprintf(out, "%s\tFAIL\t%v\n", res.Target, res.Err)
		case res.Reply == "":
			fmt.Fprintf(out, "%s\tSENT\n", res.Target)
		default:
			fmt.Fprintf(out, "%s\t%s\n", res.Target, res.Reply)
		}
	}
}

func runConfig(args []string, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: config needs init or show", errUsage)
	}
	switch args[0] {
	case "init":
		fs := pflag.NewFlagSet("config init", pflag.ContinueOnError)
		force := fs.Bool("force", false, "overwrite an existing file")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		path := filepath.Join(config.ExpandHome(config.DefaultConfigDir), config.FileName)
		if fs.NArg() > 0 {
			path = fs.Arg(0)
		}
		if err := config.WriteTemplate(path, *force); err != nil {
			return err
		}
		fmt.Fprintf(out, "wrote %s\n", path)
		return nil
	case "show":
		fs := pflag.NewFlagSet("config show", pflag.ContinueOnError)
		c := bindCommon(fs)
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		cfg, err := c.resolve(fs)
		if err != nil {
			return err
		}
		data, err := config.Render(cfg)
		if err != nil {
			return err
		}
		_, err = out.Write(data)
		return err
	default:
		return fmt.Errorf("%w: unknown config command %q", errUsage, args[0])
	}
}
