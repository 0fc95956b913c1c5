package main

import (
	"fmt"
	"path/filepath"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"piswarm/internal/backup"
	"piswarm/internal/bootstrap"
	"piswarm/internal/cluster"
	"piswarm/internal/config"
	"piswarm/internal/deps"
	"piswarm/internal/discovery"
	"piswarm/internal/facts"
	"piswarm/internal/lock"
	"piswarm/internal/logging"
	"piswarm/internal/metrics"
	"piswarm/internal/netconfig"
	"piswarm/internal/nodeconfig"
	"piswarm/internal/notify"
	"piswarm/internal/prompt"
	"piswarm/internal/provision"
	"piswarm/internal/services"
	"piswarm/internal/ssh"
	"piswarm/internal/store"
	"piswarm/internal/swarm"
)

type bootstrapOptions struct {
	parallel        int
	managers        int
	manager         string
	legacyExitCodes bool
	installTools    bool
}

func newBootstrapCmd(root *rootOptions) *cobra.Command {
	opts := &bootstrapOptions{}
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Provision every host and form the swarm",
		Long: `Bootstrap discovers (or reads from the config) the hosts to use, backs up
and configures each one, installs Docker, forms the swarm and deploys the
stacks found in the services directory.

Exit status: 0 validated, 3 partially succeeded, 1 failed, 2 usage error.`,
		Args: cobra.NoArgs,
	}
	cmd.RunE = root.runE(func(cmd *cobra.Command, _ []string) error {
		cfg, err := root.loadConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("parallel") {
			if opts.parallel < 1 {
				return usageError("--parallel must be at least 1")
			}
			cfg.Cluster.Parallelism = opts.parallel
		}
		if cmd.Flags().Changed("managers") {
			if opts.managers < 1 {
				return usageError("--managers must be at least 1")
			}
			cfg.Cluster.Managers = opts.managers
		}
		if opts.manager != "" {
			cfg.Cluster.Manager = opts.manager
		}
		if opts.legacyExitCodes {
			cfg.Exit.LegacyPartialSuccess = true
		}
		return runBootstrap(cmd, cfg, opts)
	})

	cmd.Flags().IntVarP(&opts.parallel, "parallel", "p", 0, "hosts provisioned at the same time (default from config, 1)")
	cmd.Flags().IntVar(&opts.managers, "managers", 0, "total swarm managers including the first")
	cmd.Flags().StringVar(&opts.manager, "manager", "", "preferred manager address")
	cmd.Flags().BoolVar(&opts.legacyExitCodes, "legacy-exit-codes", false, "exit 0 when the run partially succeeded")
	cmd.Flags().BoolVar(&opts.installTools, "install-tools", true, "install missing local tools with the system package manager")
	return cmd
}

func runBootstrap(cmd *cobra.Command, cfg *config.Config, opts *bootstrapOptions) error {
	ctx := cmd.Context()
	log := logging.L().With("component", "cli")
	clock := clockwork.NewRealClock()
	term := prompt.NewTerminal()

	preflight, err := deps.NewChecker().Check(ctx, deps.Options{
		Tools: []deps.Tool{deps.Ping},
		Dirs: []string{
			cfg.Paths.BackupRoot,
			filepath.Dir(cfg.Paths.LockFile),
			filepath.Dir(cfg.Paths.StateDB),
		},
		Install: opts.installTools,
	})
	if err != nil {
		return &exitError{code: exitFailed, err: err}
	}
	for _, dir := range preflight.Unwritable {
		term.Warn(fmt.Sprintf("%s is not writable; run as root or change paths in the config", dir))
	}

	cred := cluster.Credential{Username: cfg.Credentials.Username, Password: cfg.Credentials.Password}
	if cred.Password == "" && term.Interactive() {
		pw, err := term.Password(fmt.Sprintf("SSH password for %s", cred.Username))
		if err != nil {
			return &exitError{code: exitFailed, err: err}
		}
		cred.Password = pw
	}

	executor := ssh.NewExecutor(ssh.Options{
		KeyDir:         cfg.SSH.KeyDir,
		Clock:          clock,
		Port:           cfg.SSH.Port,
		ConnectTimeout: cfg.SSH.ConnectTimeout,
		CommandTimeout: cfg.SSH.CommandTimeout,
	})

	stamp := clock.Now().UTC().Format(backup.StampFormat)
	recorder := metrics.NewRecorder(clock)

	d := bootstrap.Deps{
		Lock:      lock.New(cfg.Paths.LockFile),
		Runner:    executor,
		Discovery: newDiscoverer(cfg, preflight, term),
		Backups:   backup.New(executor, cfg.Paths.BackupRoot, cfg.Backup.Paths, stamp, clock.Now),
		Network: netconfig.New(executor, netconfig.Plan{
			Interface:      cfg.Cluster.Interface,
			PrefixLength:   cfg.Cluster.PrefixLength,
			HostnamePrefix: cfg.Cluster.HostnamePrefix,
			SettleDelay:    cfg.Provision.SettleDelay,
		}, clock),
		Provisioner: provision.New(executor, provision.Options{
			Packages:          cfg.Provision.Packages,
			Timezone:          cfg.Cluster.Timezone,
			LogMaxSize:        cfg.Provision.LogMaxSize,
			LogMaxFile:        cfg.Provision.LogMaxFile,
			StorageDriver:     cfg.Provision.StorageDriver,
			ReadinessAttempts: cfg.Provision.ReadinessAttempts,
			ReadinessDelay:    cfg.Provision.ReadinessDelay,
			WorkingDir:        cfg.Provision.WorkingDir,
			AssetsDir:         cfg.Paths.AssetsDir,
			SmokeImage:        cfg.Provision.SmokeImage,
			MinDockerVersion:  cfg.Provision.MinDockerVersion,
			Clock:             clock,
		}),
		Facts:    facts.NewGatherer(executor),
		Swarm:    swarm.New(executor),
		Services: services.NewDeployer(executor, cfg.Paths.ServicesDir, clock),
		Notifier: newNotifier(cfg),
		Metrics:  recorder,
		Prompter: term,
		Clock:    clock,
	}
	if cfg.Hardening.Enabled {
		d.Hardener = nodeconfig.NewNodeConfigurator(executor, nodeconfig.Options{
			FirewallPorts:       cfg.Hardening.FirewallPorts,
			DisablePasswordAuth: cfg.Hardening.DisablePasswordAuth,
		})
	}

	db, err := store.Open(cfg.Paths.StateDB)
	if err != nil {
		log.Warnw("run history disabled", "path", cfg.Paths.StateDB, "error", err)
	} else {
		defer db.Close()
		d.Store = db
	}

	report, runErr := bootstrap.New(bootstrapOptionsFromConfig(cfg, cred), d).Run(ctx)

	if err := recorder.WriteTextfile(cfg.Paths.MetricsFile); err != nil {
		log.Warnw("failed to write metrics", "path", cfg.Paths.MetricsFile, "error", err)
	}

	printSummary(cmd.OutOrStdout(), report)

	code := exitCode(report.Status, cfg.Exit.LegacyPartialSuccess)
	if code == exitOK {
		return nil
	}
	if runErr == nil {
		return &exitError{code: code}
	}
	return &exitError{code: code, err: runErr}
}

// bootstrapOptionsFromConfig maps the configuration onto run options.
func bootstrapOptionsFromConfig(cfg *config.Config, cred cluster.Credential) bootstrap.Options {
	opts := bootstrap.Options{
		ClusterName:      cfg.Cluster.Name,
		Credential:       cred,
		Gateway:          cfg.Cluster.Gateway,
		DNS:              cfg.Cluster.DNS,
		PreferredManager: cfg.Cluster.Manager,
		Managers:         cfg.Cluster.Managers,
		Parallelism:      cfg.Cluster.Parallelism,
	}
	for _, h := range cfg.Cluster.Hosts {
		hs := bootstrap.HostSpec{Address: h.Address, DesiredAddress: h.DesiredAddress}
		if h.Username != "" || h.Password != "" {
			override := cred
			if h.Username != "" {
				override.Username = h.Username
			}
			if h.Password != "" {
				override.Password = h.Password
			}
			hs.Credential = &override
		}
		opts.Hosts = append(opts.Hosts, hs)
	}
	return opts
}

// newDiscoverer returns nil when hosts are configured statically. Without
// ping the operator types addresses by hand.
func newDiscoverer(cfg *config.Config, preflight *deps.Report, term *prompt.Terminal) bootstrap.Discoverer {
	if len(cfg.Cluster.Hosts) > 0 {
		return nil
	}
	if !preflight.ScanAvailable() {
		term.Warn("ping is not available; enter host addresses manually")
		return discovery.New(nil, term)
	}
	return discovery.New(newScanner(cfg), term)
}

func newScanner(cfg *config.Config) *discovery.NetScanner {
	return discovery.NewNetScanner(discovery.ScanOptions{
		MACPrefixes:  cfg.Discovery.MACPrefixes,
		Ports:        cfg.Discovery.Ports,
		ProbeTimeout: cfg.Discovery.ProbeTimeout,
		Concurrency:  cfg.Discovery.SweepConcurrency,
		MaxHosts:     cfg.Discovery.MaxHosts,
	})
}

func newNotifier(cfg *config.Config) *notify.Dispatcher {
	var ns []notify.Notifier
	for _, w := range cfg.Notify.Webhooks {
		ns = append(ns, &notify.Webhook{Name: w.Name, Kind: notify.Kind(w.Kind), URL: w.URL})
	}
	return notify.NewDispatcher(cfg.Notify.Timeout, ns...)
}
