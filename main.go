package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"grimm.is/xtables/cmd"
	"grimm.is/xtables/internal/audit"
	"grimm.is/xtables/internal/brand"
	"grimm.is/xtables/internal/extension"
	"grimm.is/xtables/internal/i18n"
	"grimm.is/xtables/internal/logging"
	"grimm.is/xtables/internal/table"
)

var printer = i18n.NewCLIPrinter()

var defaultAuditDB = brand.DefaultHistoryPath()

// commonFlags are accepted by every command.
type commonFlags struct {
	logLevel *string
	syslog   *string
}

func addCommonFlags(fs *flag.FlagSet) commonFlags {
	return commonFlags{
		logLevel: fs.String("log-level", "warn", "Log level (debug, info, warn, error)"),
		syslog:   fs.String("syslog", "", "Also send logs to a syslog server (host[:port] or tcp://host:port)"),
	}
}

// logger builds the process logger from the common flags.
func (c commonFlags) logger() (*logging.Logger, error) {
	cfg := logging.DefaultConfig()
	level, err := logging.ParseLevel(*c.logLevel)
	if err != nil {
		return nil, err
	}
	cfg.Level = level

	if *c.syslog != "" {
		scfg, err := logging.ParseSyslogAddress(*c.syslog)
		if err != nil {
			return nil, err
		}
		w, err := logging.NewSyslogWriter(scfg)
		if err != nil {
			return nil, err
		}
		cfg.Output = io.MultiWriter(os.Stderr, w)
	}

	l := logging.New(cfg)
	logging.SetDefault(l)
	return l, nil
}

func familyFlag(fs *flag.FlagSet) *bool {
	return fs.Bool("6", false, "Operate on IPv6 tables")
}

func family(ipv6 bool) extension.Family {
	if ipv6 {
		return extension.IPv6
	}
	return extension.IPv4
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch os.Args[1] {
	case "list":
		listFlags := flag.NewFlagSet("list", flag.ExitOnError)
		common := addCommonFlags(listFlags)
		tableName := listFlags.String("table", "filter", "Table to list")
		listFlags.StringVar(tableName, "t", "filter", "Table to list (short)")
		ipv6 := familyFlag(listFlags)
		counters := listFlags.Bool("counters", false, "Include packet and byte counters")
		listFlags.BoolVar(counters, "c", false, "Include counters (short)")
		listFlags.Parse(os.Args[2:])

		env := newEnv(common)
		if err := env.RunList(*tableName, family(*ipv6), *counters); err != nil {
			printer.Fprintf(os.Stderr, "List failed: %v\n", err)
			os.Exit(1)
		}

	case "apply":
		applyFlags := flag.NewFlagSet("apply", flag.ExitOnError)
		common := addCommonFlags(applyFlags)
		dryRun := applyFlags.Bool("dry-run", false, "Show a diff per table without committing")
		applyFlags.BoolVar(dryRun, "n", false, "Dry run (short)")
		metricsOut := applyFlags.String("metrics-out", "", "Write metrics in text format to this file after the run")
		attempts := applyFlags.Int("retries", table.DefaultRetryConfig().MaxAttempts, "Commit attempts per table when the table changes underneath")
		auditDB := applyFlags.String("audit-db", defaultAuditDB, "Commit history database (empty to disable)")
		applyFlags.Parse(os.Args[2:])

		policy := brand.DefaultPolicyPath()
		if applyFlags.NArg() > 0 {
			policy = applyFlags.Arg(0)
		}

		retry := table.DefaultRetryConfig()
		retry.MaxAttempts = *attempts

		env := newEnv(common)
		if *auditDB != "" && !*dryRun {
			store, err := audit.NewStore(*auditDB, 0, nil)
			if err != nil {
				env.Logger.Warn("Commit history disabled", "path", *auditDB, "error", err)
			} else {
				defer store.Close()
				env.Audit = store
			}
		}
		opts := cmd.ApplyOptions{DryRun: *dryRun, MetricsOut: *metricsOut, Retry: retry}
		if err := env.RunApply(ctx, policy, opts); err != nil {
			printer.Fprintf(os.Stderr, "Apply failed: %v\n", err)
			if env.Audit != nil {
				env.Audit.Close()
			}
			os.Exit(1)
		}

	case "check":
		checkFlags := flag.NewFlagSet("check", flag.ExitOnError)
		common := addCommonFlags(checkFlags)
		verbose := checkFlags.Bool("verbose", false, "Print the staged tables")
		checkFlags.BoolVar(verbose, "v", false, "Verbose output (short)")
		checkFlags.Parse(os.Args[2:])

		policy := brand.DefaultPolicyPath()
		if checkFlags.NArg() > 0 {
			policy = checkFlags.Arg(0)
		}

		env := newEnv(common)
		if err := env.RunCheck(policy, *verbose); err != nil {
			printer.Fprintf(os.Stderr, "Check failed: %v\n", err)
			os.Exit(1)
		}

	case "history":
		historyFlags := flag.NewFlagSet("history", flag.ExitOnError)
		common := addCommonFlags(historyFlags)
		auditDB := historyFlags.String("audit-db", defaultAuditDB, "Commit history database")
		tableName := historyFlags.String("table", "", "Only show commits of this table")
		historyFlags.StringVar(tableName, "t", "", "Table filter (short)")
		limit := historyFlags.Int("n", 20, "Number of commits to show")
		verbose := historyFlags.Bool("verbose", false, "Show each commit's diff")
		historyFlags.BoolVar(verbose, "v", false, "Show diffs (short)")
		prune := historyFlags.Bool("prune", false, "Drop commits older than 90 days first")
		historyFlags.Parse(os.Args[2:])

		env := newEnv(common)
		store, err := audit.NewStore(*auditDB, 0, nil)
		if err != nil {
			printer.Fprintf(os.Stderr, "History failed: %v\n", err)
			os.Exit(1)
		}
		env.Audit = store
		if *prune {
			if n, err := store.Prune(); err != nil {
				env.Logger.Warn("Prune failed", "error", err)
			} else {
				env.Logger.Info("Pruned commit history", "removed", n)
			}
		}
		err = env.RunHistory(cmd.HistoryOptions{Table: *tableName, Limit: *limit, Verbose: *verbose})
		store.Close()
		if err != nil {
			printer.Fprintf(os.Stderr, "History failed: %v\n", err)
			os.Exit(1)
		}

	case "exporter":
		exporterFlags := flag.NewFlagSet("exporter", flag.ExitOnError)
		common := addCommonFlags(exporterFlags)
		listen := exporterFlags.String("listen", ":9630", "Address to serve /metrics on")
		interval := exporterFlags.Duration("interval", 15*time.Second, "How often to refresh counters")
		tables := exporterFlags.String("tables", "filter", "Comma-separated tables to export")
		exporterFlags.StringVar(tables, "t", "filter", "Tables to export (short)")
		ipv6 := familyFlag(exporterFlags)
		exporterFlags.Parse(os.Args[2:])

		env := newEnv(common)
		opts := cmd.ExporterOptions{
			Listen:   *listen,
			Interval: *interval,
			Tables:   strings.Split(*tables, ","),
			Family:   family(*ipv6),
		}
		if err := env.RunExporter(ctx, opts); err != nil {
			printer.Fprintf(os.Stderr, "Exporter failed: %v\n", err)
			os.Exit(1)
		}

	case "version", "--version", "-V":
		cmd.NewEnv(logging.Default()).RunVersion()

	case "help", "--help", "-h":
		printUsage()

	default:
		printer.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func newEnv(common commonFlags) *cmd.Env {
	l, err := common.logger()
	if err != nil {
		printer.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return cmd.NewEnv(l)
}

func printUsage() {
	printer.Printf(`%s - %s

Usage:
  %s <command> [options]

Commands:
  list      Print a table in iptables-save format
            Options: --table (-t) <name>, -6, --counters (-c)
  apply     Stage a policy file and commit the tables it changes
            Options: --dry-run (-n), --metrics-out <file>, --retries <n>, --audit-db <file>
  check     Validate a policy file without touching the kernel
            Options: --verbose (-v)
  history   Show recorded commits
            Options: --table (-t) <name>, -n <count>, --verbose (-v), --prune
  exporter  Serve chain counters as Prometheus metrics
            Options: --listen <addr>, --interval <dur>, --tables (-t) <list>, -6
  version   Print version information

Common options:
  --log-level <level>    debug, info, warn or error
  --syslog <addr>        Mirror logs to a syslog server

Examples:
  %s list -t nat -c
  %s apply -n %s
  %s check -v policy.hcl
  %s history -t filter -v
  %s exporter --listen :9630 -t filter,nat
`,
		brand.Name, brand.Description,
		brand.BinaryName,
		brand.BinaryName,
		brand.BinaryName, brand.DefaultPolicyPath(),
		brand.BinaryName,
		brand.BinaryName,
		brand.BinaryName)
}
