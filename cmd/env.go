package cmd

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/vishvananda/netlink"

	"grimm.is/xtables/internal/audit"
	"grimm.is/xtables/internal/compiler"
	"grimm.is/xtables/internal/config"
	"grimm.is/xtables/internal/extension"
	"grimm.is/xtables/internal/i18n"
	"grimm.is/xtables/internal/logging"
	"grimm.is/xtables/internal/metrics"
	"grimm.is/xtables/internal/table"
	"grimm.is/xtables/internal/transport"
)

// Printer is the global message printer for the CLI
var Printer = i18n.NewCLIPrinter()

// Backend moves table blobs and answers revision queries. The kernel
// transport is both.
type Backend interface {
	table.Transport
	extension.RevisionChecker
}

// Env holds what commands take from the host. Tests swap the backend and
// the link lister.
type Env struct {
	Out     io.Writer
	Logger  *logging.Logger
	Metrics *metrics.Registry
	Backend func(family extension.Family) Backend
	Links   func() ([]string, error)

	// Audit, when set, records every commit attempt.
	Audit *audit.Store
	User  string
}

// NewEnv returns an environment bound to the running kernel.
func NewEnv(logger *logging.Logger) *Env {
	return &Env{
		Out:     os.Stdout,
		Logger:  logger,
		Metrics: metrics.Get(),
		Backend: func(family extension.Family) Backend {
			return transport.NewKernel(family, transport.WithLogger(logger.WithComponent("transport")))
		},
		Links: linkNames,
		User:  currentUser(),
	}
}

// currentUser names who runs the command, preferring the sudo caller.
func currentUser() string {
	if u := os.Getenv("SUDO_USER"); u != "" {
		return u
	}
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return fmt.Sprintf("uid:%d", os.Getuid())
}

// linkNames lists the host's network interfaces.
func linkNames() ([]string, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}
	names := make([]string, 0, len(links))
	for _, l := range links {
		names = append(names, l.Attrs().Name)
	}
	return names, nil
}

// open fetches one table through the backend.
func (e *Env) open(name string, family extension.Family) (*table.Table, error) {
	b := e.Backend(family)
	reg := extension.NewRegistry(
		extension.WithRevisionChecker(b),
		extension.WithLogger(e.Logger.WithComponent("extension")),
		extension.WithMetrics(e.Metrics),
	)
	c := compiler.New(reg, family, compiler.WithLogger(e.Logger.WithComponent("compiler")))
	return table.Open(name, b, c,
		table.WithLogger(e.Logger.WithComponent("table")),
		table.WithMetrics(e.Metrics),
	)
}

// loadPolicy loads and validates a policy file.
func loadPolicy(path string) (*config.Config, error) {
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy invalid: %w", err)
	}
	if errs := cfg.Validate(); errs.HasErrors() {
		return nil, fmt.Errorf("policy invalid: %w", errs)
	}
	return cfg, nil
}

// dump renders t without counters.
func dump(t *table.Table) (string, error) {
	var sb strings.Builder
	if err := t.Dump(&sb); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// diffText returns a unified diff of two dumps.
func diffText(from, to, a, b string) (string, error) {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(a),
		B:        difflib.SplitLines(b),
		FromFile: from,
		ToFile:   to,
		Context:  3,
	}
	return difflib.GetUnifiedDiffString(diff)
}
