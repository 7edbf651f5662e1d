// Wardenctl is the operator CLI for a running warden server: knowledge base
// ingestion and retrieval, ad-hoc alert analysis and dependency status.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

const (
	defaultServer  = "http://localhost:8080"
	defaultTimeout = 2 * time.Minute
)

type rootOptions struct {
	server  string
	token   string
	timeout time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "wardenctl",
		Short:         "Operate a warden alert triage server",
		Long:          `Ingest and query the knowledge base, analyze alerts and check dependency status on a running warden server.`,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.PersistentFlags().StringVar(&opts.server, "server", envOr("WARDEN_SERVER", defaultServer), "warden API base URL (env WARDEN_SERVER)")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("WARDEN_API_TOKEN"), "bearer token for the API (env WARDEN_API_TOKEN)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", defaultTimeout, "per-request timeout")

	root.AddCommand(
		newHealthCmd(opts),
		newQueryCmd(opts),
		newCollectionsCmd(opts),
		newIngestCmd(opts),
		newAnalyzeCmd(opts),
	)
	return root
}

func (o *rootOptions) client() *client {
	return newClient(o.server, o.token, o.timeout)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// errUnhealthy makes `health` exit non-zero without printing an error line
// on top of the status table.
type errUnhealthy struct{ status string }

func (e errUnhealthy) Error() string { return fmt.Sprintf("server status %s", e.status) }
