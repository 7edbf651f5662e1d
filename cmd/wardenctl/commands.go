package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/knowledge"
	"github.com/linnemanlabs/warden/internal/triage"
)

// ingestChunk keeps each upload well below the server's body limit.
const ingestChunk = 100

type statusResponse struct {
	Status       string          `json:"status"`
	Service      string          `json:"service"`
	Version      string          `json:"version"`
	Dependencies map[string]bool `json:"dependencies"`
}

func newHealthCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show server and dependency status",
		Long:  `Query /api/v1/status and print the state of each dependency. Exits non-zero unless the server is healthy.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var st statusResponse
			if err := opts.client().get(cmd.Context(), "/api/v1/status", &st); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s: %s\n", st.Service, st.Version, st.Status)

			names := make([]string, 0, len(st.Dependencies))
			for name := range st.Dependencies {
				names = append(names, name)
			}
			sort.Strings(names)

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			for _, name := range names {
				state := "down"
				if st.Dependencies[name] {
					state = "up"
				}
				fmt.Fprintf(tw, "  %s\t%s\n", name, state)
			}
			_ = tw.Flush()

			if st.Status != "healthy" {
				cmd.SilenceErrors = true
				return errUnhealthy{status: st.Status}
			}
			return nil
		},
	}
}

type retrieveRequest struct {
	Query         string  `json:"query"`
	Collection    string  `json:"collection"`
	TopK          int     `json:"top_k"`
	MinSimilarity float64 `json:"min_similarity"`
}

type retrieveResponse struct {
	Results      []knowledge.Result `json:"results"`
	TotalResults int                `json:"total_results"`
}

func newQueryCmd(opts *rootOptions) *cobra.Command {
	req := retrieveRequest{}
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Retrieve knowledge base documents similar to a text",
		Example: `  wardenctl query "multiple failed ssh logins from one address"
  wardenctl query --collection security_runbooks --top-k 5 "ransomware"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Query = strings.Join(args, " ")

			var resp retrieveResponse
			if err := opts.client().post(cmd.Context(), "/api/v1/knowledge/retrieve", req, &resp); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, resp)
			}
			if resp.TotalResults == 0 {
				fmt.Fprintln(out, "no results")
				return nil
			}
			for i, r := range resp.Results {
				fmt.Fprintf(out, "%d. [%.3f] %s\n", i+1, r.SimilarityScore, firstLine(r.Document))
				if id, ok := r.Metadata["technique_id"].(string); ok {
					fmt.Fprintf(out, "   technique: %s\n", id)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&req.Collection, "collection", knowledge.CollectionMITRE, "collection to search")
	cmd.Flags().IntVar(&req.TopK, "top-k", 3, "maximum number of results (1..10)")
	cmd.Flags().Float64Var(&req.MinSimilarity, "min-similarity", 0.7, "similarity floor (0..1)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw response")
	return cmd
}

func newCollectionsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "collections",
		Short: "List knowledge base collections and their sizes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp struct {
				Collections []knowledge.Collection `json:"collections"`
			}
			if err := opts.client().get(cmd.Context(), "/api/v1/knowledge/collections", &resp); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tDOCUMENTS\tDESCRIPTION")
			for _, c := range resp.Collections {
				fmt.Fprintf(tw, "%s\t%d\t%s\n", c.Name, c.Count, c.Metadata["description"])
			}
			return tw.Flush()
		},
	}
}

func newIngestCmd(opts *rootOptions) *cobra.Command {
	ingest := &cobra.Command{
		Use:   "ingest",
		Short: "Load documents into the knowledge base",
	}

	var collection string
	mitre := &cobra.Command{
		Use:   "mitre <enterprise-attack.json>",
		Short: "Ingest techniques from a MITRE ATT&CK STIX bundle",
		Long:  `Parse a MITRE ATT&CK STIX 2.x bundle, skip revoked and deprecated techniques, and upload one document per technique.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()

			docs, err := knowledge.ParseMITRE(f)
			if err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}
			n, err := uploadDocuments(cmd, opts.client(), collection, docs)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ingested %d techniques into %s\n", n, collection)
			return nil
		},
	}
	mitre.Flags().StringVar(&collection, "collection", knowledge.CollectionMITRE, "target collection")

	var docsCollection string
	docs := &cobra.Command{
		Use:   "documents <file.json>",
		Short: "Ingest a JSON array of documents",
		Long:  `Upload a JSON array of {"id","document","metadata"} objects. Documents without an id get one assigned by the server.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var in []knowledge.Document
			if err := json.Unmarshal(b, &in); err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}
			n, err := uploadDocuments(cmd, opts.client(), docsCollection, in)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ingested %d documents into %s\n", n, docsCollection)
			return nil
		},
	}
	docs.Flags().StringVar(&docsCollection, "collection", "", "target collection")
	_ = docs.MarkFlagRequired("collection")

	ingest.AddCommand(mitre, docs)
	return ingest
}

func uploadDocuments(cmd *cobra.Command, c *client, collection string, docs []knowledge.Document) (int, error) {
	if len(docs) == 0 {
		return 0, fmt.Errorf("no documents to ingest")
	}
	total := 0
	for chunk := range slices.Chunk(docs, ingestChunk) {
		var resp struct {
			Ingested int `json:"documents_ingested"`
		}
		body := map[string]any{"documents": chunk}
		if err := c.post(cmd.Context(), "/api/v1/knowledge/"+collection+"/documents", body, &resp); err != nil {
			return total, fmt.Errorf("after %d documents: %w", total, err)
		}
		total += resp.Ingested
		fmt.Fprintf(cmd.ErrOrStderr(), "uploaded %d/%d\n", total, len(docs))
	}
	return total, nil
}

func newAnalyzeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "analyze <alert.json>",
		Short: "Submit one alert for triage and print the verdict",
		Long:  `Read an alert from a file ("-" for stdin), validate it locally and print the verdict returned by /api/v1/analyze.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer func() { _ = f.Close() }()
				r = f
			}

			var al alert.Alert
			if err := json.NewDecoder(r).Decode(&al); err != nil {
				return fmt.Errorf("decode alert: %w", err)
			}
			if err := al.Validate(); err != nil {
				return err
			}

			var v triage.Verdict
			if err := opts.client().post(cmd.Context(), "/api/v1/analyze", &al, &v); err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), &v)
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
