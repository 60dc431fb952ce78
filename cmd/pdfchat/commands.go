package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/pdfchat/internal/chat"
	"github.com/kalambet/pdfchat/internal/config"
	"github.com/kalambet/pdfchat/internal/storage"
)

type uploadResult struct {
	OK    bool   `json:"ok"`
	JobID string `json:"jobId"`
	DocID string `json:"docId"`
}

type jobStatus struct {
	OK            bool            `json:"ok"`
	JobID         string          `json:"jobId"`
	Kind          string          `json:"kind"`
	State         string          `json:"state"`
	Result        json.RawMessage `json:"result,omitempty"`
	FailureReason string          `json:"failureReason,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

type jobEvent struct {
	Type          string          `json:"type"`
	JobID         string          `json:"jobId"`
	Result        json.RawMessage `json:"result,omitempty"`
	FailureReason string          `json:"failureReason,omitempty"`
}

// --- upload ---

var uploadCmd = &cobra.Command{
	Use:   "upload <file.pdf>",
	Short: "Upload a PDF for indexing",
	Long: `Upload a PDF for indexing.

Examples:
  pdfchat upload report.pdf --user alice
  pdfchat upload report.pdf --user alice --doc q3-report --wait`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		doc, _ := cmd.Flags().GetString("doc")
		wait, _ := cmd.Flags().GetBool("wait")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		resp, err := client.upload(ctx, "/upload", args[0], map[string]string{"userId": user, "docId": doc})
		if err != nil {
			return err
		}
		var res uploadResult
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		printSuccess("Queued job %s for doc %s", res.JobID, res.DocID)
		fmt.Fprintln(cmd.OutOrStdout(), res.DocID)

		if !wait {
			return nil
		}
		printStep("Waiting for job %s", res.JobID)
		return followJob(ctx, client, cmd.OutOrStdout(), res.JobID)
	},
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status <jobId>",
	Short: "Show the state of an ingestion job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/jobs/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var st jobStatus
		if err := decodeJSON(resp, &st); err != nil {
			return err
		}
		printJobStatus(cmd.OutOrStdout(), st)
		return nil
	},
}

// --- watch ---

var watchCmd = &cobra.Command{
	Use:   "watch <jobId>",
	Short: "Follow an ingestion job until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return followJob(cmd.Context(), client, cmd.OutOrStdout(), args[0])
	},
}

// followJob prints live transitions until a terminal event. A failed job is
// reported as an error.
func followJob(ctx context.Context, client *apiClient, out io.Writer, jobID string) error {
	resp, err := client.get(ctx, "/jobs/"+url.PathEscape(jobID)+"/events")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}

	var final jobEvent
	err = readSSE(resp.Body, func(e sseEvent) bool {
		var ev jobEvent
		if err := json.Unmarshal([]byte(e.Data), &ev); err != nil {
			return true
		}
		ev.Type = e.Name
		fmt.Fprintf(out, "%s %s\n", colorize(colorDim, time.Now().Format(time.TimeOnly)), ev.Type)
		switch ev.Type {
		case "completed", "failed", "timeout":
			final = ev
			return false
		}
		return true
	})
	if err != nil {
		return fmt.Errorf("reading event stream: %w", err)
	}

	switch final.Type {
	case "completed":
		var sum struct {
			Pages  int `json:"pages"`
			Chunks int `json:"chunks"`
		}
		json.Unmarshal(final.Result, &sum)
		printSuccess("Indexed %d pages into %d chunks", sum.Pages, sum.Chunks)
		return nil
	case "failed":
		return fmt.Errorf("job %s failed: %s", jobID, final.FailureReason)
	case "timeout":
		printWarning("Gave up waiting; check later with: pdfchat status %s", jobID)
		return nil
	default:
		return fmt.Errorf("event stream for job %s ended early", jobID)
	}
}

func printJobStatus(out io.Writer, st jobStatus) {
	state := st.State
	switch st.State {
	case "completed":
		state = colorize(colorGreen, state)
	case "failed":
		state = colorize(colorRed, state)
	default:
		state = colorize(colorYellow, state)
	}
	fmt.Fprintf(out, "%s %s\n", colorize(colorBold, "Job:"), st.JobID)
	fmt.Fprintf(out, "%s %s\n", colorize(colorBold, "State:"), state)
	if len(st.Result) > 0 {
		fmt.Fprintf(out, "%s %s\n", colorize(colorBold, "Result:"), st.Result)
	}
	if st.FailureReason != "" {
		fmt.Fprintf(out, "%s %s\n", colorize(colorBold, "Reason:"), st.FailureReason)
	}
	fmt.Fprintf(out, "%s %s\n", colorize(colorBold, "Updated:"), st.UpdatedAt.Local().Format(time.DateTime))
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question about an uploaded document",
	Long: `Ask a question about an uploaded document. The answer streams as it is
generated, followed by the cited sources.

Example:
  pdfchat ask "How much did revenue grow?" --doc q3-report --user alice`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		doc, _ := cmd.Flags().GetString("doc")
		if doc == "" {
			return fmt.Errorf("--doc is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		req := chat.Request{
			Question: strings.Join(args, " "),
			UserID:   user,
			DocID:    doc,
		}
		return askQuestion(cmd.Context(), client, cmd.OutOrStdout(), req)
	},
}

func askQuestion(ctx context.Context, client *apiClient, out io.Writer, req chat.Request) error {
	resp, err := client.post(ctx, "/chat", req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}

	var sources []chat.Source
	err = readNDJSON(resp.Body, func(e chat.Event) error {
		switch e.Type {
		case chat.EventChunk:
			fmt.Fprint(out, e.Delta)
		case chat.EventDone:
			sources = e.Sources
		case chat.EventError:
			return fmt.Errorf("answer failed: %s", e.Error)
		}
		return nil
	})
	fmt.Fprintln(out)
	if err != nil {
		return err
	}

	if len(sources) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, colorize(colorBold, "Sources:"))
		for _, s := range sources {
			fmt.Fprintf(out, "  [Doc %d %s] %s\n", s.Doc, pageLabel(s.Page), oneLine(s.Snippet, 100))
		}
	}
	return nil
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

// --- docs ---

var docsCmd = &cobra.Command{
	Use:   "docs",
	Short: "List uploaded documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/documents?userId="+url.QueryEscape(user))
		if err != nil {
			return err
		}
		var res struct {
			Documents []storage.Document `json:"documents"`
		}
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(res.Documents) == 0 {
			fmt.Fprintln(out, "No documents.")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "DOC\tFILE\tPAGES\tCHUNKS\tSTORE\tCREATED")
		for _, d := range res.Documents {
			store := "memory"
			if d.Durable {
				store = "qdrant"
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n",
				d.DocID, d.Filename, d.Pages, d.Chunks, store, d.CreatedAt.Local().Format(time.DateTime))
		}
		return tw.Flush()
	},
}

var docsDeleteCmd = &cobra.Command{
	Use:   "delete <docId>",
	Short: "Remove a document from the catalog",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/documents/" + url.PathEscape(args[0]) + "?userId=" + url.QueryEscape(user)
		resp, err := client.delete(cmd.Context(), path)
		if err != nil {
			return err
		}
		var res map[string]any
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		printSuccess("Deleted %s", args[0])
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(out, "  %s = %s %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorDim, "("+k.EnvVar+")"))
		}
		return nil
	},
}

// --- version ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "pdfchat %s\n", version)
	},
}

func init() {
	uploadCmd.Flags().String("user", "", "owner of the document (guest when empty)")
	uploadCmd.Flags().String("doc", "", "document id (minted by the server when empty)")
	uploadCmd.Flags().Bool("wait", false, "follow the job until it finishes")

	askCmd.Flags().String("user", "", "owner of the document")
	askCmd.Flags().String("doc", "", "document id to ask about")

	docsCmd.PersistentFlags().String("user", "", "owner of the documents")
	docsCmd.AddCommand(docsDeleteCmd)
}
