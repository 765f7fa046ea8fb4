package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/MrWong99/narrator/internal/orchestrator"
	"github.com/MrWong99/narrator/pkg/sink"
	"github.com/MrWong99/narrator/pkg/types"
)

var (
	voicesCmd = &cobra.Command{
		Use:   "voices BACKEND",
		Short: "List the voices of a backend",
		Args:  cobra.ExactArgs(1),
		RunE:  runVoices,
	}

	sayOutput string
	sayCmd    = &cobra.Command{
		Use:   "say BACKEND VOICE TEXT...",
		Short: "Synthesize one text",
		Long: "Synthesize one text and write the audio to a file.\n\n" +
			"VOICE is a voice ID or a voice name; names are matched case-insensitively\n" +
			"and, failing that, fuzzily.",
		Args: cobra.MinimumNArgs(3),
		RunE: runSay,
	}

	batchName     string
	batchInterval int
	batchCmd      = &cobra.Command{
		Use:   "batch BACKEND FILE.jsonl",
		Short: "Generate every item of a JSON lines file",
		Long: "Generate every item of a JSON lines file as one batch and print progress.\n\n" +
			"Each line is an object with a \"kind\" (message, dialogue, article,\n" +
			"notification, step) and the fields of that kind. Interrupting the command\n" +
			"cancels the batch after the current item.",
		Args: cobra.ExactArgs(2),
		RunE: runBatch,
	}
)

func init() {
	sayCmd.Flags().StringVarP(&sayOutput, "output", "o", "", "output file (default: speech.<format>)")
	batchCmd.Flags().StringVar(&batchName, "name", "", "batch name (default: the file name)")
	batchCmd.Flags().IntVar(&batchInterval, "save-interval", 0, "flush to the sink every N items (default: the saved setting)")
}

func runVoices(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer shutdown(a)

	voices, err := a.Orchestrator().ListVoices(ctx, args[0])
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tLANGUAGE\tGENDER")
	for _, v := range voices {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", v.ID, v.Name, dash(v.Language), dash(v.Gender))
	}
	return tw.Flush()
}

func runSay(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer shutdown(a)

	backendID := args[0]
	voice, err := a.VoiceCache().Lookup(ctx, backendID, args[1])
	if err != nil {
		return err
	}
	item := types.Message{
		Ref:  types.Ref{Backend: backendID, Voice: voice.ID},
		Text: strings.Join(args[2:], " "),
	}
	res, err := a.Orchestrator().Generate(ctx, item, "")
	if err != nil {
		return err
	}

	out := sayOutput
	if out == "" {
		out = "speech." + sink.Ext(res.Audio)
	}
	if err := os.WriteFile(out, res.Audio, 0o644); err != nil {
		return err
	}
	source := "generated"
	if res.CacheHit {
		source = "cached"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s of %s audio to %s (%s, voice %s)\n",
		humanize.Bytes(uint64(len(res.Audio))), source, out, res.BackendID, voice.Name)
	return nil
}

func runBatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	f, err := os.Open(args[1])
	if err != nil {
		return err
	}
	items, err := types.ReadItems(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("read %s: %w", args[1], err)
	}

	a, err := newApp(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}
	defer shutdown(a)

	name := batchName
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(args[1]), filepath.Ext(args[1]))
	}
	interval := batchInterval
	if interval <= 0 {
		interval = a.Settings().SaveInterval()
	}

	jobs := a.Jobs()
	job, err := jobs.Submit(name, items, args[0], interval)
	if err != nil {
		return err
	}
	if err := jobs.Start(job.ID); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	cancelled := false
	for {
		select {
		case <-job.Done():
			printProgress(out, job)
			fmt.Fprintln(out)
			return summarize(cmd, job)
		case <-ctx.Done():
			if !cancelled {
				cancelled = true
				_ = jobs.Cancel(job.ID)
				fmt.Fprintln(out, "\ncancelling after the current item...")
			}
		case <-ticker.C:
			printProgress(out, job)
		}
	}
}

func printProgress(w io.Writer, job *orchestrator.Job) {
	s := job.State.Snapshot()
	fmt.Fprintf(w, "\r[%3.0f%%] %d/%d %s", s.Progress*100, s.CurrentIndex, s.TotalCount, s.StatusMessage)
}

func summarize(cmd *cobra.Command, job *orchestrator.Job) error {
	results, err := job.Result()
	info := job.Info()
	var size uint64
	for _, r := range results {
		size += uint64(len(r.Audio))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d items, %d from cache, %s of audio\n",
		info.Status, info.Generated, info.CacheHits, humanize.Bytes(size))
	if errors.Is(err, orchestrator.ErrCancelled) {
		return nil
	}
	return err
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
