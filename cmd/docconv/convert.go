package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"docconv/internal/app"
	"docconv/internal/task"
)

var convertCmd = &cobra.Command{
	Use:   "convert <files...>",
	Short: "Convert files on disk with an in-process engine",
	Long: `convert runs the conversion engine without the HTTP listener. Files go
through the same concurrency gate and result cache as the service, so
queue.max_concurrent and cache settings from the config file apply.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runConvert,
}

func init() {
	convertCmd.Flags().Bool("json", false, "print task records as JSON")
	rootCmd.AddCommand(convertCmd)
}

type fileResult struct {
	Path string     `json:"path"`
	Task *task.Task `json:"task,omitempty"`
	Err  string     `json:"error,omitempty"`
}

func runConvert(cmd *cobra.Command, args []string) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	level := viper.GetString("log-level")
	if level == "" {
		level = "WARN"
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, app.Options{ConfigPath: path, LogLevel: level, Headless: true})
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, c := context.WithTimeout(context.Background(), 10*time.Second)
		defer c()
		_ = a.Stop(stopCtx, app.StopAppStop)
	}()

	eng := a.Engine()
	results := make([]fileResult, len(args))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, a.Config().Queue.QueueSize))
	for i, p := range args {
		results[i].Path = p
		g.Go(func() error {
			t, err := convertFile(gctx, eng, p)
			if err != nil {
				results[i].Err = err.Error()
				return nil
			}
			results[i].Task = &t
			return nil
		})
	}
	_ = g.Wait()

	asJSON, _ := cmd.Flags().GetBool("json")
	failed := printResults(cmd.OutOrStdout(), results, asJSON)
	if failed > 0 {
		return fmt.Errorf("%d of %d conversions failed", failed, len(args))
	}
	return nil
}

type submitter interface {
	Submit(ctx context.Context, r io.Reader, filename, contentType string) (string, error)
	Wait(ctx context.Context, id string) (task.Task, error)
}

func convertFile(ctx context.Context, eng submitter, path string) (task.Task, error) {
	f, err := os.Open(path)
	if err != nil {
		return task.Task{}, err
	}
	defer f.Close()
	id, err := eng.Submit(ctx, f, filepath.Base(path), "")
	if err != nil {
		return task.Task{}, err
	}
	return eng.Wait(ctx, id)
}

// printResults writes every result and returns how many did not complete.
func printResults(w io.Writer, results []fileResult, asJSON bool) int {
	failed := 0
	for _, r := range results {
		if r.Task == nil || r.Task.Status != task.StatusCompleted {
			failed++
		}
	}
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(results)
		return failed
	}
	for _, r := range results {
		switch {
		case r.Err != "":
			fmt.Fprintf(w, "== %s: error: %s\n\n", r.Path, r.Err)
		case r.Task.Status != task.StatusCompleted:
			msg := string(r.Task.Status)
			if r.Task.Error != nil {
				msg = *r.Task.Error
			}
			fmt.Fprintf(w, "== %s: failed: %s\n\n", r.Path, msg)
		default:
			var dur int64
			if r.Task.DurationMS != nil {
				dur = *r.Task.DurationMS
			}
			fmt.Fprintf(w, "== %s (%d ms, from_cache=%t)\n%s\n\n", r.Path, dur, r.Task.FromCache, *r.Task.Result)
		}
	}
	return failed
}
