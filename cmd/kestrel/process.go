package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/processor"
)

// batchFile is the object form of a process input file. A bare JSON array
// of transactions is accepted as well.
type batchFile struct {
	Transactions []*domain.BankTransaction `json:"transactions"`
	History      *domain.HistoricalContext `json:"history,omitempty"`
}

// batchReport is written to the output.
type batchReport struct {
	Results   []*domain.ProcessingResult `json:"results"`
	Count     int                        `json:"count"`
	Succeeded int                        `json:"succeeded"`
	Failed    int                        `json:"failed"`
	Ready     int                        `json:"ready"`
	TotalMs   float64                    `json:"totalMs"`
}

type processFlags struct {
	output    string
	parallel  bool
	chunkSize int
	ephemeral bool
	pretty    bool
}

func processCmd() *cobra.Command {
	var flags processFlags

	cmd := &cobra.Command{
		Use:   "process <file|->",
		Short: "Process a batch of transactions from a JSON file",
		Long: `Reads transactions from a JSON file (or stdin with "-"), runs them through
the pipeline and writes the processing results as JSON.

The input is either an array of transactions or an object with
"transactions" and an optional "history".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("parallel") {
				flags.parallel = cfg.Processor.Parallel
			}

			in, err := openInput(cmd, args[0])
			if err != nil {
				return err
			}
			defer in.Close()

			out := cmd.OutOrStdout()
			if flags.output != "" {
				f, err := os.Create(flags.output)
				if err != nil {
					return fmt.Errorf("failed to create output: %w", err)
				}
				defer f.Close()
				out = f
			}

			return runProcess(cmd.Context(), cfg, in, out, flags)
		},
	}

	cmd.Flags().StringVarP(&flags.output, "output", "o", "", "write results to a file instead of stdout")
	cmd.Flags().BoolVar(&flags.parallel, "parallel", false, "process chunks concurrently (default from processor.parallel)")
	cmd.Flags().IntVar(&flags.chunkSize, "chunk-size", 0, "override processor.chunk_size")
	cmd.Flags().BoolVar(&flags.ephemeral, "ephemeral", false, "do not read or write the repository")
	cmd.Flags().BoolVar(&flags.pretty, "pretty", false, "indent the JSON output")
	return cmd
}

func openInput(cmd *cobra.Command, name string) (io.ReadCloser, error) {
	if name == "-" {
		return io.NopCloser(cmd.InOrStdin()), nil
	}
	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("failed to open input: %w", err)
	}
	return f, nil
}

// decodeBatch accepts either input form.
func decodeBatch(r io.Reader) (*batchFile, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("input is empty")
	}

	batch := &batchFile{}
	if data[0] == '[' {
		err = json.Unmarshal(data, &batch.Transactions)
	} else {
		err = json.Unmarshal(data, batch)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid input JSON: %w", err)
	}
	return batch, nil
}

func runProcess(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer, flags processFlags) error {
	batch, err := decodeBatch(in)
	if err != nil {
		return err
	}

	p, err := buildPipeline(ctx, cfg, pipelineOptions{Ephemeral: flags.ephemeral})
	if err != nil {
		return err
	}
	defer p.Close()

	start := time.Now()
	results := p.proc.ProcessBatch(ctx, batch.Transactions, processor.BatchOptions{
		Parallel:  flags.parallel,
		ChunkSize: flags.chunkSize,
		History:   batch.History,
	})

	report := &batchReport{
		Results: results,
		Count:   len(results),
		TotalMs: float64(time.Since(start).Microseconds()) / 1000,
	}
	for _, res := range results {
		switch {
		case !res.Success:
			report.Failed++
		case res.Status == domain.StatusReadyForInvoice:
			report.Ready++
			report.Succeeded++
		default:
			report.Succeeded++
		}
	}

	slog.Info("batch processed",
		"count", report.Count,
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"ready", report.Ready,
		"duration_ms", report.TotalMs,
	)

	enc := json.NewEncoder(out)
	if flags.pretty {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("failed to write results: %w", err)
	}
	return ctx.Err()
}
