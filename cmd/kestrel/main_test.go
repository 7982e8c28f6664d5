package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

func txJSON(id, account, amount string, date time.Time) string {
	return fmt.Sprintf(`{"id":%q,"reference":"GTB/%s/0001","amount":%q,"currency":"NGN","accountNumber":%q,"date":%q,"description":"ATM CASH WITHDRAWAL GTB"}`,
		id, account, amount, account, date.UTC().Format(time.RFC3339))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Repository.SQLitePath = filepath.Join(t.TempDir(), "kestrel.db")
	return cfg
}

func TestDecodeBatch(t *testing.T) {
	date := time.Now().Add(-time.Hour)

	t.Run("Array", func(t *testing.T) {
		batch, err := decodeBatch(strings.NewReader("[" + txJSON("a", "1234567890", "1500", date) + "]"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(batch.Transactions) != 1 || batch.History != nil {
			t.Errorf("expected one transaction and no history, got %+v", batch)
		}
		if batch.Transactions[0].Amount.String() != "1500" {
			t.Errorf("expected amount 1500, got %s", batch.Transactions[0].Amount)
		}
	})

	t.Run("Object", func(t *testing.T) {
		input := fmt.Sprintf(`{"transactions":[%s],"history":{"transactions":[%s]}}`,
			txJSON("a", "1234567890", "1500", date), txJSON("h", "1234567890", "900", date.Add(-time.Hour)))
		batch, err := decodeBatch(strings.NewReader(input))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if batch.History == nil || len(batch.History.Transactions) != 1 {
			t.Errorf("expected one history transaction")
		}
	})

	t.Run("Empty", func(t *testing.T) {
		if _, err := decodeBatch(strings.NewReader("  \n")); err == nil {
			t.Error("expected error for empty input")
		}
	})

	t.Run("Invalid", func(t *testing.T) {
		if _, err := decodeBatch(strings.NewReader("{not json")); err == nil {
			t.Error("expected error for invalid JSON")
		}
	})
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer

	logger, err := newLogger(domain.LoggingConfig{Level: "warn", Format: "json"}, &buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown", "tx_id", "tx-1")
	if strings.Contains(buf.String(), "hidden") {
		t.Error("info should be filtered at warn level")
	}
	if !strings.Contains(buf.String(), `"tx_id":"tx-1"`) {
		t.Errorf("expected JSON attributes, got %s", buf.String())
	}

	if _, err := newLogger(domain.LoggingConfig{Level: "loud"}, &buf); err == nil {
		t.Error("expected error for invalid level")
	}
	if _, err := newLogger(domain.LoggingConfig{Format: "xml"}, &buf); err == nil {
		t.Error("expected error for invalid format")
	}
}

func runReport(t *testing.T, cfg *config.Config, input string, flags processFlags) *batchReport {
	t.Helper()
	var out bytes.Buffer
	if err := runProcess(context.Background(), cfg, strings.NewReader(input), &out, flags); err != nil {
		t.Fatalf("runProcess failed: %v", err)
	}
	var report batchReport
	if err := json.Unmarshal(out.Bytes(), &report); err != nil {
		t.Fatalf("failed to parse report: %v", err)
	}
	return &report
}

func TestRunProcess(t *testing.T) {
	date := time.Now().Add(-2 * time.Hour)

	t.Run("EphemeralBatch", func(t *testing.T) {
		input := "[" + strings.Join([]string{
			txJSON("tx-1", "1234567890", "15000", date),
			txJSON("tx-2", "1234567890", "15000", date),
			txJSON("tx-3", "0987654321", "42000", date),
		}, ",") + "]"

		report := runReport(t, testConfig(t), input, processFlags{ephemeral: true, parallel: true, chunkSize: 2})
		if report.Count != 3 {
			t.Fatalf("expected 3 results, got %d", report.Count)
		}
		if report.Failed != 1 || report.Succeeded != 2 {
			t.Errorf("expected 2 succeeded and 1 failed, got %d/%d", report.Succeeded, report.Failed)
		}
		if report.Results[1].Success {
			t.Error("expected tx-2 to fail as a copy of tx-1")
		}
	})

	t.Run("DuplicatesAcrossRuns", func(t *testing.T) {
		cfg := testConfig(t)

		first := runReport(t, cfg, "["+txJSON("run1-tx", "1234567890", "15000", date)+"]", processFlags{})
		if first.Succeeded != 1 {
			t.Fatalf("expected first run to succeed, got %+v", first.Results[0].Errors)
		}

		second := runReport(t, cfg, "["+txJSON("run2-tx", "1234567890", "15000", date)+"]", processFlags{})
		if second.Failed != 1 {
			t.Fatal("expected the repeated transaction to be rejected by the stored fingerprint")
		}
		if second.Results[0].ProcessingStage != domain.StageDuplicateDetection {
			t.Errorf("expected duplicate_detection, got %s", second.Results[0].ProcessingStage)
		}

		repo, err := repository.New(cfg.Repository)
		if err != nil {
			t.Fatalf("failed to reopen repository: %v", err)
		}
		defer repo.Close()

		payload, err := repo.GetProcessed(context.Background(), "run1-tx")
		if err != nil {
			t.Fatalf("expected run1-tx to be stored: %v", err)
		}
		if !bytes.Contains(payload, []byte(`"run1-tx"`)) {
			t.Error("stored payload should contain the transaction id")
		}
	})

	t.Run("EmptyBatch", func(t *testing.T) {
		report := runReport(t, testConfig(t), "[]", processFlags{ephemeral: true})
		if report.Count != 0 {
			t.Errorf("expected no results, got %d", report.Count)
		}
	})
}

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	if err := root.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out.String(), "kestrel "+Version) {
		t.Errorf("unexpected version output: %s", out.String())
	}
}
