package simulate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/okian/benchrank/internal/adapters/lock"
	"github.com/okian/benchrank/internal/adapters/repository"
	service "github.com/okian/benchrank/internal/app"
	"github.com/okian/benchrank/internal/domain/model"
	"github.com/okian/benchrank/internal/domain/types"
	"github.com/okian/benchrank/pkg/logger"
)

// File permission constants.
const (
	directoryPermission = 0o750
	filePermission      = 0o600
)

// DefaultMinConcordance is the share of model pairs that must be ordered
// like their hidden strength for a local run to pass.
const DefaultMinConcordance = 0.7

// Result is the outcome of a local simulation.
type Result struct {
	Load        Stats
	Report      types.RunReport
	Rankings    map[model.RankingKind]types.Page
	Concordance float64
}

// RunLocal generates s, loads it into an in-memory store, runs one
// computation in process, and verifies the model ranking.
func RunLocal(ctx context.Context, s Scenario, workers int, minConcordance float64, opts ...Option) (*Result, error) {
	log := newOptions(opts).logger

	ds, err := Generate(s)
	if err != nil {
		return nil, err
	}

	store := repository.NewMemoryStore()
	svc := service.New(store, lock.NewMemoryLocker(),
		service.WithHolder("simulator"),
		service.WithLogger(log),
	)
	if err := svc.Start(ctx); err != nil {
		return nil, fmt.Errorf("start service: %w", err)
	}
	defer svc.Stop()

	res := &Result{Rankings: make(map[model.RankingKind]types.Page)}
	if res.Load, err = Load(ctx, store, ds, workers, WithLogger(log)); err != nil {
		return res, fmt.Errorf("load dataset: %w", err)
	}

	res.Report, err = svc.RunComputation(ctx)
	if err != nil {
		return res, fmt.Errorf("run computation: %w", err)
	}

	for _, kind := range model.AllKinds() {
		total := max(s.Models, s.Users, s.Prompts, s.PromptSets, 1)
		page, err := svc.Page(ctx, kind, 0, total, 0)
		if err != nil {
			return res, fmt.Errorf("read %s: %w", kind, err)
		}
		res.Rankings[kind] = page
	}

	elo := res.Rankings[model.KindModelElo]
	res.Concordance = Concordance(ds, elo.Entries)
	log.Info(ctx, "local simulation finished",
		logger.Int64("epochId", res.Report.ComputationID),
		logger.Int("matches", res.Report.MatchesProcessed),
		logger.Int("skipped", res.Report.Skipped),
		logger.Float64("concordance", res.Concordance),
	)
	return res, Verify(ds, elo, minConcordance)
}

// RunRemote triggers one computation on a running server and fetches the
// top entries of every ranking.
func RunRemote(ctx context.Context, c *Client, top int) (types.RunReport, map[model.RankingKind]types.Page, error) {
	if err := c.Health(ctx); err != nil {
		return types.RunReport{}, nil, fmt.Errorf("service health check failed: %w", err)
	}
	report, err := c.Trigger(ctx)
	if err != nil {
		return report, nil, err
	}
	pages := make(map[model.RankingKind]types.Page)
	for _, kind := range model.AllKinds() {
		page, err := c.Page(ctx, kind, 0, top, 0)
		if err != nil {
			return report, pages, err
		}
		pages[kind] = page
	}
	return report, pages, nil
}

// SaveDataset writes ds as indented JSON. An empty filename gets a
// timestamped name in the working directory.
func SaveDataset(ctx context.Context, ds *Dataset, filename string, opts ...Option) (string, error) {
	if filename == "" {
		filename = "dataset_" + time.Now().Format("20060102_150405") + ".json"
	}
	if dir := filepath.Dir(filename); dir != "." {
		if err := os.MkdirAll(dir, directoryPermission); err != nil {
			return "", fmt.Errorf("failed to create directory: %w", err)
		}
	}
	data, err := json.MarshalIndent(ds, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal dataset: %w", err)
	}
	if err := os.WriteFile(filename, data, filePermission); err != nil {
		return "", fmt.Errorf("write dataset: %w", err)
	}
	newOptions(opts).logger.Info(ctx, "dataset saved", logger.String("filename", filename))
	return filename, nil
}

// ReadDataset reads a dataset written by SaveDataset.
func ReadDataset(filename string) (*Dataset, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	var ds Dataset
	if err := json.Unmarshal(data, &ds); err != nil {
		return nil, fmt.Errorf("decode dataset: %w", err)
	}
	return &ds, nil
}
