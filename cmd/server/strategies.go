package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/tradeflow-ai/tradeflow/internal/pkg/infra"
	"github.com/tradeflow-ai/tradeflow/internal/scheduler"
	"github.com/tradeflow-ai/tradeflow/internal/workflow"
)

// strategyFile is one scheduled strategy on disk, conventionally under
// configs/strategies/*.json.
type strategyFile struct {
	WorkflowID  string              `json:"workflow_id"`
	BotID       string              `json:"bot_id"`
	StrategyID  string              `json:"strategy_id"`
	Schedule    string              `json:"schedule"`
	MaxParallel int                 `json:"max_parallel"`
	Definition  workflow.Definition `json:"definition"`
}

// loadStrategies builds and schedules a runtime for every strategy file.
// A missing directory is not an error; a broken file is, so a bad deploy
// fails loudly instead of silently skipping strategies.
func loadStrategies(dir string, inf *infra.Infrastructure, registry *workflow.Registry, sched *scheduler.Scheduler) (int, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return 0, err
	}

	loaded := 0
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return loaded, fmt.Errorf("strategy %s: %w", path, err)
		}
		var sf strategyFile
		if err := json.Unmarshal(raw, &sf); err != nil {
			return loaded, fmt.Errorf("strategy %s: %w", path, err)
		}
		if sf.WorkflowID == "" || sf.Schedule == "" {
			return loaded, fmt.Errorf("strategy %s: workflow_id and schedule are required", path)
		}

		rt := workflow.NewRuntime(&sf.Definition, workflow.Options{
			WorkflowID:  sf.WorkflowID,
			BotID:       sf.BotID,
			StrategyID:  sf.StrategyID,
			Registry:    registry,
			MaxParallel: sf.MaxParallel,
		}, inf)
		if err := rt.Initialize(); err != nil {
			return loaded, fmt.Errorf("strategy %s: %w", path, err)
		}
		if _, err := sched.Add(sf.Schedule, sf.WorkflowID, rt); err != nil {
			return loaded, fmt.Errorf("strategy %s: %w", path, err)
		}

		log.Info().
			Str("workflow_id", sf.WorkflowID).
			Str("schedule", sf.Schedule).
			Str("file", filepath.Base(path)).
			Msg("Strategy loaded")
		loaded++
	}
	return loaded, nil
}
