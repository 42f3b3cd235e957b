// Package build runs the image-set build pipeline for one build key
package build

import (
	"context"

	"github.com/pkg/errors"

	"github.com/cdimage/cdimage/internal/safegroup"
	pcontext "github.com/cdimage/cdimage/pkg/context"
	"github.com/cdimage/cdimage/pkg/logger"
)

// Stage is one step of the pipeline
type Stage struct {
	// Name identifies the stage in errors and console output
	Name string
	// Label returns the marker text. A nil Label writes no marker.
	Label func() string
	// Probe reports whether the stage applies. A nil Probe always runs.
	Probe func() bool
	Run   func(ctx context.Context) error
}

// Label returns a fixed marker label
func Label(text string) func() string {
	return func() string { return text }
}

// Pipeline runs stages strictly in order, stopping at the first failure
type Pipeline struct {
	stages  []Stage
	log     logger.MarkerLogger
	console logger.Logger
}

// NewPipeline creates a pipeline writing markers to log
func NewPipeline(stages []Stage, log logger.MarkerLogger, console logger.Logger) *Pipeline {
	if console == nil {
		console = logger.Discard()
	}
	return &Pipeline{stages: stages, log: log, console: console}
}

// Stages returns the configured stages
func (p *Pipeline) Stages() []Stage {
	return p.stages
}

// Run executes every applicable stage. Skipped stages leave no trace in
// the build log. A panicking stage fails the pipeline like any other error.
func (p *Pipeline) Run(ctx context.Context) error {
	for _, stage := range p.stages {
		if err := ctx.Err(); err != nil {
			return errors.Wrapf(err, "build interrupted before %s", stage.Name)
		}
		stageCtx := pcontext.WithStage(ctx, stage.Name)
		console := logger.WithContext(stageCtx, p.console)
		if stage.Probe != nil && !stage.Probe() {
			console.Debug("Skipping stage")
			continue
		}
		if stage.Label != nil {
			p.log.Marker(stage.Label())
		}
		if stage.Run == nil {
			continue
		}

		console.Debug("Running stage")
		run := stage.Run
		if err := safegroup.Run(console, func() error { return run(stageCtx) }); err != nil {
			return errors.Wrapf(err, "%s stage failed", stage.Name)
		}
	}
	return nil
}
