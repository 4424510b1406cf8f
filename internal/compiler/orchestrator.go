package compiler

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/gookit/color"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Norgate-AV/sbfbuild/internal/codes"
	"github.com/Norgate-AV/sbfbuild/internal/utils"
	"github.com/Norgate-AV/sbfbuild/internal/workspace"
)

// State is where a crate is in its build
type State int

const (
	Pending State = iota
	Building
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Building:
		return "building"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	}

	return fmt.Sprintf("State(%d)", int(s))
}

// Result is the outcome of one crate build
type Result struct {
	Crate workspace.Crate
	State State
	// ArtifactPath is the deployed .so, set on success
	ArtifactPath string
	// Output is everything cargo printed
	Output   string
	Err      error
	Duration time.Duration
}

// Report aggregates every crate's result, in the order the jobs were given
type Report struct {
	Results []Result
}

// Failed returns the results of crates that did not build
func (r *Report) Failed() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.State != Succeeded {
			out = append(out, res)
		}
	}

	return out
}

// Err combines the failures. An interrupted run reports the interruption
// rather than the builds it cut short.
func (r *Report) Err() error {
	var errs []error
	for _, res := range r.Failed() {
		if codes.Is(res.Err, codes.KindInterrupted) {
			return res.Err
		}

		errs = append(errs, res.Err)
	}

	if len(errs) == 0 {
		return nil
	}

	return codes.New(codes.KindBuild, "build", multierr.Combine(errs...))
}

// Orchestrator builds crates in a bounded worker pool. A failing crate never
// stops its siblings; every job runs before Run returns.
type Orchestrator struct {
	Builder *CommandBuilder
	// Jobs bounds concurrent builds; runtime.NumCPU when zero
	Jobs int
	// Output receives cargo's output prefixed with the crate name; nil discards it
	Output io.Writer
	Log    *zap.Logger

	mu sync.Mutex
}

// Run builds every job and reports the outcome of each
func (o *Orchestrator) Run(ctx context.Context, jobs []Job) *Report {
	report := &Report{Results: make([]Result, len(jobs))}
	for i, job := range jobs {
		report.Results[i] = Result{Crate: job.Crate, State: Pending}
	}

	limit := o.Jobs
	if limit <= 0 {
		limit = runtime.NumCPU()
	}

	var g errgroup.Group
	g.SetLimit(limit)

	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			report.Results[i] = o.build(ctx, job)
			return nil
		})
	}

	_ = g.Wait()
	return report
}

func (o *Orchestrator) build(ctx context.Context, job Job) Result {
	crate := job.Crate
	res := Result{Crate: crate, State: Building}
	log := o.logger().With(zap.String("crate", crate.Name), zap.String("toolchain", job.Config.ToolsVersion))

	fail := func(err error) Result {
		res.State = Failed
		res.Err = err
		log.Debug("build failed", zap.Error(err))
		return res
	}

	if err := ctx.Err(); err != nil {
		return fail(codes.New(codes.KindInterrupted, "build", fmt.Errorf("%s: %w", crate.Name, err)))
	}

	builder := o.Builder
	if builder == nil {
		builder = NewCommandBuilder("")
	}

	sc := builder.Command(job.Config, crate)
	log.Debug("running cargo", zap.String("command", sc.String()))

	captured := &syncBuffer{}
	var out io.Writer = captured

	var stream *prefixWriter
	if o.Output != nil {
		stream = newPrefixWriter(&o.mu, o.Output, color.Cyan.Sprintf("[%s] ", crate.Name))
		out = io.MultiWriter(captured, stream)
	}

	start := time.Now()
	err := builder.ExecuteCommand(ctx, sc, out)
	res.Duration = time.Since(start)
	res.Output = captured.String()

	if stream != nil {
		_ = stream.Flush()
	}

	if err != nil {
		if ctx.Err() != nil {
			return fail(codes.New(codes.KindInterrupted, "build", fmt.Errorf("%s: %w", crate.Name, ctx.Err())))
		}

		return fail(codes.Errorf(codes.KindBuild, "build", "%s: cargo build failed: %w", crate.Name, err))
	}

	artifact := job.Config.ArtifactPath(crate)
	if _, err := os.Stat(artifact); err != nil {
		return fail(codes.Errorf(codes.KindBuild, "build", "%s: build produced no artifact at %s", crate.Name, artifact))
	}

	deploy := job.Config.DeployPath(crate)
	if err := utils.CopyFile(artifact, deploy); err != nil {
		return fail(codes.Errorf(codes.KindIO, "build", "%s: %w", crate.Name, err))
	}

	res.State = Succeeded
	res.ArtifactPath = deploy
	log.Debug("build succeeded", zap.String("artifact", deploy), zap.Duration("took", res.Duration))

	return res
}

func (o *Orchestrator) logger() *zap.Logger {
	if o.Log == nil {
		return zap.NewNop()
	}

	return o.Log
}
