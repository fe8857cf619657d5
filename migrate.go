package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

type sourceOpener func(spec ConnectionSpec, dialTimeout time.Duration) (SourceInspector, error)

type targetOpener func(ctx context.Context, spec ConnectionSpec, connectTimeout time.Duration, maxConns int32) (TargetInspector, error)

func openMySQL(spec ConnectionSpec, dialTimeout time.Duration) (SourceInspector, error) {
	s, err := openMySQLSource(spec, dialTimeout)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func openPostgres(ctx context.Context, spec ConnectionSpec, connectTimeout time.Duration, maxConns int32) (TargetInspector, error) {
	p, err := openPostgresTarget(ctx, spec, connectTimeout, maxConns)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// migration is one invocation of the tool: a dry run or a full run.
type migration struct {
	cfg    *MigrationConfig
	runID  string
	dryRun bool

	rt         ContainerRuntime
	openSource sourceOpener
	openTarget targetOpener
	probe      probeFunc

	out  io.Writer // load file preview and report text
	echo io.Writer // raw engine output; nil unless verbose
	now  func() time.Time
	logf func(format string, args ...any)

	pollInterval time.Duration // target health polling; zero keeps the default
}

func newMigration(cfg *MigrationConfig, dryRun bool) *migration {
	return &migration{
		cfg:        cfg,
		runID:      uuid.NewString(),
		dryRun:     dryRun,
		rt:         newDockerCLI(cfg.Runtime.DockerBin),
		openSource: openMySQL,
		openTarget: openPostgres,
		probe:      probePostgres,
		out:        os.Stdout,
		now:        time.Now,
		logf:       log.Printf,
	}
}

// Run drives the run through the state machine and records it in the
// journal. The returned error maps to the process exit code.
func (m *migration) Run(ctx context.Context) (err error) {
	start := m.now()
	source, target := m.cfg.SourceSpec(), m.cfg.TargetSpec()

	jr, err := openJournal(ctx, m.cfg.resolvePath(m.cfg.StateDir))
	if err != nil {
		return err
	}
	defer jr.Close()
	if err := jr.StartRun(ctx, m.runID, source, target, m.dryRun, start); err != nil {
		return err
	}

	// Journal writes outlive cancellation so an interrupted run is still recorded.
	bg := context.WithoutCancel(ctx)
	sm := newStateMachine(func(from, to RunState, at time.Time) {
		if err := jr.RecordTransition(bg, m.runID, from, to, at); err != nil {
			m.logf("  WARN: %v", err)
		}
	})
	sm.now = m.now
	metrics := newRunMetrics()

	defer func() {
		if err != nil && ctx.Err() != nil && !errors.Is(err, ErrCancelled) {
			err = fmt.Errorf("%w: %v", ErrCancelled, err)
		}
		if err != nil {
			sm.Fail()
		}
		end := m.now()
		if ferr := jr.FinishRun(bg, m.runID, exitCode(err), err, end); ferr != nil {
			m.logf("  WARN: %v", ferr)
		}
		if m.dryRun {
			return
		}
		metrics.Finish(end.Sub(start), err, end)
		var textfile string
		if m.cfg.Metrics.Textfile != "" {
			textfile = m.cfg.resolvePath(m.cfg.Metrics.Textfile)
		}
		if merr := metrics.Export(bg, m.cfg.Metrics, textfile); merr != nil {
			m.logf("  WARN: %v", merr)
		}
	}()

	mode := "migration"
	if m.dryRun {
		mode = "dry run"
	}
	m.logf("mysql2pg %s: MySQL → PostgreSQL %s (run %s)", versionString(), mode, m.runID)
	m.logf("source: %s", source)
	m.logf("target: %s", target)
	if err := sm.To(StateConfigLoaded); err != nil {
		return err
	}

	// 1. Hook files are embedded in the load file, so read them up front
	before, err := loadHookStatements(m.cfg, m.cfg.Hooks.BeforeLoad, "before_load")
	if err != nil {
		return err
	}
	after, err := loadHookStatements(m.cfg, m.cfg.Hooks.AfterLoad, "after_load")
	if err != nil {
		return err
	}

	// 2. Connect to MySQL (introspection and validation only)
	m.logf("connecting to MySQL...")
	src, err := m.openSource(source, m.cfg.Runtime.ProbeTimeout)
	if err != nil {
		return newConnectivityError(source, err)
	}
	defer src.Close()
	pctx, cancel := context.WithTimeout(ctx, m.cfg.Runtime.ProbeTimeout)
	err = src.Probe(pctx)
	cancel()
	if err != nil {
		return newConnectivityError(source, err)
	}

	// 3. Introspect
	m.logf("introspecting MySQL database '%s'...", source.Database)
	inventory, err := src.Inventory(ctx)
	if err != nil {
		return fmt.Errorf("introspect source: %w", err)
	}
	objs, err := src.Objects(ctx)
	if err != nil {
		return fmt.Errorf("discover source objects: %w", err)
	}

	// 4. Build the job
	job, unmapped, err := buildJob(source, target, inventory, m.cfg.JobOptions(before, after))
	if err != nil {
		return err
	}
	m.logf("found %d tables, migrating %d", len(inventory), len(job.Tables))
	for _, t := range job.Tables {
		m.logf("  %s (~%s rows, %d cols, %d indexes, %d fks)",
			t.Name, humanize.Comma(t.ApproxRows), len(t.Columns), len(t.Indexes), len(t.ForeignKeys))
	}
	warnings := preflightWarnings(job, inventory, unmapped, objs)
	if len(warnings) > 0 {
		m.logf("preflight report: %d warning(s)", len(warnings))
		for _, w := range warnings {
			m.logf("  WARN: %s", w)
		}
		if err := jr.RecordWarnings(bg, m.runID, warnings); err != nil {
			m.logf("  WARN: %v", err)
		}
	}

	env := newEnvironment(m.rt, m.cfg.Runtime, m.cfg.Engine.Image, target, m.probe)
	env.logf = m.logf
	if m.pollInterval > 0 {
		env.pollInterval = m.pollInterval
	}

	if m.dryRun {
		return m.check(ctx, sm, env, job)
	}
	return m.execute(ctx, sm, env, job, src, warnings, jr, metrics)
}

// check is the dry run: connectivity probes and a redacted load file preview.
// Nothing is started, written or counted.
func (m *migration) check(ctx context.Context, sm *stateMachine, env *Environment, job *JobDescription) error {
	m.logf("checking container runtime...")
	notes, err := env.Preflight(ctx)
	if err != nil {
		return err
	}
	m.logf("checking target...")
	targetNotes, err := env.CheckTarget(ctx)
	if err != nil {
		return err
	}
	for _, n := range append(notes, targetNotes...) {
		m.logf("  %s", n)
	}

	fmt.Fprintf(m.out, "# %s (credentials redacted)\n%s", loadFileName, job.Render(true))
	if err := sm.To(StateDryRunChecked); err != nil {
		return err
	}
	m.logf("dry run complete: nothing was started or written")
	return sm.To(StateDone)
}

// execute runs the engine, then validates and reports. An engine failure
// still validates whatever completed; cancellation tears everything down
// and skips validation.
func (m *migration) execute(ctx context.Context, sm *stateMachine, env *Environment, job *JobDescription,
	src SourceInspector, warnings []string, jr *journal, metrics *runMetrics) error {
	bg := context.WithoutCancel(ctx)

	// 5. Target
	th, err := env.EnsureTargetRunning(ctx)
	if err != nil {
		return err
	}
	workDir := m.cfg.resolvePath(m.cfg.Engine.WorkDir)
	loadPath, err := writeLoadFile(job, workDir)
	if err != nil {
		env.Rollback()
		return err
	}
	m.logf("load file written to %s", loadPath)
	if err := sm.To(StateEnvironmentReady); err != nil {
		env.Rollback()
		return err
	}

	// 6. Engine
	eh, err := env.EnsureEngineRunning(ctx, job, workDir, m.runID)
	if err != nil {
		return err
	}
	if err := sm.To(StateJobRunning); err != nil {
		env.Rollback()
		return err
	}

	m.logf("migrating %d tables with pgloader...", len(job.Tables))
	obs := newProgressObserver(job.Tables)
	obs.logf = m.logf
	res, runErr := runEngine(ctx, m.rt, eh, obs, workDir, func(ev ProgressEvent) {
		metrics.ObserveProgress(ev)
		m.logProgress(ev)
	}, m.echo)
	if res != nil {
		metrics.ObserveEngine(res)
		if err := jr.RecordEngine(bg, m.runID, res); err != nil {
			m.logf("  WARN: %v", err)
		}
	}

	if errors.Is(runErr, ErrCancelled) || ctx.Err() != nil {
		m.logf("cancelled: removing started containers")
		env.Rollback()
		if runErr == nil {
			runErr = ErrCancelled
		}
		return runErr
	}
	env.Release()

	var engErr *EngineExecutionError
	if runErr != nil && !errors.As(runErr, &engErr) {
		return runErr
	}
	if engErr != nil {
		m.logf("  WARN: pgloader exited with code %d; validating what completed", engErr.ExitCode)
	} else {
		m.logf("pgloader finished, transcript in %s", res.LogPath)
	}

	// 7. Validate
	result, err := m.validate(ctx, job, th.Spec, src)
	if err != nil {
		if engErr != nil {
			m.logf("  WARN: validation skipped: %v", err)
			return runErr
		}
		return err
	}
	metrics.ObserveValidation(result)
	if err := jr.RecordValidation(bg, m.runID, result); err != nil {
		m.logf("  WARN: %v", err)
	}
	if engErr == nil {
		if err := sm.To(StateValidated); err != nil {
			return err
		}
	}

	// 8. Report
	rep := render(result)
	rep.Notes = warnings
	if engErr != nil {
		rep.Notes = append([]string{engErr.Error()}, rep.Notes...)
	}
	fmt.Fprint(m.out, rep.Text())
	paths, err := writeReports(m.cfg.resolvePath(m.cfg.Report.Dir), m.cfg.Report.Formats, rep)
	for _, p := range paths {
		m.logf("report written to %s", p)
	}
	if err != nil {
		return err
	}
	if engErr != nil {
		return runErr
	}
	if err := sm.To(StateReported); err != nil {
		return err
	}
	if err := sm.To(StateDone); err != nil {
		return err
	}
	if result.Status == StatusFail {
		return ErrValidationFailed
	}
	return nil
}

func (m *migration) validate(ctx context.Context, job *JobDescription, target ConnectionSpec, src SourceInspector) (*ValidationResult, error) {
	m.logf("validating %d tables...", len(job.Tables))
	tgt, err := m.openTarget(ctx, target, m.cfg.Runtime.ProbeTimeout, int32(job.Options.Workers))
	if err != nil {
		return nil, newConnectivityError(target, err)
	}
	defer tgt.Close()

	v := newValidator(src, tgt, job.Options.Workers)
	v.logf = m.logf
	v.now = m.now
	return v.Validate(ctx, job)
}

func (m *migration) logProgress(ev ProgressEvent) {
	switch ev.Phase {
	case PhaseStarting:
		m.logf("  %s: started", ev.Table)
	case PhaseMigrating:
		if ev.RowsTotal != nil && *ev.RowsTotal > 0 {
			pct := ev.RowsDone * 100 / *ev.RowsTotal
			m.logf("  %s: %s of ~%s rows (%d%%)", ev.Table, humanize.Comma(ev.RowsDone), humanize.Comma(*ev.RowsTotal), min(pct, 100))
			return
		}
		m.logf("  %s: %s rows", ev.Table, humanize.Comma(ev.RowsDone))
	case PhaseDone:
		m.logf("  %s: done, %s rows in %s", ev.Table, humanize.Comma(ev.RowsDone), ev.Elapsed.Round(time.Millisecond))
	case PhaseFailed:
		m.logf("  WARN: %s: failed after %s rows", ev.Table, humanize.Comma(ev.RowsDone))
	}
}
