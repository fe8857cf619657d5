package main

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"
)

const (
	engineMountPoint = "/pgloader"
	teardownTimeout  = 30 * time.Second
)

// probeFunc checks that a database accepts connections.
type probeFunc func(ctx context.Context, spec ConnectionSpec) error

// TargetHandle describes the target database the engine will load into.
type TargetHandle struct {
	Spec      ConnectionSpec
	Managed   bool
	Container string // empty for a remote target
	Reused    bool   // a running container was found and left as is
}

// EngineHandle identifies a started engine container.
type EngineHandle struct {
	Container string
	RunID     string
}

// targetStrategy is chosen once from the target connection: a loopback target is
// run in a managed container, anything else is only probed.
type targetStrategy interface {
	ensure(ctx context.Context, e *Environment) (*TargetHandle, error)
	name() string
}

type managedTarget struct{ spec ConnectionSpec }

type remoteTarget struct{ spec ConnectionSpec }

func newTargetStrategy(spec ConnectionSpec) targetStrategy {
	if spec.IsLoopback() {
		return managedTarget{spec: spec}
	}
	return remoteTarget{spec: spec}
}

func (managedTarget) name() string { return "managed" }
func (remoteTarget) name() string  { return "remote" }

// Environment owns the containers and network a run needs. It records every
// resource it starts so that Rollback and Release tear down exactly those.
type Environment struct {
	rt          ContainerRuntime
	cfg         RuntimeConfig
	engineImage string
	probe       probeFunc
	target      targetStrategy

	pollInterval time.Duration
	logf         func(format string, args ...any)

	createdNetwork string
	startedTarget  string
	startedEngine  string
}

func newEnvironment(rt ContainerRuntime, cfg RuntimeConfig, engineImage string, target ConnectionSpec, probe probeFunc) *Environment {
	return &Environment{
		rt:           rt,
		cfg:          cfg,
		engineImage:  engineImage,
		probe:        probe,
		target:       newTargetStrategy(target),
		pollInterval: time.Second,
		logf:         log.Printf,
	}
}

// Preflight checks the container runtime without starting anything. It
// returns notes about images that would be pulled.
func (e *Environment) Preflight(ctx context.Context) ([]string, error) {
	if err := e.rt.Ping(ctx); err != nil {
		return nil, fmt.Errorf("container runtime unavailable: %w", err)
	}
	images := []string{e.engineImage}
	if _, ok := e.target.(managedTarget); ok {
		images = append(images, e.cfg.TargetImage)
	}
	var notes []string
	for _, img := range images {
		ok, err := e.rt.ImageExists(ctx, img)
		if err != nil {
			return nil, fmt.Errorf("inspect image %s: %w", img, err)
		}
		if !ok {
			notes = append(notes, fmt.Sprintf("image %s is not present and will be pulled", img))
		}
	}
	return notes, nil
}

// ProbeTarget checks target reachability with the configured probe timeout.
func (e *Environment) ProbeTarget(ctx context.Context, spec ConnectionSpec) error {
	pctx, cancel := context.WithTimeout(ctx, e.cfg.ProbeTimeout)
	defer cancel()
	if err := e.probe(pctx, spec); err != nil {
		return newConnectivityError(spec, err)
	}
	return nil
}

// CheckTarget probes the target without starting anything. A managed target
// whose container is not running is reported in a note instead.
func (e *Environment) CheckTarget(ctx context.Context) ([]string, error) {
	switch t := e.target.(type) {
	case managedTarget:
		name := e.cfg.TargetContainer
		st, err := e.rt.Inspect(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("inspect %s: %w", name, err)
		}
		if st.State != containerRunning {
			return []string{fmt.Sprintf("target container %s is not running and will be started", name)}, nil
		}
		return nil, e.ProbeTarget(ctx, t.spec)
	case remoteTarget:
		return nil, e.ProbeTarget(ctx, t.spec)
	}
	return nil, nil
}

// EnsureTargetRunning makes the target reachable. On failure, anything this
// call started is torn down before the error is returned.
func (e *Environment) EnsureTargetRunning(ctx context.Context) (*TargetHandle, error) {
	e.logf("preparing %s target", e.target.name())
	h, err := e.target.ensure(ctx, e)
	if err != nil {
		e.Rollback()
		return nil, err
	}
	return h, nil
}

func (t remoteTarget) ensure(ctx context.Context, e *Environment) (*TargetHandle, error) {
	if err := e.ProbeTarget(ctx, t.spec); err != nil {
		return nil, err
	}
	e.logf("  target %s reachable", t.spec.Endpoint())
	return &TargetHandle{Spec: t.spec}, nil
}

func (t managedTarget) ensure(ctx context.Context, e *Environment) (*TargetHandle, error) {
	if err := e.ensureNetwork(ctx); err != nil {
		return nil, err
	}

	name := e.cfg.TargetContainer
	h := &TargetHandle{Spec: t.spec, Managed: true, Container: name}

	st, err := e.rt.Inspect(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", name, err)
	}
	switch st.State {
	case containerRunning:
		e.logf("  reusing running container %s", name)
		h.Reused = true
	default:
		if st.State != containerAbsent {
			e.logf("  removing stopped container %s (%s)", name, st.State)
			if err := e.rt.Remove(ctx, name); err != nil {
				return nil, fmt.Errorf("remove %s: %w", name, err)
			}
		}
		if err := e.ensureImage(ctx, e.cfg.TargetImage); err != nil {
			return nil, err
		}
		spec := ContainerSpec{
			Name:    name,
			Image:   e.cfg.TargetImage,
			Network: e.cfg.Network,
			Env: map[string]string{
				"POSTGRES_USER":     t.spec.User,
				"POSTGRES_PASSWORD": t.spec.Password,
				"POSTGRES_DB":       t.spec.Database,
			},
			Ports:     []string{fmt.Sprintf("%d:%d", t.spec.Port, managedTargetPort)},
			Volumes:   []string{e.cfg.TargetVolume + ":/var/lib/postgresql/data"},
			Labels:    map[string]string{"mysql2pg.role": "target"},
			HealthCmd: "pg_isready -U " + shellQuote(t.spec.User) + " -d " + shellQuote(t.spec.Database),
		}
		e.logf("  starting %s (%s)", name, e.cfg.TargetImage)
		if err := e.rt.Run(ctx, spec); err != nil {
			return nil, fmt.Errorf("start %s: %w", name, err)
		}
		e.startedTarget = name
	}

	if err := e.waitHealthy(ctx, name); err != nil {
		return nil, err
	}
	if err := e.ProbeTarget(ctx, t.spec); err != nil {
		return nil, err
	}
	e.logf("  target %s healthy", name)
	return h, nil
}

func (e *Environment) waitHealthy(ctx context.Context, name string) error {
	wctx, cancel := context.WithTimeout(ctx, e.cfg.TargetStartTimeout)
	defer cancel()

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	for {
		st, err := e.rt.Inspect(wctx, name)
		if err != nil {
			return fmt.Errorf("inspect %s: %w", name, err)
		}
		switch {
		case st.State != containerRunning && st.State != "created":
			return fmt.Errorf("container %s stopped while starting (state %q)", name, st.State)
		case st.Health == healthHealthy, st.State == containerRunning && st.Health == "":
			return nil
		case st.Health == healthUnhealthy:
			return fmt.Errorf("container %s reported unhealthy", name)
		}
		select {
		case <-wctx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("container %s not healthy after %s", name, e.cfg.TargetStartTimeout)
		case <-ticker.C:
		}
	}
}

func (e *Environment) ensureNetwork(ctx context.Context) error {
	if e.cfg.Network == "" {
		return nil
	}
	ok, err := e.rt.NetworkExists(ctx, e.cfg.Network)
	if err != nil {
		return fmt.Errorf("inspect network %s: %w", e.cfg.Network, err)
	}
	if ok {
		return nil
	}
	e.logf("  creating network %s", e.cfg.Network)
	if err := e.rt.CreateNetwork(ctx, e.cfg.Network); err != nil {
		return fmt.Errorf("create network %s: %w", e.cfg.Network, err)
	}
	e.createdNetwork = e.cfg.Network
	return nil
}

func (e *Environment) ensureImage(ctx context.Context, image string) error {
	ok, err := e.rt.ImageExists(ctx, image)
	if err != nil {
		return fmt.Errorf("inspect image %s: %w", image, err)
	}
	if ok {
		return nil
	}
	e.logf("  pulling %s", image)
	if err := e.rt.PullImage(ctx, image); err != nil {
		return fmt.Errorf("pull %s: %w", image, err)
	}
	return nil
}

// engineContainerName is pgloader-<first 8 chars of the run id>.
func engineContainerName(runID string) string {
	if len(runID) > 8 {
		runID = runID[:8]
	}
	return "pgloader-" + runID
}

// engineContainerSpec describes the engine container for job. workDir holds
// the load file and is mounted read-only.
func (e *Environment) engineContainerSpec(job *JobDescription, workDir, runID string) (ContainerSpec, error) {
	abs, err := filepath.Abs(workDir)
	if err != nil {
		return ContainerSpec{}, fmt.Errorf("resolve work dir: %w", err)
	}
	spec := ContainerSpec{
		Name:    engineContainerName(runID),
		Image:   e.engineImage,
		Network: e.cfg.Network,
		Volumes: []string{abs + ":" + engineMountPoint + ":ro"},
		Labels:  map[string]string{"mysql2pg.role": "engine", "mysql2pg.run": runID},
		Command: []string{"pgloader", engineMountPoint + "/" + loadFileName},
	}
	if job.Source.IsLoopback() {
		spec.ExtraHosts = []string{dockerHostAlias + ":host-gateway"}
	}
	return spec, nil
}

// EnsureEngineRunning starts the pgloader container for job. On failure,
// everything this Environment started is torn down.
func (e *Environment) EnsureEngineRunning(ctx context.Context, job *JobDescription, workDir, runID string) (*EngineHandle, error) {
	h, err := e.startEngine(ctx, job, workDir, runID)
	if err != nil {
		e.Rollback()
		return nil, err
	}
	return h, nil
}

func (e *Environment) startEngine(ctx context.Context, job *JobDescription, workDir, runID string) (*EngineHandle, error) {
	if err := e.ensureNetwork(ctx); err != nil {
		return nil, err
	}
	if err := e.ensureImage(ctx, e.engineImage); err != nil {
		return nil, err
	}
	spec, err := e.engineContainerSpec(job, workDir, runID)
	if err != nil {
		return nil, err
	}
	e.logf("starting engine %s (%s)", spec.Name, e.engineImage)
	if err := e.rt.Run(ctx, spec); err != nil {
		return nil, fmt.Errorf("start engine: %w", err)
	}
	e.startedEngine = spec.Name
	return &EngineHandle{Container: spec.Name, RunID: runID}, nil
}

// Release removes the engine container and keeps the target running.
func (e *Environment) Release() {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	e.removeEngine(ctx)
}

// Rollback tears down everything this Environment started, in reverse order:
// engine, target, network. Resources that were already present are kept.
// It uses its own context so it still runs after cancellation.
func (e *Environment) Rollback() {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	e.removeEngine(ctx)
	if e.startedTarget != "" {
		e.logf("  removing target container %s", e.startedTarget)
		if err := e.rt.Remove(ctx, e.startedTarget); err != nil {
			e.logf("  WARN: remove %s: %v", e.startedTarget, err)
		}
		e.startedTarget = ""
	}
	if e.createdNetwork != "" {
		e.logf("  removing network %s", e.createdNetwork)
		if err := e.rt.RemoveNetwork(ctx, e.createdNetwork); err != nil {
			e.logf("  WARN: remove network %s: %v", e.createdNetwork, err)
		}
		e.createdNetwork = ""
	}
}

func (e *Environment) removeEngine(ctx context.Context) {
	if e.startedEngine == "" {
		return
	}
	if err := e.rt.Remove(ctx, e.startedEngine); err != nil {
		e.logf("  WARN: remove engine %s: %v", e.startedEngine, err)
	}
	e.startedEngine = ""
}
