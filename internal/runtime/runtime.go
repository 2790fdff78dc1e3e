// Package runtime builds the Runtime value: an explicit value constructed at
// process start holding the engine, monitor, lane manager, and device
// registry, passed by shared reference to every handler instead of relying
// on global singletons. Tests construct a private Runtime of their own.
package runtime

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/salusml/salus/internal/config"
	"github.com/salusml/salus/internal/dataflow"
	"github.com/salusml/salus/internal/device"
	"github.com/salusml/salus/internal/engine"
	"github.com/salusml/salus/internal/lane"
	"github.com/salusml/salus/internal/resources"
	"k8s.io/klog/v2"
)

// Options configures a Runtime at construction time.
type Options struct {
	GPUMemoryCeiling int64  // 0 means no cap
	WorkerPoolSize   int    // 0 means default of 4
	JanitorSchedule  string // robfig/cron expression, default "*/30 * * * * *"
	// KernelFactory builds the kernel dispatcher bound to a session, the
	// boundary to whatever tensor-op library backs actual kernel execution;
	// callers that only want to exercise scheduling and paging can leave it
	// nil and accept dataflow's zero-value (always erroring) dispatcher.
	KernelFactory func(*engine.Session) dataflow.KernelDispatcher
	// Recorder, if set, receives admission and scheduling events for metrics
	// collection. Left nil, the engine runs with no observer.
	Recorder engine.Recorder
}

// Runtime is the process-wide value wiring components A-E together: the
// resource monitor, lane manager, device registry, and execution engine,
// plus the background janitor that periodically garbage-collects empty
// lanes.
type Runtime struct {
	Flags   config.EnvFlags
	Monitor *resources.Monitor
	Lanes   *lane.Manager
	Devices *device.Registry
	Engine  *engine.Engine

	janitor *cron.Cron
	logger  klog.Logger
}

// New discovers the host's GPUs and RAM, seeds the resource monitor and lane
// manager, registers simulated CPU/GPU devices, and wires an Engine over
// them. Callers (cmd/salusd, or a test) still need to call Start to begin
// the scheduling loop and janitor.
func New(opts Options) (*Runtime, error) {
	flags := config.LoadEnvFlags()

	gpus := config.DiscoverGPUs(opts.GPUMemoryCeiling)
	cpuMem, err := config.DiscoverHostLimits()
	if err != nil {
		klog.Background().WithName("runtime").V(1).Info("host limit discovery degraded", "err", err)
	}

	monitor := resources.NewMonitor(config.PlatformLimits(cpuMem, gpus))

	var lanes *lane.Manager
	if flags.DisableLaneManager {
		lanes = lane.NewManager(gpus[:1])
	} else {
		lanes = lane.NewManager(gpus)
	}

	devices := device.NewRegistry()
	devices.Register(device.NewCPU(0))
	for _, g := range gpus {
		devices.Register(device.NewGPU(g.Device.Index, g.StreamsPerGPU))
	}

	poolSize := opts.WorkerPoolSize
	if poolSize <= 0 {
		poolSize = config.DefaultWorkerPoolSize(0)
	}
	eng := engine.New(monitor, lanes, devices, poolSize)
	eng.KernelFactory = opts.KernelFactory
	eng.Recorder = opts.Recorder

	schedule := opts.JanitorSchedule
	if schedule == "" {
		schedule = "*/30 * * * * *"
	}
	janitor := cron.New(cron.WithSeconds())

	rt := &Runtime{
		Flags:   flags,
		Monitor: monitor,
		Lanes:   lanes,
		Devices: devices,
		Engine:  eng,
		janitor: janitor,
		logger:  klog.Background().WithName("runtime"),
	}

	if _, err := janitor.AddFunc(schedule, rt.runJanitor); err != nil {
		return nil, fmt.Errorf("runtime: invalid janitor schedule %q: %w", schedule, err)
	}
	return rt, nil
}

// runJanitor sweeps garbage-collectible lanes on the cron's schedule.
func (rt *Runtime) runJanitor() {
	n := rt.Lanes.GC()
	if n > 0 {
		rt.logger.V(2).Info("janitor collected lanes", "count", n)
	}
}

// Start begins the scheduling loop (in the caller's goroutine context via
// Engine.Run, which blocks) and the janitor cron. Callers typically run
// Start in its own goroutine and Stop on shutdown.
func (rt *Runtime) Start(ctx context.Context) {
	rt.janitor.Start()
	rt.Engine.Run(ctx)
}

// Stop halts the scheduling loop, worker pool, and janitor.
func (rt *Runtime) Stop() {
	rt.Engine.Stop()
	stopCtx := rt.janitor.Stop()
	<-stopCtx.Done()
}
