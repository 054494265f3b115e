package restore

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/dustin/go-humanize"
)

var errMemoryUnknown = errors.New("total memory unknown on " + runtime.GOOS)

// SystemMemory returns the total physical memory of the machine in bytes.
func SystemMemory() (uint64, error) {
	n, err := totalSystemMemory()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, errMemoryUnknown
	}
	return n, nil
}

// PoolConfig is the input to the concurrency policy.
type PoolConfig struct {
	// CPUWorkers bounds the light stages. Zero means runtime.NumCPU().
	CPUWorkers int
	// HungryWorkers bounds the memory-hungry stages on machines at or above MemoryThreshold.
	HungryWorkers int
	// MemoryThreshold is the total memory below which hungry stages run one job at a time.
	MemoryThreshold uint64
	// StageWorkers overrides the policy for individual stages.
	StageWorkers map[Stage]int
}

// Plan is the worker count for every wave, decided once at batch start.
type Plan struct {
	TotalMemory uint64         `json:"total_memory" yaml:"total_memory"`
	MemoryKnown bool           `json:"memory_known" yaml:"memory_known"`
	LowMemory   bool           `json:"low_memory" yaml:"low_memory"`
	Workers     map[string]int `json:"workers" yaml:"workers"`
}

// WorkersFor returns the pool size for a stage. Never less than one.
func (p Plan) WorkersFor(s Stage) int {
	if n := p.Workers[s.String()]; n > 0 {
		return n
	}
	return 1
}

func (p Plan) String() string {
	mem := "unknown"
	if p.MemoryKnown {
		mem = humanize.IBytes(p.TotalMemory)
	}
	return fmt.Sprintf("memory=%s low=%t prep=%d restore=%d vectorize=%d compose=%d",
		mem, p.LowMemory,
		p.WorkersFor(StagePrep), p.WorkersFor(StageRestore),
		p.WorkersFor(StageVectorize), p.WorkersFor(StageCompose))
}

// PlanConcurrency sizes the wave pools. Light stages get one worker per CPU;
// memory-hungry stages get HungryWorkers, or exactly one when the machine has
// less than MemoryThreshold of memory or its memory couldn't be determined.
func PlanConcurrency(cfg PoolConfig, totalMemory uint64, memoryKnown bool) Plan {
	cpu := cfg.CPUWorkers
	if cpu <= 0 {
		cpu = runtime.NumCPU()
	}
	hungry := cfg.HungryWorkers
	if hungry <= 0 {
		hungry = 1
	}

	low := !memoryKnown || totalMemory < cfg.MemoryThreshold
	if low {
		hungry = 1
	}

	plan := Plan{
		TotalMemory: totalMemory,
		MemoryKnown: memoryKnown,
		LowMemory:   low,
		Workers:     make(map[string]int, len(Stages)),
	}
	for _, s := range Stages {
		n := cpu
		if s.MemoryHungry() {
			n = hungry
		}
		if override := cfg.StageWorkers[s]; override > 0 {
			n = override
		}
		plan.Workers[s.String()] = n
	}
	return plan
}
