// Package kstat assembles the kernel's scheduler and memory-object
// accounting into a github.com/google/pprof/profile.Profile so an external
// `pprof` can render CPU occupancy and page residency the same way it
// renders a Go program's own CPU/heap profile, rather than a string dump
// nothing downstream of the kernel could consume.
package kstat

import (
	"fmt"
	"io"
	"mobj"
	"sched"

	"github.com/google/pprof/profile"
)

const (
	locIDScheduler uint64 = 1
	locIDResidency uint64 = 2

	fnIDReadyQueue uint64 = 1
	fnIDResident   uint64 = 2
)

// SchedulerSnapshot assembles one pprof sample per (CPU, priority) ready
// queue with a nonzero length, plus one sample for the global blocked
// queue, valued by task count. Labels carry the CPU ID and priority so
// `pprof -tags` can slice by either.
func SchedulerSnapshot() *profile.Profile {
	fn := &profile.Function{ID: fnIDReadyQueue, Name: "ready_queue"}
	loc := &profile.Location{ID: locIDScheduler, Line: []profile.Line{{Function: fn}}}
	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "tasks", Unit: "count"}},
		PeriodType: &profile.ValueType{Type: "scheduler", Unit: "snapshot"},
		Period:     1,
		Function:   []*profile.Function{fn},
		Location:   []*profile.Location{loc},
	}

	addQueue := func(cpu string, prio, n int) {
		if n == 0 {
			return
		}
		p.Sample = append(p.Sample, &profile.Sample{
			Location: p.Location,
			Value:    []int64{int64(n)},
			Label: map[string][]string{
				"cpu":      {cpu},
				"priority": {fmt.Sprintf("%d", prio)},
			},
		})
	}

	for _, c := range sched.CPUs() {
		cpu := fmt.Sprintf("cpu%d", c.ID)
		for prio := 0; prio < sched.NumPriorities; prio++ {
			addQueue(cpu, prio, c.LocalQueueLen(prio))
		}
	}
	for prio := 0; prio < sched.NumPriorities; prio++ {
		addQueue("global", prio, sched.GlobalQueueLen(prio))
	}
	if n := sched.BlockedLen(); n > 0 {
		p.Sample = append(p.Sample, &profile.Sample{
			Location: p.Location,
			Value:    []int64{int64(n)},
			Label:    map[string][]string{"cpu": {"blocked"}},
		})
	}
	return p
}

// ResidencySnapshot assembles one pprof sample per memory object with at
// least one resident page, valued by resident-page count (4 KiB pages).
func ResidencySnapshot() *profile.Profile {
	fn := &profile.Function{ID: fnIDResident, Name: "resident_pages"}
	loc := &profile.Location{ID: locIDResidency, Line: []profile.Line{{Function: fn}}}
	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "pages", Unit: "count"}},
		PeriodType: &profile.ValueType{Type: "residency", Unit: "snapshot"},
		Period:     1,
		Function:   []*profile.Function{fn},
		Location:   []*profile.Location{loc},
	}
	for _, mo := range mobj.All() {
		n := mo.ResidentPages()
		if n == 0 {
			continue
		}
		p.Sample = append(p.Sample, &profile.Sample{
			Location: p.Location,
			Value:    []int64{int64(n)},
			Label:    map[string][]string{"mem_object": {fmt.Sprintf("%d", mo.ID)}},
		})
	}
	return p
}

// Write validates p and writes it gzip-encoded to w, ready for `go tool
// pprof` or the pprof web UI to open directly.
func Write(p *profile.Profile, w io.Writer) error {
	if err := p.CheckValid(); err != nil {
		return err
	}
	return p.Write(w)
}
