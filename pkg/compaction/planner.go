// Package compaction merges SSTables of similar size into larger ones.
//
// Tables are grouped into size tiers; once a tier holds more tables than the
// trigger, its oldest tables are merged. The merge keeps every version some
// open snapshot can still see and drops tombstones that no longer shadow
// anything.
package compaction

import (
	"math"

	"strata/pkg/manifest"
)

// Options tune planning and output.
type Options struct {
	// SizeRatio is the growth factor between tiers.
	SizeRatio float64
	// MinTableSize is the upper bound of tier 0.
	MinTableSize uint64
	// Trigger is the table count a tier must exceed to be compacted.
	Trigger int
	// MaxInputs caps the tables merged by one task.
	MaxInputs int
	// TargetFileSize splits outputs.
	TargetFileSize uint64
}

func (o *Options) fill() {
	if o.SizeRatio <= 1 {
		o.SizeRatio = 4
	}
	if o.MinTableSize == 0 {
		o.MinTableSize = 1 << 20
	}
	if o.Trigger < 1 {
		o.Trigger = 4
	}
	if o.MaxInputs < 2 {
		o.MaxInputs = 8
	}
	if o.TargetFileSize == 0 {
		o.TargetFileSize = 64 << 20
	}
}

// Task describes a single compaction unit.
type Task struct {
	Tier   int
	Inputs []manifest.TableMeta
}

// Planner picks size-tiered compaction tasks.
type Planner struct {
	opts Options
}

func NewPlanner(opts Options) *Planner {
	opts.fill()
	return &Planner{opts: opts}
}

// Tier returns the size class of a table: floor(log_ratio(size / min_table_size)).
func (p *Planner) Tier(size uint64) int {
	if size <= p.opts.MinTableSize {
		return 0
	}
	return int(math.Floor(math.Log(float64(size)/float64(p.opts.MinTableSize)) / math.Log(p.opts.SizeRatio)))
}

// Pick returns the next task for v, smallest tier first.
func (p *Planner) Pick(v *manifest.Version) (Task, bool) {
	tiers := make(map[int][]manifest.TableMeta)
	lowest, highest := math.MaxInt, -1
	// v.Tables is ordered by id, so each tier is oldest first
	for _, t := range v.Tables {
		tier := p.Tier(t.Size)
		tiers[tier] = append(tiers[tier], t)
		lowest, highest = min(lowest, tier), max(highest, tier)
	}

	for tier := lowest; tier <= highest; tier++ {
		tables := tiers[tier]
		if len(tables) <= p.opts.Trigger {
			continue
		}
		n := min(len(tables), p.opts.MaxInputs)
		return Task{Tier: tier, Inputs: append([]manifest.TableMeta(nil), tables[:n]...)}, true
	}
	return Task{}, false
}
