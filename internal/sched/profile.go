package sched

import (
	"io"
	"time"

	"github.com/google/pprof/profile"
)

// WriteProfile snapshots per-strand accounted ticks into a
// github.com/google/pprof profile and writes its gzipped
// protobuf encoding to w. Rather than runtime/pprof's live CPU
// sampling, SERAPH's "CPUs" are simulated, so the scheduler itself is
// the only thing that knows how many ticks
// each strand actually consumed.
func (s *Scheduler) WriteProfile(w io.Writer) error {
	p:= &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "ticks", Unit: "count"}},
		TimeNanos: time.Now().UnixNano(),
	}

	strandFn:= &profile.Function{ID: 1, Name: "strand"}
	p.Function = []*profile.Function{strandFn}

	s.strandsMu.RLock()
	defer s.strandsMu.RUnlock()

	var locID uint64 = 1
	for id, strand:= range s.strands {
		ticks:= strand.consumedTicks.Load()
		if ticks == 0 {
			continue
		}
		loc:= &profile.Location{
			ID: locID,
			Line: []profile.Line{{
				Function: strandFn,
				Line: int64(id),
			}},
		}
		p.Location = append(p.Location, loc)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value: []int64{ticks},
			Label: map[string][]string{"strand": {strandLabel(id)}},
		})
		locID++
	}

	return p.Write(w)
}

func strandLabel(id StrandID) string {
	return "strand-" + itoa(uint64(id))
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i:= len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
