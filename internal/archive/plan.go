package archive

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var ErrEmptyRange = errors.New("archive: end is before start")

// endResolution is the grid the end of a run is snapped to. It is the
// coarsest update resolution across projects.
const endResolution = 15 * time.Minute

// Plan lists every archive file a run needs.
type Plan struct {
	Start      time.Time
	End        time.Time
	Collectors []string

	// RIBInterval is the snapshot cadence shared by every collector.
	RIBInterval time.Duration

	Bootstrap   map[string]File
	Updates     map[string][]File
	GroundTruth map[string]File

	// Compare is set when End is a snapshot time for every collector.
	Compare bool
}

// NewPlan snaps start to the nearest snapshot time and end to the nearest
// 15-minute mark, then lists the bootstrap snapshot, the update files from
// one slot before start to two slots after end, and, when end is itself a
// snapshot time, the ground-truth snapshot of every collector.
func NewPlan(start, end time.Time, collectors []string, urls URLBuilder) (*Plan, error) {
	if len(collectors) == 0 {
		return nil, errors.New("archive: no collectors")
	}
	if end.Before(start) {
		return nil, fmt.Errorf("%s before %s: %w", end.UTC(), start.UTC(), ErrEmptyRange)
	}

	projects := make(map[Project]bool)
	for _, c := range collectors {
		p, err := ProjectOf(c)
		if err != nil {
			return nil, err
		}
		projects[p] = true
	}

	ribInterval := ProjectRouteViews.RIBInterval()
	if projects[ProjectRIS] {
		ribInterval = ProjectRIS.RIBInterval()
	}

	p := &Plan{
		Start:       snap(start.UTC(), ribInterval),
		End:         snap(end.UTC(), endResolution),
		Collectors:  append([]string(nil), collectors...),
		RIBInterval: ribInterval,
		Bootstrap:   make(map[string]File, len(collectors)),
		Updates:     make(map[string][]File, len(collectors)),
		GroundTruth: make(map[string]File),
	}
	if p.End.Before(p.Start) {
		return nil, fmt.Errorf("snapped range %s..%s: %w", p.Start, p.End, ErrEmptyRange)
	}
	p.Compare = p.End.After(p.Start) && p.End.Truncate(ribInterval).Equal(p.End)

	for _, c := range collectors {
		project, _ := ProjectOf(c)

		rib, err := urls.File(c, p.Start, KindRIB)
		if err != nil {
			return nil, err
		}
		p.Bootstrap[c] = rib

		for _, ts := range updateSlots(p.Start, p.End, project.UpdateResolution()) {
			f, err := urls.File(c, ts, KindUpdates)
			if err != nil {
				return nil, err
			}
			p.Updates[c] = append(p.Updates[c], f)
		}

		if p.Compare {
			gt, err := urls.File(c, p.End, KindRIB)
			if err != nil {
				return nil, err
			}
			p.GroundTruth[c] = gt
		}
	}
	return p, nil
}

// snap returns the multiple of step nearest to t. Ties go to the earlier one.
func snap(t time.Time, step time.Duration) time.Time {
	down := t.Truncate(step)
	if t.Sub(down) > step/2 {
		return down.Add(step)
	}
	return down
}

func updateSlots(start, end time.Time, res time.Duration) []time.Time {
	n := int(end.Sub(start)/res) + 1
	slots := make([]time.Time, 0, n+3)
	for i := -1; i <= n+1; i++ {
		slots = append(slots, start.Add(time.Duration(i)*res))
	}
	return slots
}

// Files returns every file of the plan, ordered by time, collector order and kind.
func (p *Plan) Files() []File {
	order := make(map[string]int, len(p.Collectors))
	for i, c := range p.Collectors {
		order[c] = i
	}
	var files []File
	for _, c := range p.Collectors {
		files = append(files, p.Bootstrap[c])
		files = append(files, p.Updates[c]...)
		if gt, ok := p.GroundTruth[c]; ok {
			files = append(files, gt)
		}
	}
	sort.SliceStable(files, func(i, j int) bool {
		a, b := files[i], files[j]
		if !a.Time.Equal(b.Time) {
			return a.Time.Before(b.Time)
		}
		if order[a.Collector] != order[b.Collector] {
			return order[a.Collector] < order[b.Collector]
		}
		return a.Kind < b.Kind
	})
	return files
}
