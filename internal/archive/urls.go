// Package archive locates, downloads and decodes the public MRT archives of
// the RIPE RIS and RouteViews projects.
package archive

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrUnknownProject = errors.New("archive: collector does not belong to a known project")

// Kind distinguishes full-table snapshots from update files.
type Kind int

const (
	KindRIB Kind = iota + 1
	KindUpdates
)

func (k Kind) String() string {
	if k == KindRIB {
		return "rib"
	}
	return "update"
}

// Project is a route collection project with its own archive layout.
type Project int

const (
	ProjectRIS Project = iota + 1
	ProjectRouteViews
)

func (p Project) String() string {
	if p == ProjectRIS {
		return "ris"
	}
	return "routeviews"
}

// UpdateResolution is the time span covered by one update file.
func (p Project) UpdateResolution() time.Duration {
	if p == ProjectRIS {
		return 5 * time.Minute
	}
	return 15 * time.Minute
}

// RIBInterval is the time between two full-table snapshots.
func (p Project) RIBInterval() time.Duration {
	if p == ProjectRIS {
		return 8 * time.Hour
	}
	return 2 * time.Hour
}

func (p Project) extension() string {
	if p == ProjectRIS {
		return ".gz"
	}
	return ".bz2"
}

// ProjectOf maps a collector name (rrc00, route-views.sydney) to its project.
func ProjectOf(collector string) (Project, error) {
	switch {
	case strings.HasPrefix(collector, "rrc"):
		return ProjectRIS, nil
	case strings.Contains(collector, "route-views"):
		return ProjectRouteViews, nil
	}
	return 0, fmt.Errorf("%q: %w", collector, ErrUnknownProject)
}

const (
	DefaultRISBaseURL        = "https://data.ris.ripe.net"
	DefaultRouteViewsBaseURL = "https://routeviews.org"
)

// URLBuilder renders archive URLs against configurable base URLs.
type URLBuilder struct {
	RISBaseURL        string
	RouteViewsBaseURL string
}

func (b URLBuilder) risBase() string {
	if b.RISBaseURL == "" {
		return DefaultRISBaseURL
	}
	return strings.TrimRight(b.RISBaseURL, "/")
}

func (b URLBuilder) routeViewsBase() string {
	if b.RouteViewsBaseURL == "" {
		return DefaultRouteViewsBaseURL
	}
	return strings.TrimRight(b.RouteViewsBaseURL, "/")
}

// File is one archive file of a collector.
type File struct {
	Collector string
	Project   Project
	Kind      Kind
	Time      time.Time
	URL       string
}

// CacheName is the local file name: <collector>.<rib|update>.<YYYYmmdd.HHMM><ext>.
func (f File) CacheName() string {
	return fmt.Sprintf("%s.%s.%s%s", f.Collector, f.Kind, f.Time.UTC().Format("20060102.1504"), f.Project.extension())
}

// File builds the archive entry of collector at ts.
func (b URLBuilder) File(collector string, ts time.Time, kind Kind) (File, error) {
	project, err := ProjectOf(collector)
	if err != nil {
		return File{}, err
	}
	ts = ts.UTC()
	f := File{Collector: collector, Project: project, Kind: kind, Time: ts}
	month := ts.Format("2006.01")
	stamp := ts.Format("20060102.1504")

	switch project {
	case ProjectRIS:
		name := "updates"
		if kind == KindRIB {
			name = "bview"
		}
		f.URL = fmt.Sprintf("%s/%s/%s/%s.%s.gz", b.risBase(), collector, month, name, stamp)
	case ProjectRouteViews:
		dir, name := "UPDATES", "updates"
		if kind == KindRIB {
			dir, name = "RIBS", "rib"
		}
		root := b.routeViewsBase() + "/" + collector
		// route-views2 is published at the archive root.
		if collector == "route-views2" {
			root = b.routeViewsBase()
		}
		f.URL = fmt.Sprintf("%s/bgpdata/%s/%s/%s.%s.bz2", root, month, dir, name, stamp)
	}
	return f, nil
}

// URL returns only the URL of File.
func (b URLBuilder) URL(collector string, ts time.Time, kind Kind) (string, error) {
	f, err := b.File(collector, ts, kind)
	if err != nil {
		return "", err
	}
	return f.URL, nil
}
