// Copyright 2024-2026 The Gofil Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package memtrack

import (
	"bytes"
	"fmt"
	"html/template"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/segmentio/encoding/json"
	log "github.com/sirupsen/logrus"
)

type reportKind int

const (
	peakReport reportKind = iota
	liveReport
)

func (k reportKind) String() string {
	if k == liveReport {
		return "out-of-memory"
	}
	return "peak"
}

// Manifest describes the artifacts of one written report.
type Manifest struct {
	Session   string    `json:"session"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
	PeakBytes uint64    `json:"peak_bytes"`
	LiveBytes uint64    `json:"live_bytes"`
	Stats     Stats     `json:"stats"`
	Artifacts []string  `json:"artifacts"`
}

// WriteReport renders the peak snapshot into dir: folded stacks
// forward and reversed, a pprof protobuf, an HTML index, and a
// manifest. With a flamegraph renderer configured, SVGs are generated
// too; a missing or failing renderer costs only the SVGs.
func (t *Tracker) WriteReport(dir string) error {
	return t.writeReport(dir, "peak-memory", peakReport)
}

// WriteOOMReport renders the current live attribution instead of the
// peak, the view that matters when the process is about to die from
// memory exhaustion.
func (t *Tracker) WriteOOMReport(dir string) error {
	return t.writeReport(dir, "out-of-memory", liveReport)
}

func (t *Tracker) writeReport(dir, base string, kind reportKind) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating report directory: %w", err)
	}

	// Render everything into memory under the lock; file and renderer
	// work happens after, without stalling event intake.
	t.mu.Lock()
	snap := t.peak.snap
	when := t.peak.at
	if kind == liveReport {
		snap = t.tree.appendUsage(nil)
		when = time.Now()
	}
	var folded, reversed bytes.Buffer
	ferr := t.renderFoldedLocked(&folded, snap, false)
	rerr := t.renderFoldedLocked(&reversed, snap, true)
	prof := t.profileLocked(snap, when)
	man := Manifest{
		Session:   t.sessionID.String(),
		Kind:      kind.String(),
		CreatedAt: when,
		PeakBytes: t.peak.bytes,
		LiveBytes: t.tree.total(),
		Stats:     t.stats,
	}
	t.mu.Unlock()

	var merr *multierror.Error
	if ferr != nil {
		merr = multierror.Append(merr, fmt.Errorf("rendering folded stacks: %w", ferr))
	}
	if rerr != nil {
		merr = multierror.Append(merr, fmt.Errorf("rendering reversed stacks: %w", rerr))
	}

	writeArtifact := func(name string, write func(*os.File) error) {
		f, err := os.Create(filepath.Join(dir, name))
		if err == nil {
			err = write(f)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
		}
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("writing %s: %w", name, err))
			return
		}
		man.Artifacts = append(man.Artifacts, name)
	}

	writeArtifact(base+".prof", func(f *os.File) error {
		_, err := f.Write(folded.Bytes())
		return err
	})
	writeArtifact(base+"-reversed.prof", func(f *os.File) error {
		_, err := f.Write(reversed.Bytes())
		return err
	})
	writeArtifact(base+".pb.gz", func(f *os.File) error {
		return prof.Write(f)
	})

	if t.cfg.FlamegraphCommand != "" {
		for _, name := range []string{base, base + "-reversed"} {
			src := filepath.Join(dir, name+".prof")
			dst := filepath.Join(dir, name+".svg")
			if renderSVG(t.cfg.FlamegraphCommand, src, dst) {
				man.Artifacts = append(man.Artifacts, name+".svg")
			}
		}
	}

	writeArtifact("index.html", func(f *os.File) error {
		return indexTemplate.Execute(f, man)
	})
	writeArtifact("manifest.json", func(f *os.File) error {
		data, err := json.MarshalIndent(man, "", "  ")
		if err != nil {
			return err
		}
		_, err = f.Write(data)
		return err
	})

	if err := merr.ErrorOrNil(); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"dir":  dir,
		"kind": man.Kind,
		"peak": man.PeakBytes,
	}).Info("wrote memory report")
	return nil
}

// renderSVG shells out to an external folded-stack renderer, driven
// the same way flamegraph.pl normally is: folded lines on stdin, SVG
// on stdout.
func renderSVG(command, foldedPath, svgPath string) bool {
	bin, err := exec.LookPath(command)
	if err != nil {
		log.WithField("command", command).Debug("flamegraph renderer not found")
		return false
	}
	folded, err := os.Open(foldedPath)
	if err != nil {
		log.WithError(err).Debug("opening folded stacks for renderer")
		return false
	}
	defer folded.Close()
	svg, err := os.Create(svgPath)
	if err != nil {
		log.WithError(err).Debug("creating SVG output")
		return false
	}
	defer svg.Close()

	cmd := exec.Command(bin, "--countname", "bytes")
	cmd.Stdin = folded
	cmd.Stdout = svg
	if err := cmd.Run(); err != nil {
		log.WithError(err).WithField("command", command).Warn("flamegraph renderer failed")
		os.Remove(svgPath)
		return false
	}
	return true
}

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>gofil memory report</title></head>
<body>
<h1>Memory profile: {{.Kind}}</h1>
<p>Session {{.Session}}, written {{.CreatedAt.Format "2006-01-02 15:04:05 MST"}}.</p>
<p>Peak tracked memory: {{.PeakBytes}} bytes. Live at capture: {{.LiveBytes}} bytes.</p>
<ul>
{{range .Artifacts}}<li><a href="{{.}}">{{.}}</a></li>
{{end}}</ul>
</body>
</html>
`))
