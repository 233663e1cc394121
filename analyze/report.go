package analyze

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/iti/trafgen/record"
	"github.com/iti/trafgen/scenario"
)

// StreamReport summarizes one packet or queue stream of a run
type StreamReport struct {
	Stream string         `json:"stream" yaml:"stream"`
	File   string         `json:"file" yaml:"file"`
	Kind   string         `json:"kind" yaml:"kind"`
	Delays []DelaySummary `json:"delays,omitempty" yaml:"delays,omitempty"`
	Queues []QueueSummary `json:"queues,omitempty" yaml:"queues,omitempty"`
}

// streamFile is a stream of a run that was written to a file and can be read back
type streamFile struct {
	name string
	file string
	kind record.Kind
}

// locate finds a stream file named in a manifest. A relative path that
// does not resolve from the working directory is looked for beside the
// manifest.
func locate(where, manifestFile string) (string, error) {
	if _, err := os.Stat(where); err == nil || filepath.IsAbs(where) {
		return where, err
	}
	beside := filepath.Join(filepath.Dir(manifestFile), filepath.Base(where))
	if _, err := os.Stat(beside); err != nil {
		return "", fmt.Errorf("stream file %s not found", where)
	}
	return beside, nil
}

// manifestStreams lists the packet and queue streams of a run
func manifestStreams(mf *scenario.Manifest, manifestFile string) ([]streamFile, error) {
	if mf.Config != nil {
		if kind := mf.Config.Output.Sink.Kind; kind != "" && kind != "file" {
			return nil, fmt.Errorf("run %s wrote its records to %s, not to files", mf.ExpName, kind)
		}
		if style, _ := record.StyleFromStr(mf.Config.Output.Style); style != record.Plain {
			return nil, fmt.Errorf("run %s wrote labeled records, only plain ones can be read back", mf.ExpName)
		}
	}
	where := make(map[string]string)
	for _, strm := range mf.Streams {
		where[strm.Name] = strm.Where
	}

	files := make([]streamFile, 0)
	for _, entry := range mf.TracePoints {
		kind, err := entry.Point.RecordKind()
		if err != nil {
			return nil, err
		}
		if kind != record.PacketKind && kind != record.QueueKind {
			continue
		}
		for _, name := range entry.Streams {
			loc, present := where[name]
			if !present {
				// nothing was observed there
				continue
			}
			file, err := locate(loc, manifestFile)
			if err != nil {
				return nil, err
			}
			files = append(files, streamFile{name: name, file: file, kind: kind})
		}
	}
	return files, nil
}

// ReportManifest reads back every packet and queue stream a run wrote and
// summarizes each
func ReportManifest(manifestFile string) ([]StreamReport, error) {
	mf, err := scenario.ReadManifest(manifestFile)
	if err != nil {
		return nil, err
	}
	files, err := manifestStreams(mf, manifestFile)
	if err != nil {
		return nil, err
	}
	end := 0.0
	if mf.Config != nil {
		end = mf.Config.Stop
	}

	reports := make([]StreamReport, 0, len(files))
	for _, sf := range files {
		rpt := StreamReport{Stream: sf.name, File: sf.file, Kind: sf.kind.String()}
		switch sf.kind {
		case record.PacketKind:
			recs, err := ReadPacketsFile(sf.file)
			if err != nil {
				return nil, err
			}
			rpt.Delays = DelayStats(recs)
		case record.QueueKind:
			samples, err := ReadQueueFile(sf.file)
			if err != nil {
				return nil, err
			}
			rpt.Queues = QueueStats(samples, end)
		}
		reports = append(reports, rpt)
	}
	return reports, nil
}

// PlotManifest draws every packet and queue stream of a run into dir and
// returns the files written. Streams with nothing to draw are skipped.
func PlotManifest(manifestFile, dir string) ([]string, error) {
	mf, err := scenario.ReadManifest(manifestFile)
	if err != nil {
		return nil, err
	}
	files, err := manifestStreams(mf, manifestFile)
	if err != nil {
		return nil, err
	}

	written := make([]string, 0)
	for _, sf := range files {
		var plotErr error
		var filename string
		switch sf.kind {
		case record.PacketKind:
			recs, err := ReadPacketsFile(sf.file)
			if err != nil {
				return written, err
			}
			filename = filepath.Join(dir, mf.ExpName+"_"+sf.name+"_delay.png")
			plotErr = PlotDelay(recs, sf.name, filename)
		case record.QueueKind:
			samples, err := ReadQueueFile(sf.file)
			if err != nil {
				return written, err
			}
			filename = filepath.Join(dir, mf.ExpName+"_"+sf.name+"_depth.png")
			plotErr = PlotQueue(samples, sf.name, filename)
		}
		if errors.Is(plotErr, ErrNothingToPlot) {
			continue
		}
		if plotErr != nil {
			return written, plotErr
		}
		written = append(written, filename)
	}
	return written, nil
}
