package diagnostics

import (
	"errors"
	"os/exec"
	"strings"
)

var lookPath = exec.LookPath

// ErrNoTranscoder means neither ffmpeg nor avconv is on PATH.
var ErrNoTranscoder = errors.New("no transcoder found: install ffmpeg or avconv")

type BinaryStatus struct {
	Found bool   `json:"found"`
	Path  string `json:"path,omitempty"`
}

type DependencyReport struct {
	FFmpeg             BinaryStatus `json:"ffmpeg"`
	FFprobe            BinaryStatus `json:"ffprobe"`
	Avconv             BinaryStatus `json:"avconv"`
	Avprobe            BinaryStatus `json:"avprobe"`
	Transcoder         string       `json:"transcoder,omitempty"`
	AllRequiredPresent bool         `json:"all_required_present"`
}

// Transcoder is an installed transcoder and its matching probe tool.
type Transcoder struct {
	Command   string `json:"command"`
	Path      string `json:"path"`
	ProbePath string `json:"probe_path,omitempty"`
}

func DetectDependencies(preferred string) DependencyReport {
	report := DependencyReport{
		FFmpeg:  detectBinary("ffmpeg"),
		FFprobe: detectBinary("ffprobe"),
		Avconv:  detectBinary("avconv"),
		Avprobe: detectBinary("avprobe"),
	}
	if tc, err := FindTranscoder(preferred); err == nil {
		report.Transcoder = tc.Command
		report.AllRequiredPresent = true
	}
	return report
}

// FindTranscoder returns ffmpeg unless avconv is preferred, falling back to
// whichever of the two is installed.
func FindTranscoder(preferred string) (Transcoder, error) {
	order := []string{"ffmpeg", "avconv"}
	if strings.EqualFold(strings.TrimSpace(preferred), "avconv") {
		order = []string{"avconv", "ffmpeg"}
	}

	for _, name := range order {
		status := detectBinary(name)
		if !status.Found {
			continue
		}
		return Transcoder{
			Command:   name,
			Path:      status.Path,
			ProbePath: detectBinary(probeFor(name)).Path,
		}, nil
	}
	return Transcoder{}, ErrNoTranscoder
}

func probeFor(transcoder string) string {
	if transcoder == "avconv" {
		return "avprobe"
	}
	return "ffprobe"
}

func detectBinary(name string) BinaryStatus {
	path, err := lookPath(name)
	if err != nil {
		return BinaryStatus{Found: false}
	}

	return BinaryStatus{
		Found: true,
		Path:  path,
	}
}
