package diagnostics

import (
	"errors"
	"testing"
)

func stubLookPath(t *testing.T, installed map[string]string) {
	t.Helper()
	orig := lookPath
	t.Cleanup(func() {
		lookPath = orig
	})

	lookPath = func(file string) (string, error) {
		if path, ok := installed[file]; ok {
			return path, nil
		}
		return "", errors.New("not found")
	}
}

func TestDetectDependencies(t *testing.T) {
	stubLookPath(t, map[string]string{"ffmpeg": "/usr/bin/ffmpeg"})

	report := DetectDependencies("")
	if !report.FFmpeg.Found {
		t.Fatal("expected ffmpeg to be found")
	}
	if report.FFmpeg.Path != "/usr/bin/ffmpeg" {
		t.Fatalf("unexpected ffmpeg path: %s", report.FFmpeg.Path)
	}
	if report.FFprobe.Found || report.Avconv.Found {
		t.Fatal("expected ffprobe and avconv to be missing")
	}
	if !report.AllRequiredPresent || report.Transcoder != "ffmpeg" {
		t.Fatalf("expected ffmpeg as transcoder, got %+v", report)
	}
}

func TestFindTranscoderPreference(t *testing.T) {
	cases := []struct {
		name      string
		installed map[string]string
		preferred string
		want      string
		wantProbe string
	}{
		{
			name:      "ffmpeg by default",
			installed: map[string]string{"ffmpeg": "/bin/ffmpeg", "ffprobe": "/bin/ffprobe", "avconv": "/bin/avconv"},
			want:      "ffmpeg",
			wantProbe: "/bin/ffprobe",
		},
		{
			name:      "avconv when preferred",
			installed: map[string]string{"ffmpeg": "/bin/ffmpeg", "avconv": "/bin/avconv", "avprobe": "/bin/avprobe"},
			preferred: "avconv",
			want:      "avconv",
			wantProbe: "/bin/avprobe",
		},
		{
			name:      "ffmpeg when preferred avconv is missing",
			installed: map[string]string{"ffmpeg": "/bin/ffmpeg"},
			preferred: "AVCONV",
			want:      "ffmpeg",
		},
		{
			name:      "avconv when ffmpeg is missing",
			installed: map[string]string{"avconv": "/bin/avconv"},
			want:      "avconv",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stubLookPath(t, tc.installed)

			got, err := FindTranscoder(tc.preferred)
			if err != nil {
				t.Fatalf("find transcoder: %v", err)
			}
			if got.Command != tc.want || got.ProbePath != tc.wantProbe {
				t.Fatalf("got %+v, want %s probe %q", got, tc.want, tc.wantProbe)
			}
		})
	}
}

func TestFindTranscoderNoneInstalled(t *testing.T) {
	stubLookPath(t, nil)

	if _, err := FindTranscoder(""); !errors.Is(err, ErrNoTranscoder) {
		t.Fatalf("expected ErrNoTranscoder, got %v", err)
	}
	if report := DetectDependencies(""); report.AllRequiredPresent {
		t.Fatal("expected AllRequiredPresent to be false")
	}
}
