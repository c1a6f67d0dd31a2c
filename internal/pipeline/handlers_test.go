package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/07raghavan/chatak-eco-soundscape-sub002/internal/core"
	"github.com/07raghavan/chatak-eco-soundscape-sub002/internal/worker"
)

type staticLibrary map[int64]*Recording

func (l staticLibrary) Resolve(ctx context.Context, recordingID int64) (*Recording, error) {
	if rec, ok := l[recordingID]; ok {
		return rec, nil
	}
	return nil, core.NewNotFoundError("Recording", strconv.FormatInt(recordingID, 10))
}

// fakeRunner plays back scripted stdout lines and records the invocation.
type fakeRunner struct {
	lines  []string
	err    error
	onRun  func(args []string)
	script string
	args   []string
}

func (r *fakeRunner) Run(ctx context.Context, script string, args []string, onLine func(string)) error {
	r.script = script
	r.args = args
	if r.onRun != nil {
		r.onRun(args)
	}
	for _, line := range r.lines {
		onLine(line)
	}
	return r.err
}

type reportCapture struct {
	percents []int
	messages []string
	metrics  []map[string]any
}

func (r *reportCapture) fn(percent int, message string, metrics map[string]any) {
	r.percents = append(r.percents, percent)
	r.messages = append(r.messages, message)
	r.metrics = append(r.metrics, metrics)
}

func jobWithParams(t *testing.T, typ string, recordingID int64, params string) *core.Job {
	t.Helper()
	job := &core.Job{
		JobID:       core.NewUUIDv7(),
		Type:        typ,
		Status:      core.StatusRunning,
		RecordingID: recordingID,
		MaxAttempts: 3,
	}
	if params != "" {
		job.Payload.Parameters = json.RawMessage(params)
	}
	return job
}

func TestSegmentation(t *testing.T) {
	lib := staticLibrary{42: {ID: 42, Path: "/data/42.wav", DurationS: 150}}
	h := NewHandlers(lib, &fakeRunner{}, t.TempDir())
	rep := &reportCapture{}

	raw, err := h.Segmentation(context.Background(),
		jobWithParams(t, TypeSegmentation, 42, `{"seg_len_s":60,"overlap_pct":10}`), rep.fn)
	if err != nil {
		t.Fatalf("segmentation: %v", err)
	}

	var res segmentationResult
	if err := json.Unmarshal(raw, &res); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if res.SegmentCount != 3 || len(res.Segments) != 3 {
		t.Fatalf("segments = %d, want 3", res.SegmentCount)
	}
	want := []segment{
		{Index: 0, StartMs: 0, EndMs: 60000},
		{Index: 1, StartMs: 54000, EndMs: 114000},
		{Index: 2, StartMs: 108000, EndMs: 150000},
	}
	for i, seg := range res.Segments {
		if seg != want[i] {
			t.Errorf("segment %d = %+v, want %+v", i, seg, want[i])
		}
	}
	if res.DurationS != 150 || res.SegLenS != 60 || res.OverlapPct != 10 {
		t.Errorf("result header = %+v", res)
	}
	if len(rep.percents) == 0 {
		t.Error("no progress reported")
	}
}

func TestSegmentation_Defaults(t *testing.T) {
	lib := staticLibrary{7: {ID: 7, Path: "/data/7.wav", DurationS: 90}}
	h := NewHandlers(lib, &fakeRunner{}, t.TempDir())

	raw, err := h.Segmentation(context.Background(), jobWithParams(t, TypeSegmentation, 7, ""), (&reportCapture{}).fn)
	if err != nil {
		t.Fatalf("segmentation: %v", err)
	}
	var res segmentationResult
	if err := json.Unmarshal(raw, &res); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if res.SegLenS != 60 || res.OverlapPct != 10 {
		t.Errorf("defaults = %f/%f, want 60/10", res.SegLenS, res.OverlapPct)
	}
	if res.SegmentCount != 2 {
		t.Errorf("segments = %d, want 2 for 90s audio", res.SegmentCount)
	}
	if last := res.Segments[len(res.Segments)-1]; last.EndMs != 90000 {
		t.Errorf("final segment ends at %dms, want clamped 90000", last.EndMs)
	}
}

func TestSegmentation_InvalidParams(t *testing.T) {
	lib := staticLibrary{1: {ID: 1, Path: "/data/1.wav", DurationS: 60}}
	h := NewHandlers(lib, &fakeRunner{}, t.TempDir())
	ctx := context.Background()

	for _, params := range []string{
		`{"seg_len_s":-5}`,
		`{"seg_len_s":4000}`,
		`{"overlap_pct":95}`,
		`{"overlap_pct":-1}`,
		`{"seg_len_s":"sixty"}`,
	} {
		_, err := h.Segmentation(ctx, jobWithParams(t, TypeSegmentation, 1, params), (&reportCapture{}).fn)
		jobErr, ok := err.(*core.JobError)
		if !ok || jobErr.Retryable {
			t.Errorf("params %s: error = %v, want non-retryable JobError", params, err)
		}
	}
}

func TestSegmentation_UnknownRecording(t *testing.T) {
	h := NewHandlers(staticLibrary{}, &fakeRunner{}, t.TempDir())

	_, err := h.Segmentation(context.Background(), jobWithParams(t, TypeSegmentation, 999999, ""), (&reportCapture{}).fn)
	jobErr, ok := err.(*core.JobError)
	if !ok {
		t.Fatalf("error type = %T", err)
	}
	if jobErr.Code != core.ErrCodeNotFound || jobErr.Retryable {
		t.Errorf("error = %+v, want non-retryable not_found", jobErr)
	}
}

func TestSegmentation_UnknownDuration(t *testing.T) {
	lib := staticLibrary{3: {ID: 3, Path: "/data/3.mp3"}}
	h := NewHandlers(lib, &fakeRunner{}, t.TempDir())

	_, err := h.Segmentation(context.Background(), jobWithParams(t, TypeSegmentation, 3, ""), (&reportCapture{}).fn)
	jobErr, ok := err.(*core.JobError)
	if !ok || jobErr.Retryable {
		t.Fatalf("error = %v, want non-retryable", err)
	}
}

func TestEventDetection(t *testing.T) {
	lib := staticLibrary{42: {ID: 42, Path: "/data/42.wav", DurationS: 150}}
	runner := &fakeRunner{lines: []string{
		"[INFO] Initializing BirdNet Analyzer...",
		"[INFO] Analyzing audio file: /data/42.wav",
		"[INFO] Running BirdNet analysis...",
		"[SUCCESS] BirdNet analysis complete!",
		"[RESULTS_START]",
		`[DETECTION] {"species": "American Robin", "scientific_name": "Turdus migratorius", "confidence": 0.44, "start_ms": 9000, "end_ms": 12000}`,
		`[DETECTION] {"species": "Song Sparrow", "scientific_name": "Melospiza melodia", "confidence": 0.91, "start_ms": 3000, "end_ms": 6000}`,
		`[DETECTION] {"species": "Faint Noise", "scientific_name": "Unknown", "confidence": 0.01, "start_ms": 0, "end_ms": 3000}`,
		"[RESULTS_END]",
	}}
	h := NewHandlers(lib, runner, t.TempDir())
	rep := &reportCapture{}

	raw, err := h.EventDetection(context.Background(),
		jobWithParams(t, TypeEventDetection, 42, `{"lat":12.97,"lon":77.59}`), rep.fn)
	if err != nil {
		t.Fatalf("event detection: %v", err)
	}

	if runner.script != scriptBirdNet {
		t.Errorf("script = %q", runner.script)
	}
	joined := strings.Join(runner.args, " ")
	if !strings.Contains(joined, "--audio /data/42.wav") || !strings.Contains(joined, "--lat 12.97") {
		t.Errorf("args = %v", runner.args)
	}

	var res eventDetectionResult
	if err := json.Unmarshal(raw, &res); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	// The 0.01 detection sits below the default 0.05 floor.
	if res.DetectionCount != 2 {
		t.Fatalf("detections = %d, want 2", res.DetectionCount)
	}
	if res.Detections[0].Species != "Song Sparrow" || res.Detections[1].Species != "American Robin" {
		t.Errorf("order = %s, %s; want confidence descending",
			res.Detections[0].Species, res.Detections[1].Species)
	}
	if len(res.Species) != 2 {
		t.Errorf("species = %v", res.Species)
	}

	sawEarly := false
	for _, p := range rep.percents {
		if p == 5 {
			sawEarly = true
		}
	}
	if !sawEarly {
		t.Errorf("progress percents = %v, want the init stage reported", rep.percents)
	}
}

func TestEventDetection_TruncatedResults(t *testing.T) {
	lib := staticLibrary{1: {ID: 1, Path: "/data/1.wav"}}
	runner := &fakeRunner{lines: []string{
		"[RESULTS_START]",
		`[DETECTION] {"species": "Song Sparrow", "confidence": 0.9}`,
	}}
	h := NewHandlers(lib, runner, t.TempDir())

	_, err := h.EventDetection(context.Background(), jobWithParams(t, TypeEventDetection, 1, ""), (&reportCapture{}).fn)
	if err == nil {
		t.Fatal("expected error for missing [RESULTS_END]")
	}
}

func TestEventDetection_AnalyzerFailure(t *testing.T) {
	lib := staticLibrary{1: {ID: 1, Path: "/data/1.wav"}}
	runner := &fakeRunner{
		lines: []string{"[ERROR] BirdNet library not available: no module named birdnetlib"},
		err:   errors.New("exit status 1"),
	}
	h := NewHandlers(lib, runner, t.TempDir())

	_, err := h.EventDetection(context.Background(), jobWithParams(t, TypeEventDetection, 1, ""), (&reportCapture{}).fn)
	jobErr, ok := err.(*core.JobError)
	if !ok {
		t.Fatalf("error type = %T", err)
	}
	if !jobErr.Retryable {
		t.Error("analyzer crash should be retryable")
	}
	if !strings.Contains(jobErr.Message, "BirdNet library not available") {
		t.Errorf("message = %q, want the [ERROR] line carried through", jobErr.Message)
	}
}

func TestFeatureExtraction(t *testing.T) {
	lib := staticLibrary{5: {ID: 5, Path: "/data/5.wav"}}
	runner := &fakeRunner{lines: []string{
		`{"mfcc_mean": [1.5, 2.5], "spectral_centroid_mean": 1820.3, "zcr_mean": 0.031}`,
	}}
	h := NewHandlers(lib, runner, t.TempDir())

	raw, err := h.FeatureExtraction(context.Background(), jobWithParams(t, TypeFeatureExtraction, 5, ""), (&reportCapture{}).fn)
	if err != nil {
		t.Fatalf("feature extraction: %v", err)
	}
	if runner.script != scriptFeatures {
		t.Errorf("script = %q", runner.script)
	}

	var res featureExtractionResult
	if err := json.Unmarshal(raw, &res); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	var features map[string]any
	if err := json.Unmarshal(res.Features, &features); err != nil {
		t.Fatalf("decoding features: %v", err)
	}
	if features["zcr_mean"] != 0.031 {
		t.Errorf("features = %v", features)
	}
}

func TestFeatureExtraction_NoResult(t *testing.T) {
	lib := staticLibrary{5: {ID: 5, Path: "/data/5.wav"}}
	h := NewHandlers(lib, &fakeRunner{lines: []string{"[INFO] working"}}, t.TempDir())

	_, err := h.FeatureExtraction(context.Background(), jobWithParams(t, TypeFeatureExtraction, 5, ""), (&reportCapture{}).fn)
	if err == nil {
		t.Fatal("expected error when analyzer prints no result")
	}
}

func TestClustering_InlineFeatures(t *testing.T) {
	var seenFeatures string
	runner := &fakeRunner{
		lines: []string{`{"cluster_labels": [0, 0, 1, -1], "total_clusters": 2, "noise_points": 1}`},
		onRun: func(args []string) {
			for i, a := range args {
				if a == "--features-file" && i+1 < len(args) {
					data, _ := os.ReadFile(args[i+1])
					seenFeatures = string(data)
				}
			}
		},
	}
	h := NewHandlers(staticLibrary{}, runner, t.TempDir())
	rep := &reportCapture{}

	raw, err := h.Clustering(context.Background(),
		jobWithParams(t, TypeClustering, 9, `{"features":[{"mfcc_mean":[1.0]},{"mfcc_mean":[1.1]}]}`), rep.fn)
	if err != nil {
		t.Fatalf("clustering: %v", err)
	}
	if runner.script != scriptClustering {
		t.Errorf("script = %q", runner.script)
	}
	if !strings.Contains(seenFeatures, "mfcc_mean") {
		t.Errorf("staged features file = %q", seenFeatures)
	}

	var res clusteringResult
	if err := json.Unmarshal(raw, &res); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	var clustering map[string]any
	if err := json.Unmarshal(res.Clustering, &clustering); err != nil {
		t.Fatalf("decoding clustering: %v", err)
	}
	if clustering["total_clusters"] != float64(2) {
		t.Errorf("clustering = %v", clustering)
	}

	last := rep.metrics[len(rep.metrics)-1]
	if last["total_clusters"] != 2 || last["noise_points"] != 1 {
		t.Errorf("final metrics = %v", last)
	}
}

func TestClustering_RequiresFeatures(t *testing.T) {
	h := NewHandlers(staticLibrary{}, &fakeRunner{}, t.TempDir())

	_, err := h.Clustering(context.Background(), jobWithParams(t, TypeClustering, 9, "{}"), (&reportCapture{}).fn)
	jobErr, ok := err.(*core.JobError)
	if !ok || jobErr.Retryable {
		t.Fatalf("error = %v, want non-retryable validation error", err)
	}
}

func TestSpectrogram(t *testing.T) {
	outDir := t.TempDir()
	lib := staticLibrary{42: {ID: 42, Path: "/data/42.wav"}}
	runner := &fakeRunner{
		lines: []string{
			"[INFO] Starting spectrogram generation...",
			"[INFO] Loading audio file: /data/42.wav",
			"[SUCCESS] Spectrogram generated successfully",
		},
		onRun: func(args []string) {
			for i, a := range args {
				if a == "--output" && i+1 < len(args) {
					os.WriteFile(args[i+1], []byte("png-bytes"), 0o644)
				}
			}
		},
	}
	h := NewHandlers(lib, runner, outDir)

	raw, err := h.Spectrogram(context.Background(),
		jobWithParams(t, TypeSpectrogram, 42, `{"fmax":12000,"cmap":"magma"}`), (&reportCapture{}).fn)
	if err != nil {
		t.Fatalf("spectrogram: %v", err)
	}

	joined := strings.Join(runner.args, " ")
	if !strings.Contains(joined, "--fmax 12000") || !strings.Contains(joined, "--cmap magma") {
		t.Errorf("args = %v", runner.args)
	}
	if strings.Contains(joined, "--width") {
		t.Errorf("unset option passed through: %v", runner.args)
	}

	var res spectrogramResult
	if err := json.Unmarshal(raw, &res); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if res.ImagePath != filepath.Join(outDir, "42-spectrogram.png") {
		t.Errorf("image path = %q", res.ImagePath)
	}
	if res.SizeBytes != int64(len("png-bytes")) {
		t.Errorf("size = %d", res.SizeBytes)
	}
}

func TestSpectrogram_MissingOutput(t *testing.T) {
	lib := staticLibrary{42: {ID: 42, Path: "/data/42.wav"}}
	h := NewHandlers(lib, &fakeRunner{lines: []string{"[SUCCESS] Spectrogram generated successfully"}}, t.TempDir())

	_, err := h.Spectrogram(context.Background(), jobWithParams(t, TypeSpectrogram, 42, ""), (&reportCapture{}).fn)
	if err == nil {
		t.Fatal("expected error when no image was written")
	}
}

func TestRegisterAll(t *testing.T) {
	h := NewHandlers(staticLibrary{}, &fakeRunner{}, t.TempDir())
	w := worker.New(nil, nil)

	if err := h.RegisterAll(w); err != nil {
		t.Fatalf("register all: %v", err)
	}

	types := w.Types()
	want := []string{
		TypeClustering, TypeEventDetection, TypeFeatureExtraction,
		TypeSegmentation, TypeSpectrogram,
	}
	if len(types) != len(want) {
		t.Fatalf("types = %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("types[%d] = %q, want %q", i, types[i], want[i])
		}
	}
}

func TestRegisterTypes_Subset(t *testing.T) {
	h := NewHandlers(staticLibrary{}, &fakeRunner{}, t.TempDir())
	w := worker.New(nil, nil)

	if err := h.RegisterTypes(w, []string{TypeSpectrogram, TypeSegmentation}); err != nil {
		t.Fatalf("register types: %v", err)
	}

	types := w.Types()
	if len(types) != 2 || types[0] != TypeSegmentation || types[1] != TypeSpectrogram {
		t.Errorf("types = %v", types)
	}
}

func TestRegisterTypes_Unknown(t *testing.T) {
	h := NewHandlers(staticLibrary{}, &fakeRunner{}, t.TempDir())
	w := worker.New(nil, nil)

	err := h.RegisterTypes(w, []string{"no-such-stage"})
	jobErr, ok := err.(*core.JobError)
	if !ok {
		t.Fatalf("error type = %T", err)
	}
	if jobErr.Code != core.ErrCodeValidationError {
		t.Errorf("code = %q, want %q", jobErr.Code, core.ErrCodeValidationError)
	}
}
