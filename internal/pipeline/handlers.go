package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/spf13/cast"

	"github.com/07raghavan/chatak-eco-soundscape-sub002/internal/core"
	"github.com/07raghavan/chatak-eco-soundscape-sub002/internal/worker"
)

// Job types handled by the audio pipeline.
const (
	TypeSegmentation      = "segmentation"
	TypeEventDetection    = "event-detection"
	TypeFeatureExtraction = "feature-extraction"
	TypeClustering        = "clustering"
	TypeSpectrogram       = "spectrogram"
)

// Analyzer scripts from the platform's Python bundle.
const (
	scriptBirdNet     = "birdnet_analyzer.py"
	scriptFeatures    = "audio_feature_extractor.py"
	scriptClustering  = "audio_clustering.py"
	scriptSpectrogram = "spectrogram_generator.py"
)

// Handlers binds the pipeline job types to a recording library and an
// analyzer runner.
type Handlers struct {
	library   Library
	runner    Runner
	outputDir string
}

// NewHandlers wires the pipeline. outputDir receives rendered artifacts
// such as spectrogram images.
func NewHandlers(library Library, runner Runner, outputDir string) *Handlers {
	return &Handlers{library: library, runner: runner, outputDir: outputDir}
}

func (h *Handlers) table() map[string]worker.Handler {
	return map[string]worker.Handler{
		TypeSegmentation:      h.Segmentation,
		TypeEventDetection:    h.EventDetection,
		TypeFeatureExtraction: h.FeatureExtraction,
		TypeClustering:        h.Clustering,
		TypeSpectrogram:       h.Spectrogram,
	}
}

// RegisterAll attaches every pipeline handler to a worker.
func (h *Handlers) RegisterAll(w *worker.Worker) error {
	for jobType, fn := range h.table() {
		if err := w.Register(jobType, fn); err != nil {
			return err
		}
	}
	return nil
}

// RegisterTypes attaches only the named pipeline handlers, so a process can
// serve a subset of the job types. Unknown names are rejected.
func (h *Handlers) RegisterTypes(w *worker.Worker, types []string) error {
	table := h.table()
	for _, jobType := range types {
		fn, ok := table[jobType]
		if !ok {
			return core.NewValidationError(
				fmt.Sprintf("Unknown pipeline job type %q.", jobType), nil)
		}
		if err := w.Register(jobType, fn); err != nil {
			return err
		}
	}
	return nil
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return core.NewValidationError(fmt.Sprintf("Malformed parameters: %v", err), nil)
	}
	return nil
}

// analyzerError wraps a failed script run. Analyzer crashes are retryable;
// the model may simply have hit a transient resource limit.
func analyzerError(script string, runErr error, c *outputCollector) error {
	msg := runErr.Error()
	if c.lastError != "" {
		msg = c.lastError
	}
	return core.NewInternalError(fmt.Sprintf("%s failed: %s", script, msg), map[string]any{
		"script": script,
	})
}

// --- segmentation -----------------------------------------------------

type segmentationParams struct {
	SegLenS    float64 `json:"seg_len_s"`
	OverlapPct float64 `json:"overlap_pct"`
}

type segment struct {
	Index   int   `json:"index"`
	StartMs int64 `json:"start_ms"`
	EndMs   int64 `json:"end_ms"`
}

type segmentationResult struct {
	RecordingID  int64     `json:"recording_id"`
	DurationS    float64   `json:"duration_s"`
	SegLenS      float64   `json:"seg_len_s"`
	OverlapPct   float64   `json:"overlap_pct"`
	SegmentCount int       `json:"segment_count"`
	Segments     []segment `json:"segments"`
}

// Segmentation slices a recording into fixed-length windows with optional
// overlap. It runs natively; no analyzer script is involved.
func (h *Handlers) Segmentation(ctx context.Context, job *core.Job, report worker.ReportFunc) (json.RawMessage, error) {
	params := segmentationParams{SegLenS: 60, OverlapPct: 10}
	if err := decodeParams(job.Payload.Parameters, &params); err != nil {
		return nil, err
	}
	if params.SegLenS <= 0 || params.SegLenS > 3600 {
		return nil, core.NewValidationError("seg_len_s must be in (0, 3600]", map[string]any{
			"seg_len_s": params.SegLenS,
		})
	}
	if params.OverlapPct < 0 || params.OverlapPct >= 90 {
		return nil, core.NewValidationError("overlap_pct must be in [0, 90)", map[string]any{
			"overlap_pct": params.OverlapPct,
		})
	}

	rec, err := h.library.Resolve(ctx, job.RecordingID)
	if err != nil {
		return nil, err
	}
	if rec.DurationS <= 0 {
		return nil, core.NewValidationError(
			fmt.Sprintf("Cannot determine audio duration for '%s'. Only WAV recordings are segmented natively.", filepath.Base(rec.Path)),
			map[string]any{"recording_id": job.RecordingID},
		)
	}

	step := params.SegLenS * (1 - params.OverlapPct/100)
	expected := int(rec.DurationS/step) + 1

	var segments []segment
	for start := 0.0; start < rec.DurationS; start += step {
		end := start + params.SegLenS
		if end > rec.DurationS {
			end = rec.DurationS
		}
		// A trailing sliver under one second carries no analyzable signal.
		if end-start < 1 && len(segments) > 0 {
			break
		}
		segments = append(segments, segment{
			Index:   len(segments),
			StartMs: int64(start * 1000),
			EndMs:   int64(end * 1000),
		})
		if len(segments)%50 == 0 {
			pct := len(segments) * 90 / expected
			if pct > 90 {
				pct = 90
			}
			report(pct, fmt.Sprintf("segmented %.0fs of %.0fs", end, rec.DurationS), nil)
		}
		if end >= rec.DurationS {
			break
		}
	}

	report(95, fmt.Sprintf("built %d segments", len(segments)), map[string]any{
		"segment_count": len(segments),
	})

	return json.Marshal(segmentationResult{
		RecordingID:  job.RecordingID,
		DurationS:    rec.DurationS,
		SegLenS:      params.SegLenS,
		OverlapPct:   params.OverlapPct,
		SegmentCount: len(segments),
		Segments:     segments,
	})
}

// --- event detection --------------------------------------------------

type eventDetectionParams struct {
	Lat           float64 `json:"lat"`
	Lon           float64 `json:"lon"`
	MinConfidence float64 `json:"min_confidence"`
}

// Detection is one classified acoustic event.
type Detection struct {
	Species        string  `json:"species"`
	ScientificName string  `json:"scientific_name"`
	Confidence     float64 `json:"confidence"`
	StartMs        int64   `json:"start_ms"`
	EndMs          int64   `json:"end_ms"`
}

type eventDetectionResult struct {
	RecordingID    int64       `json:"recording_id"`
	DetectionCount int         `json:"detection_count"`
	Species        []string    `json:"species"`
	Detections     []Detection `json:"detections"`
}

var birdnetStages = stageTable{
	{"Initializing BirdNet", 5},
	{"Analyzing audio file", 15},
	{"Running BirdNet analysis", 30},
	{"analysis complete", 70},
	{"Processing", 80},
	{"Found", 90},
}

// EventDetection runs the BirdNET analyzer and normalizes its detections.
func (h *Handlers) EventDetection(ctx context.Context, job *core.Job, report worker.ReportFunc) (json.RawMessage, error) {
	params := eventDetectionParams{MinConfidence: 0.05}
	if err := decodeParams(job.Payload.Parameters, &params); err != nil {
		return nil, err
	}

	rec, err := h.library.Resolve(ctx, job.RecordingID)
	if err != nil {
		return nil, err
	}

	collector := &outputCollector{}
	args := []string{
		"--audio", rec.Path,
		"--lat", strconv.FormatFloat(params.Lat, 'f', -1, 64),
		"--lon", strconv.FormatFloat(params.Lon, 'f', -1, 64),
	}
	err = h.runner.Run(ctx, scriptBirdNet, args, func(line string) {
		if msg := collector.consume(line); msg != "" {
			if pct, ok := birdnetStages.match(msg); ok {
				report(pct, msg, nil)
			}
		}
	})
	if err != nil {
		return nil, analyzerError(scriptBirdNet, err, collector)
	}
	if !collector.resultsEnd {
		return nil, core.NewInternalError("analyzer exited without completing its results block", map[string]any{
			"script": scriptBirdNet,
		})
	}

	detections := make([]Detection, 0, len(collector.detections))
	speciesSet := map[string]struct{}{}
	for _, raw := range collector.detections {
		det := Detection{
			Species:        cast.ToString(raw["species"]),
			ScientificName: cast.ToString(raw["scientific_name"]),
			Confidence:     cast.ToFloat64(raw["confidence"]),
			StartMs:        cast.ToInt64(raw["start_ms"]),
			EndMs:          cast.ToInt64(raw["end_ms"]),
		}
		if det.Confidence < params.MinConfidence {
			continue
		}
		detections = append(detections, det)
		speciesSet[det.Species] = struct{}{}
	}
	sort.SliceStable(detections, func(i, j int) bool {
		return detections[i].Confidence > detections[j].Confidence
	})

	species := make([]string, 0, len(speciesSet))
	for s := range speciesSet {
		species = append(species, s)
	}
	sort.Strings(species)

	report(95, fmt.Sprintf("detected %d events across %d species", len(detections), len(species)), map[string]any{
		"detection_count": len(detections),
		"species_count":   len(species),
	})

	return json.Marshal(eventDetectionResult{
		RecordingID:    job.RecordingID,
		DetectionCount: len(detections),
		Species:        species,
		Detections:     detections,
	})
}

// --- feature extraction -----------------------------------------------

type featureExtractionResult struct {
	RecordingID int64           `json:"recording_id"`
	Features    json.RawMessage `json:"features"`
}

// FeatureExtraction runs the librosa feature extractor; its result is the
// script's feature dictionary untouched.
func (h *Handlers) FeatureExtraction(ctx context.Context, job *core.Job, report worker.ReportFunc) (json.RawMessage, error) {
	rec, err := h.library.Resolve(ctx, job.RecordingID)
	if err != nil {
		return nil, err
	}

	report(10, "extracting acoustic features", nil)
	collector := &outputCollector{}
	err = h.runner.Run(ctx, scriptFeatures, []string{"--audio", rec.Path}, func(line string) {
		collector.consume(line)
	})
	if err != nil {
		return nil, analyzerError(scriptFeatures, err, collector)
	}
	if collector.finalJSON == nil {
		return nil, core.NewInternalError("feature extractor produced no result", map[string]any{
			"script": scriptFeatures,
		})
	}

	report(90, "features extracted", nil)
	return json.Marshal(featureExtractionResult{
		RecordingID: job.RecordingID,
		Features:    collector.finalJSON,
	})
}

// --- clustering -------------------------------------------------------

type clusteringParams struct {
	// FeaturesFile points at a JSON features file already on disk.
	FeaturesFile string `json:"features_file"`
	// Features carries the feature vectors inline instead.
	Features json.RawMessage `json:"features"`
}

type clusteringResult struct {
	RecordingID int64           `json:"recording_id"`
	Clustering  json.RawMessage `json:"clustering"`
}

// Clustering groups extracted features with HDBSCAN + UMAP via the
// clustering script.
func (h *Handlers) Clustering(ctx context.Context, job *core.Job, report worker.ReportFunc) (json.RawMessage, error) {
	var params clusteringParams
	if err := decodeParams(job.Payload.Parameters, &params); err != nil {
		return nil, err
	}

	featuresFile := params.FeaturesFile
	if featuresFile == "" {
		if len(params.Features) == 0 {
			return nil, core.NewValidationError(
				"clustering requires either features_file or inline features", nil)
		}
		tmp, err := os.CreateTemp("", "chatak-features-*.json")
		if err != nil {
			return nil, core.NewInternalError(fmt.Sprintf("staging features: %v", err), nil)
		}
		defer os.Remove(tmp.Name())
		if _, err := tmp.Write(params.Features); err != nil {
			tmp.Close()
			return nil, core.NewInternalError(fmt.Sprintf("staging features: %v", err), nil)
		}
		tmp.Close()
		featuresFile = tmp.Name()
	}

	report(10, "clustering features", nil)
	collector := &outputCollector{}
	err := h.runner.Run(ctx, scriptClustering, []string{"--features-file", featuresFile}, func(line string) {
		collector.consume(line)
	})
	if err != nil {
		return nil, analyzerError(scriptClustering, err, collector)
	}
	if collector.finalJSON == nil {
		return nil, core.NewInternalError("clustering produced no result", map[string]any{
			"script": scriptClustering,
		})
	}

	var summary map[string]any
	progressMetrics := map[string]any{}
	if err := json.Unmarshal(collector.finalJSON, &summary); err == nil {
		progressMetrics["total_clusters"] = cast.ToInt(summary["total_clusters"])
		progressMetrics["noise_points"] = cast.ToInt(summary["noise_points"])
	}
	report(95, "clustering complete", progressMetrics)

	return json.Marshal(clusteringResult{
		RecordingID: job.RecordingID,
		Clustering:  collector.finalJSON,
	})
}

// --- spectrogram ------------------------------------------------------

type spectrogramParams struct {
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	FMin      int    `json:"fmin"`
	FMax      int    `json:"fmax"`
	NFFT      int    `json:"n_fft"`
	HopLength int    `json:"hop_length"`
	Cmap      string `json:"cmap"`
}

type spectrogramResult struct {
	RecordingID int64  `json:"recording_id"`
	ImagePath   string `json:"image_path"`
	SizeBytes   int64  `json:"size_bytes"`
}

var spectrogramStages = stageTable{
	{"Starting spectrogram", 10},
	{"Loading audio", 30},
	{"Audio loaded", 45},
	{"Saving spectrogram", 80},
	{"saved successfully", 90},
}

// Spectrogram renders a recording to a PNG under the pipeline output
// directory. Unset parameters fall through to the script's defaults.
func (h *Handlers) Spectrogram(ctx context.Context, job *core.Job, report worker.ReportFunc) (json.RawMessage, error) {
	var params spectrogramParams
	if err := decodeParams(job.Payload.Parameters, &params); err != nil {
		return nil, err
	}

	rec, err := h.library.Resolve(ctx, job.RecordingID)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(h.outputDir, 0o755); err != nil {
		return nil, core.NewInternalError(fmt.Sprintf("creating output dir: %v", err), nil)
	}
	outPath := filepath.Join(h.outputDir, fmt.Sprintf("%d-spectrogram.png", job.RecordingID))

	args := []string{"--audio", rec.Path, "--output", outPath}
	if params.Width > 0 {
		args = append(args, "--width", strconv.Itoa(params.Width))
	}
	if params.Height > 0 {
		args = append(args, "--height", strconv.Itoa(params.Height))
	}
	if params.FMin > 0 {
		args = append(args, "--fmin", strconv.Itoa(params.FMin))
	}
	if params.FMax > 0 {
		args = append(args, "--fmax", strconv.Itoa(params.FMax))
	}
	if params.NFFT > 0 {
		args = append(args, "--n_fft", strconv.Itoa(params.NFFT))
	}
	if params.HopLength > 0 {
		args = append(args, "--hop_length", strconv.Itoa(params.HopLength))
	}
	if params.Cmap != "" {
		args = append(args, "--cmap", params.Cmap)
	}

	collector := &outputCollector{}
	err = h.runner.Run(ctx, scriptSpectrogram, args, func(line string) {
		if msg := collector.consume(line); msg != "" {
			if pct, ok := spectrogramStages.match(msg); ok {
				report(pct, msg, nil)
			}
		}
	})
	if err != nil {
		return nil, analyzerError(scriptSpectrogram, err, collector)
	}

	info, err := os.Stat(outPath)
	if err != nil {
		return nil, core.NewInternalError("analyzer reported success but no image was written", map[string]any{
			"image_path": outPath,
		})
	}

	report(95, "spectrogram rendered", map[string]any{"size_bytes": info.Size()})
	return json.Marshal(spectrogramResult{
		RecordingID: job.RecordingID,
		ImagePath:   outPath,
		SizeBytes:   info.Size(),
	})
}
