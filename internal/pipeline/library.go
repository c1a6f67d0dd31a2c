// Package pipeline contains the audio-analysis job handlers: native
// segmentation plus the Python analyzer integrations for event detection,
// feature extraction, clustering and spectrogram rendering.
package pipeline

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/07raghavan/chatak-eco-soundscape-sub002/internal/core"
)

// Recording is a resolved audio asset.
type Recording struct {
	ID int64
	// Path is the absolute location of the audio file.
	Path string
	// DurationS is the audio length in seconds, 0 when the container
	// format does not expose it cheaply.
	DurationS float64
}

// Library resolves recording IDs to audio files. A missing recording is a
// *core.JobError with code not_found and Retryable=false: retrying cannot
// make an absent recording appear.
type Library interface {
	Resolve(ctx context.Context, recordingID int64) (*Recording, error)
}

// audioExtensions in resolution order.
var audioExtensions = []string{".wav", ".flac", ".mp3", ".ogg"}

// DirLibrary resolves recordings from a flat directory of files named
// <recording_id>.<ext>.
type DirLibrary struct {
	root string
}

// NewDirLibrary points a library at a directory on disk.
func NewDirLibrary(root string) *DirLibrary {
	return &DirLibrary{root: root}
}

func (l *DirLibrary) Resolve(ctx context.Context, recordingID int64) (*Recording, error) {
	base := strconv.FormatInt(recordingID, 10)
	for _, ext := range audioExtensions {
		path := filepath.Join(l.root, base+ext)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		rec := &Recording{ID: recordingID, Path: path}
		if ext == ".wav" {
			if d, err := wavDuration(path); err == nil {
				rec.DurationS = d
			}
		}
		return rec, nil
	}
	return nil, core.NewNotFoundError("Recording", base)
}

// wavDuration reads the RIFF header chunks and derives the play length
// from the data chunk size and byte rate. It never reads sample data.
func wavDuration(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var header [12]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		return 0, err
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return 0, errors.New("not a RIFF/WAVE file")
	}

	var byteRate uint32
	var chunk [8]byte
	for {
		if _, err := io.ReadFull(f, chunk[:]); err != nil {
			return 0, fmt.Errorf("truncated wav header: %w", err)
		}
		id := string(chunk[0:4])
		size := binary.LittleEndian.Uint32(chunk[4:8])

		switch id {
		case "fmt ":
			var fmtChunk [16]byte
			if size < 16 {
				return 0, errors.New("short fmt chunk")
			}
			if _, err := io.ReadFull(f, fmtChunk[:]); err != nil {
				return 0, err
			}
			byteRate = binary.LittleEndian.Uint32(fmtChunk[8:12])
			if size > 16 {
				if _, err := f.Seek(int64(size-16), io.SeekCurrent); err != nil {
					return 0, err
				}
			}
		case "data":
			if byteRate == 0 {
				return 0, errors.New("data chunk before fmt chunk")
			}
			return float64(size) / float64(byteRate), nil
		default:
			// Chunks are word-aligned; odd sizes carry a pad byte.
			skip := int64(size)
			if size%2 == 1 {
				skip++
			}
			if _, err := f.Seek(skip, io.SeekCurrent); err != nil {
				return 0, err
			}
		}
	}
}
