// Package transcript assembles per-index engine output into an ordered transcript.
package transcript

import (
	"fmt"
	"log/slog"
)

// Segment is one time-aligned piece of text. Start and End are in the engine's
// native unit (centiseconds for whisper.cpp).
type Segment struct {
	Start int64  `json:"start"`
	End   int64  `json:"end"`
	Text  string `json:"text"`
}

// Source exposes the segments produced by a finished inference run
type Source interface {
	SegmentText(i int) (string, error)
	SegmentStart(i int) (int64, error)
	SegmentEnd(i int) (int64, error)
}

// Result is the outcome of Extract. Segments are in ascending engine index
// order and len(Segments)+Dropped equals the segment count.
type Result struct {
	Segments []Segment
	Dropped  int
}

// Extract reads count segments from src. A failed text lookup is replaced by a
// placeholder; a failed timestamp lookup drops the segment.
func Extract(src Source, count int, logger *slog.Logger) Result {
	if logger == nil {
		logger = slog.Default()
	}

	result := Result{Segments: make([]Segment, 0, max(count, 0))}

	for i := 0; i < count; i++ {
		text, err := src.SegmentText(i)
		if err != nil {
			text = fmt.Sprintf("[%d] failed to get segment: %v", i, err)
		}

		start, err := src.SegmentStart(i)
		if err != nil {
			logger.Warn("Dropping segment without start time",
				slog.Int("index", i),
				slog.String("error", err.Error()))
			result.Dropped++
			continue
		}

		end, err := src.SegmentEnd(i)
		if err != nil {
			logger.Warn("Dropping segment without end time",
				slog.Int("index", i),
				slog.String("error", err.Error()))
			result.Dropped++
			continue
		}

		result.Segments = append(result.Segments, Segment{Start: start, End: end, Text: text})
	}

	return result
}
