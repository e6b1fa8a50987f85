package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"airsense/internal/config"
	"airsense/internal/outlier"
	"airsense/internal/types"
)

var (
	errMissingReference = errors.New("measurement message missing location reference id")
	errMissingTimestamp = errors.New("measurement message missing measured_at timestamp")
)

// MeasurementWriter is the store surface the writer needs. Implemented by
// db.MeasurementRepository.
type MeasurementWriter interface {
	UpsertBatch(ctx context.Context, rows []types.Measurement) (int64, error)
}

// LocationStore upserts locations seen in incoming messages. Implemented by
// db.LocationRepository.
type LocationStore interface {
	Upsert(ctx context.Context, loc *types.Location) error
}

// BatchClassifier computes pm25 outlier flags for a batch of candidates.
// Implemented by outlier.Classifier.
type BatchClassifier interface {
	ClassifyBatch(ctx context.Context, points []types.DataPoint, o *outlier.Overrides) (map[string]bool, error)
}

// Writer turns decoded measurement messages into classified, idempotently
// upserted measurement rows. Rows are written in chunks with a short pause
// between chunks to bound lock contention on the shared store during large
// flushes.
type Writer struct {
	measurements MeasurementWriter
	locations    LocationStore
	classifier   BatchClassifier
	cfg          config.IngestConfig
	metrics      *Metrics
	logger       *slog.Logger

	// for testability; defaults to time.Sleep
	sleepFn func(time.Duration)
}

// NewWriter creates a Writer. metrics may be nil (e.g., in tests), in which
// case no metrics are recorded.
func NewWriter(measurements MeasurementWriter, locations LocationStore, classifier BatchClassifier, cfg config.IngestConfig, metrics *Metrics, logger *slog.Logger) *Writer {
	return &Writer{
		measurements: measurements,
		locations:    locations,
		classifier:   classifier,
		cfg:          cfg,
		metrics:      metrics,
		logger:       logger,
		sleepFn:      time.Sleep,
	}
}

// Flush classifies and writes one batch of messages.
//
// The flag is computed once here and frozen: queries may later re-classify
// with overrides, but they never rewrite what Flush stored. A classification
// or write failure aborts the flush so the consumer can decide retry/skip
// policy; it is never downgraded to "assume not an outlier".
func (w *Writer) Flush(ctx context.Context, msgs []*MeasurementMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	start := time.Now()

	rows, err := w.prepareRows(ctx, msgs)
	if err != nil {
		return err
	}

	var written int64
	for offset := 0; offset < len(rows); offset += w.cfg.ChunkSize {
		end := offset + w.cfg.ChunkSize
		if end > len(rows) {
			end = len(rows)
		}

		n, err := w.measurements.UpsertBatch(ctx, rows[offset:end])
		if err != nil {
			return err
		}
		written += n

		if end < len(rows) && w.cfg.ChunkPause > 0 {
			w.sleepFn(w.cfg.ChunkPause)
		}
	}

	skipped := int64(len(rows)) - written
	if w.metrics != nil {
		w.metrics.BatchSize.Observe(float64(len(msgs)))
		w.metrics.RowsWritten.Add(float64(written))
		w.metrics.RowsSkipped.Add(float64(skipped))
		w.metrics.FlushDuration.Observe(time.Since(start).Seconds())
	}
	w.logger.Info("flushed measurement batch",
		"messages", len(msgs),
		"written", written,
		"duplicates", skipped,
		"duration", time.Since(start),
	)
	return nil
}

// prepareRows upserts the locations referenced by the batch, classifies all
// pm25 readings in one pass, and builds the rows to insert.
func (w *Writer) prepareRows(ctx context.Context, msgs []*MeasurementMessage) ([]types.Measurement, error) {
	// Upsert each distinct location once per flush.
	locationIDs := make(map[string]int, len(msgs))
	for _, msg := range msgs {
		if _, seen := locationIDs[msg.LocationReferenceID]; seen {
			continue
		}
		name := msg.LocationName
		if name == "" {
			// Some provider rows ship without a station name.
			name = msg.DataSource.OwnerPrefix() + " " + msg.LocationReferenceID
		}
		loc := &types.Location{
			ReferenceID: msg.LocationReferenceID,
			Name:        name,
			Latitude:    msg.Latitude,
			Longitude:   msg.Longitude,
			DataSource:  msg.DataSource,
			SensorType:  msg.SensorType,
		}
		if err := w.locations.Upsert(ctx, loc); err != nil {
			return nil, err
		}
		locationIDs[msg.LocationReferenceID] = loc.ID
	}

	// One batched classification for every pm25-bearing message, using the
	// configured ingestion thresholds (no overrides).
	points := make([]types.DataPoint, 0, len(msgs))
	for _, msg := range msgs {
		if msg.PM25 == nil {
			continue
		}
		points = append(points, types.DataPoint{
			LocationReferenceID: msg.LocationReferenceID,
			PM25:                *msg.PM25,
			MeasuredAt:          msg.MeasuredAt,
		})
	}
	flags, err := w.classifier.ClassifyBatch(ctx, points, nil)
	if err != nil {
		if w.metrics != nil {
			w.metrics.ClassifyErrors.Inc()
		}
		return nil, err
	}

	rows := make([]types.Measurement, 0, len(msgs))
	var flagged int
	for _, msg := range msgs {
		isOutlier := false
		if msg.PM25 != nil {
			isOutlier = flags[types.BatchKey(msg.LocationReferenceID, msg.MeasuredAt)]
		}
		if isOutlier {
			flagged++
		}
		rows = append(rows, types.Measurement{
			LocationID:          locationIDs[msg.LocationReferenceID],
			LocationReferenceID: msg.LocationReferenceID,
			MeasuredAt:          msg.MeasuredAt.UTC(),
			PM25:                msg.PM25,
			PM10:                msg.PM10,
			ATMP:                msg.ATMP,
			RHUM:                msg.RHUM,
			RCO2:                msg.RCO2,
			O3:                  msg.O3,
			NO2:                 msg.NO2,
			IsPM25Outlier:       isOutlier,
			DataSource:          msg.DataSource,
			SensorType:          msg.SensorType,
			Latitude:            msg.Latitude,
			Longitude:           msg.Longitude,
		})
	}
	if w.metrics != nil && flagged > 0 {
		w.metrics.OutliersFlagged.Add(float64(flagged))
	}
	return rows, nil
}
