package records

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"transcription-webhook-go/internal/config"
	"transcription-webhook-go/internal/logger"
	"transcription-webhook-go/internal/types"
)

const (
	StatusCompleted = "Completed"
	StatusFailed    = "Failed"
	DateLayout      = "2006-01-02 15:04:05"
)

// Resolver fills in the audio location for a row when the trigger did not
// carry one.
type Resolver struct {
	store       RowStore
	audioColumn string
}

func NewResolver(store RowStore, cols config.Columns) *Resolver {
	return &Resolver{store: store, audioColumn: cols.AudioURL}
}

// Resolve returns audioURL when set, otherwise the row's audio column. A row
// with no audio location fails with DownloadError/NotFound.
func (r *Resolver) Resolve(ctx context.Context, rowID, audioURL string) (string, error) {
	if u := strings.TrimSpace(audioURL); u != "" {
		return u, nil
	}
	row, err := r.store.GetRow(ctx, rowID)
	if err != nil {
		return "", err
	}
	u := strings.TrimSpace(row[r.audioColumn])
	if u == "" {
		u = guessAudioURL(row)
	}
	if u == "" {
		return "", &types.Error{Kind: types.KindDownload, Subkind: types.SubkindNotFound, Message: "No audio URL found"}
	}
	return u, nil
}

// guessAudioURL picks the first column that looks like an audio link when the
// configured column is absent.
func guessAudioURL(row Row) string {
	names := make([]string, 0, len(row))
	for name := range row {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		l := strings.ToLower(strings.TrimSpace(name))
		if strings.Contains(l, "audio") || strings.Contains(l, "record") ||
			(strings.Contains(l, "call") && strings.Contains(l, "link")) || strings.Contains(l, "url") {
			v := strings.TrimSpace(row[name])
			lv := strings.ToLower(v)
			if strings.HasPrefix(lv, "http://") || strings.HasPrefix(lv, "https://") {
				return v
			}
		}
	}
	return ""
}

// Writer pushes results and failures back to the row. Rate-limited writes are
// retried here, independently of the pipeline's stage retries.
type Writer struct {
	store      RowStore
	cols       config.Columns
	newBackOff func() backoff.BackOff
	log        *logger.Logger
}

type WriterOption func(*Writer)

// WithBackOff overrides the rate-limit retry policy.
func WithBackOff(f func() backoff.BackOff) WriterOption {
	return func(w *Writer) { w.newBackOff = f }
}

func NewWriter(store RowStore, cols config.Columns, log *logger.Logger, opts ...WriterOption) *Writer {
	w := &Writer{
		store: store,
		cols:  cols,
		log:   log.Component("records.writer"),
		newBackOff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = time.Second
			bo.MaxInterval = 20 * time.Second
			bo.MaxElapsedTime = 2 * time.Minute
			return bo
		},
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// WriteResult marks the row completed. report is only written when a report
// column is configured.
func (w *Writer) WriteResult(ctx context.Context, rowID, transcript, summary, report string, at time.Time) error {
	cells := Row{
		w.cols.Status:        StatusCompleted,
		w.cols.Transcript:    transcript,
		w.cols.Summary:       summary,
		w.cols.ProcessedDate: at.Format(DateLayout),
	}
	if w.cols.Report != "" {
		cells[w.cols.Report] = report
	}
	return w.update(ctx, rowID, cells)
}

func (w *Writer) MarkFailed(ctx context.Context, rowID, message string, at time.Time) error {
	return w.update(ctx, rowID, Row{
		w.cols.Status:        StatusFailed,
		w.cols.Summary:       "ERROR: " + message,
		w.cols.ProcessedDate: at.Format(DateLayout),
	})
}

func (w *Writer) update(ctx context.Context, rowID string, cells Row) error {
	attempt := 0
	op := func() error {
		attempt++
		err := w.store.UpdateRow(ctx, rowID, cells)
		if err == nil {
			return nil
		}
		if e, ok := types.AsError(err); ok && e.Subkind == types.SubkindRateLimited {
			w.log.WithField("row_id", rowID).WithField("attempt", attempt).Warn("record store rate limited, backing off")
			return err
		}
		return backoff.Permanent(err)
	}
	err := backoff.Retry(op, backoff.WithContext(w.newBackOff(), ctx))
	if err == nil {
		return nil
	}
	if _, ok := types.AsError(err); !ok {
		return types.Permanent(types.KindWriteBack, types.SubkindCanceled, err)
	}
	return err
}
