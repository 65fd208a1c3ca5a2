package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transcription_tasks_submitted_total",
		Help: "Total number of webhook requests accepted and queued",
	})

	TasksRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcription_tasks_rejected_total",
		Help: "Webhook requests rejected before a task was created",
	}, []string{"kind"})

	TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcription_tasks_finished_total",
		Help: "Tasks that reached a terminal state",
	}, []string{"state", "kind"})

	StageAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcription_stage_attempts_total",
		Help: "Stage attempts by outcome",
	}, []string{"stage", "outcome"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "transcription_stage_duration_seconds",
		Help:    "Time spent in a single stage attempt",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"stage"})

	QueueWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "transcription_queue_wait_seconds",
		Help:    "Time a task spent QUEUED before a worker picked it up",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
	})

	WorkersBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "transcription_workers_busy",
		Help: "Number of workers currently executing a task",
	})

	TasksSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transcription_tasks_swept_total",
		Help: "RUNNING tasks failed by the lease sweeper",
	})
)
