package metrics

import (
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "tutorbill_"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	invoiceGenerateTotal   *prometheus.CounterVec
	invoiceGenerateLatency *prometheus.HistogramVec
	invoicePaymentTotal    *prometheus.CounterVec
	invoicePaymentLatency  *prometheus.HistogramVec
	invoiceRefundTotal     *prometheus.CounterVec
	invoiceRefundLatency   *prometheus.HistogramVec
	invoiceExportTotal     *prometheus.CounterVec
	invoiceExportLatency   *prometheus.HistogramVec

	followUpTotal   *prometheus.CounterVec
	followUpLatency *prometheus.HistogramVec

	reconciliationHolds prometheus.Counter
	staleWriteRetries   prometheus.Counter
)

// Init registers observability metrics and DB-backed gauges.
func Init(db *sql.DB, logger *log.Logger) {
	registerOnce.Do(func() {
		invoiceGenerateTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "invoice_generate_total",
				Help: "Total invoice generate operations by result",
			},
			[]string{"result"},
		)
		invoiceGenerateLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "invoice_generate_latency_seconds",
				Help:    "Invoice generate latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		invoicePaymentTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "invoice_payment_total",
				Help: "Total payment operations by result",
			},
			[]string{"result"},
		)
		invoicePaymentLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "invoice_payment_latency_seconds",
				Help:    "Payment latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		invoiceRefundTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "invoice_refund_total",
				Help: "Total refund operations by result",
			},
			[]string{"result"},
		)
		invoiceRefundLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "invoice_refund_latency_seconds",
				Help:    "Refund latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		invoiceExportTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "invoice_export_total",
				Help: "Total invoice export operations by format and result",
			},
			[]string{"format", "result"},
		)
		invoiceExportLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "invoice_export_latency_seconds",
				Help:    "Invoice export latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"format", "result"},
		)

		followUpTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "followup_total",
				Help: "Total follow-up evaluations by result",
			},
			[]string{"result"},
		)
		followUpLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "followup_latency_seconds",
				Help:    "Follow-up evaluation latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		reconciliationHolds = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "reconciliation_holds_total",
				Help: "Total reconciliation holds raised",
			},
		)
		staleWriteRetries = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "stale_write_retries_total",
				Help: "Total retries after version conflicts",
			},
		)

		prometheus.MustRegister(
			invoiceGenerateTotal,
			invoiceGenerateLatency,
			invoicePaymentTotal,
			invoicePaymentLatency,
			invoiceRefundTotal,
			invoiceRefundLatency,
			invoiceExportTotal,
			invoiceExportLatency,
			followUpTotal,
			followUpLatency,
			reconciliationHolds,
			staleWriteRetries,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// ObserveInvoiceGenerate records generate latency and result.
func ObserveInvoiceGenerate(result string, duration time.Duration) {
	observe(invoiceGenerateTotal, invoiceGenerateLatency, result, duration)
}

// ObserveInvoicePayment records payment latency and result.
func ObserveInvoicePayment(result string, duration time.Duration) {
	observe(invoicePaymentTotal, invoicePaymentLatency, result, duration)
}

// ObserveInvoiceRefund records refund latency and result.
func ObserveInvoiceRefund(result string, duration time.Duration) {
	observe(invoiceRefundTotal, invoiceRefundLatency, result, duration)
}

// ObserveFollowUp records follow-up evaluation latency and result.
func ObserveFollowUp(result string, duration time.Duration) {
	observe(followUpTotal, followUpLatency, result, duration)
}

// ObserveInvoiceExport records export latency and result.
func ObserveInvoiceExport(format, result string, duration time.Duration) {
	if format == "" {
		format = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if invoiceExportTotal != nil {
		invoiceExportTotal.WithLabelValues(format, result).Inc()
	}
	if invoiceExportLatency != nil {
		invoiceExportLatency.WithLabelValues(format, result).Observe(duration.Seconds())
	}
}

// IncReconciliationHold increments the hold counter.
func IncReconciliationHold() {
	if reconciliationHolds != nil {
		reconciliationHolds.Inc()
	}
}

// IncStaleRetry increments the version conflict retry counter.
func IncStaleRetry() {
	if staleWriteRetries != nil {
		staleWriteRetries.Inc()
	}
}

func observe(total *prometheus.CounterVec, latency *prometheus.HistogramVec, result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if total != nil {
		total.WithLabelValues(result).Inc()
	}
	if latency != nil {
		latency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError
)
