package signature

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes signer counters.
type Metrics struct {
	Signed     prometheus.Counter
	Pending    prometheus.Counter
	Failed     prometheus.Counter
	Verified   prometheus.Counter
	Mismatches prometheus.Counter
	Revoked    prometheus.Counter
	Swept      prometheus.Counter
}

func NewMetrics() *Metrics {
	return &Metrics{
		Signed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "custos_signatures_signed_total",
			Help: "Signature records created with a valid signature.",
		}),
		Pending: promauto.NewCounter(prometheus.CounterOpts{
			Name: "custos_signatures_pending_total",
			Help: "Signature records persisted pending because the key provider was unavailable.",
		}),
		Failed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "custos_signatures_failed_total",
			Help: "Critical-path signing attempts refused fail-closed.",
		}),
		Verified: promauto.NewCounter(prometheus.CounterOpts{
			Name: "custos_signatures_verified_total",
			Help: "Successful signature verifications.",
		}),
		Mismatches: promauto.NewCounter(prometheus.CounterOpts{
			Name: "custos_signatures_mismatch_total",
			Help: "Verifications that failed hash or signature comparison.",
		}),
		Revoked: promauto.NewCounter(prometheus.CounterOpts{
			Name: "custos_signatures_revoked_total",
			Help: "Signature records revoked.",
		}),
		Swept: promauto.NewCounter(prometheus.CounterOpts{
			Name: "custos_signatures_swept_total",
			Help: "Pending signature records resolved by the sweep.",
		}),
	}
}
