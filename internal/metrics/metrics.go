package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector counts the purchase funnel for Prometheus scraping.
type Collector struct {
	paymentsCreated   prometheus.Counter
	paymentsSucceeded prometheus.Counter
	paymentsCanceled  prometheus.Counter
	keysProvisioned   prometheus.Counter
	provisionFailed   prometheus.Counter
	sessionsExpired   prometheus.Counter
}

func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		paymentsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vpnshop_payments_created_total",
			Help: "Payments created at the gateway.",
		}),
		paymentsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vpnshop_payments_succeeded_total",
			Help: "Payments observed as succeeded.",
		}),
		paymentsCanceled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vpnshop_payments_canceled_total",
			Help: "Purchase sessions canceled by the buyer.",
		}),
		keysProvisioned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vpnshop_keys_provisioned_total",
			Help: "VPN keys provisioned on the panel.",
		}),
		provisionFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vpnshop_provision_failed_total",
			Help: "Provisioning failures after a successful payment.",
		}),
		sessionsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vpnshop_sessions_expired_total",
			Help: "Purchase sessions expired by the TTL sweep.",
		}),
	}

	reg.MustRegister(
		c.paymentsCreated,
		c.paymentsSucceeded,
		c.paymentsCanceled,
		c.keysProvisioned,
		c.provisionFailed,
		c.sessionsExpired,
	)

	return c
}

func (c *Collector) RecordPaymentCreated()   { c.paymentsCreated.Inc() }
func (c *Collector) RecordPaymentSucceeded() { c.paymentsSucceeded.Inc() }
func (c *Collector) RecordPaymentCanceled()  { c.paymentsCanceled.Inc() }
func (c *Collector) RecordKeyProvisioned()   { c.keysProvisioned.Inc() }
func (c *Collector) RecordProvisionFailed()  { c.provisionFailed.Inc() }
func (c *Collector) RecordSessionsExpired(count int) {
	c.sessionsExpired.Add(float64(count))
}

// Handler returns the Prometheus scrape handler for the registry.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
