// Package prometheus renders kbgauth counters in the Prometheus text
// exposition format.
//
// The exporter does not register with any global registry; mount
// [Exporter.Handler] wherever the scrape endpoint should live. Counter names
// follow kbgauth_<event>_total and the validation latency histogram is
// kbgauth_validate_latency_seconds.
package prometheus
