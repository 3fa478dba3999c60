package metrics

import (
	"encoding/json"
	"math"
	"net/http"
	"sort"
	"time"

	dto "github.com/prometheus/client_model/go"
)

// Summary is the JSON response for the admin metrics summary.
type Summary struct {
	HTTP       httpSummary     `json:"http"`
	Management httpSummary     `json:"management"`
	Proxy      proxySummary    `json:"proxy"`
	Resolver   resolverSummary `json:"resolver"`
	Usage      usageSummary    `json:"usage"`
	Chat       chatSummary     `json:"chat"`
	RateLimit  rejectionInfo   `json:"rateLimit"`
	Budget     rejectionInfo   `json:"budget"`
	Auth       rejectionInfo   `json:"auth"`
	DB         dbInfo          `json:"db"`
	Server     serverInfo      `json:"server"`
}

type httpSummary struct {
	TotalRequests float64 `json:"totalRequests"`
	ErrorRate     float64 `json:"errorRate"`
	P50Latency    float64 `json:"p50Latency"`
	P95Latency    float64 `json:"p95Latency"`
	P99Latency    float64 `json:"p99Latency"`
}

type proxySummary struct {
	TotalRequests    float64 `json:"totalRequests"`
	StreamedRequests float64 `json:"streamedRequests"`
	ActiveSessions   float64 `json:"activeSessions"`
	Interrupted      float64 `json:"interrupted"`
	P50Upstream      float64 `json:"p50Upstream"`
	P95Upstream      float64 `json:"p95Upstream"`
	UpstreamErrors   float64 `json:"upstreamErrors"`
	Retries          float64 `json:"retries"`
}

type resolverSummary struct {
	Hits          float64 `json:"hits"`
	Misses        float64 `json:"misses"`
	HitRate       float64 `json:"hitRate"`
	Invalidations float64 `json:"invalidations"`
}

type usageSummary struct {
	Recorded    float64 `json:"recorded"`
	Duplicates  float64 `json:"duplicates"`
	Failures    float64 `json:"failures"`
	Flushes     float64 `json:"flushes"`
	FlushErrors float64 `json:"flushErrors"`
}

type chatSummary struct {
	Completed float64 `json:"completed"`
	Errored   float64 `json:"errored"`
}

type rejectionInfo struct {
	Rejections float64 `json:"rejections"`
}

type serverInfo struct {
	StartTime     float64 `json:"startTime"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

type dbInfo struct {
	TotalConns    float64 `json:"totalConns"`
	IdleConns     float64 `json:"idleConns"`
	AcquiredConns float64 `json:"acquiredConns"`
}

// Handler returns an http.HandlerFunc that serves a live JSON summary.
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary, err := m.Summarize()
		if err != nil {
			http.Error(w, "failed to gather metrics", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache, no-store")
		_ = json.NewEncoder(w).Encode(summary)
	}
}

// Summarize gathers the registry into a Summary.
func (m *Metrics) Summarize() (*Summary, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}

	fam := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		fam[f.GetName()] = f
	}

	hits := sumCounter(fam["tithe_resolver_cache_total"], "result", "hit")
	misses := sumCounter(fam["tithe_resolver_cache_total"], "result", "miss")
	hitRate := 0.0
	if hits+misses > 0 {
		hitRate = hits / (hits + misses)
	}
	start := gaugeValue(fam["tithe_server_start_time_seconds"])

	return &Summary{
		HTTP:       httpKind(fam, "proxy"),
		Management: httpKind(fam, "api"),
		Proxy: proxySummary{
			TotalRequests:    sumCounter(fam["tithe_proxy_requests_total"], "", ""),
			StreamedRequests: sumCounter(fam["tithe_proxy_requests_total"], "stream", "true"),
			ActiveSessions:   gaugeValue(fam["tithe_stream_sessions_active"]),
			Interrupted:      sumCounter(fam["tithe_stream_sessions_finished_total"], "state", "ERRORED"),
			P50Upstream:      histogramPercentile(fam["tithe_proxy_upstream_duration_seconds"], 0.50, "", ""),
			P95Upstream:      histogramPercentile(fam["tithe_proxy_upstream_duration_seconds"], 0.95, "", ""),
			UpstreamErrors:   sumCounter(fam["tithe_proxy_upstream_errors_total"], "", ""),
			Retries:          sumCounter(fam["tithe_proxy_upstream_retries_total"], "", ""),
		},
		Resolver: resolverSummary{
			Hits:          hits,
			Misses:        misses,
			HitRate:       hitRate,
			Invalidations: sumCounter(fam["tithe_resolver_invalidations_total"], "", ""),
		},
		Usage: usageSummary{
			Recorded:    sumCounter(fam["tithe_usage_records_total"], "result", "recorded"),
			Duplicates:  sumCounter(fam["tithe_usage_records_total"], "result", "duplicate"),
			Failures:    sumCounter(fam["tithe_usage_records_total"], "result", "error"),
			Flushes:     sumCounter(fam["tithe_aggregate_flushes_total"], "", ""),
			FlushErrors: sumCounter(fam["tithe_aggregate_flushes_total"], "status", "error"),
		},
		Chat: chatSummary{
			Completed: sumCounter(fam["tithe_chat_turns_total"], "state", "COMPLETED"),
			Errored:   sumCounter(fam["tithe_chat_turns_total"], "state", "ERRORED"),
		},
		RateLimit: rejectionInfo{Rejections: sumCounter(fam["tithe_ratelimit_rejections_total"], "", "")},
		Budget:    rejectionInfo{Rejections: sumCounter(fam["tithe_budget_rejections_total"], "", "")},
		Auth:      rejectionInfo{Rejections: sumCounter(fam["tithe_auth_failures_total"], "", "")},
		DB: dbInfo{
			TotalConns:    gaugeValue(fam["tithe_db_pool_total_conns"]),
			IdleConns:     gaugeValue(fam["tithe_db_pool_idle_conns"]),
			AcquiredConns: gaugeValue(fam["tithe_db_pool_acquired_conns"]),
		},
		Server: serverInfo{
			StartTime:     start,
			UptimeSeconds: float64(time.Now().Unix()) - start,
		},
	}, nil
}

func httpKind(fam map[string]*dto.MetricFamily, kind string) httpSummary {
	reqs := fam["tithe_http_requests_total"]
	dur := fam["tithe_http_request_duration_seconds"]
	return httpSummary{
		TotalRequests: sumCounter(reqs, "kind", kind),
		ErrorRate:     errorRate(reqs, "kind", kind),
		P50Latency:    histogramPercentile(dur, 0.50, "kind", kind),
		P95Latency:    histogramPercentile(dur, 0.95, "kind", kind),
		P99Latency:    histogramPercentile(dur, 0.99, "kind", kind),
	}
}

// --- Prometheus metric helpers ---
// An empty label name matches every series.

func hasLabel(m *dto.Metric, name, value string) bool {
	if name == "" {
		return true
	}
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name && lp.GetValue() == value {
			return true
		}
	}
	return false
}

func sumCounter(f *dto.MetricFamily, labelName, labelValue string) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if hasLabel(m, labelName, labelValue) && m.GetCounter() != nil {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func gaugeValue(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	ms := f.GetMetric()
	if len(ms) == 0 || ms[0].GetGauge() == nil {
		return 0
	}
	return ms[0].GetGauge().GetValue()
}

// errorRate is the share of requests answered with a 4xx or 5xx status.
func errorRate(f *dto.MetricFamily, labelName, labelValue string) float64 {
	if f == nil {
		return 0
	}
	var total, errs float64
	for _, m := range f.GetMetric() {
		if !hasLabel(m, labelName, labelValue) || m.GetCounter() == nil {
			continue
		}
		v := m.GetCounter().GetValue()
		total += v
		for _, lp := range m.GetLabel() {
			if lp.GetName() == "status_code" {
				code := lp.GetValue()
				if len(code) > 0 && code[0] >= '4' {
					errs += v
				}
			}
		}
	}
	if total == 0 {
		return 0
	}
	return errs / total
}

// histogramPercentile estimates quantile q from the summed buckets of all
// matching series using linear interpolation within a bucket.
func histogramPercentile(f *dto.MetricFamily, q float64, labelName, labelValue string) float64 {
	if f == nil {
		return 0
	}

	type bucket struct {
		upperBound      float64
		cumulativeCount uint64
	}
	var totalCount uint64
	bucketMap := make(map[float64]uint64)

	for _, m := range f.GetMetric() {
		if !hasLabel(m, labelName, labelValue) {
			continue
		}
		h := m.GetHistogram()
		if h == nil {
			continue
		}
		totalCount += h.GetSampleCount()
		for _, b := range h.GetBucket() {
			bucketMap[b.GetUpperBound()] += b.GetCumulativeCount()
		}
	}
	if totalCount == 0 {
		return 0
	}

	buckets := make([]bucket, 0, len(bucketMap))
	for ub, count := range bucketMap {
		buckets = append(buckets, bucket{upperBound: ub, cumulativeCount: count})
	}
	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].upperBound < buckets[j].upperBound
	})

	rank := q * float64(totalCount)

	var prevBound float64
	var prevCount uint64
	for _, b := range buckets {
		if math.IsInf(b.upperBound, 1) {
			break
		}
		if float64(b.cumulativeCount) >= rank {
			bucketCount := b.cumulativeCount - prevCount
			if bucketCount == 0 {
				return b.upperBound
			}
			fraction := (rank - float64(prevCount)) / float64(bucketCount)
			return prevBound + fraction*(b.upperBound-prevBound)
		}
		prevBound = b.upperBound
		prevCount = b.cumulativeCount
	}

	// Past the last finite bucket.
	for i := len(buckets) - 1; i >= 0; i-- {
		if !math.IsInf(buckets[i].upperBound, 1) {
			return buckets[i].upperBound
		}
	}
	return 0
}
