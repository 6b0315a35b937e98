package anomaly

import (
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/hookpulse/internal/aggregate"
)

const defaultShards = 16

type sample struct {
	value float64
	at    time.Time
}

type seriesKey struct {
	kind    aggregate.SubjectKind
	subject string
	metric  string
}

type shard struct {
	mu     sync.Mutex
	series map[seriesKey][]sample
}

// Detector keeps rolling sample windows per (subject kind, subject, metric) and flags
// outliers. It is safe for concurrent use.
type Detector struct {
	cfg    Config
	shards []*shard
	now    func() time.Time
}

// NewDetector creates a detector. The config must be valid.
func NewDetector(cfg Config) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Detector{cfg: cfg, shards: make([]*shard, defaultShards), now: time.Now}
	for i := range d.shards {
		d.shards[i] = &shard{series: make(map[seriesKey][]sample)}
	}
	return d, nil
}

// Config returns the detection parameters.
func (d *Detector) Config() Config {
	return d.cfg
}

func (d *Detector) shardFor(subject string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(subject))
	return d.shards[h.Sum32()%uint32(len(d.shards))]
}

// Observe appends a sample and evaluates it against the samples before it.
// It returns nil when the sample is within range or there is too little history.
func (d *Detector) Observe(kind aggregate.SubjectKind, subject, metric string, value float64, at time.Time) *Anomaly {
	sh := d.shardFor(subject)
	sh.mu.Lock()
	k := seriesKey{kind, subject, metric}
	s := append(sh.series[k], sample{value: value, at: at.UTC()})
	if len(s) > d.cfg.WindowSize {
		s = append([]sample(nil), s[len(s)-d.cfg.WindowSize:]...)
	}
	sh.series[k] = s
	snapshot := append([]sample(nil), s...)
	sh.mu.Unlock()

	return evaluate(d.cfg, k, snapshot, d.now())
}

// Detect evaluates the newest sample of a series against at most window
// preceding samples without changing any state. A window of 0 uses the
// configured window size.
func (d *Detector) Detect(kind aggregate.SubjectKind, subject, metric string, window int) *Anomaly {
	k := seriesKey{kind, subject, metric}
	sh := d.shardFor(subject)
	sh.mu.Lock()
	s := append([]sample(nil), sh.series[k]...)
	sh.mu.Unlock()

	if window > 0 && len(s) > window+1 {
		s = s[len(s)-window-1:]
	}
	return evaluate(d.cfg, k, s, d.now())
}

// Samples returns the number of samples held for a series.
func (d *Detector) Samples(kind aggregate.SubjectKind, subject, metric string) int {
	sh := d.shardFor(subject)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return len(sh.series[seriesKey{kind, subject, metric}])
}

// Seed loads rolling windows from stored buckets without emitting anomalies.
func (d *Detector) Seed(buckets []aggregate.Bucket) {
	for _, s := range seriesFromBuckets(buckets) {
		for _, smp := range s.samples {
			sh := d.shardFor(s.key.subject)
			sh.mu.Lock()
			w := append(sh.series[s.key], smp)
			if len(w) > d.cfg.WindowSize {
				w = w[len(w)-d.cfg.WindowSize:]
			}
			sh.series[s.key] = w
			sh.mu.Unlock()
		}
	}
}

// evaluate flags the last sample of s against the ones before it.
func evaluate(cfg Config, k seriesKey, s []sample, detectedAt time.Time) *Anomaly {
	if len(s) < 2 {
		return nil
	}
	newest := s[len(s)-1]
	prior := s[:len(s)-1]
	if len(prior) < cfg.MinSamples {
		return nil
	}
	mean, stddev := meanStdDev(prior)
	if stddev == 0 {
		return nil
	}
	sigmas := math.Abs(newest.value-mean) / stddev
	if sigmas <= cfg.K {
		return nil
	}
	return &Anomaly{
		ID:            ID(k.kind, k.subject, k.metric, newest.at),
		SubjectKind:   k.kind,
		SubjectID:     k.subject,
		Metric:        k.metric,
		ObservedValue: newest.value,
		ExpectedRange: Range{Low: mean - cfg.K*stddev, High: mean + cfg.K*stddev},
		Mean:          mean,
		StdDev:        stddev,
		Sigmas:        sigmas,
		DetectedAt:    detectedAt.UTC(),
		SampleAt:      newest.at,
		Severity:      cfg.severity(sigmas),
	}
}

func meanStdDev(s []sample) (float64, float64) {
	var sum float64
	for _, x := range s {
		sum += x.value
	}
	mean := sum / float64(len(s))
	var sq float64
	for _, x := range s {
		d := x.value - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(s)))
}

// ID derives the anomaly id from what was flagged, so recomputation yields
// the same ids as live detection.
func ID(kind aggregate.SubjectKind, subject, metric string, sampleAt time.Time) string {
	name := fmt.Sprintf("%s:%s:%s:%d", kind, subject, metric, sampleAt.UTC().UnixNano())
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

// Values returns the per-bucket values that are checked for outliers.
func Values(b aggregate.Bucket) map[string]float64 {
	return map[string]float64{
		MetricEventCount:    float64(b.EventCount),
		MetricFailureRate:   b.FailureRate(),
		MetricAvgDurationMs: b.AvgDurationMs(),
	}
}

// Observable reports whether a bucket feeds detection: per-subject rollups
// for sessions and users, and the single category bucket of a tool.
func Observable(b aggregate.Bucket) bool {
	return b.SubjectKind == aggregate.KindTool || b.Category == aggregate.CategoryAll
}

type series struct {
	key     seriesKey
	samples []sample
}

// seriesFromBuckets keeps the latest revision of each observable bucket and
// orders samples per series by bucket start.
func seriesFromBuckets(buckets []aggregate.Bucket) []series {
	latest := make(map[aggregate.Key]aggregate.Bucket)
	for _, b := range buckets {
		if !Observable(b) {
			continue
		}
		if cur, ok := latest[b.Key()]; !ok || b.Revision > cur.Revision {
			latest[b.Key()] = b
		}
	}
	ordered := make([]aggregate.Bucket, 0, len(latest))
	for _, b := range latest {
		ordered = append(ordered, b)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if !ordered[i].BucketStart.Equal(ordered[j].BucketStart) {
			return ordered[i].BucketStart.Before(ordered[j].BucketStart)
		}
		if ordered[i].SubjectKind != ordered[j].SubjectKind {
			return ordered[i].SubjectKind < ordered[j].SubjectKind
		}
		return ordered[i].Subject < ordered[j].Subject
	})

	idx := make(map[seriesKey]int)
	var out []series
	for _, b := range ordered {
		metrics := Values(b)
		for _, m := range []string{MetricEventCount, MetricFailureRate, MetricAvgDurationMs} {
			k := seriesKey{b.SubjectKind, b.Subject, m}
			i, ok := idx[k]
			if !ok {
				i = len(out)
				idx[k] = i
				out = append(out, series{key: k})
			}
			out[i].samples = append(out[i].samples, sample{value: metrics[m], at: b.BucketStart.UTC()})
		}
	}
	return out
}

// Recompute reproduces every anomaly derivable from the stored buckets under
// cfg. Buckets of a single width should be supplied; revisions are collapsed
// to the latest. DetectedAt is the close time of the flagged bucket.
func Recompute(buckets []aggregate.Bucket, cfg Config) ([]Anomaly, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	closedAt := make(map[seriesKey]map[int64]time.Time)
	for _, b := range buckets {
		for m := range Values(b) {
			k := seriesKey{b.SubjectKind, b.Subject, m}
			if closedAt[k] == nil {
				closedAt[k] = make(map[int64]time.Time)
			}
			if b.ClosedAt.After(closedAt[k][b.BucketStart.UnixNano()]) {
				closedAt[k][b.BucketStart.UnixNano()] = b.ClosedAt
			}
		}
	}

	var out []Anomaly
	for _, s := range seriesFromBuckets(buckets) {
		for i := range s.samples {
			lo := max(0, i+1-cfg.WindowSize)
			at := closedAt[s.key][s.samples[i].at.UnixNano()]
			if a := evaluate(cfg, s.key, s.samples[lo:i+1], at); a != nil {
				out = append(out, *a)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SampleAt.Equal(out[j].SampleAt) {
			return out[i].SampleAt.Before(out[j].SampleAt)
		}
		if out[i].SubjectID != out[j].SubjectID {
			return out[i].SubjectID < out[j].SubjectID
		}
		if out[i].SubjectKind != out[j].SubjectKind {
			return out[i].SubjectKind < out[j].SubjectKind
		}
		return out[i].Metric < out[j].Metric
	})
	return out, nil
}
