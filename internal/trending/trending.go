package trending

import (
	"math"
	"sort"
	"time"

	"pumpwatch/internal/model"
)

const weightTolerance = 1e-6

// Weights are the relative contributions of the four sub-scores.
type Weights struct {
	Volume     float64
	Volatility float64
	Momentum   float64
	Social     float64
}

func (w Weights) sum() float64 {
	return w.Volume + w.Volatility + w.Momentum + w.Social
}

// Normalized rescales the weights to sum to 1. Negative weights count as
// zero; an all-zero vector yields the defaults.
func (w Weights) Normalized() Weights {
	w.Volume = math.Max(w.Volume, 0)
	w.Volatility = math.Max(w.Volatility, 0)
	w.Momentum = math.Max(w.Momentum, 0)
	w.Social = math.Max(w.Social, 0)

	total := w.sum()
	if total == 0 {
		return DefaultConfig().Weights
	}
	if math.Abs(total-1) <= weightTolerance {
		return w
	}
	return Weights{
		Volume:     w.Volume / total,
		Volatility: w.Volatility / total,
		Momentum:   w.Momentum / total,
		Social:     w.Social / total,
	}
}

// Config tunes normalisation of the sub-scores.
type Config struct {
	Weights            Weights
	VolumeCeiling      float64
	VolatilityCeiling  float64
	VolatilityExponent float64
	MomentumCeiling    float64
	TraderCeiling      float64
	SocialDecay        time.Duration
}

// DefaultConfig returns the stock scoring parameters.
func DefaultConfig() Config {
	return Config{
		Weights:            Weights{Volume: 0.3, Volatility: 0.25, Momentum: 0.3, Social: 0.15},
		VolumeCeiling:      10000,
		VolatilityCeiling:  0.5,
		VolatilityExponent: 0.7,
		MomentumCeiling:    0.3,
		TraderCeiling:      100,
		SocialDecay:        6 * time.Hour,
	}
}

// Engine scores market snapshots.
type Engine struct {
	cfg Config
	now func() time.Time
}

// New builds an engine. Unset parameters take their defaults and the
// weights are normalised once here.
func New(cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.VolumeCeiling <= 0 {
		cfg.VolumeCeiling = def.VolumeCeiling
	}
	if cfg.VolatilityCeiling <= 0 {
		cfg.VolatilityCeiling = def.VolatilityCeiling
	}
	if cfg.VolatilityExponent <= 0 || cfg.VolatilityExponent >= 1 {
		cfg.VolatilityExponent = def.VolatilityExponent
	}
	if cfg.MomentumCeiling <= 0 {
		cfg.MomentumCeiling = def.MomentumCeiling
	}
	if cfg.TraderCeiling <= 0 {
		cfg.TraderCeiling = def.TraderCeiling
	}
	if cfg.SocialDecay <= 0 {
		cfg.SocialDecay = def.SocialDecay
	}
	cfg.Weights = cfg.Weights.Normalized()
	return &Engine{cfg: cfg, now: time.Now}
}

// Weights returns the normalised weights in use.
func (e *Engine) Weights() Weights {
	return e.cfg.Weights
}

// Score computes the trending metrics of one snapshot.
func (e *Engine) Score(s model.MarketSnapshot) model.TrendingMetrics {
	m := model.TrendingMetrics{
		MarketID:        s.MarketID,
		VolumeScore:     e.volumeScore(s),
		VolatilityScore: e.volatilityScore(s),
		MomentumScore:   e.momentumScore(s),
		SocialScore:     e.socialScore(s),
	}
	w := e.cfg.Weights
	m.OverallTrendScore = clamp01(m.VolumeScore*w.Volume +
		m.VolatilityScore*w.Volatility +
		m.MomentumScore*w.Momentum +
		m.SocialScore*w.Social)
	return m
}

// volumeScore extrapolates young markets to a full day before log scaling.
func (e *Engine) volumeScore(s model.MarketSnapshot) float64 {
	volume := s.Volume24h()
	if volume <= 0 {
		return 0
	}
	ageHours := 24.0
	if !s.CreatedAt.IsZero() {
		ageHours = math.Min(math.Max(e.now().Sub(s.CreatedAt).Hours(), 1), 24)
	}
	daily := volume * 24 / ageHours
	return clamp01(math.Log10(1+daily) / math.Log10(1+e.cfg.VolumeCeiling))
}

func (e *Engine) volatilityScore(s model.MarketSnapshot) float64 {
	if len(s.Prices) == 0 {
		return 0
	}
	var total float64
	for _, p := range s.Prices {
		total += math.Abs(p.PriceChange24h)
	}
	mean := total / float64(len(s.Prices))
	return math.Pow(clamp01(mean/e.cfg.VolatilityCeiling), e.cfg.VolatilityExponent)
}

// momentumScore averages the rising outcomes only: outcome prices are
// complementary, so a signed mean over all outcomes is always near zero.
func (e *Engine) momentumScore(s model.MarketSnapshot) float64 {
	if len(s.Prices) == 0 {
		return 0
	}
	var rising float64
	var n int
	for _, p := range s.Prices {
		if p.PriceChange24h > 0 {
			rising += p.PriceChange24h
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return clamp01(rising / float64(n) / e.cfg.MomentumCeiling)
}

func (e *Engine) socialScore(s model.MarketSnapshot) float64 {
	if s.TraderCount <= 0 {
		return 0
	}
	traders := clamp01(math.Log10(1+float64(s.TraderCount)) / math.Log10(1+e.cfg.TraderCeiling))
	last := s.LastTradeAt
	if last.IsZero() {
		last = s.LastUpdated
	}
	if last.IsZero() {
		return traders
	}
	since := math.Max(e.now().Sub(last).Hours(), 0)
	decay := math.Exp(-since / e.cfg.SocialDecay.Hours())
	return clamp01(traders * decay)
}

// Ranked is a scored snapshot with its dense 1-based rank.
type Ranked struct {
	Rank     int                   `json:"rank"`
	Snapshot model.MarketSnapshot  `json:"snapshot"`
	Metrics  model.TrendingMetrics `json:"metrics"`
}

// Rank scores every snapshot and orders them by overall score, highest first.
// Equal scores share a rank.
func (e *Engine) Rank(snapshots []model.MarketSnapshot) []Ranked {
	out := make([]Ranked, 0, len(snapshots))
	for _, s := range snapshots {
		out = append(out, Ranked{Snapshot: s, Metrics: e.Score(s)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Metrics.OverallTrendScore != out[j].Metrics.OverallTrendScore {
			return out[i].Metrics.OverallTrendScore > out[j].Metrics.OverallTrendScore
		}
		return out[i].Snapshot.MarketID < out[j].Snapshot.MarketID
	})

	rank := 0
	prev := math.NaN()
	for i := range out {
		if score := out[i].Metrics.OverallTrendScore; score != prev {
			rank++
			prev = score
		}
		out[i].Rank = rank
	}
	return out
}

// Pumping returns the ranked snapshots whose momentum and overall score reach
// threshold while volatility reaches 80% of it. See IsPumping for how
// momentum is measured.
func (e *Engine) Pumping(snapshots []model.MarketSnapshot, threshold float64) []Ranked {
	var out []Ranked
	for _, r := range e.Rank(snapshots) {
		if IsPumping(r.Metrics, threshold) {
			out = append(out, r)
		}
	}
	return out
}

// IsPumping applies the pump filter to one set of metrics.
//
// MomentumScore is the mean of the rising outcomes' 24h changes, not a signed
// mean over all outcomes: a market where one outcome climbs while the others
// fall still has high momentum, and a market where every outcome falls has
// zero momentum.
func IsPumping(m model.TrendingMetrics, threshold float64) bool {
	return m.MomentumScore >= threshold &&
		m.VolatilityScore >= 0.8*threshold &&
		m.OverallTrendScore >= threshold
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
