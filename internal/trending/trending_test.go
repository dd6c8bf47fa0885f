package trending

import (
	"math"
	"testing"
	"time"

	"pumpwatch/internal/model"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func testEngine(cfg Config) *Engine {
	e := New(cfg)
	e.now = func() time.Time { return testNow }
	return e
}

func near(a, b float64) bool {
	return math.Abs(a-b) < 1e-3
}

func TestWeightsAreNormalized(t *testing.T) {
	w := Weights{Volume: 0.4, Volatility: 0.4, Momentum: 0.4, Social: 0.4}.Normalized()
	for _, v := range []float64{w.Volume, w.Volatility, w.Momentum, w.Social} {
		if !near(v, 0.25) {
			t.Fatalf("weights = %+v, want 0.25 each", w)
		}
	}

	in := Weights{Volume: 0.3, Volatility: 0.25, Momentum: 0.3, Social: 0.15}
	if got := in.Normalized(); got != in {
		t.Fatalf("weights summing to 1 changed: %+v", got)
	}

	if got := (Weights{}).Normalized(); got != DefaultConfig().Weights {
		t.Fatalf("zero weights should fall back to defaults, got %+v", got)
	}
}

func TestEngineNormalizesConfiguredWeights(t *testing.T) {
	e := New(Config{Weights: Weights{Volume: 2, Volatility: 2, Momentum: 2, Social: 2}})
	if w := e.Weights(); !near(w.Volume+w.Volatility+w.Momentum+w.Social, 1) {
		t.Fatalf("engine weights not normalized: %+v", w)
	}
}

func TestSubScores(t *testing.T) {
	e := testEngine(DefaultConfig())

	s := model.MarketSnapshot{
		MarketID: "M1",
		Prices: []model.PricePoint{
			{OutcomeIndex: 0, Price: 0.6, PriceChange24h: 0.25, Volume24h: 5000},
			{OutcomeIndex: 1, Price: 0.4, PriceChange24h: -0.25, Volume24h: 5000},
		},
		TraderCount: 99,
		LastUpdated: testNow,
	}
	m := e.Score(s)

	if !near(m.VolumeScore, 1) {
		t.Errorf("volume score = %v, want 1", m.VolumeScore)
	}
	if want := math.Pow(0.5, 0.7); !near(m.VolatilityScore, want) {
		t.Errorf("volatility score = %v, want %v", m.VolatilityScore, want)
	}
	if !near(m.MomentumScore, 0.8333) {
		t.Errorf("momentum score = %v, want 0.8333", m.MomentumScore)
	}
	if want := 2 / math.Log10(101); !near(m.SocialScore, want) {
		t.Errorf("social score = %v, want %v", m.SocialScore, want)
	}
	if m.MarketID != "M1" {
		t.Errorf("market id not carried over")
	}
}

func TestSocialScoreDecays(t *testing.T) {
	e := testEngine(DefaultConfig())
	fresh := e.Score(model.MarketSnapshot{TraderCount: 100, LastUpdated: testNow})
	stale := e.Score(model.MarketSnapshot{TraderCount: 100, LastUpdated: testNow.Add(-6 * time.Hour)})
	if !near(stale.SocialScore, fresh.SocialScore*math.Exp(-1)) {
		t.Fatalf("stale social = %v, fresh = %v", stale.SocialScore, fresh.SocialScore)
	}
}

func TestVolumeScoreNormalizesAge(t *testing.T) {
	e := testEngine(DefaultConfig())
	prices := []model.PricePoint{{Volume24h: 100}}
	old := e.Score(model.MarketSnapshot{Prices: prices, CreatedAt: testNow.Add(-48 * time.Hour)})
	young := e.Score(model.MarketSnapshot{Prices: prices, CreatedAt: testNow.Add(-2 * time.Hour)})
	if young.VolumeScore <= old.VolumeScore {
		t.Fatalf("young market should score higher: young=%v old=%v", young.VolumeScore, old.VolumeScore)
	}
	if want := math.Log10(1201) / math.Log10(10001); !near(young.VolumeScore, want) {
		t.Fatalf("young volume score = %v, want %v", young.VolumeScore, want)
	}
}

func TestScoresStayWithinBounds(t *testing.T) {
	e := testEngine(Config{Weights: Weights{Volume: 1, Volatility: 1, Momentum: 1, Social: 1}})
	snapshots := []model.MarketSnapshot{
		{},
		{Prices: []model.PricePoint{{PriceChange24h: 5, Volume24h: 1e12}}, TraderCount: 1e6, LastUpdated: testNow.Add(time.Hour)},
		{Prices: []model.PricePoint{{PriceChange24h: -5, Volume24h: -10}}, TraderCount: -3},
		{Prices: []model.PricePoint{{PriceChange24h: math.NaN()}}, CreatedAt: testNow.Add(time.Hour)},
		{Prices: []model.PricePoint{{PriceChange24h: 0.01, Volume24h: 1}}, TraderCount: 1, LastUpdated: testNow.Add(-1000 * time.Hour)},
	}
	for i, s := range snapshots {
		m := e.Score(s)
		for name, v := range map[string]float64{
			"volume":     m.VolumeScore,
			"volatility": m.VolatilityScore,
			"momentum":   m.MomentumScore,
			"social":     m.SocialScore,
			"overall":    m.OverallTrendScore,
		} {
			if math.IsNaN(v) || v < 0 || v > 1 {
				t.Errorf("snapshot %d: %s score %v out of [0,1]", i, name, v)
			}
		}
	}
}

func TestRankIsDense(t *testing.T) {
	e := testEngine(DefaultConfig())
	hot := model.MarketSnapshot{Prices: []model.PricePoint{{PriceChange24h: 0.2, Volume24h: 500}}, TraderCount: 10, LastUpdated: testNow}
	cold := model.MarketSnapshot{MarketID: "C"}

	a, b := hot, hot
	a.MarketID, b.MarketID = "A", "B"
	ranked := e.Rank([]model.MarketSnapshot{cold, b, a})

	if len(ranked) != 3 {
		t.Fatalf("ranked %d markets", len(ranked))
	}
	want := []struct {
		id   string
		rank int
	}{{"A", 1}, {"B", 1}, {"C", 2}}
	for i, w := range want {
		if ranked[i].Snapshot.MarketID != w.id || ranked[i].Rank != w.rank {
			t.Fatalf("position %d = %s rank %d, want %s rank %d", i, ranked[i].Snapshot.MarketID, ranked[i].Rank, w.id, w.rank)
		}
	}
}

func TestPumpingRequiresVolatileAndTrending(t *testing.T) {
	e := testEngine(DefaultConfig())
	pumping := model.MarketSnapshot{
		MarketID: "PUMP",
		Prices: []model.PricePoint{
			{OutcomeIndex: 0, Price: 0.9, PriceChange24h: 0.4, Volume24h: 6000},
			{OutcomeIndex: 1, Price: 0.1, PriceChange24h: -0.4, Volume24h: 6000},
		},
		TraderCount: 150,
		LastUpdated: testNow,
	}
	volatileOnly := pumping
	volatileOnly.MarketID = "NOVOLUME"
	volatileOnly.Prices = []model.PricePoint{
		{OutcomeIndex: 0, PriceChange24h: 0.4},
		{OutcomeIndex: 1, PriceChange24h: -0.4},
	}
	volatileOnly.TraderCount = 0
	calm := model.MarketSnapshot{
		MarketID:    "CALM",
		Prices:      []model.PricePoint{{PriceChange24h: 0.02, Volume24h: 8000}, {PriceChange24h: -0.02, Volume24h: 8000}},
		TraderCount: 150,
		LastUpdated: testNow,
	}

	got := e.Pumping([]model.MarketSnapshot{calm, volatileOnly, pumping}, 0.7)
	if len(got) != 1 || got[0].Snapshot.MarketID != "PUMP" {
		ids := make([]string, 0, len(got))
		for _, r := range got {
			ids = append(ids, r.Snapshot.MarketID)
		}
		t.Fatalf("pumping markets = %v, want [PUMP]", ids)
	}
	m := got[0].Metrics
	if m.MomentumScore < 0.7 || m.VolatilityScore < 0.56 || m.OverallTrendScore < 0.7 {
		t.Fatalf("pumping metrics below threshold: %+v", m)
	}
}

func TestMomentumCountsRisingOutcomesOnly(t *testing.T) {
	e := testEngine(Config{})
	snap := func(changes ...float64) model.MarketSnapshot {
		s := model.MarketSnapshot{MarketID: "M1", LastUpdated: testNow}
		for i, c := range changes {
			s.Prices = append(s.Prices, model.PricePoint{OutcomeIndex: i, PriceChange24h: c})
		}
		return s
	}

	cases := []struct {
		name    string
		changes []float64
		want    float64
	}{
		{"complementary", []float64{0.15, -0.15}, 0.5},
		{"mixed three-way", []float64{0.3, 0.06, -0.36}, 0.6},
		{"all falling", []float64{-0.1, -0.2}, 0},
		{"flat", []float64{0, 0}, 0},
		{"above ceiling", []float64{0.9, -0.9}, 1},
	}
	for _, tc := range cases {
		if got := e.Score(snap(tc.changes...)).MomentumScore; !near(got, tc.want) {
			t.Errorf("%s: momentum = %v, want %v", tc.name, got, tc.want)
		}
	}
}
