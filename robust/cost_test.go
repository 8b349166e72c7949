package robust

import (
	"encoding/json"
	"math"
	"testing"

	"go.viam.com/test"
	"pgregory.net/rapid"
)

func gncParams() Params {
	params := DefaultParams()
	params.CostType = GNCTLS
	return params
}

func TestWeightAtZero(t *testing.T) {
	for _, costType := range []CostType{L2, Huber, GM, GNCTLS} {
		params := DefaultParams()
		params.CostType = costType
		cost := NewCost(params)
		test.That(t, cost.Weight(0), test.ShouldEqual, 1.)
		for i := 0; i < 20; i++ {
			cost.Update()
		}
		test.That(t, cost.Weight(0), test.ShouldEqual, 1.)
	}
}

func TestWeightMonotone(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		params := DefaultParams()
		params.CostType = rapid.SampledFrom([]CostType{L2, Huber, GM, GNCTLS}).Draw(t, "costType")
		cost := NewCost(params)
		updates := rapid.IntRange(0, 150).Draw(t, "updates")
		for i := 0; i < updates; i++ {
			cost.Update()
		}
		r1 := rapid.Float64Range(0, 50).Draw(t, "r1")
		r2 := rapid.Float64Range(r1, 100).Draw(t, "r2")
		w1, w2 := cost.Weight(r1), cost.Weight(r2)
		if w1 < w2 {
			t.Fatalf("weight increased from %g at %g to %g at %g", w1, r1, w2, r2)
		}
		if w1 < 0 || w1 > 1 || w2 < 0 || w2 > 1 {
			t.Fatalf("weights out of range: %g %g", w1, w2)
		}
	})
}

func TestThresholdAnneals(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		params := gncParams()
		params.GNCMuStep = rapid.Float64Range(1.01, 3).Draw(t, "muStep")
		params.GNCInitMu = rapid.Float64Range(1e-6, 1).Draw(t, "initMu")
		cost := NewCost(params)
		prev := cost.Threshold()
		for k := 0; k < params.GNCMaxNumIters+10; k++ {
			cost.Update()
			next := cost.Threshold()
			if next > prev {
				t.Fatalf("threshold grew from %g to %g after %d updates", prev, next, k+1)
			}
			prev = next
		}
		if prev < params.GNCBarc {
			t.Fatalf("threshold %g below barc %g", prev, params.GNCBarc)
		}
	})
}

func TestGNCTLSWeight(t *testing.T) {
	cost := NewCost(gncParams())
	test.That(t, cost.Mu(), test.ShouldEqual, 1e-5)

	// weights are continuous at both ends of the transition band
	mu, c := cost.Mu(), cost.Params().GNCBarc
	lower := c * math.Sqrt(mu/(mu+1))
	upper := c * math.Sqrt((mu+1)/mu)
	test.That(t, cost.Weight(lower*0.9999), test.ShouldEqual, 1.)
	test.That(t, cost.Weight(lower), test.ShouldAlmostEqual, 1., 1e-9)
	test.That(t, cost.Weight(lower*1.0001), test.ShouldAlmostEqual, 1., 1e-3)
	test.That(t, cost.Weight(upper*1.0001), test.ShouldEqual, 0.)
	test.That(t, cost.Weight(upper), test.ShouldAlmostEqual, 0., 1e-9)
	test.That(t, cost.Weight(upper*0.9999), test.ShouldAlmostEqual, 0., 1e-3)
	test.That(t, cost.Threshold(), test.ShouldAlmostEqual, upper)

	for i := 0; i < 200; i++ {
		cost.Update()
	}
	test.That(t, cost.NumUpdates(), test.ShouldEqual, 100)
	test.That(t, cost.Weight(4.9), test.ShouldEqual, 1.)
	test.That(t, cost.Weight(5.1), test.ShouldEqual, 0.)

	cost.Reset()
	test.That(t, cost.Mu(), test.ShouldEqual, 1e-5)
	test.That(t, cost.NumUpdates(), test.ShouldEqual, 0)
}

func TestNonAnnealingCosts(t *testing.T) {
	l2 := NewCost(DefaultParams())
	l2.Update()
	test.That(t, l2.NumUpdates(), test.ShouldEqual, 0)
	test.That(t, l2.Weight(1e6), test.ShouldEqual, 1.)
	test.That(t, math.IsInf(l2.Threshold(), 1), test.ShouldBeTrue)

	params := DefaultParams()
	params.CostType = Huber
	huber := NewCost(params)
	test.That(t, huber.Weight(3), test.ShouldEqual, 1.)
	test.That(t, huber.Weight(6), test.ShouldEqual, 0.5)

	params.CostType = GM
	gm := NewCost(params)
	test.That(t, gm.Weight(3), test.ShouldEqual, 0.25)
}

func TestCostTypeJSON(t *testing.T) {
	var params Params
	err := json.Unmarshal([]byte(`{"cost_type": "gnc_tls", "gnc_barc": 4}`), &params)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, params.CostType, test.ShouldEqual, GNCTLS)
	test.That(t, params.GNCBarc, test.ShouldEqual, 4.)

	out, err := json.Marshal(Huber)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(out), test.ShouldEqual, `"Huber"`)

	err = json.Unmarshal([]byte(`{"cost_type": "cauchy"}`), &params)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestParamsValidate(t *testing.T) {
	test.That(t, DefaultParams().Validate("robust_cost"), test.ShouldBeNil)
	test.That(t, gncParams().Validate("robust_cost"), test.ShouldBeNil)

	params := gncParams()
	params.GNCMuStep = 1
	params.GNCBarc = 0
	err := params.Validate("robust_cost")
	test.That(t, err.Error(), test.ShouldContainSubstring, "robust_cost.gnc_mu_step")
	test.That(t, err.Error(), test.ShouldContainSubstring, "robust_cost.gnc_barc")
}

func TestErrorThresholdAtQuantile(t *testing.T) {
	test.That(t, ErrorThresholdAtQuantile(0.9, 3), test.ShouldAlmostEqual, 2.50028, 1e-4)
	test.That(t, ErrorThresholdAtQuantile(0.95, 1), test.ShouldAlmostEqual, 1.95996, 1e-4)
	test.That(t, func() { ErrorThresholdAtQuantile(1, 3) }, test.ShouldPanic)
}
