package policy

import (
	"math/rand"
	"time"

	"fleetupdate/internal/evaluation"
)

type scatterResult struct {
	waitPeriod     time.Duration
	checkThreshold int
	inEffect       bool
	// fresh is set when this evaluation drew new values.
	fresh bool
}

// scatter holds a payload back until a random wait since it was first seen has
// elapsed and a random number of checks have offered it. Values are drawn only
// while unset; a stored value above the current maximum is lowered to it.
func scatter(ec *evaluation.Context, us UpdateState, rng *rand.Rand) scatterResult {
	r := scatterResult{
		waitPeriod:     us.ScatterWaitPeriod,
		checkThreshold: us.ScatterCheckThreshold,
	}

	if maxWait := us.ScatterWaitPeriodMax; maxWait <= 0 {
		r.waitPeriod = 0
	} else if r.waitPeriod <= 0 {
		minWait := min(time.Second, maxWait)
		r.waitPeriod = minWait + time.Duration(rng.Int63n(int64(maxWait-minWait)+1))
		r.fresh = true
	} else {
		r.waitPeriod = min(r.waitPeriod, maxWait)
	}

	if maxChecks := us.ScatterCheckThresholdMax; maxChecks <= 0 {
		r.checkThreshold = 0
	} else if r.checkThreshold <= 0 {
		minChecks := min(max(us.ScatterCheckThresholdMin, 1), maxChecks)
		r.checkThreshold = minChecks + rng.Intn(maxChecks-minChecks+1)
		r.fresh = true
	} else {
		r.checkThreshold = min(r.checkThreshold, maxChecks)
	}

	waitOver := r.waitPeriod == 0 || ec.IsWallclockTimeGreaterThan(us.FirstSeen.Add(r.waitPeriod))
	checksOver := us.NumChecks >= r.checkThreshold
	r.inEffect = !waitOver || !checksOver
	return r
}
