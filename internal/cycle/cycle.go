// Package cycle runs one validation cycle: one goroutine per trust anchor
// fans out into the walker, results are merged, passed through the SLURM
// overlay, and committed to the VRP database. The panic-recovery shape
// mirrors the teacher's core/run.go runStart goroutine. A Fatal walker
// error (spec §7) is recovered like a panic and fails only the TA that
// raised it: the other TAs' results are still merged and committed, and
// the process keeps running.
package cycle

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/rpkilab/relyd/internal/events"
	"github.com/rpkilab/relyd/internal/metrics"
	"github.com/rpkilab/relyd/internal/rpki/slurm"
	"github.com/rpkilab/relyd/internal/rpki/tal"
	"github.com/rpkilab/relyd/internal/rpki/vrp"
	"github.com/rpkilab/relyd/internal/rpki/walker"
	"github.com/rpkilab/relyd/internal/rtr/db"
)

// Result is one TA's contribution to a cycle.
type Result struct {
	TAL   *tal.TAL
	Out   walker.Result
	Err   error // non-nil on Transient failure or panic; this TA's results are discarded
}

// Summary is what the runner reports back per cycle, enough for the
// accounting log and metrics.
type Summary struct {
	Duration       time.Duration
	TALCount       int
	TALFailures    int
	VRPCount       int
	RouterKeyCount int
	Committed      bool
}

// Runner owns the walker, SLURM document, and database a cycle commits
// into.
type Runner struct {
	Walker *walker.Walker
	DB     *db.DB
	Log    zerolog.Logger

	// SLURM, if non-nil, is applied to every cycle's merged VRP/router-key
	// set before commit (spec §4.5). It may be replaced between Run calls;
	// Run reads the field directly several times, so replacing it while a
	// Run is in progress is not synchronized.
	SLURM *slurm.Document

	// Events, if non-nil, receives one Event per committed cycle for the
	// debug WebSocket stream. Nil disables it entirely.
	Events *events.Hub

	// Metrics, if non-nil, receives the SLURM filter+assertion count
	// after every cycle's SLURM overlay is applied.
	Metrics *metrics.Set
}

// Run validates every TAL in tals, one goroutine each, merges the results,
// applies SLURM, and commits to the database. ctx should carry the
// per-cycle deadline (spec §5); TAs whose context is canceled before they
// finish have their partial results discarded, matching spec §5 "partial
// results from canceled TAs are discarded".
func (r *Runner) Run(ctx context.Context, tals []*tal.TAL) (Summary, error) {
	start := time.Now()
	results := make(chan Result, len(tals))

	for _, t := range tals {
		go r.runTA(ctx, t, results)
	}

	var merged walker.Result
	failures := 0
	for range tals {
		res := <-results
		if res.Err != nil {
			failures++
			r.Log.Warn().Str("tal", res.TAL.Name).Err(res.Err).Msg("trust anchor validation failed, discarding its results for this cycle")
			continue
		}
		merged.VRPs = append(merged.VRPs, res.Out.VRPs...)
		merged.RouterKeys = append(merged.RouterKeys, res.Out.RouterKeys...)
	}

	vrps, routerKeys := dedupeFirstWins(merged.VRPs, merged.RouterKeys)

	if r.SLURM != nil {
		vrps, routerKeys = slurm.Apply(r.SLURM, vrps, routerKeys)
		if r.Metrics != nil {
			r.Metrics.SetSLURMFilterCount(r.SLURM.FilterCount())
		}
	}

	committed, err := r.DB.Commit(db.Snapshot{VRPs: vrps, RouterKeys: routerKeys})
	if err != nil {
		return Summary{}, fmt.Errorf("cycle: commit: %w", err)
	}

	if committed && r.Events != nil {
		r.Events.Broadcast(events.Event{
			Time:           time.Now().UTC().Format(time.RFC3339),
			Kind:           "commit",
			Session:        r.DB.CurrentSession(),
			Serial:         r.DB.CurrentSerial(),
			VRPCount:       len(vrps),
			RouterKeyCount: len(routerKeys),
		})
	}

	return Summary{
		Duration:       time.Since(start),
		TALCount:       len(tals),
		TALFailures:    failures,
		VRPCount:       len(vrps),
		RouterKeyCount: len(routerKeys),
		Committed:      committed,
	}, nil
}

// runTA validates one TA, recovering from a panic the way the teacher's
// runStart goroutine does: a Fatal walker error or an unrecovered panic
// both collapse to an error Result on the channel, which Run handles like
// any other failed TA (its results are discarded, the cycle goes on).
func (r *Runner) runTA(ctx context.Context, t *tal.TAL, results chan<- Result) {
	defer func() {
		if p := recover(); p != nil {
			results <- Result{TAL: t, Err: fmt.Errorf("cycle: panic validating %s: %v", t.Name, p)}
		}
	}()

	out, err := r.Walker.ValidateTAL(ctx, t)
	if err != nil {
		var we *walker.Error
		if walker.AsError(err, &we) && we.Kind == walker.Fatal {
			panic(err) // caught by the deferred recover above, surfaced as a cycle failure
		}
		results <- Result{TAL: t, Err: err}
		return
	}
	results <- Result{TAL: t, Out: out}
}

// dedupeFirstWins re-applies the walker's per-TA first-wins rule across
// TAs: if two trust anchors (legitimately or not) produce the same VRP or
// router key, the one from the earlier-processed TA wins, matching the
// intra-TA tie-break of spec §4.4 generalized across the whole cycle.
func dedupeFirstWins(vrps []vrp.VRP, routerKeys []vrp.RouterKey) ([]vrp.VRP, []vrp.RouterKey) {
	seenV := make(map[vrp.Key]struct{}, len(vrps))
	outV := make([]vrp.VRP, 0, len(vrps))
	for _, v := range vrps {
		if _, ok := seenV[v.Key()]; ok {
			continue
		}
		seenV[v.Key()] = struct{}{}
		outV = append(outV, v)
	}

	seenRK := make(map[vrp.RouterKeyKey]struct{}, len(routerKeys))
	outRK := make([]vrp.RouterKey, 0, len(routerKeys))
	for _, rk := range routerKeys {
		if _, ok := seenRK[rk.Key()]; ok {
			continue
		}
		seenRK[rk.Key()] = struct{}{}
		outRK = append(outRK, rk)
	}

	return outV, outRK
}
