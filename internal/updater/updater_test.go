package updater

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/prometheus/client_golang/prometheus"

	"fleetupdate/internal/manager"
	"fleetupdate/internal/metrics"
	"fleetupdate/internal/policy"
	"fleetupdate/internal/source"
	"fleetupdate/internal/state/fake"
	"fleetupdate/internal/store"
	"fleetupdate/internal/transfer"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeSource struct {
	offer  *source.Offer
	err    error
	calls  int
	params policy.UpdateCheckParams
}

func (f *fakeSource) Check(_ context.Context, params policy.UpdateCheckParams) (*source.Offer, error) {
	f.calls++
	f.params = params
	return f.offer, f.err
}

type fakeTransferer struct {
	// errs is consumed one per fetch; nil entries and an empty queue succeed.
	errs    []error
	fetched []string
	p2p     int
}

func (f *fakeTransferer) next() error {
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func (f *fakeTransferer) Fetch(_ context.Context, url string, _ int64) error {
	f.fetched = append(f.fetched, url)
	return f.next()
}

func (f *fakeTransferer) FetchP2P(_ context.Context, _ string) error {
	f.p2p++
	return f.next()
}

type fixture struct {
	state    *fake.State
	source   *fakeSource
	transfer *fakeTransferer
	store    *store.Store
	registry *prometheus.Registry
	updater  *Updater
}

func newFixture(t *testing.T, offer *source.Offer) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	f := &fixture{
		state:    fake.NewState(epoch),
		source:   &fakeSource{offer: offer},
		transfer: &fakeTransferer{},
		store:    st,
		registry: prometheus.NewRegistry(),
	}
	mt := metrics.New(f.registry)
	m := manager.New(policy.NewFleet(policy.DefaultOptions()), f.state,
		manager.WithMetrics(mt), manager.WithDecisionLog(st), manager.WithWaitTimeout(time.Second))
	f.updater = New(m, f.source, f.transfer, st, Options{
		Schedule:      "@every 1h",
		KeepDecisions: 20,
		Defaults:      Defaults{DownloadErrorsMax: 3},
		Metrics:       mt,
	})
	return f
}

func (f *fixture) run(t *testing.T, interactive bool) CycleResult {
	t.Helper()
	res, err := f.updater.RunCycle(context.Background(), interactive)
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	return res
}

func (f *fixture) record(t *testing.T) *store.Record {
	t.Helper()
	rec, err := f.store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return rec
}

func mirrorOffer() *source.Offer {
	return &source.Offer{
		PayloadID: "sha256:aaa",
		Version:   "14.2.0",
		URLs:      []string{"https://a.example.com/p", "https://b.example.com/p"},
		Size:      1024,
	}
}

func TestRunCycleDisabled(t *testing.T) {
	f := newFixture(t, mirrorOffer())
	f.state.Upd.Enabled.Set(false)

	res := f.run(t, false)
	if res.Outcome != OutcomeDisabled {
		t.Errorf("Outcome = %q, want %q", res.Outcome, OutcomeDisabled)
	}
	if f.source.calls != 0 {
		t.Errorf("source checked %d times while disabled", f.source.calls)
	}
	if res.CycleID == "" {
		t.Error("cycle has no id")
	}
}

func TestRunCycleNoUpdate(t *testing.T) {
	f := newFixture(t, nil)

	res := f.run(t, false)
	if res.Outcome != OutcomeNoUpdate {
		t.Errorf("Outcome = %q, want %q", res.Outcome, OutcomeNoUpdate)
	}
	if _, err := f.store.Load(context.Background()); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Load() error = %v, want ErrNotFound", err)
	}
}

func TestRunCycleDownloads(t *testing.T) {
	f := newFixture(t, mirrorOffer())

	res := f.run(t, false)
	want := CycleResult{
		CycleID:   res.CycleID,
		Outcome:   OutcomeDownloaded,
		PayloadID: "sha256:aaa",
		Version:   "14.2.0",
		URL:       "https://a.example.com/p",
	}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("RunCycle() mismatch (-want +got):\n%s", diff)
	}

	rec := f.record(t)
	if rec.State.NumChecks != 1 || rec.State.LastDownloadURLIndex != 0 || rec.State.DownloadErrorsMax != 3 {
		t.Errorf("persisted state = %+v", rec.State)
	}
	if !rec.State.FirstSeen.Equal(epoch) {
		t.Errorf("FirstSeen = %v, want %v", rec.State.FirstSeen, epoch)
	}

	decisions, err := f.store.RecentDecisions(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(decisions) != 3 {
		t.Fatalf("logged %d decisions, want 3", len(decisions))
	}
	for _, d := range decisions {
		if d.CycleID != res.CycleID {
			t.Errorf("decision %s has cycle %q, want %q", d.Request, d.CycleID, res.CycleID)
		}
	}

	if got := cycleCount(t, f.registry, OutcomeDownloaded); got != 1 {
		t.Errorf("downloaded cycles = %v, want 1", got)
	}
}

func TestRunCycleRotatesAfterFatalError(t *testing.T) {
	f := newFixture(t, mirrorOffer())
	f.transfer.errs = []error{&transfer.Error{Code: policy.ErrorPayloadHashMismatch, Err: errors.New("bad hash")}}

	if res := f.run(t, false); res.Outcome != OutcomeDownloadFailed {
		t.Fatalf("first Outcome = %q, want %q", res.Outcome, OutcomeDownloadFailed)
	}
	rec := f.record(t)
	wantErrors := []policy.DownloadError{{URLIndex: 0, Code: policy.ErrorPayloadHashMismatch}}
	if diff := cmp.Diff(wantErrors, rec.State.DownloadErrors, cmpopts.IgnoreFields(policy.DownloadError{}, "Time")); diff != "" {
		t.Errorf("DownloadErrors mismatch (-want +got):\n%s", diff)
	}

	res := f.run(t, false)
	if res.Outcome != OutcomeDownloaded || res.URL != "https://b.example.com/p" {
		t.Errorf("second cycle = %+v, want download from mirror b", res)
	}
	if rec := f.record(t); len(rec.State.DownloadErrors) != 0 || rec.State.NumChecks != 2 {
		t.Errorf("state after success = %+v", rec.State)
	}
}

func TestRunCycleExhaustsSources(t *testing.T) {
	offer := mirrorOffer()
	offer.URLs = offer.URLs[:1]
	f := newFixture(t, offer)
	f.transfer.errs = []error{&transfer.Error{Code: policy.ErrorPayloadSizeMismatch, Err: errors.New("short")}}

	f.run(t, false)
	res := f.run(t, false)
	if want := "cannot_start:no_usable_source"; res.Outcome != want {
		t.Fatalf("Outcome = %q, want %q", res.Outcome, want)
	}

	rec := f.record(t)
	if rec.State.NumFailures != 1 {
		t.Errorf("NumFailures = %d, want 1", rec.State.NumFailures)
	}
	if !rec.State.BackoffExpiry.After(epoch) {
		t.Errorf("BackoffExpiry = %v, want after %v", rec.State.BackoffExpiry, epoch)
	}
	if len(rec.State.DownloadErrors) != 0 || rec.State.LastDownloadURLIndex != -1 {
		t.Errorf("source history not reset: %+v", rec.State)
	}

	res = f.run(t, false)
	if want := "cannot_start:backoff_in_effect"; res.Outcome != want {
		t.Errorf("Outcome during backoff = %q, want %q", res.Outcome, want)
	}

	res = f.run(t, true)
	if res.Outcome != OutcomeDownloaded {
		t.Errorf("interactive Outcome = %q, want %q", res.Outcome, OutcomeDownloaded)
	}
	if !f.source.params.IsInteractive {
		t.Error("interactive cycle did not reach the source as interactive")
	}
	if interactive, _ := f.state.Upd.Interactive.Value(); interactive {
		t.Error("interactive flag left set after the cycle")
	}
}

func TestRunCycleScatters(t *testing.T) {
	offer := mirrorOffer()
	offer.ScatterWaitPeriodMax = 6 * time.Hour
	f := newFixture(t, offer)

	res := f.run(t, false)
	if want := "cannot_start:check_not_due"; res.Outcome != want {
		t.Fatalf("Outcome = %q, want %q", res.Outcome, want)
	}
	wait := f.record(t).State.ScatterWaitPeriod
	if wait <= 0 || wait > 6*time.Hour {
		t.Fatalf("ScatterWaitPeriod = %v, want in (0, 6h]", wait)
	}

	res = f.run(t, false)
	if want := "cannot_start:scattering_in_effect"; res.Outcome != want {
		t.Errorf("Outcome = %q, want %q", res.Outcome, want)
	}
	if got := f.record(t).State.ScatterWaitPeriod; got != wait {
		t.Errorf("ScatterWaitPeriod changed from %v to %v", wait, got)
	}

	f.state.ClockSrc.Advance(wait + time.Second)
	if res := f.run(t, false); res.Outcome != OutcomeDownloaded {
		t.Errorf("Outcome after wait = %q, want %q", res.Outcome, OutcomeDownloaded)
	}
	if len(f.transfer.fetched) != 1 {
		t.Errorf("fetched %v, want exactly one transfer", f.transfer.fetched)
	}
}

func TestRunCycleNewPayloadResets(t *testing.T) {
	f := newFixture(t, mirrorOffer())
	f.transfer.errs = []error{errors.New("connection reset")}
	f.run(t, false)

	next := mirrorOffer()
	next.PayloadID = "sha256:bbb"
	next.Version = "14.3.0"
	f.source.offer = next
	f.state.ClockSrc.Advance(time.Hour)
	f.transfer.errs = []error{errors.New("connection reset")}
	f.run(t, false)

	rec := f.record(t)
	if rec.PayloadID != "sha256:bbb" || rec.Version != "14.3.0" {
		t.Errorf("record = %s %s, want the new payload", rec.PayloadID, rec.Version)
	}
	if rec.State.NumChecks != 1 {
		t.Errorf("NumChecks = %d, want 1", rec.State.NumChecks)
	}
	if !rec.State.FirstSeen.Equal(epoch.Add(time.Hour)) {
		t.Errorf("FirstSeen = %v, want %v", rec.State.FirstSeen, epoch.Add(time.Hour))
	}
	if len(rec.State.DownloadErrors) != 1 || rec.State.DownloadErrors[0].Code != policy.ErrorDownloadTransfer {
		t.Errorf("DownloadErrors = %+v, want one transfer error", rec.State.DownloadErrors)
	}
}

func TestRunCycleFailedDecisionKeepsRecord(t *testing.T) {
	f := newFixture(t, mirrorOffer())
	ctx := context.Background()
	f.run(t, false)

	rec := f.record(t)
	rec.State.DownloadErrors = []policy.DownloadError{{URLIndex: 5, Code: policy.ErrorDownloadTransfer, Time: epoch}}
	if err := f.store.Save(ctx, *rec); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	before := f.record(t)

	res, err := f.updater.RunCycle(ctx, false)
	if err == nil {
		t.Fatal("RunCycle() error = nil, want the evaluation failure")
	}
	if res.Outcome != OutcomeError {
		t.Errorf("Outcome = %q, want %q", res.Outcome, OutcomeError)
	}
	if len(f.transfer.fetched) != 1 {
		t.Errorf("fetched = %v, want no transfer after the failure", f.transfer.fetched)
	}
	if diff := cmp.Diff(before, f.record(t)); diff != "" {
		t.Errorf("record changed by a failed cycle (-before +after):\n%s", diff)
	}
}

func TestRunCycleMirrorListChange(t *testing.T) {
	offer := mirrorOffer()
	f := newFixture(t, offer)
	ctx := context.Background()
	f.transfer.errs = []error{
		&transfer.Error{Code: policy.ErrorPayloadHashMismatch, Err: errors.New("bad hash")},
		&transfer.Error{Code: policy.ErrorDownloadTransfer, Err: errors.New("reset")},
	}
	f.run(t, false)

	rec := f.record(t)
	peerError := policy.DownloadError{URLIndex: -1, Code: policy.ErrorDownloadTransfer, Time: epoch}
	rec.State.DownloadErrors = append(rec.State.DownloadErrors, peerError)
	if err := f.store.Save(ctx, *rec); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	offer.URLs = []string{"https://c.example.com/p", "https://d.example.com/p"}
	res := f.run(t, false)
	if res.URL != "https://c.example.com/p" {
		t.Errorf("URL = %q, want the first mirror of the new list", res.URL)
	}

	got := f.record(t).State
	if diff := cmp.Diff(offer.URLs, got.DownloadURLs); diff != "" {
		t.Errorf("DownloadURLs mismatch (-want +got):\n%s", diff)
	}
	want := []policy.DownloadError{
		{URLIndex: -1, Code: policy.ErrorDownloadTransfer},
		{URLIndex: 0, Code: policy.ErrorDownloadTransfer},
	}
	if diff := cmp.Diff(want, got.DownloadErrors, cmpopts.IgnoreFields(policy.DownloadError{}, "Time")); diff != "" {
		t.Errorf("DownloadErrors mismatch (-want +got):\n%s", diff)
	}
	if got.LastDownloadURLIndex != 0 || got.LastDownloadURLNumErrors != 0 {
		t.Errorf("last URL = %d with %d errors, want 0 with 0", got.LastDownloadURLIndex, got.LastDownloadURLNumErrors)
	}
}

func TestRunCycleDownloadNotAllowed(t *testing.T) {
	f := newFixture(t, mirrorOffer())
	f.state.Net.Tethered.Set(true)

	res := f.run(t, false)
	if res.Outcome != OutcomeDownloadNotAllowed {
		t.Errorf("Outcome = %q, want %q", res.Outcome, OutcomeDownloadNotAllowed)
	}
	if len(f.transfer.fetched) != 0 {
		t.Errorf("fetched %v over a tethered connection", f.transfer.fetched)
	}
	if rec := f.record(t); rec.State.NumChecks != 1 {
		t.Errorf("NumChecks = %d, want 1", rec.State.NumChecks)
	}
}

func TestRunCycleCheckError(t *testing.T) {
	f := newFixture(t, nil)
	f.source.err = errors.New("server unavailable")

	res, err := f.updater.RunCycle(context.Background(), false)
	if err == nil {
		t.Fatal("RunCycle() error = nil, want error")
	}
	if res.Outcome != OutcomeError {
		t.Errorf("Outcome = %q, want %q", res.Outcome, OutcomeError)
	}
}

func TestRunCycleRejectsOffer(t *testing.T) {
	offer := mirrorOffer()
	offer.URLs[1] = "http://b.example.com/p"
	f := newFixture(t, offer)

	res, err := f.updater.RunCycle(context.Background(), false)
	if err == nil {
		t.Fatal("RunCycle() error = nil, want rejection")
	}
	if res.Outcome != OutcomeOfferRejected {
		t.Errorf("Outcome = %q, want %q", res.Outcome, OutcomeOfferRejected)
	}
	if _, err := f.store.Load(context.Background()); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("rejected offer was persisted: %v", err)
	}
}

func TestStatusAndReset(t *testing.T) {
	f := newFixture(t, mirrorOffer())
	ctx := context.Background()

	rec, err := f.updater.Status(ctx)
	if err != nil || rec != nil {
		t.Fatalf("Status() = %v, %v, want nil, nil", rec, err)
	}

	f.run(t, false)
	if rec, err = f.updater.Status(ctx); err != nil || rec == nil {
		t.Fatalf("Status() = %v, %v", rec, err)
	}

	if err := f.updater.Reset(ctx); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if rec, _ = f.updater.Status(ctx); rec != nil {
		t.Errorf("Status() after Reset = %+v, want nil", rec)
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	f := newFixture(t, nil)
	f.updater.opts.Schedule = "every now and then"
	if err := f.updater.Start(context.Background()); err == nil {
		f.updater.Stop()
		t.Error("Start() error = nil, want error")
	}

	f.updater.opts.Schedule = "@every 1h"
	if err := f.updater.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	f.updater.Stop()
}

func cycleCount(t *testing.T, reg *prometheus.Registry, outcome string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range families {
		if mf.GetName() != "fleetupdate_update_cycles_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "outcome" && l.GetValue() == outcome {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}
