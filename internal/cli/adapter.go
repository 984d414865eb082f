package cli

import (
	"context"

	"fleetupdate/internal/store"
	"fleetupdate/internal/updater"
)

// NewManagerAdapter wraps an updater for CLI usage. closer releases whatever
// the updater was built on.
func NewManagerAdapter(u *updater.Updater, closer func() error) Manager {
	return &managerAdapter{updater: u, closer: closer}
}

type managerAdapter struct {
	updater *updater.Updater
	closer  func() error
}

func (m *managerAdapter) RunCycle(ctx context.Context, interactive bool) (CycleResult, error) {
	res, err := m.updater.RunCycle(ctx, interactive)
	return CycleResult{
		CycleID:   res.CycleID,
		Outcome:   res.Outcome,
		PayloadID: res.PayloadID,
		Version:   res.Version,
		URL:       res.URL,
	}, err
}

func (m *managerAdapter) Serve(ctx context.Context) error {
	if err := m.updater.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	m.updater.Stop()
	return nil
}

func (m *managerAdapter) Status(ctx context.Context, decisions int) (Status, error) {
	rec, err := m.updater.Status(ctx)
	if err != nil {
		return Status{}, err
	}
	status := statusFromRecord(rec)
	if decisions > 0 {
		logged, err := m.updater.Decisions(ctx, decisions)
		if err != nil {
			return Status{}, err
		}
		for _, d := range logged {
			status.Decisions = append(status.Decisions, Decision{
				CycleID:   d.CycleID,
				Request:   d.Request,
				Status:    d.Status,
				Reason:    d.Reason,
				Message:   d.Message,
				CreatedAt: d.CreatedAt,
			})
		}
	}
	return status, nil
}

func (m *managerAdapter) Reset(ctx context.Context) error {
	return m.updater.Reset(ctx)
}

func (m *managerAdapter) Close() error {
	if m.closer == nil {
		return nil
	}
	return m.closer()
}

func statusFromRecord(rec *store.Record) Status {
	if rec == nil {
		return Status{}
	}
	us := rec.State
	status := Status{
		HasCandidate:          true,
		PayloadID:             rec.PayloadID,
		Version:               rec.Version,
		FirstSeen:             us.FirstSeen,
		NumChecks:             us.NumChecks,
		NumFailures:           us.NumFailures,
		DownloadErrors:        len(us.DownloadErrors),
		BackoffExpiry:         us.BackoffExpiry,
		ScatterWaitPeriod:     us.ScatterWaitPeriod,
		ScatterCheckThreshold: us.ScatterCheckThreshold,
		UpdatedAt:             rec.UpdatedAt,
	}
	if i := us.LastDownloadURLIndex; i >= 0 && i < len(us.DownloadURLs) {
		status.LastDownloadURL = us.DownloadURLs[i]
	}
	return status
}
