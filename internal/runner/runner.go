// Package runner sequences one institution run end to end: acquire a site
// session, authenticate, normalize, reconcile, release. It is the single
// error boundary: every stage failure is caught exactly once here, logged,
// reported, and never allowed to take down sibling runs.
package runner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/fredericksapp/banksync/internal/artifact"
	"github.com/fredericksapp/banksync/internal/bank"
	"github.com/fredericksapp/banksync/internal/domain"
	"github.com/fredericksapp/banksync/internal/logger"
	"github.com/fredericksapp/banksync/internal/normalize"
	"github.com/fredericksapp/banksync/internal/notify"
	"github.com/fredericksapp/banksync/internal/otp"
	"github.com/fredericksapp/banksync/internal/site"
	"github.com/fredericksapp/banksync/internal/ynab"
)

// Runner owns the collaborators shared by institution runs. Each run still
// gets its own session, credentials, and fixed timestamp; nothing mutable
// is shared between runs.
type Runner struct {
	Sessions    site.Factory
	Codes       otp.CodeFetcher
	HTTP        *http.Client
	Ledger      ynab.LedgerService
	Artifacts   artifact.Store
	Notifier    notify.Notifier
	Credentials map[domain.Institution]bank.Credentials

	BudgetID  string
	Namespace uuid.UUID
	TZ        *time.Location

	OTPTimeout time.Duration
	Window     time.Duration
	Horizon    time.Duration
}

// Run executes one institution end to end. The returned error has already
// been logged and reported; callers only use it for the exit status.
func (r *Runner) Run(ctx context.Context, inst domain.Institution) error {
	now := time.Now()
	log := logger.FromContext(ctx).With().Str("institution", string(inst)).Logger()
	ctx = logger.WithContext(ctx, log)

	sess, err := r.Sessions.NewSession(ctx)
	if err != nil {
		wrapped := &domain.SessionError{Op: "acquire session", Err: err}
		r.report(ctx, inst, now, nil, wrapped)
		return wrapped
	}

	if err := r.run(ctx, inst, now, sess); err != nil {
		r.report(ctx, inst, now, sess, err)
		return err
	}

	if err := sess.Close(ctx, ""); err != nil {
		log.Warn().Err(err).Msg("Failed to close site session")
	}
	return nil
}

// RunAll executes each configured institution independently: a failure in
// one never aborts the others.
func (r *Runner) RunAll(ctx context.Context, insts []domain.Institution) error {
	var errs []error
	for _, inst := range insts {
		if err := r.Run(ctx, inst); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Runner) run(ctx context.Context, inst domain.Institution, now time.Time, sess site.Session) error {
	log := logger.FromContext(ctx)
	log.Info().Msg("Importing from institution")

	auth, err := bank.ForInstitution(inst, bank.Deps{
		Codes:      r.Codes,
		HTTP:       r.HTTP,
		Now:        now,
		OTPTimeout: r.OTPTimeout,
	})
	if err != nil {
		return err
	}

	creds, ok := r.Credentials[inst]
	if !ok {
		return &domain.AuthError{Institution: inst, Err: errors.New("no credentials configured")}
	}

	raws, err := auth.Authenticate(ctx, sess, creds)
	if err != nil {
		return err
	}

	normalizer := normalize.New(now, r.TZ, r.Namespace)
	if r.Window > 0 {
		normalizer.Window = r.Window
	}
	accounts := normalizer.Normalize(raws)

	importer := &ynab.Importer{
		Ledger:   r.Ledger,
		BudgetID: r.BudgetID,
		Now:      now,
		Horizon:  r.Horizon,
	}

	// Balance-only institutions report no transactions; their run ends in
	// a ledger balance update instead of an import.
	if balanceOnly(inst) {
		if len(accounts) == 0 {
			return &domain.AuthError{Institution: inst, Err: errors.New("no accounts resolved")}
		}
		if _, err := importer.UpdateAccountBalances(ctx, accounts); err != nil {
			return err
		}
		log.Info().Msg("Updated account balances from institution")
		return nil
	}

	if _, err := importer.ImportTransactions(ctx, accounts); err != nil {
		return err
	}
	log.Info().Msg("Imported transactions from institution")
	return nil
}

func balanceOnly(inst domain.Institution) bool {
	return inst == domain.InstitutionNBDB
}

// report handles a failed run exactly once: log it, persist the session
// trace, notify the operator. Reporting failures are logged but never
// mask the run's own error.
func (r *Runner) report(ctx context.Context, inst domain.Institution, now time.Time, sess site.Session, runErr error) {
	log := logger.FromContext(ctx)
	log.Error().Err(runErr).Msg("Institution run failed")

	var traceURI string
	if sess != nil && r.Artifacts != nil {
		traceURI = r.saveTrace(ctx, inst, now, sess)
	}

	if r.Notifier == nil {
		return
	}
	msg := notify.Message{
		Title:    fmt.Sprintf("Error Logging Into %s", inst.DisplayName()),
		Body:     runErr.Error(),
		Priority: -1,
	}
	if traceURI != "" {
		msg.URL = traceURI
		msg.URLTitle = "Open session trace"
	}
	if err := r.Notifier.Send(ctx, msg); err != nil {
		log.Error().Err(err).Msg("Failed to send failure notification")
	}
}

func (r *Runner) saveTrace(ctx context.Context, inst domain.Institution, now time.Time, sess site.Session) string {
	log := logger.FromContext(ctx)

	name := artifact.TraceName(now, inst)
	tracePath := filepath.Join(os.TempDir(), name)
	if err := sess.Close(ctx, tracePath); err != nil {
		log.Warn().Err(err).Msg("Failed to capture session trace")
		return ""
	}
	defer os.Remove(tracePath)

	data, err := os.ReadFile(tracePath)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read session trace")
		return ""
	}

	uri, err := r.Artifacts.Save(ctx, name, "application/zip", data)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to upload session trace")
		return ""
	}
	log.Info().Str("uri", uri).Msg("Saved session trace")
	return uri
}
