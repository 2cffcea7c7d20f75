// Package batch drives one deadline-bounded processing run over the
// registered message sources. It owns the dedup bookkeeping around the
// pipeline: listing, ordering, replica resolution, directive
// application and retention cleanup.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"aaronromeo.com/mailclerk/internal/config"
	"aaronromeo.com/mailclerk/internal/identity"
	"aaronromeo.com/mailclerk/internal/mailmsg"
	"aaronromeo.com/mailclerk/internal/pipeline"
	"aaronromeo.com/mailclerk/internal/pipeline/steps"
	"aaronromeo.com/mailclerk/internal/replica"
	"aaronromeo.com/mailclerk/pkg/base"
	"github.com/pkg/errors"
)

// errAborted propagates an AbortAllFurtherProcessing directive out of
// a source so the whole run stops, not just the source.
var errAborted = errors.New("batch aborted by pipeline directive")

// errorTraceLimit bounds the stored trace so one pathological failure
// cannot bloat the replica table.
const errorTraceLimit = 4096

// Archiver stores raw message bodies that are too large for the
// replica contents column.
type Archiver interface {
	Store(ctx context.Context, key string, body []byte) error
}

// Source pairs a connected MessageSource with its mailbox
// configuration and replica mailbox id.
type Source struct {
	Mailbox   *config.Mailbox
	MailboxID int64
	Source    base.MessageSource
}

// Summary is the outcome of one Process call.
type Summary struct {
	SourcesSeen    int
	SourcesSkipped int
	SourcesFailed  int
	Processed      int
	Unreadable     int
	SkippedKnown   int
	Undesired      int
	Purged         int
	Deferred       int
	Errors         int
}

// LogValue lets a summary be logged as one structured group.
func (s *Summary) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("sources_seen", s.SourcesSeen),
		slog.Int("sources_skipped", s.SourcesSkipped),
		slog.Int("sources_failed", s.SourcesFailed),
		slog.Int("processed", s.Processed),
		slog.Int("unreadable", s.Unreadable),
		slog.Int("skipped_known", s.SkippedKnown),
		slog.Int("undesired", s.Undesired),
		slog.Int("purged", s.Purged),
		slog.Int("deferred", s.Deferred),
		slog.Int("errors", s.Errors),
	)
}

// Processor runs the batch loop.
type Processor struct {
	store    *replica.Store
	tickets  base.TicketSink
	contacts base.ContactDirectory
	notifier base.NotificationSender
	bounce   config.Bounce
	archiver Archiver
	logger   *slog.Logger
	now      func() time.Time
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor) error

func WithTicketSink(sink base.TicketSink) ProcessorOption {
	return func(p *Processor) error {
		p.tickets = sink
		return nil
	}
}

func WithContactDirectory(dir base.ContactDirectory) ProcessorOption {
	return func(p *Processor) error {
		p.contacts = dir
		return nil
	}
}

func WithNotifier(sender base.NotificationSender) ProcessorOption {
	return func(p *Processor) error {
		p.notifier = sender
		return nil
	}
}

func WithBounce(bounce config.Bounce) ProcessorOption {
	return func(p *Processor) error {
		p.bounce = bounce
		return nil
	}
}

func WithArchiver(a Archiver) ProcessorOption {
	return func(p *Processor) error {
		p.archiver = a
		return nil
	}
}

// WithClock substitutes the wall clock, for deadline tests.
func WithClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) error {
		if now == nil {
			return errors.New("nil clock")
		}
		p.now = now
		return nil
	}
}

// NewProcessor builds a Processor. The store, ticket sink and logger
// are required.
func NewProcessor(store *replica.Store, tickets base.TicketSink, logger *slog.Logger, opts ...ProcessorOption) (*Processor, error) {
	if store == nil {
		return nil, errors.New("nil replica store")
	}
	if tickets == nil {
		return nil, errors.New("nil ticket sink")
	}
	if logger == nil {
		return nil, errors.New("nil logger")
	}
	p := &Processor{
		store:   store,
		tickets: tickets,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Process runs one batch over the given sources, stopping at deadline.
// A source failure stops that source and moves on; an abort directive
// stops the whole run. Sources are always disconnected.
func (p *Processor) Process(ctx context.Context, sources []Source, deadline time.Time) (*Summary, error) {
	summary := &Summary{}
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if !p.now().Before(deadline) {
			p.logger.InfoContext(ctx, "deadline reached before source",
				slog.String("source", src.Source.Name()))
			summary.Deferred++
			break
		}

		summary.SourcesSeen++
		err := p.processSource(ctx, src, deadline, summary)
		src.Source.Disconnect()
		if err == nil {
			continue
		}
		if errors.Is(err, errAborted) {
			p.logger.WarnContext(ctx, "batch aborted",
				slog.String("source", src.Source.Name()))
			break
		}
		// Fail fast per source, not per batch. The next source still
		// gets its turn.
		summary.SourcesFailed++
		p.logger.ErrorContext(ctx, "source processing failed",
			slog.String("source", src.Source.Name()),
			slog.String("mailbox", src.Source.MailboxPath()),
			slog.Any("error", err))
	}
	p.logger.InfoContext(ctx, "batch finished", slog.Any("summary", summary))
	return summary, nil
}

// sortedOrder returns the listing positions ordered by sent time
// ascending. Delete and move address the original Index values, so the
// sort must never touch those.
func sortedOrder(list []base.MessageInfo) []int {
	order := make([]int, len(list))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return list[order[a]].SentTime.Before(list[order[b]].SentTime)
	})
	return order
}

func (p *Processor) processSource(ctx context.Context, src Source, deadline time.Time, summary *Summary) error {
	mb := src.Mailbox
	list, err := src.Source.List()
	if err != nil {
		// A listing failure skips the source for this run only.
		summary.SourcesSkipped++
		p.logger.WarnContext(ctx, "source listing failed, skipping",
			slog.String("source", src.Source.Name()),
			slog.String("mailbox", src.Source.MailboxPath()),
			slog.Any("error", err))
		return nil
	}

	idOpts := identity.Options{
		UseMessageIDAsUID: mb.UseMessageIDAsUID,
		MultiSource:       mb.MultiSourceMode,
	}
	uids := make([]string, len(list))
	for i, info := range list {
		uid, ok := identity.Resolve(info.UID, info.MessageID, src.Source.Name(), idOpts)
		if ok {
			uids[i] = uid
		}
	}

	known, err := p.store.FindByUIDLsAndMailbox(ctx, compactUIDs(uids), src.MailboxID, src.Source.MailboxPath())
	if err != nil {
		return errors.Wrap(err, "resolve replica records")
	}

	registry := steps.BuildRegistry(mb, steps.Deps{
		Store:    p.store,
		Tickets:  p.tickets,
		Contacts: p.contacts,
		Notifier: p.notifier,
		Bounce:   p.bounce,
		Logger:   p.logger,
	})
	runner := pipeline.NewRunner(registry, p.logger)

	var touched []int64
	for n, pos := range sortedOrder(list) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if n > 0 && !p.now().Before(deadline) {
			remaining := len(list) - n
			summary.Deferred += remaining
			p.logger.InfoContext(ctx, "deadline reached mid-source",
				slog.String("source", src.Source.Name()),
				slog.Int("remaining", remaining))
			break
		}

		info := list[pos]
		uid := uids[pos]
		if uid == "" {
			summary.Unreadable++
			continue
		}
		rec := known[uid]

		recID, err := p.processMessage(ctx, src, runner, info, uid, rec, summary)
		if err != nil {
			return err
		}
		if recID != 0 {
			touched = append(touched, recID)
		}
	}

	if mb.MultiSourceMode {
		p.collectGarbage(ctx, src, touched, deadline)
	}
	return nil
}

// processMessage handles one listed message and returns the replica id
// that should count as touched for retention, or 0.
func (p *Processor) processMessage(ctx context.Context, src Source, runner *pipeline.Runner, info base.MessageInfo, uid string, rec *replica.Record, summary *Summary) (int64, error) {
	mb := src.Mailbox
	if rec != nil {
		switch rec.Status {
		case replica.StatusError, replica.StatusIgnored:
			summary.SkippedKnown++
			return p.touch(ctx, rec), nil
		case replica.StatusUndesired:
			return p.handleUndesired(ctx, src, info, rec, summary)
		}
	}

	raw, err := src.Source.Fetch(info.Index)
	if err != nil {
		p.markError(ctx, src, uid, info, rec, err)
		summary.Errors++
		return 0, errors.Wrapf(err, "fetch message %s", uid)
	}
	if raw == nil {
		// Transient fetch miss; the message is retried next run.
		p.logger.WarnContext(ctx, "transient fetch failure",
			slog.String("uid", uid), slog.String("source", src.Source.Name()))
		summary.Deferred++
		return 0, nil
	}

	if rec == nil {
		rec = &replica.Record{
			UIDL:        uid,
			MailboxID:   src.MailboxID,
			MailboxPath: src.Source.MailboxPath(),
		}
	}
	rec.MessageID = info.MessageID
	rec.MessageDate = info.SentTime
	rec.LastSeen = p.now()

	msg, err := mailmsg.Decode(raw.Body)
	if err != nil {
		p.logger.WarnContext(ctx, "message decode failed",
			slog.String("uid", uid), slog.Any("error", err))
		return p.handleUndecodable(ctx, src, info, rec, err, summary)
	}
	if msg.Date.IsZero() {
		msg.Date = raw.InternalDate
	}
	p.storeContents(ctx, rec, raw.Body, mb)

	pctx := &pipeline.Context{
		Source:    src.Source,
		Mailbox:   mb,
		MailboxID: src.MailboxID,
		Index:     info.Index,
		Message:   msg,
		Record:    rec,
	}
	directive, err := runner.Run(ctx, pctx)
	if err != nil {
		p.markError(ctx, src, uid, info, rec, err)
		summary.Errors++
		return 0, errors.Wrapf(err, "pipeline failed for %s", uid)
	}
	if directive == pipeline.AbortAllFurtherProcessing {
		// Roll back a half-processed record so the message is seen
		// fresh on the next run.
		if rec.ID != 0 {
			if err := p.store.Delete(ctx, rec.ID); err != nil {
				p.logger.ErrorContext(ctx, "abort rollback failed",
					slog.String("uid", uid), slog.Any("error", err))
			}
		}
		return 0, errAborted
	}

	return p.applyDirective(ctx, src, info, rec, pctx, directive, summary)
}

// handleUndesired purges an undesired message once its purge delay has
// elapsed, otherwise leaves it alone.
func (p *Processor) handleUndesired(ctx context.Context, src Source, info base.MessageInfo, rec *replica.Record, summary *Summary) (int64, error) {
	mb := src.Mailbox
	basis := rec.MessageDate
	if basis.IsZero() {
		basis = rec.LastSeen
	}
	delay := time.Duration(mb.UndesiredPurgeDelayDays) * 24 * time.Hour
	if p.now().Sub(basis) <= delay {
		summary.Undesired++
		return p.touch(ctx, rec), nil
	}

	if err := src.Source.Delete(info.Index); err != nil {
		summary.Errors++
		return 0, errors.Wrapf(err, "purge undesired message %s", rec.UIDL)
	}
	if err := p.store.Delete(ctx, rec.ID); err != nil {
		// The server copy is gone; the stale row falls to GC later.
		p.logger.ErrorContext(ctx, "purged message bookkeeping removal failed",
			slog.String("uid", rec.UIDL), slog.Any("error", err))
	}
	summary.Purged++
	p.logger.InfoContext(ctx, "undesired message purged",
		slog.String("uid", rec.UIDL), slog.String("source", src.Source.Name()))
	return 0, nil
}

// handleUndecodable is the reduced violation path for messages the
// decoder rejects: no pipeline, just the mailbox's error behavior.
func (p *Processor) handleUndecodable(ctx context.Context, src Source, info base.MessageInfo, rec *replica.Record, decodeErr error, summary *Summary) (int64, error) {
	mb := src.Mailbox
	summary.Errors++

	if mb.ErrorBehavior == config.ErrorBehaviorDelete {
		rec.Status = replica.StatusError
		rec.ErrorMessage = decodeErr.Error()
		// Persist first so a UID reuse never resurrects the message.
		if err := p.persist(ctx, rec); err != nil {
			return 0, nil
		}
		if err := src.Source.Delete(info.Index); err != nil {
			return rec.ID, errors.Wrapf(err, "delete undecodable message %s", rec.UIDL)
		}
		return rec.ID, nil
	}

	rec.Status = replica.StatusError
	rec.ErrorMessage = decodeErr.Error()
	rec.ErrorTrace = truncateTrace(fmt.Sprintf("%+v", decodeErr))
	p.persist(ctx, rec)
	return rec.ID, nil
}

// applyDirective turns the pipeline's decision into replica and server
// side effects. Server-side delete and move only happen after the
// replica write succeeded; losing mail is worse than reprocessing it.
func (p *Processor) applyDirective(ctx context.Context, src Source, info base.MessageInfo, rec *replica.Record, pctx *pipeline.Context, directive pipeline.Directive, summary *Summary) (int64, error) {
	mb := src.Mailbox

	switch directive {
	case pipeline.SkipForNow:
		summary.Deferred++
		return 0, nil

	case pipeline.MarkAsError:
		rec.Status = replica.StatusError
		rec.ErrorMessage = joinErrors(pctx.Errors)
		rec.ErrorTrace = truncateTrace(traceOf(pctx.Errors))
		summary.Errors++
		p.persist(ctx, rec)
		return rec.ID, nil

	case pipeline.MarkAsUndesired:
		rec.Status = replica.StatusUndesired
		rec.ErrorMessage = joinErrors(pctx.Errors)
		summary.Undesired++
		p.persist(ctx, rec)
		return rec.ID, nil

	case pipeline.DeleteMessage:
		rec.Status = replica.StatusOK
		if err := p.persist(ctx, rec); err != nil {
			// Without durable bookkeeping the server copy stays.
			summary.Processed++
			return 0, nil
		}
		if err := src.Source.Delete(info.Index); err != nil {
			summary.Errors++
			return rec.ID, errors.Wrapf(err, "delete message %s", rec.UIDL)
		}
		summary.Processed++
		return rec.ID, nil

	case pipeline.MoveMessage:
		rec.Status = replica.StatusOK
		if err := p.persist(ctx, rec); err != nil {
			summary.Processed++
			return 0, nil
		}
		if err := src.Source.Move(info.Index, mb.MoveFolder); err != nil {
			summary.Errors++
			return rec.ID, errors.Wrapf(err, "move message %s", rec.UIDL)
		}
		summary.Processed++
		return rec.ID, nil

	default: // ProcessMessage, NoAction
		rec.Status = replica.StatusOK
		summary.Processed++
		p.persist(ctx, rec)
		return rec.ID, nil
	}
}

// storeContents keeps the raw body on the record when it fits, or
// hands it to the archiver when one is configured.
func (p *Processor) storeContents(ctx context.Context, rec *replica.Record, body []byte, mb *config.Mailbox) {
	if mb.ContentsByteCeiling <= 0 || int64(len(body)) <= mb.ContentsByteCeiling {
		rec.Contents = body
		return
	}
	rec.Contents = nil
	if p.archiver == nil {
		return
	}
	key := fmt.Sprintf("%s/%s.eml", rec.MailboxPath, rec.UIDL)
	if err := p.archiver.Store(ctx, key, body); err != nil {
		p.logger.WarnContext(ctx, "raw message archive failed",
			slog.String("uid", rec.UIDL), slog.Any("error", err))
	}
}

// touch refreshes last-seen on a skipped record so retention GC keeps
// it while the server copy still exists.
func (p *Processor) touch(ctx context.Context, rec *replica.Record) int64 {
	rec.LastSeen = p.now()
	p.persist(ctx, rec)
	return rec.ID
}

// markError records the failure durably, creating the record when the
// message had none yet. Error records are skipped on later runs, so a
// message that fails the same way every time cannot loop.
func (p *Processor) markError(ctx context.Context, src Source, uid string, info base.MessageInfo, rec *replica.Record, cause error) {
	if rec == nil {
		rec = &replica.Record{
			UIDL:        uid,
			MailboxID:   src.MailboxID,
			MailboxPath: src.Source.MailboxPath(),
			MessageID:   info.MessageID,
			MessageDate: info.SentTime,
		}
	}
	rec.Status = replica.StatusError
	rec.ErrorMessage = cause.Error()
	rec.ErrorTrace = truncateTrace(fmt.Sprintf("%+v", cause))
	rec.LastSeen = p.now()
	p.persist(ctx, rec)
}

// persist writes the record, logging instead of failing the batch. A
// failed write means reprocessing next run, which is safe.
func (p *Processor) persist(ctx context.Context, rec *replica.Record) error {
	if err := p.store.Upsert(ctx, rec); err != nil {
		p.logger.ErrorContext(ctx, "replica persist failed",
			slog.String("uid", rec.UIDL),
			slog.String("mailbox", rec.MailboxPath),
			slog.Any("error", err))
		return err
	}
	return nil
}

func (p *Processor) collectGarbage(ctx context.Context, src Source, touched []int64, deadline time.Time) {
	if !p.now().Before(deadline) {
		return
	}
	retention := time.Duration(src.Mailbox.RetentionPeriodHours) * time.Hour
	removed, err := p.store.GarbageCollect(ctx,
		identity.SourcePrefix(src.Source.Name()), src.Source.MailboxPath(), touched, retention)
	if err != nil {
		p.logger.ErrorContext(ctx, "retention sweep failed",
			slog.String("source", src.Source.Name()), slog.Any("error", err))
		return
	}
	if removed > 0 {
		p.logger.InfoContext(ctx, "retention sweep removed stale records",
			slog.String("source", src.Source.Name()), slog.Int64("removed", removed))
	}
}

func compactUIDs(uids []string) []string {
	out := make([]string, 0, len(uids))
	for _, uid := range uids {
		if uid != "" {
			out = append(out, uid)
		}
	}
	return out
}

func joinErrors(errs []error) string {
	if len(errs) == 0 {
		return ""
	}
	msg := errs[0].Error()
	if len(errs) > 1 {
		msg = fmt.Sprintf("%s (+%d more)", msg, len(errs)-1)
	}
	return msg
}

func traceOf(errs []error) string {
	if len(errs) == 0 {
		return ""
	}
	return fmt.Sprintf("%+v", errs[0])
}

func truncateTrace(trace string) string {
	if len(trace) > errorTraceLimit {
		return trace[:errorTraceLimit]
	}
	return trace
}
