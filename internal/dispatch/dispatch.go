// Package dispatch runs one send/poll state machine per recipient and writes
// every transition back into the recipient registry.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/allyourbase/smsbatch/internal/credentials"
	"github.com/allyourbase/smsbatch/internal/recipients"
	"github.com/allyourbase/smsbatch/internal/sms"
)

// ErrSendDisabled is returned by Preflight when a batch may not start.
var ErrSendDisabled = errors.New("send disabled")

// Options tune the polling loop and fan-out.
type Options struct {
	// InitialPollDelay is the wait between an acknowledged send and the first
	// status query.
	InitialPollDelay time.Duration
	// PollInterval is the wait between non-terminal status queries.
	PollInterval time.Duration
	// MaxPollAttempts stops polling after that many queries. 0 polls until a
	// terminal status arrives.
	MaxPollAttempts int
	// Concurrency caps the number of recipients in flight. 0 means no cap.
	Concurrency int
}

// DefaultOptions returns the timings of the hosted tool: first poll after one
// second, then every five seconds, no attempt ceiling, unbounded fan-out.
func DefaultOptions() Options {
	return Options{
		InitialPollDelay: time.Second,
		PollInterval:     5 * time.Second,
	}
}

// Summary counts how the machines of one batch ended.
type Summary struct {
	Total      int `json:"total"`
	Delivered  int `json:"delivered"`
	Failed     int `json:"failed"`
	SendFailed int `json:"send_failed"`
	Unfinished int `json:"unfinished"`
}

// Dispatcher fans a message out to every registry entry.
type Dispatcher struct {
	reg    *recipients.Registry
	opts   Options
	logger *slog.Logger
}

// New creates a Dispatcher writing into reg.
func New(reg *recipients.Registry, opts Options, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{reg: reg, opts: opts, logger: logger}
}

// Preflight checks the batch-wide preconditions once: there is at least one
// recipient, the credentials are configured and the message is not empty.
func Preflight(recipientCount int, creds credentials.Credentials, body string) error {
	switch {
	case recipientCount < 1:
		return fmt.Errorf("%w: no recipients loaded", ErrSendDisabled)
	case !creds.Configured():
		return fmt.Errorf("%w: credentials not configured", ErrSendDisabled)
	case body == "":
		return fmt.Errorf("%w: message is empty", ErrSendDisabled)
	}
	return nil
}

// Run sends body to every record in the registry snapshot taken at call time
// and blocks until every machine has finished or ctx is cancelled.
// Per-recipient failures are recorded on the record, not returned.
func (d *Dispatcher) Run(ctx context.Context, provider sms.Provider, body string) Summary {
	recs, epoch := d.reg.Snapshot()
	d.logger.Info("dispatch started", "recipients", len(recs), "concurrency", d.opts.Concurrency)

	g, gctx := errgroup.WithContext(ctx)
	if d.opts.Concurrency > 0 {
		g.SetLimit(d.opts.Concurrency)
	}
	for _, rec := range recs {
		g.Go(func() error {
			d.runMachine(gctx, provider, epoch, rec.Number, body)
			return nil
		})
	}
	_ = g.Wait()

	sum := d.summarize(recs)
	d.logger.Info("dispatch finished",
		"total", sum.Total, "delivered", sum.Delivered, "failed", sum.Failed,
		"send_failed", sum.SendFailed, "unfinished", sum.Unfinished)
	return sum
}

func (d *Dispatcher) summarize(sent []recipients.Record) Summary {
	sum := Summary{Total: len(sent)}
	for _, s := range sent {
		rec, ok := d.reg.Get(s.Number)
		switch {
		case !ok:
			sum.Unfinished++
		case rec.State == recipients.StateSendFailed:
			sum.SendFailed++
		case rec.State == recipients.StateTerminal && rec.Status == sms.StatusDelivered:
			sum.Delivered++
		case rec.State == recipients.StateTerminal:
			sum.Failed++
		default:
			sum.Unfinished++
		}
	}
	return sum
}

// runMachine drives one record from pending to a terminal or failed state.
func (d *Dispatcher) runMachine(ctx context.Context, provider sms.Provider, epoch uint64, key, body string) {
	log := d.logger.With("to", key)

	res, err := provider.Send(ctx, key, body)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Warn("send failed", "error", err)
		d.reg.Update(epoch, key, func(r *recipients.Record) {
			r.State = recipients.StateSendFailed
			r.ProviderMessage = map[string]any{}
			r.Status = err.Error()
			r.Sent = false
		})
		return
	}
	log.Debug("send acknowledged", "message_id", res.MessageID, "status", res.Status)
	if !d.reg.Update(epoch, key, func(r *recipients.Record) {
		r.State = recipients.StateSent
		r.ProviderMessage = fields(res)
		r.Status = res.Status
	}) {
		return
	}

	wait := d.opts.InitialPollDelay
	for attempt := 1; ; attempt++ {
		if !sleep(ctx, wait) {
			return
		}
		wait = d.opts.PollInterval

		// Stop quietly once the registry has moved on.
		if !d.live(epoch, key) {
			return
		}

		st, err := provider.Status(ctx, res.MessageID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("status query failed", "message_id", res.MessageID, "error", err)
			d.reg.Update(epoch, key, func(r *recipients.Record) {
				r.Status = err.Error()
			})
			return
		}

		terminal := sms.IsTerminal(st.Status)
		if !d.reg.Update(epoch, key, func(r *recipients.Record) {
			r.ProviderMessage = fields(st)
			r.Status = st.Status
			if terminal {
				r.State = recipients.StateTerminal
				r.Sent = true
			} else {
				r.State = recipients.StatePolling
			}
		}) {
			return
		}
		if terminal {
			log.Debug("delivery final", "message_id", res.MessageID, "status", st.Status, "polls", attempt)
			return
		}
		if d.opts.MaxPollAttempts > 0 && attempt >= d.opts.MaxPollAttempts {
			log.Warn("giving up polling", "message_id", res.MessageID, "status", st.Status, "polls", attempt)
			return
		}
	}
}

func (d *Dispatcher) live(epoch uint64, key string) bool {
	if d.reg.Epoch() != epoch {
		return false
	}
	_, ok := d.reg.Get(key)
	return ok
}

func fields(res *sms.SendResult) map[string]any {
	if res.Fields != nil {
		return maps.Clone(res.Fields)
	}
	return map[string]any{"sid": res.MessageID, "status": res.Status}
}

// sleep waits for d or until ctx is done. It reports whether the full wait
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
