// Package campaign ties the credential store, extractor, registry and
// dispatcher into the operations the CLI and HTTP front ends perform.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/allyourbase/smsbatch/internal/credentials"
	"github.com/allyourbase/smsbatch/internal/dispatch"
	"github.com/allyourbase/smsbatch/internal/phone"
	"github.com/allyourbase/smsbatch/internal/recipients"
	"github.com/allyourbase/smsbatch/internal/sms"
)

// ErrConfiguration is returned when settings are saved with a field missing.
var ErrConfiguration = errors.New("configuration error")

// ProviderFactory builds a provider from a credentials snapshot.
type ProviderFactory func(credentials.Credentials) sms.Provider

// Options configure a Session.
type Options struct {
	Extractor    *phone.Extractor
	Store        credentials.Store
	Providers    ProviderFactory
	Dispatch     dispatch.Options
	MaxInputSize int64
	Logger       *slog.Logger
}

// Session is one operator session: a registry, the credentials it sends
// with, and the batches started from it.
type Session struct {
	reg        *recipients.Registry
	extractor  *phone.Extractor
	store      credentials.Store
	providers  ProviderFactory
	dispatcher *dispatch.Dispatcher
	maxInput   int64
	logger     *slog.Logger

	wg sync.WaitGroup
}

// New creates a Session with an empty registry.
func New(opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ex := opts.Extractor
	if ex == nil {
		ex = phone.NewExtractor("", nil)
	}
	reg := recipients.New()
	return &Session{
		reg:        reg,
		extractor:  ex,
		store:      opts.Store,
		providers:  opts.Providers,
		dispatcher: dispatch.New(reg, opts.Dispatch, logger),
		maxInput:   opts.MaxInputSize,
		logger:     logger,
	}
}

// Registry exposes the session registry for display.
func (s *Session) Registry() *recipients.Registry { return s.reg }

// Reset clears the registry and its counters.
func (s *Session) Reset() {
	s.reg.Reset()
}

// ParseText replaces the registry with the mobile numbers found in text.
func (s *Session) ParseText(text string) phone.Result {
	s.reg.Reset()
	res := s.extractor.Extract(text)
	s.reg.Load(res)
	s.logger.Info("numbers extracted", "detected", res.Counts.Detected, "valid", res.Counts.Valid, "mobile", res.Counts.Mobile)
	return res
}

// ParseReader is ParseText over a reader. The registry is reset before
// reading, so a failed parse leaves it empty.
func (s *Session) ParseReader(r io.Reader) (phone.Result, error) {
	s.reg.Reset()
	res, err := s.extractor.ExtractReader(r, s.maxInput)
	if err != nil {
		s.logger.Warn("parse failed", "error", err)
		return phone.Result{}, err
	}
	s.reg.Load(res)
	s.logger.Info("numbers extracted", "detected", res.Counts.Detected, "valid", res.Counts.Valid, "mobile", res.Counts.Mobile)
	return res, nil
}

// Settings returns the stored credentials.
func (s *Session) Settings(ctx context.Context) (credentials.Credentials, error) {
	return s.store.Load(ctx)
}

// SaveSettings stores c when all three fields are set. Otherwise the stored
// values are left as they were and ErrConfiguration is returned.
func (s *Session) SaveSettings(ctx context.Context, c credentials.Credentials) error {
	if !c.Complete() {
		return fmt.Errorf("%w: sender number, account SID and auth token are all required", ErrConfiguration)
	}
	country := ""
	if from, err := sms.NormalizePhone(c.FromNumber); err != nil {
		s.logger.Warn("sender number is not a valid international number", "from", c.FromNumber)
	} else {
		country = sms.PhoneCountry(from)
	}
	if err := s.store.Save(ctx, c); err != nil {
		return fmt.Errorf("saving settings: %w", err)
	}
	s.logger.Info("settings saved", "account_sid", c.AccountSID, "sender_country", country)
	return nil
}

// prepare checks preconditions and builds a provider from a credentials
// snapshot taken now.
func (s *Session) prepare(ctx context.Context, body string) (sms.Provider, error) {
	creds, err := s.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading settings: %w", err)
	}
	if err := dispatch.Preflight(s.reg.Len(), creds, body); err != nil {
		return nil, err
	}
	if sms.MessageTooLong(body) {
		s.logger.Warn("message exceeds one SMS segment", "length", len([]rune(body)), "max", sms.MaxMessageLength)
	}
	return s.providers(creds), nil
}

// Send runs a batch to completion.
func (s *Session) Send(ctx context.Context, body string) (dispatch.Summary, error) {
	p, err := s.prepare(ctx, body)
	if err != nil {
		return dispatch.Summary{}, err
	}
	return s.dispatcher.Run(ctx, p, body), nil
}

// StartSend checks preconditions synchronously and runs the batch in the
// background. Wait blocks until every background batch has finished.
func (s *Session) StartSend(ctx context.Context, body string) (string, error) {
	p, err := s.prepare(ctx, body)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sum := s.dispatcher.Run(ctx, p, body)
		s.logger.Info("batch finished", "batch_id", id, "delivered", sum.Delivered, "unfinished", sum.Unfinished)
	}()
	return id, nil
}

// Wait blocks until all batches started with StartSend have returned.
func (s *Session) Wait() {
	s.wg.Wait()
}
