package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wesm/petphrase/internal/analyzer"
	"github.com/wesm/petphrase/internal/archive"
	"github.com/wesm/petphrase/internal/config"
	"github.com/wesm/petphrase/internal/pool"
)

// Contact lookups are few and sequential; a small pool is enough.
const (
	contactPoolMin = 1
	contactPoolMax = 2
)

// session holds the open archive pools for one command.
type session struct {
	messages *pool.Pool
	contacts *pool.Pool
	store    *archive.Archive
	lookup   *archive.Contacts
}

// openSession opens and fills both pools. The caller must Close it.
func openSession(ctx context.Context, c *config.Config, logger *slog.Logger) (*session, error) {
	messages := pool.New(pool.OpenReadOnly(c.Archive.Driver, c.Archive.MessageDB), c.Archive.MessageDB, pool.Options{
		Name:           "messages",
		MinSize:        c.Pool.MinSize,
		MaxSize:        c.Pool.MaxSize,
		AcquireTimeout: c.Pool.AcquireTimeout.Duration,
		AcquireRate:    c.Pool.AcquireRate,
		Logger:         logger,
	})
	if err := messages.Init(ctx); err != nil {
		return nil, fmt.Errorf("open message database: %w", err)
	}

	contacts := pool.New(pool.OpenReadOnly(c.Archive.Driver, c.Archive.ContactDB), c.Archive.ContactDB, pool.Options{
		Name:           "contacts",
		MinSize:        contactPoolMin,
		MaxSize:        contactPoolMax,
		AcquireTimeout: c.Pool.AcquireTimeout.Duration,
		Logger:         logger,
	})
	if err := contacts.Init(ctx); err != nil {
		messages.Close()
		return nil, fmt.Errorf("open contact database: %w", err)
	}

	return &session{
		messages: messages,
		contacts: contacts,
		store:    archive.New(messages, logger),
		lookup:   archive.NewContacts(contacts, logger),
	}, nil
}

// Close closes both pools.
func (s *session) Close() error {
	return errors.Join(s.messages.Close(), s.contacts.Close())
}

// pipeline builds an analyzer pipeline over the session from c.
func (s *session) pipeline(c *config.Config, now time.Time) (*analyzer.Pipeline, error) {
	opts, err := pipelineOptions(c, now)
	if err != nil {
		return nil, err
	}
	opts.Concurrency = s.messages.Max()
	return analyzer.NewPipeline(s.lookup, s.store, opts), nil
}

// pipelineOptions translates a validated config into pipeline options.
func pipelineOptions(c *config.Config, now time.Time) (analyzer.Options, error) {
	mode, err := analyzer.ParseMode(c.Mode.Type)
	if err != nil {
		return analyzer.Options{}, err
	}
	start, end, err := c.TimeWindow(now)
	if err != nil {
		return analyzer.Options{}, err
	}
	return analyzer.Options{
		Mode:          mode,
		Targets:       c.Mode.Targets,
		ExcludeGroups: c.Filter.ExcludeGroups,
		Filter: analyzer.Filter{
			Start:         start,
			End:           end,
			Phrases:       c.PhraseList(),
			Match:         archive.MatchMode(c.Phrases.Match),
			CaseSensitive: c.Phrases.CaseSensitive,
			SelfSenderID:  c.Archive.SelfSenderID,
		},
		ContextBefore: c.Phrases.ContextBefore,
		ContextAfter:  c.Phrases.ContextAfter,
		OnTableError:  analyzer.TableErrorPolicy(c.Pipeline.OnTableError),
		RetryAttempts: c.Pool.RetryAttempts,
	}, nil
}
