// Package otelms assembles the session manager, fetcher, extractor, cache
// and orchestrator into an Engine configured from settings.
package otelms

import (
	"context"
	"fmt"
	"otelms-scraper/internal/assert"
	"otelms-scraper/internal/components/chrono"
	"otelms-scraper/internal/components/telemetry"
	"otelms-scraper/lib/restyutil"
	"otelms-scraper/lib/scrapers/otelms/cache"
	"otelms-scraper/lib/scrapers/otelms/extract"
	"otelms-scraper/lib/scrapers/otelms/fetch"
	"otelms-scraper/lib/scrapers/otelms/retry"
	"otelms-scraper/lib/scrapers/otelms/scrape"
	"otelms-scraper/lib/scrapers/otelms/session"
	"otelms-scraper/lib/scrapers/otelms/settings"
)

type Engine struct {
	Settings   settings.Settings
	Sessions   *session.Manager
	Controller *retry.Controller
	Fetcher    *fetch.Fetcher
	Extractor  *extract.Extractor
	Cache      *cache.Store
	Scraper    *scrape.Scraper
}

func New(s settings.Settings, clock chrono.API, tel telemetry.API) (*Engine, error) {
	assert.NotNil(clock)
	assert.NotNil(tel)

	baseUrl, err := s.Url()
	if err != nil {
		return nil, err
	}

	sessions, err := session.NewManager(session.Options{
		BaseUrl: baseUrl,
		Credentials: session.Credentials{
			Username: s.Username,
			Password: s.Password,
		},
		UserAgent: s.UserAgent,
		Timeout:   s.Timeout(),
		Clock:     clock,
		Tel:       tel,
	})
	if err != nil {
		return nil, err
	}

	store, err := cache.Open(cache.Options{
		Dir:        s.CacheDir,
		ListingTTL: s.ListingTTL(),
		DetailTTL:  s.DetailTTL(),
		Clock:      clock,
		Tel:        tel,
	})
	if err != nil {
		return nil, err
	}
	sessions.OnRenew(store.Advance)

	var archive scrape.Archive
	var dump restyutil.InstrumentOutput
	if s.ArchiveDir != "" {
		output, err := restyutil.NewFilesystemOutput(s.ArchiveDir, false)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("archive dir: %w", err)
		}
		archive = output
		if s.Debug {
			dump = output
		}
	}

	controller := retry.NewController(s.RetryPolicy(), clock, tel)
	fetcher, err := fetch.NewFetcher(fetch.Options{
		BaseUrl:    baseUrl,
		UserAgent:  s.UserAgent,
		Timeout:    s.Timeout(),
		Controller: controller,
		Expirer:    sessions,
		Clock:      clock,
		Tel:        tel,
		Dump:       dump,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	locale := extract.DefaultLocale()
	if s.DecimalSeparator == "," {
		locale.DecimalSeparator = ','
	}
	locale.DefaultCurrency = s.DefaultCurrency
	extractor := extract.NewExtractor(locale, tel)

	scraper, err := scrape.NewScraper(scrape.Options{
		BaseUrl:                baseUrl,
		Concurrency:            s.Concurrency,
		MaxConsecutiveFailures: s.MaxConsecutiveFailures,
		Sessions:               sessions,
		Fetcher:                fetcher,
		Parser:                 extractor,
		Cache:                  store,
		Archive:                archive,
		Clock:                  clock,
		Tel:                    tel,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	return &Engine{
		Settings:   s,
		Sessions:   sessions,
		Controller: controller,
		Fetcher:    fetcher,
		Extractor:  extractor,
		Cache:      store,
		Scraper:    scraper,
	}, nil
}

// Request is the run configured by the settings.
func (e *Engine) Request() (scrape.Request, error) {
	from, to, err := e.Settings.Range()
	if err != nil {
		return scrape.Request{}, err
	}
	return scrape.Request{From: from, To: to}, nil
}

// Close logs out of otelms and releases the cache.
func (e *Engine) Close(ctx context.Context) error {
	e.Sessions.Logout(ctx)
	return e.Cache.Close()
}
