// Package fetch performs authenticated GET requests against otelms and turns
// a lost session into model.ErrSessionExpired.
package fetch

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"otelms-scraper/internal/assert"
	"otelms-scraper/internal/components/chrono"
	"otelms-scraper/internal/components/telemetry"
	"otelms-scraper/lib/restyutil"
	"otelms-scraper/lib/scrapers/otelms/cache"
	"otelms-scraper/lib/scrapers/otelms/model"
	"otelms-scraper/lib/scrapers/otelms/retry"
	"otelms-scraper/lib/scrapers/otelms/session"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("otelms-scraper/lib/scrapers/otelms/fetch")

const (
	report_fetcher_fetch = "fetcher.fetch"
)

const (
	DefaultLoginPrefix = "/login"
	tokenHeader        = "X-CSRF-Token"
)

var DefaultLoginMarkers = []string{`name="password"`}

// Expirer is told about sessions the platform does not accept anymore.
type Expirer interface {
	MarkExpired(sess *session.Session)
}

type Options struct {
	BaseUrl string
	// LoginPrefix is the path prefix of every page otelms redirects to when
	// a session is not valid.
	LoginPrefix string
	// LoginMarkers are snippets only found in the body of a login page.
	LoginMarkers []string
	UserAgent    string
	Timeout      time.Duration

	Controller *retry.Controller
	Expirer    Expirer
	Clock      chrono.API
	Tel        telemetry.API
	// Dump receives the full request and response of every message when
	// debug logging is enabled, it can be nil.
	Dump restyutil.InstrumentOutput
}

type Fetcher struct {
	baseUrl *url.URL
	opts    Options
	client  *resty.Client
	tel     telemetry.API
}

func NewFetcher(opts Options) (*Fetcher, error) {
	assert.NotNil(opts.Controller)
	assert.NotNil(opts.Expirer)
	assert.NotNil(opts.Clock)
	assert.NotNil(opts.Tel)

	baseUrl, err := url.Parse(opts.BaseUrl)
	if err != nil {
		return nil, err
	}
	if opts.LoginPrefix == "" {
		opts.LoginPrefix = DefaultLoginPrefix
	}
	if opts.LoginMarkers == nil {
		opts.LoginMarkers = DefaultLoginMarkers
	}
	if opts.UserAgent == "" {
		opts.UserAgent = session.DefaultUserAgent
	}

	tel := telemetry.NewScopedAPI("otelms_fetch", opts.Tel)

	client := resty.New()
	client.SetBaseURL(baseUrl.String())
	client.SetHeader("user-agent", opts.UserAgent)
	client.SetHeader("accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	client.SetRedirectPolicy(resty.DomainCheckRedirectPolicy(baseUrl.Hostname()))
	if opts.Timeout > 0 {
		client.SetTimeout(opts.Timeout)
	}
	telemetry.InstrumentResty(client, tel)
	restyutil.InstrumentClient(client, tracer, opts.Dump)

	return &Fetcher{
		baseUrl: baseUrl,
		opts:    opts,
		client:  client,
		tel:     tel,
	}, nil
}

// BaseUrl returns the url every endpoint is resolved against.
func (f *Fetcher) BaseUrl() *url.URL {
	return f.baseUrl
}

// Fetch gets endpoint with sess attached. When the platform answers with
// its login page or a 401 the session is marked expired and
// model.ErrSessionExpired is returned. A 403 only means the session is gone
// when it comes with the login page, otherwise the page is off limits for
// the account and the failure is model.ErrNotRetryable. Other failures are
// the ones of the retry controller.
func (f *Fetcher) Fetch(ctx context.Context, endpoint string, params url.Values, sess *session.Session) (model.RawPage, error) {
	assert.NotNil(sess)

	ctx, span := tracer.Start(ctx, "Fetch")
	defer span.End()
	span.SetAttributes(
		attribute.String("endpoint", endpoint),
		attribute.Int64("epoch", int64(sess.Epoch)),
	)

	fingerprint, err := cache.Fingerprint(f.baseUrl, endpoint, params, sess.Epoch)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fingerprint request")
		return model.RawPage{}, err
	}

	res, err := f.opts.Controller.Execute(ctx, func(ctx context.Context) (*resty.Response, error) {
		req := f.client.R().
			SetContext(ctx).
			SetCookies(sess.Cookies)
		if sess.Token != "" {
			req.SetHeader(tokenHeader, sess.Token)
		}
		if len(params) > 0 {
			req.SetQueryParamsFromValues(params)
		}
		return req.Get(endpoint)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		f.tel.ReportWarning(report_fetcher_fetch, err, endpoint)
		return model.RawPage{}, err
	}

	finalUrl := res.Request.URL
	if res.RawResponse != nil && res.RawResponse.Request != nil {
		finalUrl = res.RawResponse.Request.URL.String()
	}

	if reason, lost := f.authLost(res); lost {
		f.opts.Expirer.MarkExpired(sess)
		span.SetStatus(codes.Error, "session expired")
		f.tel.ReportDebug("session lost", endpoint, reason, sess.Epoch)
		return model.RawPage{}, fmt.Errorf("%w: %s (%s)", model.ErrSessionExpired, endpoint, reason)
	}
	if res.StatusCode() == http.StatusForbidden {
		err := fmt.Errorf("%w: %s (%s)", model.ErrNotRetryable, endpoint, res.Status())
		span.RecordError(err)
		span.SetStatus(codes.Error, "forbidden")
		f.tel.ReportWarning(report_fetcher_fetch, err, sess.Epoch)
		return model.RawPage{}, err
	}

	span.SetAttributes(attribute.Int("status", res.StatusCode()))
	f.tel.ReportDebug("page fetched", endpoint, res.StatusCode(), len(res.Body()))

	return model.RawPage{
		Fingerprint: fingerprint,
		URL:         finalUrl,
		Body:        res.Body(),
		Status:      res.StatusCode(),
		FetchedAt:   f.opts.Clock.Now(),
	}, nil
}

func (f *Fetcher) authLost(res *resty.Response) (string, bool) {
	if res.StatusCode() == http.StatusUnauthorized {
		return res.Status(), true
	}
	if res.RawResponse != nil && res.RawResponse.Request != nil {
		if strings.HasPrefix(res.RawResponse.Request.URL.Path, f.opts.LoginPrefix) {
			return "redirected to " + res.RawResponse.Request.URL.Path, true
		}
	}
	body := res.Body()
	for _, marker := range f.opts.LoginMarkers {
		if marker != "" && bytes.Contains(body, []byte(marker)) {
			return "login marker in body", true
		}
	}
	return "", false
}
