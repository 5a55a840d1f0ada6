// Package session owns the single authenticated otelms session of a process.
// Nothing outside of Manager mutates a Session, every other component reads
// the cookies it carries and reports expiry back through MarkExpired.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"otelms-scraper/internal/assert"
	"otelms-scraper/internal/components/chrono"
	"otelms-scraper/internal/components/telemetry"
	"otelms-scraper/lib/scrapers/otelms/model"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
)

const (
	report_manager_ensure = "manager.ensure"
	report_manager_login  = "manager.login"
	report_manager_logout = "manager.logout"
)

const (
	DefaultLoginPath  = "/login/DoLogIn/"
	DefaultLogoutPath = "/login/DoLogOut/"
	DefaultUserAgent  = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	acceptHtml        = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"
)

// Session is an authenticated otelms session. Epoch is bumped on every
// successful login, it is what the cache uses to tell sessions apart.
type Session struct {
	Epoch   uint64
	LoginAt time.Time
	Cookies []*http.Cookie
	// Token is the csrf token rendered on the landing page, empty when the
	// instance does not render one.
	Token string
}

type Credentials struct {
	Username string
	Password string
}

type Options struct {
	BaseUrl     string
	Credentials Credentials
	LoginPath   string
	LogoutPath  string
	UserAgent   string
	Timeout     time.Duration
	Clock       chrono.API
	Tel         telemetry.API
}

// Manager performs logins and hands out the current Session.
type Manager struct {
	baseUrl *url.URL
	opts    Options
	tel     telemetry.API

	mu        sync.Mutex
	current   *Session
	expired   bool
	epoch     uint64
	listeners []func(epoch uint64)
}

var errRejected = errors.New("credentials rejected")

func NewManager(opts Options) (*Manager, error) {
	assert.NotNil(opts.Tel)
	assert.NotNil(opts.Clock)

	baseUrl, err := url.Parse(opts.BaseUrl)
	if err != nil {
		return nil, err
	}
	if opts.LoginPath == "" {
		opts.LoginPath = DefaultLoginPath
	}
	if opts.LogoutPath == "" {
		opts.LogoutPath = DefaultLogoutPath
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}

	return &Manager{
		baseUrl: baseUrl,
		opts:    opts,
		tel:     telemetry.NewScopedAPI("otelms_session", opts.Tel),
	}, nil
}

// OnRenew registers a listener called after every successful login with the
// new epoch. Listeners run while the manager is locked and must not call back
// into it.
func (m *Manager) OnRenew(fn func(epoch uint64)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Current returns the current session without logging in, it is nil before
// the first login and after Logout.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Manager) Epoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

// Ensure returns a valid session, logging in when there is none or the
// current one was marked expired. Callers block while a login is in
// progress.
//
// A rejection is retried once, two rejections in a row fail with
// model.ErrAuth. A login that could not complete because of the network or
// a 5xx on its last attempt fails with model.ErrLoginUnavailable.
func (m *Manager) Ensure(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil && !m.expired {
		return m.current, nil
	}

	rejections := 0
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		sess, err := m.login(ctx)
		if err == nil {
			m.epoch++
			sess.Epoch = m.epoch
			m.current = sess
			m.expired = false
			m.tel.ReportDebug("session renewed", sess.Epoch)
			m.tel.ReportCount("session.epoch", int64(sess.Epoch))
			for _, fn := range m.listeners {
				fn(sess.Epoch)
			}
			return sess, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		if errors.Is(err, errRejected) {
			rejections++
		} else {
			rejections = 0
		}
		m.tel.ReportWarning(report_manager_ensure, err, attempt)
	}

	if rejections >= 2 {
		m.tel.ReportBroken(report_manager_ensure, lastErr, m.opts.Credentials.Username)
		return nil, fmt.Errorf("%w: %s", model.ErrAuth, m.opts.Credentials.Username)
	}
	return nil, fmt.Errorf("%w: %w", model.ErrLoginUnavailable, lastErr)
}

// MarkExpired flags sess as expired. It is a no-op when sess is not the
// current session anymore, so concurrent observers of one expiry cause a
// single re-login.
func (m *Manager) MarkExpired(sess *Session) {
	if sess == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.current.Epoch != sess.Epoch {
		return
	}
	if !m.expired {
		m.tel.ReportDebug("session marked expired", sess.Epoch)
	}
	m.expired = true
}

// Logout ends the session on the server on a best effort basis and drops it.
func (m *Manager) Logout(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return
	}

	client, _, err := m.newHttp()
	if err == nil {
		_, err = client.R().
			SetContext(ctx).
			SetCookies(m.current.Cookies).
			Get(m.opts.LogoutPath)
	}
	if err != nil {
		m.tel.ReportWarning(report_manager_logout, err)
	}
	m.current = nil
	m.expired = false
}

func (m *Manager) newHttp() (*resty.Client, http.CookieJar, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, nil, err
	}
	client := resty.New()
	client.SetBaseURL(m.baseUrl.String())
	client.SetCookieJar(jar)
	client.SetHeader("user-agent", m.opts.UserAgent)
	client.SetHeader("accept", acceptHtml)
	client.SetHeader("referer", m.baseUrl.JoinPath(m.opts.LoginPath).String())
	client.SetHeader("origin", m.baseUrl.String())
	client.SetRedirectPolicy(resty.DomainCheckRedirectPolicy(m.baseUrl.Hostname()))
	client.SetTimeout(m.opts.Timeout)
	telemetry.InstrumentResty(client, m.tel)
	return client, jar, nil
}

// every login starts from an empty cookie jar so that cookies of an expired
// session never leak into the new one
func (m *Manager) login(ctx context.Context) (*Session, error) {
	m.tel.ReportDebug("login", m.opts.Credentials.Username)

	client, jar, err := m.newHttp()
	if err != nil {
		return nil, err
	}

	res, err := client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"login":    m.opts.Credentials.Username,
			"password": m.opts.Credentials.Password,
			"action":   "login",
		}).
		Post(m.opts.LoginPath)
	if err != nil {
		m.tel.ReportWarning(report_manager_login, fmt.Errorf("login request: %w", err))
		return nil, fmt.Errorf("login request: %w", err)
	}
	if res.StatusCode() >= 500 {
		return nil, fmt.Errorf("login request: status %d", res.StatusCode())
	}
	if res.StatusCode() >= 400 {
		return nil, fmt.Errorf("%w: status %d", errRejected, res.StatusCode())
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewBuffer(res.Body()))
	if err != nil {
		m.tel.ReportBroken(report_manager_login, fmt.Errorf("parse landing page: %w", err))
		return nil, fmt.Errorf("parse landing page: %w", err)
	}
	if IsLoginForm(doc) {
		return nil, errRejected
	}

	cookies := jar.Cookies(m.baseUrl)
	if len(cookies) == 0 {
		m.tel.ReportWarning(report_manager_login, fmt.Errorf("login succeeded without any cookie"))
	}

	return &Session{
		LoginAt: m.opts.Clock.Now(),
		Cookies: cookies,
		Token:   doc.Find("meta[name=csrf-token]").AttrOr("content", ""),
	}, nil
}

// IsLoginForm reports whether a document is the otelms login form.
func IsLoginForm(doc *goquery.Document) bool {
	return doc.Find("form input[name=password]").Length() > 0
}
