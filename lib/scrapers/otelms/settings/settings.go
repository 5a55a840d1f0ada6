// Package settings holds the configuration of a scrape, read once from
// otelms.json5, a .env file and the environment.
package settings

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"otelms-scraper/lib/configutil"
	configlibsql "otelms-scraper/lib/configutil/libsql"
	"otelms-scraper/lib/scrapers/otelms/model"
	"otelms-scraper/lib/scrapers/otelms/retry"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

var ErrInvalid = errors.New("invalid settings")

const (
	DefaultConfigFile = "otelms.json5"
	DefaultEnvFile    = ".env"
	DefaultBaseDomain = "otelms.com"
	DefaultUserAgent  = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// Settings is immutable once Load returns. Durations are given in seconds
// or milliseconds so they can be written as plain json5 numbers.
type Settings struct {
	HotelID    string `json:"hotel_id"`
	BaseDomain string `json:"base_domain"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	UserAgent  string `json:"user_agent"`

	// TargetDate selects a single day, DateFrom and DateTo a range. All of
	// them are YYYY-MM-DD.
	TargetDate string `json:"target_date"`
	DateFrom   string `json:"date_from"`
	DateTo     string `json:"date_to"`

	Debug    bool   `json:"debug"`
	LogLevel string `json:"log_level"`
	// Timezone is the IANA zone of the hotel, scheduled runs use it.
	Timezone string `json:"timezone"`

	TimeoutSeconds  int   `json:"timeout_seconds"`
	MaxAttempts     int   `json:"max_attempts"`
	MinSpacingMs    int   `json:"min_spacing_ms"`
	CooldownSeconds int   `json:"cooldown_seconds"`
	RequestBudget   int64 `json:"request_budget"`

	ListingTTLSeconds int    `json:"listing_ttl_seconds"`
	DetailTTLSeconds  int    `json:"detail_ttl_seconds"`
	CacheDir          string `json:"cache_dir"`

	Concurrency            int `json:"concurrency"`
	MaxConsecutiveFailures int `json:"max_consecutive_failures"`

	ArchiveDir string `json:"archive_dir"`
	// DecimalSeparator is "." or "," and only decides amounts like 1.234
	// where the page gives no other hint.
	DecimalSeparator string `json:"decimal_separator"`
	DefaultCurrency  string `json:"default_currency"`

	// Store is where scraped reservations are saved.
	Store configlibsql.Struct `json:"store"`
}

// Load reads configFile (a missing file is fine), loads envFile into the
// environment without overriding what is already set, applies the
// environment overrides and validates the result.
func Load(configFile, envFile string) (Settings, error) {
	s, err := configutil.ReadConfig[Settings](configFile)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Settings{}, fmt.Errorf("read %s: %w", configFile, err)
	}

	if envFile != "" {
		err = godotenv.Load(envFile)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return Settings{}, fmt.Errorf("read %s: %w", envFile, err)
		}
	}

	err = s.applyEnv()
	if err != nil {
		return Settings{}, err
	}
	s.applyDefaults()

	err = s.Validate()
	if err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s *Settings) applyEnv() error {
	strs := map[string]*string{
		"OTELMS_HOTEL_ID": &s.HotelID,
		"OTELMS_USER":     &s.Username,
		"OTELMS_PASS":     &s.Password,
		"BASE_URL":        &s.BaseDomain,
		"TARGET_DATE":     &s.TargetDate,
		"LOG_LEVEL":       &s.LogLevel,
		"USER_AGENT":      &s.UserAgent,
	}
	for key, field := range strs {
		if value, ok := os.LookupEnv(key); ok && value != "" {
			*field = value
		}
	}

	if value, ok := os.LookupEnv("DEBUG"); ok && value != "" {
		debug, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%w: DEBUG=%q is not a boolean", ErrInvalid, value)
		}
		s.Debug = debug
	}
	return nil
}

func (s *Settings) applyDefaults() {
	policy := retry.DefaultPolicy()

	if s.BaseDomain == "" {
		s.BaseDomain = DefaultBaseDomain
	}
	if s.UserAgent == "" {
		s.UserAgent = DefaultUserAgent
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
	if s.Timezone == "" {
		s.Timezone = "UTC"
	}
	if s.TimeoutSeconds <= 0 {
		s.TimeoutSeconds = int(policy.Timeout / time.Second)
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = policy.MaxAttempts
	}
	if s.MinSpacingMs <= 0 {
		s.MinSpacingMs = int(policy.MinSpacing / time.Millisecond)
	}
	if s.CooldownSeconds <= 0 {
		s.CooldownSeconds = int(policy.Cooldown / time.Second)
	}
	if s.DecimalSeparator == "" {
		s.DecimalSeparator = "."
	}
	if s.Store.File == "" && s.Store.Url == "" {
		s.Store.File = "reservations.db"
	}
}

// Validate reports every problem at once.
func (s Settings) Validate() error {
	var errs []error
	if s.HotelID == "" && !strings.Contains(s.BaseDomain, "://") {
		errs = append(errs, fmt.Errorf("%w: a hotel id (OTELMS_HOTEL_ID) or a full base url is required", ErrInvalid))
	}
	if s.Username == "" || s.Password == "" {
		errs = append(errs, fmt.Errorf("%w: credentials (OTELMS_USER, OTELMS_PASS) are required", ErrInvalid))
	}
	if _, err := s.Url(); err != nil {
		errs = append(errs, err)
	}
	if _, _, err := s.Range(); err != nil {
		errs = append(errs, err)
	}
	if _, err := s.Level(); err != nil {
		errs = append(errs, err)
	}
	if _, err := time.LoadLocation(s.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("%w: timezone %q", ErrInvalid, s.Timezone))
	}
	if s.DecimalSeparator != "." && s.DecimalSeparator != "," {
		errs = append(errs, fmt.Errorf("%w: decimal separator %q", ErrInvalid, s.DecimalSeparator))
	}
	if s.RequestBudget < 0 || s.Concurrency < 0 || s.MaxConsecutiveFailures < 0 {
		errs = append(errs, fmt.Errorf("%w: negative limits", ErrInvalid))
	}
	return errors.Join(errs...)
}

// Url is https://<hotel>.<base domain>, unless the base domain is already
// a full url.
func (s Settings) Url() (string, error) {
	raw := s.BaseDomain
	if !strings.Contains(raw, "://") {
		raw = fmt.Sprintf("https://%s.%s", s.HotelID, strings.TrimPrefix(raw, "."))
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return "", fmt.Errorf("%w: base url %q", ErrInvalid, raw)
	}
	return strings.TrimSuffix(parsed.String(), "/"), nil
}

// Range returns the dates of the run, TargetDate wins over DateFrom and
// DateTo. Both are zero when nothing is set.
func (s Settings) Range() (time.Time, time.Time, error) {
	parse := func(name, value string) (time.Time, error) {
		if value == "" {
			return time.Time{}, nil
		}
		t, err := time.Parse(model.DateLayout, value)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %s %q is not YYYY-MM-DD", ErrInvalid, name, value)
		}
		return t, nil
	}

	if s.TargetDate != "" {
		day, err := parse("target_date", s.TargetDate)
		return day, day, err
	}
	from, err := parse("date_from", s.DateFrom)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	to, err := parse("date_to", s.DateTo)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: date_to is before date_from", ErrInvalid)
	}
	return from, to, nil
}

// Level is the slog level, Debug forces slog.LevelDebug.
func (s Settings) Level() (slog.Level, error) {
	if s.Debug {
		return slog.LevelDebug, nil
	}
	var level slog.Level
	err := level.UnmarshalText([]byte(s.LogLevel))
	if err != nil {
		return 0, fmt.Errorf("%w: log level %q", ErrInvalid, s.LogLevel)
	}
	return level, nil
}

func (s Settings) RetryPolicy() retry.Policy {
	policy := retry.DefaultPolicy()
	policy.Timeout = time.Duration(s.TimeoutSeconds) * time.Second
	policy.MaxAttempts = s.MaxAttempts
	policy.MinSpacing = time.Duration(s.MinSpacingMs) * time.Millisecond
	policy.Cooldown = time.Duration(s.CooldownSeconds) * time.Second
	policy.Budget = s.RequestBudget
	return policy
}

func (s Settings) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

func (s Settings) ListingTTL() time.Duration {
	return time.Duration(s.ListingTTLSeconds) * time.Second
}

func (s Settings) DetailTTL() time.Duration {
	return time.Duration(s.DetailTTLSeconds) * time.Second
}

// LogValue keeps the password out of logs.
func (s Settings) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("hotel_id", s.HotelID),
		slog.String("base_domain", s.BaseDomain),
		slog.String("username", s.Username),
		slog.String("target_date", s.TargetDate),
		slog.String("date_from", s.DateFrom),
		slog.String("date_to", s.DateTo),
		slog.Bool("debug", s.Debug),
		slog.Int("concurrency", s.Concurrency),
	)
}
