package telemetry

import (
	"strings"
)

// Level is the severity a report was made with.
type Level string

const (
	LevelBroken  Level = "broken"
	LevelWarning Level = "warning"
	LevelDebug   Level = "debug"
)

// API is how the scraping engine reports what happened during a run. Every
// component receives one at construction, tests inject a Recorder and assert
// on what it captured.
type API interface {
	// ReportBroken reports a failure an operator has to act on: the login
	// form disappeared, the archive refuses writes, the store is gone.
	//
	// The id names the component and method, `manager.ensure` or
	// `store.upsert`, never the cause. The cause is a param or the wrapped
	// error. Ids are lowercase, underscores separate words of a component
	// and dashes separate words of a method.
	ReportBroken(id string, params ...any)

	// ReportWarning reports something a run survived but that may point at
	// a markup change: a listing row without id, a date read day first.
	ReportWarning(id string, params ...any)

	// ReportDebug is dropped unless debug logging is on.
	ReportDebug(msg string, params ...any)

	// ReportCount reports a gauge, the value at the time of the call. Pages
	// fetched and retries spent are reported this way.
	ReportCount(id string, count int64)
}

// ScopedAPI prefixes every id with the package it was created for, so
// `listing` reported by the scrape package reads `otelms_scrape: listing`.
type ScopedAPI struct {
	namespace string
	inner     API
}

// NewScopedAPI scopes inner under namespace. Scoping an already scoped API
// nests the namespaces, `otelms_scrape.retry: attempt`.
func NewScopedAPI(namespace string, inner API) ScopedAPI {
	if parent, ok := inner.(ScopedAPI); ok {
		return ScopedAPI{namespace: parent.namespace + "." + namespace, inner: parent.inner}
	}
	return ScopedAPI{namespace: namespace, inner: inner}
}

// Namespace is the prefix added to every id.
func (s ScopedAPI) Namespace() string {
	return s.namespace
}

func (s ScopedAPI) scoped(id string) string {
	var b strings.Builder
	b.Grow(len(s.namespace) + len(id) + 2)
	b.WriteString(s.namespace)
	b.WriteString(": ")
	b.WriteString(id)
	return b.String()
}

func (s ScopedAPI) ReportBroken(id string, params ...any) {
	s.inner.ReportBroken(s.scoped(id), params...)
}

func (s ScopedAPI) ReportWarning(id string, params ...any) {
	s.inner.ReportWarning(s.scoped(id), params...)
}

func (s ScopedAPI) ReportDebug(msg string, params ...any) {
	s.inner.ReportDebug(s.scoped(msg), params...)
}

func (s ScopedAPI) ReportCount(id string, count int64) {
	s.inner.ReportCount(s.scoped(id), count)
}
