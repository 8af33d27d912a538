package config

import (
	"slices"

	"golang.org/x/text/language"
)

const defaultLocale = "en"

// Message keys for voter-facing text. Internal error detail never maps to one of these.
const (
	MsgSuccess           = "success"
	MsgAlreadyVoted      = "already_voted"
	MsgSecurityViolation = "security_violation"
	MsgGenericFailure    = "generic_failure"
	MsgTryAgain          = "try_again"
	MsgSecurityOffline   = "security_offline"
	MsgSessionInvalid    = "session_invalid"
	MsgMaskReminder      = "mask_reminder"
	MsgScanning          = "scanning"
)

// Messages holds the localized voter messages keyed by locale and message key.
type Messages struct {
	Locales map[string]map[string]string

	supported []string
	matcher   language.Matcher
}

func (m *Messages) init() {
	m.supported = m.supported[:0]
	for locale := range m.Locales {
		m.supported = append(m.supported, locale)
	}
	// The default locale must come first so the matcher falls back to it.
	slices.SortFunc(m.supported, func(a, b string) int {
		switch {
		case a == defaultLocale:
			return -1
		case b == defaultLocale:
			return 1
		case a < b:
			return -1
		case a > b:
			return 1
		}
		return 0
	})
	tags := make([]language.Tag, 0, len(m.supported))
	for _, locale := range m.supported {
		tags = append(tags, language.Make(locale))
	}
	m.matcher = language.NewMatcher(tags)
}

// Resolve maps a requested locale (e.g. "si-LK") onto one of the bundled locales.
func (m *Messages) Resolve(locale string) string {
	if m.matcher == nil || len(m.supported) == 0 {
		return defaultLocale
	}
	// Accepts a single tag or an Accept-Language header value.
	tags, _, err := language.ParseAcceptLanguage(locale)
	if err != nil || len(tags) == 0 {
		return m.supported[0]
	}
	_, idx, _ := m.matcher.Match(tags...)
	return m.supported[idx]
}

// Text returns the message for key in the given locale, falling back to English and then to the key itself.
func (m *Messages) Text(locale, key string) string {
	if text, ok := m.Locales[m.Resolve(locale)][key]; ok {
		return text
	}
	if text, ok := m.Locales[defaultLocale][key]; ok {
		return text
	}
	return key
}

// Bundle returns all messages of the resolved locale.
func (m *Messages) Bundle(locale string) map[string]string {
	resolved := m.Resolve(locale)
	out := make(map[string]string, len(m.Locales[resolved]))
	for k, v := range m.Locales[defaultLocale] {
		out[k] = v
	}
	for k, v := range m.Locales[resolved] {
		out[k] = v
	}
	return out
}
