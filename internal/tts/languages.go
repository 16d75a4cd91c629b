package tts

import "strings"

// DefaultLanguage is used when a request does not name one.
const DefaultLanguage = "en-US"

var defaultLanguages = []string{
	"ko-KR", "en-US", "mn-CH", "ja-JP", "fr-FR", "en-GB", "en-IE", "da-DK",
	"de-DE", "es-MX", "es-ES", "es-AR", "fr-CA",
	"it-IT", "nl-NL", "nb-NO", "pl-PL",
	"pt-PT", "ru-RU", "fi-FI", "sv-SE", "tr-TR",
	"pt-BR", "ar-SA", "en-IN", "id-ID",
	"th-TH",
}

// DefaultLanguages returns a copy of the builtin locale table.
func DefaultLanguages() []string {
	return append([]string(nil), defaultLanguages...)
}

// languageSet answers membership queries against a configured list.
type languageSet struct {
	list     []string
	fallback string
}

func newLanguageSet(list []string, fallback string) languageSet {
	if len(list) == 0 {
		list = DefaultLanguages()
	}
	if fallback == "" {
		fallback = DefaultLanguage
	}
	return languageSet{list: append([]string(nil), list...), fallback: fallback}
}

// resolve returns the language to synthesize with, or ErrLanguageNotSupported.
func (s languageSet) resolve(lang string) (string, error) {
	if strings.TrimSpace(lang) == "" {
		return s.fallback, nil
	}
	for _, candidate := range s.list {
		if strings.EqualFold(candidate, lang) {
			return candidate, nil
		}
	}
	return "", ErrLanguageNotSupported
}

func (s languageSet) all() []string {
	return append([]string(nil), s.list...)
}
