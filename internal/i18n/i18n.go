// Package i18n picks the message printer for CLI output.
package i18n

import (
	"os"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// DefaultLang is the fallback language
var DefaultLang = language.English

// SupportedLangs are the languages we support
var SupportedLangs = []language.Tag{
	language.English,
	language.German,
}

var matcher = language.NewMatcher(SupportedLangs)

// MatchLanguage returns the best matching language for an Accept-Language
// style list.
func MatchLanguage(accept string) language.Tag {
	tags, _, _ := language.ParseAcceptLanguage(accept)
	tag, _, _ := matcher.Match(tags...)
	return tag
}

// NewPrinter returns a message printer for the given language
func NewPrinter(tag language.Tag) *message.Printer {
	return message.NewPrinter(tag)
}

// NewCLIPrinter returns a printer for the locale in LC_ALL or LANG.
func NewCLIPrinter() *message.Printer {
	return message.NewPrinter(localeTag(os.Getenv("LC_ALL"), os.Getenv("LANG")))
}

func localeTag(lcAll, lang string) language.Tag {
	l := lcAll
	if l == "" {
		l = lang
	}
	if l == "" || l == "C" || l == "POSIX" {
		return DefaultLang
	}

	// Strip encoding (e.g. .UTF-8) and modifier (e.g. @euro)
	if i := strings.IndexAny(l, ".@"); i != -1 {
		l = l[:i]
	}
	tag, err := language.Parse(strings.ReplaceAll(l, "_", "-"))
	if err != nil {
		return MatchLanguage(l)
	}
	tag, _, _ = matcher.Match(tag)
	return tag
}
