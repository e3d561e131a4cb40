package languages

import "strings"

// Language is a programming language the judge can run.
type Language struct {
	Name      string `json:"name"`
	ShortName string `json:"short_name"`
}

var SupportedLanguages = []Language{
	{Name: "Go", ShortName: "go"},
	{Name: "Python", ShortName: "python"},
	{Name: "JavaScript", ShortName: "javascript"},
	{Name: "TypeScript", ShortName: "typescript"},
	{Name: "Java", ShortName: "java"},
	{Name: "C", ShortName: "c"},
	{Name: "C++", ShortName: "cpp"},
	{Name: "C#", ShortName: "csharp"},
	{Name: "Rust", ShortName: "rust"},
	{Name: "Kotlin", ShortName: "kotlin"},
	{Name: "Ruby", ShortName: "ruby"},
	{Name: "Swift", ShortName: "swift"},
}

func GetSupportedLanguages() []Language {
	return SupportedLanguages
}

// Normalize maps a display or short name onto the short name the judge
// expects. ok is false for unsupported languages.
func Normalize(language string) (short string, ok bool) {
	language = strings.TrimSpace(language)
	for _, lang := range SupportedLanguages {
		if strings.EqualFold(lang.Name, language) || strings.EqualFold(lang.ShortName, language) {
			return lang.ShortName, true
		}
	}
	return "", false
}

func IsValidLanguage(language string) bool {
	_, ok := Normalize(language)
	return ok
}
