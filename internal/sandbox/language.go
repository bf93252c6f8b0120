package sandbox

import "strings"

// languageMarkers maps a language to source fragments that identify it.
// Checked in order; the first language with a matching marker wins.
var languageMarkers = []struct {
	language string
	markers  []string
}{
	{"python", []string{"def ", "import ", "print("}},
	{"javascript", []string{"function ", "const ", "console.log"}},
	{"go", []string{"func ", "package ", "fmt.Print"}},
	{"rust", []string{"fn ", "let mut ", "println!"}},
}

// InferLanguage guesses the language of a code snippet from telltale
// keywords. Unrecognized code defaults to javascript.
func InferLanguage(code string) string {
	for _, entry := range languageMarkers {
		for _, marker := range entry.markers {
			if strings.Contains(code, marker) {
				return entry.language
			}
		}
	}
	return "javascript"
}
