package stock

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// NormalizeKey builds the owner-scoped key for an ingredient or recipe.
// Names and units are NFC normalised, case folded and whitespace collapsed.
func NormalizeKey(name, unit string) (IngredientKey, error) {
	n := normalizePart(name)
	u := normalizePart(unit)
	if n == "" || u == "" {
		return "", ErrInvalidKey
	}
	return IngredientKey(n + "/" + u), nil
}

// Split returns the name and unit parts of the key.
func (k IngredientKey) Split() (name, unit string) {
	s := string(k)
	idx := strings.LastIndex(s, "/")
	if idx < 0 {
		return s, ""
	}
	return s[:idx], s[idx+1:]
}

func normalizePart(s string) string {
	s = norm.NFC.String(s)
	s = cases.Fold().String(s)
	s = strings.Join(strings.Fields(s), " ")
	return strings.ReplaceAll(s, "/", "-")
}
