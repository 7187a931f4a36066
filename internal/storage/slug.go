package storage

import (
	"fmt"

	"github.com/gosimple/slug"
)

// MakeSlug derives a slug from title and appends -2, -3, ... until taken
// reports it free.
func MakeSlug(title string, taken func(string) (bool, error)) (string, error) {
	base := slug.Make(title)
	if base == "" {
		base = "magazine"
	}
	candidate := base
	for i := 2; ; i++ {
		used, err := taken(candidate)
		if err != nil {
			return "", err
		}
		if !used {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s-%d", base, i)
	}
}
