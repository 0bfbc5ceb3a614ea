package model

import "fmt"

// Category is the lifecycle bucket an appointment currently lives in. It is
// the middle segment of the appointment's store path.
type Category string

const (
	CategoryUpcoming Category = "upcoming"
	CategoryProgress Category = "progress"
	CategoryFeedback Category = "feedback"
)

// Categories lists every bucket in lifecycle order.
var Categories = []Category{CategoryUpcoming, CategoryProgress, CategoryFeedback}

func ParseCategory(raw string) (Category, error) {
	switch c := Category(raw); c {
	case CategoryUpcoming, CategoryProgress, CategoryFeedback:
		return c, nil
	default:
		return "", fmt.Errorf("unknown category %q", raw)
	}
}

// Terminal reports whether no automatic transition leaves c.
func (c Category) Terminal() bool {
	return c == CategoryFeedback
}

func (c Category) String() string {
	return string(c)
}
