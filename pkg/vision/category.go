package vision

import "strings"

// Category is the unit of classification and the value sent to the
// sorting hardware.
type Category int

// Sorting categories. The numeric values are the wire commands the
// microcontroller expects.
const (
	Can     Category = 1
	Bottle  Category = 2
	Garbage Category = 3
)

// Slug returns the backend identifier for the category.
func (c Category) Slug() string {
	switch c {
	case Can:
		return "cans"
	case Bottle:
		return "bottles"
	default:
		return "garbage"
	}
}

// String returns a human-readable name.
func (c Category) String() string {
	switch c {
	case Can:
		return "Can"
	case Bottle:
		return "Bottle"
	case Garbage:
		return "Garbage"
	default:
		return "Unknown"
	}
}

// CategoryFromID maps a numeric category id to a Category.
func CategoryFromID(id int) (Category, bool) {
	switch Category(id) {
	case Can, Bottle, Garbage:
		return Category(id), true
	}
	return 0, false
}

// CategoryFromLabel maps a free-text label to a Category. Labels are
// normalized to lower case and matched by substring: anything that is
// not a can or a bottle is garbage.
func CategoryFromLabel(label string) Category {
	l := strings.ToLower(label)
	switch {
	case strings.Contains(l, "can"):
		return Can
	case strings.Contains(l, "bottle"):
		return Bottle
	default:
		return Garbage
	}
}
