package pixel

import "fmt"

// Coord addresses one pixel of the matrix. Row and Col are non-negative.
type Coord struct {
	Row int `json:"row" yaml:"row"`
	Col int `json:"col" yaml:"col"`
}

func (c Coord) String() string { return fmt.Sprintf("(%d,%d)", c.Row, c.Col) }

// Valid reports whether both components are non-negative.
func (c Coord) Valid() bool { return c.Row >= 0 && c.Col >= 0 }

// Less orders coordinates row-major.
func (c Coord) Less(o Coord) bool {
	if c.Row != o.Row {
		return c.Row < o.Row
	}
	return c.Col < o.Col
}
