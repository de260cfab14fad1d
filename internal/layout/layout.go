package layout

import "github.com/coreman2200/funtimes-ledgrid/internal/pixel"

// Layout describes how a rectangular block of pixels is wired: rows x cols,
// optionally serpentine (every odd row runs right to left).
type Layout struct {
	Rows       int
	Cols       int
	Serpentine bool
}

// Index maps a block-local row,col to its position along the wiring (0..N-1).
func (l Layout) Index(row, col int) int {
	c := col
	if l.Serpentine && row%2 == 1 {
		c = l.Cols - 1 - col
	}
	return row*l.Cols + c
}

// Position is the inverse of Index.
func (l Layout) Position(index int) (row, col int) {
	row, col = index/l.Cols, index%l.Cols
	if l.Serpentine && row%2 == 1 {
		col = l.Cols - 1 - col
	}
	return row, col
}

func (l Layout) Count() int {
	return l.Rows * l.Cols
}

// Coords lists the block's pixels in wiring order, offset by origin.
func (l Layout) Coords(origin pixel.Coord) []pixel.Coord {
	out := make([]pixel.Coord, l.Count())
	for i := range out {
		r, c := l.Position(i)
		out[i] = pixel.Coord{Row: origin.Row + r, Col: origin.Col + c}
	}
	return out
}

// RowMajor returns every coordinate of a rows x cols rectangle, row by row.
func RowMajor(rows, cols int) []pixel.Coord {
	return Layout{Rows: rows, Cols: cols}.Coords(pixel.Coord{})
}
