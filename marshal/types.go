package marshal

import "fmt"

// Color is an RGBA colour, four bytes in guest memory.
type Color struct {
	R uint8
	G uint8
	B uint8
	A uint8
}

func (c Color) String() string {
	return fmt.Sprintf("rgba(%d, %d, %d, %d)", c.R, c.G, c.B, c.A)
}

// Dimensions is a width and height pair, eight bytes in guest memory.
type Dimensions struct {
	Width  uint32
	Height uint32
}

func (d Dimensions) String() string {
	return fmt.Sprintf("%dx%d", d.Width, d.Height)
}
