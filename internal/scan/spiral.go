package scan

// Spiral walks the square spiral of r*r steps around the origin and calls
// visit for every offset with |dx| <= r/2 and |dz| <= r/2. Steps outside the
// bound still advance the walk. Returning false from visit stops early.
func Spiral(r int, visit func(dx, dz int) bool) {
	if r <= 0 {
		return
	}
	half := r / 2
	x, y := 0, 0
	dx, dy := 0, -1
	n := r * r
	for i := 0; i < n; i++ {
		if -half <= x && x <= half && -half <= y && y <= half {
			if !visit(x, y) {
				return
			}
		}
		if x == y || (x < 0 && x == -y) || (x > 0 && x == 1-y) {
			dx, dy = -dy, dx
		}
		x += dx
		y += dy
	}
}
