package params

// Offset is a neighbor displacement inside the research window.
type Offset struct {
	DX, DY int
}

// Offsets returns every displacement with |dx|,|dy| <= diameter/2 except
// the origin, ordered by dx then dy.
func Offsets(diameter int) []Offset {
	rad := diameter / 2
	if rad <= 0 {
		return nil
	}
	side := 2*rad + 1
	out := make([]Offset, 0, side*side-1)
	for dx := -rad; dx <= rad; dx++ {
		for dy := -rad; dy <= rad; dy++ {
			if dx == 0 && dy == 0 {
				continue
			}
			out = append(out, Offset{DX: dx, DY: dy})
		}
	}
	return out
}
