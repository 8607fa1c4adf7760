package metrics

import "sort"

type point2 struct{ x, y float64 }

func cross(o, a, b point2) float64 {
	return (a.x-o.x)*(b.y-o.y) - (a.y-o.y)*(b.x-o.x)
}

// convexHullArea returns the area of the convex hull of the pixel squares
// centered at (xs[i], ys[i]).
func convexHullArea(xs, ys []float64, px, py float64) float64 {
	seen := make(map[point2]bool, 4*len(xs))
	pts := make([]point2, 0, 4*len(xs))
	for i := range xs {
		for _, d := range [4]point2{{-px / 2, -py / 2}, {px / 2, -py / 2}, {px / 2, py / 2}, {-px / 2, py / 2}} {
			p := point2{xs[i] + d.x, ys[i] + d.y}
			if !seen[p] {
				seen[p] = true
				pts = append(pts, p)
			}
		}
	}
	hull := monotoneChain(pts)

	area := 0.0
	for i := range hull {
		j := (i + 1) % len(hull)
		area += hull[i].x*hull[j].y - hull[j].x*hull[i].y
	}
	if area < 0 {
		area = -area
	}
	return area / 2
}

// monotoneChain returns the convex hull in counter-clockwise order
func monotoneChain(pts []point2) []point2 {
	if len(pts) < 3 {
		return pts
	}
	sort.Slice(pts, func(i, j int) bool {
		if pts[i].x != pts[j].x {
			return pts[i].x < pts[j].x
		}
		return pts[i].y < pts[j].y
	})

	hull := make([]point2, 0, 2*len(pts))
	for _, p := range pts {
		for len(hull) >= 2 && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	lower := len(hull) + 1
	for i := len(pts) - 2; i >= 0; i-- {
		p := pts[i]
		for len(hull) >= lower && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	return hull[:len(hull)-1]
}
