package domain

import (
	"fmt"
	"math"
)

// Default canvas dimensions used by the geometry helpers.
const (
	DefaultNodeSize      = 60.0
	DefaultNodeRadius    = 30.0
	DefaultLinkCurvature = 0.25
)

// Position is a point on the 2D canvas.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Rect is an axis-aligned rectangle anchored at its top-left corner.
type Rect struct {
	X, Y, Width, Height float64
}

// Distance returns the Euclidean distance between two positions.
func Distance(p1, p2 Position) float64 {
	dx := p2.X - p1.X
	dy := p2.Y - p1.Y
	return math.Sqrt(dx*dx + dy*dy)
}

// BezierPath returns an SVG cubic bezier path from start to end with
// horizontal-flow control points.
func BezierPath(start, end Position, curvature float64) string {
	dx := end.X - start.X
	cp1x := start.X + dx*curvature
	cp2x := end.X - dx*curvature
	return fmt.Sprintf("M %s %s C %s %s, %s %s, %s %s",
		num(start.X), num(start.Y),
		num(cp1x), num(start.Y),
		num(cp2x), num(end.Y),
		num(end.X), num(end.Y),
	)
}

// PointInCircle reports whether point lies within radius of center.
func PointInCircle(point, center Position, radius float64) bool {
	return Distance(point, center) <= radius
}

// PointInRect reports whether point lies inside rect, edges included.
func PointInRect(point Position, rect Rect) bool {
	return point.X >= rect.X &&
		point.X <= rect.X+rect.Width &&
		point.Y >= rect.Y &&
		point.Y <= rect.Y+rect.Height
}

// NodeCenter returns the center of a square node of the given size whose
// top-left corner is at position.
func NodeCenter(position Position, size float64) Position {
	return Position{X: position.X + size/2, Y: position.Y + size/2}
}

// ConnectionPoint returns the point on the edge of a circular node facing
// target, used as a link endpoint.
func ConnectionPoint(nodeCenter, target Position, nodeRadius float64) Position {
	angle := math.Atan2(target.Y-nodeCenter.Y, target.X-nodeCenter.X)
	return Position{
		X: nodeCenter.X + math.Cos(angle)*nodeRadius,
		Y: nodeCenter.Y + math.Sin(angle)*nodeRadius,
	}
}

// LinkPath returns the rendered path of a link between two nodes.
func LinkPath(from, to Node) string {
	fromCenter := NodeCenter(from.Position, DefaultNodeSize)
	toCenter := NodeCenter(to.Position, DefaultNodeSize)
	start := ConnectionPoint(fromCenter, toCenter, DefaultNodeRadius)
	end := ConnectionPoint(toCenter, fromCenter, DefaultNodeRadius)
	return BezierPath(start, end, DefaultLinkCurvature)
}

// Clamp limits value to [min, max].
func Clamp(value, min, max float64) float64 {
	return math.Min(math.Max(value, min), max)
}

func num(v float64) string {
	return fmt.Sprintf("%g", v)
}
