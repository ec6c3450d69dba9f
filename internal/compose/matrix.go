package compose

import (
	"math"

	"github.com/bnema/westeros/internal/surface"
	"golang.org/x/image/math/f64"
)

// Identity returns the 4x4 identity matrix. Matrices are row-major and act
// on column vectors, so translation lives in elements 3 and 7.
func Identity() f64.Mat4 {
	return f64.Mat4{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// Translate returns a 2D translation.
func Translate(tx, ty float64) f64.Mat4 {
	m := Identity()
	m[3] = tx
	m[7] = ty
	return m
}

// Scale returns a 2D scale.
func Scale(sx, sy float64) f64.Mat4 {
	m := Identity()
	m[0] = sx
	m[5] = sy
	return m
}

// ScaleTranslate returns scale by (sx, sy) followed by translation by (tx, ty).
func ScaleTranslate(sx, sy, tx, ty float64) f64.Mat4 {
	m := Scale(sx, sy)
	m[3] = tx
	m[7] = ty
	return m
}

// Mul returns a*b: applying the result applies b first, then a.
func Mul(a, b f64.Mat4) f64.Mat4 {
	var m f64.Mat4
	for row := 0; row < 4; row++ {
		for col := 0; col < 4; col++ {
			var sum float64
			for k := 0; k < 4; k++ {
				sum += a[row*4+k] * b[k*4+col]
			}
			m[row*4+col] = sum
		}
	}
	return m
}

// ScaleTranslateOf keeps only the axis scale and the translation of m.
func ScaleTranslateOf(m f64.Mat4) f64.Mat4 {
	return ScaleTranslate(m[0], m[5], m[3], m[7])
}

// IsIdentity reports whether m is the identity matrix.
func IsIdentity(m f64.Mat4) bool {
	return m == Identity()
}

// Point maps (x, y) through m.
func Point(m f64.Mat4, x, y float64) (float64, float64) {
	px := m[0]*x + m[1]*y + m[3]
	py := m[4]*x + m[5]*y + m[7]
	w := m[12]*x + m[13]*y + m[15]
	if w != 0 && w != 1 {
		px /= w
		py /= w
	}
	return px, py
}

// Rect maps r through m and returns the axis-aligned bounds of the result,
// rounded to whole pixels.
func Rect(m f64.Mat4, r surface.Rect) surface.Rect {
	corners := [4][2]float64{
		{float64(r.X), float64(r.Y)},
		{float64(r.X + r.W), float64(r.Y)},
		{float64(r.X), float64(r.Y + r.H)},
		{float64(r.X + r.W), float64(r.Y + r.H)},
	}
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, c := range corners {
		x, y := Point(m, c[0], c[1])
		minX, maxX = math.Min(minX, x), math.Max(maxX, x)
		minY, maxY = math.Min(minY, y), math.Max(maxY, y)
	}
	x0, y0 := int(math.Round(minX)), int(math.Round(minY))
	return surface.Rect{
		X: x0,
		Y: y0,
		W: int(math.Round(maxX)) - x0,
		H: int(math.Round(maxY)) - y0,
	}
}

// Clip returns the intersection of r with clip. An empty clip means no clipping.
func Clip(r, clip surface.Rect) surface.Rect {
	if clip.Empty() {
		return r
	}
	x0, y0 := max(r.X, clip.X), max(r.Y, clip.Y)
	x1, y1 := min(r.X+r.W, clip.X+clip.W), min(r.Y+r.H, clip.Y+clip.H)
	if x1 <= x0 || y1 <= y0 {
		return surface.Rect{}
	}
	return surface.Rect{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}
}
