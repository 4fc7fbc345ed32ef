package tracker

import iface "TrackCastServer/interface"

// IoU returns the intersection-over-union of two boxes, 0 when they do not overlap.
func IoU(a, b iface.Box) float64 {
	x1 := max(a.X1, b.X1)
	y1 := max(a.Y1, b.Y1)
	x2 := min(a.X2, b.X2)
	y2 := min(a.Y2, b.Y2)
	interW := max(0, x2-x1)
	interH := max(0, y2-y1)
	inter := interW * interH
	if inter == 0 {
		return 0
	}
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// costMatrix[i][j] is the IoU between track i and detection j.
func costMatrix(tracks []*Track, dets []iface.Detection) [][]float64 {
	m := make([][]float64, len(tracks))
	for i, tr := range tracks {
		row := make([]float64, len(dets))
		for j, d := range dets {
			row[j] = IoU(tr.BBox, d.BBox)
		}
		m[i] = row
	}
	return m
}

// argmax scans row-major and keeps the first cell holding the maximum.
func argmax(m [][]float64) (int, int, float64) {
	bi, bj, best := -1, -1, -1.0
	for i, row := range m {
		for j, v := range row {
			if bi < 0 || v > best {
				bi, bj, best = i, j, v
			}
		}
	}
	return bi, bj, best
}
