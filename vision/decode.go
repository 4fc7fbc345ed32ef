package vision

import (
	"fmt"
	"image"
	"math"

	iface "TrackCastServer/interface"

	"gocv.io/x/gocv"
)

// DecodeImage 将编码后的图像字节转为 gocv.Mat，调用方负责 Close；出错时返回零值 Mat，无需 Close
func DecodeImage(data []byte) (gocv.Mat, error) {
	if len(data) == 0 {
		return gocv.Mat{}, iface.ErrUndecodableImage
	}
	mat, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("%w: %v", iface.ErrUndecodableImage, err)
	}
	if mat.Empty() {
		// IMDecode 返回空 Mat 表示解码失败
		_ = mat.Close()
		return gocv.Mat{}, iface.ErrUndecodableImage
	}
	return mat, nil
}

// Frame is an image prepared for the detector.
type Frame struct {
	JPEG []byte
	// Source is the size of the decoded input, Sent the size of JPEG.
	Source, Sent image.Point
}

// Scale maps a box from Sent to Source coordinates.
func (f Frame) Scale(b iface.Box) iface.Box {
	if f.Sent == f.Source || f.Sent.X == 0 || f.Sent.Y == 0 {
		return b
	}
	sx := float64(f.Source.X) / float64(f.Sent.X)
	sy := float64(f.Source.Y) / float64(f.Sent.Y)
	return iface.Box{
		X1: int(math.Round(float64(b.X1) * sx)),
		Y1: int(math.Round(float64(b.Y1) * sy)),
		X2: int(math.Round(float64(b.X2) * sx)),
		Y2: int(math.Round(float64(b.Y2) * sy)),
	}
}

// Normalize decodes data, shrinks it so the longer side is at most maxSide
// (0 keeps the original size), and re-encodes it as JPEG.
func Normalize(data []byte, maxSide int) (Frame, error) {
	mat, err := DecodeImage(data)
	if err != nil {
		return Frame{}, err
	}
	defer mat.Close()

	src := image.Pt(mat.Cols(), mat.Rows())
	w, h := src.X, src.Y
	if maxSide > 0 && max(w, h) > maxSide {
		scale := float64(maxSide) / float64(max(w, h))
		w, h = max(1, int(math.Round(float64(w)*scale))), max(1, int(math.Round(float64(h)*scale)))
		resized := gocv.NewMat()
		defer resized.Close()
		gocv.Resize(mat, &resized, image.Pt(w, h), 0, 0, gocv.InterpolationArea)
		jpeg, err := encodeJPEG(resized)
		return Frame{JPEG: jpeg, Source: src, Sent: image.Pt(w, h)}, err
	}
	jpeg, err := encodeJPEG(mat)
	return Frame{JPEG: jpeg, Source: src, Sent: src}, err
}

func encodeJPEG(mat gocv.Mat) ([]byte, error) {
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, mat)
	if err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...), nil
}
