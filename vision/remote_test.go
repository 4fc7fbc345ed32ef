package vision

import (
	"context"
	"image"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	iface "TrackCastServer/interface"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func encodedImage(t *testing.T, w, h int) []byte {
	t.Helper()
	mat := gocv.NewMatWithSize(h, w, gocv.MatTypeCV8UC3)
	defer mat.Close()
	buf, err := gocv.IMEncode(".jpg", mat)
	require.NoError(t, err)
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...)
}

func TestNormalize(t *testing.T) {
	img := encodedImage(t, 640, 320)

	frame, err := Normalize(img, 0)
	require.NoError(t, err)
	assert.Equal(t, image.Pt(640, 320), frame.Source)
	assert.Equal(t, frame.Source, frame.Sent)

	frame, err = Normalize(img, 320)
	require.NoError(t, err)
	assert.Equal(t, image.Pt(640, 320), frame.Source)
	assert.Equal(t, image.Pt(320, 160), frame.Sent)

	mat, err := DecodeImage(frame.JPEG)
	require.NoError(t, err)
	defer mat.Close()
	assert.Equal(t, 320, mat.Cols())

	_, err = Normalize([]byte("nope"), 320)
	assert.ErrorIs(t, err, iface.ErrUndecodableImage)
}

func TestFrame_Scale(t *testing.T) {
	f := Frame{Source: image.Pt(1920, 1080), Sent: image.Pt(1280, 720)}
	assert.Equal(t, iface.Box{X1: 150, Y1: 150, X2: 300, Y2: 300}, f.Scale(iface.Box{X1: 100, Y1: 100, X2: 200, Y2: 200}))

	same := Frame{Source: image.Pt(64, 64), Sent: image.Pt(64, 64)}
	b := iface.Box{X1: 1, Y1: 2, X2: 3, Y2: 4}
	assert.Equal(t, b, same.Scale(b))
}

func TestDecodeImage_Garbage(t *testing.T) {
	_, err := DecodeImage([]byte("definitely not a jpeg"))
	assert.ErrorIs(t, err, iface.ErrUndecodableImage)
	_, err = DecodeImage(nil)
	assert.ErrorIs(t, err, iface.ErrUndecodableImage)
}

func TestRemoteDetector_Detect(t *testing.T) {
	var gotFile bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f, _, err := r.FormFile("file")
		if err == nil {
			data, _ := io.ReadAll(f)
			gotFile = len(data) > 0
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"detections":[
			{"bbox":[10,10,50,50],"class":"person","conf":0.9},
			{"bbox":[0,0,5,5],"class":"cup","conf":0.1},
			{"bbox":[-20,100,700,400],"class":"car","conf":0.6},
			{"bbox":[700,0,800,10],"class":"ghost","conf":0.9}
		]}`)
	}))
	defer srv.Close()

	det, err := NewRemoteDetector(Config{URL: srv.URL, MinConfidence: 0.25})
	require.NoError(t, err)

	dets, err := det.Detect(context.Background(), encodedImage(t, 640, 320))
	require.NoError(t, err)
	assert.True(t, gotFile)
	require.Len(t, dets, 2)
	assert.Equal(t, "person", dets[0].Class)
	assert.Equal(t, iface.Box{X1: 0, Y1: 100, X2: 640, Y2: 320}, dets[1].BBox)
}

func TestRemoteDetector_DownscaledFrameKeepsSourceCoordinates(t *testing.T) {
	var sentWidth int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f, _, err := r.FormFile("file")
		if err == nil {
			data, _ := io.ReadAll(f)
			if mat, err := DecodeImage(data); err == nil {
				sentWidth = mat.Cols()
				_ = mat.Close()
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `[
			{"bbox":[100,100,200,200],"class":"person","conf":0.9},
			{"bbox":[1000,500,1280,720],"class":"car","conf":0.8}
		]`)
	}))
	defer srv.Close()

	det, err := NewRemoteDetector(Config{URL: srv.URL, MinConfidence: 0.25, MaxSide: 1280})
	require.NoError(t, err)

	dets, err := det.Detect(context.Background(), encodedImage(t, 1920, 1080))
	require.NoError(t, err)
	assert.Equal(t, 1280, sentWidth)
	require.Len(t, dets, 2)
	assert.Equal(t, iface.Box{X1: 150, Y1: 150, X2: 300, Y2: 300}, dets[0].BBox)
	assert.Equal(t, iface.Box{X1: 1500, Y1: 750, X2: 1920, Y2: 1080}, dets[1].BBox)
}

func TestRemoteDetector_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	det, err := NewRemoteDetector(Config{URL: srv.URL})
	require.NoError(t, err)
	_, err = det.Detect(context.Background(), encodedImage(t, 32, 32))
	assert.ErrorIs(t, err, ErrDetectorStatus)

	_, err = det.Detect(context.Background(), []byte("nope"))
	assert.ErrorIs(t, err, iface.ErrUndecodableImage)
}

func TestNewRemoteDetector_Validation(t *testing.T) {
	_, err := NewRemoteDetector(Config{})
	assert.Error(t, err)
	_, err = NewRemoteDetector(Config{URL: "http://x", MinConfidence: 2})
	assert.Error(t, err)
}
