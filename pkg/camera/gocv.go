package camera

import (
	"fmt"

	"gocv.io/x/gocv"
)

// gocvDevice wraps a gocv VideoCapture. The Mat is reused across reads;
// each ReadJPEG returns a fresh encoded buffer.
type gocvDevice struct {
	cap *gocv.VideoCapture
	mat gocv.Mat
}

// openGoCV opens the capture device at the given index, letting OpenCV
// pick the platform backend.
func openGoCV(index int) (Device, error) {
	cap, err := gocv.OpenVideoCapture(index)
	if err != nil {
		return nil, fmt.Errorf("open video capture %d: %w", index, err)
	}
	if !cap.IsOpened() {
		cap.Close()
		return nil, fmt.Errorf("video capture %d did not open", index)
	}
	return &gocvDevice{
		cap: cap,
		mat: gocv.NewMat(),
	}, nil
}

// ReadJPEG captures one frame and encodes it as JPEG.
func (d *gocvDevice) ReadJPEG() ([]byte, error) {
	if ok := d.cap.Read(&d.mat); !ok || d.mat.Empty() {
		return nil, ErrReadFailed
	}

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, d.mat)
	if err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	defer buf.Close()

	// The encode buffer is owned by gocv; hand out a copy.
	out := make([]byte, len(buf.GetBytes()))
	copy(out, buf.GetBytes())
	return out, nil
}

// Close releases the Mat and the capture handle.
func (d *gocvDevice) Close() error {
	d.mat.Close()
	return d.cap.Close()
}
