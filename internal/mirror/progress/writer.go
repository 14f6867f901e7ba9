package progress

import "io"

// Writer wraps an io.Writer and calls OnProgress every time another interval
// bytes have been written. A non-nil error from OnProgress aborts the write.
type Writer struct {
	Writer     io.Writer
	OnProgress func(written int64) error

	written        int64 // cumulative total
	sinceReport    int64 // bytes since last report
	reportInterval int64 // bytes
}

func NewWriter(w io.Writer, interval int64, cb func(written int64) error) *Writer {
	return &Writer{
		Writer:         w,
		OnProgress:     cb,
		reportInterval: interval,
	}
}

func (pw *Writer) Write(p []byte) (int, error) {
	n, err := pw.Writer.Write(p)
	if n > 0 {
		pw.written += int64(n)
		pw.sinceReport += int64(n)

		if pw.reportInterval > 0 && pw.sinceReport >= pw.reportInterval && pw.OnProgress != nil {
			pw.sinceReport = 0

			if cbErr := pw.OnProgress(pw.written); cbErr != nil && err == nil {
				err = cbErr
			}
		}
	}

	return n, err
}

// Written returns the number of bytes written so far.
func (pw *Writer) Written() int64 {
	return pw.written
}
