package mirror

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// checksumFile returns the hex xxhash64 digest of the file at path.
func checksumFile(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := xxhash.New()
	if _, err := io.CopyBuffer(h, &ctxReader{ctx: ctx, r: f}, make([]byte, copyBufferSize)); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}

	return strconv.FormatUint(h.Sum64(), 16), nil
}

// ctxReader stops reading once ctx is done so long copies honour shutdown.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}

	return r.r.Read(p)
}
