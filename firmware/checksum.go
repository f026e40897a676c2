package firmware

import (
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"

	"github.com/juju/errors"
)

// Block size for streaming digest, independent of transfer chunk size.
const ChecksumBlockSize = 4096

// Checksum returns lowercase hex MD5 of file at path.
// MD5 only guards against transport corruption, not tampering.
func Checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errors.NotFoundf("firmware path=%s", path)
		}
		return "", errors.Annotatef(err, "firmware open path=%s", path)
	}
	defer f.Close()

	h := md5.New()
	buf := make([]byte, ChecksumBlockSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			_, _ = h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", errors.Annotatef(err, "firmware read path=%s", path)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
