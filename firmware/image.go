// Package firmware loads an update image and splits it into addressed chunks.
package firmware

import (
	"io/ioutil"
	"os"

	"github.com/juju/errors"
)

// Image is immutable after Load.
type Image struct {
	Path     string
	Checksum string // lowercase hex MD5
	data     []byte
}

func Load(path string) (*Image, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFoundf("firmware path=%s", path)
		}
		return nil, errors.Annotatef(err, "firmware stat path=%s", path)
	}
	if fi.IsDir() {
		return nil, errors.NotValidf("firmware path=%s is directory", path)
	}
	sum, err := Checksum(path)
	if err != nil {
		return nil, err
	}
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "firmware read path=%s", path)
	}
	if int64(len(b)) != fi.Size() {
		return nil, errors.Errorf("firmware path=%s changed while loading", path)
	}
	return &Image{Path: path, Checksum: sum, data: b}, nil
}

func (self *Image) Size() int { return len(self.data) }
