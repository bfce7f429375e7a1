package engine

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Save writes the design and testbench into dir, creating it if needed.
// The simulator later writes its result artifact and trace there too.
func (o *Output) Save(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "failed to create output directory %s", dir)
	}

	files := []struct {
		name string
		text string
	}{
		{DesignFile, o.Design},
		{TestBenchFile, o.TestBench},
	}
	for _, f := range files {
		p := filepath.Join(dir, f.name)
		if err := os.WriteFile(p, []byte(f.text), 0644); err != nil {
			return errors.Wrapf(err, "failed to write %s", p)
		}
	}
	return nil
}

// ReadResults opens and parses a result artifact.
func ReadResults(path string) (*Results, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open results")
	}
	defer f.Close()

	res, err := ParseResults(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", path)
	}
	return res, nil
}
