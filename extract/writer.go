package extract

import (
	"os"

	"github.com/pkg/errors"

	"github.com/blacktop/go-dyldextractor/layout"
	"github.com/blacktop/go-dyldextractor/xerr"
)

// WritePlan materializes a layout.Plan to a new file at path: the
// header/load-commands at offset 0, then every write procedure at its
// destination offset. The writer never reorders or merges procedures;
// each is a direct positioned write, matching how the rest of the
// core treats a Mach-O file as a flat byte space addressed by offset.
func WritePlan(path string, plan *layout.Plan) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrap(xerr.ErrContainerParse, err.Error())
	}
	defer f.Close()

	if _, err := f.WriteAt(plan.Header, 0); err != nil {
		return errors.Wrap(xerr.ErrContainerParse, err.Error())
	}
	for _, proc := range plan.Procedures {
		if _, err := f.WriteAt(proc.Data, int64(proc.DestOffset)); err != nil {
			return errors.Wrap(xerr.ErrContainerParse, err.Error())
		}
	}
	return nil
}
