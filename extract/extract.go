// Package extract implements the core API (spec §6): listing the
// images in a dyld shared cache and extracting one of them into a
// standalone, loadable Mach-O write program. It owns phase ordering
// only; every phase's actual logic lives in its own package
// (slideinfo, linkedit, stubfix, objcfix, rebasegen, layout).
package extract

import (
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/blacktop/go-dyldextractor/dyldcache"
	"github.com/blacktop/go-dyldextractor/layout"
	"github.com/blacktop/go-dyldextractor/linkedit"
	"github.com/blacktop/go-dyldextractor/logx"
	"github.com/blacktop/go-dyldextractor/machoimage"
	"github.com/blacktop/go-dyldextractor/objcfix"
	"github.com/blacktop/go-dyldextractor/ptrtracker"
	"github.com/blacktop/go-dyldextractor/rebasegen"
	"github.com/blacktop/go-dyldextractor/slideinfo"
	"github.com/blacktop/go-dyldextractor/stubfix"
	"github.com/blacktop/go-dyldextractor/xerr"
)

// Config selects which of the six fixup/layout phases run. All
// default true; the CLI layer maps flags onto this struct, but the
// phase order itself is always fixed regardless of which are enabled.
type Config struct {
	FixSlide         bool
	OptimizeLinkedit bool
	FixStubs         bool
	FixObjC          bool
	GenerateRebase   bool
	LayoutOffsets    bool
}

// DefaultConfig runs every phase, the core's documented default.
func DefaultConfig() Config {
	return Config{
		FixSlide:         true,
		OptimizeLinkedit: true,
		FixStubs:         true,
		FixObjC:          true,
		GenerateRebase:   true,
		LayoutOffsets:    true,
	}
}

// ImageRef is one entry of a cache's image table, addressed by its
// position for ExtractImage.
type ImageRef struct {
	Index int
	Name  string
	Path  string
}

// ListImages returns every image in the cache in on-disk order. Path
// mirrors Name: dyld shared cache image table entries carry no
// separate install-name/on-disk-path distinction the way a load
// command's LC_ID_DYLIB does.
func ListImages(cache *dyldcache.Cache) []ImageRef {
	out := make([]ImageRef, len(cache.Images))
	for i, img := range cache.Images {
		out[i] = ImageRef{Index: i, Name: img.Name, Path: img.Name}
	}
	return out
}

// FilterImages returns the subset of ListImages(cache) whose name
// contains term (case-insensitive substring), for the CLI's
// `--filter`.
func FilterImages(cache *dyldcache.Cache, term string) []ImageRef {
	all := ListImages(cache)
	if term == "" {
		return all
	}
	term = strings.ToLower(term)
	out := all[:0]
	for _, r := range all {
		if strings.Contains(strings.ToLower(r.Name), term) {
			out = append(out, r)
		}
	}
	return out
}

// FindImage looks an image up by exact name or path suffix, the way
// `dyldex -f <framework>` resolves its argument.
func FindImage(cache *dyldcache.Cache, name string) (ImageRef, bool) {
	for _, r := range ListImages(cache) {
		if r.Name == name || strings.HasSuffix(r.Name, "/"+name) {
			return r, true
		}
	}
	return ImageRef{}, false
}

// ExtractImage runs the fixed-order pipeline over one cache image and
// returns the write program the caller uses to produce a standalone
// Mach-O file. Phases disabled in cfg are skipped; a failure in the
// slide-info, LINKEDIT, stub or ObjC phase is logged and the pipeline
// continues with whatever that phase's partial state leaves in the
// image. A failure to parse the image, build the pointer slider, or
// lay out the segments is returned as an error.
func ExtractImage(cache *dyldcache.Cache, index int, cfg Config, log logx.Logger, status logx.Status) (*layout.Plan, error) {
	if index < 0 || index >= len(cache.Images) {
		return nil, errors.Wrapf(xerr.ErrContainerParse, "image index %d out of range (0..%d)", index, len(cache.Images)-1)
	}
	if status == nil {
		status = logx.NopStatus{}
	}
	entry := cache.Images[index]

	sf, fileOffset, err := cache.Resolve(entry.Address)
	if err != nil {
		return nil, errors.Wrapf(xerr.ErrContainerParse, "resolving %s: %s", entry.Name, err.Error())
	}
	img, err := machoimage.Parse(cache, sf, fileOffset)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s", entry.Name)
	}

	tracker := ptrtracker.New()

	var slider *slideinfo.PointerSlider
	if cfg.FixSlide || cfg.FixStubs || cfg.FixObjC {
		slider, err = slideinfo.NewPointerSlider(cache)
		if err != nil {
			return nil, errors.Wrap(err, "building pointer slider")
		}
	}

	status.Update("extract", "fixing slide info")
	if cfg.FixSlide {
		slides, err := slideinfo.CollectMappingSlides(cache)
		if err != nil {
			log.Errorf("slideinfo: %v", err)
		} else if err := slideinfo.Rebase(img, slides, tracker, log); err != nil {
			log.Errorf("slideinfo: %v", err)
		}
	}

	status.Update("extract", "optimizing linkedit")
	var linkeditResult *linkedit.Result
	if cfg.OptimizeLinkedit {
		linkeditResult, err = linkedit.Optimize(img, cache, log)
		if err != nil {
			log.Errorf("linkedit: %v", err)
		}
	}

	status.Update("extract", "fixing stubs")
	if cfg.FixStubs && linkeditResult != nil {
		if err := stubfix.Fix(img, cache, slider, tracker, linkeditResult, log, status); err != nil {
			log.Errorf("stubfix: %v", err)
		}
	}

	status.Update("extract", "fixing objc")
	if cfg.FixObjC {
		if err := objcfix.Fix(img, cache, slider, tracker, log, status); err != nil {
			log.Errorf("objcfix: %v", err)
		}
	}

	var newRebase []byte
	status.Update("extract", "generating rebase info")
	if cfg.GenerateRebase {
		newRebase = rebasegen.Generate(img, tracker)
	}

	if !cfg.LayoutOffsets {
		return nil, nil
	}

	status.Update("extract", "laying out segments")
	in := &layout.Input{Optimized: linkeditResult, NewRebase: newRebase}
	if in.Optimized == nil {
		in.Optimized, err = linkedit.Optimize(img, cache, log)
		if err != nil {
			return nil, errors.Wrap(err, "linkedit (fallback for layout)")
		}
	}
	plan, err := layout.Layout(img, cache, in, log)
	if err != nil {
		return nil, errors.Wrapf(err, "laying out %s", entry.Name)
	}
	return plan, nil
}

// SortedImages is a small helper for the CLI's `-l` table, which wants
// a stable, alphabetic listing regardless of image-table order.
func SortedImages(refs []ImageRef) []ImageRef {
	out := append([]ImageRef(nil), refs...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
