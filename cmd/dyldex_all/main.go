// Command dyldex_all extracts every image in a dyld shared cache into
// a mirrored directory tree of standalone Mach-O files, in parallel
// across a fixed worker pool.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/vbauerster/mpb/v7"
	"github.com/vbauerster/mpb/v7/decor"

	"github.com/blacktop/go-dyldextractor/dyldcache"
	"github.com/blacktop/go-dyldextractor/extract"
)

var rootCmd = &cobra.Command{
	Use:           "dyldex_all <cache> [-o dir] [-j jobs] [-v 0-3]",
	Short:         "Extract every image in a dyld shared cache",
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.Flags().StringP("output", "o", "", "output directory (default: ./extracted)")
	rootCmd.Flags().IntP("jobs", "j", runtime.NumCPU(), "number of images to extract concurrently")
	rootCmd.Flags().IntP("verbose", "v", 1, "log verbosity: 0=error 1=info 2-3=debug")
	viper.BindPFlags(rootCmd.Flags())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	switch verbosity := viper.GetInt("verbose"); {
	case verbosity <= 0:
		log.SetLevel(log.ErrorLevel)
	case verbosity == 1:
		log.SetLevel(log.InfoLevel)
	default:
		log.SetLevel(log.DebugLevel)
	}

	cachePath := filepath.Clean(args[0])
	cache, err := dyldcache.Open(cachePath)
	if err != nil {
		return errors.Wrapf(err, "opening %s", cachePath)
	}
	defer cache.Close()

	outDir := viper.GetString("output")
	if outDir == "" {
		outDir = "extracted"
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return errors.Wrapf(err, "creating %s", outDir)
	}

	jobs := viper.GetInt("jobs")
	if jobs < 1 {
		jobs = 1
	}

	images := extract.ListImages(cache)
	log.Infof("Extracting %d images from %s", len(images), cachePath)

	p := mpb.New(mpb.WithWidth(80))
	bar := p.New(int64(len(images)),
		mpb.BarStyle().Lbound("[").Filler("=").Tip(">").Padding("-").Rbound("|"),
		mpb.PrependDecorators(decor.Name("extracting", decor.WC{W: 12})),
		mpb.AppendDecorators(
			decor.OnComplete(decor.AverageETA(decor.ET_STYLE_GO, decor.WC{W: 4}), "done"),
			decor.Name(" "),
			decor.CountersNoUnit("%d/%d"),
		),
	)

	sem := make(chan struct{}, jobs)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var failures []string

	for _, ref := range images {
		ref := ref
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			defer bar.Increment()

			if err := extractOne(cache, ref, outDir); err != nil {
				mu.Lock()
				failures = append(failures, fmt.Sprintf("%s: %v", ref.Name, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	p.Wait()

	for _, f := range failures {
		log.Errorf("%s", f)
	}
	if len(failures) > 0 {
		return fmt.Errorf("%d of %d images failed to extract", len(failures), len(images))
	}
	return nil
}

func extractOne(cache *dyldcache.Cache, ref extract.ImageRef, outDir string) error {
	entry := log.WithField("image", ref.Name)

	plan, err := extract.ExtractImage(cache, ref.Index, extract.DefaultConfig(), entry, nil)
	if err != nil {
		return err
	}

	fname := filepath.Join(outDir, ref.Name)
	if err := os.MkdirAll(filepath.Dir(fname), 0o755); err != nil {
		return err
	}
	return extract.WritePlan(fname, plan)
}
