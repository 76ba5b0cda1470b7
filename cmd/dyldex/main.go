// Command dyldex extracts a single dylib or framework out of a dyld
// shared cache as a standalone, loadable Mach-O file, or lists the
// cache's images.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/apex/log"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/blacktop/go-dyldextractor/dyldcache"
	"github.com/blacktop/go-dyldextractor/extract"
)

var rootCmd = &cobra.Command{
	Use:           "dyldex <cache> [-f framework] [-o path] [-l [--filter term]] [-v 0-3]",
	Short:         "Extract a dylib from a dyld shared cache",
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.Flags().StringP("framework", "f", "", "dylib/framework to extract")
	rootCmd.Flags().StringP("output", "o", "", "output file path (default: ./<basename>)")
	rootCmd.Flags().BoolP("list", "l", false, "list every image in the cache")
	rootCmd.Flags().String("filter", "", "substring filter for --list")
	rootCmd.Flags().IntP("verbose", "v", 1, "log verbosity: 0=error 1=info 2-3=debug")
	viper.BindPFlags(rootCmd.Flags())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func setLogLevel(verbosity int) {
	switch {
	case verbosity <= 0:
		log.SetLevel(log.ErrorLevel)
	case verbosity == 1:
		log.SetLevel(log.InfoLevel)
	default:
		log.SetLevel(log.DebugLevel)
	}
}

func run(cmd *cobra.Command, args []string) error {
	setLogLevel(viper.GetInt("verbose"))

	cachePath := filepath.Clean(args[0])
	cache, err := dyldcache.Open(cachePath)
	if err != nil {
		return errors.Wrapf(err, "opening %s", cachePath)
	}
	defer cache.Close()

	if viper.GetBool("list") {
		return listImages(cache, viper.GetString("filter"))
	}

	framework := viper.GetString("framework")
	if framework == "" {
		return fmt.Errorf("must specify -f/--framework, or -l to list images")
	}

	ref, ok := extract.FindImage(cache, framework)
	if !ok {
		return fmt.Errorf("image %q not found in cache", framework)
	}

	entry := log.WithField("image", ref.Name)

	plan, err := extract.ExtractImage(cache, ref.Index, extract.DefaultConfig(), entry, nil)
	if err != nil {
		return errors.Wrapf(err, "extracting %s", ref.Name)
	}

	out := viper.GetString("output")
	if out == "" {
		out = filepath.Base(ref.Name)
	}
	if err := extract.WritePlan(out, plan); err != nil {
		return errors.Wrapf(err, "writing %s", out)
	}

	log.Infof("Created %s", out)
	return nil
}

func listImages(cache *dyldcache.Cache, filter string) error {
	refs := extract.SortedImages(extract.FilterImages(cache, filter))

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Index", "Name"})
	table.SetAutoWrapText(false)
	for _, r := range refs {
		table.Append([]string{fmt.Sprintf("%d", r.Index), r.Name})
	}
	table.Render()
	return nil
}
