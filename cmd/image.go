package cmd

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"mycelica/hypha/internal/entity"
	"mycelica/hypha/internal/imagecache"
	"mycelica/hypha/internal/orchestrate"
)

var imageOut string

var imageCmd = &cobra.Command{
	Use:   "image <perm-id|text>...",
	Short: "Download entity images",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.Close()

		if imageOut != "" && len(args) > 1 {
			return fmt.Errorf("--output takes a single entity, got %d", len(args))
		}

		loader, err := newImageLoader(ctx, a)
		if err != nil {
			return err
		}
		defer loader.Close()

		for _, arg := range args {
			e, err := ResolveEntity(ctx, a.manager, arg)
			if err != nil {
				return err
			}
			img, err := loader.Get(ctx, e)
			if err != nil {
				return fmt.Errorf("%s: %w", e.PermID, err)
			}
			target := imageOut
			if target == "" {
				target = imageFileName(e.PermID, img.URL, img.ContentType)
			}
			if err := os.WriteFile(target, img.Data, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s (%s, %s)\n",
				e.PermID, target, img.ContentType, humanize.Bytes(uint64(len(img.Data))))
		}
		return nil
	},
}

// imageFileName names a download after the entity, keeping the URL's
// extension or deriving one from the content type.
func imageFileName(permID, url, contentType string) string {
	ext := path.Ext(path.Base(url))
	if ext == "" || len(ext) > 5 {
		ext = ""
		if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
			ext = exts[0]
		}
	}
	return fileStem(permID) + ext
}

// fileStem turns a server-supplied permId into a name that stays inside
// the current directory.
func fileStem(permID string) string {
	stem := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, permID)
	stem = strings.TrimLeft(stem, ".")
	if stem == "" {
		return "image"
	}
	return stem
}

type entityLookup interface {
	Entity(ctx context.Context, permID string) (*entity.Entity, error)
}

type imageSource interface {
	Get(ctx context.Context, e *entity.Entity) (orchestrate.Image, error)
}

// imageHandler serves GET /images/<perm-id> from images.
func imageHandler(entities entityLookup, images imageSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		permID := strings.TrimPrefix(r.URL.Path, "/images/")
		if permID == "" || strings.Contains(permID, "/") {
			http.NotFound(w, r)
			return
		}
		e, err := entities.Entity(r.Context(), permID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if e == nil {
			http.NotFound(w, r)
			return
		}
		img, err := images.Get(r.Context(), e)
		switch {
		case errors.Is(err, orchestrate.ErrNoImage):
			http.NotFound(w, r)
			return
		case err != nil:
			http.Error(w, describeError(err), http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", img.ContentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(img.Data)))
		_, _ = w.Write(img.Data)
	}
}

func newImageLoader(ctx context.Context, a *app) (*imagecache.Loader, error) {
	icfg := imagecache.DefaultConfig()
	icfg.MaxSizeMB = a.cfg.ImageCacheMB
	return imagecache.New(ctx, a.manager, icfg, a.logger)
}

func init() {
	imageCmd.Flags().StringVarP(&imageOut, "output", "o", "", "Write the image to this file")
	rootCmd.AddCommand(imageCmd)
}
