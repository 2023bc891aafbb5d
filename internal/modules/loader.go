// Package modules fetches workload module layers from OCI registries ahead
// of container construction and caches them on the host by digest.
package modules

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/buildkite/sandboxshim/internal/engine"
	"github.com/buildkite/sandboxshim/internal/ociref"
	"github.com/buildkite/sandboxshim/internal/paths"
	"github.com/charmbracelet/log"
	"github.com/containerd/platforms"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sync/singleflight"
)

// Annotations containerd and the CRI plugin use for the source image.
const (
	AnnotationImageName    = "io.containerd.image.name"
	AnnotationCRIImageName = "io.kubernetes.cri.image-name"
)

var ErrNoImageRef = errors.New("bundle has no image annotation")

type Options struct {
	CacheDir           string
	MetadataDBPath     string
	InsecureRegistries []string
	FetchTimeout       time.Duration
	Now                func() time.Time
	Logger             *log.Logger

	FetchImage func(context.Context, ociref.Reference) (v1.Image, error)
}

type Loader struct {
	cacheDir string
	store    *store
	insecure map[string]bool
	timeout  time.Duration
	now      func() time.Time
	logger   *log.Logger
	fetch    func(context.Context, ociref.Reference) (v1.Image, error)

	group singleflight.Group
}

type loadResult struct {
	modules  []engine.Module
	platform engine.Platform
}

func New(ctx context.Context, opts Options) (*Loader, error) {
	cacheDir := strings.TrimSpace(opts.CacheDir)
	if cacheDir == "" {
		var err error
		cacheDir, err = paths.ModuleCacheDir()
		if err != nil {
			return nil, fmt.Errorf("resolve module cache directory: %w", err)
		}
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create module cache directory %q: %w", cacheDir, err)
	}

	metadataDBPath := strings.TrimSpace(opts.MetadataDBPath)
	if metadataDBPath == "" {
		var err error
		metadataDBPath, err = paths.ModuleMetadataDBPath()
		if err != nil {
			return nil, fmt.Errorf("resolve module metadata database path: %w", err)
		}
	}
	st, err := openStore(ctx, metadataDBPath)
	if err != nil {
		return nil, err
	}

	l := &Loader{
		cacheDir: cacheDir,
		store:    st,
		insecure: map[string]bool{},
		timeout:  opts.FetchTimeout,
		now:      opts.Now,
		logger:   opts.Logger,
		fetch:    opts.FetchImage,
	}
	for _, registry := range opts.InsecureRegistries {
		l.insecure[strings.TrimSpace(registry)] = true
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.logger == nil {
		l.logger = log.Default()
	}
	l.logger = l.logger.With("subsystem", "modules")
	if l.fetch == nil {
		l.fetch = fetchRemote
	}
	return l, nil
}

func (l *Loader) Close() error {
	return l.store.Close()
}

func (l *Loader) List(ctx context.Context) ([]Record, error) {
	return l.store.List(ctx)
}

// ImageRef returns the image a bundle was created from.
func ImageRef(bundle string) (string, error) {
	data, err := os.ReadFile(filepath.Join(bundle, "config.json"))
	if err != nil {
		return "", fmt.Errorf("read bundle spec: %w", err)
	}
	var spec specs.Spec
	if err := jsonUnmarshal(data, &spec); err != nil {
		return "", fmt.Errorf("decode bundle spec: %w", err)
	}
	for _, key := range []string{AnnotationImageName, AnnotationCRIImageName} {
		if ref := strings.TrimSpace(spec.Annotations[key]); ref != "" {
			return ref, nil
		}
	}
	return "", ErrNoImageRef
}

// LoadModules resolves the modules of the image a bundle was created from.
func (l *Loader) LoadModules(ctx context.Context, bundle string, layerTypes []string) ([]engine.Module, engine.Platform, error) {
	ref, err := ImageRef(bundle)
	if err != nil {
		return nil, engine.Platform{}, err
	}
	return l.Load(ctx, ref, layerTypes)
}

// Load returns the layers of ref whose media type is in layerTypes, in
// manifest order. Concurrent loads of the same image share one fetch.
func (l *Loader) Load(ctx context.Context, rawRef string, layerTypes []string) ([]engine.Module, engine.Platform, error) {
	ref, err := ociref.Parse(rawRef, l.insecure[ociref.RegistryHost(rawRef)])
	if err != nil {
		return nil, engine.Platform{}, err
	}

	key := ref.Original + "\x00" + strings.Join(layerTypes, ",")
	v, err, shared := l.group.Do(key, func() (any, error) {
		return l.ensure(ctx, ref, layerTypes)
	})
	if err != nil {
		return nil, engine.Platform{}, err
	}
	res := v.(loadResult)
	l.logger.Debug("modules resolved", "ref", ref.Original, "count", len(res.modules), "shared", shared)
	return slices.Clone(res.modules), res.platform, nil
}

func (l *Loader) ensure(ctx context.Context, ref ociref.Reference, layerTypes []string) (loadResult, error) {
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}
	now := l.now().UTC()

	if ref.Pinned() {
		if res, ok, err := l.cached(ctx, ref, ref.Digest.String(), layerTypes, now); err != nil || ok {
			return res, err
		}
	}

	img, err := l.fetch(ctx, ref)
	if err != nil {
		return loadResult{}, err
	}
	imageDigest, err := img.Digest()
	if err != nil {
		return loadResult{}, fmt.Errorf("digest image %q: %w", ref.Original, err)
	}
	if res, ok, err := l.cached(ctx, ref, imageDigest.String(), layerTypes, now); err != nil || ok {
		return res, err
	}

	cfg, err := img.ConfigFile()
	if err != nil {
		return loadResult{}, fmt.Errorf("read config for %q: %w", ref.Original, err)
	}
	platform := engine.Platform{
		OS:           cfg.OS,
		Architecture: cfg.Architecture,
		Variant:      cfg.Variant,
		OSVersion:    cfg.OSVersion,
	}
	manifest, err := img.Manifest()
	if err != nil {
		return loadResult{}, fmt.Errorf("read manifest for %q: %w", ref.Original, err)
	}

	res := loadResult{platform: platform}
	for position, desc := range manifest.Layers {
		if !slices.Contains(layerTypes, string(desc.MediaType)) {
			continue
		}
		record, err := l.storeLayer(ctx, img, desc)
		if err != nil {
			return loadResult{}, err
		}
		record.ImageDigest = imageDigest.String()
		record.Position = position
		record.Ref = ref.Original
		record.Platform = platform
		record.CreatedAt = now
		record.LastUsedAt = now
		if err := l.store.upsert(ctx, record); err != nil {
			return loadResult{}, err
		}
		res.modules = append(res.modules, record.Module())
	}
	l.logger.Info("fetched modules", "ref", ref.Original, "image", imageDigest.String(), "count", len(res.modules), "platform", platforms.Format(platform))
	return res, nil
}

// cached returns the stored modules of an image when every blob is still on
// disk. Stale rows are dropped.
func (l *Loader) cached(ctx context.Context, ref ociref.Reference, imageDigest string, layerTypes []string, now time.Time) (loadResult, bool, error) {
	records, err := l.store.byImage(ctx, imageDigest)
	if err != nil {
		return loadResult{}, false, err
	}

	res := loadResult{}
	for _, record := range records {
		if !slices.Contains(layerTypes, record.MediaType) {
			continue
		}
		if _, err := os.Stat(record.Path); err != nil {
			if !os.IsNotExist(err) {
				return loadResult{}, false, fmt.Errorf("stat cached module %q: %w", record.Path, err)
			}
			return loadResult{}, false, l.store.deleteImage(ctx, imageDigest)
		}
		res.platform = record.Platform
		res.modules = append(res.modules, record.Module())
	}
	if len(res.modules) == 0 {
		return loadResult{}, false, nil
	}
	if err := l.store.touch(ctx, imageDigest, ref.Original, now); err != nil {
		return loadResult{}, false, err
	}
	return res, true, nil
}

func (l *Loader) storeLayer(ctx context.Context, img v1.Image, desc v1.Descriptor) (Record, error) {
	d, err := digest.Parse(desc.Digest.String())
	if err != nil {
		return Record{}, fmt.Errorf("layer digest %q: %w", desc.Digest, err)
	}
	record := Record{Digest: d, MediaType: string(desc.MediaType), SizeBytes: desc.Size}

	if path, found, err := l.store.blobPath(ctx, d); err != nil {
		return Record{}, err
	} else if found {
		if info, statErr := os.Stat(path); statErr == nil {
			record.Path = path
			record.SizeBytes = info.Size()
			return record, nil
		}
	}

	layer, err := img.LayerByDigest(desc.Digest)
	if err != nil {
		return Record{}, fmt.Errorf("open layer %s: %w", d, err)
	}
	// Module layers are stored uncompressed, so the blob is the module.
	rc, err := layer.Compressed()
	if err != nil {
		return Record{}, fmt.Errorf("read layer %s: %w", d, err)
	}
	defer rc.Close()

	path, size, err := writeBlob(l.cacheDir, d, rc)
	if err != nil {
		return Record{}, err
	}
	record.Path = path
	record.SizeBytes = size
	return record, nil
}

// writeBlob copies r into the cache, verifying it against d before the blob
// becomes visible.
func writeBlob(cacheDir string, d digest.Digest, r io.Reader) (string, int64, error) {
	dir := filepath.Join(cacheDir, d.Algorithm().String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("create module blob directory: %w", err)
	}
	outputPath := filepath.Join(dir, d.Encoded())

	tmpFile, err := os.CreateTemp(dir, d.Encoded()+".tmp-*")
	if err != nil {
		return "", 0, fmt.Errorf("create temporary module blob for %s: %w", d, err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath)

	verifier := d.Verifier()
	size, err := io.Copy(io.MultiWriter(tmpFile, verifier), r)
	closeErr := tmpFile.Close()
	if err != nil {
		return "", 0, fmt.Errorf("write module blob %s: %w", d, err)
	}
	if closeErr != nil {
		return "", 0, fmt.Errorf("close module blob %s: %w", d, closeErr)
	}
	if !verifier.Verified() {
		return "", 0, fmt.Errorf("module blob does not match digest %s", d)
	}
	if err := os.Rename(tmpPath, outputPath); err != nil {
		return "", 0, fmt.Errorf("move module blob to cache %q: %w", outputPath, err)
	}
	return outputPath, size, nil
}
