package toolchain

import (
	"context"
	"io"

	"go.uber.org/zap"

	"github.com/Norgate-AV/sbfbuild/internal/cache"
	"github.com/Norgate-AV/sbfbuild/internal/codes"
)

// acquireAttempts bounds how often Acquire re-provisions an entry pruned
// between install and the shared lock being taken
const acquireAttempts = 3

// Fetcher retrieves a verified toolchain archive
type Fetcher interface {
	Fetch(ctx context.Context, spec Spec) (io.ReadCloser, error)
}

// Provisioner makes sure a resolved toolchain is installed, fetching it only on a cache miss
type Provisioner struct {
	Store   *cache.Store
	Fetcher Fetcher
	// Offline turns a cache miss into a NotFound error instead of a download
	Offline bool
	Log     *zap.Logger
}

// Ensure returns the installed entry for spec. Installs of the same version
// are serialised on the store's per-version lock; a process that waited for
// the lock observes the other's completed install and does not fetch again.
func (p *Provisioner) Ensure(ctx context.Context, spec Spec) (cache.Entry, error) {
	log := p.logger().With(zap.String("version", spec.Version), zap.String("platform", spec.Platform))

	if entry, ok := p.Store.Lookup(spec.Version, spec.Platform); ok {
		log.Debug("toolchain cached", zap.String("path", entry.Path))
		p.Store.Touch(entry)
		return entry, nil
	}

	lock, err := p.Store.Lock(ctx, spec.Version, spec.Platform)
	if err != nil {
		return cache.Entry{}, err
	}
	defer lock.Unlock()

	if entry, ok := p.Store.Lookup(spec.Version, spec.Platform); ok {
		log.Debug("toolchain installed by another process", zap.String("path", entry.Path))
		p.Store.Touch(entry)
		return entry, nil
	}

	if p.Offline {
		return cache.Entry{}, codes.Errorf(codes.KindNotFound, "resolve",
			"toolchain %s for %s is not installed and offline mode is enabled", spec.Version, spec.Platform)
	}

	if p.Fetcher == nil {
		return cache.Entry{}, codes.Errorf(codes.KindNotFound, "resolve", "toolchain %s is not installed", spec.Version)
	}

	log.Info("fetching toolchain", zap.String("url", spec.URL()))

	archive, err := p.Fetcher.Fetch(ctx, spec)
	if err != nil {
		return cache.Entry{}, err
	}
	defer archive.Close()

	log.Info("installing toolchain", zap.String("path", p.Store.Path(spec.Version, spec.Platform)))

	entry, err := p.Store.Install(ctx, spec.Version, spec.Platform, archive)
	if err != nil {
		return cache.Entry{}, err
	}

	if err := (Layout{Root: entry.Path}).Validate(); err != nil {
		log.Warn("installed toolchain is missing expected tools", zap.Error(err))
	}

	return entry, nil
}

// Acquire ensures spec is installed and takes a shared lock on it so a
// concurrent prune leaves it alone until the lock is released
func (p *Provisioner) Acquire(ctx context.Context, spec Spec) (cache.Entry, *cache.FileLock, error) {
	for attempt := 0; attempt < acquireAttempts; attempt++ {
		entry, err := p.Ensure(ctx, spec)
		if err != nil {
			return cache.Entry{}, nil, err
		}

		lock, err := p.Store.Acquire(ctx, entry)
		if err != nil {
			return cache.Entry{}, nil, err
		}

		if p.Store.Has(spec.Version, spec.Platform) {
			return entry, lock, nil
		}

		_ = lock.Unlock()
		p.logger().Debug("toolchain pruned before it could be locked, retrying", zap.String("version", spec.Version))
	}

	return cache.Entry{}, nil, codes.Errorf(codes.KindIO, "resolve", "toolchain %s kept disappearing from the cache", spec.Version)
}

func (p *Provisioner) logger() *zap.Logger {
	if p.Log == nil {
		return zap.NewNop()
	}

	return p.Log
}
