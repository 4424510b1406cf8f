package cmd

import (
	"io"

	"go.uber.org/zap"

	"github.com/Norgate-AV/sbfbuild/internal/cache"
	"github.com/Norgate-AV/sbfbuild/internal/config"
	"github.com/Norgate-AV/sbfbuild/internal/fetch"
	"github.com/Norgate-AV/sbfbuild/internal/toolchain"
)

// session holds what every command needs once configuration is loaded
type session struct {
	cfg      *config.Config
	log      *zap.Logger
	store    *cache.Store
	platform string
	ui       printer
	stderr   io.Writer
}

func newSession(cfg *config.Config, log *zap.Logger, stderr io.Writer) (*session, error) {
	store, err := cache.New(cfg.CacheDir, log)
	if err != nil {
		return nil, err
	}

	platform, err := toolchain.HostPlatform()
	if err != nil {
		return nil, err
	}

	return &session{
		cfg:      cfg,
		log:      log,
		store:    store,
		platform: platform,
		ui:       printer{w: stderr, silent: cfg.Silent},
		stderr:   stderr,
	}, nil
}

func (s *session) resolver() *toolchain.Resolver {
	return &toolchain.Resolver{
		Platform:    s.platform,
		URLTemplate: s.cfg.ToolsURL,
		Checksums:   s.cfg.Checksums,
		Checksum:    s.cfg.ToolsChecksum,
	}
}

func (s *session) provisioner() *toolchain.Provisioner {
	fetcher := fetch.New(s.store.DownloadDir(), s.log)
	if !s.cfg.Silent && fetch.Interactive(s.stderr) {
		fetcher.Progress = s.stderr
	}

	return &toolchain.Provisioner{
		Store:   s.store,
		Fetcher: fetcher,
		Offline: s.cfg.Offline,
		Log:     s.log,
	}
}
