// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package voomfit

import (
	"bufio"
	"io"
	"os"
	"strings"
	"sync"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	"git.arvados.org/arvados.git/sdk/go/arvadosclient"
	"git.arvados.org/arvados.git/sdk/go/keepclient"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	log "github.com/sirupsen/logrus"
)

var (
	arvadosClientFromEnv = arvados.NewClientFromEnv()
	keepClient           *keepclient.KeepClient
	siteFS               arvados.CustomFileSystem
	siteFSMtx            sync.Mutex
)

type file interface {
	io.ReadCloser
	io.Seeker
}

// open returns a reader for fnm. Paths that name an Arvados
// collection are read through the Keep client when ARVADOS_API_HOST
// is set, instead of relying on a FUSE mount.
func open(fnm string) (file, error) {
	if os.Getenv("ARVADOS_API_HOST") == "" {
		return os.Open(fnm)
	}
	m := collectionInPathRe.FindStringSubmatch(fnm)
	if m == nil {
		return os.Open(fnm)
	}
	collectionID, collectionPath := m[2], m[3]

	siteFSMtx.Lock()
	defer siteFSMtx.Unlock()
	if siteFS == nil {
		log.Info("setting up Arvados client")
		ac, err := arvadosclient.New(arvadosClientFromEnv)
		if err != nil {
			return nil, err
		}
		ac.Client = arvados.DefaultSecureClient
		keepClient = keepclient.New(ac)
		keepClient.HTTPClient = arvados.DefaultSecureClient
		keepClient.BlockCache = &keepclient.BlockCache{MaxBlocks: 4}
		siteFS = arvadosClientFromEnv.SiteFileSystem(keepClient)
	} else {
		keepClient.BlockCache.MaxBlocks += 2
	}
	log.Infof("reading %q from %s using Arvados client", collectionPath, collectionID)
	f, err := siteFS.Open("by_id/" + collectionID + collectionPath)
	if err != nil {
		return nil, err
	}
	return &keepFile{file: f}, nil
}

// keepFile gives back its share of the block cache when closed.
type keepFile struct {
	file
	once sync.Once
}

func (kf *keepFile) Close() error {
	kf.once.Do(func() {
		siteFSMtx.Lock()
		keepClient.BlockCache.MaxBlocks -= 2
		siteFSMtx.Unlock()
	})
	return kf.file.Close()
}

// zopen is open plus transparent decompression of ".gz" and ".zst"
// files. "-" means stdin.
func zopen(fnm string, stdin io.Reader) (io.ReadCloser, error) {
	if fnm == "-" {
		return io.NopCloser(stdin), nil
	}
	f, err := open(fnm)
	if err != nil {
		return nil, err
	}
	switch {
	case strings.HasSuffix(fnm, ".gz"):
		rdr, err := pgzip.NewReader(bufio.NewReaderSize(f, 4*1024*1024))
		if err != nil {
			f.Close()
			return nil, err
		}
		return multiCloser{rdr, f}, nil
	case strings.HasSuffix(fnm, ".zst"):
		dec, err := zstd.NewReader(bufio.NewReaderSize(f, 4*1024*1024))
		if err != nil {
			f.Close()
			return nil, err
		}
		return multiCloser{dec.IOReadCloser(), f}, nil
	default:
		return f, nil
	}
}

// trimCompressionSuffix returns fnm without a trailing ".gz" or
// ".zst".
func trimCompressionSuffix(fnm string) string {
	for _, sfx := range []string{".gz", ".zst"} {
		if strings.HasSuffix(fnm, sfx) {
			return strings.TrimSuffix(fnm, sfx)
		}
	}
	return fnm
}

// multiCloser reads from a decompressor and closes both the
// decompressor and the underlying file.
type multiCloser struct {
	io.ReadCloser
	io.Closer
}

func (mc multiCloser) Close() error {
	e1 := mc.ReadCloser.Close()
	e2 := mc.Closer.Close()
	if e1 != nil {
		return e1
	}
	return e2
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
