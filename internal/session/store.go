// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Startline Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package session implementa os session packs do relay: gravação JSONL,
// catálogo em disco, export, retenção e archive.
package session

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/nishisan-dev/startline-relay/internal/logging"
	"github.com/nishisan-dev/startline-relay/internal/wire"
)

const (
	packExt   = ".jsonl"
	sealedExt = ".jsonl.zst"
	partExt   = ".jsonl.part"
)

var (
	// ErrNotFound indica que não existe pack para o session id.
	ErrNotFound = errors.New("session pack not found")
	// ErrExists indica que já existe pack para o session id.
	ErrExists = errors.New("session pack already exists")
)

// PackInfo descreve um pack no catálogo.
type PackInfo struct {
	SessionID  string `json:"session_id"`
	SizeBytes  int64  `json:"size_bytes"`
	ModifiedMs int64  `json:"modified_ms"`
	Sealed     bool   `json:"sealed"`
	Path       string `json:"-"`
}

// Store é o catálogo de packs em um diretório. Escrita de novos packs passa
// pelo Recorder; o Store cuida de listagem, leitura, selagem e remoção.
type Store struct {
	dir string

	mu    sync.Mutex
	stats map[string]cachedStats
}

// NewStore abre (criando se preciso) o diretório de packs.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating packs directory: %w", err)
	}
	return &Store{dir: dir, stats: map[string]cachedStats{}}, nil
}

// Dir retorna o diretório do catálogo.
func (s *Store) Dir() string { return s.dir }

// LogDir retorna o diretório dos logs por sessão, dentro do catálogo.
func (s *Store) LogDir() string { return filepath.Join(s.dir, "logs") }

// List retorna os packs existentes, mais recentes primeiro. Arquivos .part
// (gravação em andamento) não aparecem no catálogo.
func (s *Store) List() ([]PackInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading packs directory: %w", err)
	}

	var packs []PackInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, ok := packInfoFromName(e.Name())
		if !ok {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		info.SizeBytes = fi.Size()
		info.ModifiedMs = fi.ModTime().UnixMilli()
		info.Path = filepath.Join(s.dir, e.Name())
		packs = append(packs, info)
	}

	sort.Slice(packs, func(i, j int) bool { return packs[i].ModifiedMs > packs[j].ModifiedMs })
	return packs, nil
}

// Get retorna o PackInfo de um session id, ou ErrNotFound.
func (s *Store) Get(sessionID string) (PackInfo, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return PackInfo{}, err
	}

	for _, ext := range []string{packExt, sealedExt} {
		path := filepath.Join(s.dir, sessionID+ext)
		if err := validatePathInBaseDir(s.dir, path); err != nil {
			return PackInfo{}, err
		}
		fi, err := os.Stat(path)
		if err != nil {
			continue
		}
		return PackInfo{
			SessionID:  sessionID,
			SizeBytes:  fi.Size(),
			ModifiedMs: fi.ModTime().UnixMilli(),
			Sealed:     ext == sealedExt,
			Path:       path,
		}, nil
	}
	return PackInfo{}, ErrNotFound
}

// Exists responde se há pack (aberto ou selado) para o session id.
func (s *Store) Exists(sessionID string) bool {
	_, err := s.Get(sessionID)
	return err == nil
}

// Open abre o pack para leitura, descomprimindo de forma transparente quando
// o pack está selado.
func (s *Store) Open(sessionID string) (io.ReadCloser, error) {
	info, err := s.Get(sessionID)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(info.Path)
	if err != nil {
		return nil, fmt.Errorf("opening pack: %w", err)
	}
	if !info.Sealed {
		return f, nil
	}

	zr, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("opening sealed pack: %w", err)
	}
	return &zstdReadCloser{zr: zr, f: f}, nil
}

// Header lê a primeira linha (_meta) de um pack.
func (s *Store) Header(sessionID string) (wire.PackHeader, error) {
	rc, err := s.Open(sessionID)
	if err != nil {
		return wire.PackHeader{}, err
	}
	defer rc.Close()

	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	if !sc.Scan() {
		return wire.PackHeader{}, fmt.Errorf("pack %s is empty", sessionID)
	}

	var hdr wire.PackHeader
	if err := json.Unmarshal(sc.Bytes(), &hdr); err != nil {
		return wire.PackHeader{}, fmt.Errorf("parsing pack header: %w", err)
	}
	if !hdr.Meta {
		return wire.PackHeader{}, fmt.Errorf("pack %s has no _meta header", sessionID)
	}
	return hdr, nil
}

// PackStats é o resumo derivado do conteúdo de um pack.
type PackStats struct {
	DurationS    float64 `json:"duration_s"`
	MessageCount int     `json:"message_count"`
	AthleteCount int     `json:"athlete_count"`
}

// cachedStats amarra um PackStats ao (tamanho, mtime) do arquivo de origem.
type cachedStats struct {
	sizeBytes  int64
	modifiedMs int64
	stats      PackStats
}

// Stats varre o pack uma vez e deriva a duração (ts_ms da última linha),
// o total de mensagens e os atletas distintos vistos em position_updates.
// O resultado fica em cache enquanto tamanho e mtime do arquivo não mudam.
func (s *Store) Stats(sessionID string) (PackStats, error) {
	info, err := s.Get(sessionID)
	if err != nil {
		return PackStats{}, err
	}

	s.mu.Lock()
	if c, ok := s.stats[sessionID]; ok && c.sizeBytes == info.SizeBytes && c.modifiedMs == info.ModifiedMs {
		s.mu.Unlock()
		return c.stats, nil
	}
	s.mu.Unlock()

	rc, err := s.Open(sessionID)
	if err != nil {
		return PackStats{}, err
	}
	defer rc.Close()

	var (
		st       PackStats
		lastTsMs int64
		athletes = map[string]struct{}{}
	)
	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var env wire.RawEnvelope
		// Header _meta e linhas corrompidas ficam de fora da contagem.
		if err := json.Unmarshal(line, &env); err != nil || env.Type == "" {
			continue
		}
		st.MessageCount++
		if env.TsMs > lastTsMs {
			lastTsMs = env.TsMs
		}
		if env.Type == wire.TypePositionUpdate {
			var p wire.PositionUpdatePayload
			if err := json.Unmarshal(env.Payload, &p); err == nil {
				for _, pos := range p.Positions {
					athletes[pos.AthleteID] = struct{}{}
				}
			}
		}
	}
	if err := sc.Err(); err != nil {
		return PackStats{}, fmt.Errorf("scanning pack %s: %w", sessionID, err)
	}

	st.DurationS = float64(lastTsMs) / 1000.0
	st.AthleteCount = len(athletes)

	s.mu.Lock()
	s.stats[sessionID] = cachedStats{sizeBytes: info.SizeBytes, modifiedMs: info.ModifiedMs, stats: st}
	s.mu.Unlock()
	return st, nil
}

// Delete remove o pack, o log de sessão associado e o cache de stats.
func (s *Store) Delete(sessionID string) error {
	info, err := s.Get(sessionID)
	if err != nil {
		return err
	}
	if err := os.Remove(info.Path); err != nil {
		return fmt.Errorf("removing pack: %w", err)
	}
	logging.RemoveSessionLog(s.LogDir(), sessionID)

	s.mu.Lock()
	delete(s.stats, sessionID)
	s.mu.Unlock()
	return nil
}

// Seal comprime um pack aberto para .jsonl.zst e remove o original.
// Escrita em .tmp → rename, para nunca expor um pack selado parcial.
func (s *Store) Seal(sessionID string) (PackInfo, error) {
	info, err := s.Get(sessionID)
	if err != nil {
		return PackInfo{}, err
	}
	if info.Sealed {
		return info, nil
	}

	src, err := os.Open(info.Path)
	if err != nil {
		return PackInfo{}, fmt.Errorf("opening pack for sealing: %w", err)
	}
	defer src.Close()

	finalPath := filepath.Join(s.dir, sessionID+sealedExt)
	tmp, err := os.CreateTemp(s.dir, "seal-*.tmp")
	if err != nil {
		return PackInfo{}, fmt.Errorf("creating seal temp file: %w", err)
	}
	tmpPath := tmp.Name()

	zw, err := zstd.NewWriter(tmp)
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return PackInfo{}, fmt.Errorf("creating zstd writer: %w", err)
	}
	if _, err := io.Copy(zw, src); err != nil {
		zw.Close()
		tmp.Close()
		os.Remove(tmpPath)
		return PackInfo{}, fmt.Errorf("sealing pack: %w", err)
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return PackInfo{}, fmt.Errorf("finishing seal: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return PackInfo{}, fmt.Errorf("closing seal temp file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return PackInfo{}, fmt.Errorf("renaming sealed pack: %w", err)
	}
	os.Remove(info.Path)

	return s.Get(sessionID)
}

// createPart cria o arquivo .part de uma gravação nova. Falha com ErrExists
// quando já há pack ou gravação para o session id.
func (s *Store) createPart(sessionID string) (*os.File, string, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, "", err
	}
	if s.Exists(sessionID) {
		return nil, "", ErrExists
	}

	path := filepath.Join(s.dir, sessionID+partExt)
	if err := validatePathInBaseDir(s.dir, path); err != nil {
		return nil, "", err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, "", ErrExists
		}
		return nil, "", fmt.Errorf("creating pack: %w", err)
	}
	return f, path, nil
}

// commitPart renomeia o .part para o pack final .jsonl.
func (s *Store) commitPart(sessionID string) (PackInfo, error) {
	partPath := filepath.Join(s.dir, sessionID+partExt)
	finalPath := filepath.Join(s.dir, sessionID+packExt)
	if err := os.Rename(partPath, finalPath); err != nil {
		return PackInfo{}, fmt.Errorf("committing pack: %w", err)
	}
	return s.Get(sessionID)
}

// abortPart descarta o .part de uma gravação com falha.
func (s *Store) abortPart(sessionID string) {
	os.Remove(filepath.Join(s.dir, sessionID+partExt))
}

// packInfoFromName decide se um nome de arquivo é um pack e extrai o session id.
func packInfoFromName(name string) (PackInfo, bool) {
	switch {
	case strings.HasSuffix(name, sealedExt):
		return PackInfo{SessionID: strings.TrimSuffix(name, sealedExt), Sealed: true}, true
	case strings.HasSuffix(name, packExt):
		return PackInfo{SessionID: strings.TrimSuffix(name, packExt)}, true
	default:
		return PackInfo{}, false
	}
}

// zstdReadCloser fecha o decoder e o arquivo subjacente juntos.
type zstdReadCloser struct {
	zr *zstd.Decoder
	f  *os.File
}

func (z *zstdReadCloser) Read(p []byte) (int, error) { return z.zr.Read(p) }

func (z *zstdReadCloser) Close() error {
	z.zr.Close()
	return z.f.Close()
}

// ModTime é um helper para exibição; o catálogo só guarda epoch ms.
func (p PackInfo) ModTime() time.Time { return time.UnixMilli(p.ModifiedMs) }
