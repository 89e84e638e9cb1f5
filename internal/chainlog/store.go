// Package chainlog persists state chains on disk, one directory per license,
// and replays them with checksum-guarded framing.
package chainlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/linlurui/decentri-license/internal/statechain"
	"github.com/linlurui/decentri-license/internal/token"
)

const (
	genesisFile = "genesis_token.json"
	logFile     = "chain_log.bin"
	currentFile = "current_state.json"
	metaFile    = "chain_meta.json"
	lockFile    = ".lock"

	dirPerm  = 0o700
	filePerm = 0o600

	defaultVerifyConcurrency = 4
)

var (
	ErrNotFound         = errors.New("no stored chain for license")
	ErrEmptyChain       = errors.New("chain is empty")
	ErrOutOfOrder       = errors.New("state index does not follow the current state")
	ErrInvalidLicenseID = errors.New("invalid license id")
	ErrUnrecoverable    = errors.New("nothing left to recover from")
	ErrLogDamaged       = errors.New("chain log is damaged")
)

var licenseIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Store is a directory of persisted chains. Writers of one license are
// serialized across goroutines and, through a lock file in the license
// directory, across Stores and processes sharing the directory.
type Store struct {
	root        string
	logger      *slog.Logger
	now         func() time.Time
	concurrency int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithClock overrides time.Now for metadata timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithVerifyConcurrency bounds the parallelism of VerifyAll.
func WithVerifyConcurrency(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// NewStore opens (and creates) the store rooted at dir.
func NewStore(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, errors.New("storage directory is required")
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	s := &Store{
		root:        dir,
		logger:      slog.Default(),
		now:         time.Now,
		concurrency: defaultVerifyConcurrency,
		locks:       make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "chainlog"))
	return s, nil
}

// Root returns the storage directory.
func (s *Store) Root() string {
	return s.root
}

// lock takes the in-process mutex of licenseID, then the advisory file
// lock in dir. dir is created when missing.
func (s *Store) lock(licenseID, dir string) (func(), error) {
	s.mu.Lock()
	l, ok := s.locks[licenseID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[licenseID] = l
	}
	s.mu.Unlock()

	l.Lock()
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		l.Unlock()
		return nil, fmt.Errorf("create chain directory: %w", err)
	}
	fl := flock.New(filepath.Join(dir, lockFile))
	if err := fl.Lock(); err != nil {
		l.Unlock()
		return nil, fmt.Errorf("lock chain directory: %w", err)
	}

	return func() {
		if err := fl.Unlock(); err != nil {
			s.logger.Warn("failed to release chain lock",
				slog.String("license_id", licenseID),
				slog.String("error", err.Error()))
		}
		l.Unlock()
	}, nil
}

// ValidLicenseID reports whether id can name a license directory.
func ValidLicenseID(id string) bool {
	return licenseIDPattern.MatchString(id)
}

func (s *Store) dir(licenseID string) (string, error) {
	if !ValidLicenseID(licenseID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidLicenseID, licenseID)
	}
	return filepath.Join(s.root, licenseID), nil
}

// Exists reports whether a chain log is stored for licenseID.
func (s *Store) Exists(licenseID string) bool {
	dir, err := s.dir(licenseID)
	if err != nil {
		return false
	}
	_, err = os.Stat(filepath.Join(dir, logFile))
	return err == nil
}

// ListLicenses returns the ids of every stored chain in sorted order.
func (s *Store) ListLicenses() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list storage directory: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() && s.Exists(e.Name()) {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// SaveFullChain replaces whatever is stored for licenseID with chain.
func (s *Store) SaveFullChain(licenseID string, chain []token.Token) error {
	if len(chain) == 0 {
		return ErrEmptyChain
	}
	dir, err := s.dir(licenseID)
	if err != nil {
		return err
	}
	unlock, err := s.lock(licenseID, dir)
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.writeChain(dir, licenseID, chain); err != nil {
		return err
	}

	s.logger.Debug("chain saved",
		slog.String("license_id", licenseID),
		slog.Int("states", len(chain)),
		slog.Uint64("head_index", chain[len(chain)-1].StateIndex))
	return nil
}

// writeChain rewrites the log, current state and metadata. Callers hold
// the license lock.
func (s *Store) writeChain(dir, licenseID string, chain []token.Token) error {
	if chain[0].IsGenesis() {
		data, err := chain[0].Encode()
		if err != nil {
			return err
		}
		if err := writeFileAtomic(filepath.Join(dir, genesisFile), data); err != nil {
			return fmt.Errorf("write genesis token: %w", err)
		}
	}

	var buf []byte
	for _, t := range chain {
		rec, err := encodeRecord(t)
		if err != nil {
			return fmt.Errorf("encode state %d: %w", t.StateIndex, err)
		}
		buf = append(buf, rec...)
	}
	if err := writeFileAtomic(filepath.Join(dir, logFile), buf); err != nil {
		return fmt.Errorf("write chain log: %w", err)
	}

	if err := writeTokenAtomic(filepath.Join(dir, currentFile), chain[len(chain)-1]); err != nil {
		return err
	}

	meta := Metadata{
		Version:     metadataVersion,
		TotalStates: uint64(len(chain)),
		BaseIndex:   chain[0].StateIndex,
		LicenseID:   licenseID,
	}
	if prev, err := readMetadata(dir); err == nil {
		meta.LastVerificationTime = prev.LastVerificationTime
	}
	return writeMetadata(dir, meta)
}

// AppendState appends t to the log of licenseID. t must be the direct
// successor of the current state. A torn record at the end of the log is
// truncated before writing. A log whose intact prefix does not end at the
// current state is refused with ErrLogDamaged; RecoverChain repairs it.
func (s *Store) AppendState(licenseID string, t token.Token) error {
	dir, err := s.dir(licenseID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, licenseID)
	}
	unlock, err := s.lock(licenseID, dir)
	if err != nil {
		return err
	}
	defer unlock()

	current, err := readToken(filepath.Join(dir, currentFile))
	if err != nil {
		return err
	}
	if t.StateIndex != current.StateIndex+1 {
		return fmt.Errorf("%w: got %d, current is %d", ErrOutOfOrder, t.StateIndex, current.StateIndex)
	}
	meta, err := readMetadata(dir)
	if err != nil {
		return err
	}
	res, err := readLog(dir)
	if err != nil {
		return err
	}
	if len(res.tokens) == 0 || res.tokens[len(res.tokens)-1].StateIndex != current.StateIndex {
		return fmt.Errorf("%w: intact log does not end at state %d", ErrLogDamaged, current.StateIndex)
	}
	if !res.intact {
		if err := os.Truncate(filepath.Join(dir, logFile), int64(res.size)); err != nil {
			return fmt.Errorf("truncate chain log: %w", err)
		}
		s.logger.Warn("truncated torn chain log tail",
			slog.String("license_id", licenseID),
			slog.String("reason", res.reason),
			slog.Int("kept_bytes", res.size))
	}

	rec, err := encodeRecord(t)
	if err != nil {
		return fmt.Errorf("encode state %d: %w", t.StateIndex, err)
	}
	f, err := os.OpenFile(filepath.Join(dir, logFile), os.O_WRONLY|os.O_APPEND|os.O_CREATE, filePerm)
	if err != nil {
		return fmt.Errorf("open chain log: %w", err)
	}
	if _, err := f.Write(rec); err != nil {
		f.Close()
		return fmt.Errorf("append chain log: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync chain log: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close chain log: %w", err)
	}

	if err := writeTokenAtomic(filepath.Join(dir, currentFile), t); err != nil {
		return err
	}
	meta.TotalStates = uint64(len(res.tokens)) + 1
	if err := writeMetadata(dir, meta); err != nil {
		return err
	}

	s.logger.Debug("state appended",
		slog.String("license_id", licenseID),
		slog.Uint64("state_index", t.StateIndex))
	return nil
}

// LoadChain replays the log of licenseID. Replay stops silently at the
// first damaged record; VerifyStoredChain reports the damage.
func (s *Store) LoadChain(licenseID string) ([]token.Token, error) {
	dir, err := s.dir(licenseID)
	if err != nil {
		return nil, err
	}
	res, err := readLog(dir)
	if err != nil {
		return nil, err
	}
	if !res.intact {
		s.logger.Warn("chain log replay stopped early",
			slog.String("license_id", licenseID),
			slog.String("reason", res.reason),
			slog.Int("recovered", len(res.tokens)))
	}
	return res.tokens, nil
}

// GetCurrentState returns the last persisted state of licenseID.
func (s *Store) GetCurrentState(licenseID string) (token.Token, error) {
	dir, err := s.dir(licenseID)
	if err != nil {
		return token.Token{}, err
	}
	return readToken(filepath.Join(dir, currentFile))
}

// GetGenesis returns the stored genesis token of licenseID.
func (s *Store) GetGenesis(licenseID string) (token.Token, error) {
	dir, err := s.dir(licenseID)
	if err != nil {
		return token.Token{}, err
	}
	return readToken(filepath.Join(dir, genesisFile))
}

// Metadata returns the chain metadata of licenseID.
func (s *Store) Metadata(licenseID string) (Metadata, error) {
	dir, err := s.dir(licenseID)
	if err != nil {
		return Metadata{}, err
	}
	return readMetadata(dir)
}

// VerifyStoredChain re-validates the whole stored chain of licenseID. On
// success the metadata verification time is refreshed.
func (s *Store) VerifyStoredChain(licenseID string) (bool, string) {
	dir, err := s.dir(licenseID)
	if err != nil {
		return false, err.Error()
	}
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Sprintf("%v: %s", ErrNotFound, licenseID)
	}
	unlock, err := s.lock(licenseID, dir)
	if err != nil {
		return false, err.Error()
	}
	defer unlock()

	meta, err := readMetadata(dir)
	if err != nil {
		return false, err.Error()
	}
	res, err := readLog(dir)
	if err != nil {
		return false, err.Error()
	}
	if !res.intact {
		return false, "chain log is damaged: " + res.reason
	}
	if uint64(len(res.tokens)) != meta.TotalStates {
		return false, fmt.Sprintf("chain log holds %d states, metadata expects %d", len(res.tokens), meta.TotalStates)
	}
	if ok, reason := statechain.AuditChain(res.tokens, meta.BaseIndex); !ok {
		return false, reason
	}

	current, err := readToken(filepath.Join(dir, currentFile))
	if err != nil {
		return false, err.Error()
	}
	if ok, reason := sameSnapshot(current, res.tokens[len(res.tokens)-1]); !ok {
		return false, "current state does not match the chain head: " + reason
	}

	meta.LastVerificationTime = s.now().Unix()
	if err := writeMetadata(dir, meta); err != nil {
		s.logger.Warn("failed to record verification time",
			slog.String("license_id", licenseID),
			slog.String("error", err.Error()))
	}
	return true, ""
}

// RecoverChain rebuilds a consistent log for licenseID after damage. The
// longest verifiable prefix of the log is kept, extended by the current
// state when it links. A current state that does not link replaces the
// log as a single-entry chain. Without a usable current state, the current
// state is resynced to the last salvaged record.
//
// This goes beyond a current-state-only reset: history is kept where it
// still verifies, and the recovered head is returned rather than a bool.
func (s *Store) RecoverChain(licenseID string) (token.Token, error) {
	dir, err := s.dir(licenseID)
	if err != nil {
		return token.Token{}, err
	}
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return token.Token{}, fmt.Errorf("%w: %s", ErrUnrecoverable, licenseID)
	}
	unlock, err := s.lock(licenseID, dir)
	if err != nil {
		return token.Token{}, err
	}
	defer unlock()

	var salvaged []token.Token
	if res, err := readLog(dir); err == nil {
		salvaged = verifiedPrefix(res.tokens)
	} else if !errors.Is(err, ErrNotFound) {
		return token.Token{}, err
	}

	chain := salvaged
	if current, err := readToken(filepath.Join(dir, currentFile)); err == nil && statechain.VerifyStateSignature(current) == nil {
		chain = reconcile(salvaged, current)
	}
	if len(chain) == 0 {
		return token.Token{}, fmt.Errorf("%w: %s", ErrUnrecoverable, licenseID)
	}

	if err := s.writeChain(dir, licenseID, chain); err != nil {
		return token.Token{}, err
	}

	head := chain[len(chain)-1]
	s.logger.Info("chain recovered",
		slog.String("license_id", licenseID),
		slog.Int("salvaged", len(salvaged)),
		slog.Int("states", len(chain)),
		slog.Uint64("base_index", chain[0].StateIndex),
		slog.Uint64("head_index", head.StateIndex))
	return head, nil
}

// VerifyResult is the outcome of verifying one stored chain.
type VerifyResult struct {
	LicenseID string
	Valid     bool
	Reason    string
}

// VerifyAll verifies every stored chain concurrently.
func (s *Store) VerifyAll(ctx context.Context) ([]VerifyResult, error) {
	ids, err := s.ListLicenses()
	if err != nil {
		return nil, err
	}

	results := make([]VerifyResult, len(ids))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, id := range ids {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			ok, reason := s.VerifyStoredChain(id)
			results[i] = VerifyResult{LicenseID: id, Valid: ok, Reason: reason}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// verifiedPrefix keeps records while each one verifies and links to the
// one before it.
func verifiedPrefix(records []token.Token) []token.Token {
	var out []token.Token
	for _, t := range records {
		if len(out) == 0 {
			if statechain.VerifyStateSignature(t) != nil {
				break
			}
		} else if ok, _ := statechain.VerifyStateChain(t, out); !ok {
			break
		}
		out = append(out, t)
	}
	return out
}

func reconcile(salvaged []token.Token, current token.Token) []token.Token {
	if len(salvaged) == 0 {
		return []token.Token{current}
	}
	if ok, _ := sameSnapshot(current, salvaged[len(salvaged)-1]); ok {
		return salvaged
	}
	if ok, _ := statechain.VerifyStateChain(current, salvaged); ok {
		return append(salvaged, current)
	}
	return []token.Token{current}
}

func sameSnapshot(a, b token.Token) (bool, string) {
	ha, err := token.SnapshotHash(a)
	if err != nil {
		return false, err.Error()
	}
	hb, err := token.SnapshotHash(b)
	if err != nil {
		return false, err.Error()
	}
	if ha != hb {
		return false, fmt.Sprintf("snapshot hash %s != %s", ha[:12], hb[:12])
	}
	return true, ""
}

func readLog(dir string) (decodeResult, error) {
	data, err := os.ReadFile(filepath.Join(dir, logFile))
	if errors.Is(err, fs.ErrNotExist) {
		return decodeResult{}, fmt.Errorf("%w: %s", ErrNotFound, filepath.Base(dir))
	}
	if err != nil {
		return decodeResult{}, fmt.Errorf("read chain log: %w", err)
	}
	return decodeRecords(data), nil
}

func readToken(path string) (token.Token, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return token.Token{}, fmt.Errorf("%w: %s", ErrNotFound, filepath.Base(filepath.Dir(path)))
	}
	if err != nil {
		return token.Token{}, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	t, err := token.Parse(data)
	if err != nil {
		return token.Token{}, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return t, nil
}

func writeTokenAtomic(path string, t token.Token) error {
	data, err := t.Encode()
	if err != nil {
		return err
	}
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func readMetadata(dir string) (Metadata, error) {
	data, err := os.ReadFile(filepath.Join(dir, metaFile))
	if errors.Is(err, fs.ErrNotExist) {
		return Metadata{}, fmt.Errorf("%w: %s", ErrNotFound, filepath.Base(dir))
	}
	if err != nil {
		return Metadata{}, fmt.Errorf("read chain metadata: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return Metadata{}, fmt.Errorf("parse chain metadata: %w", err)
	}
	return meta, nil
}

func writeMetadata(dir string, meta Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(dir, metaFile), data); err != nil {
		return fmt.Errorf("write chain metadata: %w", err)
	}
	return nil
}

// writeFileAtomic writes data to a temp file in the same directory and
// renames it over path.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, filePerm); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
