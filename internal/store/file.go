package store

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/forgeline/foreman/internal/errors"
)

// FileStore persists one JSONL file per thread under a base directory.
// Lines append in causal order; each Append is fsynced before returning,
// so a crash after a successful Append never loses it.
type FileStore struct {
	dir string
	// mu serializes appends across threads of this process. Cross-process
	// writers are rejected by the parent check, not by locking.
	mu sync.Mutex
}

// NewFileStore creates the base directory if needed
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(errors.ErrCodeStoreUnavailable, "create checkpoint directory", err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(threadID string) string {
	// Thread ids may contain '/' for subrun namespaces; flatten for the
	// filesystem.
	name := strings.ReplaceAll(threadID, "/", "__")
	return filepath.Join(f.dir, name+".jsonl")
}

// Append durably writes a new checkpoint line
func (f *FileStore) Append(ctx context.Context, rec Record) (*Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	latest, err := f.readLatest(rec.ThreadID)
	if err != nil && !errors.HasCode(err, errors.ErrCodeThreadNotFound) {
		return nil, err
	}
	var latestID string
	if latest != nil {
		latestID = latest.ID
	}
	if rec.ParentID != latestID {
		return nil, errors.NewStaleParentError(rec.ThreadID, rec.ParentID)
	}

	cp := newCheckpoint(rec)
	line, err := json.Marshal(cp)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStoreWriteFailed, "marshal checkpoint", err)
	}

	fh, err := os.OpenFile(f.path(rec.ThreadID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStoreWriteFailed, "open chain file", err)
	}
	defer fh.Close()

	if _, err := fh.Write(append(line, '\n')); err != nil {
		return nil, errors.Wrap(errors.ErrCodeStoreWriteFailed, "append checkpoint", err)
	}
	if err := fh.Sync(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeStoreWriteFailed, "sync chain file", err)
	}
	return cp, nil
}

// LoadLatest returns the newest checkpoint of a thread
func (f *FileStore) LoadLatest(_ context.Context, threadID string) (*Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cp, err := f.readLatest(threadID)
	if err != nil {
		return nil, err
	}
	if err := Verify(cp); err != nil {
		return nil, err
	}
	return cp, nil
}

// readLatest scans the chain file and returns its last line
func (f *FileStore) readLatest(threadID string) (*Checkpoint, error) {
	fh, err := os.Open(f.path(threadID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewThreadNotFoundError(threadID)
		}
		return nil, errors.Wrap(errors.ErrCodeStoreReadFailed, "open chain file", err)
	}
	defer fh.Close()

	var last []byte
	scanner := newChainScanner(fh)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			last = []byte(line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeStoreReadFailed, "scan chain file", err)
	}
	if last == nil {
		return nil, errors.NewThreadNotFoundError(threadID)
	}

	var cp Checkpoint
	if err := json.Unmarshal(last, &cp); err != nil {
		return nil, errors.NewStateCorruptionError(threadID, "latest", err)
	}
	return &cp, nil
}

// LoadChain returns a lazy iterator reading the chain file line by line
func (f *FileStore) LoadChain(_ context.Context, threadID string) (ChainIterator, error) {
	fh, err := os.Open(f.path(threadID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewThreadNotFoundError(threadID)
		}
		return nil, errors.Wrap(errors.ErrCodeStoreReadFailed, "open chain file", err)
	}
	return &fileIterator{threadID: threadID, fh: fh, scanner: newChainScanner(fh)}, nil
}

// Threads lists every thread with a chain file
func (f *FileStore) Threads(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStoreReadFailed, "read checkpoint directory", err)
	}
	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		id := strings.TrimSuffix(name, ".jsonl")
		ids = append(ids, strings.ReplaceAll(id, "__", "/"))
	}
	sort.Strings(ids)
	return ids, nil
}

type fileIterator struct {
	threadID string
	fh       *os.File
	scanner  *bufio.Scanner
}

func (it *fileIterator) Next() (*Checkpoint, error) {
	for it.scanner.Scan() {
		line := strings.TrimSpace(it.scanner.Text())
		if line == "" {
			continue
		}
		var cp Checkpoint
		if err := json.Unmarshal([]byte(line), &cp); err != nil {
			return nil, errors.NewStateCorruptionError(it.threadID, "chain", err)
		}
		if err := Verify(&cp); err != nil {
			return nil, err
		}
		return &cp, nil
	}
	if err := it.scanner.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeStoreReadFailed, "scan chain file", err)
	}
	return nil, nil
}

func (it *fileIterator) Close() error {
	return it.fh.Close()
}

// newChainScanner builds a scanner sized for large state snapshots
func newChainScanner(fh *os.File) *bufio.Scanner {
	scanner := bufio.NewScanner(fh)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return scanner
}

var _ Store = (*FileStore)(nil)
var _ Store = (*MemoryStore)(nil)
