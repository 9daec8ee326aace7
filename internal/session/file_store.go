package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const sessionDirName = "__session__"

// FileStore writes each checkpoint to
// <dir>/<session>/__session__/<iteration>/<step>_<name>.json
type FileStore struct {
	dir string
}

// NewFileStore creates a store rooted at dir
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) iterationDir(sessionID string, iteration int) string {
	return filepath.Join(s.dir, sessionID, sessionDirName, strconv.Itoa(iteration))
}

// Save writes cp atomically (temp file then rename)
func (s *FileStore) Save(ctx context.Context, cp Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validate(cp); err != nil {
		return err
	}
	if strings.ContainsAny(cp.SessionID, `/\`) || strings.ContainsAny(cp.StepName, `/\_`) {
		return fmt.Errorf("invalid checkpoint name %s", cp)
	}
	cp.Version = CheckpointVersion
	if cp.SavedAt.IsZero() {
		cp.SavedAt = time.Now().UTC()
	}

	dir := s.iterationDir(cp.SessionID, cp.Iteration)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create checkpoint directory: %w", err)
	}

	// a step is stored once; a record under another name is dropped only
	// after the new one is in place
	old, oldErr := s.stepFile(dir, cp.Step)

	path := filepath.Join(dir, fmt.Sprintf("%d_%s.json", cp.Step, cp.StepName))
	b, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint %s: %w", cp, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0644); err != nil {
		return fmt.Errorf("write checkpoint %s: %w", cp, err)
	}
	if err := os.Rename(tmp, path); err != nil { // atomic replace
		return fmt.Errorf("commit checkpoint %s: %w", cp, err)
	}
	if oldErr == nil && old != path {
		if err := os.Remove(old); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove stale checkpoint %s: %w", old, err)
		}
	}
	return nil
}

// stepFile finds the file holding step in an iteration directory
func (s *FileStore) stepFile(dir string, step int) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, fmt.Sprintf("%d_*.json", step)))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fs.ErrNotExist
	}
	// 崩溃可能留下同一步骤的两个文件，取最新的
	best, bestTime := "", time.Time{}
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		if best == "" || info.ModTime().After(bestTime) {
			best, bestTime = m, info.ModTime()
		}
	}
	if best == "" {
		return "", fs.ErrNotExist
	}
	return best, nil
}

func (s *FileStore) Load(ctx context.Context, sessionID string, iteration, step int) (Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return Checkpoint{}, err
	}
	path, err := s.stepFile(s.iterationDir(sessionID, iteration), step)
	if err != nil {
		return Checkpoint{}, notFound(sessionID, fmt.Sprintf("iteration %d step %d", iteration, step))
	}
	return readCheckpoint(path)
}

func readCheckpoint(path string) (Checkpoint, error) {
	var cp Checkpoint
	b, err := os.ReadFile(path)
	if err != nil {
		return cp, corrupt(path, err)
	}
	if err := json.Unmarshal(b, &cp); err != nil {
		return cp, corrupt(path, err)
	}
	return cp, nil
}

// positions lists the (iteration, step, path) triples of a session in order
func (s *FileStore) positions(sessionID string) ([]position, error) {
	root := filepath.Join(s.dir, sessionID, sessionDirName)
	iterDirs, err := os.ReadDir(root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session directory: %w", err)
	}

	var out []position
	for _, d := range iterDirs {
		iteration, err := strconv.Atoi(d.Name())
		if !d.IsDir() || err != nil {
			continue
		}
		files, err := os.ReadDir(filepath.Join(root, d.Name()))
		if err != nil {
			return nil, fmt.Errorf("read iteration directory: %w", err)
		}
		for _, f := range files {
			name := f.Name()
			if f.IsDir() || !strings.HasSuffix(name, ".json") {
				continue
			}
			prefix, _, ok := strings.Cut(name, "_")
			step, err := strconv.Atoi(prefix)
			if !ok || err != nil {
				continue
			}
			info, err := f.Info()
			if err != nil {
				continue
			}
			out = append(out, position{iteration, step, filepath.Join(root, d.Name(), name), info.ModTime()})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].iteration != out[j].iteration {
			return out[i].iteration < out[j].iteration
		}
		if out[i].step != out[j].step {
			return out[i].step < out[j].step
		}
		return out[i].modTime.Before(out[j].modTime)
	})

	// keep the newest file of each step
	deduped := out[:0]
	for i, p := range out {
		if i+1 < len(out) && out[i+1].iteration == p.iteration && out[i+1].step == p.step {
			continue
		}
		deduped = append(deduped, p)
	}
	return deduped, nil
}

type position struct {
	iteration int
	step      int
	path      string
	modTime   time.Time
}

func (s *FileStore) Latest(ctx context.Context, sessionID string) (Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return Checkpoint{}, err
	}
	pos, err := s.positions(sessionID)
	if err != nil {
		return Checkpoint{}, err
	}
	if len(pos) == 0 {
		return Checkpoint{}, notFound(sessionID, "no checkpoint written")
	}
	return readCheckpoint(pos[len(pos)-1].path)
}

func (s *FileStore) List(ctx context.Context, sessionID string) ([]Checkpoint, error) {
	pos, err := s.positions(sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]Checkpoint, 0, len(pos))
	for _, p := range pos {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cp, err := readCheckpoint(p.path)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

func (s *FileStore) Sessions(ctx context.Context) ([]string, error) {
	dirs, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint directory: %w", err)
	}
	var out []string
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.dir, d.Name(), sessionDirName)); err == nil {
			out = append(out, d.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}
