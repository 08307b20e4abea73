// Package archive snapshots project trees into gzip tarballs for rollback.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/pkg/archive"
)

// DefaultRoot is the directory artifacts are written under.
const DefaultRoot = "deploy-artifacts"

const (
	filePrefix = "deploy-"
	fileSuffix = ".tar.gz"
	// ownerFile records the project path that owns an artifact directory.
	ownerFile = ".project"
)

var nonWord = regexp.MustCompile(`\W`)

// ErrNoCommit is returned when an archive is requested without a commit hash.
var ErrNoCommit = errors.New("archive: commit hash required")

// SanitizePath turns a project path into a single directory name.
func SanitizePath(p string) string {
	return strings.Trim(nonWord.ReplaceAllString(p, "_"), "_")
}

// FileName returns the artifact name for commit captured at the given time.
func FileName(at time.Time, commit string) string {
	stamp := strings.ReplaceAll(at.UTC().Format("2006-01-02T15:04:05.000Z"), ":", "-")
	short := commit
	if len(short) > 8 {
		short = short[:8]
	}
	return filePrefix + stamp + "-" + short + fileSuffix
}

// Archiver writes and restores artifacts below root.
type Archiver struct {
	root      string
	retention int
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures an Archiver.
type Option func(*Archiver)

// WithRetention keeps at most n artifacts per project; n <= 0 keeps everything.
func WithRetention(n int) Option {
	return func(a *Archiver) { a.retention = n }
}

// WithClock overrides the time source used for file names.
func WithClock(now func() time.Time) Option {
	return func(a *Archiver) { a.now = now }
}

// New returns an Archiver rooted at root.
func New(root string, logger *slog.Logger, opts ...Option) *Archiver {
	if strings.TrimSpace(root) == "" {
		root = DefaultRoot
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Archiver{root: root, logger: logger.With("component", "archive"), now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Dir returns the artifact directory of a project. Paths that sanitize to a
// directory already owned by another project get a hashed sibling instead.
func (a *Archiver) Dir(projectPath string) string {
	clean := filepath.Clean(projectPath)
	base := filepath.Join(a.root, SanitizePath(clean))
	owner, err := os.ReadFile(filepath.Join(base, ownerFile))
	if err != nil || strings.TrimSpace(string(owner)) == clean {
		return base
	}
	return collisionDir(base, clean)
}

// claimDir creates the artifact directory of projectPath and records its owner.
func (a *Archiver) claimDir(projectPath string) (string, error) {
	clean := filepath.Clean(projectPath)
	base := filepath.Join(a.root, SanitizePath(clean))
	dir := base
	for attempt := 0; attempt < 2; attempt++ {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create artifact dir: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(dir, ownerFile), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			_, werr := f.WriteString(clean + "\n")
			if cerr := f.Close(); werr == nil {
				werr = cerr
			}
			if werr != nil {
				return "", fmt.Errorf("record artifact dir owner: %w", werr)
			}
			return dir, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("record artifact dir owner: %w", err)
		}
		owner, err := os.ReadFile(filepath.Join(dir, ownerFile))
		if err != nil {
			return "", fmt.Errorf("read artifact dir owner: %w", err)
		}
		if strings.TrimSpace(string(owner)) == clean {
			return dir, nil
		}
		dir = collisionDir(base, clean)
	}
	return "", fmt.Errorf("artifact dir %s is owned by another project", dir)
}

func collisionDir(base, clean string) string {
	sum := sha256.Sum256([]byte(clean))
	return base + "_" + hex.EncodeToString(sum[:4])
}

// Create tars projectPath, excluding .git, and returns the artifact path.
func (a *Archiver) Create(ctx context.Context, projectPath, commit string) (string, error) {
	if strings.TrimSpace(commit) == "" {
		return "", ErrNoCommit
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir, err := a.claimDir(projectPath)
	if err != nil {
		return "", err
	}

	exclude := []string{".git"}
	if rel, ok := a.rootWithin(projectPath); ok {
		exclude = append(exclude, rel)
	}
	stream, err := archive.TarWithOptions(projectPath, &archive.TarOptions{
		Compression:     archive.Gzip,
		ExcludePatterns: exclude,
	})
	if err != nil {
		return "", fmt.Errorf("tar %s: %w", projectPath, err)
	}
	defer stream.Close()

	target := filepath.Join(dir, FileName(a.now(), commit))
	tmp, err := os.CreateTemp(dir, ".partial-*")
	if err != nil {
		return "", fmt.Errorf("create artifact: %w", err)
	}
	if _, err := io.Copy(tmp, stream); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("finalize artifact: %w", err)
	}
	a.logger.Info("artifact created", "project_path", projectPath, "artifact", target)

	if a.retention > 0 {
		if _, err := a.Prune(projectPath, a.retention); err != nil {
			a.logger.Warn("prune artifacts", "project_path", projectPath, "error", err)
		}
	}
	return target, nil
}

// Extract unpacks artifact over dest.
func (a *Archiver) Extract(ctx context.Context, artifact, dest string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := os.Open(artifact)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()
	if err := archive.Untar(f, dest, &archive.TarOptions{NoLchown: true}); err != nil {
		return fmt.Errorf("extract %s: %w", artifact, err)
	}
	return nil
}

// Prune deletes all but the newest keep artifacts of a project.
func (a *Archiver) Prune(projectPath string, keep int) ([]string, error) {
	dir := a.Dir(projectPath)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() && strings.HasPrefix(name, filePrefix) && strings.HasSuffix(name, fileSuffix) {
			names = append(names, name)
		}
	}
	if keep < 0 || len(names) <= keep {
		return nil, nil
	}
	sort.Strings(names)
	var removed []string
	for _, name := range names[:len(names)-keep] {
		path := filepath.Join(dir, name)
		if err := os.Remove(path); err != nil {
			return removed, fmt.Errorf("remove %s: %w", path, err)
		}
		removed = append(removed, path)
	}
	return removed, nil
}

// ClearTree removes every entry of dir except .git.
func ClearTree(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.Name() == ".git" {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return fmt.Errorf("remove %s: %w", e.Name(), err)
		}
	}
	return nil
}

func (a *Archiver) rootWithin(projectPath string) (string, bool) {
	root, err := filepath.Abs(a.root)
	if err != nil {
		return "", false
	}
	project, err := filepath.Abs(projectPath)
	if err != nil {
		return "", false
	}
	rel, err := filepath.Rel(project, root)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return rel, true
}
