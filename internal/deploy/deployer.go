// Package deploy publishes generated map files to a running reverse proxy.
//
// A deployment drafts every artifact into a uniquely named temp file next to
// its target, asks the proxy to validate its configuration, renames the drafts
// over the live files and finally reloads the proxy. A failure before the swap
// leaves the live files untouched.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
)

type Stage string

const (
	StageDraft    Stage = "draft"
	StageValidate Stage = "validate"
	StageSwap     Stage = "swap"
	StageReload   Stage = "reload"
)

var (
	ErrDraft      = errors.New("deploy: draft failed")
	ErrValidation = errors.New("deploy: proxy validation failed")
	ErrSwap       = errors.New("deploy: swap failed")
	ErrReload     = errors.New("deploy: proxy reload failed")
)

// StageError reports the stage a deployment stopped at. It matches both the
// stage sentinel and the underlying cause with errors.Is.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("deploy %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() []error {
	return []error{e.sentinel(), e.Err}
}

func (e *StageError) sentinel() error {
	switch e.Stage {
	case StageDraft:
		return ErrDraft
	case StageValidate:
		return ErrValidation
	case StageSwap:
		return ErrSwap
	default:
		return ErrReload
	}
}

// Artifact is one generated file. TempPath only decides where drafts are
// created; the actual draft name is unique per deployment.
type Artifact struct {
	Name     string
	LivePath string
	TempPath string
	Body     []byte
}

func (a Artifact) draftDir() string {
	if a.TempPath != "" {
		return filepath.Dir(a.TempPath)
	}
	return filepath.Dir(a.LivePath)
}

func (a Artifact) draftPattern() string {
	base := filepath.Base(a.TempPath)
	if a.TempPath == "" {
		base = filepath.Base(a.LivePath) + ".tmp"
	}
	return base + ".*"
}

// Deployer runs the draft, validate, swap and reload stages.
type Deployer struct {
	proxy  Proxy
	rename func(oldpath, newpath string) error
}

func NewDeployer(proxy Proxy) *Deployer {
	return &Deployer{proxy: proxy, rename: os.Rename}
}

// Deploy publishes all artifacts as one unit. When the rename of a later
// artifact fails after an earlier one was swapped, the earlier one stays live;
// the returned StageError names the swap stage in that case.
func (d *Deployer) Deploy(ctx context.Context, artifacts ...Artifact) error {
	if d.proxy == nil {
		return &StageError{Stage: StageValidate, Err: errors.New("no proxy configured")}
	}
	if len(artifacts) == 0 {
		return nil
	}

	drafts := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		path, err := writeDraft(a)
		if err != nil {
			cleanupDrafts(drafts)
			return &StageError{Stage: StageDraft, Err: fmt.Errorf("%s: %w", a.Name, err)}
		}
		drafts = append(drafts, path)
	}

	if err := d.proxy.Test(ctx); err != nil {
		cleanupDrafts(drafts)
		return &StageError{Stage: StageValidate, Err: err}
	}

	for i, a := range artifacts {
		if err := d.swap(drafts[i], a); err != nil {
			cleanupDrafts(drafts[i:])
			return &StageError{Stage: StageSwap, Err: fmt.Errorf("%s: %w", a.Name, err)}
		}
	}

	if err := d.proxy.Reload(ctx); err != nil {
		return &StageError{Stage: StageReload, Err: err}
	}
	return nil
}

func (d *Deployer) swap(draft string, a Artifact) error {
	err := d.rename(draft, a.LivePath)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EBUSY) && !errors.Is(err, syscall.EXDEV) {
		return err
	}

	// Bind-mounted or cross-device targets cannot be replaced by rename.
	log.Warn("Rename not possible, overwriting map in place", "map", a.Name, "path", a.LivePath, "error", err)
	if werr := os.WriteFile(a.LivePath, a.Body, 0o644); werr != nil {
		return fmt.Errorf("overwrite %s: %w", a.LivePath, werr)
	}
	if rerr := os.Remove(draft); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
		log.Warn("Failed to remove draft after in-place overwrite", "path", draft, "error", rerr)
	}
	return nil
}

func writeDraft(a Artifact) (string, error) {
	f, err := os.CreateTemp(a.draftDir(), a.draftPattern())
	if err != nil {
		return "", err
	}
	path := f.Name()

	fail := func(err error) (string, error) {
		_ = f.Close()
		_ = os.Remove(path)
		return "", err
	}

	if err := f.Chmod(0o644); err != nil {
		return fail(err)
	}
	if _, err := f.Write(a.Body); err != nil {
		return fail(err)
	}
	if err := f.Sync(); err != nil {
		return fail(err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return path, nil
}

func cleanupDrafts(paths []string) {
	var errs []error
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		log.Warn("Failed to remove draft files", "error", err)
	}
}

// RemoveStaleDrafts deletes drafts of the given artifacts that are older than
// maxAge. Drafts outlive a deployment only when the process died mid-way.
func RemoveStaleDrafts(maxAge time.Duration, artifacts ...Artifact) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	var errs []error

	for _, a := range artifacts {
		matches, err := filepath.Glob(filepath.Join(a.draftDir(), a.draftPattern()))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, path := range matches {
			info, err := os.Stat(path)
			if err != nil || info.IsDir() || info.ModTime().After(cutoff) {
				continue
			}
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
				continue
			}
			removed++
		}
	}
	return removed, errors.Join(errs...)
}
